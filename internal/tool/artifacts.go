package tool

import (
	"context"
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type ArtifactKind string

const (
	ArtifactFile  ArtifactKind = "file"
	ArtifactImage ArtifactKind = "image"
	ArtifactAudio ArtifactKind = "audio"
)

// Artifact is a file, image or audio clip produced by a tool for the user.
// Either URL or Data is set.
type Artifact struct {
	Kind     ArtifactKind `json:"kind"`
	Name     string       `json:"name,omitempty"`
	MIMEType string       `json:"mime_type,omitempty"`
	URL      string       `json:"url,omitempty"`
	Caption  string       `json:"caption,omitempty"`
	Data     []byte       `json:"-"`
}

// Deliverer hands artifacts to the chat platform.
type Deliverer interface {
	DeliverArtifact(ctx context.Context, artifact Artifact) error
}

// binaryKeys are result fields that carry encoded payloads.
var binaryKeys = map[string]bool{
	"base64": true,
	"buffer": true,
}

// legacyShapes are result layouts that imply a delivery even when the tool did
// not declare Artifacts.
var legacyShapes = []struct {
	path string
	kind ArtifactKind
}{
	{"image", ArtifactImage},
	{"audio", ArtifactAudio},
	{"file", ArtifactFile},
}

// DetectArtifacts converts well-known result shapes into artifacts:
// images[].base64, image.base64, audio.base64, file.base64 and a top-level
// base64/buffer field. Raw byte slices under the same names are detected too.
func DetectArtifacts(ctx context.Context, data any) []Artifact {
	if data == nil {
		return nil
	}
	clean, binaries := redactBinary(data)

	var found []Artifact
	for _, b := range binaries {
		if kind, ok := b.kind(); ok {
			found = append(found, Artifact{Kind: kind, Name: b.name, MIMEType: b.mime, Data: b.data})
		}
	}

	raw, err := json.Marshal(clean)
	if err != nil {
		return found
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return found
	}

	add := func(obj gjson.Result, kind ArtifactKind) {
		if a, ok := artifactFrom(ctx, obj, kind); ok {
			found = append(found, a)
		}
	}

	doc.Get("images").ForEach(func(_, item gjson.Result) bool {
		add(item, ArtifactImage)
		return true
	})
	for _, shape := range legacyShapes {
		if obj := doc.Get(shape.path); obj.IsObject() {
			add(obj, shape.kind)
		}
	}
	if payloadField(doc).Exists() {
		add(doc, kindFromMIME(doc.Get("mime_type").String()))
	}

	return found
}

func artifactFrom(ctx context.Context, obj gjson.Result, kind ArtifactKind) (Artifact, bool) {
	a := Artifact{
		Kind:     kind,
		Name:     obj.Get("name").String(),
		MIMEType: obj.Get("mime_type").String(),
		URL:      obj.Get("url").String(),
		Caption:  obj.Get("caption").String(),
	}

	if encoded := payloadField(obj); encoded.Exists() {
		if isPlaceholder(encoded.String()) {
			// Raw bytes, already picked up before marshalling.
			return Artifact{}, false
		}
		data, err := base64.StdEncoding.DecodeString(encoded.String())
		if err != nil {
			slog.WarnContext(ctx, "tool result carries undecodable payload",
				"kind", kind,
				"error", err)
			return Artifact{}, false
		}
		a.Data = data
	}

	if a.URL == "" && len(a.Data) == 0 {
		return Artifact{}, false
	}
	return a, true
}

func payloadField(obj gjson.Result) gjson.Result {
	if v := obj.Get("base64"); v.Exists() {
		return v
	}
	return obj.Get("buffer")
}

func kindFromMIME(mime string) ArtifactKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return ArtifactImage
	case strings.HasPrefix(mime, "audio/"):
		return ArtifactAudio
	default:
		return ArtifactFile
	}
}

// StripBinary returns data as JSON with every encoded payload field removed and
// every byte slice replaced by a "<N bytes>" placeholder.
func StripBinary(data any) (string, error) {
	if data == nil {
		return "null", nil
	}
	clean, _ := redactBinary(data)
	raw, err := json.Marshal(clean)
	if err != nil {
		return "", fmt.Errorf("marshal tool data: %w", err)
	}

	out := string(raw)
	for _, path := range binaryPaths(gjson.Parse(out), "") {
		out, err = sjson.Delete(out, path)
		if err != nil {
			return "", fmt.Errorf("strip %s: %w", path, err)
		}
	}
	return out, nil
}

// binaryPaths collects sjson paths of binary fields.
func binaryPaths(node gjson.Result, prefix string) []string {
	var paths []string
	switch {
	case node.IsObject():
		node.ForEach(func(key, value gjson.Result) bool {
			path := joinPath(prefix, escapePathKey(key.String()))
			if binaryKeys[key.String()] {
				paths = append(paths, path)
				return true
			}
			paths = append(paths, binaryPaths(value, path)...)
			return true
		})
	case node.IsArray():
		items := node.Array()
		for i := len(items) - 1; i >= 0; i-- {
			paths = append(paths, binaryPaths(items[i], joinPath(prefix, fmt.Sprint(i)))...)
		}
	}
	return paths
}

// binaryField is a byte slice found in tool data. key is the field holding it,
// parent the field holding the enclosing object.
type binaryField struct {
	key, parent string
	name, mime  string
	owner       int
	data        []byte
}

func (b binaryField) kind() (ArtifactKind, bool) {
	for _, k := range []string{b.key, b.parent} {
		switch strings.ToLower(k) {
		case "image", "images":
			return ArtifactImage, true
		case "audio":
			return ArtifactAudio, true
		case "file":
			return ArtifactFile, true
		}
	}
	if binaryKeys[b.key] || (b.key == "" && b.parent == "") {
		return kindFromMIME(b.mime), true
	}
	return "", false
}

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

type redactor struct {
	found   []binaryField
	objects int
}

// redactBinary returns a JSON-ready copy of data in which every byte slice is
// replaced by a "<N bytes>" placeholder, and the byte slices it replaced.
func redactBinary(data any) (any, []binaryField) {
	r := &redactor{}
	return r.value(reflect.ValueOf(data), "", "", 0), r.found
}

func (r *redactor) value(v reflect.Value, key, parent string, owner int) any {
	if !v.IsValid() {
		return nil
	}
	if v.Type().Implements(jsonMarshalerType) || v.Type().Implements(textMarshalerType) {
		return v.Interface()
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return r.value(v.Elem(), key, parent, owner)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			data := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(data), v)
			r.found = append(r.found, binaryField{key: key, parent: parent, owner: owner, data: data})
			return placeholder(len(data))
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = r.value(v.Index(i), key, parent, owner)
		}
		return out
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return v.Interface()
		}
		if v.IsNil() {
			return nil
		}
		r.objects++
		id := r.objects
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			out[k] = r.value(iter.Value(), k, key, id)
		}
		r.describe(id, out)
		return out
	case reflect.Struct:
		r.objects++
		id := r.objects
		out := make(map[string]any)
		r.fields(v, key, id, out)
		r.describe(id, out)
		return out
	}
	return v.Interface()
}

// fields copies exported struct fields into out under their JSON names.
func (r *redactor) fields(v reflect.Value, key string, id int, out map[string]any) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		fv := v.Field(i)
		name, opts, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "-" && opts == "" {
			continue
		}

		if !sf.IsExported() {
			continue
		}
		if sf.Anonymous && name == "" {
			for fv.Kind() == reflect.Pointer && !fv.IsNil() {
				fv = fv.Elem()
			}
			if fv.Kind() == reflect.Struct {
				r.fields(fv, key, id, out)
				continue
			}
		}
		if name == "" {
			name = sf.Name
		}
		if strings.Contains(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		out[name] = r.value(fv, name, key, id)
	}
}

// describe fills name and MIME type of byte slices held directly by an object
// from its sibling fields.
func (r *redactor) describe(id int, out map[string]any) {
	name, _ := out["name"].(string)
	mime, _ := out["mime_type"].(string)
	for i := range r.found {
		if r.found[i].owner == id {
			r.found[i].name = name
			r.found[i].mime = mime
		}
	}
}

func placeholder(n int) string {
	return fmt.Sprintf("<%d bytes>", n)
}

func isPlaceholder(s string) bool {
	return strings.HasPrefix(s, "<") && strings.HasSuffix(s, " bytes>")
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return v.IsZero()
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

func escapePathKey(key string) string {
	return pathEscaper.Replace(key)
}

// DeliverySummary describes delivered artifacts for the model, e.g. "3 images sent".
func DeliverySummary(delivered []Artifact) string {
	counts := map[ArtifactKind]int{}
	for _, a := range delivered {
		counts[a.Kind]++
	}

	var parts []string
	for _, kind := range []ArtifactKind{ArtifactImage, ArtifactFile, ArtifactAudio} {
		n := counts[kind]
		if n == 0 {
			continue
		}
		noun := map[ArtifactKind]string{
			ArtifactImage: "image",
			ArtifactFile:  "file",
			ArtifactAudio: "audio clip",
		}[kind]
		if n > 1 {
			noun += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, noun))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ", ") + " sent"
}
