package protocol

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

const (
	toolCloseTag  = "[/tool]"
	msgCloseTag   = "[/msg]"
	quoteCloseTag = "[/quote]"
)

var (
	strayCloseTags = regexp.MustCompile(`(?i)\[/(tool|msg|quote)\]`)
	extraBlank     = regexp.MustCompile(`\n{3,}`)
	extraSpaces    = regexp.MustCompile(`[ \t]{2,}`)
)

// nestedCategories are the action categories lifted out of message and quote bodies.
var nestedCategories = map[Category]bool{
	CategoryReaction: true,
	CategorySticker:  true,
	CategoryLink:     true,
	CategoryCard:     true,
	CategoryUndo:     true,
	CategoryImage:    true,
}

type matchStatus int

const (
	noMatch matchStatus = iota
	matched
	pending
)

// Parser scans model output for action and tool markers.
//
// A Parser memoizes resolved tool parameters by raw span so that re-scanning a
// growing buffer does not repeat payload recovery for calls already seen.
// A Parser is not safe for concurrent use.
type Parser struct {
	toolParams map[string]map[string]any
	// spansOnly skips parameter recovery; tool items carry spans but no params.
	spansOnly bool
}

func NewParser() *Parser {
	return &Parser{toolParams: make(map[string]map[string]any)}
}

// Parse scans a buffer that may still grow. Tags that could change once more
// text arrives (an unclosed message block, a tool marker whose payload has not
// been closed) are pending: they and everything after them are left for a later scan.
func Parse(ctx context.Context, buf string) []Item {
	return NewParser().Parse(ctx, buf)
}

// ParseFinal scans a complete buffer. Pending constructs are accepted leniently.
// A tool payload without a close marker ends at its balanced closing brace, or
// is dropped in favour of the inline params when the braces never balance. An
// unclosed message block runs to the end of the buffer.
func ParseFinal(ctx context.Context, buf string) []Item {
	return NewParser().ParseFinal(ctx, buf)
}

func (p *Parser) Parse(ctx context.Context, buf string) []Item {
	return p.scan(ctx, buf, false)
}

func (p *Parser) ParseFinal(ctx context.Context, buf string) []Item {
	return p.scan(ctx, buf, true)
}

func (p *Parser) scan(ctx context.Context, buf string, final bool) []Item {
	lower := asciiLower(buf)
	var items []Item

	i := 0
	for i < len(buf) {
		rel := strings.IndexByte(buf[i:], '[')
		if rel < 0 {
			break
		}
		start := i + rel

		item, status := p.matchAt(ctx, buf, lower, start, final)
		switch status {
		case matched:
			items = append(items, item)
			i = item.End
		case pending:
			return items
		default:
			i = start + 1
		}
	}

	return items
}

func (p *Parser) matchAt(ctx context.Context, buf, lower string, start int, final bool) (Item, matchStatus) {
	nameStart := start + 1
	nameEnd := nameStart
	for nameEnd < len(lower) && lower[nameEnd] >= 'a' && lower[nameEnd] <= 'z' {
		nameEnd++
	}
	if nameEnd >= len(lower) {
		return Item{}, noMatch
	}

	name := lower[nameStart:nameEnd]
	sep := lower[nameEnd]

	switch name {
	case "tool":
		if sep != ':' {
			return Item{}, noMatch
		}
		return p.matchTool(ctx, buf, lower, start, nameEnd+1, final)
	case "msg":
		if sep != ']' {
			return Item{}, noMatch
		}
		return matchBlock(buf, lower, start, nameEnd+1, CategoryMessage, nil, msgCloseTag, final)
	case "quote":
		if sep != ':' {
			return Item{}, noMatch
		}
		closeBracket := strings.IndexByte(buf[nameEnd:], ']')
		if closeBracket < 0 {
			return Item{}, noMatch
		}
		idx, err := strconv.Atoi(strings.TrimSpace(buf[nameEnd+1 : nameEnd+closeBracket]))
		if err != nil {
			return Item{}, noMatch
		}
		return matchBlock(buf, lower, start, nameEnd+closeBracket+1, CategoryQuote, &idx, quoteCloseTag, final)
	case "reaction", "react":
		return matchSimple(buf, start, nameEnd, CategoryReaction)
	case "sticker":
		return matchSimple(buf, start, nameEnd, CategorySticker)
	case "undo":
		return matchSimple(buf, start, nameEnd, CategoryUndo)
	case "link":
		return matchSimple(buf, start, nameEnd, CategoryLink)
	case "card":
		return matchSimple(buf, start, nameEnd, CategoryCard)
	case "image":
		return matchSimple(buf, start, nameEnd, CategoryImage)
	}

	return Item{}, noMatch
}

// matchSimple matches single-bracket tags: [name] or [name:body].
func matchSimple(buf string, start, nameEnd int, category Category) (Item, matchStatus) {
	var body string
	end := nameEnd + 1

	switch buf[nameEnd] {
	case ']':
	case ':':
		closeBracket := strings.IndexByte(buf[nameEnd:], ']')
		if closeBracket < 0 {
			return Item{}, noMatch
		}
		body = buf[nameEnd+1 : nameEnd+closeBracket]
		if strings.ContainsAny(body, "[\n") {
			return Item{}, noMatch
		}
		end = nameEnd + closeBracket + 1
	default:
		return Item{}, noMatch
	}

	tag, ok := buildSimpleTag(category, strings.TrimSpace(body))
	if !ok {
		return Item{}, noMatch
	}
	tag.RawSpan = buf[start:end]

	return Item{Action: &tag, Start: start, End: end}, matched
}

func buildSimpleTag(category Category, body string) (ActionTag, bool) {
	tag := ActionTag{Category: category}

	switch category {
	case CategoryReaction:
		// [reaction], [reaction:2], [reaction:2:heart], [reaction:heart]
		if body == "" {
			return tag, true
		}
		head, rest, hasRest := strings.Cut(body, ":")
		if idx, err := strconv.Atoi(strings.TrimSpace(head)); err == nil {
			tag.TargetIndex = &idx
			if hasRest {
				tag.Payload = strings.TrimSpace(rest)
			}
			return tag, true
		}
		tag.Payload = body
		return tag, true

	case CategorySticker:
		if body == "" {
			return tag, false
		}
		tag.Payload = body
		return tag, true

	case CategoryUndo:
		idx := OwnLastMessage
		if body != "" {
			parsed, err := strconv.Atoi(body)
			if err != nil {
				return tag, false
			}
			idx = parsed
		}
		tag.TargetIndex = &idx
		return tag, true

	case CategoryLink, CategoryImage:
		url, caption, _ := strings.Cut(body, "|")
		url = strings.TrimSpace(url)
		if url == "" {
			return tag, false
		}
		tag.Payload = url
		tag.Caption = strings.TrimSpace(caption)
		return tag, true

	case CategoryCard:
		tag.Payload = body
		return tag, true
	}

	return tag, false
}

// matchBlock matches [msg]...[/msg] and [quote:n]...[/quote]. The body is free
// text, so the first close marker terminates it.
func matchBlock(buf, lower string, start, bodyStart int, category Category, idx *int, closeTag string, final bool) (Item, matchStatus) {
	var body string
	var end int
	partial := false

	rel := strings.Index(lower[bodyStart:], closeTag)
	switch {
	case rel >= 0:
		body = buf[bodyStart : bodyStart+rel]
		end = bodyStart + rel + len(closeTag)
	case final:
		body = buf[bodyStart:]
		end = len(buf)
		partial = true
	default:
		return Item{}, pending
	}

	tag := ActionTag{
		Category:    category,
		TargetIndex: idx,
		Payload:     body,
		RawSpan:     buf[start:end],
	}
	return Item{Action: &tag, Start: start, End: end, Partial: partial}, matched
}

// matchTool matches [tool:name inline-params] with an optional {payload}[/tool] body.
func (p *Parser) matchTool(ctx context.Context, buf, lower string, start, nameStart int, final bool) (Item, matchStatus) {
	i := nameStart
	for i < len(buf) && isToolNameChar(buf[i]) {
		i++
	}
	name := buf[nameStart:i]
	if name == "" {
		return Item{}, noMatch
	}

	markerEnd := findMarkerEnd(buf, i)
	if markerEnd == markerInvalid {
		return Item{}, noMatch
	}
	if markerEnd < 0 {
		if final {
			return Item{}, noMatch
		}
		return Item{}, pending
	}
	inline := buf[i : markerEnd-1]

	bodyStart := markerEnd
	for bodyStart < len(buf) && isSpace(buf[bodyStart]) {
		bodyStart++
	}

	var payload string
	end := markerEnd
	partial := false

	switch {
	case bodyStart >= len(buf):
		if !final {
			// A payload may still follow the marker.
			return Item{}, pending
		}
	case buf[bodyStart] == '{':
		rel := FindCloseTag(lower[bodyStart:], toolCloseTag)
		braceEnd := balancedEnd(buf, bodyStart)
		if braceEnd >= 0 && (rel < 0 || bodyStart+rel >= braceEnd) {
			payload = buf[bodyStart:braceEnd]
			end = braceEnd

			after := braceEnd
			for after < len(buf) && isSpace(buf[after]) {
				after++
			}
			rest := lower[after:]
			switch {
			case strings.HasPrefix(rest, toolCloseTag):
				end = after + len(toolCloseTag)
			case !final && strings.HasPrefix(toolCloseTag, rest):
				// The close marker may still arrive.
				return Item{}, pending
			}
			break
		}

		switch {
		case rel >= 0:
			payload = buf[bodyStart : bodyStart+rel]
			end = bodyStart + rel + len(toolCloseTag)
		case final:
			// Unbalanced and unclosed: the call keeps its inline params only.
			partial = true
		default:
			return Item{}, pending
		}
	case strings.HasPrefix(lower[bodyStart:], toolCloseTag):
		end = bodyStart + len(toolCloseTag)
	case !final && strings.HasPrefix(toolCloseTag, lower[bodyStart:]):
		// Buffer ends inside what may become a close marker.
		return Item{}, pending
	}

	raw := buf[start:end]
	call := ToolCall{ToolName: name, RawSpan: raw}
	if !p.spansOnly {
		params, ok := p.toolParams[raw]
		if !ok {
			params = RecoverParams(ctx, inline, payload)
			p.toolParams[raw] = params
		}
		call.Params = copyParams(params)
	}
	return Item{Tool: &call, Start: start, End: end, Partial: partial}, matched
}

const (
	markerIncomplete = -1
	markerInvalid    = -2
)

// findMarkerEnd returns the index just past the ']' closing a tool marker,
// skipping brackets inside quoted inline values. It returns markerIncomplete
// when the buffer ends first and markerInvalid when a blank line is reached.
func findMarkerEnd(buf string, from int) int {
	var quote byte
	escaped := false

	for i := from; i < len(buf); i++ {
		c := buf[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\':
			escaped = true
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == ']':
			return i + 1
		case c == '\n' && i > from && buf[i-1] == '\n':
			return markerInvalid
		}
	}
	return markerIncomplete
}

// ExtractNested lifts reaction, sticker, link, card, undo and image tags out of
// a message or quote body. It returns the nested tags in order and the body
// text with those tags removed. Tool markers inside a body are removed from the
// text and never executed.
func ExtractNested(body string) ([]ActionTag, string) {
	items := spanParser().ParseFinal(context.Background(), body)

	var nested []ActionTag
	var b strings.Builder
	last := 0
	stripped := false
	for _, it := range items {
		switch {
		case it.Tool != nil:
		case it.Action != nil && nestedCategories[it.Action.Category]:
			nested = append(nested, *it.Action)
		default:
			continue
		}
		stripped = true
		b.WriteString(body[last:it.Start])
		last = it.End
	}
	if !stripped {
		return nil, strings.TrimSpace(body)
	}
	b.WriteString(body[last:])

	return nested, tidy(b.String())
}

// Strip removes every recognized tag from buf. Message and quote blocks are
// replaced by their body text (with nested tags removed) and stray close
// markers are dropped.
func Strip(buf string) string {
	items := spanParser().ParseFinal(context.Background(), buf)
	if len(items) == 0 && !strayCloseTags.MatchString(buf) {
		return strings.TrimSpace(buf)
	}

	var b strings.Builder
	last := 0
	for _, it := range items {
		b.WriteString(buf[last:it.Start])
		if it.Action != nil && (it.Action.Category == CategoryMessage || it.Action.Category == CategoryQuote) {
			_, text := ExtractNested(it.Action.Payload)
			b.WriteString(text)
		}
		last = it.End
	}
	b.WriteString(buf[last:])

	return tidy(strayCloseTags.ReplaceAllString(b.String(), ""))
}

// spanParser returns a Parser for callers that only need item spans.
func spanParser() *Parser {
	return &Parser{spansOnly: true}
}

// balancedEnd returns the index just past the '}' that closes the '{' at from,
// ignoring braces inside double-quoted strings, or -1 when the braces never
// balance within buf.
func balancedEnd(buf string, from int) int {
	depth := 0
	inString := false
	escaped := false

	for i := from; i < len(buf); i++ {
		c := buf[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

func tidy(s string) string {
	s = extraSpaces.ReplaceAllString(s, " ")
	s = extraBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func isToolNameChar(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// asciiLower lowercases ASCII letters only, preserving byte offsets.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
