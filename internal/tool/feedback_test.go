package tool_test

import (
	"context"
	"encoding/base64"
	"strings"

	"basegraph.app/parley/internal/protocol"
	"basegraph.app/parley/internal/tool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"
)

func feedbackJSON(block string) gjson.Result {
	start := strings.Index(block, "\n")
	end := strings.LastIndex(block, "\n[/tool-result]")
	return gjson.Parse(block[start+1 : end])
}

var _ = Describe("Feedback", func() {
	call := protocol.ToolCall{ToolName: "draw", RawSpan: `[tool:draw prompt="cat"]`}

	It("wraps the result in a correlated block", func() {
		out := tool.Feedback(call, tool.OK(map[string]any{"count": 1}))

		Expect(out).To(HavePrefix("[tool-result name=draw]\n"))
		Expect(out).To(HaveSuffix("\n[/tool-result]"))

		doc := feedbackJSON(out)
		Expect(doc.Get("tool").String()).To(Equal("draw"))
		Expect(doc.Get("call").String()).To(Equal(call.RawSpan))
		Expect(doc.Get("success").Bool()).To(BeTrue())
		Expect(doc.Get("data.count").Int()).To(Equal(int64(1)))
	})

	It("never includes binary payloads", func() {
		payload := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 1024)))
		result := tool.OK(map[string]any{
			"prompt": "cat",
			"images": []any{
				map[string]any{"base64": payload, "mime_type": "image/png"},
				map[string]any{"base64": payload, "mime_type": "image/png"},
				map[string]any{"base64": payload, "mime_type": "image/png"},
			},
			"audio": map[string]any{"buffer": payload},
		})
		result.Delivered = []tool.Artifact{{Kind: tool.ArtifactImage}, {Kind: tool.ArtifactImage}, {Kind: tool.ArtifactImage}}
		result.Artifacts = result.Delivered

		out := tool.Feedback(call, result)

		Expect(out).NotTo(ContainSubstring(payload))
		doc := feedbackJSON(out)
		Expect(doc.Get("data.prompt").String()).To(Equal("cat"))
		Expect(doc.Get("data.images.#").Int()).To(Equal(int64(3)))
		Expect(doc.Get("data.images.0.mime_type").String()).To(Equal("image/png"))
		Expect(doc.Get("delivered").String()).To(Equal("3 images sent"))
	})

	It("replaces raw byte slices with their size", func() {
		blob := []byte(strings.Repeat("\xde\xad\xbe\xef", 256))
		encoded := base64.StdEncoding.EncodeToString(blob)

		type clip struct {
			Voice    []byte `json:"voice"`
			MIMEType string `json:"mime_type"`
			Secret   []byte `json:"-"`
		}
		out := tool.Feedback(call, tool.OK(map[string]any{
			"audio": blob,
			"clips": []clip{{Voice: blob, MIMEType: "audio/ogg", Secret: blob}},
		}))

		Expect(out).NotTo(ContainSubstring(encoded))
		Expect(out).NotTo(ContainSubstring(encoded[:64]))
		doc := feedbackJSON(out)
		Expect(doc.Get("data.audio").String()).To(Equal("<1024 bytes>"))
		Expect(doc.Get("data.clips.0.voice").String()).To(Equal("<1024 bytes>"))
		Expect(doc.Get("data.clips.0.mime_type").String()).To(Equal("audio/ogg"))
		Expect(doc.Get("data.clips.0.Secret").Exists()).To(BeFalse())
	})

	It("reports failures", func() {
		doc := feedbackJSON(tool.Feedback(call, tool.Failure("tool not found")))

		Expect(doc.Get("success").Bool()).To(BeFalse())
		Expect(doc.Get("error").String()).To(Equal("tool not found"))
		Expect(doc.Get("data").Exists()).To(BeFalse())
	})

	It("counts artifacts that could not be delivered", func() {
		result := tool.OK("done")
		result.Artifacts = []tool.Artifact{{Kind: tool.ArtifactFile}}

		doc := feedbackJSON(tool.Feedback(call, result))
		Expect(doc.Get("undelivered").Int()).To(Equal(int64(1)))
	})

	It("joins blocks in call order", func() {
		calls := []protocol.ToolCall{{ToolName: "a"}, {ToolName: "b"}}
		out := tool.FeedbackMessage(calls, []tool.Result{tool.OK(1), tool.OK(2)})

		Expect(strings.Index(out, "name=a")).To(BeNumerically("<", strings.Index(out, "name=b")))
	})
})

var _ = Describe("DeliverySummary", func() {
	DescribeTable("summarizes delivered artifacts",
		func(kinds []tool.ArtifactKind, want string) {
			var artifacts []tool.Artifact
			for _, k := range kinds {
				artifacts = append(artifacts, tool.Artifact{Kind: k})
			}
			Expect(tool.DeliverySummary(artifacts)).To(Equal(want))
		},
		Entry("nothing", nil, ""),
		Entry("one image", []tool.ArtifactKind{tool.ArtifactImage}, "1 image sent"),
		Entry("mixed", []tool.ArtifactKind{tool.ArtifactFile, tool.ArtifactImage, tool.ArtifactImage, tool.ArtifactAudio},
			"2 images, 1 file, 1 audio clip sent"),
	)
})

var _ = Describe("DetectArtifacts", func() {
	ctx := context.Background()
	encoded := base64.StdEncoding.EncodeToString([]byte("data"))

	It("finds single-object shapes", func() {
		found := tool.DetectArtifacts(ctx, map[string]any{
			"audio": map[string]any{"base64": encoded, "name": "reply.mp3"},
			"file":  map[string]any{"base64": encoded, "name": "report.pdf"},
		})

		Expect(found).To(HaveLen(2))
		Expect(found[0].Kind).To(Equal(tool.ArtifactAudio))
		Expect(found[1].Kind).To(Equal(tool.ArtifactFile))
		Expect(found[1].Name).To(Equal("report.pdf"))
	})

	It("uses the MIME type of a top-level payload", func() {
		found := tool.DetectArtifacts(ctx, map[string]any{"buffer": encoded, "mime_type": "image/jpeg"})

		Expect(found).To(HaveLen(1))
		Expect(found[0].Kind).To(Equal(tool.ArtifactImage))
	})

	It("finds raw byte slices under known names", func() {
		found := tool.DetectArtifacts(ctx, map[string]any{
			"audio": []byte("voice"),
			"image": map[string]any{"buffer": []byte("png"), "name": "cat.png"},
			"hash":  []byte{1, 2, 3},
		})

		Expect(found).To(HaveLen(2))
		Expect(found).To(ContainElement(SatisfyAll(
			HaveField("Kind", tool.ArtifactAudio),
			HaveField("Data", []byte("voice")),
		)))
		Expect(found).To(ContainElement(SatisfyAll(
			HaveField("Kind", tool.ArtifactImage),
			HaveField("Name", "cat.png"),
			HaveField("Data", []byte("png")),
		)))
	})

	It("skips undecodable payloads", func() {
		Expect(tool.DetectArtifacts(ctx, map[string]any{"image": map[string]any{"base64": "%%%"}})).To(BeEmpty())
	})

	It("ignores plain results", func() {
		Expect(tool.DetectArtifacts(ctx, "text")).To(BeEmpty())
		Expect(tool.DetectArtifacts(ctx, map[string]any{"title": "x"})).To(BeEmpty())
	})
})
