package tool_test

import (
	"context"
	"encoding/base64"
	"errors"

	"basegraph.app/parley/internal/protocol"
	"basegraph.app/parley/internal/tool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// mockDeliverer implements tool.Deliverer for testing.
type mockDeliverer struct {
	deliverFn func(ctx context.Context, a tool.Artifact) error
	delivered []tool.Artifact
	callCount int
}

func (m *mockDeliverer) DeliverArtifact(ctx context.Context, a tool.Artifact) error {
	m.callCount++
	if m.deliverFn != nil {
		if err := m.deliverFn(ctx, a); err != nil {
			return err
		}
	}
	m.delivered = append(m.delivered, a)
	return nil
}

var _ = Describe("Engine", func() {
	var (
		registry  *tool.Registry
		engine    *tool.Engine
		deliverer *mockDeliverer
		ctx       context.Context
		tc        tool.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		registry = tool.NewRegistry()
		engine = tool.NewEngine(registry)
		deliverer = &mockDeliverer{}
		tc = tool.Context{SessionID: "s1", Deliverer: deliverer}
	})

	register := func(name string, params []tool.Parameter, fn tool.ExecuteFunc) {
		Expect(registry.Register(tool.Definition{Name: name, Parameters: params, Execute: fn})).To(Succeed())
	}

	It("returns a failure result for an unknown tool", func() {
		result := engine.Execute(ctx, protocol.ToolCall{ToolName: "missing"}, tc)

		Expect(result.Success).To(BeFalse())
		Expect(result.Error).To(Equal("tool not found"))
	})

	It("passes normalized parameters and the tool context", func() {
		var gotParams map[string]any
		var gotCtx tool.Context
		register("count", []tool.Parameter{{Name: "n", Type: tool.TypeInteger, Required: true}},
			func(ctx context.Context, params map[string]any, tc tool.Context) (tool.Result, error) {
				gotParams = params
				gotCtx = tc
				return tool.OK(params["n"]), nil
			})

		result := engine.Execute(ctx, protocol.ToolCall{ToolName: "count", Params: map[string]any{"n": "3"}}, tc)

		Expect(result.Success).To(BeTrue())
		Expect(gotParams).To(HaveKeyWithValue("n", 3))
		Expect(gotCtx.SessionID).To(Equal("s1"))
	})

	It("does not call the tool when parameters are invalid", func() {
		called := false
		register("count", []tool.Parameter{{Name: "n", Type: tool.TypeInteger, Required: true}},
			func(ctx context.Context, params map[string]any, tc tool.Context) (tool.Result, error) {
				called = true
				return tool.OK(nil), nil
			})

		result := engine.Execute(ctx, protocol.ToolCall{ToolName: "count", Params: map[string]any{}}, tc)

		Expect(result.Success).To(BeFalse())
		Expect(result.Error).To(ContainSubstring("missing required parameter"))
		Expect(called).To(BeFalse())
	})

	It("converts tool errors into failure results", func() {
		register("boom", nil, func(ctx context.Context, params map[string]any, tc tool.Context) (tool.Result, error) {
			return tool.Result{}, errors.New("upstream unavailable")
		})

		result := engine.Execute(ctx, protocol.ToolCall{ToolName: "boom"}, tc)

		Expect(result.Success).To(BeFalse())
		Expect(result.Error).To(Equal("upstream unavailable"))
	})

	It("recovers from panicking tools", func() {
		register("panic", nil, func(ctx context.Context, params map[string]any, tc tool.Context) (tool.Result, error) {
			panic("nil map")
		})

		var result tool.Result
		Expect(func() {
			result = engine.Execute(ctx, protocol.ToolCall{ToolName: "panic"}, tc)
		}).NotTo(Panic())
		Expect(result.Success).To(BeFalse())
		Expect(result.Error).To(ContainSubstring("nil map"))
	})

	It("delivers declared artifacts", func() {
		register("file", nil, func(ctx context.Context, params map[string]any, tc tool.Context) (tool.Result, error) {
			res := tool.OK(map[string]any{"name": "a.txt"})
			res.Artifacts = []tool.Artifact{{Kind: tool.ArtifactFile, Name: "a.txt", Data: []byte("hi")}}
			return res, nil
		})

		result := engine.Execute(ctx, protocol.ToolCall{ToolName: "file"}, tc)

		Expect(result.Success).To(BeTrue())
		Expect(deliverer.callCount).To(Equal(1))
		Expect(result.Delivered).To(HaveLen(1))
	})

	It("detects legacy image results and delivers them", func() {
		png := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
		register("draw", nil, func(ctx context.Context, params map[string]any, tc tool.Context) (tool.Result, error) {
			return tool.OK(map[string]any{
				"prompt": "a cat",
				"images": []any{
					map[string]any{"base64": png, "mime_type": "image/png"},
					map[string]any{"base64": png, "mime_type": "image/png"},
				},
			}), nil
		})

		result := engine.Execute(ctx, protocol.ToolCall{ToolName: "draw"}, tc)

		Expect(result.Success).To(BeTrue())
		Expect(deliverer.delivered).To(HaveLen(2))
		Expect(deliverer.delivered[0].Kind).To(Equal(tool.ArtifactImage))
		Expect(deliverer.delivered[0].Data).To(Equal([]byte("png-bytes")))
	})

	It("keeps the result when delivery fails", func() {
		deliverer.deliverFn = func(ctx context.Context, a tool.Artifact) error {
			return errors.New("upload rejected")
		}
		register("file", nil, func(ctx context.Context, params map[string]any, tc tool.Context) (tool.Result, error) {
			res := tool.OK("done")
			res.Artifacts = []tool.Artifact{{Kind: tool.ArtifactFile, URL: "https://x.test/a.pdf"}}
			return res, nil
		})

		result := engine.Execute(ctx, protocol.ToolCall{ToolName: "file"}, tc)

		Expect(result.Success).To(BeTrue())
		Expect(result.Data).To(Equal("done"))
		Expect(result.Delivered).To(BeEmpty())
		Expect(deliverer.callCount).To(Equal(1))
	})

	It("skips delivery without a deliverer", func() {
		register("file", nil, func(ctx context.Context, params map[string]any, tc tool.Context) (tool.Result, error) {
			res := tool.OK("done")
			res.Artifacts = []tool.Artifact{{Kind: tool.ArtifactFile, URL: "https://x.test/a.pdf"}}
			return res, nil
		})

		result := engine.Execute(ctx, protocol.ToolCall{ToolName: "file"}, tool.Context{})

		Expect(result.Success).To(BeTrue())
		Expect(result.Delivered).To(BeEmpty())
	})
})
