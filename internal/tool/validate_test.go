package tool_test

import (
	"basegraph.app/parley/internal/tool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NormalizeParams", func() {
	It("reports every missing required parameter", func() {
		_, err := tool.NormalizeParams(map[string]any{}, []tool.Parameter{
			{Name: "a", Type: tool.TypeString, Required: true},
			{Name: "b", Type: tool.TypeString, Required: true},
		})

		Expect(err).To(MatchError(tool.ErrInvalidParams))
		Expect(err.Error()).To(ContainSubstring(`"a"`))
		Expect(err.Error()).To(ContainSubstring(`"b"`))
	})

	DescribeTable("coerces to the declared type",
		func(value any, typ tool.ParamType, want any) {
			out, err := tool.NormalizeParams(map[string]any{"v": value}, []tool.Parameter{{Name: "v", Type: typ}})

			Expect(err).NotTo(HaveOccurred())
			Expect(out["v"]).To(Equal(want))
		},
		Entry("number to string", 42.0, tool.TypeString, "42"),
		Entry("string to number", "2.5", tool.TypeNumber, 2.5),
		Entry("float to integer", 7.0, tool.TypeInteger, 7),
		Entry("string to integer", "7", tool.TypeInteger, 7),
		Entry("string to boolean", "true", tool.TypeBoolean, true),
		Entry("JSON string to array", `["a","b"]`, tool.TypeArray, []any{"a", "b"}),
		Entry("scalar to array", "a", tool.TypeArray, []any{"a"}),
		Entry("JSON string to object", `{"k":1}`, tool.TypeObject, map[string]any{"k": 1.0}),
	)

	DescribeTable("rejects values that cannot be coerced",
		func(value any, typ tool.ParamType) {
			_, err := tool.NormalizeParams(map[string]any{"v": value}, []tool.Parameter{{Name: "v", Type: typ}})
			Expect(err).To(MatchError(tool.ErrInvalidParams))
		},
		Entry("word as number", "many", tool.TypeNumber),
		Entry("fraction as integer", 1.5, tool.TypeInteger),
		Entry("word as boolean", "maybe", tool.TypeBoolean),
		Entry("word as object", "thing", tool.TypeObject),
	)

	It("keeps undeclared parameters", func() {
		out, err := tool.NormalizeParams(map[string]any{"extra": 1.0}, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveKeyWithValue("extra", 1.0))
	})
})
