package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/parley/internal/http/handler"
	"basegraph.app/parley/internal/tool"
)

var _ = Describe("ToolsHandler", func() {
	It("lists tools with their parameter schemas", func() {
		registry := tool.NewRegistry()
		registry.MustRegister(tool.Definition{
			Name:        "weather",
			Description: "Current weather for a city",
			Parameters: []tool.Parameter{
				{Name: "city", Type: tool.TypeString, Required: true},
				{Name: "days", Type: tool.TypeInteger},
			},
			Execute: func(context.Context, map[string]any, tool.Context) (tool.Result, error) {
				return tool.OK(nil), nil
			},
		})
		registry.Freeze()

		router := gin.New()
		router.GET("/tools", handler.NewToolsHandler(registry).List)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tools", nil))

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp struct {
			Tools []struct {
				Name   string `json:"name"`
				Schema struct {
					Type       string                    `json:"type"`
					Required   []string                  `json:"required"`
					Properties map[string]map[string]any `json:"properties"`
				} `json:"schema"`
			} `json:"tools"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Tools).To(HaveLen(1))
		Expect(resp.Tools[0].Name).To(Equal("weather"))
		Expect(resp.Tools[0].Schema.Type).To(Equal("object"))
		Expect(resp.Tools[0].Schema.Required).To(ConsistOf("city"))
		Expect(resp.Tools[0].Schema.Properties["days"]["type"]).To(Equal("integer"))
	})
})
