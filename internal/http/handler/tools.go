package handler

import (
	"net/http"

	"basegraph.app/parley/internal/http/dto"
	"basegraph.app/parley/internal/tool"
	"github.com/gin-gonic/gin"
)

type ToolsHandler struct {
	registry *tool.Registry
}

func NewToolsHandler(registry *tool.Registry) *ToolsHandler {
	return &ToolsHandler{registry: registry}
}

// List returns every registered tool with the JSON Schema of its parameters.
func (h *ToolsHandler) List(c *gin.Context) {
	defs := h.registry.List()

	resp := make([]dto.ToolResponse, 0, len(defs))
	for _, def := range defs {
		resp = append(resp, dto.ToolResponse{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.Schema(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"tools": resp})
}
