package dto

import (
	"github.com/invopop/jsonschema"
)

type EnqueueMessageRequest struct {
	Text     string `json:"text" binding:"required"`
	Sender   string `json:"sender,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
}

type EnqueueMessageResponse struct {
	SessionID string `json:"session_id"`
	StreamID  string `json:"stream_id"`
}

type ToolResponse struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Schema      *jsonschema.Schema `json:"schema"`
}
