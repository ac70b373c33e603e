package tool

import (
	"fmt"
	"strings"

	"basegraph.app/parley/internal/protocol"
	"github.com/tidwall/sjson"
)

const (
	feedbackOpen  = "[tool-result name=%s]\n"
	feedbackClose = "\n[/tool-result]"
)

// Feedback renders one tool result for the model. Binary payloads never
// appear; delivered artifacts are summarized instead.
func Feedback(call protocol.ToolCall, result Result) string {
	doc := `{}`
	doc, _ = sjson.Set(doc, "tool", call.ToolName)
	doc, _ = sjson.Set(doc, "call", call.RawSpan)
	doc, _ = sjson.Set(doc, "success", result.Success)

	if result.Data != nil {
		stripped, err := StripBinary(result.Data)
		if err != nil {
			doc, _ = sjson.Set(doc, "data", "[unserializable result]")
		} else {
			doc, _ = sjson.SetRaw(doc, "data", stripped)
		}
	}
	if result.Error != "" {
		doc, _ = sjson.Set(doc, "error", result.Error)
	}
	if summary := DeliverySummary(result.Delivered); summary != "" {
		doc, _ = sjson.Set(doc, "delivered", summary)
	}
	if undelivered := len(result.Artifacts) - len(result.Delivered); undelivered > 0 {
		doc, _ = sjson.Set(doc, "undelivered", undelivered)
	}

	return fmt.Sprintf(feedbackOpen, call.ToolName) + doc + feedbackClose
}

// FeedbackMessage joins the feedback of every call of a turn, in call order.
func FeedbackMessage(calls []protocol.ToolCall, results []Result) string {
	blocks := make([]string, 0, len(calls))
	for i, call := range calls {
		if i >= len(results) {
			break
		}
		blocks = append(blocks, Feedback(call, results[i]))
	}
	return strings.Join(blocks, "\n\n")
}
