package protocol

import (
	"strconv"
	"strings"
)

// Category identifies the kind of user-visible side effect an action tag requests.
type Category string

const (
	CategoryReaction Category = "reaction"
	CategorySticker  Category = "sticker"
	CategoryMessage  Category = "message"
	CategoryQuote    Category = "quote"
	CategoryUndo     Category = "undo"
	CategoryLink     Category = "link"
	CategoryCard     Category = "card"
	CategoryImage    Category = "image"
)

// Categories lists every action category in a stable order.
var Categories = []Category{
	CategoryReaction,
	CategorySticker,
	CategoryMessage,
	CategoryQuote,
	CategoryUndo,
	CategoryLink,
	CategoryCard,
	CategoryImage,
}

// OwnLastMessage is the quote/undo index that refers to the session's own
// most recent delivered message.
const OwnLastMessage = -1

// ActionTag is a recognized action marker.
//
// Payload holds the reaction kind, sticker keyword, message/quote body,
// link/image URL or card user ID depending on Category. For message and
// quote tags the body is kept raw; nested tags are extracted at dispatch.
type ActionTag struct {
	Category    Category
	TargetIndex *int
	Payload     string
	Caption     string
	RawSpan     string
}

// ToolCall is a recognized tool marker with its resolved parameters.
// RawSpan is the correlation key used when feeding the result back.
type ToolCall struct {
	ToolName string
	Params   map[string]any
	RawSpan  string
}

// Item is one entry of the ordered parser output: exactly one of Action or Tool is set.
// Partial marks a block or payload that was only accepted because the buffer ended
// before its close marker.
type Item struct {
	Action  *ActionTag
	Tool    *ToolCall
	Start   int
	End     int
	Partial bool
}

// DedupKey returns the key that guarantees at-most-once dispatch within one attempt.
func (i Item) DedupKey() string {
	if i.Tool != nil {
		return i.Tool.DedupKey()
	}
	if i.Action != nil {
		return i.Action.DedupKey()
	}
	return ""
}

func (t ToolCall) DedupKey() string {
	return "tool:" + t.RawSpan
}

func (a ActionTag) DedupKey() string {
	switch a.Category {
	case CategoryMessage:
		_, text := ExtractNested(a.Payload)
		return "message:" + text
	case CategoryQuote:
		_, text := ExtractNested(a.Payload)
		return "quote:" + formatIndex(a.TargetIndex) + ":" + text
	case CategoryReaction:
		return "reaction:" + formatIndex(a.TargetIndex) + ":" + normalize(a.Payload)
	case CategoryUndo:
		return "undo:" + formatIndex(a.TargetIndex)
	case CategorySticker, CategoryCard:
		return string(a.Category) + ":" + normalize(a.Payload)
	default:
		return string(a.Category) + ":" + strings.TrimSpace(a.Payload)
	}
}

func formatIndex(idx *int) string {
	if idx == nil {
		return ""
	}
	return strconv.Itoa(*idx)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
