package worker

import (
	"strings"

	"basegraph.app/parley/internal/tool"
)

const tagInstructions = `Everything you write is parsed for tags before the user sees it.
[msg]text[/msg] sends a chat message. Use several for several messages.
[quote:N]text[/quote] replies to message N; N=-1 is your own last message.
[reaction:N:kind] reacts to message N with kind (like, heart, haha).
[sticker:keyword] sends a sticker matching keyword.
[link:url|caption] and [image:url|caption] share a link or an image.
[card:userId] shares a contact card. [undo:N] retracts your message N; [undo] retracts your last one.
Text outside tags is only shown when you send no [msg] or [quote] at all.`

// SystemPrompt assembles the system instructions from the configured persona,
// the tag protocol and the tool catalogue.
func SystemPrompt(persona string, registry *tool.Registry) string {
	parts := make([]string, 0, 3)
	if p := strings.TrimSpace(persona); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, tagInstructions)
	if registry != nil {
		if catalogue := registry.Describe(); catalogue != "" {
			parts = append(parts, catalogue)
		}
	}
	return strings.Join(parts, "\n\n")
}
