package platform

import (
	"context"

	"basegraph.app/parley/internal/tool"
)

// Platform is the chat platform a session talks to. Every method is a
// user-visible side effect. Implementations decide how to translate errors
// passed to OnError; raw error text must not reach the user.
type Platform interface {
	OnReaction(ctx context.Context, reaction string, target *int) error
	OnSticker(ctx context.Context, keyword string) error
	OnMessage(ctx context.Context, text string, quote *int) error
	OnLink(ctx context.Context, url, caption string) error
	OnCard(ctx context.Context, userID string) error
	OnUndo(ctx context.Context, index int) error
	OnImage(ctx context.Context, url, caption string) error
	OnComplete(ctx context.Context) error
	OnError(ctx context.Context, err error)

	tool.Deliverer
}

// DefaultReaction is used when a reaction tag names no reaction.
const DefaultReaction = "like"

// GenericErrorMessage is what users see when a turn fails internally.
const GenericErrorMessage = "Sorry, something went wrong. Please try again."
