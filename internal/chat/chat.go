// Package chat defines the boundary between the coordinator and a chat platform.
package chat

//go:generate mockgen -source=chat.go -destination=mock_chat.go -package=chat

import "context"

// ChannelRef is an opaque reply target: a chat and optionally one message in it.
type ChannelRef struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id,omitempty"`
}

// Action is a follow-up the user can trigger from a rendered message.
type Action struct {
	Label  string   `json:"label"`
	Name   string   `json:"name"`
	Params []string `json:"params,omitempty"`
}

// Event is one inbound user action.
type Event struct {
	UserID string
	ChatID string
	Action string
	Params []string
}

// Channel returns the reply target of the event.
func (e Event) Channel() ChannelRef {
	return ChannelRef{ChatID: e.ChatID}
}

// Renderer delivers state changes to the user.
type Renderer interface {
	Render(ctx context.Context, target ChannelRef, content string, actions []Action) (ChannelRef, error)
	DeleteMessage(ctx context.Context, target ChannelRef) error
}
