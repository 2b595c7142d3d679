// Package transport defines the Messaging transport capability set (§6.2):
// an abstract interface the core depends on without ever touching
// transport credentials or session establishment (explicitly out of scope
// per §1). Generalized from the teacher's pkg/matrixtransport.Transport,
// which abstracts Matrix IO behind the same kind of interface for two
// concrete adapters (bridge vs. bot); here the concrete adapter is left to
// the deployment (WhatsApp, Telegram, ...) and only the capability set
// from spec §6.2 is fixed.
package transport

import "context"

// ChatID is an opaque transport chat identifier (§3.2) — the core never
// inspects its structure.
type ChatID string

// MessageRef is an opaque reference to one inbound message, used to
// request its media bytes.
type MessageRef string

// SenderIdentity is the stable string token identifying who sent a
// message (§3.1).
type SenderIdentity string

// Group is one chat the bot's identity participates in, as returned by
// ListGroups.
type Group struct {
	ID      ChatID
	Subject string
}

// InboundMedia is a media attachment carried by an inbound event.
type InboundMedia struct {
	Ref      MessageRef
	MimeType string
	IsVideo  bool
}

// InboundEvent is one message delivered by the transport's event source.
// Chat is the operator's direct chat with the bot — the spec never has
// the bot receive messages from anywhere else (§1: "it only responds to
// the operator's direct chat") — and is where replies are sent.
type InboundEvent struct {
	MessageRef MessageRef
	Chat       ChatID
	Sender     SenderIdentity
	Text       string
	Media      []InboundMedia
}

// Transport abstracts the messaging IO the core depends on (§6.2).
type Transport interface {
	// SendText sends a plain text message to target.
	SendText(ctx context.Context, target ChatID, text string) error

	// SendImage sends image bytes (already on disk at path) with an
	// optional caption to target.
	SendImage(ctx context.Context, target ChatID, path string, caption string) error

	// ListGroups returns every chat the bot's identity participates in,
	// used by /groups.
	ListGroups(ctx context.Context) ([]Group, error)

	// DownloadMedia fetches the raw bytes for a media ref from an inbound
	// event, to be handed to the Media Cache.
	DownloadMedia(ctx context.Context, ref MessageRef) ([]byte, error)
}

// EventSource yields inbound events for the core to route. A real adapter
// pushes events as they arrive (e.g. over a websocket); callers should
// treat Events as a long-lived channel for the lifetime of the process.
type EventSource interface {
	Events() <-chan InboundEvent
}
