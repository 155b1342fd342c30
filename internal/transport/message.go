// Package transport defines the boundary between WhatsApp connections and the
// interview core: a normalized inbound Message, the Slot contract implemented
// by each connected account and the Registry that owns slots per tenant.
package transport

import (
	"time"
)

// Kind tags the payload of an inbound message.
type Kind int

const (
	KindText Kind = iota + 1
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// MediaRef points at downloadable media held by the slot that received it.
type MediaRef struct {
	// MessageKeyID is the provider message id used to fetch the media.
	MessageKeyID string
	URL          string
	MimeType     string
	Seconds      int
	ViewOnce     bool
}

// Message is the only inbound shape the core ever sees. From is already normalized.
type Message struct {
	ID         string
	TenantID   string
	SlotIndex  int
	From       string
	PushName   string
	Kind       Kind
	Text       string
	Media      *MediaRef
	ReceivedAt time.Time
}

func (m Message) IsAudio() bool {
	return m.Kind == KindAudio && m.Media != nil
}
