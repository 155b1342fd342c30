package transport

import (
	"context"
	"errors"
)

var (
	ErrNoActiveSlot = errors.New("no active slot")
	ErrSlotOwned    = errors.New("slot already owned by another tenant")
	ErrUnknownSlot  = errors.New("unknown slot")
)

// Slot is one tenant-owned, independently connected WhatsApp account.
type Slot interface {
	TenantID() string
	Index() int
	// Handle is the provider connection identifier, unique across all tenants.
	Handle() string

	SendText(ctx context.Context, to, text string) error
	SendVoice(ctx context.Context, to string, audio []byte) error
	DownloadMedia(ctx context.Context, ref *MediaRef) ([]byte, error)
	IsConnected(ctx context.Context) bool
}
