// Package keys issues and stores per-segment AES-128 keys.
package keys

import (
	"context"
	"errors"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/content"
)

// ErrNotFound is returned by Store.Get for an unknown key id.
var ErrNotFound = errors.New("segment key not found")

// KeyRecord is one issued key. Records are written once and never updated or
// deleted; there is no rotation or revocation.
type KeyRecord struct {
	KeyID        string          `json:"keyId"`
	Content      content.Ref     `json:"content"`
	Variant      content.Variant `json:"variant,omitempty"`
	SegmentIndex int             `json:"segmentIndex"`
	Key          string          `json:"key"` // hex, 16 bytes
	IV           string          `json:"iv"`  // hex, 16 bytes
	CreatedAt    time.Time       `json:"createdAt"`
}

// Store persists key records.
type Store interface {
	// Put writes records in order and stops at the first failure. Records
	// already written stay written.
	Put(ctx context.Context, records []KeyRecord) error
	// Get returns the record for keyID or ErrNotFound.
	Get(ctx context.Context, keyID string) (*KeyRecord, error)
	// ListByContent returns every record for the content item ordered by
	// segment index.
	ListByContent(ctx context.Context, ref content.Ref, variant content.Variant) ([]KeyRecord, error)
	// CountByContent returns how many records exist for the content item.
	CountByContent(ctx context.Context, ref content.Ref, variant content.Variant) (int, error)
	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
