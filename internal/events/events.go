// Package events consumes ingestion events and hands them to the pipeline.
package events

import (
	"context"
	"strings"

	"github.com/kenneth/segment-key-gateway/internal/apperr"
	"github.com/kenneth/segment-key-gateway/internal/content"
)

// AssetUploaded announces that the raw media of a content item is in object
// storage.
type AssetUploaded struct {
	ContentKind     string `json:"contentKind"`
	ContentID       string `json:"contentId"`
	Variant         string `json:"variant,omitempty"`
	RawFileLocation string `json:"rawFileLocation"`
}

// Asset is a validated AssetUploaded.
type Asset struct {
	Content content.Ref
	Variant content.Variant
	Source  string
}

// Validate parses the event into an Asset.
func (e AssetUploaded) Validate() (Asset, error) {
	ref, err := content.NewRef(e.ContentKind, e.ContentID)
	if err != nil {
		return Asset{}, err
	}
	variant, err := content.ParseVariant(e.Variant)
	if err != nil {
		return Asset{}, err
	}
	source := strings.TrimSpace(e.RawFileLocation)
	if source == "" {
		return Asset{}, apperr.Validation("rawFileLocation is required")
	}
	// A bare file name lives under the content's raw prefix.
	if !strings.Contains(source, "/") {
		source = content.RawPrefix(ref, variant) + source
	}
	return Asset{Content: ref, Variant: variant, Source: source}, nil
}

// DurationComputed is emitted once the pipeline has probed a source file.
type DurationComputed struct {
	Content content.Ref     `json:"content"`
	Variant content.Variant `json:"variant,omitempty"`
	Seconds float64         `json:"seconds"`
}

// Processor runs the pipeline for one asset.
type Processor interface {
	Process(ctx context.Context, asset Asset) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, asset Asset) error

func (f ProcessorFunc) Process(ctx context.Context, asset Asset) error {
	return f(ctx, asset)
}
