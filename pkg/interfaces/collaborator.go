package interfaces

import (
	"context"

	"github.com/m-mizutani/simgen/pkg/model"
)

// Embedder turns request content into a fixed-length vector.
// Backend failures are returned as *model.UpstreamError.
type Embedder interface {
	Embed(ctx context.Context, text string) (model.Embedding, error)
}

// GenerateInput is the payload of one generation attempt
type GenerateInput struct {
	Text      string
	Image     []byte
	ImageMIME string
	Hint      string
}

// GenerateOutput is the raw result of one generation attempt
type GenerateOutput struct {
	// Raw manifest document, not yet validated
	Raw []byte
	// Set for image input only, in [0, 1]
	Confidence *float64
	// Set when the backend asks the caller for more detail
	Question string
}

// Generator performs exactly one call to the generative backend.
// Failures are returned as *model.UpstreamError.
type Generator interface {
	Generate(ctx context.Context, input *GenerateInput) (*GenerateOutput, error)
}

// AssetLookup reports whether an asset path resolves on the asset store
type AssetLookup interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Notifier delivers job lifecycle notifications to users
type Notifier interface {
	Notify(ctx context.Context, n *model.Notification) error
}

// EventSink receives structured operational events. Emit must not block for long.
type EventSink interface {
	Emit(ctx context.Context, ev model.Event)
}

// CostEstimator predicts the relative cost of generating a request
type CostEstimator interface {
	Estimate(ctx context.Context, req *model.Request) (float64, error)
}
