// Package vision wraps the vision-model API used by the OCR pipeline.
// Every call is gated by the shared rate limiter: a request and token
// reservation is taken before the call and settled with measured usage
// after it.
package vision

import (
	"context"
)

// Request is one vision call: an image plus an opaque prompt. Prompts come
// from configuration; this package never composes them.
type Request struct {
	Prompt   string
	ImagePNG []byte
	// MaxTokens bounds the completion; 0 uses the model default.
	MaxTokens int
}

// Response is the model's reply with measured usage.
type Response struct {
	Text        string
	TotalTokens int
}

// Model is one queryable vision model. The pipeline holds two independent
// implementations for the line-count consensus.
type Model interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// EstimateTokens approximates the token cost of a request for rate-limit
// reservation: prompt at ~4 bytes/token, images at a flat per-image cost,
// plus the completion budget. Always over-estimating slightly is fine; the
// limiter settles with measured usage.
func EstimateTokens(req Request) int {
	est := len(req.Prompt)/4 + 1100 // high-detail image cost ceiling
	if req.MaxTokens > 0 {
		est += req.MaxTokens
	} else {
		est += 2048
	}
	return est
}
