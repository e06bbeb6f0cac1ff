// Package stub provides an in-memory domain.InferenceClient double for
// tests that exercise the queue dispatcher without a real ML service.
package stub

import (
	"sync"
	"time"

	"github.com/segforge/segcore/internal/domain"
)

// Client is a configurable domain.InferenceClient test double.
type Client struct {
	mu sync.Mutex

	// Polygons is returned by every Run call unless PerImage overrides it.
	Polygons []domain.Polygon
	// PerImage, keyed by imagePath, overrides Polygons for specific images.
	PerImage map[string][]domain.Polygon
	// Err, when set, is returned instead of a result.
	Err error
	// Delay, when set, is slept before returning (no-op if ctx is cancelled first).
	Delay time.Duration
	// Progress, when non-empty, is reported via onProgress before returning.
	Progress []domain.InferenceProgress

	Calls []string
}

// New constructs a Client that returns an empty polygon set by default.
func New() *Client { return &Client{PerImage: map[string][]domain.Polygon{}} }

// Run implements domain.InferenceClient.
func (c *Client) Run(ctx domain.Context, imagePath, model string, threshold float64, detectHoles bool, onProgress func(domain.InferenceProgress)) (domain.InferenceResult, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, imagePath)
	err := c.Err
	delay := c.Delay
	progress := c.Progress
	polys, overridden := c.PerImage[imagePath]
	if !overridden {
		polys = c.Polygons
	}
	c.mu.Unlock()

	for _, p := range progress {
		if onProgress != nil {
			onProgress(p)
		}
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.InferenceResult{}, ctx.Err()
		}
	}

	if err != nil {
		return domain.InferenceResult{}, err
	}
	return domain.InferenceResult{Polygons: polys, Duration: delay}, nil
}
