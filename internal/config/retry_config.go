// Package config defines retry configuration helpers.
package config

import (
	"time"
)

// QueueRetryConfig holds the QueueEngine's per-item retry policy (spec.md
// §4.2: up to R retries with exponential backoff before an item is marked
// failed).
type QueueRetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// GetQueueRetryConfig returns the queue item retry policy. Test environments
// get much shorter delays so retry-path tests do not stall.
func (c Config) GetQueueRetryConfig() QueueRetryConfig {
	if c.IsTest() {
		return QueueRetryConfig{MaxRetries: c.QueueRetryMax, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	}
	return QueueRetryConfig{MaxRetries: c.QueueRetryMax, BaseDelay: c.QueueRetryBaseDelay, MaxDelay: c.QueueRetryMaxDelay}
}
