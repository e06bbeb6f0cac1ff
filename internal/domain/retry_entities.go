package domain

import (
	"time"
)

// RetryStatus represents the retry state of a QueueItem.
type RetryStatus string

const (
	// RetryStatusNone indicates no retries have been attempted
	RetryStatusNone RetryStatus = "none"
	// RetryStatusRetrying indicates the item is being retried
	RetryStatusRetrying RetryStatus = "retrying"
	// RetryStatusExhausted indicates all retries have been exhausted and the
	// item should be marked QueueFailed
	RetryStatusExhausted RetryStatus = "exhausted"
)

// RetryPolicy defines retry behavior for QueueItem processing (spec.md
// §4.2: up to MaxRetries attempts, exponential backoff between them).
type RetryPolicy struct {
	MaxRetries         int
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	Multiplier         float64
	RetryableErrors    []string
	NonRetryableErrors []string
}

// DefaultRetryPolicy returns the policy used when processing a QueueItem
// against the external inference backend.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   2,
		InitialDelay: 1 * time.Second,
		MaxDelay:     4 * time.Second,
		Multiplier:   2.0,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"timeout",
			"temporary failure",
			"rate limited",
			"upstream timeout",
			"upstream unavailable",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"not found",
			"conflict",
			"unauthorized",
			"forbidden",
		},
	}
}

// RetryInfo tracks retry attempts for one QueueItem's lifetime.
type RetryInfo struct {
	AttemptCount  int
	LastAttemptAt time.Time
	RetryStatus   RetryStatus
	LastError     string
	ErrorHistory  []string
}

// ShouldRetry reports whether another attempt should be made for err under
// policy. Unrecognized errors default to retryable, matching the teacher's
// fail-open classifier bias for transient upstream faults.
func (ri *RetryInfo) ShouldRetry(err error, policy RetryPolicy) bool {
	if ri.AttemptCount >= policy.MaxRetries {
		return false
	}
	if err == nil {
		return false
	}
	errorStr := err.Error()
	for _, nonRetryable := range policy.NonRetryableErrors {
		if containsFold(errorStr, nonRetryable) {
			return false
		}
	}
	for _, retryable := range policy.RetryableErrors {
		if containsFold(errorStr, retryable) {
			return true
		}
	}
	return true
}

// NextRetryDelay returns the backoff duration before the next attempt,
// capped at policy.MaxDelay.
func (ri *RetryInfo) NextRetryDelay(policy RetryPolicy) time.Duration {
	delay := time.Duration(float64(policy.InitialDelay) * pow(policy.Multiplier, float64(ri.AttemptCount)))
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// RecordAttempt updates the retry info after one failed attempt.
func (ri *RetryInfo) RecordAttempt(err error) {
	ri.AttemptCount++
	ri.LastAttemptAt = time.Now()
	if err != nil {
		ri.LastError = err.Error()
		ri.ErrorHistory = append(ri.ErrorHistory, err.Error())
	}
	ri.RetryStatus = RetryStatusRetrying
}

// MarkExhausted marks the retry info as exhausted; the caller should
// transition the QueueItem to QueueFailed.
func (ri *RetryInfo) MarkExhausted() {
	ri.RetryStatus = RetryStatusExhausted
}

func containsFold(s, substr string) bool {
	return len(substr) == 0 || indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	ls, lsub := toLower(s), toLower(substr)
	for i := 0; i+len(lsub) <= len(ls); i++ {
		if ls[i:i+len(lsub)] == lsub {
			return i
		}
	}
	return -1
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
