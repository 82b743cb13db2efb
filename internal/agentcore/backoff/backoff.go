// Package backoff implements the full-jitter reconnect delay shared by the
// STT and TTS upstream clients.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

const (
	// MaxAttempts is the reconnect attempt cap shared by STT and TTS.
	MaxAttempts = 6

	baseMillis = 300
	capMillis  = 5000
	jitterMax  = 200
)

// Delay returns the reconnect delay for the given zero-based attempt number:
// min(5000, 300*2^attempt) + uniform(0, 200) milliseconds.
func Delay(attempt int) time.Duration {
	exp := float64(baseMillis) * math.Pow(2, float64(attempt))
	capped := math.Min(capMillis, exp)
	jitter := rand.Intn(jitterMax + 1)
	return time.Duration(capped)*time.Millisecond + time.Duration(jitter)*time.Millisecond
}
