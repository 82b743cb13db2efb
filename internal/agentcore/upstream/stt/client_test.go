package stt

import (
	"testing"
	"time"

	"github.com/voxrelay/agentcore/internal/agentcore/backoff"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Hello, world!":       "hello world",
		"  multiple   spaces": "multiple spaces",
		"UPPER-case_Mix.ed":   "upper case mix ed",
		"":                    "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFinalDedupWithinWindow(t *testing.T) {
	var finals []string
	c := &Client{
		cb: Callbacks{
			OnFinal: func(text string, _, _ int64) { finals = append(finals, text) },
		},
	}

	c.handleTranscript("Hello.", true, false)
	c.handleTranscript("hello", true, false) // same normalized text, within window
	c.handleTranscript("Goodbye.", true, false)

	if len(finals) != 2 {
		t.Fatalf("got %d finals %v, want 2 (duplicate suppressed)", len(finals), finals)
	}
	if finals[0] != "Hello." || finals[1] != "Goodbye." {
		t.Errorf("unexpected finals: %v", finals)
	}
}

func TestFinalDedupOutsideWindowIsNotSuppressed(t *testing.T) {
	var finals []string
	c := &Client{
		cb: Callbacks{
			OnFinal: func(text string, _, _ int64) { finals = append(finals, text) },
		},
	}

	c.handleTranscript("Hello.", true, false)
	c.lastFinalAt = c.lastFinalAt.Add(-4 * time.Second) // simulate elapsed dedup window
	c.handleTranscript("hello", true, false)

	if len(finals) != 2 {
		t.Fatalf("got %d finals %v, want 2 (window elapsed)", len(finals), finals)
	}
}

func TestSendAudioQueuesWhileNotOpenAndDropsOldest(t *testing.T) {
	c := New("wss://example.invalid", "key", nil, true, 0)
	for i := 0; i < maxQueuedFrames+10; i++ {
		c.SendAudio([]byte{byte(i)})
	}
	if len(c.queue) != maxQueuedFrames {
		t.Fatalf("queue len = %d, want %d", len(c.queue), maxQueuedFrames)
	}
	// Oldest frames should have been dropped: the queue should start from
	// frame index 10.
	if c.queue[0][0] != 10 {
		t.Errorf("queue[0] = %v, want drop-oldest starting at 10", c.queue[0])
	}
}

func TestNewDefaultsMaxAttempts(t *testing.T) {
	c := New("wss://example.invalid", "key", nil, true, 0)
	if c.maxAttempts != backoff.MaxAttempts {
		t.Errorf("maxAttempts = %d, want default %d", c.maxAttempts, backoff.MaxAttempts)
	}

	c2 := New("wss://example.invalid", "key", nil, true, 3)
	if c2.maxAttempts != 3 {
		t.Errorf("maxAttempts = %d, want configured 3", c2.maxAttempts)
	}
}

func TestOptionsNormalizedLowerBounds(t *testing.T) {
	o := Options{UtteranceEndMs: 50, EndpointingMs: 10}.normalized()
	if o.UtteranceEndMs != 1000 {
		t.Errorf("UtteranceEndMs = %d, want 1000", o.UtteranceEndMs)
	}
	if o.EndpointingMs != 300 {
		t.Errorf("EndpointingMs = %d, want 300", o.EndpointingMs)
	}
}
