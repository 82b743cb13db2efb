package tts

import (
	"encoding/json"
	"testing"

	"github.com/voxrelay/agentcore/internal/agentcore/backoff"
)

func TestPrimingMessageShape(t *testing.T) {
	msg := primingMessage{
		Text:    " ",
		Prefill: true,
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.8,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["text"] != " " {
		t.Errorf("text = %v", decoded["text"])
	}
	if decoded["prefill"] != true {
		t.Errorf("prefill = %v", decoded["prefill"])
	}
	vs, ok := decoded["voice_settings"].(map[string]any)
	if !ok {
		t.Fatalf("voice_settings missing or wrong type: %v", decoded["voice_settings"])
	}
	if vs["stability"] != 0.5 {
		t.Errorf("stability = %v", vs["stability"])
	}
}

func TestBuildURLIncludesQueryParams(t *testing.T) {
	c := New("wss://example.invalid/v1/text-to-speech", "key", nil, 0)
	got, err := c.buildURL(Options{Voice: "v1", OptimizeStreamingLatency: 3, OutputFormat: "mp3_22050_32"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	if want := "optimize_streaming_latency=3"; !contains(got, want) {
		t.Errorf("url %q missing %q", got, want)
	}
	if want := "output_format=mp3_22050_32"; !contains(got, want) {
		t.Errorf("url %q missing %q", got, want)
	}
	if want := "/v1/stream-input"; !contains(got, want) {
		t.Errorf("url %q missing %q", got, want)
	}
}

func TestHasDeliveredChunkTracksState(t *testing.T) {
	c := New("wss://example.invalid", "key", nil, 0)
	if c.hasDeliveredChunk() {
		t.Fatalf("expected no chunks delivered initially")
	}
	c.mu.Lock()
	c.chunkDelivered = true
	c.mu.Unlock()
	if !c.hasDeliveredChunk() {
		t.Fatalf("expected chunkDelivered to be observed true")
	}
}

func TestNewDefaultsMaxAttempts(t *testing.T) {
	c := New("wss://example.invalid", "key", nil, 0)
	if c.maxAttempts != backoff.MaxAttempts {
		t.Errorf("maxAttempts = %d, want default %d", c.maxAttempts, backoff.MaxAttempts)
	}

	c2 := New("wss://example.invalid", "key", nil, 4)
	if c2.maxAttempts != 4 {
		t.Errorf("maxAttempts = %d, want configured 4", c2.maxAttempts)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
