// Package tts implements the per-utterance upstream WebSocket client to a
// text-to-speech provider: priming/payload/flush message sequencing,
// chunked audio egress, and barge-in cancellation.
package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxrelay/agentcore/internal/agentcore/agenterrors"
	"github.com/voxrelay/agentcore/internal/agentcore/backoff"
	"github.com/voxrelay/agentcore/internal/agentcore/logging"
)

// EndReason is why a stream finished.
type EndReason string

const (
	EndComplete EndReason = "complete"
	EndBarge    EndReason = "barge"
	EndError    EndReason = "error"
)

const connectTimeout = 10 * time.Second

// Options configures one synthesis stream.
type Options struct {
	Voice                   string
	OptimizeStreamingLatency int // 0-4
	OutputFormat            string // e.g. "mp3_22050_32"
	Stability               float64
	SimilarityBoost         float64
}

type primingMessage struct {
	Text           string         `json:"text"`
	VoiceSettings  *voiceSettings `json:"voice_settings,omitempty"`
	Prefill        bool           `json:"prefill,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type payloadMessage struct {
	Text string `json:"text"`
}

type flushMessage struct {
	Text            string `json:"text"`
	TryTriggerGeneration bool `json:"try_trigger_generation,omitempty"`
	Flush           bool   `json:"flush,omitempty"`
}

type endOfStreamMessage struct {
	Text string `json:"text"`
}

type inboundMessage struct {
	Audio   string `json:"audio,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client streams synthesized audio for one piece of text over one
// WebSocket connection.
type Client struct {
	baseURL string
	apiKey  string
	log     logging.Logger
	maxAttempts int

	mu            sync.Mutex
	conn          *websocket.Conn
	seq           uint32
	chunkDelivered bool
	cancelled     bool
}

// New builds a TTS client dialing baseURL with apiKey as the provider
// authentication header. maxAttempts bounds reconnect attempts; <= 0 falls
// back to backoff.MaxAttempts.
func New(baseURL, apiKey string, log logging.Logger, maxAttempts int) *Client {
	if log == nil {
		log = logging.NoOp()
	}
	if maxAttempts <= 0 {
		maxAttempts = backoff.MaxAttempts
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, log: log, maxAttempts: maxAttempts}
}

// Stream synthesizes text, invoking onChunk for each decoded audio chunk (in
// increasing seq order starting at 0) and onEnd exactly once when the
// stream finishes. Cancelling ctx aborts the stream; cancellation is
// observable within one inbound message boundary.
func (c *Client) Stream(ctx context.Context, text string, opts Options, onChunk func(chunk []byte, seq uint32), onEnd func(reason EndReason)) {
	attempt := 0
	for {
		reason, reconnect := c.streamOnce(ctx, text, opts, onChunk)
		if !reconnect {
			onEnd(reason)
			return
		}
		if attempt >= c.maxAttempts {
			onEnd(EndError)
			return
		}
		delay := backoff.Delay(attempt)
		attempt++
		select {
		case <-ctx.Done():
			onEnd(EndBarge)
			return
		case <-time.After(delay):
		}
	}
}

// streamOnce performs one connect-send-receive cycle. reconnect is true only
// when the socket closed before any audio chunk was delivered (§4.3
// reconnect-before-first-byte policy).
func (c *Client) streamOnce(ctx context.Context, text string, opts Options, onChunk func([]byte, uint32)) (reason EndReason, reconnect bool) {
	dialURL, err := c.buildURL(opts)
	if err != nil {
		c.log.Error("tts: build url", logging.Err(agenterrors.New(agenterrors.KindUpstreamFatal, "tts", err)))
		return EndError, false
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("xi-api-key", c.apiKey)

	conn, _, err := websocket.Dial(connectCtx, dialURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		c.log.Warn("tts: dial failed", logging.Err(agenterrors.New(agenterrors.KindUpstreamTransient, "tts", err)))
		return EndError, true
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.mu.Lock()
	c.conn = conn
	c.seq = 0
	c.chunkDelivered = false
	c.mu.Unlock()

	if err := c.sendSequence(ctx, conn, text, opts); err != nil {
		c.log.Warn("tts: send failed", logging.Err(agenterrors.New(agenterrors.KindUpstreamTransient, "tts", err)))
		return EndError, !c.hasDeliveredChunk()
	}

	return c.receiveLoop(ctx, conn, onChunk)
}

func (c *Client) sendSequence(ctx context.Context, conn *websocket.Conn, text string, opts Options) error {
	priming := primingMessage{
		Text:    " ",
		Prefill: true,
		VoiceSettings: &voiceSettings{
			Stability:       opts.Stability,
			SimilarityBoost: opts.SimilarityBoost,
		},
	}
	if err := writeJSON(ctx, conn, priming); err != nil {
		return fmt.Errorf("priming message: %w", err)
	}

	if err := writeJSON(ctx, conn, payloadMessage{Text: text}); err != nil {
		return fmt.Errorf("payload message: %w", err)
	}

	if err := writeJSON(ctx, conn, flushMessage{Text: "", TryTriggerGeneration: true, Flush: true}); err != nil {
		return fmt.Errorf("flush message: %w", err)
	}
	if err := writeJSON(ctx, conn, endOfStreamMessage{Text: ""}); err != nil {
		return fmt.Errorf("end_of_stream message: %w", err)
	}
	return nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn, onChunk func([]byte, uint32)) (EndReason, bool) {
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cancelled = true
			c.mu.Unlock()
			return EndBarge, false
		default:
		}

		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return EndBarge, false
			}
			return EndComplete, !c.hasDeliveredChunk()
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg inboundMessage
		if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil {
			continue
		}

		if msg.Error != "" || msg.Code != "" || msg.Message != "" {
			return EndError, false
		}

		if msg.Audio != "" {
			decoded, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				continue
			}
			c.mu.Lock()
			seq := c.seq
			c.seq++
			c.chunkDelivered = true
			c.mu.Unlock()
			onChunk(decoded, seq)
		}

		if msg.IsFinal {
			// Marked complete; keep reading until the socket closes, per
			// the provider protocol (the close carries no extra data).
			continue
		}
	}
}

func (c *Client) hasDeliveredChunk() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunkDelivered
}

func (c *Client) buildURL(opts Options) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	if opts.Voice != "" {
		u.Path = u.Path + "/" + opts.Voice + "/stream-input"
	}
	q := u.Query()
	q.Set("optimize_streaming_latency", strconv.Itoa(opts.OptimizeStreamingLatency))
	if opts.OutputFormat != "" {
		q.Set("output_format", opts.OutputFormat)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
