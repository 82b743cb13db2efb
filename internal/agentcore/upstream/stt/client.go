// Package stt implements the long-lived upstream WebSocket client to a
// speech-to-text provider: audio ingress, transcript egress, queueing,
// reconnect, and deduplication of final transcripts.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-querystring/query"

	"github.com/voxrelay/agentcore/internal/agentcore/agenterrors"
	"github.com/voxrelay/agentcore/internal/agentcore/backoff"
	"github.com/voxrelay/agentcore/internal/agentcore/logging"
)

// State is the client's connection lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

const (
	connectTimeout    = 10 * time.Second
	maxQueuedFrames   = 100
	dedupWindow       = 3 * time.Second
	maxSilencePromote = 1500 * time.Millisecond
)

// Options configures a single upstream session.
type Options struct {
	Encoding       string
	SampleRate     int
	Channels       int
	Language       string
	Model          string
	Punctuate      bool
	SmartFormat    bool
	UtteranceEndMs int     // lower-bounded at 1000
	EndpointingMs  int     // lower-bounded at 300
	NoPunctSeconds float64 // drives the silence-promotion timer, capped at 1.5s
}

func (o Options) normalized() Options {
	if o.UtteranceEndMs < 1000 {
		o.UtteranceEndMs = 1000
	}
	if o.EndpointingMs < 300 {
		o.EndpointingMs = 300
	}
	return o
}

type sttQuery struct {
	Encoding       string `url:"encoding"`
	SampleRate     int    `url:"sample_rate"`
	Channels       int    `url:"channels"`
	InterimResults bool   `url:"interim_results"`
	Punctuate      bool   `url:"punctuate"`
	Language       string `url:"language"`
	Model          string `url:"model"`
	SmartFormat    bool   `url:"smart_format"`
	UtteranceEndMs int    `url:"utterance_end_ms"`
	Endpointing    int    `url:"endpointing"`
}

// Callbacks receives transcript and error events for the session. err
// passed to OnError is always an *agenterrors.Error so callers can branch
// on Kind instead of matching strings.
type Callbacks struct {
	OnPartial func(transcript string)
	OnFinal   func(transcript string, startTs, endTs int64)
	OnError   func(err error, fatal bool)
}

// Client is one session's upstream STT connection.
type Client struct {
	baseURL    string
	apiKey     string
	log        logging.Logger
	disableReconnect bool
	maxAttempts int

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	opts    Options
	cb      Callbacks
	queue   [][]byte
	started bool

	silenceTimer *time.Timer
	lastPartial  string

	lastNormFinal string
	lastFinalAt   time.Time

	attempt int

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an STT client that will dial baseURL (a ws:// or wss:// upstream
// endpoint) using apiKey as a bearer token. maxAttempts bounds reconnect
// attempts; <= 0 falls back to backoff.MaxAttempts.
func New(baseURL, apiKey string, log logging.Logger, disableReconnect bool, maxAttempts int) *Client {
	if log == nil {
		log = logging.NoOp()
	}
	if maxAttempts <= 0 {
		maxAttempts = backoff.MaxAttempts
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, log: log, disableReconnect: disableReconnect, maxAttempts: maxAttempts, state: StateIdle}
}

// Open starts the upstream connection. It is idempotent: a second call while
// already connecting or open is a no-op.
func (c *Client) Open(ctx context.Context, opts Options, cb Callbacks) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.opts = opts.normalized()
	c.cb = cb
	c.state = StateConnecting
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.connectLoop()
}

// SendAudio transmits audio if the upstream is open, otherwise enqueues it
// (bounded to 100 frames, dropping the oldest on overflow). Returns whether
// the frame was accepted (sent or queued) at all — it is always true unless
// the client has been closed.
func (c *Client) SendAudio(data []byte) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	open := c.state == StateOpen
	if !open {
		c.enqueueLocked(data)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	if err := conn.Write(context.Background(), websocket.MessageBinary, data); err != nil {
		c.mu.Lock()
		c.enqueueLocked(data)
		c.mu.Unlock()
	}
	return true
}

func (c *Client) enqueueLocked(data []byte) {
	if len(c.queue) >= maxQueuedFrames {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, data)
}

// Close sends a terminator message and tears down the connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	conn := c.conn
	cancel := c.cancel
	c.stopSilenceTimerLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	if cancel != nil {
		cancel()
	}
}

func (c *Client) connectLoop() {
	for {
		c.mu.Lock()
		ctx := c.ctx
		attempt := c.attempt
		c.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}

		fatal := c.dialOnce(ctx)
		if fatal {
			return
		}

		c.mu.Lock()
		closed := c.state == StateClosed
		c.mu.Unlock()
		if closed {
			return
		}
		if c.disableReconnect {
			return
		}
		if attempt >= c.maxAttempts {
			c.notifyError(agenterrors.KindUpstreamFatal, fmt.Errorf("stt: exhausted %d reconnect attempts", c.maxAttempts), true)
			return
		}

		delay := backoff.Delay(attempt)
		c.mu.Lock()
		c.attempt++
		c.state = StateConnecting
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// dialOnce performs one connect-and-serve cycle. It returns true if the
// failure is fatal (auth rejection) and reconnection should not continue.
func (c *Client) dialOnce(ctx context.Context) (fatal bool) {
	dialURL, err := c.buildURL()
	if err != nil {
		c.notifyError(agenterrors.KindUpstreamFatal, fmt.Errorf("stt: build url: %w", err), true)
		return true
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	conn, resp, err := websocket.Dial(connectCtx, dialURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			c.notifyError(agenterrors.KindUpstreamFatal, fmt.Errorf("stt: upstream rejected connection: %w", err), true)
			return true
		}
		if connectCtx.Err() != nil {
			c.notifyError(agenterrors.KindTimeout, fmt.Errorf("stt: connect timeout: %w", err), false)
		} else {
			c.notifyError(agenterrors.KindUpstreamTransient, fmt.Errorf("stt: dial: %w", err), false)
		}
		return false
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.attempt = 0
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, frame := range queued {
		if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
			break
		}
	}

	c.readLoop(ctx, conn)
	return false
}

func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	q := sttQuery{
		Encoding:       c.opts.Encoding,
		SampleRate:     c.opts.SampleRate,
		Channels:       c.opts.Channels,
		InterimResults: true,
		Punctuate:      c.opts.Punctuate,
		Language:       c.opts.Language,
		Model:          c.opts.Model,
		SmartFormat:    c.opts.SmartFormat,
		UtteranceEndMs: c.opts.UtteranceEndMs,
		Endpointing:    c.opts.EndpointingMs,
	}
	values, err := query.Values(q)
	if err != nil {
		return "", err
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

type inboundMessage struct {
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg inboundMessage
		if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil {
			continue
		}
		var transcript string
		if len(msg.Channel.Alternatives) > 0 {
			transcript = msg.Channel.Alternatives[0].Transcript
		}
		c.handleTranscript(transcript, msg.IsFinal, msg.SpeechFinal)
	}
}

func (c *Client) handleTranscript(transcript string, isFinal, speechFinal bool) {
	if !isFinal && !speechFinal {
		if transcript == "" {
			return
		}
		c.mu.Lock()
		c.lastPartial = transcript
		c.armSilenceTimerLocked()
		c.mu.Unlock()
		if c.cb.OnPartial != nil {
			c.cb.OnPartial(transcript)
		}
		return
	}

	c.mu.Lock()
	c.stopSilenceTimerLocked()
	c.mu.Unlock()
	c.emitFinal(transcript)
}

func (c *Client) armSilenceTimerLocked() {
	c.stopSilenceTimerLocked()
	delayMs := c.opts.NoPunctSeconds * 1000
	if delayMs <= 0 || delayMs > float64(maxSilencePromote.Milliseconds()) {
		delayMs = float64(maxSilencePromote.Milliseconds())
	}
	delay := time.Duration(delayMs) * time.Millisecond
	c.silenceTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		text := c.lastPartial
		c.mu.Unlock()
		if text != "" {
			c.emitFinal(text)
		}
	})
}

func (c *Client) stopSilenceTimerLocked() {
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
}

// emitFinal applies normalization and the 3-second dedup window before
// invoking the OnFinal callback.
func (c *Client) emitFinal(transcript string) {
	norm := Normalize(transcript)
	now := time.Now()

	c.mu.Lock()
	if norm == c.lastNormFinal && now.Sub(c.lastFinalAt) < dedupWindow {
		c.mu.Unlock()
		return
	}
	c.lastNormFinal = norm
	c.lastFinalAt = now
	c.mu.Unlock()

	if c.cb.OnFinal != nil {
		nowMs := now.UnixMilli()
		c.cb.OnFinal(transcript, nowMs, nowMs)
	}
}

// notifyError wraps err with its propagation Kind (spec §7) before handing
// it to the session's OnError callback, so callers can classify without
// string-matching.
func (c *Client) notifyError(kind agenterrors.Kind, err error, fatal bool) {
	wrapped := agenterrors.New(kind, "stt", err)
	c.log.Warn("stt upstream error", logging.Err(wrapped), logging.Bool("fatal", fatal))
	if c.cb.OnError != nil {
		c.cb.OnError(wrapped, fatal)
	}
}

// Normalize lowercases, collapses any run of whitespace or punctuation into
// a single space, and trims the result.
func Normalize(s string) string {
	var b strings.Builder
	lastWasSpace := true
	for _, r := range strings.ToLower(s) {
		if isWordRune(r) {
			b.WriteRune(r)
			lastWasSpace = false
			continue
		}
		if !lastWasSpace {
			b.WriteRune(' ')
			lastWasSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}
