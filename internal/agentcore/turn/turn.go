// Package turn implements the per-session turn orchestrator: the state
// machine coordinating STT partial/final transcripts with a speculative LLM
// stream and a gated TTS stream, including barge-in cancellation.
package turn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/voxrelay/agentcore/internal/agentcore/agenterrors"
	"github.com/voxrelay/agentcore/internal/agentcore/logging"
	"github.com/voxrelay/agentcore/internal/agentcore/upstream/llm"
	"github.com/voxrelay/agentcore/internal/agentcore/upstream/tts"
)

// State is a position in the turn state machine.
type State int

const (
	StateIdle State = iota
	StateListening
	StateSpeculating
	StateThinking
	StateResponding
	StateSpeaking
	StateCompleted
	StateCancelled
)

func (s State) Terminal() bool { return s == StateCompleted || s == StateCancelled }

// DefaultConfidenceThreshold is the speculative-execution gate (spec §4.5).
const DefaultConfidenceThreshold = 0.85

// Metrics is the per-turn latency capture used for metrics.update events and
// for the bounded rolling history used to compute averages.
type Metrics struct {
	SttLatency            time.Duration
	LLMFirstTokenLatency  time.Duration
	LLMCompleteLatency    time.Duration
	TTSFirstChunkLatency  time.Duration
	TotalLatency          time.Duration
	Interrupted           bool
}

// Turn holds all turn-scoped state. Exactly one Turn is non-terminal per
// session at a time; it is exclusively owned by that session's Orchestrator.
type Turn struct {
	ID        string
	StartedAt time.Time

	mu          sync.Mutex
	state       State
	interim     string
	final       string
	llmText     strings.Builder
	llmSourceText string // normalized text the active LLM stream was started from

	sttStarted, sttCompleted bool
	llmStarted, llmCompleted bool
	ttsStarted, ttsCompleted bool
	interrupted               bool

	llmCancel context.CancelFunc
	ttsCancel context.CancelFunc

	speculateTimer *time.Timer

	metrics Metrics
}

func newTurn(id string) *Turn {
	return &Turn{ID: id, StartedAt: time.Now(), state: StateIdle}
}

// State returns the turn's current state (for tests/introspection).
func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Metrics returns a copy of the turn's captured metrics.
func (t *Turn) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// Interrupted reports whether the turn has been interrupted.
func (t *Turn) Interrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}

// Confidence computes the speculative-execution confidence heuristic for a
// transcript string (spec §4.5).
func Confidence(text string) float64 {
	score := 0.5
	n := len(text)
	if n > 20 {
		score += 0.2
	}
	if n > 50 {
		score += 0.1
	}
	trimmed := strings.TrimRight(text, " \t\n")
	if len(trimmed) > 0 {
		last := trimmed[len(trimmed)-1]
		if last == '.' || last == '!' || last == '?' {
			score += 0.2
		}
	}
	words := len(strings.Fields(text))
	if words > 3 {
		score += 0.1
	}
	if words > 5 {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// TTSGate reports whether enough LLM text has accumulated to begin
// synthesis (spec §4.5).
func TTSGate(text string) bool {
	if strings.ContainsAny(text, ".!?") {
		return true
	}
	words := strings.Fields(text)
	return len(words) >= 5 && strings.ContainsAny(text, ",;:")
}

// isPrefixRefinement reports whether final is a prefix-compatible
// refinement of interim: normalized final starts with normalized interim.
// Resolves the open question in spec §9 in favor of restarting the LLM
// stream when this is false.
func isPrefixRefinement(interim, final string) bool {
	ni := normalizeForPrefix(interim)
	nf := normalizeForPrefix(final)
	if ni == "" {
		return true
	}
	return strings.HasPrefix(nf, ni)
}

func normalizeForPrefix(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// HistoryEntry is one turn of prior conversation used in prompt assembly.
type HistoryEntry struct {
	Role string
	Text string
}

// IntentAnalyzer is an optional best-effort collaborator that annotates the
// system prompt. A nil analyzer, or one that errors, leaves the prompt
// unannotated (spec §9).
type IntentAnalyzer interface {
	Analyze(ctx context.Context, text string) (intent, contextLabel string, confidence float64, err error)
}

// LLMStreamer is the narrow surface the orchestrator needs from an LLM
// client.
type LLMStreamer interface {
	Stream(ctx context.Context, messages []llm.Message, params llm.Params) (<-chan llm.Delta, <-chan error)
}

// TTSStreamer is the narrow surface the orchestrator needs from a TTS
// client.
type TTSStreamer interface {
	Stream(ctx context.Context, text string, opts tts.Options, onChunk func([]byte, uint32), onEnd func(tts.EndReason))
}

// STTForwarder is the narrow surface the orchestrator needs to push audio to
// the session's STT client.
type STTForwarder interface {
	SendAudio(data []byte) bool
}

// Emitter receives the outbound events the orchestrator produces on behalf
// of its session (everything except stt.partial/stt.final, which the
// session supervisor forwards directly from the STT client's callbacks).
type Emitter interface {
	EmitLLMPartial(turnID, text string)
	EmitLLMFinal(turnID, text string)
	EmitTTSChunk(turnID string, seq uint32, data []byte)
	EmitTTSEnd(turnID string, reason tts.EndReason)
	EmitMetrics(turnID string, m Metrics)
	EmitError(turnID, code, message string, recoverable bool)
}

// Config is the per-session tunables for the orchestrator.
type Config struct {
	SpeculativeEnabled   bool
	ConfidenceThreshold  float64
	LLMStreamingDelay    time.Duration
	SystemPromptBase     string
	MaxHistoryTurns      int
	MaxTokens            int
	Model                string
	Temperature          float32
	TTSOptions           tts.Options
}

// DefaultConfig returns sensible defaults matching the spec's named
// constants.
func DefaultConfig() Config {
	return Config{
		SpeculativeEnabled:  true,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		LLMStreamingDelay:   150 * time.Millisecond,
		SystemPromptBase:    "You are a concise, helpful voice assistant.",
		MaxHistoryTurns:     4,
		MaxTokens:           150,
		Temperature:         0,
	}
}

// Orchestrator coordinates STT/LLM/TTS for a single session's turns.
type Orchestrator struct {
	cfg Config
	log logging.Logger

	llmClient LLMStreamer
	ttsClient TTSStreamer
	stt       STTForwarder
	emitter   Emitter
	analyzer  IntentAnalyzer

	ctx context.Context

	mu            sync.Mutex
	current       *Turn
	history       []HistoryEntry
	metricsHist   []Metrics
}

// New builds a session-scoped Orchestrator. ctx is the session's lifetime
// context; it is the parent of every turn's LLM/TTS cancellation contexts.
func New(ctx context.Context, cfg Config, llmClient LLMStreamer, ttsClient TTSStreamer, stt STTForwarder, emitter Emitter, analyzer IntentAnalyzer, log logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.NoOp()
	}
	return &Orchestrator{ctx: ctx, cfg: cfg, llmClient: llmClient, ttsClient: ttsClient, stt: stt, emitter: emitter, analyzer: analyzer, log: log}
}

// CurrentTurn returns the session's active turn, or nil if idle.
func (o *Orchestrator) CurrentTurn() *Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// StartTurn interrupts any active, not-yet-completed turn and allocates a
// fresh one.
func (o *Orchestrator) StartTurn() *Turn {
	o.mu.Lock()
	prev := o.current
	if prev != nil && !prev.ttsCompletedSnapshot() {
		o.mu.Unlock()
		o.Interrupt()
		o.mu.Lock()
	}
	t := newTurn(fmt.Sprintf("turn_%d", time.Now().UnixNano()/int64(time.Millisecond)))
	t.state = StateListening
	o.current = t
	o.mu.Unlock()
	return t
}

func (t *Turn) ttsCompletedSnapshot() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ttsCompleted
}

// SendAudio forwards raw audio to the session's STT client.
func (o *Orchestrator) SendAudio(data []byte) {
	if o.stt != nil {
		o.stt.SendAudio(data)
	}
}

// OnSttPartial handles an interim transcript from the STT client.
func (o *Orchestrator) OnSttPartial(text string) {
	t := o.CurrentTurn()
	if t == nil || t.Interrupted() {
		return
	}

	t.mu.Lock()
	if !t.sttStarted {
		t.sttStarted = true
		if t.metrics.SttLatency == 0 {
			t.metrics.SttLatency = time.Since(t.StartedAt)
		}
	}
	t.interim = text
	started := t.llmStarted
	completed := t.sttCompleted
	t.mu.Unlock()

	if !o.cfg.SpeculativeEnabled || started || completed {
		return
	}
	if Confidence(text) < o.cfg.ConfidenceThreshold {
		return
	}

	t.mu.Lock()
	t.state = StateSpeculating
	if t.speculateTimer != nil {
		t.speculateTimer.Stop()
	}
	t.speculateTimer = time.AfterFunc(o.cfg.LLMStreamingDelay, func() {
		t.mu.Lock()
		alreadyFinal := t.sttCompleted
		alreadyStarted := t.llmStarted
		interimNow := t.interim
		t.mu.Unlock()
		if alreadyFinal || alreadyStarted {
			return
		}
		o.startLLM(t, interimNow)
	})
	t.mu.Unlock()
}

// OnSttFinal handles a committed transcript from the STT client.
func (o *Orchestrator) OnSttFinal(text string) {
	t := o.CurrentTurn()
	if t == nil || t.Interrupted() {
		return
	}

	t.mu.Lock()
	if !t.sttStarted {
		t.sttStarted = true
		if t.metrics.SttLatency == 0 {
			t.metrics.SttLatency = time.Since(t.StartedAt)
		}
	}
	t.final = text
	t.sttCompleted = true
	if t.speculateTimer != nil {
		t.speculateTimer.Stop()
	}
	started := t.llmStarted
	sourceText := t.llmSourceText
	t.mu.Unlock()

	if !started {
		o.startLLM(t, text)
		return
	}

	if !isPrefixRefinement(sourceText, text) {
		t.mu.Lock()
		cancel := t.llmCancel
		t.llmStarted = false
		t.llmCompleted = false
		t.llmText.Reset()
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		o.startLLM(t, text)
	}
}

// Interrupt cancels the active turn, idempotently. A second call has no
// additional observable effect.
func (o *Orchestrator) Interrupt() {
	t := o.CurrentTurn()
	if t == nil {
		return
	}
	o.interruptTurn(t)
}

func (o *Orchestrator) interruptTurn(t *Turn) {
	t.mu.Lock()
	if t.interrupted {
		t.mu.Unlock()
		return
	}
	t.interrupted = true
	t.state = StateCancelled
	llmCancel := t.llmCancel
	ttsCancel := t.ttsCancel
	if t.speculateTimer != nil {
		t.speculateTimer.Stop()
	}
	t.mu.Unlock()

	if llmCancel != nil {
		llmCancel()
	}
	if ttsCancel != nil {
		ttsCancel()
	}
}

func (o *Orchestrator) startLLM(t *Turn, sourceText string) {
	t.mu.Lock()
	if t.llmStarted || t.interrupted {
		t.mu.Unlock()
		return
	}
	t.llmStarted = true
	t.llmSourceText = sourceText
	if t.state == StateListening || t.state == StateSpeculating {
		if t.sttCompleted {
			t.state = StateThinking
		} else {
			t.state = StateSpeculating
		}
	}
	llmCtx, cancel := context.WithCancel(o.ctx)
	t.llmCancel = cancel
	t.mu.Unlock()

	messages := o.buildPrompt(sourceText)
	deltas, errs := o.llmClient.Stream(llmCtx, messages, llm.Params{
		Model:       o.cfg.Model,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	})

	go o.driveLLM(t, deltas, errs)
}

func (o *Orchestrator) driveLLM(t *Turn, deltas <-chan llm.Delta, errs <-chan error) {
	firstToken := true
	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				return
			}
			if d.Done {
				o.finishLLM(t)
				return
			}
			if d.Text == "" {
				continue
			}

			t.mu.Lock()
			if firstToken && t.metrics.LLMFirstTokenLatency == 0 {
				t.metrics.LLMFirstTokenLatency = time.Since(t.StartedAt)
			}
			if t.state == StateSpeculating || t.state == StateThinking {
				t.state = StateResponding
			}
			t.llmText.WriteString(d.Text)
			accumulated := t.llmText.String()
			ttsAlreadyStarted := t.ttsStarted
			t.mu.Unlock()
			firstToken = false

			o.emitter.EmitLLMPartial(t.ID, d.Text)

			if !ttsAlreadyStarted && TTSGate(accumulated) {
				o.startTTS(t, accumulated)
			}

		case err, ok := <-errs:
			if !ok {
				return
			}
			if err == context.Canceled {
				return
			}
			kind := agenterrors.KindUpstreamTransient
			o.emitter.EmitError(t.ID, kind.Code(), err.Error(), kind.Recoverable())
			t.mu.Lock()
			t.llmCompleted = true
			t.mu.Unlock()
			return
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) finishLLM(t *Turn) {
	t.mu.Lock()
	t.llmCompleted = true
	t.metrics.LLMCompleteLatency = time.Since(t.StartedAt)
	full := t.llmText.String()
	ttsStarted := t.ttsStarted
	interrupted := t.interrupted
	t.mu.Unlock()

	if interrupted {
		return
	}

	o.emitter.EmitLLMFinal(t.ID, full)
	o.pushHistory(full)

	if !ttsStarted && full != "" {
		o.startTTS(t, full)
	}
}

func (o *Orchestrator) startTTS(t *Turn, text string) {
	t.mu.Lock()
	if t.ttsStarted || t.interrupted || text == "" {
		t.mu.Unlock()
		return
	}
	t.ttsStarted = true
	t.state = StateSpeaking
	ttsCtx, cancel := context.WithCancel(o.ctx)
	t.ttsCancel = cancel
	t.mu.Unlock()

	firstChunk := true
	onChunk := func(chunk []byte, seq uint32) {
		t.mu.Lock()
		if firstChunk && t.metrics.TTSFirstChunkLatency == 0 {
			t.metrics.TTSFirstChunkLatency = time.Since(t.StartedAt)
		}
		firstChunk = false
		interrupted := t.interrupted
		t.mu.Unlock()
		if interrupted {
			return
		}
		o.emitter.EmitTTSChunk(t.ID, seq, chunk)
	}

	onEnd := func(reason tts.EndReason) {
		t.mu.Lock()
		t.ttsCompleted = true
		t.metrics.TotalLatency = time.Since(t.StartedAt)
		interrupted := t.interrupted
		if interrupted {
			reason = tts.EndBarge
			t.state = StateCancelled
		} else if t.state != StateCancelled {
			t.state = StateCompleted
		}
		t.metrics.Interrupted = interrupted
		metricsCopy := t.metrics
		t.mu.Unlock()

		o.emitter.EmitTTSEnd(t.ID, reason)
		o.emitter.EmitMetrics(t.ID, metricsCopy)
		o.pushMetrics(metricsCopy)
	}

	go o.ttsClient.Stream(ttsCtx, text, o.cfg.TTSOptions, onChunk, onEnd)
}

func (o *Orchestrator) pushHistory(assistantText string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, HistoryEntry{Role: "assistant", Text: assistantText})
	o.trimHistoryLocked()
}

// RecordUserTurn appends the user's final transcript to the rolling
// conversation history. Called by the session supervisor once per turn.
func (o *Orchestrator) RecordUserTurn(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, HistoryEntry{Role: "user", Text: text})
	o.trimHistoryLocked()
}

const maxHistoryEntries = 20

func (o *Orchestrator) trimHistoryLocked() {
	if len(o.history) > maxHistoryEntries {
		o.history = o.history[len(o.history)-maxHistoryEntries:]
	}
}

func (o *Orchestrator) pushMetrics(m Metrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metricsHist = append(o.metricsHist, m)
	if len(o.metricsHist) > 10 {
		o.metricsHist = o.metricsHist[len(o.metricsHist)-10:]
	}
}

func (o *Orchestrator) buildPrompt(userText string) []llm.Message {
	system := o.cfg.SystemPromptBase
	if o.analyzer != nil {
		intent, ctxLabel, confidence, err := o.analyzer.Analyze(o.ctx, userText)
		if err == nil && confidence > 0.7 {
			if intent != "" {
				system += " [Intent: " + intent + "]"
			}
			if ctxLabel != "" {
				system += " [Context: " + ctxLabel + "]"
			}
		}
	}

	messages := []llm.Message{{Role: "system", Content: system}}

	o.mu.Lock()
	n := o.cfg.MaxHistoryTurns
	if n <= 0 {
		n = 4
	}
	hist := o.history
	if len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	histCopy := make([]HistoryEntry, len(hist))
	copy(histCopy, hist)
	o.mu.Unlock()

	for _, h := range histCopy {
		messages = append(messages, llm.Message{Role: h.Role, Content: h.Text})
	}
	messages = append(messages, llm.Message{Role: "user", Content: userText})
	return messages
}
