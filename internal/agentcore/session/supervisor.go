// Package session implements the per-connection supervisor: it
// demultiplexes inbound frames from one client WebSocket, owns that
// session's turn orchestrator and STT client, and emits outbound frames.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxrelay/agentcore/internal/agentcore/agenterrors"
	"github.com/voxrelay/agentcore/internal/agentcore/bargein"
	"github.com/voxrelay/agentcore/internal/agentcore/frame"
	"github.com/voxrelay/agentcore/internal/agentcore/logging"
	"github.com/voxrelay/agentcore/internal/agentcore/pool"
	"github.com/voxrelay/agentcore/internal/agentcore/registry"
	"github.com/voxrelay/agentcore/internal/agentcore/turn"
	"github.com/voxrelay/agentcore/internal/agentcore/upstream/llm"
	"github.com/voxrelay/agentcore/internal/agentcore/upstream/stt"
	"github.com/voxrelay/agentcore/internal/agentcore/upstream/tts"
)

// Dependencies are the per-session factories the supervisor needs to build
// its upstream clients; injected so the HTTP handler doesn't hardcode
// provider endpoints.
type Dependencies struct {
	STTBaseURL string
	STTAPIKey  string

	TTSBaseURL string
	TTSAPIKey  string

	LLMAPIKey  string
	LLMBaseURL string

	ReconnectDisabled    bool
	MaxReconnectAttempts int
}

// Supervisor owns one admitted client connection end to end.
type Supervisor struct {
	sessionID string
	conn      *websocket.Conn
	poolConn  *pool.Conn
	pooled    *pool.Pool
	deps      Dependencies
	log       logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	sttClient *stt.Client
	ttsClient *tts.Client
	llmClient *llm.Client
	orch      *turn.Orchestrator

	voiceID string

	bargeDetector *bargein.Detector
	registry      *registry.Registry
}

// SetRegistry attaches a session registry for lifecycle bookkeeping. Optional;
// a Supervisor with no registry attached simply skips registration.
func (s *Supervisor) SetRegistry(r *registry.Registry) {
	s.registry = r
}

// New builds a Supervisor for one already-upgraded client connection.
func New(conn *websocket.Conn, poolConn *pool.Conn, p *pool.Pool, deps Dependencies, log logging.Logger) *Supervisor {
	if log == nil {
		log = logging.NoOp()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		sessionID:     uuid.New().String(),
		conn:          conn,
		poolConn:      poolConn,
		pooled:        p,
		deps:          deps,
		log:           log,
		ctx:           ctx,
		cancel:        cancel,
		bargeDetector: bargein.New(),
	}
}

// Run processes inbound frames until the connection closes. It blocks.
func (s *Supervisor) Run() {
	defer s.teardown()

	if s.registry != nil {
		s.registry.Create(s.sessionID)
	}

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if s.poolConn != nil {
			s.poolConn.Touch()
		}

		switch msgType {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			s.handleBinary(data)
		}
	}
}

func (s *Supervisor) teardown() {
	if s.sttClient != nil {
		s.sttClient.Close()
	}
	if s.orch != nil {
		s.orch.Interrupt()
	}
	s.cancel()
	if s.pooled != nil && s.poolConn != nil {
		s.pooled.Remove(s.poolConn.ID)
	}
	if s.registry != nil {
		s.registry.Delete(s.sessionID)
	}
	_ = s.conn.Close()
}

func (s *Supervisor) handleText(data []byte) {
	var env frame.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError("", agenterrors.KindProtocol.Code(), "malformed envelope", agenterrors.KindProtocol.Recoverable())
		return
	}

	switch env.Type {
	case frame.TypeSessionStart:
		s.handleSessionStart(env)
	case frame.TypeAudioEnd:
		// STT continues until it emits its final or the promotion timer
		// fires; no orchestrator action needed beyond bookkeeping.
	case frame.TypeBargeCancel:
		if s.orch != nil {
			s.orch.Interrupt()
		}
	case frame.TypeTestUtterance:
		s.handleTestUtterance(env)
	default:
		s.sendError(env.TurnID, agenterrors.KindProtocol.Code(), fmt.Sprintf("unknown envelope type %q", env.Type), agenterrors.KindProtocol.Recoverable())
	}
}

func (s *Supervisor) handleBinary(data []byte) {
	var hdr frame.AudioChunkHeader
	payload, err := frame.DecodeHeader(data, &hdr)
	if err != nil {
		s.sendError("", agenterrors.KindProtocol.Code(), "malformed audio frame: "+err.Error(), agenterrors.KindProtocol.Recoverable())
		return
	}
	if hdr.Type != frame.TypeAudioChunk {
		s.sendError(hdr.TurnID, agenterrors.KindProtocol.Code(), fmt.Sprintf("unexpected binary frame type %q", hdr.Type), agenterrors.KindProtocol.Recoverable())
		return
	}
	if s.orch == nil {
		return
	}

	if t := s.orch.CurrentTurn(); t != nil && t.State() == turn.StateSpeaking {
		if s.bargeDetector.Detect(payload) {
			s.orch.Interrupt()
		}
	}

	if t := s.orch.CurrentTurn(); t == nil || t.State().Terminal() {
		s.bargeDetector.Reset()
		s.orch.StartTurn()
	}
	s.orch.SendAudio(payload)
}

func (s *Supervisor) handleSessionStart(env frame.Envelope) {
	if missing := frame.MissingFields(env.Data, "systemPrompt", "endpointing"); len(missing) > 0 {
		s.sendError(env.TurnID, agenterrors.KindProtocol.Code(), fmt.Sprintf("session.start missing required field(s): %v", missing), agenterrors.KindProtocol.Recoverable())
		return
	}

	var data frame.SessionStartData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			s.sendError(env.TurnID, agenterrors.KindProtocol.Code(), "malformed session.start data", agenterrors.KindProtocol.Recoverable())
			return
		}
	}
	if s.sttClient != nil {
		return // idempotent: a second session.start while active is a no-op.
	}

	if env.SessionID != "" {
		s.sessionID = env.SessionID
	}
	s.voiceID = data.VoiceID
	if s.registry != nil {
		s.registry.SetState(s.sessionID, "active")
	}

	s.sttClient = stt.New(s.deps.STTBaseURL, s.deps.STTAPIKey, s.log, s.deps.ReconnectDisabled, s.deps.MaxReconnectAttempts)
	s.ttsClient = tts.New(s.deps.TTSBaseURL, s.deps.TTSAPIKey, s.log, s.deps.MaxReconnectAttempts)
	s.llmClient = llm.New(s.deps.LLMAPIKey, s.deps.LLMBaseURL, s.log)

	cfg := turn.DefaultConfig()
	if data.SystemPrompt != "" {
		cfg.SystemPromptBase = data.SystemPrompt
	}
	cfg.TTSOptions = tts.Options{
		Voice:                    s.voiceID,
		OptimizeStreamingLatency: 2,
		OutputFormat:             "mp3_22050_32",
		Stability:                0.5,
		SimilarityBoost:          0.8,
	}

	s.orch = turn.New(s.ctx, cfg, s.llmClient, s.ttsClient, s.sttClient, s, nil, s.log)

	s.sttClient.Open(s.ctx, stt.Options{
		Encoding:       "linear16",
		SampleRate:     16000,
		Channels:       1,
		Language:       "en",
		Model:          "nova-2",
		Punctuate:      true,
		SmartFormat:    true,
		UtteranceEndMs: int(data.Endpointing.WaitSeconds * 1000),
		EndpointingMs:  int(data.Endpointing.PunctuationSeconds * 1000),
		NoPunctSeconds: data.Endpointing.NoPunctSeconds,
	}, stt.Callbacks{
		OnPartial: s.onSTTPartial,
		OnFinal:   s.onSTTFinal,
		OnError:   s.onSTTError,
	})

	s.orch.StartTurn()
}

func (s *Supervisor) handleTestUtterance(env frame.Envelope) {
	if missing := frame.MissingFields(env.Data, "text"); len(missing) > 0 {
		s.sendError(env.TurnID, agenterrors.KindProtocol.Code(), fmt.Sprintf("test.utterance missing required field(s): %v", missing), agenterrors.KindProtocol.Recoverable())
		return
	}

	var data frame.TestUtteranceData
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &data)
	}
	if s.orch == nil {
		return
	}
	if t := s.orch.CurrentTurn(); t == nil || t.State().Terminal() {
		s.orch.StartTurn()
	}
	s.onSTTFinal(data.Text, 0, 0)
}

func (s *Supervisor) onSTTPartial(text string) {
	if s.orch != nil {
		s.orch.OnSttPartial(text)
	}
	s.sendJSON(frame.TypeSTTPartial, s.currentTurnID(), frame.STTPartialData{Text: text})
}

func (s *Supervisor) onSTTFinal(text string, startTs, endTs int64) {
	if s.orch != nil {
		s.orch.OnSttFinal(text)
		s.orch.RecordUserTurn(text)
	}
	if s.registry != nil {
		s.registry.IncrementTurnCount(s.sessionID)
	}
	s.sendJSON(frame.TypeSTTFinal, s.currentTurnID(), frame.STTFinalData{Text: text, StartTs: startTs, EndTs: endTs})
}

func (s *Supervisor) onSTTError(err error, fatal bool) {
	kind := agenterrors.KindUpstreamTransient
	if fatal {
		kind = agenterrors.KindUpstreamFatal
	}
	if ae, ok := err.(*agenterrors.Error); ok {
		kind = ae.Kind
	}
	s.sendError(s.currentTurnID(), kind.Code(), err.Error(), kind.Recoverable())
}

func (s *Supervisor) currentTurnID() string {
	if s.orch == nil {
		return ""
	}
	if t := s.orch.CurrentTurn(); t != nil {
		return t.ID
	}
	return ""
}

// --- turn.Emitter implementation ---

func (s *Supervisor) EmitLLMPartial(turnID, text string) {
	s.sendJSON(frame.TypeLLMPartial, turnID, frame.LLMPartialData{Text: text})
}

func (s *Supervisor) EmitLLMFinal(turnID, text string) {
	s.sendJSON(frame.TypeLLMFinal, turnID, frame.LLMFinalData{Text: text})
}

func (s *Supervisor) EmitTTSChunk(turnID string, seq uint32, data []byte) {
	header := frame.TTSChunkHeader{
		Type:      frame.TypeTTSChunk,
		Ts:        time.Now().UnixMilli(),
		SessionID: s.sessionID,
		TurnID:    turnID,
		Seq:       seq,
		Mime:      "audio/mpeg",
	}
	encoded, err := frame.Encode(header, data)
	if err != nil {
		s.log.Error("session: encode tts.chunk", logging.Err(err))
		return
	}
	s.writeBinary(encoded)
}

func (s *Supervisor) EmitTTSEnd(turnID string, reason tts.EndReason) {
	s.sendJSON(frame.TypeTTSEnd, turnID, frame.TTSEndData{Reason: string(reason)})
}

func (s *Supervisor) EmitMetrics(turnID string, m turn.Metrics) {
	sttMs := m.SttLatency.Milliseconds()
	llmMs := m.LLMFirstTokenLatency.Milliseconds()
	ttsMs := m.TTSFirstChunkLatency.Milliseconds()
	e2eMs := m.TotalLatency.Milliseconds()
	alive := true
	s.sendJSON(frame.TypeMetricsUpdate, turnID, frame.MetricsUpdateData{
		SttMs:           &sttMs,
		LlmFirstTokenMs: &llmMs,
		TtsFirstAudioMs: &ttsMs,
		E2eMs:           &e2eMs,
		Alive:           &alive,
	})
}

func (s *Supervisor) EmitError(turnID, code, message string, recoverable bool) {
	s.sendError(turnID, code, message, recoverable)
}

func (s *Supervisor) sendError(turnID, code, message string, recoverable bool) {
	s.sendJSON(frame.TypeError, turnID, frame.ErrorData{Code: code, Message: message, Recoverable: recoverable})
}

func (s *Supervisor) sendJSON(envType, turnID string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.log.Error("session: marshal outbound data", logging.Err(err))
		return
	}
	env := frame.Envelope{
		Type:      envType,
		Ts:        time.Now().UnixMilli(),
		SessionID: s.sessionID,
		TurnID:    turnID,
		Data:      payload,
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		s.log.Error("session: marshal outbound envelope", logging.Err(err))
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.TextMessage, encoded)
}

func (s *Supervisor) writeBinary(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.BinaryMessage, data)
}
