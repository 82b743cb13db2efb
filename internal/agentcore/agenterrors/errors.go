// Package agenterrors defines the error-kind taxonomy from the error
// handling design: each upstream/orchestrator failure is classified so
// callers can decide whether to reconnect, surface to the client, or
// tear down the session.
package agenterrors

import "errors"

// Kind classifies an error for the purposes of propagation policy.
type Kind int

const (
	// KindProtocol: malformed frame, unknown envelope, schema violation.
	// Response: emit an error envelope; keep the connection.
	KindProtocol Kind = iota
	// KindUpstreamTransient: STT/TTS socket close before completion, DNS
	// hiccup. Response: reconnect with capped backoff + jitter.
	KindUpstreamTransient
	// KindUpstreamFatal: authentication rejection, quota, provider error
	// payload. Response: surface as error(recoverable=false), end the turn.
	KindUpstreamFatal
	// KindOverload: pool full or rate limit exceeded. Response: refuse
	// the handshake.
	KindOverload
	// KindTimeout: upstream connect or idle timeout. Treated like
	// UpstreamTransient, or removes an idle client from the pool.
	KindTimeout
	// KindInterrupted: expected control-flow outcome of barge.cancel; not
	// a failure. Surfaced as tts.end(reason=barge).
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindUpstreamTransient:
		return "upstream_transient"
	case KindUpstreamFatal:
		return "upstream_fatal"
	case KindOverload:
		return "overload"
	case KindTimeout:
		return "timeout"
	case KindInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Code returns the wire-level code used in frame.ErrorData.code for an
// error envelope of this kind.
func (k Kind) Code() string {
	switch k {
	case KindProtocol:
		return "protocol_error"
	case KindUpstreamTransient:
		return "upstream_transient"
	case KindUpstreamFatal:
		return "upstream_fatal"
	case KindOverload:
		return "overload"
	case KindTimeout:
		return "timeout"
	case KindInterrupted:
		return "interrupted"
	default:
		return "unknown_error"
	}
}

// Recoverable reports the default propagation policy for this kind: every
// kind keeps the connection usable and may be retried except
// KindUpstreamFatal, which spec §7 requires surfacing as
// error(recoverable=false) and ending the turn.
func (k Kind) Recoverable() bool {
	return k != KindUpstreamFatal
}

// Error wraps an underlying cause with a Kind so it can be routed without
// string-matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is supports errors.Is against a bare Kind-tagged sentinel created with New
// and a nil Err, so callers can write errors.Is(err, agenterrors.New(KindTimeout, "", nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for conditions that don't need an upstream cause attached.
var (
	ErrSessionAlreadyStarted = errors.New("agentcore: session already started")
	ErrNoActiveTurn          = errors.New("agentcore: no active turn")
	ErrPoolFull              = errors.New("agentcore: connection pool full")
	ErrRateLimited           = errors.New("agentcore: admission rate limit exceeded")
)
