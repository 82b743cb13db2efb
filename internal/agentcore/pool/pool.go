// Package pool implements the client-facing connection pool: an admission
// cap, rolling-window rate limiting, heartbeat liveness checks, and
// graceful shutdown.
package pool

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/voxrelay/agentcore/internal/agentcore/logging"
)

const (
	writeWait = 10 * time.Second

	admissionRateLimit = 10 // per rolling second, spec §4.6 / §8 property 8
	admissionWindow    = time.Second
	admissionTimestampRetention = 5 * time.Minute

	connsPerSecWindow = 60 * time.Second
)

// Config bounds the pool's behavior; zero values fall back to the spec's
// defaults.
type Config struct {
	MaxConnections          int
	HeartbeatInterval       time.Duration
	ConnectionTimeout       time.Duration
	ResourceCleanupInterval time.Duration
}

func (c Config) normalized() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 60 * time.Second
	}
	if c.ResourceCleanupInterval <= 0 {
		c.ResourceCleanupInterval = 60 * time.Second
	}
	return c
}

// Metrics exposes the pool's operational counters.
type Metrics struct {
	TotalConnections      int64
	ActiveConnections     int
	MaxConcurrentObserved int
	FailedConnections     int64
	ConnectionsPerSecond  float64
	AvgConnectionDuration time.Duration
}

// Conn is a single pooled client connection.
type Conn struct {
	ID             string
	Socket         *websocket.Conn
	SessionID      string
	CreatedAt      time.Time
	LastActivityAt time.Time
	IsAlive        bool

	pool *Pool
	mu   sync.Mutex
}

// Touch records client activity, resetting the idle timer.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.LastActivityAt = time.Now()
	c.mu.Unlock()
}

func (c *Conn) lastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastActivityAt
}

func (c *Conn) markAlive(alive bool) {
	c.mu.Lock()
	c.IsAlive = alive
	c.mu.Unlock()
}

func (c *Conn) isAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.IsAlive
}

// Pool bounds and supervises the set of admitted client connections. It is
// the only process-wide shared state in the system; all operations on it
// are mutually exclusive.
type Pool struct {
	cfg Config
	log logging.Logger

	limiter *rate.Limiter

	mu          sync.Mutex
	conns       map[string]*Conn
	admissionWindowTimestamps []time.Time

	// connsLastMinute is a separate, coarser timestamp ring (60s retention,
	// pruned alongside admissionWindowTimestamps) used only to derive the
	// connections/sec metric; admissionWindowTimestamps itself is pruned to
	// a 1s cutoff on every Admit and can't serve both purposes.
	connsLastMinute []time.Time

	closedConnCount    int64
	closedConnDuration time.Duration

	metrics Metrics

	closed chan struct{}
	closeOnce sync.Once
}

// New builds a Pool with the given bounds.
func New(cfg Config, log logging.Logger) *Pool {
	if log == nil {
		log = logging.NoOp()
	}
	cfg = cfg.normalized()
	return &Pool{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(admissionRateLimit), admissionRateLimit),
		conns:   make(map[string]*Conn),
		closed:  make(chan struct{}),
	}
}

// Admit attempts to register a new connection. It enforces both the
// maxConnections cap and the rolling admission rate limit, returning
// (nil, false) if either is exceeded — the caller must refuse the handshake
// in that case.
func (p *Pool) Admit(id string, socket *websocket.Conn) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) >= p.cfg.MaxConnections {
		p.metrics.FailedConnections++
		return nil, false
	}
	if !p.withinRollingRateLocked() {
		p.metrics.FailedConnections++
		return nil, false
	}

	now := time.Now()
	c := &Conn{ID: id, Socket: socket, CreatedAt: now, LastActivityAt: now, IsAlive: true, pool: p}
	p.conns[id] = c
	p.metrics.TotalConnections++
	p.metrics.ActiveConnections = len(p.conns)
	if p.metrics.ActiveConnections > p.metrics.MaxConcurrentObserved {
		p.metrics.MaxConcurrentObserved = p.metrics.ActiveConnections
	}
	p.connsLastMinute = append(p.connsLastMinute, now)

	if socket != nil {
		socket.SetPongHandler(func(string) error { return c.OnPong() })
	}

	return c, true
}

// withinRollingRateLocked enforces "at most 10 admissions per rolling
// second" using an explicit timestamp ring (spec §8 property 8's exact
// sliding-window semantics). The ring alone decides admission: a token is
// drawn from limiter on each admission, but its result is not consulted.
func (p *Pool) withinRollingRateLocked() bool {
	now := time.Now()
	cutoff := now.Add(-admissionWindow)

	kept := p.admissionWindowTimestamps[:0]
	for _, ts := range p.admissionWindowTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	p.admissionWindowTimestamps = kept

	if len(p.admissionWindowTimestamps) >= admissionRateLimit {
		return false
	}
	p.admissionWindowTimestamps = append(p.admissionWindowTimestamps, now)
	_ = p.limiter.Allow()
	return true
}

// Remove unregisters a connection, e.g. on disconnect.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[id]; ok {
		delete(p.conns, id)
		p.metrics.ActiveConnections = len(p.conns)
		p.recordClosedLocked(c)
	}
}

func (p *Pool) recordClosedLocked(c *Conn) {
	p.closedConnCount++
	p.closedConnDuration += time.Since(c.CreatedAt)
}

// Metrics returns a snapshot of the pool's counters, including
// connections/sec over the trailing 60s and the average lifetime of
// connections closed so far.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.metrics
	m.ConnectionsPerSecond = p.connectionsPerSecondLocked()
	if p.closedConnCount > 0 {
		m.AvgConnectionDuration = p.closedConnDuration / time.Duration(p.closedConnCount)
	}
	return m
}

func (p *Pool) connectionsPerSecondLocked() float64 {
	cutoff := time.Now().Add(-connsPerSecWindow)
	count := 0
	for _, ts := range p.connsLastMinute {
		if ts.After(cutoff) {
			count++
		}
	}
	return float64(count) / connsPerSecWindow.Seconds()
}

// RunHeartbeat periodically pings every connection and removes any that
// missed their previous pong or have been idle past ConnectionTimeout. It
// blocks until Shutdown is called.
func (p *Pool) RunHeartbeat() {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(p.cfg.ResourceCleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			p.heartbeatTick()
		case <-cleanup.C:
			p.pruneAdmissionWindow()
		}
	}
}

func (p *Pool) heartbeatTick() {
	p.mu.Lock()
	snapshot := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		snapshot = append(snapshot, c)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, c := range snapshot {
		if !c.isAlive() || now.Sub(c.lastActivity()) > p.cfg.ConnectionTimeout {
			p.Remove(c.ID)
			_ = c.Socket.Close()
			continue
		}
		c.markAlive(false)
		_ = c.Socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.Socket.WriteMessage(websocket.PingMessage, nil); err != nil {
			p.Remove(c.ID)
			_ = c.Socket.Close()
		}
	}
}

// OnPong marks a connection alive again; wire this as the socket's pong
// handler.
func (c *Conn) OnPong() error {
	c.markAlive(true)
	c.Touch()
	return nil
}

func (p *Pool) pruneAdmissionWindow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-admissionTimestampRetention)
	kept := p.admissionWindowTimestamps[:0]
	for _, ts := range p.admissionWindowTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	p.admissionWindowTimestamps = kept

	minuteCutoff := time.Now().Add(-connsPerSecWindow)
	keptMinute := p.connsLastMinute[:0]
	for _, ts := range p.connsLastMinute {
		if ts.After(minuteCutoff) {
			keptMinute = append(keptMinute, ts)
		}
	}
	p.connsLastMinute = keptMinute
}

// Shutdown closes every socket with close code 1001 and stops the
// heartbeat loop.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.conns {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = c.Socket.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
		_ = c.Socket.Close()
		delete(p.conns, id)
		p.recordClosedLocked(c)
	}
	p.metrics.ActiveConnections = 0
}

// Upgrader is the shared gorilla/websocket upgrader used to accept
// client-facing connections; CheckOrigin is permissive because
// authentication is an external collaborator (spec §1), not this pool's
// concern.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
