// Package supervisor keeps the transport session alive. It owns the
// reconnect state machine: transient disconnects are retried with capped
// exponential backoff, terminal ones (session replaced, logged out, too many
// attempts) hand control to a fatal handler.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mathazel/ZapIA/pkg/zapia/channels"
)

// State is the supervisor connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"

	// StateFailed is terminal.
	StateFailed State = "failed"
)

// ExitCode is passed to the fatal handler.
const ExitCode = 1

// errFailed is returned by Connect once the supervisor reached StateFailed.
var errFailed = fmt.Errorf("%w: supervisor failed", channels.ErrPermanent)

// Config holds reconnect configuration.
type Config struct {
	// MaxReconnectAttempts is the number of consecutive reconnects allowed
	// before giving up.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// ReconnectBase is the delay before the first reconnect. It doubles on
	// every consecutive attempt.
	ReconnectBase time.Duration `yaml:"reconnect_base"`

	// ReconnectMax caps the reconnect delay.
	ReconnectMax time.Duration `yaml:"reconnect_max"`

	// ConnectRetryDelay is the fixed delay between failed Connect calls.
	ConnectRetryDelay time.Duration `yaml:"connect_retry_delay"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 10,
		ReconnectBase:        3 * time.Second,
		ReconnectMax:         30 * time.Second,
		ConnectRetryDelay:    5 * time.Second,
	}
}

// FatalFunc is called once when the supervisor gives up.
type FatalFunc func(code int, reason string)

// Heartbeat is told when a session opens.
type Heartbeat interface {
	Beat()
}

// Deps are the hooks of a Supervisor. All are optional.
type Deps struct {
	// OnMessage receives inbound messages of the live session.
	OnMessage func(*channels.IncomingMessage)

	// OnCredentials is called after the transport persisted new credentials.
	OnCredentials func()

	Heartbeat Heartbeat
	Fatal     FatalFunc
}

// Supervisor manages one transport session at a time.
type Supervisor struct {
	cfg       Config
	transport channels.Transport
	deps      Deps
	logger    *slog.Logger

	// ctx scopes reconnects; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	state            State
	session          channels.Session
	generation       uint64
	attempts         int
	reconnectPending bool
	timer            *time.Timer
	closed           bool

	fatalOnce sync.Once
}

// New creates a Supervisor for transport.
func New(cfg Config, transport channels.Transport, deps Deps, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaults.ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaults.ReconnectMax
	}
	if cfg.ConnectRetryDelay <= 0 {
		cfg.ConnectRetryDelay = defaults.ConnectRetryDelay
	}
	if deps.Fatal == nil {
		deps.Fatal = func(int, string) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:       cfg,
		transport: transport,
		deps:      deps,
		logger:    logger.With("component", "supervisor"),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateDisconnected,
	}
}

// Connect tears down any live session and opens a new one. Transient
// failures are retried every ConnectRetryDelay; only permanent errors and
// context cancellation are returned.
func (s *Supervisor) Connect(ctx context.Context) error {
	for {
		err := s.connectOnce(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, channels.ErrPermanent) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("connect failed, retrying",
			"retry_in", s.cfg.ConnectRetryDelay,
			"error", err)

		select {
		case <-time.After(s.cfg.ConnectRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connectOnce performs a single open.
func (s *Supervisor) connectOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: supervisor closed", channels.ErrPermanent)
	}
	if s.state == StateFailed {
		s.mu.Unlock()
		return errFailed
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.reconnectPending = false
	old := s.session
	s.session = nil
	s.generation++
	gen := s.generation
	if s.state != StateReconnecting {
		s.state = StateConnecting
	}
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn("failed to close previous session", "error", err)
		}
	}

	s.logger.Info("opening session", "generation", gen)
	sess, err := s.transport.Open(ctx, s.handlers(gen))
	if err != nil {
		s.mu.Lock()
		if gen == s.generation && s.state == StateConnecting {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		return fmt.Errorf("opening session: %w", err)
	}

	s.mu.Lock()
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		_ = sess.Close()
		return nil
	}
	s.session = sess
	s.mu.Unlock()
	return nil
}

// handlers binds the transport callbacks to one session generation.
func (s *Supervisor) handlers(gen uint64) channels.Handlers {
	return channels.Handlers{
		OnConnection: func(evt channels.ConnectionEvent) {
			s.handleConnection(gen, evt)
		},
		OnCredentials: func() {
			if !s.current(gen) {
				return
			}
			s.logger.Info("credentials updated")
			if s.deps.OnCredentials != nil {
				s.deps.OnCredentials()
			}
		},
		OnMessage: func(msg *channels.IncomingMessage) {
			if !s.current(gen) || s.deps.OnMessage == nil {
				return
			}
			s.deps.OnMessage(msg)
		},
	}
}

// current reports whether gen is the live session generation.
func (s *Supervisor) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation && !s.closed
}

// handleConnection drives the state machine.
func (s *Supervisor) handleConnection(gen uint64, evt channels.ConnectionEvent) {
	s.mu.Lock()
	if gen != s.generation || s.closed || s.state == StateFailed {
		s.mu.Unlock()
		s.logger.Debug("ignoring event from superseded session",
			"generation", gen,
			"state", evt.State,
			"reason", evt.Reason)
		return
	}

	if evt.State == channels.StateOpen {
		s.attempts = 0
		s.state = StateConnected
		s.mu.Unlock()
		s.logger.Info("connection open")
		if s.deps.Heartbeat != nil {
			s.deps.Heartbeat.Beat()
		}
		return
	}

	if evt.Terminal() {
		s.state = StateFailed
		s.mu.Unlock()
		s.fail(fmt.Sprintf("connection closed: %s", evt.Reason))
		return
	}

	if s.reconnectPending {
		s.mu.Unlock()
		s.logger.Debug("reconnect already scheduled", "reason", evt.Reason)
		return
	}

	if s.attempts >= s.cfg.MaxReconnectAttempts {
		attempts := s.attempts
		s.state = StateFailed
		s.mu.Unlock()
		s.fail(fmt.Sprintf("max reconnect attempts reached (%d)", attempts))
		return
	}

	s.attempts++
	attempt := s.attempts
	delay := s.Backoff(attempt)
	s.reconnectPending = true
	s.state = StateReconnecting
	s.timer = time.AfterFunc(delay, func() { s.reconnect(gen) })
	s.mu.Unlock()

	s.logger.Warn("connection closed, scheduling reconnect",
		"reason", evt.Reason,
		"attempt", attempt,
		"max_attempts", s.cfg.MaxReconnectAttempts,
		"backoff", delay)
}

// reconnect runs from the reconnect timer scheduled for session gen. A
// failed open counts as another closed event. A timer that fires after a
// newer session was opened does nothing.
func (s *Supervisor) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("dropping reconnect for superseded session", "generation", gen)
		return
	}
	s.reconnectPending = false
	s.timer = nil
	if s.closed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := s.connectOnce(s.ctx)
	if err == nil {
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	if errors.Is(err, channels.ErrPermanent) {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		s.fail(err.Error())
		return
	}

	s.logger.Warn("reconnect attempt failed", "error", err)

	s.mu.Lock()
	gen = s.generation
	s.mu.Unlock()
	s.handleConnection(gen, channels.ConnectionEvent{
		State:     channels.StateClosed,
		Reason:    channels.ReasonConnectFailure,
		Timestamp: time.Now(),
	})
}

// fail invokes the fatal handler once, off the caller's goroutine.
func (s *Supervisor) fail(reason string) {
	s.fatalOnce.Do(func() {
		s.logger.Error("connection failed permanently", "reason", reason)
		go s.deps.Fatal(ExitCode, reason)
	})
}

// Backoff returns the delay before reconnect attempt n (1-based):
// ReconnectBase doubled n-1 times, capped at ReconnectMax.
func (s *Supervisor) Backoff(attempt int) time.Duration {
	d := s.cfg.ReconnectBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.ReconnectMax {
			return s.cfg.ReconnectMax
		}
	}
	return min(d, s.cfg.ReconnectMax)
}

// Send routes a message to the live session.
func (s *Supervisor) Send(ctx context.Context, to, text string) (string, error) {
	s.mu.Lock()
	sess := s.session
	state := s.state
	s.mu.Unlock()

	if sess == nil || state != StateConnected {
		return "", channels.ErrChannelDisconnected
	}
	return sess.Send(ctx, to, text)
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the number of consecutive reconnect attempts.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Healthy reports whether a session is open.
func (s *Supervisor) Healthy() bool {
	return s.State() == StateConnected
}

// Close stops reconnecting and closes the live session.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	sess := s.session
	s.session = nil
	if s.state != StateFailed {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	s.cancel()
	if sess != nil {
		return sess.Close()
	}
	return nil
}
