// Package health implements the liveness watchdog: it forces a reconnect
// when no transport event arrived for too long and keeps an eye on heap
// usage.
package health

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Config holds watchdog configuration.
type Config struct {
	// MaxInactivity is the silence after which the connection is considered
	// dead and a reconnect is forced.
	MaxInactivity time.Duration `yaml:"max_inactivity"`

	// MemoryThresholdMB is the heap size above which a warning is logged.
	MemoryThresholdMB uint64 `yaml:"memory_threshold_mb"`

	// HealthSchedule is the cron schedule of CheckHealth.
	HealthSchedule string `yaml:"health_schedule"`

	// MemorySchedule is the cron schedule of CheckMemory.
	MemorySchedule string `yaml:"memory_schedule"`

	// RecoverTimeout bounds the forced reconnect.
	RecoverTimeout time.Duration `yaml:"recover_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxInactivity:     15 * time.Minute,
		MemoryThresholdMB: 1024,
		HealthSchedule:    "@every 5m",
		MemorySchedule:    "@every 10m",
		RecoverTimeout:    2 * time.Minute,
	}
}

// Recoverer re-establishes the transport session.
type Recoverer interface {
	Connect(ctx context.Context) error
}

// FatalFunc is called when recovery fails.
type FatalFunc func(code int, reason string)

// Status is a snapshot of the watchdog state.
type Status struct {
	Healthy       bool      `json:"healthy"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	MemoryHigh    bool      `json:"memory_high"`
	HeapAlloc     uint64    `json:"heap_alloc"`
	Recoveries    int       `json:"recoveries"`
}

// Watchdog tracks the last transport activity.
type Watchdog struct {
	cfg       Config
	recoverer Recoverer
	fatal     FatalFunc
	logger    *slog.Logger

	now      func() time.Time
	memStats func(*runtime.MemStats)

	mu            sync.Mutex
	lastHeartbeat time.Time
	healthy       bool
	memoryHigh    bool
	heapAlloc     uint64
	recoveries    int
}

// New creates a Watchdog. The heartbeat clock starts now.
func New(cfg Config, recoverer Recoverer, fatal FatalFunc, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.MaxInactivity <= 0 {
		cfg.MaxInactivity = defaults.MaxInactivity
	}
	if cfg.MemoryThresholdMB == 0 {
		cfg.MemoryThresholdMB = defaults.MemoryThresholdMB
	}
	if cfg.RecoverTimeout <= 0 {
		cfg.RecoverTimeout = defaults.RecoverTimeout
	}
	if fatal == nil {
		fatal = func(int, string) {}
	}
	return &Watchdog{
		cfg:           cfg,
		recoverer:     recoverer,
		fatal:         fatal,
		logger:        logger.With("component", "health"),
		now:           time.Now,
		memStats:      runtime.ReadMemStats,
		lastHeartbeat: time.Now(),
		healthy:       true,
	}
}

// Config returns the effective configuration.
func (w *Watchdog) Config() Config { return w.cfg }

// Beat records transport activity.
func (w *Watchdog) Beat() {
	w.mu.Lock()
	w.lastHeartbeat = w.now()
	w.healthy = true
	w.mu.Unlock()
}

// CheckHealth forces a reconnect when the last heartbeat is older than
// MaxInactivity. A failed reconnect is fatal.
func (w *Watchdog) CheckHealth(ctx context.Context) {
	w.mu.Lock()
	silent := w.now().Sub(w.lastHeartbeat)
	if silent <= w.cfg.MaxInactivity {
		w.mu.Unlock()
		return
	}
	w.healthy = false
	w.recoveries++
	w.mu.Unlock()

	w.logger.Warn("no activity, forcing reconnect",
		"silent_for", silent.Round(time.Second),
		"max_inactivity", w.cfg.MaxInactivity)

	if w.recoverer == nil {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, w.cfg.RecoverTimeout)
	defer cancel()
	if err := w.recoverer.Connect(rctx); err != nil {
		w.logger.Error("forced reconnect failed", "error", err)
		w.fatal(1, "health recovery failed: "+err.Error())
		return
	}

	w.logger.Info("forced reconnect succeeded")
	w.Beat()
}

// CheckMemory samples the heap, warns above the threshold and returns
// freed memory to the OS.
func (w *Watchdog) CheckMemory() {
	var m runtime.MemStats
	w.memStats(&m)

	threshold := w.cfg.MemoryThresholdMB * 1024 * 1024
	high := m.HeapAlloc > threshold

	w.mu.Lock()
	w.heapAlloc = m.HeapAlloc
	w.memoryHigh = high
	w.mu.Unlock()

	if high {
		w.logger.Warn("memory usage high",
			"heap_alloc", humanize.IBytes(m.HeapAlloc),
			"threshold", humanize.IBytes(threshold),
			"sys", humanize.IBytes(m.Sys))
	} else {
		w.logger.Debug("memory usage",
			"heap_alloc", humanize.IBytes(m.HeapAlloc),
			"goroutines", runtime.NumGoroutine())
	}

	debug.FreeOSMemory()
}

// Status returns a snapshot of the watchdog state.
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Healthy:       w.healthy,
		LastHeartbeat: w.lastHeartbeat,
		MemoryHigh:    w.memoryHigh,
		HeapAlloc:     w.heapAlloc,
		Recoveries:    w.recoveries,
	}
}
