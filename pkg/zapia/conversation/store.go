package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mathazel/ZapIA/pkg/zapia/keylock"
)

// Lock regions, keyed by operation class.
const (
	lockSave    = "save"
	lockModify  = "modify"
	lockRead    = "read"
	lockCleanup = "cleanup"
)

// ErrNotFound is returned when a conversation has no log.
var ErrNotFound = errors.New("conversation not found")

// Config holds conversation store configuration.
type Config struct {
	// File is the JSON history file.
	File string `yaml:"file"`

	// MaxHistoryMessages bounds every conversation log.
	MaxHistoryMessages int `yaml:"max_history_messages"`

	// SaveInterval is the minimum time between two debounced saves.
	SaveInterval time.Duration `yaml:"save_interval"`

	// RetrySaveInterval is the delay before retrying a failed save.
	RetrySaveInterval time.Duration `yaml:"retry_save_interval"`

	// MaxAge drops logs whose last message is older than this.
	MaxAge time.Duration `yaml:"max_age"`

	// CleanupSchedule is the cron schedule of the inactivity sweep.
	CleanupSchedule string `yaml:"cleanup_schedule"`

	// SummarizeSchedule is the cron schedule of the summarization pass.
	// Empty disables it.
	SummarizeSchedule string `yaml:"summarize_schedule"`

	// LockTimeout bounds every lock acquisition.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		File:               "./data/conversationHistory.json",
		MaxHistoryMessages: 10,
		SaveInterval:       5 * time.Second,
		RetrySaveInterval:  10 * time.Second,
		MaxAge:             24 * time.Hour,
		CleanupSchedule:    "@every 24h",
		SummarizeSchedule:  "@every 30m",
		LockTimeout:        5 * time.Second,
	}
}

// Restorer restores a file from its rolling backup.
type Restorer interface {
	RestoreFromBackup(ctx context.Context, path string) (bool, error)
}

// Store owns the in-memory conversation logs and their persistence.
type Store struct {
	cfg        Config
	restorer   Restorer
	summarizer *Summarizer
	locks      *keylock.Map
	logger     *slog.Logger
	now        func() time.Time

	// mu guards history, dirty, generation, lastSave and exchanges.
	mu         sync.RWMutex
	history    map[string][]Message
	exchanges  map[string]int
	dirty      bool
	generation uint64
	lastSave   time.Time

	timerMu    sync.Mutex
	saveTimer  *time.Timer
	retryTimer *time.Timer
	closed     bool
}

// New creates a Store. restorer may be nil, in which case a corrupt history
// file always falls back to an empty state.
func New(cfg Config, restorer Restorer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = defaults.MaxHistoryMessages
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = defaults.SaveInterval
	}
	if cfg.RetrySaveInterval <= 0 {
		cfg.RetrySaveInterval = defaults.RetrySaveInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaults.MaxAge
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaults.LockTimeout
	}
	if cfg.File == "" {
		cfg.File = defaults.File
	}

	return &Store{
		cfg:        cfg,
		restorer:   restorer,
		summarizer: NewSummarizer(),
		locks:      keylock.New(cfg.LockTimeout),
		logger:     logger.With("component", "conversation"),
		now:        time.Now,
		history:    make(map[string][]Message),
		exchanges:  make(map[string]int),
		lastSave:   time.Now(),
	}
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// AddMessage appends a message to the conversation, trimming the log to the
// most recent MaxHistoryMessages entries, and requests a debounced save.
func (s *Store) AddMessage(ctx context.Context, id string, role Role, content string) (Message, error) {
	if id == "" {
		return Message{}, fmt.Errorf("adding message: empty conversation id")
	}
	if !role.Valid() {
		return Message{}, fmt.Errorf("adding message: invalid role %q", role)
	}

	release, err := s.locks.Lock(ctx, lockModify)
	if err != nil {
		s.logger.Warn("skipping add, modify lock unavailable", "conversation", id, "error", err)
		return Message{}, fmt.Errorf("adding message: %w", err)
	}

	msg := NewMessage(role, content, s.now())

	s.mu.Lock()
	log := append(s.history[id], msg)
	if over := len(log) - s.cfg.MaxHistoryMessages; over > 0 {
		log = append([]Message(nil), log[over:]...)
	}
	s.history[id] = log
	s.markDirtyLocked()
	s.mu.Unlock()
	release()

	s.requestSave(ctx)
	return msg, nil
}

// GetConversation returns the {role, content} projection of a log, oldest
// first. An unknown conversation yields an empty slice.
func (s *Store) GetConversation(ctx context.Context, id string) ([]ChatMessage, error) {
	release, err := s.locks.Lock(ctx, lockRead)
	if err != nil {
		return nil, fmt.Errorf("reading conversation: %w", err)
	}
	defer release()

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.history[id]
	out := make([]ChatMessage, len(log))
	for i, m := range log {
		out[i] = ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out, nil
}

// Messages returns a copy of the full log including timestamps.
func (s *Store) Messages(id string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.history[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Message(nil), log...), nil
}

// Len returns the number of messages held for id.
func (s *Store) Len(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history[id])
}

// Conversations returns every conversation id, sorted.
func (s *Store) Conversations() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.history))
	for id := range s.history {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// ClearUserHistory deletes a conversation log and forces a save.
func (s *Store) ClearUserHistory(ctx context.Context, id string) error {
	release, err := s.locks.Lock(ctx, lockModify)
	if err != nil {
		s.logger.Warn("skipping clear, modify lock unavailable", "conversation", id, "error", err)
		return fmt.Errorf("clearing history: %w", err)
	}

	s.mu.Lock()
	delete(s.history, id)
	s.markDirtyLocked()
	s.mu.Unlock()
	release()

	s.logger.Info("history cleared", "conversation", id)
	return s.SaveHistory(ctx, true)
}

// Retract removes msg from the conversation if it is still the last entry.
// Used to drop a user turn whose reply could not be produced.
func (s *Store) Retract(ctx context.Context, id string, msg Message) bool {
	release, err := s.locks.Lock(ctx, lockModify)
	if err != nil {
		s.logger.Warn("skipping retract, modify lock unavailable", "conversation", id, "error", err)
		return false
	}

	s.mu.Lock()
	log := s.history[id]
	n := len(log)
	removed := n > 0 && log[n-1].Role == msg.Role && log[n-1].Content == msg.Content &&
		log[n-1].Timestamp.Equal(msg.Timestamp)
	if removed {
		if n == 1 {
			delete(s.history, id)
		} else {
			s.history[id] = append([]Message(nil), log[:n-1]...)
		}
		s.markDirtyLocked()
	}
	s.mu.Unlock()
	release()

	if removed {
		s.requestSave(ctx)
	}
	return removed
}

// CleanupOldHistories drops every log whose last message is older than
// now-maxAge and forces a save when anything was removed.
func (s *Store) CleanupOldHistories(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.cfg.MaxAge
	}

	release, err := s.locks.LockAll(ctx, lockCleanup, lockModify)
	if err != nil {
		s.logger.Warn("skipping cleanup, lock unavailable", "error", err)
		return 0, fmt.Errorf("cleaning up histories: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0

	s.mu.Lock()
	for id, log := range s.history {
		if len(log) == 0 {
			continue
		}
		if log[len(log)-1].Timestamp.Before(cutoff) {
			delete(s.history, id)
			removed++
		}
	}
	if removed > 0 {
		s.markDirtyLocked()
	}
	s.mu.Unlock()
	release()

	if removed == 0 {
		return 0, nil
	}
	s.logger.Info("old histories removed", "count", removed, "max_age", maxAge)
	return removed, s.SaveHistory(ctx, true)
}

// BeginExchange marks a request/reply round trip on id as in flight until
// the returned func is called. Summarization skips such conversations so a
// failed exchange can still be retracted.
func (s *Store) BeginExchange(id string) func() {
	s.mu.Lock()
	s.exchanges[id]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.exchanges[id]--; s.exchanges[id] <= 0 {
				delete(s.exchanges, id)
			}
			s.mu.Unlock()
		})
	}
}

// inExchange reports whether id has a round trip in flight.
func (s *Store) inExchange(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exchanges[id] > 0
}

// SummaryBudget returns the token budget handed to the Summarizer:
// three quarters of MaxHistoryMessages, rounded down.
func (s *Store) SummaryBudget() int {
	return s.cfg.MaxHistoryMessages * 3 / 4
}

// SummarizeHistory compresses a full log through the Summarizer with
// SummaryBudget tokens and forces a save. Logs below the limit or with an
// exchange in flight are left untouched. A log summarized to nothing is
// removed.
func (s *Store) SummarizeHistory(ctx context.Context, id string) error {
	release, err := s.locks.Lock(ctx, lockModify)
	if err != nil {
		s.logger.Warn("skipping summarize, modify lock unavailable", "conversation", id, "error", err)
		return fmt.Errorf("summarizing history: %w", err)
	}

	s.mu.Lock()
	log := s.history[id]
	if len(log) < s.cfg.MaxHistoryMessages {
		s.mu.Unlock()
		release()
		return nil
	}
	if s.exchanges[id] > 0 {
		s.mu.Unlock()
		release()
		s.logger.Debug("skipping summarize, exchange in flight", "conversation", id)
		return nil
	}

	summarized := s.summarizer.Summarize(log, Budget{MaxTokens: s.SummaryBudget()})
	if len(summarized) == 0 {
		delete(s.history, id)
	} else {
		s.history[id] = summarized
	}
	s.markDirtyLocked()
	s.mu.Unlock()
	release()

	s.logger.Info("history summarized",
		"conversation", id,
		"before", len(log),
		"after", len(summarized))
	return s.SaveHistory(ctx, true)
}

// SummarizeFull runs SummarizeHistory on every log that reached the limit.
func (s *Store) SummarizeFull(ctx context.Context) (int, error) {
	var errs []error
	n := 0
	for _, id := range s.Conversations() {
		if s.Len(id) < s.cfg.MaxHistoryMessages || s.inExchange(id) {
			continue
		}
		if err := s.SummarizeHistory(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// markDirtyLocked records an unsaved change. Callers hold s.mu.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	s.generation++
}
