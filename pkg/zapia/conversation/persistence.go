package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mathazel/ZapIA/pkg/zapia/fsutil"
)

// SaveHistory persists the store. Unless force is set, it skips when nothing
// changed and defers the write until SaveInterval has elapsed since the last
// save. A failed write is retried after RetrySaveInterval.
func (s *Store) SaveHistory(ctx context.Context, force bool) error {
	s.mu.RLock()
	dirty := s.dirty
	since := s.now().Sub(s.lastSave)
	s.mu.RUnlock()

	if !force {
		if !dirty {
			return nil
		}
		if since < s.cfg.SaveInterval {
			s.scheduleSave(s.cfg.SaveInterval - since)
			return nil
		}
	}
	s.stopSaveTimer()

	release, err := s.locks.Lock(ctx, lockSave)
	if err != nil {
		s.logger.Warn("skipping save, lock unavailable", "error", err)
		s.scheduleRetry()
		return fmt.Errorf("saving history: %w", err)
	}
	defer release()

	s.mu.RLock()
	gen := s.generation
	data, err := json.MarshalIndent(s.history, "", "  ")
	count := len(s.history)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	if err := fsutil.WriteFileAtomic(s.cfg.File, data, 0o600); err != nil {
		s.logger.Error("failed to save history, will retry",
			"path", s.cfg.File,
			"retry_in", s.cfg.RetrySaveInterval,
			"error", err)
		s.scheduleRetry()
		return fmt.Errorf("saving history: %w", err)
	}

	s.mu.Lock()
	s.lastSave = s.now()
	if s.generation == gen {
		s.dirty = false
	}
	s.mu.Unlock()

	s.logger.Debug("history saved", "path", s.cfg.File, "conversations", count)
	return nil
}

// LoadHistory reads the history file into memory. A missing file starts an
// empty store and creates the file. A corrupt file is moved aside and the
// rolling backup is tried; if that fails too, the store starts empty.
// LoadHistory never fails on bad file content.
func (s *Store) LoadHistory(ctx context.Context) error {
	history, err := s.readFile()
	switch {
	case err == nil:
		s.logger.Info("history loaded", "path", s.cfg.File, "conversations", len(history))

	case errors.Is(err, os.ErrNotExist):
		s.logger.Info("history file not found, starting empty", "path", s.cfg.File)
		s.replace(make(map[string][]Message))
		if err := s.SaveHistory(ctx, true); err != nil {
			s.logger.Warn("could not create history file", "error", err)
		}
		return nil

	default:
		s.logger.Error("history file unreadable, trying backup", "path", s.cfg.File, "error", err)
		s.quarantine()
		history = s.recoverFromBackup(ctx)
	}

	s.replace(history)
	return nil
}

// Close stops pending timers and flushes unsaved changes.
func (s *Store) Close(ctx context.Context) error {
	s.timerMu.Lock()
	s.closed = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.timerMu.Unlock()

	s.mu.RLock()
	dirty := s.dirty
	s.mu.RUnlock()
	if !dirty {
		return nil
	}
	return s.SaveHistory(ctx, true)
}

// readFile decodes the history file, trimming logs to the configured limit.
func (s *Store) readFile() (map[string][]Message, error) {
	data, err := os.ReadFile(s.cfg.File)
	if err != nil {
		return nil, err
	}

	history := make(map[string][]Message)
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.cfg.File, err)
	}

	for id, log := range history {
		if len(log) == 0 {
			delete(history, id)
			continue
		}
		if over := len(log) - s.cfg.MaxHistoryMessages; over > 0 {
			history[id] = log[over:]
		}
	}
	return history, nil
}

// recoverFromBackup restores the rolling backup over the live file and
// reads it. Any failure yields an empty map.
func (s *Store) recoverFromBackup(ctx context.Context) map[string][]Message {
	empty := make(map[string][]Message)
	if s.restorer == nil {
		s.logger.Warn("no backup manager configured, starting empty")
		return empty
	}

	ok, err := s.restorer.RestoreFromBackup(ctx, s.cfg.File)
	if err != nil || !ok {
		s.logger.Warn("backup restore failed, starting empty", "restored", ok, "error", err)
		return empty
	}

	history, err := s.readFile()
	if err != nil {
		s.logger.Error("backup is unreadable too, starting empty", "error", err)
		return empty
	}
	s.logger.Info("history recovered from backup", "conversations", len(history))
	return history
}

// quarantine moves a corrupt history file aside so it is not overwritten
// before someone can inspect it.
func (s *Store) quarantine() {
	dst := fmt.Sprintf("%s.corrupt-%d", s.cfg.File, s.now().Unix())
	if err := os.Rename(s.cfg.File, dst); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("could not move corrupt history aside", "error", err)
		}
		return
	}
	s.logger.Warn("corrupt history moved aside", "path", dst)
}

// replace swaps the whole in-memory state for a freshly loaded one.
func (s *Store) replace(history map[string][]Message) {
	s.mu.Lock()
	s.history = history
	s.dirty = false
	s.lastSave = s.now()
	s.mu.Unlock()
}

// requestSave triggers a debounced save. Errors are already logged and
// retried by SaveHistory.
func (s *Store) requestSave(ctx context.Context) {
	_ = s.SaveHistory(ctx, false)
}

// scheduleSave arms the deferred save timer unless one is pending.
func (s *Store) scheduleSave(after time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.closed || s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(after, func() {
		s.timerMu.Lock()
		s.saveTimer = nil
		closed := s.closed
		s.timerMu.Unlock()
		if !closed {
			_ = s.SaveHistory(context.Background(), false)
		}
	})
}

// scheduleRetry arms the forced retry timer unless one is pending.
func (s *Store) scheduleRetry() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.closed || s.retryTimer != nil {
		return
	}
	s.retryTimer = time.AfterFunc(s.cfg.RetrySaveInterval, func() {
		s.timerMu.Lock()
		s.retryTimer = nil
		closed := s.closed
		s.timerMu.Unlock()
		if !closed {
			_ = s.SaveHistory(context.Background(), true)
		}
	})
}

// stopSaveTimer cancels a pending deferred save.
func (s *Store) stopSaveTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
}
