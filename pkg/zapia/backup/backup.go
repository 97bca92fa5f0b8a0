// Package backup keeps recovery copies of the history file: a rolling
// "<file>.bak" refreshed at most once per interval, and compressed
// point-in-time snapshots written on shutdown.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"

	"github.com/mathazel/ZapIA/pkg/zapia/fsutil"
	"github.com/mathazel/ZapIA/pkg/zapia/keylock"
)

const (
	// BackupSuffix is appended to a file's path to name its rolling backup.
	BackupSuffix = ".bak"

	snapshotExt    = ".json.zst"
	snapshotLayout = "20060102-150405.000"
)

// Config holds backup configuration.
type Config struct {
	// Interval is the minimum time between two unforced backups of a file.
	Interval time.Duration `yaml:"interval"`

	// Schedule is the cron schedule of the periodic backup job.
	Schedule string `yaml:"schedule"`

	// SnapshotDir receives the compressed shutdown snapshots.
	SnapshotDir string `yaml:"snapshot_dir"`

	// KeepSnapshots is how many snapshots per file survive pruning.
	// Zero keeps them all.
	KeepSnapshots int `yaml:"keep_snapshots"`

	// LockTimeout bounds the per-file lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Hour,
		Schedule:      "@every 1h",
		SnapshotDir:   "./data/backups",
		KeepSnapshots: 20,
		LockTimeout:   5 * time.Second,
	}
}

// Snapshot describes one compressed snapshot on disk.
type Snapshot struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Manager creates and restores backups. Safe for concurrent use.
type Manager struct {
	cfg    Config
	locks  *keylock.Map
	logger *slog.Logger
	now    func() time.Time

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu       sync.Mutex
	registry map[string]time.Time
}

// New creates a Manager.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = defaults.SnapshotDir
	}
	if cfg.KeepSnapshots < 0 {
		cfg.KeepSnapshots = 0
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaults.LockTimeout
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Manager{
		cfg:      cfg,
		locks:    keylock.New(cfg.LockTimeout),
		logger:   logger.With("component", "backup"),
		now:      time.Now,
		enc:      enc,
		dec:      dec,
		registry: make(map[string]time.Time),
	}, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Close releases the codec resources.
func (m *Manager) Close() error {
	m.dec.Close()
	return m.enc.Close()
}

// CreateBackup copies path over path+".bak". Unless force is set, a file
// backed up less than Interval ago is skipped. A missing source is not an
// error. Reports whether a backup was written.
func (m *Manager) CreateBackup(ctx context.Context, path string, force bool) (bool, error) {
	now := m.now()
	if !force {
		m.mu.Lock()
		last, ok := m.registry[path]
		m.mu.Unlock()
		if ok && now.Sub(last) < m.cfg.Interval {
			return false, nil
		}
	}

	release, err := m.locks.Lock(ctx, path)
	if err != nil {
		return false, fmt.Errorf("backing up %s: %w", path, err)
	}
	defer release()

	if err := fsutil.CopyFileAtomic(path, path+BackupSuffix, 0o600); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("nothing to back up", "path", path)
			return false, nil
		}
		m.logger.Error("backup failed", "path", path, "error", err)
		return false, fmt.Errorf("backing up %s: %w", path, err)
	}

	m.mu.Lock()
	m.registry[path] = now
	m.mu.Unlock()

	m.logger.Info("backup created", "path", path+BackupSuffix)
	return true, nil
}

// LastBackup returns when path was last backed up by this manager.
func (m *Manager) LastBackup(path string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.registry[path]
	return t, ok
}

// RestoreFromBackup copies path+".bak" over path. Reports false when no
// backup exists. A backup that is not valid JSON is rejected and the live
// file is left untouched.
func (m *Manager) RestoreFromBackup(ctx context.Context, path string) (bool, error) {
	release, err := m.locks.Lock(ctx, path)
	if err != nil {
		return false, fmt.Errorf("restoring %s: %w", path, err)
	}
	defer release()

	data, err := os.ReadFile(path + BackupSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("no backup to restore", "path", path)
			return false, nil
		}
		return false, fmt.Errorf("restoring %s: %w", path, err)
	}
	if !json.Valid(data) {
		return false, fmt.Errorf("restoring %s: backup %s does not contain valid JSON", path, path+BackupSuffix)
	}

	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return false, fmt.Errorf("restoring %s: %w", path, err)
	}

	m.logger.Info("restored from backup", "path", path)
	return true, nil
}

// Snapshot writes a zstd-compressed copy of path into SnapshotDir, named
// after the file and the current time, then prunes old snapshots. Never
// touches the rolling backup.
func (m *Manager) Snapshot(ctx context.Context, path string) (string, error) {
	release, err := m.locks.Lock(ctx, path)
	if err != nil {
		return "", fmt.Errorf("snapshotting %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		release()
		return "", fmt.Errorf("snapshotting %s: %w", path, err)
	}

	compressed := m.enc.EncodeAll(data, nil)
	dst, err := m.writeSnapshot(path, compressed)
	release()
	if err != nil {
		return "", fmt.Errorf("snapshotting %s: %w", path, err)
	}

	m.logger.Info("snapshot written",
		"path", dst,
		"size", humanize.Bytes(uint64(len(data))),
		"compressed", humanize.Bytes(uint64(len(compressed))))

	if m.cfg.KeepSnapshots > 0 {
		if _, err := m.PruneSnapshots(path, m.cfg.KeepSnapshots); err != nil {
			m.logger.Warn("snapshot pruning failed", "error", err)
		}
	}
	return dst, nil
}

// writeSnapshot picks a file name not yet taken and writes data to it.
func (m *Manager) writeSnapshot(path string, data []byte) (string, error) {
	if err := os.MkdirAll(m.cfg.SnapshotDir, 0o700); err != nil {
		return "", err
	}

	base := snapshotBase(path)
	t := m.now()
	for {
		dst := filepath.Join(m.cfg.SnapshotDir, base+"-"+t.Format(snapshotLayout)+snapshotExt)
		f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			t = t.Add(time.Millisecond)
			continue
		}
		if err != nil {
			return "", err
		}
		f.Close()
		return dst, fsutil.WriteFileAtomic(dst, data, 0o600)
	}
}

// RestoreSnapshot decompresses a snapshot over path. The content must be
// valid JSON.
func (m *Manager) RestoreSnapshot(ctx context.Context, snapshot, path string) error {
	compressed, err := os.ReadFile(snapshot)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	data, err := m.dec.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("decompressing snapshot: %w", err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("snapshot %s does not contain valid JSON", snapshot)
	}

	release, err := m.locks.Lock(ctx, path)
	if err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}
	defer release()

	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}
	m.logger.Info("restored from snapshot", "snapshot", snapshot, "path", path)
	return nil
}

// ListSnapshots returns the snapshots of path, oldest first.
func (m *Manager) ListSnapshots(path string) ([]Snapshot, error) {
	pattern := filepath.Join(m.cfg.SnapshotDir, snapshotBase(path)+"-*"+snapshotExt)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	out := make([]Snapshot, 0, len(matches))
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		out = append(out, Snapshot{Path: p, Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

// PruneSnapshots deletes all but the newest keep snapshots of path and
// returns how many were removed.
func (m *Manager) PruneSnapshots(path string, keep int) (int, error) {
	snaps, err := m.ListSnapshots(path)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	excess := len(snaps) - keep
	if excess <= 0 {
		return 0, nil
	}

	var errs []error
	removed := 0
	for _, s := range snaps[:excess] {
		if err := os.Remove(s.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Debug("old snapshots pruned", "count", removed)
	}
	return removed, errors.Join(errs...)
}

// snapshotBase strips directory and extension: "data/history.json" → "history".
func snapshotBase(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
