// Package bot wires every ZapIA component together and owns the process
// lifecycle: start-up order, periodic jobs, graceful shutdown and the fatal
// exit path.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mathazel/ZapIA/pkg/zapia/backup"
	"github.com/mathazel/ZapIA/pkg/zapia/channels"
	"github.com/mathazel/ZapIA/pkg/zapia/channels/whatsapp"
	"github.com/mathazel/ZapIA/pkg/zapia/config"
	"github.com/mathazel/ZapIA/pkg/zapia/conversation"
	"github.com/mathazel/ZapIA/pkg/zapia/health"
	"github.com/mathazel/ZapIA/pkg/zapia/llm"
	"github.com/mathazel/ZapIA/pkg/zapia/pipeline"
	"github.com/mathazel/ZapIA/pkg/zapia/scheduler"
	"github.com/mathazel/ZapIA/pkg/zapia/supervisor"
)

// Job names.
const (
	JobHistoryCleanup   = "history-cleanup"
	JobHistoryBackup    = "history-backup"
	JobHistorySummarize = "history-summarize"
	JobHealthCheck      = "health-check"
	JobMemoryCheck      = "memory-check"
)

// fatalShutdownTimeout bounds the flush before a fatal exit.
const fatalShutdownTimeout = 10 * time.Second

// Options replace the production collaborators. Zero values use the real
// ones.
type Options struct {
	// Transport defaults to the WhatsApp transport.
	Transport channels.Transport

	// Completer defaults to the OpenAI client.
	Completer pipeline.Completer

	// Exit defaults to os.Exit.
	Exit func(code int)
}

// Bot is the running application.
type Bot struct {
	cfg    *config.Config
	logger *slog.Logger
	exit   func(int)

	backups    *backup.Manager
	store      *conversation.Store
	transport  channels.Transport
	supervisor *supervisor.Supervisor
	pipeline   *pipeline.Pipeline
	watchdog   *health.Watchdog
	scheduler  *scheduler.Scheduler

	stopOnce  sync.Once
	stopErr   error
	fatalOnce sync.Once
}

// connectFunc adapts a function to health.Recoverer.
type connectFunc func(ctx context.Context) error

func (f connectFunc) Connect(ctx context.Context) error { return f(ctx) }

// New builds every component from cfg. Nothing is started.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}

	b := &Bot{
		cfg:    cfg,
		logger: logger.With("component", "bot"),
		exit:   opts.Exit,
	}

	backups, err := backup.New(cfg.Backup, logger)
	if err != nil {
		return nil, fmt.Errorf("creating backup manager: %w", err)
	}
	b.backups = backups
	b.store = conversation.New(cfg.Conversation, backups, logger)

	completer := opts.Completer
	if completer == nil {
		completer = llm.New(cfg.LLM, logger)
	}

	b.transport = opts.Transport
	if b.transport == nil {
		b.transport = whatsapp.New(cfg.WhatsApp, logger)
	}

	b.watchdog = health.New(cfg.Health, connectFunc(func(ctx context.Context) error {
		return b.supervisor.Connect(ctx)
	}), b.fatal, logger)

	b.supervisor = supervisor.New(cfg.Supervisor, b.transport, supervisor.Deps{
		OnMessage: func(msg *channels.IncomingMessage) {
			b.pipeline.HandleInbound(msg)
		},
		OnCredentials: b.credentialsUpdated,
		Heartbeat:     b.watchdog,
		Fatal:         b.fatal,
	}, logger)

	b.pipeline, err = pipeline.New(cfg.PipelineConfig(), pipeline.Deps{
		Store:     b.store,
		Completer: completer,
		Sender:    b.supervisor,
		Heartbeat: b.watchdog,
		Prompt:    cfg.SystemPrompt,
	}, logger)
	if err != nil {
		_ = backups.Close()
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	b.scheduler = scheduler.New(cfg.Scheduler.JobTimeout, logger)
	if err := b.registerJobs(); err != nil {
		_ = backups.Close()
		return nil, err
	}

	return b, nil
}

// registerJobs adds the periodic maintenance jobs. A job with an empty
// schedule is disabled.
func (b *Bot) registerJobs() error {
	file := b.cfg.Conversation.File
	jobs := []scheduler.Job{
		{
			Name:     JobHistoryCleanup,
			Schedule: b.cfg.Conversation.CleanupSchedule,
			Run: func(ctx context.Context) error {
				_, err := b.store.CleanupOldHistories(ctx, b.cfg.Conversation.MaxAge)
				return err
			},
		},
		{
			Name:     JobHistoryBackup,
			Schedule: b.cfg.Backup.Schedule,
			Run: func(ctx context.Context) error {
				_, err := b.backups.CreateBackup(ctx, file, false)
				return err
			},
		},
		{
			Name:     JobHistorySummarize,
			Schedule: b.cfg.Conversation.SummarizeSchedule,
			Run: func(ctx context.Context) error {
				_, err := b.store.SummarizeFull(ctx)
				return err
			},
		},
		{
			Name:     JobHealthCheck,
			Schedule: b.cfg.Health.HealthSchedule,
			Run: func(ctx context.Context) error {
				b.watchdog.CheckHealth(ctx)
				return nil
			},
		},
		{
			Name:     JobMemoryCheck,
			Schedule: b.cfg.Health.MemorySchedule,
			Run: func(context.Context) error {
				b.watchdog.CheckMemory()
				return nil
			},
		},
	}

	for _, job := range jobs {
		if job.Schedule == "" {
			b.logger.Info("job disabled", "name", job.Name)
			continue
		}
		if err := b.scheduler.Add(job); err != nil {
			return fmt.Errorf("registering job %s: %w", job.Name, err)
		}
	}
	return nil
}

// Start loads history, starts the pipeline, connects the transport and
// starts the periodic jobs. It blocks until the first session is opened or
// a permanent error occurs.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.store.LoadHistory(ctx); err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	if _, err := b.backups.CreateBackup(ctx, b.cfg.Conversation.File, false); err != nil {
		b.logger.Warn("startup backup failed", "error", err)
	}

	b.pipeline.Start(ctx)

	if err := b.supervisor.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	b.scheduler.Start()

	b.logger.Info("bot started",
		"name", b.cfg.Bot.Name,
		"conversations", len(b.store.Conversations()),
		"model", b.cfg.LLM.Model)
	return nil
}

// Stop shuts everything down in reverse order: stop intake and drain the
// queue, close the session, stop jobs, flush history and write a snapshot.
// Safe to call more than once.
func (b *Bot) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		var errs []error

		// Drain while the session can still deliver replies.
		if err := b.pipeline.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining pipeline: %w", err))
		}
		if err := b.supervisor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing session: %w", err))
		}
		b.scheduler.Stop()

		flushCtx := context.WithoutCancel(ctx)
		if err := b.store.Close(flushCtx); err != nil {
			errs = append(errs, fmt.Errorf("flushing history: %w", err))
		}
		if _, err := b.backups.Snapshot(flushCtx, b.cfg.Conversation.File); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				b.logger.Debug("no history file, skipping snapshot")
			} else {
				errs = append(errs, fmt.Errorf("writing snapshot: %w", err))
			}
		}
		if err := b.backups.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing backup manager: %w", err))
		}
		if c, ok := b.transport.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing transport: %w", err))
			}
		}

		b.stopErr = errors.Join(errs...)
		if b.stopErr != nil {
			b.logger.Error("shutdown finished with errors", "error", b.stopErr)
		} else {
			b.logger.Info("bot stopped")
		}
	})
	return b.stopErr
}

// credentialsUpdated runs after the transport persisted new device
// credentials in its session database. A pairing counts as activity, and
// history is flushed so it lines up with the newly linked device.
func (b *Bot) credentialsUpdated() {
	b.watchdog.Beat()
	b.logger.Info("whatsapp credentials updated", "session_db", b.cfg.WhatsApp.SessionDB)

	ctx, cancel := context.WithTimeout(context.Background(), b.store.Config().LockTimeout)
	defer cancel()
	if err := b.store.SaveHistory(ctx, true); err != nil {
		b.logger.Warn("history flush after credentials update failed", "error", err)
	}
}

// fatal flushes state and exits. It runs once and never blocks the caller,
// which may be a scheduled job that Stop waits for.
func (b *Bot) fatal(code int, reason string) {
	b.fatalOnce.Do(func() {
		b.logger.Error("fatal condition, shutting down", "reason", reason, "exit_code", code)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), fatalShutdownTimeout)
			defer cancel()
			_ = b.Stop(ctx)
			b.exit(code)
		}()
	})
}

// Store returns the conversation store.
func (b *Bot) Store() *conversation.Store { return b.store }

// Backups returns the backup manager.
func (b *Bot) Backups() *backup.Manager { return b.backups }

// Status is a snapshot of the running components.
type Status struct {
	Connection    supervisor.State      `json:"connection"`
	Attempts      int                   `json:"reconnect_attempts"`
	Health        health.Status         `json:"health"`
	Pipeline      pipeline.Stats        `json:"pipeline"`
	Conversations int                   `json:"conversations"`
	Jobs          []scheduler.JobStatus `json:"jobs"`
}

// Status returns a snapshot of the running components.
func (b *Bot) Status() Status {
	return Status{
		Connection:    b.supervisor.State(),
		Attempts:      b.supervisor.Attempts(),
		Health:        b.watchdog.Status(),
		Pipeline:      b.pipeline.Stats(),
		Conversations: len(b.store.Conversations()),
		Jobs:          b.scheduler.List(),
	}
}
