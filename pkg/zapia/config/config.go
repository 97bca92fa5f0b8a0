// Package config holds the ZapIA configuration: the YAML file layout, its
// defaults, environment overrides and validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mathazel/ZapIA/pkg/zapia/backup"
	"github.com/mathazel/ZapIA/pkg/zapia/channels/whatsapp"
	"github.com/mathazel/ZapIA/pkg/zapia/conversation"
	"github.com/mathazel/ZapIA/pkg/zapia/health"
	"github.com/mathazel/ZapIA/pkg/zapia/llm"
	"github.com/mathazel/ZapIA/pkg/zapia/pipeline"
	"github.com/mathazel/ZapIA/pkg/zapia/scheduler"
	"github.com/mathazel/ZapIA/pkg/zapia/supervisor"
)

// Config is the top-level configuration.
type Config struct {
	// Bot identifies the persona.
	Bot BotConfig `yaml:"bot"`

	// Conversation configures history storage.
	Conversation conversation.Config `yaml:"conversation"`

	// Backup configures rolling backups and shutdown snapshots.
	Backup backup.Config `yaml:"backup"`

	// LLM configures the completion provider.
	LLM llm.Config `yaml:"llm"`

	// WhatsApp configures the transport.
	WhatsApp whatsapp.Config `yaml:"whatsapp"`

	// Pipeline configures message ingestion.
	Pipeline pipeline.Config `yaml:"pipeline"`

	// Supervisor configures reconnects.
	Supervisor supervisor.Config `yaml:"supervisor"`

	// Health configures the liveness watchdog.
	Health health.Config `yaml:"health"`

	// Scheduler configures periodic jobs.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Logging configures the root logger.
	Logging LoggingConfig `yaml:"logging"`
}

// BotConfig identifies the persona.
type BotConfig struct {
	// Name is how the persona calls itself. Group messages must mention it.
	Name string `yaml:"name"`

	// Number is the bot's own phone number (digits, country code first).
	Number string `yaml:"number"`

	// Persona overrides the built-in system prompt. "{{name}}" is replaced
	// with Name.
	Persona string `yaml:"persona"`
}

// SchedulerConfig configures periodic jobs.
type SchedulerConfig struct {
	// JobTimeout bounds every job run.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Conversation: conversation.DefaultConfig(),
		Backup:       backup.DefaultConfig(),
		LLM:          llm.DefaultConfig(),
		WhatsApp:     whatsapp.DefaultConfig(),
		Pipeline:     pipeline.DefaultConfig(),
		Supervisor:   supervisor.DefaultConfig(),
		Health:       health.DefaultConfig(),
		Scheduler:    SchedulerConfig{JobTimeout: scheduler.DefaultJobTimeout},
		Logging:      LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate checks required fields and limits. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Bot.Name) == "" {
		add("bot.name is required (BOT_NAME)")
	}
	if strings.TrimSpace(c.Bot.Number) == "" {
		add("bot.number is required (BOT_NUMBER)")
	} else if digits := onlyDigits(c.Bot.Number); len(digits) < 8 {
		add("bot.number %q does not look like a phone number", c.Bot.Number)
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		add("llm.api_key is required (OPENAI_API_KEY or zapia config set-key)")
	}
	if c.LLM.Model == "" {
		add("llm.model is required")
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"conversation.max_history_messages", int64(c.Conversation.MaxHistoryMessages)},
		{"conversation.save_interval", int64(c.Conversation.SaveInterval)},
		{"conversation.retry_save_interval", int64(c.Conversation.RetrySaveInterval)},
		{"conversation.max_age", int64(c.Conversation.MaxAge)},
		{"conversation.lock_timeout", int64(c.Conversation.LockTimeout)},
		{"backup.interval", int64(c.Backup.Interval)},
		{"llm.max_response_tokens", int64(c.LLM.MaxResponseTokens)},
		{"llm.max_attempts", int64(c.LLM.MaxAttempts)},
		{"pipeline.max_stored_bot_message_ids", int64(c.Pipeline.MaxStoredBotMessageIDs)},
		{"pipeline.queue_capacity", int64(c.Pipeline.QueueCapacity)},
		{"pipeline.task_timeout", int64(c.Pipeline.TaskTimeout)},
		{"supervisor.max_reconnect_attempts", int64(c.Supervisor.MaxReconnectAttempts)},
		{"supervisor.reconnect_base", int64(c.Supervisor.ReconnectBase)},
		{"supervisor.reconnect_max", int64(c.Supervisor.ReconnectMax)},
		{"health.max_inactivity", int64(c.Health.MaxInactivity)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			add("%s must be positive", p.name)
		}
	}

	if c.Supervisor.ReconnectMax < c.Supervisor.ReconnectBase {
		add("supervisor.reconnect_max must not be below reconnect_base")
	}
	if !c.Pipeline.OverflowPolicy.Valid() {
		add("pipeline.overflow_policy must be %q or %q", pipeline.OverflowReject, pipeline.OverflowDropOldest)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level must be debug, info, warn or error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}

	return errors.Join(errs...)
}

// PipelineConfig returns the pipeline configuration with the bot identity
// and the response token cap filled in.
func (c *Config) PipelineConfig() pipeline.Config {
	p := c.Pipeline
	p.BotName = c.Bot.Name
	p.BotNumber = c.Bot.Number
	p.MaxResponseTokens = c.LLM.MaxResponseTokens
	return p
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
