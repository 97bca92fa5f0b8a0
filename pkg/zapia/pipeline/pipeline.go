// Package pipeline turns inbound transport messages into persona replies.
//
// Every inbound message passes deduplication and is queued. A single worker
// drains the queue in arrival order: it sanitizes the message, applies the
// group admission policy, intercepts chat commands, records the exchange in
// the conversation store and sends the completion back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mathazel/ZapIA/pkg/zapia/channels"
	"github.com/mathazel/ZapIA/pkg/zapia/conversation"
	"github.com/mathazel/ZapIA/pkg/zapia/llm"
	"github.com/mathazel/ZapIA/pkg/zapia/sanitizer"
)

// Chat-level commands and their fixed replies.
const (
	CommandClear = "/limpar"
	CommandHelp  = "/ajuda"

	ClearReply = "Histórico limpo. Nova conversa iniciada."
	HelpReply  = "Comandos:\n/limpar - Limpa histórico\n/ajuda - Exibe esta mensagem de ajuda"

	// ApologyReply is sent once when a message could not be answered.
	ApologyReply = "Desculpe, não consegui processar sua mensagem no momento. Por favor, tente novamente em alguns instantes."
)

// OverflowPolicy decides what happens when the queue is full.
type OverflowPolicy string

const (
	// OverflowReject drops the incoming message.
	OverflowReject OverflowPolicy = "reject"

	// OverflowDropOldest evicts the oldest queued message to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// Valid reports whether p is a known policy.
func (p OverflowPolicy) Valid() bool {
	return p == OverflowReject || p == OverflowDropOldest
}

// Config holds pipeline configuration.
type Config struct {
	// BotName is matched as a whole word to admit group messages.
	BotName string `yaml:"-"`

	// BotNumber is the bot's own phone number; replies quoting it are
	// admitted in groups.
	BotNumber string `yaml:"-"`

	// MaxStoredBotMessageIDs bounds each deduplication cache.
	MaxStoredBotMessageIDs int `yaml:"max_stored_bot_message_ids"`

	// QueueCapacity bounds the number of messages waiting for the worker.
	QueueCapacity int `yaml:"queue_capacity"`

	// OverflowPolicy is "reject" or "drop_oldest".
	OverflowPolicy OverflowPolicy `yaml:"overflow_policy"`

	// TaskTimeout bounds the processing of one message.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// MaxResponseTokens caps each completion.
	MaxResponseTokens int `yaml:"max_response_tokens"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxStoredBotMessageIDs: 1000,
		QueueCapacity:          1000,
		OverflowPolicy:         OverflowReject,
		TaskTimeout:            3 * time.Minute,
		MaxResponseTokens:      400,
	}
}

// Store is the part of the conversation store the pipeline uses.
type Store interface {
	AddMessage(ctx context.Context, id string, role conversation.Role, content string) (conversation.Message, error)
	GetConversation(ctx context.Context, id string) ([]conversation.ChatMessage, error)
	ClearUserHistory(ctx context.Context, id string) error
	Retract(ctx context.Context, id string, msg conversation.Message) bool
	BeginExchange(id string) func()
}

// Completer produces the persona reply.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, maxTokens int) (string, error)
}

// Sender delivers text to a chat and returns the platform message id.
type Sender interface {
	Send(ctx context.Context, to, text string) (string, error)
}

// Heartbeat is told about every inbound event.
type Heartbeat interface {
	Beat()
}

// PromptFunc returns the persona system prompt for a direct or group chat.
type PromptFunc func(isGroup bool) string

// Deps are the collaborators of a Pipeline. Heartbeat may be nil.
type Deps struct {
	Store     Store
	Completer Completer
	Sender    Sender
	Heartbeat Heartbeat
	Prompt    PromptFunc
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Queued    int
	Processed uint64
	Failed    uint64
	Dropped   uint64
	Skipped   uint64
}

// task is one queued inbound message.
type task struct {
	id       string
	msg      *channels.IncomingMessage
	enqueued time.Time
}

// Pipeline is the message ingestion pipeline.
type Pipeline struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	mention *regexp.Regexp

	seen *RingSet
	sent *RingSet

	// mu guards closed and the queue close.
	mu     sync.RWMutex
	queue  chan *task
	closed bool

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	skipped   atomic.Uint64
}

// New creates a Pipeline. Call Start to run the worker.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil || deps.Completer == nil || deps.Sender == nil {
		return nil, errors.New("pipeline: store, completer and sender are required")
	}
	if deps.Prompt == nil {
		deps.Prompt = func(bool) string { return "" }
	}
	if strings.TrimSpace(cfg.BotName) == "" {
		return nil, errors.New("pipeline: bot name is required")
	}

	defaults := DefaultConfig()
	if cfg.MaxStoredBotMessageIDs <= 0 {
		cfg.MaxStoredBotMessageIDs = defaults.MaxStoredBotMessageIDs
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaults.QueueCapacity
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = defaults.OverflowPolicy
	}
	if !cfg.OverflowPolicy.Valid() {
		return nil, fmt.Errorf("pipeline: unknown overflow policy %q", cfg.OverflowPolicy)
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaults.TaskTimeout
	}
	if cfg.MaxResponseTokens <= 0 {
		cfg.MaxResponseTokens = defaults.MaxResponseTokens
	}

	return &Pipeline{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "pipeline"),
		mention: mentionPattern(cfg.BotName),
		seen:    NewRingSet(cfg.MaxStoredBotMessageIDs),
		sent:    NewRingSet(cfg.MaxStoredBotMessageIDs),
		queue:   make(chan *task, cfg.QueueCapacity),
		done:    make(chan struct{}),
	}, nil
}

// mentionPattern matches name as a whole word, case-insensitively. Word
// boundaries are Unicode-aware so accented names work.
func mentionPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(strings.TrimSpace(name)) + `(?:$|[^\p{L}\p{N}_])`)
}

// Start launches the worker. The worker keeps running after ctx ends so
// queued messages can drain; Close stops it.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	go p.worker(base)
	p.logger.Info("pipeline started",
		"queue_capacity", p.cfg.QueueCapacity,
		"overflow_policy", p.cfg.OverflowPolicy)
}

// Close stops accepting messages and waits for the queue to drain. When ctx
// ends first, the message in progress is cancelled and the rest discarded.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	if !p.started.Load() {
		return nil
	}

	select {
	case <-p.done:
		p.cancel()
		p.logger.Info("pipeline stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		p.logger.Warn("pipeline stopped before queue drained")
		return ctx.Err()
	}
}

// HandleInbound is the transport message handler. It never blocks on
// processing: messages are deduplicated and queued.
func (p *Pipeline) HandleInbound(msg *channels.IncomingMessage) {
	if msg == nil {
		return
	}
	if p.deps.Heartbeat != nil {
		p.deps.Heartbeat.Beat()
	}

	if msg.IsFromMe || p.sent.Contains(msg.ID) {
		p.skipped.Add(1)
		return
	}
	if msg.ID != "" && !p.seen.Add(msg.ID) {
		p.logger.Debug("skipping duplicate message", "message_id", msg.ID)
		p.skipped.Add(1)
		return
	}
	if msg.Type == channels.MessageOther || strings.TrimSpace(msg.Content) == "" {
		p.skipped.Add(1)
		return
	}

	t := &task{id: uuid.NewString(), msg: msg, enqueued: time.Now()}
	p.enqueue(t)
}

// enqueue applies the overflow policy when the queue is full.
func (p *Pipeline) enqueue(t *task) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.dropped.Add(1)
		p.logger.Warn("pipeline closed, dropping message", "message_id", t.msg.ID)
		return
	}

	select {
	case p.queue <- t:
		return
	default:
	}

	if p.cfg.OverflowPolicy == OverflowDropOldest {
		select {
		case old := <-p.queue:
			p.dropped.Add(1)
			p.logger.Warn("queue full, dropping oldest message",
				"dropped_task", old.id,
				"dropped_message_id", old.msg.ID)
		default:
		}
		select {
		case p.queue <- t:
			return
		default:
		}
	}

	p.dropped.Add(1)
	p.logger.Warn("queue full, rejecting message",
		"task", t.id,
		"message_id", t.msg.ID,
		"chat", t.msg.ChatID)
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Queued:    len(p.queue),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Skipped:   p.skipped.Load(),
	}
}

// worker drains the queue one message at a time.
func (p *Pipeline) worker(base context.Context) {
	defer close(p.done)
	for t := range p.queue {
		if base.Err() != nil {
			p.dropped.Add(1)
			continue
		}
		if p.draining() && !p.senderReady() {
			p.dropped.Add(1)
			p.logger.Warn("channel down while draining, dropping message",
				"task", t.id,
				"message_id", t.msg.ID)
			continue
		}
		p.run(base, t)
	}
}

// draining reports whether Close was called.
func (p *Pipeline) draining() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// senderReady reports whether the sender can deliver. Senders that do not
// report readiness are assumed ready.
func (p *Pipeline) senderReady() bool {
	if r, ok := p.deps.Sender.(interface{ Healthy() bool }); ok {
		return r.Healthy()
	}
	return true
}

// run processes one task and sends the apology when it fails.
func (p *Pipeline) run(base context.Context, t *task) {
	ctx, cancel := context.WithTimeout(base, p.cfg.TaskTimeout)
	defer cancel()

	logger := p.logger.With("task", t.id, "message_id", t.msg.ID)
	start := time.Now()

	err := p.safeProcess(ctx, t)
	if err == nil {
		p.processed.Add(1)
		logger.Debug("message processed",
			"waited_ms", start.Sub(t.enqueued).Milliseconds(),
			"took_ms", time.Since(start).Milliseconds())
		return
	}

	p.failed.Add(1)
	logger.Error("message processing failed", "chat", t.msg.ChatID, "error", err)

	apologyCtx, cancelApology := context.WithTimeout(base, 30*time.Second)
	defer cancelApology()
	if _, sendErr := p.send(apologyCtx, t.msg.ChatID, ApologyReply); sendErr != nil {
		logger.Error("failed to send apology", "error", sendErr)
	}
}

// safeProcess converts a panic into an error.
func (p *Pipeline) safeProcess(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("message task panicked",
				"task", t.id,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.processMessage(ctx, t.msg)
}

// processMessage runs admission, commands and the completion round trip.
func (p *Pipeline) processMessage(ctx context.Context, msg *channels.IncomingMessage) error {
	convID := sanitizer.SanitizeID(msg.ChatID)
	sender := sanitizer.SanitizeID(msg.From)
	text := sanitizer.SanitizeMessage(msg.Content)
	if convID == "" || sender == "" || text == "" {
		p.logger.Warn("invalid input, dropping message", "message_id", msg.ID)
		return nil
	}

	if msg.IsGroup && !p.admitted(text, msg) {
		return nil
	}

	if handled, err := p.handleCommand(ctx, msg.ChatID, convID, text); handled {
		return err
	}

	userText := text
	if msg.IsGroup {
		userText = fmt.Sprintf("[%s]: %s", sanitizer.UserPart(sender), text)
	}

	end := p.deps.Store.BeginExchange(convID)
	defer end()

	userMsg, err := p.deps.Store.AddMessage(ctx, convID, conversation.RoleUser, userText)
	if err != nil {
		return fmt.Errorf("recording user message: %w", err)
	}

	history, err := p.deps.Store.GetConversation(ctx, convID)
	if err != nil {
		p.retract(ctx, convID, userMsg)
		return fmt.Errorf("reading conversation: %w", err)
	}

	reply, err := p.deps.Completer.Complete(ctx, p.buildPrompt(history, msg.IsGroup), p.cfg.MaxResponseTokens)
	if err != nil {
		p.retract(ctx, convID, userMsg)
		return fmt.Errorf("completing: %w", err)
	}

	replyMsg, err := p.deps.Store.AddMessage(ctx, convID, conversation.RoleAssistant, reply)
	if err != nil {
		p.retract(ctx, convID, userMsg)
		return fmt.Errorf("recording reply: %w", err)
	}

	if _, err := p.send(ctx, msg.ChatID, reply); err != nil {
		// The user never saw the reply: drop the whole exchange.
		if p.retract(ctx, convID, replyMsg) {
			p.retract(ctx, convID, userMsg)
		}
		return fmt.Errorf("sending reply: %w", err)
	}
	return nil
}

// admitted applies the group policy: the bot must be named or the message
// must reply to one of the bot's messages.
func (p *Pipeline) admitted(text string, msg *channels.IncomingMessage) bool {
	if p.mention.MatchString(text) {
		return true
	}
	if msg.ReplyTo != "" && p.sent.Contains(msg.ReplyTo) {
		return true
	}
	if msg.QuotedParticipant != "" && p.cfg.BotNumber != "" &&
		phoneOf(msg.QuotedParticipant) == phoneOf(p.cfg.BotNumber) {
		return true
	}
	return false
}

// handleCommand answers the chat commands. Matching is exact and
// case-sensitive on the whole sanitized body.
func (p *Pipeline) handleCommand(ctx context.Context, chatID, convID, text string) (bool, error) {
	switch text {
	case CommandClear:
		if err := p.deps.Store.ClearUserHistory(ctx, convID); err != nil {
			return true, fmt.Errorf("clearing history: %w", err)
		}
		_, err := p.send(ctx, chatID, ClearReply)
		return true, err
	case CommandHelp:
		_, err := p.send(ctx, chatID, HelpReply)
		return true, err
	}
	return false, nil
}

// buildPrompt prepends the persona to the stored conversation.
func (p *Pipeline) buildPrompt(history []conversation.ChatMessage, isGroup bool) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)
	if sys := p.deps.Prompt(isGroup); sys != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: sys})
	}
	for _, m := range history {
		out = append(out, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	return out
}

// send delivers text and remembers the id so the bot ignores its own echo
// and can recognise replies to it.
func (p *Pipeline) send(ctx context.Context, chatID, text string) (string, error) {
	id, err := p.deps.Sender.Send(ctx, chatID, text)
	if err != nil {
		return "", err
	}
	if id != "" {
		p.sent.Add(id)
	}
	return id, nil
}

// retract drops a turn of an exchange that did not complete. It runs even
// when ctx has expired.
func (p *Pipeline) retract(ctx context.Context, convID string, msg conversation.Message) bool {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if !p.deps.Store.Retract(rctx, convID, msg) {
		p.logger.Warn("could not retract message", "conversation", convID, "role", msg.Role)
		return false
	}
	return true
}

// phoneOf reduces a JID or number to its user part without device suffix.
func phoneOf(jid string) string {
	user := sanitizer.UserPart(jid)
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return strings.TrimPrefix(user, "+")
}
