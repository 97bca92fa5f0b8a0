package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mathazel/ZapIA/pkg/zapia/channels"
	"github.com/mathazel/ZapIA/pkg/zapia/conversation"
	"github.com/mathazel/ZapIA/pkg/zapia/llm"
)

const (
	userJID  = "5511999999999@s.whatsapp.net"
	groupJID = "120363025246125888@g.us"
	botJID   = "5511888888888@s.whatsapp.net"
)

type sentMessage struct {
	to   string
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) Send(_ context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentMessage{to: to, text: text})
	return fmt.Sprintf("out-%d", len(f.sent)), nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls [][]llm.Message
	fn    func([]llm.Message) (string, error)
}

func (f *fakeCompleter) Complete(_ context.Context, messages []llm.Message, _ int) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(messages)
	}
	return "eco: " + messages[len(messages)-1].Content, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type countingBeat struct {
	mu sync.Mutex
	n  int
}

func (b *countingBeat) Beat() {
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
}

type harness struct {
	p         *Pipeline
	store     *conversation.Store
	sender    *fakeSender
	completer *fakeCompleter
	beat      *countingBeat
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	storeCfg := conversation.DefaultConfig()
	storeCfg.File = filepath.Join(t.TempDir(), "history.json")
	storeCfg.SaveInterval = 10 * time.Millisecond
	store := conversation.New(storeCfg, nil, testLogger())
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	cfg := DefaultConfig()
	cfg.BotName = "ZapIA"
	cfg.BotNumber = "+5511888888888"
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		store:     store,
		sender:    &fakeSender{},
		completer: &fakeCompleter{},
		beat:      &countingBeat{},
	}
	p, err := New(cfg, Deps{
		Store:     store,
		Completer: h.completer,
		Sender:    h.sender,
		Heartbeat: h.beat,
		Prompt: func(isGroup bool) string {
			if isGroup {
				return "persona de grupo"
			}
			return "persona"
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.p = p
	return h
}

// drain starts the worker, if needed, and waits for the queue to empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	h.p.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.p.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func direct(id, text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:      id,
		From:    userJID,
		ChatID:  userJID,
		Type:    channels.MessageText,
		Content: text,
	}
}

func inGroup(id, text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:      id,
		From:    userJID,
		ChatID:  groupJID,
		IsGroup: true,
		Type:    channels.MessageText,
		Content: text,
	}
}

func TestNew(t *testing.T) {
	store := conversation.New(conversation.DefaultConfig(), nil, testLogger())
	deps := Deps{Store: store, Completer: &fakeCompleter{}, Sender: &fakeSender{}}

	t.Run("requires collaborators", func(t *testing.T) {
		if _, err := New(Config{BotName: "ZapIA"}, Deps{}, nil); err == nil {
			t.Error("expected error for missing deps")
		}
	})

	t.Run("requires bot name", func(t *testing.T) {
		if _, err := New(Config{}, deps, nil); err == nil {
			t.Error("expected error for empty bot name")
		}
	})

	t.Run("rejects unknown overflow policy", func(t *testing.T) {
		if _, err := New(Config{BotName: "ZapIA", OverflowPolicy: "block"}, deps, nil); err == nil {
			t.Error("expected error for unknown policy")
		}
	})

	t.Run("applies defaults", func(t *testing.T) {
		p, err := New(Config{BotName: "ZapIA"}, deps, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.cfg.QueueCapacity != 1000 || p.cfg.OverflowPolicy != OverflowReject {
			t.Errorf("unexpected defaults %+v", p.cfg)
		}
		if p.cfg.TaskTimeout != 3*time.Minute || p.cfg.MaxResponseTokens != 400 {
			t.Errorf("unexpected defaults %+v", p.cfg)
		}
		if p.seen.Cap() != 1000 || p.sent.Cap() != 1000 {
			t.Errorf("expected dedup caches of 1000, got %d/%d", p.seen.Cap(), p.sent.Cap())
		}
	})
}

func TestDirectMessage(t *testing.T) {
	h := newHarness(t, nil)

	h.p.HandleInbound(direct("m1", "  oi, tudo bem?  "))
	h.drain(t)

	sent := h.sender.messages()
	if len(sent) != 1 || sent[0].to != userJID || sent[0].text != "eco: oi, tudo bem?" {
		t.Fatalf("unexpected sends %+v", sent)
	}

	call := h.completer.calls[0]
	if len(call) != 2 || call[0].Role != llm.RoleSystem || call[0].Content != "persona" {
		t.Errorf("expected persona then user turn, got %+v", call)
	}
	if call[1].Role != llm.RoleUser || call[1].Content != "oi, tudo bem?" {
		t.Errorf("unexpected user turn %+v", call[1])
	}

	msgs, err := h.store.Messages(userJID)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != conversation.RoleUser || msgs[1].Content != "eco: oi, tudo bem?" {
		t.Errorf("unexpected stored log %+v", msgs)
	}

	stats := h.p.Stats()
	if stats.Processed != 1 || stats.Failed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if h.beat.n != 1 {
		t.Errorf("expected one heartbeat, got %d", h.beat.n)
	}
}

func TestCommands(t *testing.T) {
	t.Run("clear", func(t *testing.T) {
		h := newHarness(t, nil)
		if _, err := h.store.AddMessage(context.Background(), userJID, conversation.RoleUser, "antigo"); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}

		h.p.HandleInbound(direct("m1", "/limpar"))
		h.drain(t)

		if h.completer.callCount() != 0 {
			t.Error("expected no completion for a command")
		}
		if h.store.Len(userJID) != 0 {
			t.Errorf("expected cleared history, got %d messages", h.store.Len(userJID))
		}
		sent := h.sender.messages()
		if len(sent) != 1 || sent[0].text != ClearReply {
			t.Errorf("expected clear confirmation, got %+v", sent)
		}
	})

	t.Run("help", func(t *testing.T) {
		h := newHarness(t, nil)
		h.p.HandleInbound(direct("m1", "/ajuda"))
		h.drain(t)

		sent := h.sender.messages()
		if len(sent) != 1 || sent[0].text != HelpReply {
			t.Errorf("expected help text, got %+v", sent)
		}
		if h.store.Len(userJID) != 0 {
			t.Error("expected help not to be recorded")
		}
	})

	t.Run("matching is exact", func(t *testing.T) {
		h := newHarness(t, nil)
		h.p.HandleInbound(direct("m1", "/LIMPAR"))
		h.p.HandleInbound(direct("m2", "/ajuda agora"))
		h.drain(t)

		if h.completer.callCount() != 2 {
			t.Errorf("expected both messages to reach the provider, got %d", h.completer.callCount())
		}
	})
}

func TestGroupAdmission(t *testing.T) {
	t.Run("ignored without mention", func(t *testing.T) {
		h := newHarness(t, nil)
		h.p.HandleInbound(inGroup("g1", "alguém viu o jogo?"))
		h.p.HandleInbound(inGroup("g2", "zapiazinho não conta"))
		h.drain(t)

		if len(h.sender.messages()) != 0 || h.completer.callCount() != 0 {
			t.Error("expected group messages without mention to be ignored")
		}
		if h.store.Len(groupJID) != 0 {
			t.Error("expected nothing recorded")
		}
	})

	t.Run("mention is answered with sender prefix", func(t *testing.T) {
		h := newHarness(t, nil)
		h.p.HandleInbound(inGroup("g1", "zapia, qual a capital da França?"))
		h.drain(t)

		if h.completer.callCount() != 1 {
			t.Fatalf("expected one completion, got %d", h.completer.callCount())
		}
		call := h.completer.calls[0]
		if call[0].Content != "persona de grupo" {
			t.Errorf("expected group persona, got %q", call[0].Content)
		}
		want := "[5511999999999]: zapia, qual a capital da França?"
		if call[1].Content != want {
			t.Errorf("expected %q, got %q", want, call[1].Content)
		}
		sent := h.sender.messages()
		if len(sent) != 1 || sent[0].to != groupJID {
			t.Errorf("expected reply to the group, got %+v", sent)
		}
	})

	t.Run("reply to a bot message", func(t *testing.T) {
		h := newHarness(t, nil)
		h.p.HandleInbound(inGroup("g1", "ZapIA me ajuda"))
		reply := inGroup("g2", "e depois?")
		reply.ReplyTo = "out-1"
		h.p.HandleInbound(reply)
		h.drain(t)

		if h.completer.callCount() != 2 {
			t.Errorf("expected the reply to be admitted, got %d completions", h.completer.callCount())
		}
	})

	t.Run("quote of the bot number", func(t *testing.T) {
		h := newHarness(t, nil)
		quoted := inGroup("g1", "e depois?")
		quoted.ReplyTo = "unknown-id"
		quoted.QuotedParticipant = "5511888888888:12@s.whatsapp.net"
		h.p.HandleInbound(quoted)

		other := inGroup("g2", "e agora?")
		other.QuotedParticipant = "5511777777777@s.whatsapp.net"
		h.p.HandleInbound(other)
		h.drain(t)

		if h.completer.callCount() != 1 {
			t.Errorf("expected only the quote of the bot to be admitted, got %d", h.completer.callCount())
		}
	})

	t.Run("commands still need admission", func(t *testing.T) {
		h := newHarness(t, nil)
		h.p.HandleInbound(inGroup("g1", "/ajuda"))
		h.drain(t)
		if len(h.sender.messages()) != 0 {
			t.Error("expected unaddressed group command to be ignored")
		}
	})
}

func TestMentionPattern(t *testing.T) {
	re := mentionPattern("Zé")
	tests := []struct {
		text string
		want bool
	}{
		{"oi zé!", true},
		{"ZÉ", true},
		{"fala, Zé, tudo?", true},
		{"zébra", false},
		{"jozé", false},
	}
	for _, tt := range tests {
		if got := re.MatchString(tt.text); got != tt.want {
			t.Errorf("mention in %q: expected %v, got %v", tt.text, tt.want, got)
		}
	}
}

func TestPhoneOf(t *testing.T) {
	tests := map[string]string{
		"5511888888888@s.whatsapp.net":    "5511888888888",
		"5511888888888:12@s.whatsapp.net": "5511888888888",
		"+5511888888888":                  "5511888888888",
	}
	for in, want := range tests {
		if got := phoneOf(in); got != want {
			t.Errorf("phoneOf(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestDeduplication(t *testing.T) {
	h := newHarness(t, nil)

	h.p.HandleInbound(direct("m1", "oi"))
	h.p.HandleInbound(direct("m1", "oi"))

	fromMe := direct("m2", "eu mesmo")
	fromMe.IsFromMe = true
	h.p.HandleInbound(fromMe)

	h.p.HandleInbound(&channels.IncomingMessage{ID: "m3", From: userJID, ChatID: userJID, Type: channels.MessageOther})
	h.drain(t)

	if h.completer.callCount() != 1 {
		t.Errorf("expected one completion, got %d", h.completer.callCount())
	}
	if stats := h.p.Stats(); stats.Skipped != 3 {
		t.Errorf("expected 3 skipped, got %+v", stats)
	}
}

func TestEchoOfSentMessageIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.p.HandleInbound(direct("m1", "oi"))
	h.p.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for len(h.sender.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.p.HandleInbound(direct("out-1", "eco: oi"))
	h.drain(t)

	if h.completer.callCount() != 1 {
		t.Errorf("expected the echo of a sent message to be ignored, got %d completions", h.completer.callCount())
	}
}

func TestProviderFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.completer.fn = func([]llm.Message) (string, error) {
		return "", fmt.Errorf("%w after 5 attempts: boom", llm.ErrExhausted)
	}

	h.p.HandleInbound(direct("m1", "oi"))
	h.drain(t)

	sent := h.sender.messages()
	if len(sent) != 1 || sent[0].text != ApologyReply {
		t.Fatalf("expected exactly one apology, got %+v", sent)
	}
	if h.store.Len(userJID) != 0 {
		t.Errorf("expected failed turn to be retracted, got %d messages", h.store.Len(userJID))
	}
	if stats := h.p.Stats(); stats.Failed != 1 || stats.Processed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPanicBecomesApology(t *testing.T) {
	h := newHarness(t, nil)
	h.completer.fn = func([]llm.Message) (string, error) { panic("kaboom") }

	h.p.HandleInbound(direct("m1", "oi"))
	h.p.HandleInbound(direct("m2", "ainda aí?"))
	h.drain(t)

	sent := h.sender.messages()
	if len(sent) != 2 || sent[0].text != ApologyReply || sent[1].text != ApologyReply {
		t.Errorf("expected the worker to survive and apologize twice, got %+v", sent)
	}
}

func TestSendFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.err = channels.ErrChannelDisconnected

	h.p.HandleInbound(direct("m1", "oi"))
	h.drain(t)

	if stats := h.p.Stats(); stats.Failed != 1 {
		t.Errorf("expected a failed task, got %+v", stats)
	}
	if h.store.Len(userJID) != 0 {
		t.Errorf("expected the undelivered exchange to be retracted, got %d messages", h.store.Len(userJID))
	}
}

// readySender reports readiness like the connection supervisor does.
type readySender struct {
	fakeSender
	mu    sync.Mutex
	ready bool
}

func (r *readySender) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *readySender) setReady(v bool) {
	r.mu.Lock()
	r.ready = v
	r.mu.Unlock()
}

func TestDrainWithChannelDown(t *testing.T) {
	h := newHarness(t, nil)
	sender := &readySender{ready: true}
	h.p.deps.Sender = sender

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h.completer.fn = func(msgs []llm.Message) (string, error) {
		started <- struct{}{}
		<-release
		return "resposta", nil
	}

	h.p.Start(context.Background())
	h.p.HandleInbound(direct("m1", "oi"))
	<-started
	h.p.HandleInbound(&channels.IncomingMessage{
		ID: "m2", From: "5511777777777@s.whatsapp.net", ChatID: "5511777777777@s.whatsapp.net",
		Type: channels.MessageText, Content: "ola",
	})

	closed := make(chan error, 1)
	go func() { closed <- h.p.Close(context.Background()) }()
	waitUntil(t, "close to begin", h.p.draining)

	sender.setReady(false)
	sender.fakeSender.mu.Lock()
	sender.err = channels.ErrChannelDisconnected
	sender.fakeSender.mu.Unlock()
	close(release)

	if err := <-closed; err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if n := h.completer.callCount(); n != 1 {
		t.Errorf("expected no provider call once the channel is down, got %d", n)
	}
	if n := h.store.Len(userJID); n != 0 {
		t.Errorf("expected undelivered exchange to be retracted, got %d messages", n)
	}
	if n := h.store.Len("5511777777777@s.whatsapp.net"); n != 0 {
		t.Errorf("expected queued message to be dropped, got %d messages", n)
	}
	if stats := h.p.Stats(); stats.Dropped != 1 {
		t.Errorf("expected one dropped task, got %+v", stats)
	}
}

func TestTaskTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.TaskTimeout = 20 * time.Millisecond })

	block := make(chan struct{})
	defer close(block)
	h.completer.fn = func([]llm.Message) (string, error) {
		select {
		case <-block:
		case <-time.After(200 * time.Millisecond):
		}
		return "", context.DeadlineExceeded
	}

	h.p.HandleInbound(direct("m1", "oi"))
	h.drain(t)

	sent := h.sender.messages()
	if len(sent) != 1 || sent[0].text != ApologyReply {
		t.Errorf("expected apology after timeout, got %+v", sent)
	}
}

func TestOverflow(t *testing.T) {
	t.Run("reject keeps the oldest", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.QueueCapacity = 2 })
		for _, id := range []string{"a", "b", "c"} {
			h.p.HandleInbound(direct(id, "msg "+id))
		}
		if stats := h.p.Stats(); stats.Queued != 2 || stats.Dropped != 1 {
			t.Fatalf("unexpected stats %+v", stats)
		}
		h.drain(t)

		got := replies(h.sender.messages())
		if got != "eco: msg a|eco: msg b" {
			t.Errorf("unexpected replies %q", got)
		}
	})

	t.Run("drop oldest keeps the newest", func(t *testing.T) {
		h := newHarness(t, func(c *Config) {
			c.QueueCapacity = 2
			c.OverflowPolicy = OverflowDropOldest
		})
		for _, id := range []string{"a", "b", "c"} {
			h.p.HandleInbound(direct(id, "msg "+id))
		}
		if stats := h.p.Stats(); stats.Queued != 2 || stats.Dropped != 1 {
			t.Fatalf("unexpected stats %+v", stats)
		}
		h.drain(t)

		got := replies(h.sender.messages())
		if got != "eco: msg b|eco: msg c" {
			t.Errorf("unexpected replies %q", got)
		}
	})
}

func replies(sent []sentMessage) string {
	texts := make([]string, len(sent))
	for i, s := range sent {
		texts[i] = s.text
	}
	return strings.Join(texts, "|")
}

func TestClose(t *testing.T) {
	t.Run("drops messages after close", func(t *testing.T) {
		h := newHarness(t, nil)
		h.drain(t)
		h.p.HandleInbound(direct("m1", "oi"))
		if stats := h.p.Stats(); stats.Dropped != 1 {
			t.Errorf("expected message after close to be dropped, got %+v", stats)
		}
		if err := h.p.Close(context.Background()); err != nil {
			t.Errorf("expected second close to be a no-op, got %v", err)
		}
	})

	t.Run("deadline cancels in-flight task", func(t *testing.T) {
		h := newHarness(t, nil)
		started := make(chan struct{})
		h.completer.fn = func(msgs []llm.Message) (string, error) {
			close(started)
			time.Sleep(100 * time.Millisecond)
			return "", errors.New("cancelled")
		}
		h.p.HandleInbound(direct("m1", "oi"))
		h.p.Start(context.Background())
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if err := h.p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}
