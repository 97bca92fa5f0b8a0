package bot

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mathazel/ZapIA/pkg/zapia/channels"
	"github.com/mathazel/ZapIA/pkg/zapia/config"
	"github.com/mathazel/ZapIA/pkg/zapia/llm"
)

type fakeSession struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSession) Send(_ context.Context, _, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return "bot-" + text, nil
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// fakeTransport opens sessions that report open immediately.
type fakeTransport struct {
	mu       sync.Mutex
	handlers channels.Handlers
	session  *fakeSession
	closed   bool
}

func (f *fakeTransport) Open(_ context.Context, h channels.Handlers) (channels.Session, error) {
	f.mu.Lock()
	f.handlers = h
	f.session = &fakeSession{}
	s := f.session
	f.mu.Unlock()

	h.OnConnection(channels.ConnectionEvent{State: channels.StateOpen, Timestamp: time.Now()})
	return s, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) current() (channels.Handlers, *fakeSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers, f.session
}

type echoCompleter struct{}

func (echoCompleter) Complete(_ context.Context, msgs []llm.Message, _ int) (string, error) {
	return "resposta", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Bot.Name = "ZapIA"
	cfg.Bot.Number = "5511888888888"
	cfg.LLM.APIKey = "sk-test"
	cfg.Conversation.File = filepath.Join(dir, "history.json")
	cfg.Conversation.SaveInterval = 10 * time.Millisecond
	cfg.Backup.SnapshotDir = filepath.Join(dir, "backups")
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBotLifecycle(t *testing.T) {
	cfg := testConfig(t)
	tr := &fakeTransport{}
	b, err := New(cfg, Options{Transport: tr, Completer: echoCompleter{}, Exit: func(int) {}}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := os.Stat(cfg.Conversation.File); err != nil {
		t.Errorf("expected history file to be created on start: %v", err)
	}

	st := b.Status()
	if st.Connection != "connected" {
		t.Errorf("expected connected, got %s", st.Connection)
	}
	if len(st.Jobs) != 5 {
		t.Errorf("expected 5 jobs, got %d", len(st.Jobs))
	}

	h, sess := tr.current()
	h.OnMessage(&channels.IncomingMessage{
		ID:      "m1",
		From:    "5511999999999@s.whatsapp.net",
		ChatID:  "5511999999999@s.whatsapp.net",
		Type:    channels.MessageText,
		Content: "oi",
	})
	waitFor(t, "reply", func() bool { return len(sess.messages()) == 1 })

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Errorf("expected second Stop to be a no-op, got %v", err)
	}

	if b.Store().Len("5511999999999@s.whatsapp.net") != 2 {
		t.Errorf("expected exchange recorded, got %d", b.Store().Len("5511999999999@s.whatsapp.net"))
	}
	snaps, err := b.Backups().ListSnapshots(cfg.Conversation.File)
	if err != nil || len(snaps) != 1 {
		t.Errorf("expected one shutdown snapshot, got %d (%v)", len(snaps), err)
	}
	if !tr.closed {
		t.Error("expected transport to be closed")
	}
}

func TestDisabledJob(t *testing.T) {
	cfg := testConfig(t)
	cfg.Conversation.SummarizeSchedule = ""

	b, err := New(cfg, Options{Transport: &fakeTransport{}, Completer: echoCompleter{}}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Stop(context.Background())

	for _, j := range b.Status().Jobs {
		if j.Name == JobHistorySummarize {
			t.Error("expected summarize job to be disabled")
		}
	}
}

func TestInvalidSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backup.Schedule = "whenever"

	if _, err := New(cfg, Options{Transport: &fakeTransport{}, Completer: echoCompleter{}}, testLogger()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestFatalExit(t *testing.T) {
	cfg := testConfig(t)
	tr := &fakeTransport{}
	codes := make(chan int, 2)
	b, err := New(cfg, Options{
		Transport: tr,
		Completer: echoCompleter{},
		Exit:      func(code int) { codes <- code },
	}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h, _ := tr.current()
	h.OnConnection(channels.ConnectionEvent{
		State:     channels.StateClosed,
		Reason:    channels.ReasonLoggedOut,
		Timestamp: time.Now(),
	})

	select {
	case code := <-codes:
		if code != 1 {
			t.Errorf("expected exit code 1, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected exit to be called")
	}

	snaps, err := b.Backups().ListSnapshots(cfg.Conversation.File)
	if err != nil || len(snaps) != 1 {
		t.Errorf("expected snapshot written before exit, got %d (%v)", len(snaps), err)
	}
}

// gatedCompleter blocks every call until release is closed.
type gatedCompleter struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func (g *gatedCompleter) Complete(_ context.Context, _ []llm.Message, _ int) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	g.started <- struct{}{}
	<-g.release
	return "resposta", nil
}

func TestStopDeliversQueuedReplies(t *testing.T) {
	cfg := testConfig(t)
	tr := &fakeTransport{}
	gc := &gatedCompleter{started: make(chan struct{}, 4), release: make(chan struct{})}
	b, err := New(cfg, Options{Transport: tr, Completer: gc, Exit: func(int) {}}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h, sess := tr.current()
	h.OnMessage(&channels.IncomingMessage{
		ID: "m1", From: "5511111111111@s.whatsapp.net", ChatID: "5511111111111@s.whatsapp.net",
		Type: channels.MessageText, Content: "oi",
	})
	<-gc.started
	h.OnMessage(&channels.IncomingMessage{
		ID: "m2", From: "5522222222222@s.whatsapp.net", ChatID: "5522222222222@s.whatsapp.net",
		Type: channels.MessageText, Content: "ola",
	})

	stopped := make(chan error, 1)
	go func() { stopped <- b.Stop(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	close(gc.release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	if got := sess.messages(); len(got) != 2 {
		t.Errorf("expected both queued replies delivered before the session closed, got %v", got)
	}
	for _, id := range []string{"5511111111111@s.whatsapp.net", "5522222222222@s.whatsapp.net"} {
		if n := b.Store().Len(id); n != 2 {
			t.Errorf("%s: expected a complete exchange, got %d messages", id, n)
		}
	}
}

func TestCredentialsUpdateCountsAsActivity(t *testing.T) {
	cfg := testConfig(t)
	tr := &fakeTransport{}
	b, err := New(cfg, Options{Transport: tr, Completer: echoCompleter{}, Exit: func(int) {}}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop(context.Background())

	before := b.Status().Health.LastHeartbeat
	time.Sleep(10 * time.Millisecond)

	h, _ := tr.current()
	h.OnCredentials()

	if after := b.Status().Health.LastHeartbeat; !after.After(before) {
		t.Errorf("expected heartbeat to advance, before %v after %v", before, after)
	}
	if _, err := os.Stat(cfg.Conversation.File); err != nil {
		t.Errorf("expected history file to be flushed: %v", err)
	}
}
