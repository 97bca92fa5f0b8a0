// Package whatsapp implements channels.Transport on top of whatsmeow, a
// native Go WhatsApp Web library.
//
// The device session lives in a SQLite database and survives restarts. On
// first run the pairing QR code is rendered in the terminal. whatsmeow's own
// auto-reconnect is disabled: every disconnect is reported to the caller,
// which decides whether and when to open a new session.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/mathazel/ZapIA/pkg/zapia/channels"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds WhatsApp transport configuration.
type Config struct {
	// SessionDB is the SQLite file holding the device credentials.
	SessionDB string `yaml:"session_db"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDB:      "./auth/whatsapp.db",
		DeviceName:     "ZapIA",
		ConnectTimeout: 30 * time.Second,
	}
}

// Transport opens whatsmeow sessions backed by one session database.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	qrOut  io.Writer

	mu        sync.Mutex
	container *sqlstore.Container
}

// New creates a Transport. The session database is opened on first Open.
func New(cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.SessionDB == "" {
		cfg.SessionDB = defaults.SessionDB
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaults.DeviceName
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	return &Transport{
		cfg:    cfg,
		logger: logger.With("component", "whatsapp"),
		qrOut:  os.Stdout,
	}
}

// SetQROutput redirects the pairing QR code rendering.
func (t *Transport) SetQROutput(w io.Writer) {
	t.qrOut = w
}

// Open creates a client for the stored device (or a fresh one) and starts
// connecting. Without a stored device the QR pairing flow runs in the
// background and Open returns immediately. Errors opening the session
// database wrap channels.ErrPermanent.
func (t *Transport) Open(ctx context.Context, h channels.Handlers) (channels.Session, error) {
	container, err := t.openContainer(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: opening session store: %w", channels.ErrPermanent, err)
	}

	device, err := getDevice(ctx, container)
	if err != nil {
		return nil, fmt.Errorf("%w: loading device: %w", channels.ErrPermanent, err)
	}

	store.SetOSInfo(t.cfg.DeviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.EnableAutoReconnect = false

	s := &session{
		client:   client,
		handlers: h,
		logger:   t.logger,
	}
	client.AddEventHandler(s.handleEvent)

	if client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		s.cancelQR = cancel

		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("getting QR channel: %w", err)
		}
		if err := s.connect(ctx, t.cfg.ConnectTimeout); err != nil {
			cancel()
			return nil, err
		}
		t.logger.Info("whatsapp: no existing session, scan the QR code to pair")
		go t.watchQR(qrCtx, qrChan)
		return s, nil
	}

	if err := s.connect(ctx, t.cfg.ConnectTimeout); err != nil {
		return nil, err
	}
	t.logger.Info("whatsapp: connecting with existing session", "jid", client.Store.ID.String())
	return s, nil
}

// Close releases the session database.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.container == nil {
		return nil
	}
	err := t.container.Close()
	t.container = nil
	return err
}

// openContainer opens the SQLite session store once and reuses it.
func (t *Transport) openContainer(ctx context.Context) (*sqlstore.Container, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.container != nil {
		return t.container, nil
	}

	if err := os.MkdirAll(filepath.Dir(t.cfg.SessionDB), 0o700); err != nil {
		return nil, err
	}
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", t.cfg.SessionDB),
		waLog.Noop)
	if err != nil {
		return nil, err
	}
	t.container = container
	return container, nil
}

// watchQR renders pairing codes until pairing succeeds, times out or the
// session is closed.
func (t *Transport) watchQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				attempts++
				t.logger.Info("whatsapp: QR code ready", "attempt", attempts)
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, t.qrOut)
			case "success":
				t.logger.Info("whatsapp: pairing successful")
				return
			case "timeout":
				t.logger.Warn("whatsapp: QR code expired")
				return
			default:
				if evt.Error != nil {
					t.logger.Error("whatsapp: QR login error", "error", evt.Error)
					return
				}
			}
		}
	}
}

// getDevice retrieves an existing device or creates a new one.
func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// session is one whatsmeow client connection.
type session struct {
	client   *whatsmeow.Client
	handlers channels.Handlers
	logger   *slog.Logger
	cancelQR context.CancelFunc

	closed    atomic.Bool
	connected atomic.Bool
}

// connect dials with a timeout. whatsmeow's Connect does not take a context,
// so the call runs in a goroutine and is abandoned (and disconnected) when
// the deadline passes first.
func (s *session) connect(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.client.Connect() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.client.Disconnect()
		return fmt.Errorf("connecting: %w", ctx.Err())
	}
}

// Send delivers a plain text message and returns its id.
func (s *session) Send(ctx context.Context, to, text string) (string, error) {
	if s.closed.Load() || !s.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID %q: %w", to, err)
	}

	resp, err := s.client.SendMessage(ctx, jid, buildTextMessage(text))
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	return string(resp.ID), nil
}

// Close disconnects. Events still in flight are dropped.
func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.cancelQR != nil {
		s.cancelQR()
	}
	s.client.Disconnect()
	s.logger.Info("whatsapp: session closed")
	return nil
}

// buildTextMessage wraps text in the simplest message shape.
func buildTextMessage(text string) *waE2E.Message {
	return &waE2E.Message{
		Conversation: proto.String(text),
	}
}
