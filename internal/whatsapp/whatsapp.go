// Package whatsapp wraps the Whatsmeow client for MediBot.
//
// It owns the device store, the QR pairing flow and outbound sends. Event handling is
// left to the messaging package, which registers itself through AddEventHandler.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/MediBot/internal/store"
)

const (
	// DefaultDBFile is the whatsmeow database file name inside the state directory.
	DefaultDBFile = "whatsmeow.db"
	// DefaultLogLevel is the level for whatsmeow's own loggers.
	DefaultLogLevel = "INFO"
)

// WhatsAppSender is the outbound surface used by the messaging service.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
	SendTyping(ctx context.Context, to string, typing bool) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	StateDir    string // used for the default sqlite file when DBDSN is empty
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR block
	LogLevel    string // whatsmeow log level
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithStateDir places the default whatsmeow sqlite file under dir.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the pairing code as text.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// WithLogLevel sets the whatsmeow log level (DEBUG, INFO, WARN, ERROR).
func WithLogLevel(level string) Option {
	return func(o *Opts) {
		if level != "" {
			o.LogLevel = strings.ToUpper(level)
		}
	}
}

// ResolveDSN returns the driver and DSN whatsmeow should use for cfg.
func ResolveDSN(cfg Opts) (driver, dsn string) {
	dsn = cfg.DBDSN
	if dsn == "" {
		dir := cfg.StateDir
		if dir == "" {
			dir = "."
		}
		dsn = "file:" + filepath.Join(dir, DefaultDBFile) + "?_foreign_keys=on"
	}
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres", dsn
	}
	if !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("whatsapp.ResolveDSN: sqlite DSN without foreign keys; whatsmeow recommends '_foreign_keys=on'")
	}
	return "sqlite3", dsn
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
	cfg      Opts
}

var _ WhatsAppSender = (*Client)(nil)

// NewClient opens the device store and creates an unconnected client. Call Connect after
// registering event handlers.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := Opts{LogLevel: DefaultLogLevel}
	for _, opt := range opts {
		opt(&cfg)
	}
	driver, dsn := ResolveDSN(cfg)
	slog.Debug("whatsapp.NewClient: options set", "driver", driver, "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	if driver == "sqlite3" && cfg.StateDir != "" {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", cfg.LogLevel, true))
	if err != nil {
		slog.Error("whatsapp.NewClient: failed to initialize device store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("whatsapp.NewClient: failed to get device", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", cfg.LogLevel, true))
	return &Client{waClient: waClient, cfg: cfg}, nil
}

// AddEventHandler registers fn for every whatsmeow event.
func (c *Client) AddEventHandler(fn func(evt any)) {
	c.waClient.AddEventHandler(func(evt interface{}) { fn(evt) })
}

// Connect logs in (showing a QR code on first run) and connects.
func (c *Client) Connect(ctx context.Context) error {
	if c.waClient.Store.ID != nil {
		slog.Debug("whatsapp.Client.Connect: already paired, connecting")
		if err := c.waClient.Connect(); err != nil {
			return fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		return nil
	}

	slog.Info("whatsapp.Client.Connect: login required, starting QR flow")
	qrChan, err := c.waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open QR channel: %w", err)
	}
	if err := c.waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if c.cfg.QRPath != "" {
		f, err := os.Create(c.cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			slog.Info("whatsapp.Client.Connect: scan the QR code to pair")
			if c.cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		case "success":
			slog.Info("whatsapp.Client.Connect: paired")
			return nil
		default:
			slog.Warn("whatsapp.Client.Connect: login event", "event", evt.Event)
			if evt.Error != nil {
				return fmt.Errorf("whatsapp login failed: %w", evt.Error)
			}
		}
	}
	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	c.waClient.Disconnect()
}

// IsConnected reports whether the websocket is up and logged in.
func (c *Client) IsConnected() bool {
	return c.waClient.IsConnected() && c.waClient.IsLoggedIn()
}

// ParseRecipient accepts a full JID ("123@s.whatsapp.net") or a bare phone number.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("recipient cannot be empty")
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
		return jid, nil
	}
	return types.NewJID(strings.TrimPrefix(to, "+"), types.DefaultUserServer), nil
}

// SendMessage sends a text message and returns the WhatsApp message id.
func (c *Client) SendMessage(ctx context.Context, to, body string) (string, error) {
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}

	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body})
	if err != nil {
		slog.Error("whatsapp.Client.SendMessage: send failed", "to", jid.String(), "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", jid.String(), err)
	}
	slog.Debug("whatsapp.Client.SendMessage: sent", "to", jid.String(), "id", resp.ID, "length", len(body))
	return string(resp.ID), nil
}

// SendTyping sets the composing state in the chat.
func (c *Client) SendTyping(ctx context.Context, to string, typing bool) error {
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	return c.waClient.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}
