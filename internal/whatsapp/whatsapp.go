// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in NudgePipe.
//
// It provides methods for sending and revoking messages and forwards inbound
// user messages to a handler so they count as activity.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/NudgePipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/nudgepipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends and revokes WhatsApp messages (for production and testing).
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
	RevokeMessage(ctx context.Context, to string, messageID string) error
}

// InboundHandler receives the sender and message id of every direct message from a user.
type InboundHandler func(ctx context.Context, userID, messageID string)

// messenger is the subset of *whatsmeow.Client used to send.
type messenger interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	BuildRevoke(chat, sender types.JID, id types.MessageID) *waE2E.Message
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient *whatsmeow.Client
	msgr     messenger
}

// Compile-time check that Client implements Sender.
var _ Sender = (*Client)(nil)

// needsForeignKeyWarning reports whether a SQLite DSN lacks the foreign key flag
// whatsmeow expects.
func needsForeignKeyWarning(dsn string) bool {
	if store.DetectDSNType(dsn) != "sqlite3" {
		return false
	}
	return !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "foreign_keys")
}

// NewClient creates a new WhatsApp client, logging in with a QR code (or numeric
// code) when the device store has no session yet.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if needsForeignKeyWarning(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient, msgr: waClient}, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			slog.Error("Failed to create QR file", "error", err)
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
			continue
		}
		slog.Info("WhatsApp login event", "event", evt.Event)
	}
	return nil
}

// SendMessage sends a text message and returns the WhatsApp message id.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if c.msgr == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	resp, err := c.msgr.SendMessage(ctx, types.NewJID(to, JIDSuffix), &waE2E.Message{Conversation: &body})
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to, "id", resp.ID)
	return resp.ID, nil
}

// RevokeMessage deletes a message previously sent by this client for everyone in the chat.
func (c *Client) RevokeMessage(ctx context.Context, to string, messageID string) error {
	if c.msgr == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" || messageID == "" {
		return fmt.Errorf("recipient and message id are required")
	}
	chat := types.NewJID(to, JIDSuffix)
	if _, err := c.msgr.SendMessage(ctx, chat, c.msgr.BuildRevoke(chat, types.EmptyJID, messageID)); err != nil {
		slog.Error("Failed to revoke WhatsApp message", "error", err, "to", to, "id", messageID)
		return fmt.Errorf("failed to revoke message %s: %w", messageID, err)
	}
	slog.Debug("WhatsApp message revoked", "to", to, "id", messageID)
	return nil
}

// OnInbound registers handler for direct messages sent by users to this account.
func (c *Client) OnInbound(ctx context.Context, handler InboundHandler) {
	c.waClient.AddEventHandler(func(evt interface{}) {
		dispatchInbound(ctx, evt, handler)
	})
}

// dispatchInbound filters whatsmeow events down to direct user messages.
func dispatchInbound(ctx context.Context, evt interface{}, handler InboundHandler) bool {
	msg, ok := evt.(*events.Message)
	if !ok {
		return false
	}
	info := msg.Info
	if info.IsFromMe || info.IsGroup || info.Chat.Server == types.BroadcastServer {
		return false
	}
	userID := info.Sender.ToNonAD().User
	if userID == "" {
		return false
	}
	handler(ctx, userID, info.ID)
	return true
}

// IsRetryable reports whether a send failed because the connection was not
// ready or the server did not answer in time.
func IsRetryable(err error) bool {
	return errors.Is(err, whatsmeow.ErrNotConnected) || errors.Is(err, whatsmeow.ErrMessageTimedOut)
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient records messages instead of talking to WhatsApp (for tests).
type MockClient struct {
	Sent    []MockMessage
	Revoked []string
	SendErr error
}

// MockMessage is one message recorded by MockClient.
type MockMessage struct {
	ID   string
	To   string
	Body string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage records the message and returns a sequential id.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if m.SendErr != nil {
		return "", m.SendErr
	}
	id := fmt.Sprintf("WA%d", len(m.Sent)+1)
	m.Sent = append(m.Sent, MockMessage{ID: id, To: to, Body: body})
	return id, nil
}

// RevokeMessage records the revoked id.
func (m *MockClient) RevokeMessage(ctx context.Context, to string, messageID string) error {
	m.Revoked = append(m.Revoked, messageID)
	return nil
}
