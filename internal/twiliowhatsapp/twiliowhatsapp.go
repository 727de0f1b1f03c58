// Package twiliowhatsapp wraps the Twilio REST API for WhatsApp delivery in NudgePipe.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// WhatsAppPrefix is the Twilio address scheme for WhatsApp numbers.
const WhatsAppPrefix = "whatsapp:"

// Sender sends and deletes WhatsApp messages through Twilio (for production and testing).
type Sender interface {
	SendMessage(ctx context.Context, to, body, mediaURL string) (string, error)
	DeleteMessage(ctx context.Context, sid string) error
}

// messagesAPI is the subset of the Twilio v2010 API used here.
type messagesAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
	DeleteMessage(sid string, params *twilioApi.DeleteMessageParams) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the whatsapp: prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	api       messagesAPI
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

// Compile-time check that Client implements Sender.
var _ Sender = (*Client)(nil)

// NewClient creates a Twilio client. Missing options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)
	return newClientWithAPI(rest.Api, cfg.FromWhats), nil
}

func newClientWithAPI(api messagesAPI, from string) *Client {
	return &Client{api: api, fromWhats: whatsAppAddress(from)}
}

func whatsAppAddress(number string) string {
	if strings.HasPrefix(number, WhatsAppPrefix) {
		return number
	}
	return WhatsAppPrefix + number
}

// SendMessage sends a WhatsApp message and returns its Twilio SID. A non-empty
// mediaURL is attached to the message and body becomes the caption.
func (c *Client) SendMessage(ctx context.Context, to, body, mediaURL string) (string, error) {
	if to == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if body == "" && mediaURL == "" {
		return "", fmt.Errorf("message needs a body or a media url")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	if body != "" {
		params.SetBody(body)
	}
	if mediaURL != "" {
		params.SetMediaUrl([]string{mediaURL})
	}

	msg, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return sid, nil
}

// DeleteMessage removes a previously sent message by SID. A message Twilio no
// longer knows about counts as deleted.
func (c *Client) DeleteMessage(ctx context.Context, sid string) error {
	if sid == "" {
		return fmt.Errorf("message sid cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.api.DeleteMessage(sid, &twilioApi.DeleteMessageParams{}); err != nil {
		var restErr *twilioClient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Status == http.StatusNotFound {
			slog.Debug("Twilio DeleteMessage: message already gone", "sid", sid)
			return nil
		}
		slog.Error("Twilio DeleteMessage failed", "sid", sid, "error", err)
		return fmt.Errorf("failed to delete message %s: %w", sid, err)
	}
	slog.Debug("Twilio message deleted", "sid", sid)
	return nil
}

// IsRetryable reports whether a Twilio error is worth retrying: rate limiting
// and server side failures.
func IsRetryable(err error) bool {
	var restErr *twilioClient.TwilioRestError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Status == http.StatusTooManyRequests || restErr.Status >= http.StatusInternalServerError
}

// MockClient records messages instead of calling Twilio (for tests).
type MockClient struct {
	SentMessages []SentMessage
	Deleted      []string
	SendErr      error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	SID      string
	To       string
	Body     string
	MediaURL string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

// SendMessage records the message and returns a sequential SID.
func (m *MockClient) SendMessage(ctx context.Context, to, body, mediaURL string) (string, error) {
	if m.SendErr != nil {
		return "", m.SendErr
	}
	sid := fmt.Sprintf("SM%d", len(m.SentMessages)+1)
	m.SentMessages = append(m.SentMessages, SentMessage{SID: sid, To: to, Body: body, MediaURL: mediaURL})
	return sid, nil
}

// DeleteMessage records the SID.
func (m *MockClient) DeleteMessage(ctx context.Context, sid string) error {
	m.Deleted = append(m.Deleted, sid)
	return nil
}
