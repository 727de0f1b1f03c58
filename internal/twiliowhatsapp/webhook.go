package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	twilioClient "github.com/twilio/twilio-go/client"
)

// SignatureHeader carries the Twilio request signature.
const SignatureHeader = "X-Twilio-Signature"

// InboundHandler receives the sender and message SID of every inbound message.
type InboundHandler func(ctx context.Context, userID, messageID string)

// WebhookHandler accepts Twilio inbound message callbacks and reports them as
// user activity.
type WebhookHandler struct {
	handler   InboundHandler
	validator *twilioClient.RequestValidator
	publicURL string
}

// NewWebhookHandler creates a WebhookHandler. When authToken is set, requests must
// carry a valid signature computed over publicURL, the externally visible URL Twilio
// posts to.
func NewWebhookHandler(handler InboundHandler, authToken, publicURL string) *WebhookHandler {
	h := &WebhookHandler{handler: handler, publicURL: publicURL}
	if authToken != "" {
		v := twilioClient.NewRequestValidator(authToken)
		h.validator = &v
	}
	return h
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("WebhookHandler.ServeHTTP: failed to parse form", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if h.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for key := range r.PostForm {
			params[key] = r.PostForm.Get(key)
		}
		if !h.validator.Validate(h.publicURL, params, r.Header.Get(SignatureHeader)) {
			slog.Warn("WebhookHandler.ServeHTTP: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	userID := InboundUserID(r.PostForm.Get("From"))
	sid := r.PostForm.Get("MessageSid")
	if userID == "" {
		slog.Warn("WebhookHandler.ServeHTTP: missing sender", "messageSid", sid)
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}

	slog.Debug("WebhookHandler.ServeHTTP: inbound message", "userID", userID, "messageSid", sid)
	h.handler(r.Context(), userID, sid)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// InboundUserID turns a Twilio From address such as "whatsapp:+5511999990000" into
// the bare number used as user id.
func InboundUserID(from string) string {
	from = strings.TrimSpace(from)
	from = strings.TrimPrefix(from, WhatsAppPrefix)
	return strings.TrimPrefix(from, "+")
}
