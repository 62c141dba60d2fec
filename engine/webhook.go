package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Envelope is the wire shape posted to the configured webhook for
// inbound messages and link lifecycle changes.
type Envelope struct {
	EventType string `json:"event_type"`
	ChatJID   string `json:"chat_jid,omitempty"`
	SenderJID string `json:"sender_jid,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Reason    string `json:"reason,omitempty"`
	At        string `json:"at"`
}

// WebhookForwarder posts envelopes to a single webhook URL, signing the
// body with HMAC-SHA256 when a secret is configured. All methods are
// safe on a nil receiver so the session can call them unconditionally.
type WebhookForwarder struct {
	url    string
	secret string
	client *http.Client
	log    zerolog.Logger
}

// NewWebhookForwarder returns nil when url is empty, which disables
// forwarding entirely.
func NewWebhookForwarder(url, secret string, log zerolog.Logger) *WebhookForwarder {
	if url == "" {
		return nil
	}
	return &WebhookForwarder{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 7 * time.Second},
		log:    log,
	}
}

// Inbound forwards an inbound message asynchronously.
func (f *WebhookForwarder) Inbound(m InboundMessage) {
	if f == nil {
		return
	}
	f.dispatch(Envelope{
		EventType: "message",
		ChatJID:   m.ChatJID,
		SenderJID: m.SenderJID,
		MessageID: m.MessageID,
		Text:      m.Text,
	})
}

// Lifecycle forwards a link state change ("connected", "closed").
func (f *WebhookForwarder) Lifecycle(eventType, reason string) {
	if f == nil {
		return
	}
	f.dispatch(Envelope{EventType: eventType, Reason: reason})
}

func (f *WebhookForwarder) dispatch(env Envelope) {
	env.At = time.Now().UTC().Format(time.RFC3339)
	go func() {
		if err := f.post(context.Background(), env); err != nil {
			f.log.Warn().Err(err).Str("event_type", env.EventType).Msg("webhook post failed")
		}
	}()
}

// post delivers one envelope with up to three attempts and exponential
// backoff between them.
func (f *WebhookForwarder) post(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < 3; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Wagateway-Timestamp", time.Now().UTC().Format(time.RFC3339))
		if sig := signBody(f.secret, body); sig != "" {
			req.Header.Set("X-Wagateway-Signature", sig)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("webhook non-2xx: %d", resp.StatusCode)
		}

		select {
		case <-time.After(time.Duration(250*(1<<i)) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func signBody(secret string, body []byte) string {
	if secret == "" {
		return ""
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
