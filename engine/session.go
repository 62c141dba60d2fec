// Package engine owns the WhatsApp link: pairing, reconnects, credential
// storage and the send operations built on top of it.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/abdoul9859/wagateway/internal/metrics"
)

// Status is a non-blocking snapshot of the link.
type Status struct {
	Connected bool `json:"connected"`
	HasQR     bool `json:"hasQr"`
}

// Config wires a Session.
type Config struct {
	// Dial opens a fresh transport. Required.
	Dial DialFunc
	// StoreDir is the credential directory, wiped by Reset.
	StoreDir string
	// ReconnectDelay is the fixed pause before a reconnect attempt.
	ReconnectDelay time.Duration

	Log zerolog.Logger
	// Journal, when non-nil, records every successful send.
	Journal *Journal
	// Forwarder, when non-nil, receives inbound messages and link
	// lifecycle envelopes.
	Forwarder *WebhookForwarder
}

// Session is the single owner of the link to the messaging network. One
// instance lives for the whole process; handlers receive it injected.
type Session struct {
	dial           DialFunc
	storeDir       string
	reconnectDelay time.Duration
	log            zerolog.Logger
	journal        *Journal
	forwarder      *WebhookForwarder

	limiterText  *rate.Limiter
	limiterMedia *rate.Limiter

	ready      atomic.Bool
	connecting atomic.Bool

	mu        sync.Mutex
	transport Transport
	qrCode    string
	terminal  bool
	gen       uint64
}

// New builds a Session. Call Connect to bring the link up.
func New(cfg Config) *Session {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	return &Session{
		dial:           cfg.Dial,
		storeDir:       cfg.StoreDir,
		reconnectDelay: cfg.ReconnectDelay,
		log:            cfg.Log,
		journal:        cfg.Journal,
		forwarder:      cfg.Forwarder,
		limiterText:    rate.NewLimiter(rate.Every(50*time.Millisecond), 5),
		limiterMedia:   rate.NewLimiter(rate.Every(150*time.Millisecond), 2),
	}
}

// Connect starts the first connection attempt. Non-blocking.
func (s *Session) Connect() {
	s.scheduleConnect(0)
}

// scheduleConnect runs one guarded connection attempt after delay. A
// request arriving while an attempt is in flight is a no-op; the guard
// is the only concurrency control on reconnects.
func (s *Session) scheduleConnect(delay time.Duration) {
	if !s.connecting.CompareAndSwap(false, true) {
		return
	}
	go s.runConnect(delay)
}

// runConnect executes with the guard held. On dial failure it keeps the
// guard and retries after the fixed delay.
func (s *Session) runConnect(delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		s.connecting.Store(false)
		return
	}
	s.mu.Unlock()

	metrics.ReconnectsTotal.Inc()
	t, err := s.dial(context.Background())
	if err != nil {
		s.log.Error().Err(err).Dur("retry_in", s.reconnectDelay).Msg("link dial failed")
		go s.runConnect(s.reconnectDelay)
		return
	}

	s.mu.Lock()
	if s.terminal {
		// Reset/shutdown raced the dial; discard the fresh transport.
		s.mu.Unlock()
		t.Close()
		s.connecting.Store(false)
		return
	}
	s.gen++
	gen := s.gen
	s.transport = t
	s.mu.Unlock()

	s.log.Info().Msg("link dialed, waiting for handshake")
	// Release the guard before pumping: an immediate closure must be able
	// to schedule its own reconnect.
	s.connecting.Store(false)
	go s.pump(t, gen)
}

// pump drains one transport's event stream. Events from a superseded
// transport generation are dropped, which serializes open/close handling
// across reconnects.
func (s *Session) pump(t Transport, gen uint64) {
	for ev := range t.Events() {
		s.handle(gen, ev)
	}
}

func (s *Session) handle(gen uint64, ev Event) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	switch ev.Kind {
	case EventPairingCode:
		s.qrCode = ev.Code
		s.mu.Unlock()
		s.log.Info().Msg("pairing code issued, scan via /qr")
		if term.IsTerminal(int(os.Stdout.Fd())) {
			qrterminal.GenerateHalfBlock(ev.Code, qrterminal.L, os.Stdout)
		}

	case EventConnected:
		s.qrCode = ""
		s.ready.Store(true)
		s.mu.Unlock()
		metrics.LinkReady.Set(1)
		s.log.Info().Msg("link authenticated and ready")
		s.forwarder.Lifecycle("connected", "")

	case EventClosed:
		s.ready.Store(false)
		s.qrCode = ""
		if ev.Permanent {
			s.terminal = true
		}
		s.mu.Unlock()
		metrics.LinkReady.Set(0)
		if ev.Permanent {
			s.log.Warn().Str("reason", ev.Reason).Msg("link closed permanently, explicit reset required")
		} else {
			s.log.Warn().Str("reason", ev.Reason).Dur("reconnect_in", s.reconnectDelay).Msg("link closed, reconnect scheduled")
			s.scheduleConnect(s.reconnectDelay)
		}
		s.forwarder.Lifecycle("closed", ev.Reason)

	case EventCredentialsRotated:
		s.mu.Unlock()
		// The sqlstore already persisted the rotation before emitting.
		s.log.Debug().Msg("link credentials rotated and persisted")

	case EventInboundMessage:
		s.mu.Unlock()
		if ev.Message != nil {
			s.forwarder.Inbound(*ev.Message)
		}

	default:
		s.mu.Unlock()
	}
}

// readyTransport returns the live transport or ErrNotReady. Sends never
// touch the wire unless the ready flag is set.
func (s *Session) readyTransport() (Transport, error) {
	if !s.ready.Load() {
		return nil, ErrNotReady
	}
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return nil, ErrNotReady
	}
	return t, nil
}

// SendText sends a plain text message to the digit-only target.
func (s *Session) SendText(ctx context.Context, target, text string) (string, error) {
	t, err := s.readyTransport()
	if err != nil {
		metrics.SendsTotal.WithLabelValues("text", "not_ready").Inc()
		return "", err
	}
	if err := s.limiterText.Wait(ctx); err != nil {
		return "", err
	}
	id, err := t.SendText(ctx, target, text)
	if err != nil {
		metrics.SendsTotal.WithLabelValues("text", "transport_error").Inc()
		return "", &TransportError{Op: "send text", Err: err}
	}
	metrics.SendsTotal.WithLabelValues("text", "ok").Inc()
	s.log.Info().Str("target", target).Str("message_id", id).Msg("text sent")
	s.record(ctx, SentMessage{Target: target, Kind: "text", Preview: preview(text), MessageID: id})
	return id, nil
}

// SendDocument uploads and sends a document payload.
func (s *Session) SendDocument(ctx context.Context, target string, doc Document) (string, error) {
	t, err := s.readyTransport()
	if err != nil {
		metrics.SendsTotal.WithLabelValues("document", "not_ready").Inc()
		return "", err
	}
	if err := s.limiterMedia.Wait(ctx); err != nil {
		return "", err
	}
	id, err := t.SendDocument(ctx, target, doc)
	if err != nil {
		metrics.SendsTotal.WithLabelValues("document", "transport_error").Inc()
		return "", &TransportError{Op: "send document", Err: err}
	}
	metrics.SendsTotal.WithLabelValues("document", "ok").Inc()
	s.log.Info().Str("target", target).Str("filename", doc.FileName).Str("message_id", id).Msg("document sent")
	s.record(ctx, SentMessage{Target: target, Kind: "document", FileName: doc.FileName, Preview: preview(doc.Caption), MessageID: id})
	return id, nil
}

func (s *Session) record(ctx context.Context, m SentMessage) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, m); err != nil {
		s.log.Warn().Err(err).Msg("journal write failed")
	}
}

// Status never blocks; it reads atomic/snapshot state only.
func (s *Session) Status() Status {
	s.mu.Lock()
	hasQR := s.qrCode != ""
	s.mu.Unlock()
	return Status{Connected: s.ready.Load(), HasQR: hasQR}
}

// QRImage renders the pending pairing code as a PNG, or ErrNoPairing
// when none is pending or the link is already connected.
func (s *Session) QRImage() ([]byte, error) {
	s.mu.Lock()
	code := s.qrCode
	s.mu.Unlock()
	if code == "" || s.ready.Load() {
		return nil, ErrNoPairing
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encode pairing code: %w", err)
	}
	return png, nil
}

// Reset drops the current link and credentials and schedules a fresh
// pairing. Idempotent, never errors: it returns once the session is
// marked not-ready; teardown and reconnect complete asynchronously. The
// transport is fully closed before the credential directory is deleted
// so a late rotation event cannot write into a removed directory.
func (s *Session) Reset() {
	s.mu.Lock()
	s.ready.Store(false)
	s.qrCode = ""
	s.terminal = false
	t := s.transport
	s.transport = nil
	s.gen++
	s.mu.Unlock()
	metrics.LinkReady.Set(0)
	s.log.Info().Msg("session reset requested")

	go func() {
		if t != nil {
			t.Close()
		}
		s.wipeCredentials()
		s.scheduleConnect(s.reconnectDelay)
	}()
}

// Close stops the session for process shutdown. No reconnect follows.
func (s *Session) Close() {
	s.mu.Lock()
	s.terminal = true
	s.ready.Store(false)
	t := s.transport
	s.transport = nil
	s.gen++
	s.mu.Unlock()
	metrics.LinkReady.Set(0)
	if t != nil {
		t.Close()
	}
}

// wipeCredentials erases the credential directory. Best-effort: a
// partially missing directory is fine.
func (s *Session) wipeCredentials() {
	if s.storeDir == "" {
		return
	}
	if err := os.RemoveAll(s.storeDir); err != nil {
		s.log.Warn().Err(err).Str("dir", s.storeDir).Msg("credential wipe incomplete")
	}
	if err := os.MkdirAll(s.storeDir, 0o755); err != nil {
		s.log.Warn().Err(err).Str("dir", s.storeDir).Msg("credential dir recreate failed")
	}
}

func preview(s string) string {
	const max = 120
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
