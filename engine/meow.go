package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// sessionDBName is the sqlite file inside the credential directory. The
// schema is owned by whatsmeow's sqlstore; the directory as a whole is
// what Reset erases.
const sessionDBName = "session.db"

// WhatsmeowDialer returns a DialFunc that opens the sqlstore under
// storeDir, builds a whatsmeow client and connects it. When no device is
// registered yet, the QR pairing flow is surfaced on the event stream.
func WhatsmeowDialer(storeDir string, log zerolog.Logger, waLogger waLog.Logger) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		if err := os.MkdirAll(storeDir, 0o755); err != nil {
			return nil, fmt.Errorf("create credential dir: %w", err)
		}
		dbPath := filepath.Join(storeDir, sessionDBName)
		container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", waLogger.Sub("Database"))
		if err != nil {
			return nil, fmt.Errorf("open credential store: %w", err)
		}
		device, err := container.GetFirstDevice(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			device = container.NewDevice()
		} else if err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("load device: %w", err)
		}

		client := whatsmeow.NewClient(device, waLogger.Sub("Client"))
		// The session state machine owns the reconnect policy.
		client.EnableAutoReconnect = false

		t := &meowTransport{
			client:    client,
			container: container,
			log:       log,
			events:    make(chan Event, 32),
		}
		client.AddEventHandler(t.handleEvent)

		if client.Store.ID == nil {
			// Fresh device: the QR channel must be requested before Connect.
			qrChan, err := client.GetQRChannel(ctx)
			if err != nil {
				_ = container.Close()
				return nil, fmt.Errorf("open qr channel: %w", err)
			}
			if err := client.Connect(); err != nil {
				_ = container.Close()
				return nil, fmt.Errorf("connect: %w", err)
			}
			go t.pumpQR(qrChan)
		} else if err := client.Connect(); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("connect: %w", err)
		}
		return t, nil
	}
}

type meowTransport struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	log       zerolog.Logger

	mu     sync.Mutex
	closed bool
	events chan Event
}

func (t *meowTransport) Events() <-chan Event { return t.events }

// emit drops events once the buffer is full rather than blocking the
// whatsmeow event dispatcher.
func (t *meowTransport) emit(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.log.Warn().Int("kind", int(ev.Kind)).Msg("event buffer full, dropping")
	}
}

func (t *meowTransport) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		_ = t.client.SendPresence(context.Background(), types.PresenceAvailable)
		t.emit(Event{Kind: EventConnected})

	case *events.PairSuccess:
		// Fresh credentials were written to the sqlstore before this fired.
		t.emit(Event{Kind: EventCredentialsRotated})

	case *events.Disconnected:
		t.emit(Event{Kind: EventClosed, Reason: "transport closed"})

	case *events.StreamReplaced:
		t.emit(Event{Kind: EventClosed, Permanent: true, Reason: "stream replaced by another client"})

	case *events.LoggedOut:
		t.emit(Event{Kind: EventClosed, Permanent: true, Reason: fmt.Sprintf("logged out (%v)", v.Reason)})

	case *events.Message:
		if v.Info.IsFromMe {
			return
		}
		t.emit(Event{Kind: EventInboundMessage, Message: &InboundMessage{
			ChatJID:   v.Info.Chat.String(),
			SenderJID: v.Info.Sender.String(),
			MessageID: v.Info.ID,
			Text:      textOf(v.Message),
			At:        v.Info.Timestamp,
		}})
	}
}

// pumpQR relays pairing codes from whatsmeow's QR channel. The channel
// closes on success, timeout or error; timeouts surface as a recoverable
// closure so the reconnect issues a fresh code.
func (t *meowTransport) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			t.emit(Event{Kind: EventPairingCode, Code: item.Code})
		case "success":
			return
		case "timeout":
			t.emit(Event{Kind: EventClosed, Reason: "qr pairing timed out"})
			return
		case "err-client-outdated", "err-scanned-without-multidevice":
			t.emit(Event{Kind: EventClosed, Permanent: true, Reason: "pairing rejected: " + item.Event})
			return
		default:
			if item.Error != nil {
				t.emit(Event{Kind: EventClosed, Reason: fmt.Sprintf("qr channel: %v", item.Error)})
				return
			}
		}
	}
}

func targetJID(target string) types.JID {
	return types.JID{User: target, Server: types.DefaultUserServer}
}

func (t *meowTransport) SendText(ctx context.Context, target, text string) (string, error) {
	msg := &waE2E.Message{Conversation: proto.String(text)}
	resp, err := t.client.SendMessage(ctx, targetJID(target), msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (t *meowTransport) SendDocument(ctx context.Context, target string, doc Document) (string, error) {
	up, err := t.client.Upload(ctx, doc.Data, whatsmeow.MediaDocument)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	msg := &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Title:         proto.String(doc.FileName),
		FileName:      proto.String(doc.FileName),
		Caption:       proto.String(doc.Caption),
		Mimetype:      proto.String(doc.MimeType),
		URL:           &up.URL,
		DirectPath:    &up.DirectPath,
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    &up.FileLength,
	}}
	resp, err := t.client.SendMessage(ctx, targetJID(target), msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Close detaches the event handler, drops the socket and closes the
// sqlstore so the credential directory can be safely erased afterwards.
func (t *meowTransport) Close() {
	t.client.RemoveEventHandlers()
	t.client.Disconnect()
	if err := t.container.Close(); err != nil {
		t.log.Warn().Err(err).Msg("credential store close failed")
	}
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	t.mu.Unlock()
}

// textOf mirrors the extraction order used for inbound envelopes:
// extended text first, then plain conversation, then media captions.
func textOf(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetImageMessage().GetCaption() != "":
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage().GetCaption() != "":
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage().GetCaption() != "":
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}
