package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentText struct {
	target string
	text   string
}

type fakeTransport struct {
	mu       sync.Mutex
	events   chan Event
	texts    []sentText
	docs     []Document
	sendErr  error
	closed   bool
	closedCh chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16), closedCh: make(chan struct{})}
}

func (t *fakeTransport) SendText(_ context.Context, target, text string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return "", t.sendErr
	}
	t.texts = append(t.texts, sentText{target: target, text: text})
	return "MSG1", nil
}

func (t *fakeTransport) SendDocument(_ context.Context, _ string, doc Document) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return "", t.sendErr
	}
	t.docs = append(t.docs, doc)
	return "MSG2", nil
}

func (t *fakeTransport) Events() <-chan Event { return t.events }

func (t *fakeTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.events)
		close(t.closedCh)
	}
}

func (t *fakeTransport) emit(ev Event) { t.events <- ev }

func (t *fakeTransport) sentTexts() []sentText {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentText(nil), t.texts...)
}

type fakeDialer struct {
	mu         sync.Mutex
	calls      int
	transports []*fakeTransport
	gate       chan struct{} // when non-nil, dial blocks until closed
	err        error
}

func (d *fakeDialer) dial(_ context.Context) (Transport, error) {
	d.mu.Lock()
	d.calls++
	gate := d.gate
	err := d.err
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	t := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func newTestSession(t *testing.T, d *fakeDialer, storeDir string) *Session {
	t.Helper()
	return New(Config{
		Dial:           d.dial,
		StoreDir:       storeDir,
		ReconnectDelay: 20 * time.Millisecond,
		Log:            zerolog.Nop(),
	})
}

func waitDialed(t *testing.T, d *fakeDialer, n int) *fakeTransport {
	t.Helper()
	require.Eventually(t, func() bool { return d.transport(n-1) != nil },
		2*time.Second, 5*time.Millisecond, "transport %d never dialed", n)
	return d.transport(n - 1)
}

func connectReady(t *testing.T, s *Session, d *fakeDialer) *fakeTransport {
	t.Helper()
	s.Connect()
	tr := waitDialed(t, d, 1)
	tr.emit(Event{Kind: EventConnected})
	require.Eventually(t, func() bool { return s.Status().Connected },
		2*time.Second, 5*time.Millisecond)
	return tr
}

func TestSendTextBeforeReadyNeverTouchesTransport(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, d, t.TempDir())
	s.Connect()
	tr := waitDialed(t, d, 1)

	_, err := s.SendText(context.Background(), "221771234567", "hi")
	require.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, tr.sentTexts())
}

func TestSendTextDeliversOnce(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, d, t.TempDir())
	tr := connectReady(t, s, d)

	id, err := s.SendText(context.Background(), "221771234567", "hi")
	require.NoError(t, err)
	assert.Equal(t, "MSG1", id)

	sent := tr.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, sentText{target: "221771234567", text: "hi"}, sent[0])
}

func TestSendFailureWrapsTransportError(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, d, t.TempDir())
	tr := connectReady(t, s, d)

	tr.mu.Lock()
	tr.sendErr = assert.AnError
	tr.mu.Unlock()

	_, err := s.SendText(context.Background(), "221771234567", "hi")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.ErrorIs(t, err, assert.AnError)
	// Send-level failures do not flip readiness.
	assert.True(t, s.Status().Connected)
}

func TestPairingLifecycle(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, d, t.TempDir())

	assert.Equal(t, Status{Connected: false, HasQR: false}, s.Status())
	_, err := s.QRImage()
	require.ErrorIs(t, err, ErrNoPairing)

	s.Connect()
	tr := waitDialed(t, d, 1)
	tr.emit(Event{Kind: EventPairingCode, Code: "2@pairing-code-payload"})

	require.Eventually(t, func() bool { return s.Status().HasQR },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Status{Connected: false, HasQR: true}, s.Status())

	png, err := s.QRImage()
	require.NoError(t, err)
	require.True(t, len(png) > 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	tr.emit(Event{Kind: EventConnected})
	require.Eventually(t, func() bool { return s.Status().Connected },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Status{Connected: true, HasQR: false}, s.Status())
	_, err = s.QRImage()
	require.ErrorIs(t, err, ErrNoPairing)
}

func TestRecoverableClosureReconnects(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, d, t.TempDir())
	tr := connectReady(t, s, d)

	tr.emit(Event{Kind: EventClosed, Reason: "transport closed"})
	require.Eventually(t, func() bool { return d.callCount() == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.False(t, s.Status().Connected)

	tr2 := waitDialed(t, d, 2)
	tr2.emit(Event{Kind: EventConnected})
	require.Eventually(t, func() bool { return s.Status().Connected },
		2*time.Second, 5*time.Millisecond)
}

func TestPermanentClosureIsTerminalUntilReset(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, d, t.TempDir())
	tr := connectReady(t, s, d)

	tr.emit(Event{Kind: EventClosed, Permanent: true, Reason: "logged out"})
	require.Eventually(t, func() bool { return !s.Status().Connected },
		2*time.Second, 5*time.Millisecond)

	// No automatic reconnect after a permanent rejection.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.callCount())

	s.Reset()
	require.Eventually(t, func() bool { return d.callCount() == 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestResetWipesCredentialsAndReconnects(t *testing.T) {
	storeDir := filepath.Join(t.TempDir(), "creds")
	require.NoError(t, os.MkdirAll(storeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "session.db"), []byte("opaque"), 0o600))

	d := &fakeDialer{}
	s := newTestSession(t, d, storeDir)
	connectReady(t, s, d)

	s.Reset()
	assert.False(t, s.Status().Connected)

	require.Eventually(t, func() bool { return d.callCount() == 2 },
		2*time.Second, 5*time.Millisecond)

	entries, err := os.ReadDir(storeDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "credential dir should be empty after reset")
}

func TestConcurrentResetsCollapseToOneConnect(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, d, t.TempDir())
	connectReady(t, s, d)

	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Reset()
		}()
	}
	wg.Wait()

	// One guarded attempt reaches the dialer; the rest are no-ops.
	require.Eventually(t, func() bool { return d.callCount() == 2 },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, d.callCount())

	d.mu.Lock()
	d.gate = nil
	d.mu.Unlock()
	close(gate)
}

func TestResetIsIdempotentWithDeadLinkAndMissingDir(t *testing.T) {
	storeDir := filepath.Join(t.TempDir(), "never-created")
	d := &fakeDialer{}
	s := newTestSession(t, d, storeDir)
	tr := connectReady(t, s, d)
	tr.Close() // link already dead

	assert.NotPanics(t, func() {
		s.Reset()
		s.Reset()
	})
	require.Eventually(t, func() bool { return d.callCount() >= 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestStaleTransportEventsAreIgnored(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, d, t.TempDir())
	connectReady(t, s, d)

	s.Reset()
	tr2 := waitDialed(t, d, 2)
	tr2.emit(Event{Kind: EventConnected})
	require.Eventually(t, func() bool { return s.Status().Connected },
		2*time.Second, 5*time.Millisecond)

	// A late pairing code from the discarded transport must not surface.
	// Its channel is closed by Reset, so emit against the buffered channel
	// is only possible before Close; simulate via direct handle call.
	s.handle(1, Event{Kind: EventPairingCode, Code: "stale"})
	assert.Equal(t, Status{Connected: true, HasQR: false}, s.Status())
}
