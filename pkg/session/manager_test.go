package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/surveillx_live_view_go/pkg/stream"
	"github.com/silviot/surveillx_live_view_go/pkg/transport"
)

// fakeTransport records what the manager does with it and lets the test
// deliver messages or simulate a remote drop
type fakeTransport struct {
	mode    stream.Mode
	openErr error

	mu       sync.Mutex
	handlers transport.Handlers
	sent     []any
	opened   bool
	closed   bool
	once     sync.Once
}

func (f *fakeTransport) Open(ctx context.Context, h transport.Handlers) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.mu.Lock()
	f.handlers = h
	f.opened = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) Close() error {
	f.fire(nil)
	return nil
}

// drop simulates the server going away
func (f *fakeTransport) drop() {
	f.fire(errors.New("connection reset"))
}

func (f *fakeTransport) fire(err error) {
	f.mu.Lock()
	h := f.handlers
	opened := f.opened
	f.closed = true
	f.mu.Unlock()
	if !opened {
		return
	}
	f.once.Do(func() {
		if h.OnClose != nil {
			h.OnClose(err)
		}
	})
}

func (f *fakeTransport) deliver(data string) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnMessage([]byte(data))
}

func (f *fakeTransport) sentMessages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any{}, f.sent...)
}

// fakeFactory hands out fakeTransports and remembers them in order
type fakeFactory struct {
	mu       sync.Mutex
	created  []*fakeTransport
	failNext map[stream.Mode]int
}

func (f *fakeFactory) New(mode stream.Mode) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{mode: mode}
	if f.failNext[mode] > 0 {
		f.failNext[mode]--
		t.openErr = errors.New("dial refused")
	}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) all() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport{}, f.created...)
}

func (f *fakeFactory) last() *fakeTransport {
	all := f.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

type statusLog struct {
	mu     sync.Mutex
	events []bool
}

func (s *statusLog) record(connected bool) {
	s.mu.Lock()
	s.events = append(s.events, connected)
	s.mu.Unlock()
}

func (s *statusLog) snapshot() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool{}, s.events...)
}

func newTestManager(t *testing.T, factory *fakeFactory, handler MessageHandler) (*Manager, *statusLog) {
	t.Helper()
	m := NewManager(ManagerConfig{
		Factory:        factory,
		Handler:        handler,
		ReconnectDelay: 20 * time.Millisecond,
	})
	status := &statusLog{}
	m.OnStatus(status.record)
	t.Cleanup(func() { m.Close() })
	return m, status
}

func TestConnectSendsViewerHandshakeOnJPEGSocket(t *testing.T) {
	factory := &fakeFactory{}
	m, status := newTestManager(t, factory, nil)

	require.NoError(t, m.Connect(context.Background(), stream.ModeJPEGSocket))

	ft := factory.last()
	require.NotNil(t, ft)
	assert.Equal(t, []any{stream.ViewerHandshake{Type: stream.TypeViewer}}, ft.sentMessages())
	assert.Equal(t, []bool{true}, status.snapshot())

	snap := m.Snapshot()
	assert.Equal(t, stream.ModeJPEGSocket, snap.Mode)
	assert.Equal(t, stream.StateConnected, snap.State)
	assert.NotEmpty(t, snap.ID)
}

func TestConnectWebRTCSendsNoHandshake(t *testing.T) {
	factory := &fakeFactory{}
	m, _ := newTestManager(t, factory, nil)

	require.NoError(t, m.Connect(context.Background(), stream.ModeWebRTC))
	assert.Empty(t, factory.last().sentMessages())
}

func TestMessagesCarrySessionSource(t *testing.T) {
	factory := &fakeFactory{}
	got := make(chan stream.Source, 1)
	m, _ := newTestManager(t, factory, MessageHandlerFunc(func(src stream.Source, data []byte) {
		got <- src
	}))

	require.NoError(t, m.Connect(context.Background(), stream.ModeJPEGSocket))
	factory.last().deliver(`{"type":"frame"}`)

	src := <-got
	assert.Equal(t, m.Snapshot().ID, src.SessionID)
	assert.Equal(t, stream.ModeJPEGSocket, src.Mode)
	assert.True(t, m.IsActive(src.SessionID))
}

func TestUnexpectedCloseReconnectsSameMode(t *testing.T) {
	factory := &fakeFactory{}
	m, status := newTestManager(t, factory, nil)

	require.NoError(t, m.Connect(context.Background(), stream.ModeWebRTC))
	firstID := m.Snapshot().ID

	factory.last().drop()

	require.Eventually(t, func() bool { return len(factory.all()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.Snapshot().State == stream.StateConnected }, time.Second, 5*time.Millisecond)

	assert.Equal(t, stream.ModeWebRTC, factory.last().mode)
	assert.NotEqual(t, firstID, m.Snapshot().ID)
	assert.Equal(t, []bool{true, false, true}, status.snapshot())
}

func TestReconnectRetriesFailedOpens(t *testing.T) {
	factory := &fakeFactory{failNext: map[stream.Mode]int{stream.ModeJPEGSocket: 2}}
	m, _ := newTestManager(t, factory, nil)

	err := m.Connect(context.Background(), stream.ModeJPEGSocket)
	require.Error(t, err)
	assert.Equal(t, stream.StateReconnecting, m.Snapshot().State)

	require.Eventually(t, func() bool { return m.Snapshot().State == stream.StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, factory.all(), 3)
}

func TestSwitchDoesNotReconnectOldMode(t *testing.T) {
	factory := &fakeFactory{}
	m, status := newTestManager(t, factory, nil)

	require.NoError(t, m.Connect(context.Background(), stream.ModeJPEGSocket))
	require.NoError(t, m.Switch(context.Background(), stream.ModeWebRTC))

	// Give a stray reconnect timer time to fire
	time.Sleep(100 * time.Millisecond)

	all := factory.all()
	require.Len(t, all, 2)
	assert.Equal(t, stream.ModeJPEGSocket, all[0].mode)
	assert.Equal(t, stream.ModeWebRTC, all[1].mode)
	assert.Equal(t, stream.ModeWebRTC, m.Mode())
	assert.Equal(t, stream.StateConnected, m.Snapshot().State)

	// The manual close of the old session emits no disconnected status
	assert.Equal(t, []bool{true, true}, status.snapshot())
}

func TestSwitchCancelsPendingReconnect(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(ManagerConfig{Factory: factory, ReconnectDelay: 50 * time.Millisecond})
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), stream.ModeJPEGSocket))
	factory.last().drop()
	require.Equal(t, stream.StateReconnecting, m.Snapshot().State)

	require.NoError(t, m.Switch(context.Background(), stream.ModeWebRTC))
	time.Sleep(150 * time.Millisecond)

	all := factory.all()
	require.Len(t, all, 2)
	assert.Equal(t, stream.ModeWebRTC, all[1].mode)
}

func TestStaleSessionMessagesAreIgnored(t *testing.T) {
	factory := &fakeFactory{}
	var mu sync.Mutex
	var seen []stream.Mode
	m, _ := newTestManager(t, factory, MessageHandlerFunc(func(src stream.Source, data []byte) {
		mu.Lock()
		seen = append(seen, src.Mode)
		mu.Unlock()
	}))

	require.NoError(t, m.Connect(context.Background(), stream.ModeJPEGSocket))
	old := factory.last()
	oldID := m.Snapshot().ID
	require.NoError(t, m.Switch(context.Background(), stream.ModeWebRTC))

	old.mu.Lock()
	old.handlers.OnMessage([]byte(`{"type":"frame"}`))
	old.mu.Unlock()

	factory.last().deliver(`{"type":"frame"}`)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []stream.Mode{stream.ModeWebRTC}, seen)
	assert.False(t, m.IsActive(oldID))
	assert.False(t, m.RunIfActive(oldID, func() { t.Fatal("ran for stale session") }))
}

func TestDisconnectEndsClosedWithoutReconnect(t *testing.T) {
	factory := &fakeFactory{}
	m, status := newTestManager(t, factory, nil)

	require.NoError(t, m.Connect(context.Background(), stream.ModeJPEGSocket))
	id := m.Snapshot().ID
	_, ok := m.CountFrame(id)
	require.True(t, ok)

	m.Disconnect()
	time.Sleep(60 * time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, stream.StateClosed, snap.State)
	assert.Equal(t, 0, snap.FrameCount)
	assert.Len(t, factory.all(), 1)
	assert.Equal(t, []bool{true, false}, status.snapshot())

	_, ok = m.CountFrame(id)
	assert.False(t, ok)
}

func TestCountFrameAndSend(t *testing.T) {
	factory := &fakeFactory{}
	m, _ := newTestManager(t, factory, nil)

	require.NoError(t, m.Connect(context.Background(), stream.ModeJPEGSocket))
	id := m.Snapshot().ID

	for i := 1; i <= 3; i++ {
		n, ok := m.CountFrame(id)
		require.True(t, ok)
		assert.Equal(t, i, n)
	}

	report := stream.LatencyReport{Type: stream.TypeLatencyReport, LatencyMS: 42}
	require.NoError(t, m.Send(id, report))
	assert.Contains(t, factory.last().sentMessages(), report)

	assert.ErrorIs(t, m.Send("stale", report), transport.ErrNotConnected)
}

func TestClosedManagerRejectsConnect(t *testing.T) {
	m := NewManager(ManagerConfig{Factory: &fakeFactory{}})
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Connect(context.Background(), stream.ModeJPEGSocket), ErrClosed)
	assert.ErrorIs(t, m.Switch(context.Background(), stream.ModeWebRTC), ErrClosed)
}

func TestTransportErrorKeepsSession(t *testing.T) {
	factory := &fakeFactory{}
	m, status := newTestManager(t, factory, nil)

	require.NoError(t, m.Connect(context.Background(), stream.ModeJPEGSocket))
	ft := factory.last()
	ft.mu.Lock()
	onError := ft.handlers.OnError
	ft.mu.Unlock()
	require.NotNil(t, onError)

	onError(errors.New("read timeout"))
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, stream.StateConnected, m.Snapshot().State)
	assert.Len(t, factory.all(), 1)
	assert.Equal(t, []bool{true}, status.snapshot())
}

// closingFactory hands out transports that drop during Open, the way a
// server that accepts and immediately hangs up does
type closingFactory struct {
	fakeFactory
}

type closingTransport struct {
	*fakeTransport
}

func (c closingTransport) Open(ctx context.Context, h transport.Handlers) error {
	if err := c.fakeTransport.Open(ctx, h); err != nil {
		return err
	}
	c.fakeTransport.drop()
	return nil
}

func (f *closingFactory) New(mode stream.Mode) (transport.Transport, error) {
	t, err := f.fakeFactory.New(mode)
	if err != nil {
		return nil, err
	}
	return closingTransport{t.(*fakeTransport)}, nil
}

func TestCloseDuringOpenStaysReconnecting(t *testing.T) {
	factory := &closingFactory{}
	m := NewManager(ManagerConfig{
		Factory:        factory,
		ReconnectDelay: time.Hour,
	})
	status := &statusLog{}
	m.OnStatus(status.record)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), stream.ModeJPEGSocket))

	assert.Equal(t, stream.StateReconnecting, m.Snapshot().State)
	assert.Equal(t, []bool{false}, status.snapshot())
	assert.Empty(t, factory.last().sentMessages())
}
