package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silviot/surveillx_live_view_go/pkg/metrics"
	"github.com/silviot/surveillx_live_view_go/pkg/stream"
	"github.com/silviot/surveillx_live_view_go/pkg/transport"
)

// DefaultReconnectDelay is the fixed delay before reconnecting after an
// unexpected close. There is no backoff growth and no attempt ceiling.
const DefaultReconnectDelay = 3 * time.Second

// ErrClosed is returned once the manager has been shut down
var ErrClosed = errors.New("session manager closed")

// MessageHandler receives every inbound message of the live session
type MessageHandler interface {
	HandleMessage(src stream.Source, data []byte)
}

// MessageHandlerFunc adapts a function to MessageHandler
type MessageHandlerFunc func(src stream.Source, data []byte)

// HandleMessage implements MessageHandler
func (f MessageHandlerFunc) HandleMessage(src stream.Source, data []byte) {
	f(src, data)
}

// StreamSession is one connection attempt on one mode. At most one session
// is non-closed at any time.
type StreamSession struct {
	ID          string
	Mode        stream.Mode
	state       stream.State
	manualClose bool
	frameCount  int
	transport   transport.Transport
	cancel      context.CancelFunc
	ctx         context.Context
}

// Snapshot is a read-only copy of the current session
type Snapshot struct {
	ID          string       `json:"id"`
	Mode        stream.Mode  `json:"mode"`
	State       stream.State `json:"state"`
	ManualClose bool         `json:"manualClose"`
	FrameCount  int          `json:"frameCount"`
}

// ManagerConfig holds configuration for the session manager
type ManagerConfig struct {
	Factory        transport.Factory
	Handler        MessageHandler
	ReconnectDelay time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Manager owns the single live transport connection
type Manager struct {
	factory        transport.Factory
	handler        MessageHandler
	reconnectDelay time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger

	mu             sync.Mutex
	current        *StreamSession
	reconnectTimer *time.Timer
	reconnectGen   uint64
	statusHooks    []func(connected bool)
	closed         bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a session manager in the Idle state
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Handler == nil {
		cfg.Handler = MessageHandlerFunc(func(stream.Source, []byte) {})
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		factory:        cfg.Factory,
		handler:        cfg.Handler,
		reconnectDelay: cfg.ReconnectDelay,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// OnStatus registers a connectivity listener. Listeners run on the
// goroutine that observed the change and must not block.
func (m *Manager) OnStatus(fn func(connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusHooks = append(m.statusHooks, fn)
}

// Connect opens a new session on mode. A live session is retired first,
// so two sessions are never open at once.
func (m *Manager) Connect(ctx context.Context, mode stream.Mode) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.cancelReconnectLocked()
	old := m.retireLocked()
	sess := m.newSessionLocked(mode)
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	return m.open(ctx, sess)
}

// Switch closes the current session without triggering a reconnect, then
// connects on mode. The close completes before the new session opens.
func (m *Manager) Switch(ctx context.Context, mode stream.Mode) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var from stream.Mode
	if m.current != nil {
		from = m.current.Mode
	}
	m.cancelReconnectLocked()
	old := m.retireLocked()
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Debug("error closing previous transport", "error", err)
		}
	}

	m.logger.Info("switching transport", "from", from, "to", mode)
	if from != "" && from != mode {
		m.metrics.Switched(from, mode)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	sess := m.newSessionLocked(mode)
	m.mu.Unlock()

	return m.open(ctx, sess)
}

// Disconnect closes the current session without reconnecting. The session
// ends in the Closed state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.cancelReconnectLocked()
	old := m.retireLocked()
	m.mu.Unlock()

	if old != nil {
		old.Close()
		m.logger.Info("stream disconnected")
		m.emitStatus(false)
	}
}

// Close disconnects and releases the manager
func (m *Manager) Close() error {
	m.Disconnect()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	return nil
}

// newSessionLocked installs a fresh Connecting session as current.
// Caller must hold m.mu.
func (m *Manager) newSessionLocked(mode stream.Mode) *StreamSession {
	ctx, cancel := context.WithCancel(m.ctx)
	sess := &StreamSession{
		ID:     uuid.NewString(),
		Mode:   mode,
		state:  stream.StateConnecting,
		ctx:    ctx,
		cancel: cancel,
	}
	m.current = sess
	return sess
}

// retireLocked marks the current session as manually closed and returns its
// transport for the caller to close outside the lock. Caller must hold m.mu.
func (m *Manager) retireLocked() transport.Transport {
	sess := m.current
	if sess == nil || sess.state == stream.StateClosed {
		return nil
	}
	sess.manualClose = true
	sess.frameCount = 0
	sess.state = stream.StateClosed
	sess.cancel()
	return sess.transport
}

// cancelReconnectLocked stops any pending reconnect. Caller must hold m.mu.
func (m *Manager) cancelReconnectLocked() {
	m.reconnectGen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// open dials the transport for sess and wires its callbacks
func (m *Manager) open(ctx context.Context, sess *StreamSession) error {
	t, err := m.factory.New(sess.Mode)
	if err != nil {
		m.logger.Error("failed to create transport", "mode", sess.Mode, "error", err)
		m.handleClose(sess, err)
		return err
	}

	m.mu.Lock()
	if m.current != sess || sess.manualClose {
		m.mu.Unlock()
		return nil
	}
	sess.transport = t
	m.mu.Unlock()

	// The dial is bounded by both the caller and the session lifetime
	openCtx, cancel := context.WithCancel(sess.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	m.logger.Info("connecting stream", "mode", sess.Mode, "sessionID", sess.ID)

	err = t.Open(openCtx, transport.Handlers{
		OnMessage: func(data []byte) { m.deliver(sess, data) },
		OnClose:   func(err error) { m.handleClose(sess, err) },
		OnError:   func(err error) { m.handleError(sess, err) },
	})
	if err != nil {
		m.handleClose(sess, err)
		return fmt.Errorf("failed to open %s transport: %w", sess.Mode, err)
	}

	m.mu.Lock()
	if m.current != sess || sess.manualClose {
		// Superseded while dialing
		m.mu.Unlock()
		t.Close()
		return nil
	}
	if sess.state != stream.StateConnecting {
		// Closed during Open; handleClose already scheduled the reconnect
		m.mu.Unlock()
		return nil
	}
	sess.state = stream.StateConnected
	m.mu.Unlock()

	m.logger.Info("stream connected", "mode", sess.Mode, "sessionID", sess.ID)

	if sess.Mode == stream.ModeJPEGSocket {
		if err := t.Send(stream.ViewerHandshake{Type: stream.TypeViewer}); err != nil {
			m.logger.Warn("failed to send viewer handshake", "error", err)
		}
	}

	m.emitStatus(true)
	return nil
}

// deliver forwards a message of the live session to the handler
func (m *Manager) deliver(sess *StreamSession, data []byte) {
	m.mu.Lock()
	live := m.current == sess && sess.state == stream.StateConnected
	m.mu.Unlock()
	if !live {
		return
	}
	m.handler.HandleMessage(stream.Source{SessionID: sess.ID, Mode: sess.Mode}, data)
}

// handleError logs a transport error. Errors never trigger reconnects on
// their own; the close event does.
func (m *Manager) handleError(sess *StreamSession, err error) {
	m.logger.Warn("transport error", "mode", sess.Mode, "sessionID", sess.ID, "error", err)
	m.metrics.TransportError(sess.Mode)
}

// handleClose reacts to a transport close. Manual closes are swallowed;
// unexpected ones schedule a reconnect on the same mode.
func (m *Manager) handleClose(sess *StreamSession, err error) {
	m.mu.Lock()
	if sess.manualClose {
		// Suppression is consumed by this close
		sess.manualClose = false
		m.mu.Unlock()
		return
	}
	if m.current != sess || m.closed {
		m.mu.Unlock()
		return
	}

	sess.state = stream.StateReconnecting
	m.cancelReconnectLocked()
	gen := m.reconnectGen
	mode := sess.Mode
	m.reconnectTimer = time.AfterFunc(m.reconnectDelay, func() {
		m.reconnect(gen, mode)
	})
	m.mu.Unlock()

	m.logger.Warn("stream closed unexpectedly, reconnecting",
		"mode", mode, "sessionID", sess.ID, "delay", m.reconnectDelay, "error", err)
	m.metrics.Reconnect(mode)
	m.emitStatus(false)
}

// reconnect runs from the reconnect timer
func (m *Manager) reconnect(gen uint64, mode stream.Mode) {
	m.mu.Lock()
	if gen != m.reconnectGen || m.closed {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	if err := m.Connect(m.ctx, mode); err != nil {
		m.logger.Debug("reconnect attempt failed", "mode", mode, "error", err)
	}
}

func (m *Manager) emitStatus(connected bool) {
	m.metrics.SetConnected(connected)

	m.mu.Lock()
	hooks := append([]func(bool){}, m.statusHooks...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(connected)
	}
}

// Mode returns the mode of the current session, or "" before the first connect
func (m *Manager) Mode() stream.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.Mode
}

// Snapshot returns a copy of the current session state
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Snapshot{State: stream.StateIdle}
	}
	return Snapshot{
		ID:          m.current.ID,
		Mode:        m.current.Mode,
		State:       m.current.state,
		ManualClose: m.current.manualClose,
		FrameCount:  m.current.frameCount,
	}
}

// IsActive reports whether sessionID is the live, connected session
func (m *Manager) IsActive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActiveLocked(sessionID)
}

func (m *Manager) isActiveLocked(sessionID string) bool {
	return m.current != nil && m.current.ID == sessionID && m.current.state == stream.StateConnected
}

// CountFrame increments the live session's frame counter and returns it.
// Returns false when sessionID is no longer active.
func (m *Manager) CountFrame(sessionID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isActiveLocked(sessionID) {
		return 0, false
	}
	m.current.frameCount++
	return m.current.frameCount, true
}

// RunIfActive runs fn while holding the session lock if sessionID is still
// the live session. fn must be short and must not call back into the manager.
func (m *Manager) RunIfActive(sessionID string, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isActiveLocked(sessionID) {
		return false
	}
	fn()
	return true
}

// Send writes v on the live session's transport
func (m *Manager) Send(sessionID string, v any) error {
	m.mu.Lock()
	if !m.isActiveLocked(sessionID) || m.current.transport == nil {
		m.mu.Unlock()
		return transport.ErrNotConnected
	}
	t := m.current.transport
	m.mu.Unlock()
	return t.Send(v)
}
