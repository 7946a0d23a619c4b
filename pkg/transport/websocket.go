package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 20 * time.Second
	defaultPongWait         = 45 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	// Base64 JPEG frames at 720p stay well under this
	defaultReadLimit = 4 << 20
)

// WebSocketConfig holds WebSocket transport configuration
type WebSocketConfig struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	ReadLimit        int64
	Logger           *slog.Logger
}

// WebSocket is a Transport over a gorilla/websocket connection
type WebSocket struct {
	cfg       WebSocketConfig
	logger    *slog.Logger
	conn      *websocket.Conn
	mu        sync.Mutex // guards conn and writes
	handlers  Handlers
	closeOnce sync.Once
	closing   chan struct{}
	wg        sync.WaitGroup
}

// NewWebSocket creates an unopened WebSocket transport
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}

	return &WebSocket{
		cfg:     cfg,
		logger:  cfg.Logger,
		closing: make(chan struct{}),
	}
}

// Open dials the server and starts the read and keep-alive loops
func (w *WebSocket) Open(ctx context.Context, h Handlers) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: w.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, w.cfg.Header)
	if err != nil {
		w.logger.Warn("websocket dial failed", "url", w.cfg.URL, "error", err)
		return err
	}

	conn.SetReadLimit(w.cfg.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	})

	w.mu.Lock()
	select {
	case <-w.closing:
		// Close raced with the dial
		w.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	default:
	}
	w.conn = conn
	w.handlers = h
	w.mu.Unlock()

	w.logger.Debug("websocket connected", "url", w.cfg.URL)

	w.wg.Add(2)
	go w.readLoop(conn)
	go w.pingLoop(conn)

	return nil
}

// readLoop delivers inbound messages until the connection ends
func (w *WebSocket) readLoop(conn *websocket.Conn) {
	defer w.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if w.isClosing() {
				w.finish(nil)
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Debug("websocket read error", "url", w.cfg.URL, "error", err)
			}
			w.finish(err)
			return
		}
		// Any traffic proves liveness
		conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))

		if w.handlers.OnMessage != nil {
			w.handlers.OnMessage(data)
		}
	}
}

// pingLoop keeps idle connections alive while no frames flow
func (w *WebSocket) pingLoop(conn *websocket.Conn) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.closing:
			return
		case <-ticker.C:
			w.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout))
			w.mu.Unlock()
			if err != nil {
				w.reportError(err)
			}
		}
	}
}

// Send writes v as a JSON text message
func (w *WebSocket) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.conn == nil || w.isClosing() {
		w.mu.Unlock()
		return ErrNotConnected
	}
	w.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	err = w.conn.WriteMessage(websocket.TextMessage, data)
	w.mu.Unlock()

	if err != nil {
		w.reportError(err)
		return err
	}
	return nil
}

// Close closes the connection and waits for the read loop; OnClose fires
// before it returns. Must not be called from inside a handler.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	select {
	case <-w.closing:
		w.mu.Unlock()
		return nil
	default:
		close(w.closing)
	}
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return nil
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
	w.wg.Wait()
	return nil
}

// finish fires OnClose exactly once
func (w *WebSocket) finish(err error) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		select {
		case <-w.closing:
		default:
			close(w.closing)
		}
		if w.conn != nil {
			w.conn.Close()
		}
		w.mu.Unlock()

		if w.handlers.OnClose != nil {
			w.handlers.OnClose(err)
		}
	})
}

func (w *WebSocket) reportError(err error) {
	w.logger.Debug("websocket error", "url", w.cfg.URL, "error", err)
	if w.handlers.OnError != nil {
		w.handlers.OnError(err)
	}
}

func (w *WebSocket) isClosing() bool {
	select {
	case <-w.closing:
		return true
	default:
		return false
	}
}
