package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

// echoServer is a minimal streaming endpoint: it records inbound text
// messages and lets the test push messages or drop the connection
type echoServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conn     *websocket.Conn
	received [][]byte
	ready    chan struct{}
}

func newEchoServer(t *testing.T) *echoServer {
	s := &echoServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		ready:    make(chan struct{}, 1),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *echoServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.ready <- struct{}{}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, data)
		s.mu.Unlock()
	}
}

func (s *echoServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *echoServer) push(t *testing.T, v any) {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.conn.WriteMessage(websocket.TextMessage, data))
}

func (s *echoServer) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *echoServer) receivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func TestWebSocketOpenFailsWithoutServer(t *testing.T) {
	ws := NewWebSocket(WebSocketConfig{URL: "ws://127.0.0.1:1/ws/stream", HandshakeTimeout: time.Second})

	closed := false
	err := ws.Open(context.Background(), Handlers{OnClose: func(error) { closed = true }})
	require.Error(t, err)
	assert.False(t, closed, "OnClose must not fire for a failed open")
	assert.ErrorIs(t, ws.Send(stream.ViewerHandshake{Type: stream.TypeViewer}), ErrNotConnected)
}

func TestWebSocketDeliversMessagesAndSends(t *testing.T) {
	srv := newEchoServer(t)
	ws := NewWebSocket(WebSocketConfig{URL: srv.url()})

	msgs := make(chan []byte, 4)
	require.NoError(t, ws.Open(context.Background(), Handlers{
		OnMessage: func(data []byte) { msgs <- data },
	}))
	defer ws.Close()
	<-srv.ready

	require.NoError(t, ws.Send(stream.ViewerHandshake{Type: stream.TypeViewer}))
	assert.Eventually(t, func() bool { return srv.receivedCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.push(t, map[string]any{"type": "status", "streaming": true})
	select {
	case data := <-msgs:
		assert.JSONEq(t, `{"type":"status","streaming":true}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestWebSocketCloseFiresOnCloseOnce(t *testing.T) {
	srv := newEchoServer(t)
	ws := NewWebSocket(WebSocketConfig{URL: srv.url()})

	var mu sync.Mutex
	var closes []error
	require.NoError(t, ws.Open(context.Background(), Handlers{
		OnClose: func(err error) {
			mu.Lock()
			closes = append(closes, err)
			mu.Unlock()
		},
	}))
	<-srv.ready

	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, closes, 1)
	assert.NoError(t, closes[0], "local close reports no error")
}

func TestWebSocketRemoteDropFiresOnClose(t *testing.T) {
	srv := newEchoServer(t)
	ws := NewWebSocket(WebSocketConfig{URL: srv.url()})

	closed := make(chan error, 1)
	require.NoError(t, ws.Open(context.Background(), Handlers{
		OnClose: func(err error) { closed <- err },
	}))
	<-srv.ready

	srv.drop()

	select {
	case err := <-closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not fired after remote drop")
	}
}

func TestEndpointURLs(t *testing.T) {
	ep := Endpoint{Host: "cam.example.com", Port: 8443, Secure: true}
	assert.Equal(t, "wss://cam.example.com:8443/ws/stream", ep.WebSocketURL(stream.ModeJPEGSocket.Path()))
	assert.Equal(t, "https://cam.example.com:8443/health", ep.HealthURL())

	plain := Endpoint{Host: "10.0.0.5", HealthPath: "/stats"}
	assert.Equal(t, "ws://10.0.0.5/ws/fastrtc", plain.WebSocketURL(stream.ModeWebRTC.Path()))
	assert.Equal(t, "http://10.0.0.5/stats", plain.HealthURL())
}

func TestFactoryRejectsUnknownEndpoint(t *testing.T) {
	f := NewFactory(DialerConfig{Endpoints: map[stream.Mode]Endpoint{
		stream.ModeJPEGSocket: {Host: "localhost", Port: 8443},
	}})

	tr, err := f.New(stream.ModeJPEGSocket)
	require.NoError(t, err)
	assert.IsType(t, &WebSocket{}, tr)

	_, err = f.New(stream.ModeWebRTC)
	assert.Error(t, err)
}
