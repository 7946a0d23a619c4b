// Package hubtest runs an in-process streaming server for tests: both video
// endpoints, the detection channel, per-mode health checks and the config store.
package hubtest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/surveillx_live_view_go/pkg/configstore"
	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

// DetectionsPath is where the hub serves the detection channel
const DetectionsPath = "/ws/detections"

const channelDetections = "detections"

type health struct {
	delay time.Duration
	fail  bool
}

// Hub simulates the streaming server
type Hub struct {
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[string]map[*websocket.Conn]bool
	writeMu  map[*websocket.Conn]*sync.Mutex
	received map[string][][]byte
	health   map[stream.Mode]health
	config   configstore.Config
	saves    int
	done     chan struct{}
}

// Start listens on 127.0.0.1:port (0 picks a free port)
func Start(port int, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	h := &Hub{
		listener: listener,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[string]map[*websocket.Conn]bool),
		writeMu:  make(map[*websocket.Conn]*sync.Mutex),
		received: make(map[string][][]byte),
		health:   make(map[stream.Mode]health),
		config:   configstore.Config{CurrentMode: stream.ModeJPEGSocket},
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(stream.ModeJPEGSocket.Path(), h.handleSocket(string(stream.ModeJPEGSocket)))
	mux.HandleFunc(stream.ModeWebRTC.Path(), h.handleSocket(string(stream.ModeWebRTC)))
	mux.HandleFunc(DetectionsPath, h.handleSocket(channelDetections))
	mux.HandleFunc("/health/{mode}", h.handleHealth)
	mux.HandleFunc(configstore.DefaultPath, h.handleConfig)

	h.server = &http.Server{Handler: mux}

	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("mock hub server error", "error", err)
		}
	}()

	logger.Info("mock hub started", "addr", listener.Addr().String())
	return h, nil
}

// Host returns the listen host
func (h *Hub) Host() string {
	host, _, _ := net.SplitHostPort(h.listener.Addr().String())
	return host
}

// Port returns the listen port
func (h *Hub) Port() int {
	_, port, _ := net.SplitHostPort(h.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// BaseURL returns the HTTP base URL
func (h *Hub) BaseURL() string {
	return "http://" + h.listener.Addr().String()
}

// URL returns the WebSocket URL for path
func (h *Hub) URL(path string) string {
	return "ws://" + h.listener.Addr().String() + path
}

// HealthPath returns the health endpoint path for mode
func HealthPath(mode stream.Mode) string {
	return "/health/" + string(mode)
}

func (h *Hub) handleSocket(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("failed to upgrade connection", "error", err)
			return
		}

		h.mu.Lock()
		if h.clients[channel] == nil {
			h.clients[channel] = make(map[*websocket.Conn]bool)
		}
		h.clients[channel][conn] = true
		h.writeMu[conn] = &sync.Mutex{}
		h.mu.Unlock()

		defer func() {
			h.mu.Lock()
			delete(h.clients[channel], conn)
			delete(h.writeMu, conn)
			h.mu.Unlock()
			conn.Close()
		}()

		for {
			select {
			case <-h.done:
				return
			default:
			}

			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("hub read error", "channel", channel, "error", err)
				}
				return
			}

			h.mu.Lock()
			h.received[channel] = append(h.received[channel], data)
			h.mu.Unlock()

			var msg struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
				h.write(conn, map[string]any{"type": stream.TypePong})
			}
		}
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	mode := stream.Mode(r.PathValue("mode"))

	h.mu.Lock()
	hc := h.health[mode]
	h.mu.Unlock()

	if hc.delay > 0 {
		select {
		case <-time.After(hc.delay):
		case <-r.Context().Done():
			return
		}
	}
	if hc.fail || !mode.Valid() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy"}`))
}

func (h *Hub) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.mu.Lock()
		cfg := h.config
		h.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cfg)
	case http.MethodPost:
		var cfg configstore.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.config = cfg
		h.saves++
		h.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SetHealth configures the health endpoint of mode
func (h *Hub) SetHealth(mode stream.Mode, delay time.Duration, fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health[mode] = health{delay: delay, fail: fail}
}

// SetConfig replaces the stored stream config
func (h *Hub) SetConfig(cfg configstore.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = cfg
}

// Config returns the stored stream config and how many times it was saved
func (h *Hub) Config() (configstore.Config, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.config, h.saves
}

// Send writes v to every client on mode's socket
func (h *Hub) Send(mode stream.Mode, v any) {
	h.broadcast(string(mode), v)
}

// SendDetection writes v to every detection channel client
func (h *Hub) SendDetection(v any) {
	h.broadcast(channelDetections, v)
}

func (h *Hub) broadcast(channel string, v any) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients[channel]))
	for c := range h.clients[channel] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := h.write(c, v); err != nil {
			h.logger.Debug("failed to broadcast", "channel", channel, "error", err)
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.mu.Lock()
	wmu := h.writeMu[conn]
	h.mu.Unlock()
	if wmu == nil {
		return fmt.Errorf("connection gone")
	}
	wmu.Lock()
	defer wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Drop closes every client on mode's socket without a close handshake
func (h *Hub) Drop(mode stream.Mode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[string(mode)] {
		c.Close()
	}
}

// ClientCount returns the number of clients connected on mode
func (h *Hub) ClientCount(mode stream.Mode) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[string(mode)])
}

// DetectionClients returns the number of detection channel clients
func (h *Hub) DetectionClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[channelDetections])
}

// Received returns the messages clients sent on mode's socket
func (h *Hub) Received(mode stream.Mode) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte{}, h.received[string(mode)]...)
}

// ReceivedTypes returns the "type" field of every message received on mode
func (h *Hub) ReceivedTypes(mode stream.Mode) []string {
	var types []string
	for _, data := range h.Received(mode) {
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil {
			types = append(types, msg.Type)
		}
	}
	return types
}

// WaitForClients waits for n clients on mode (with timeout)
func (h *Hub) WaitForClients(mode stream.Mode, n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		count := h.ClientCount(mode)
		if count >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %d %s clients, got %d", n, mode, count)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Close stops the hub
func (h *Hub) Close() error {
	close(h.done)

	h.mu.Lock()
	for _, set := range h.clients {
		for c := range set {
			c.Close()
		}
	}
	h.mu.Unlock()

	return h.server.Close()
}

// Frame builds a frame message carrying a solid-colour JPEG of w x h
func Frame(w, hgt int, c color.Color, capturedAt time.Time) map[string]any {
	img := image.NewRGBA(image.Rect(0, 0, w, hgt))
	for y := 0; y < hgt; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80})

	return map[string]any{
		"type":        stream.TypeFrame,
		"frame":       base64.StdEncoding.EncodeToString(buf.Bytes()),
		"timestamp":   float64(capturedAt.UnixMilli()) / 1000,
		"server_time": capturedAt.UnixMilli(),
		"camera_id":   1,
		"width":       w,
		"height":      hgt,
	}
}
