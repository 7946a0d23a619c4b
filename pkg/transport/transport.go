// Package transport abstracts the two real-time delivery channels behind a
// callback interface so the session state machine can run without a real socket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

// ErrNotConnected is returned by Send before Open or after Close
var ErrNotConnected = errors.New("transport not connected")

// Handlers receive transport events. OnClose fires exactly once per
// successful Open, whether the close was remote or caused by Close.
type Handlers struct {
	OnMessage func(data []byte)
	OnClose   func(err error)
	OnError   func(err error)
}

// Transport is a single live connection to the streaming server
type Transport interface {
	// Open connects and returns once the transport is usable
	Open(ctx context.Context, h Handlers) error
	// Send writes a JSON message to the server
	Send(v any) error
	// Close tears the connection down; OnClose follows
	Close() error
}

// Factory creates a transport for a mode
type Factory interface {
	New(mode stream.Mode) (Transport, error)
}

// FactoryFunc adapts a function to Factory
type FactoryFunc func(mode stream.Mode) (Transport, error)

// New implements Factory
func (f FactoryFunc) New(mode stream.Mode) (Transport, error) {
	return f(mode)
}

// Endpoint locates a mode's server
type Endpoint struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Secure     bool   `yaml:"secure"`
	HealthPath string `yaml:"health_path"`
}

func (e Endpoint) hostPort() string {
	if e.Port == 0 {
		return e.Host
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// WebSocketURL returns {ws|wss}://host[:port]/path
func (e Endpoint) WebSocketURL(path string) string {
	scheme := "ws"
	if e.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, e.hostPort(), path)
}

// HealthURL returns the HTTP reachability probe target
func (e Endpoint) HealthURL() string {
	scheme := "http"
	if e.Secure {
		scheme = "https"
	}
	path := e.HealthPath
	if path == "" {
		path = "/health"
	}
	return fmt.Sprintf("%s://%s%s", scheme, e.hostPort(), path)
}

// DialerConfig builds transports for both modes
type DialerConfig struct {
	Endpoints map[stream.Mode]Endpoint
	WebSocket WebSocketConfig
	WebRTC    WebRTCConfig
}

// NewFactory returns the production factory: a WebSocket transport for the
// JPEG socket mode and a WebRTC transport for the alternate mode
func NewFactory(cfg DialerConfig) Factory {
	return FactoryFunc(func(mode stream.Mode) (Transport, error) {
		ep, ok := cfg.Endpoints[mode]
		if !ok {
			return nil, fmt.Errorf("no endpoint configured for mode %s", mode)
		}
		switch mode {
		case stream.ModeJPEGSocket:
			wsCfg := cfg.WebSocket
			wsCfg.URL = ep.WebSocketURL(mode.Path())
			return NewWebSocket(wsCfg), nil
		case stream.ModeWebRTC:
			rtcCfg := cfg.WebRTC
			rtcCfg.SignalingURL = ep.WebSocketURL(mode.Path())
			return NewWebRTC(rtcCfg)
		}
		return nil, fmt.Errorf("unsupported mode %q", mode)
	})
}
