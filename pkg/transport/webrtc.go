package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

const (
	defaultDataChannelLabel = "frames"
	defaultGatherTimeout    = 5 * time.Second
)

// Signaling message types exchanged on the signaling socket
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// SignalMessage is an SDP offer/answer or trickled ICE candidate
type SignalMessage struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// ICEServer is a STUN or TURN server
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// WebRTCConfig holds WebRTC transport configuration
type WebRTCConfig struct {
	SignalingURL     string
	ICEServers       []ICEServer
	DataChannelLabel string
	GatherTimeout    time.Duration
	Logger           *slog.Logger
}

// WebRTC is a Transport that negotiates a peer connection over a signaling
// WebSocket and receives frame messages on an unordered data channel.
// Frame messages relayed on the signaling socket itself are delivered too.
type WebRTC struct {
	cfg       WebRTCConfig
	logger    *slog.Logger
	api       *webrtc.API
	rtcConfig webrtc.Configuration

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	signaling *WebSocket
	handlers  Handlers
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebRTC creates an unopened WebRTC transport
func NewWebRTC(cfg WebRTCConfig) (*WebRTC, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DataChannelLabel == "" {
		cfg.DataChannelLabel = defaultDataChannelLabel
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	if cfg.SignalingURL == "" {
		return nil, fmt.Errorf("signaling URL required")
	}

	rtcConfig := webrtc.Configuration{}
	for _, s := range cfg.ICEServers {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	se := webrtc.SettingEngine{}
	// Frames are ~100-300KB JPEGs; allow large SCTP messages
	se.SetSCTPMaxReceiveBufferSize(8 << 20)
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)

	return &WebRTC{
		cfg:       cfg,
		logger:    cfg.Logger,
		api:       webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		rtcConfig: rtcConfig,
		closed:    make(chan struct{}),
	}, nil
}

// Open connects the signaling socket, creates the peer connection and
// sends the offer. The transport counts as open once the offer is sent;
// the answer is applied asynchronously.
func (t *WebRTC) Open(ctx context.Context, h Handlers) error {
	pc, err := t.api.NewPeerConnection(t.rtcConfig)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	ordered := false
	maxRetransmits := uint16(0)
	dc, err := pc.CreateDataChannel(t.cfg.DataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to create data channel: %w", err)
	}

	dc.OnOpen(func() {
		t.logger.Info("frame data channel open", "label", dc.Label())
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if h.OnMessage != nil {
			h.OnMessage(msg.Data)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Debug("ICE connection state changed", "state", state.String())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Info("peer connection state changed", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			t.finish(fmt.Errorf("peer connection %s", state.String()))
		}
	})

	signaling := NewWebSocket(WebSocketConfig{
		URL:    t.cfg.SignalingURL,
		Logger: t.logger,
	})

	t.mu.Lock()
	t.pc = pc
	t.signaling = signaling
	t.handlers = h
	t.mu.Unlock()

	err = signaling.Open(ctx, Handlers{
		OnMessage: t.handleSignal,
		OnClose:   t.finish,
		OnError:   h.OnError,
	})
	if err != nil {
		pc.Close()
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.abort()
		return fmt.Errorf("failed to create offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.abort()
		return fmt.Errorf("failed to set local description: %w", err)
	}

	gatherCtx, cancel := context.WithTimeout(ctx, t.cfg.GatherTimeout)
	defer cancel()
	select {
	case <-gatherComplete:
	case <-gatherCtx.Done():
		t.logger.Warn("ICE gathering incomplete, sending partial offer")
	}

	local := pc.LocalDescription()
	if err := signaling.Send(SignalMessage{Type: SignalOffer, SDP: local.SDP}); err != nil {
		t.abort()
		return fmt.Errorf("failed to send offer: %w", err)
	}

	t.logger.Debug("offer sent", "url", t.cfg.SignalingURL)
	return nil
}

// handleSignal applies answers and candidates; anything else is a relayed
// stream message
func (t *WebRTC) handleSignal(data []byte) {
	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err == nil {
		switch msg.Type {
		case SignalAnswer:
			t.applyAnswer(msg.SDP)
			return
		case SignalCandidate:
			t.addCandidate(msg.Candidate)
			return
		}
	}

	if t.handlers.OnMessage != nil {
		t.handlers.OnMessage(data)
	}
}

func (t *WebRTC) applyAnswer(sdp string) {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pc.SetRemoteDescription(answer); err != nil {
		t.logger.Warn("failed to apply answer", "error", err)
		if t.handlers.OnError != nil {
			t.handlers.OnError(err)
		}
		return
	}
	t.logger.Info("answer applied")
}

func (t *WebRTC) addCandidate(c *webrtc.ICECandidateInit) {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil || c == nil {
		return
	}
	if err := pc.AddICECandidate(*c); err != nil {
		t.logger.Debug("failed to add ICE candidate", "error", err)
	}
}

// Send writes v on the signaling socket
func (t *WebRTC) Send(v any) error {
	t.mu.Lock()
	signaling := t.signaling
	t.mu.Unlock()
	if signaling == nil {
		return ErrNotConnected
	}
	return signaling.Send(v)
}

// Close tears down signaling and the peer connection; OnClose fires once
func (t *WebRTC) Close() error {
	t.mu.Lock()
	signaling := t.signaling
	pc := t.pc
	t.mu.Unlock()

	if signaling == nil {
		return nil
	}
	// Closing signaling fires finish through its OnClose
	signaling.Close()
	t.finish(nil)
	if pc != nil {
		return pc.Close()
	}
	return nil
}

// abort releases resources after a failed Open without firing OnClose
func (t *WebRTC) abort() {
	t.closeOnce.Do(func() { close(t.closed) })
	t.mu.Lock()
	signaling := t.signaling
	pc := t.pc
	t.mu.Unlock()
	signaling.Close()
	pc.Close()
}

// finish fires OnClose exactly once and releases the peer connection
func (t *WebRTC) finish(err error) {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		pc := t.pc
		signaling := t.signaling
		t.mu.Unlock()

		if pc != nil {
			go pc.Close()
		}
		if signaling != nil {
			// No-op when signaling itself triggered the close
			go signaling.Close()
		}

		if t.handlers.OnClose != nil {
			t.handlers.OnClose(err)
		}
	})
}
