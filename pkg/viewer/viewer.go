// Package viewer wires the stream session, frame pipeline, detection overlay
// and auto-switch controller into one headless live viewer.
package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/silviot/surveillx_live_view_go/pkg/autoswitch"
	"github.com/silviot/surveillx_live_view_go/pkg/configstore"
	"github.com/silviot/surveillx_live_view_go/pkg/metrics"
	"github.com/silviot/surveillx_live_view_go/pkg/overlay"
	"github.com/silviot/surveillx_live_view_go/pkg/render"
	"github.com/silviot/surveillx_live_view_go/pkg/session"
	"github.com/silviot/surveillx_live_view_go/pkg/stream"
	"github.com/silviot/surveillx_live_view_go/pkg/telemetry"
	"github.com/silviot/surveillx_live_view_go/pkg/transport"
)

// Options carries runtime dependencies that are not part of the file config
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Factory overrides the production transports
	Factory transport.Factory
	// Prober overrides the HTTP health prober
	Prober autoswitch.Prober
}

// Viewer is the composed live viewer
type Viewer struct {
	cfg    Config
	logger *slog.Logger

	manager    *session.Manager
	pipeline   *render.Pipeline
	recorder   *telemetry.Recorder
	overlay    *overlay.Store
	feed       *overlay.Feed
	autoSwitch *autoswitch.Controller
	store      *configstore.Client

	mu        sync.Mutex
	connected bool
	started   bool
}

// Status is the connectivity indicator and telemetry snapshot
type Status struct {
	Connected          bool                               `json:"connected"`
	Streaming          bool                               `json:"streaming"`
	Mode               stream.Mode                        `json:"mode"`
	State              stream.State                       `json:"state"`
	SessionID          string                             `json:"sessionID,omitempty"`
	FrameCount         int                                `json:"frameCount"`
	FPS                float64                            `json:"fps"`
	MeanLatencyMS      map[stream.Mode]autoswitch.Latency `json:"meanLatencyMS"`
	Frame              render.FrameInfo                   `json:"frame"`
	Overlay            overlay.State                      `json:"overlay"`
	DetectionConnected bool                               `json:"detectionConnected"`
	AutoSwitch         bool                               `json:"autoSwitch"`
	LastDecision       *autoswitch.Decision               `json:"lastDecision,omitempty"`
}

// New builds a viewer from cfg
func New(cfg Config, opts Options) (*Viewer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid viewer config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger

	v := &Viewer{
		cfg:     cfg,
		logger:  logger,
		overlay: overlay.NewStore(),
	}

	v.recorder = telemetry.NewRecorder(telemetry.RecorderConfig{Metrics: opts.Metrics})

	factory := opts.Factory
	if factory == nil {
		factory = transport.NewFactory(v.dialerConfig())
	}

	v.manager = session.NewManager(session.ManagerConfig{
		Factory: factory,
		Handler: session.MessageHandlerFunc(func(src stream.Source, data []byte) {
			v.pipeline.HandleMessage(src, data)
		}),
		ReconnectDelay: cfg.ReconnectDelay,
		Metrics:        opts.Metrics,
		Logger:         logger.With("component", "session"),
	})
	v.manager.OnStatus(v.handleStatus)

	v.pipeline = render.NewPipeline(render.PipelineConfig{
		Gate:               v.manager,
		Overlay:            v.overlay,
		Recorder:           v.recorder,
		Metrics:            opts.Metrics,
		Logger:             logger.With("component", "render"),
		LatencyReportEvery: cfg.LatencyReportEvery,
		OnStreaming: func(streaming bool) {
			logger.Info("stream status changed", "streaming", streaming)
		},
	})

	v.feed = overlay.NewFeed(overlay.FeedConfig{
		URL:     cfg.DetectionURL(),
		Store:   v.overlay,
		Metrics: opts.Metrics,
		Logger:  logger.With("component", "detections"),
	})

	store, err := configstore.NewClient(configstore.ClientConfig{
		BaseURL: cfg.ConfigStoreURL(),
		Token:   cfg.ConfigStore.Token,
		Logger:  logger.With("component", "configstore"),
	})
	if err != nil {
		return nil, err
	}
	v.store = store

	prober := opts.Prober
	if prober == nil {
		urls := make(map[stream.Mode]string, len(stream.Modes))
		for mode, ep := range cfg.ResolvedEndpoints() {
			urls[mode] = ep.HealthURL()
		}
		prober = autoswitch.NewHTTPProber(urls)
	}

	v.autoSwitch = autoswitch.NewController(autoswitch.Config{
		Policy:   cfg.Policy(),
		Switcher: v.manager,
		Latency:  v.recorder,
		Prober:   prober,
		Store:    v.store,
		Metrics:  opts.Metrics,
		Logger:   logger.With("component", "autoswitch"),
	})

	return v, nil
}

func (v *Viewer) dialerConfig() transport.DialerConfig {
	return transport.DialerConfig{
		Endpoints: v.cfg.ResolvedEndpoints(),
		WebSocket: transport.WebSocketConfig{
			Logger: v.logger.With("component", "transport", "mode", stream.ModeJPEGSocket),
		},
		WebRTC: transport.WebRTCConfig{
			ICEServers: v.cfg.ICEServers,
			Logger:     v.logger.With("component", "transport", "mode", stream.ModeWebRTC),
		},
	}
}

// Start loads the persisted selection, connects, starts the detection feed
// and enables auto-switch when configured. Connection failures are not
// returned; the session keeps retrying in the background.
func (v *Viewer) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return fmt.Errorf("viewer already started")
	}
	v.started = true
	v.mu.Unlock()

	mode := v.cfg.Mode
	autoSwitch := v.cfg.AutoSwitch

	persisted, err := v.store.Load(ctx)
	if err != nil {
		v.logger.Warn("could not load stream config, using configured mode", "mode", mode, "error", err)
	} else {
		if persisted.CurrentMode.Valid() {
			mode = persisted.CurrentMode
		}
		autoSwitch = persisted.AutoSwitch
	}

	v.feed.Start(context.Background())

	v.logger.Info("starting live viewer", "mode", mode, "autoSwitch", autoSwitch)
	if err := v.manager.Connect(ctx, mode); err != nil {
		v.logger.Warn("initial connect failed, retrying in background", "mode", mode, "error", err)
	}

	if autoSwitch {
		v.autoSwitch.Enable()
	}
	return nil
}

// SetMode persists and switches to mode
func (v *Viewer) SetMode(ctx context.Context, mode stream.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown stream mode %q", mode)
	}

	err := v.store.Save(ctx, configstore.Config{CurrentMode: mode, AutoSwitch: v.autoSwitch.Enabled()})
	if err != nil {
		v.logger.Warn("failed to persist mode selection", "mode", mode, "error", err)
	}

	if v.manager.Mode() == mode && v.manager.Snapshot().State != stream.StateClosed {
		return nil
	}
	v.recorder.ResetArrival()
	return v.manager.Switch(ctx, mode)
}

// SetAutoSwitch persists and applies the auto-switch toggle
func (v *Viewer) SetAutoSwitch(ctx context.Context, enabled bool) error {
	mode := v.manager.Mode()
	if mode == "" {
		mode = v.cfg.Mode
	}
	if err := v.store.Save(ctx, configstore.Config{CurrentMode: mode, AutoSwitch: enabled}); err != nil {
		v.logger.Warn("failed to persist auto-switch toggle", "enabled", enabled, "error", err)
	}

	if enabled {
		v.autoSwitch.Enable()
	} else {
		v.autoSwitch.Disable()
	}
	return nil
}

// Status returns the connectivity indicator and telemetry
func (v *Viewer) Status() Status {
	snap := v.manager.Snapshot()

	v.mu.Lock()
	connected := v.connected
	v.mu.Unlock()

	info := v.pipeline.Info()
	means := make(map[stream.Mode]autoswitch.Latency)
	for _, mode := range stream.Modes {
		if mean, ok := v.recorder.Mean(mode); ok {
			means[mode] = autoswitch.Latency(mean)
		}
	}

	return Status{
		Connected:          connected,
		Streaming:          info.Streaming,
		Mode:               snap.Mode,
		State:              snap.State,
		SessionID:          snap.ID,
		FrameCount:         snap.FrameCount,
		FPS:                v.recorder.FPS(),
		MeanLatencyMS:      means,
		Frame:              info,
		Overlay:            v.overlay.Current(),
		DetectionConnected: v.feed.Connected(),
		AutoSwitch:         v.autoSwitch.Enabled(),
		LastDecision:       v.autoSwitch.LastDecision(),
	}
}

// Surface returns the display surface
func (v *Viewer) Surface() *render.Surface {
	return v.pipeline.Surface()
}

// Close stops every background task and disconnects
func (v *Viewer) Close() error {
	v.autoSwitch.Disable()
	v.feed.Stop()
	err := v.manager.Close()
	v.pipeline.Wait()
	return err
}

func (v *Viewer) handleStatus(connected bool) {
	v.mu.Lock()
	v.connected = connected
	v.mu.Unlock()

	if !connected {
		v.pipeline.ResetStreaming()
		v.recorder.ResetArrival()
	}
}
