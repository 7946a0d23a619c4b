package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/silviot/surveillx_live_view_go/pkg/metrics"
	"github.com/silviot/surveillx_live_view_go/pkg/stream"
	"github.com/silviot/surveillx_live_view_go/pkg/transport"
)

// Detection sources for metrics
const (
	SourceChannel = "channel"
	SourceFrame   = "frame"
)

// DefaultRetryDelay is the pause between detection channel reconnects
const DefaultRetryDelay = 3 * time.Second

// FeedConfig holds detection channel configuration
type FeedConfig struct {
	URL        string
	Store      *Store
	RetryDelay time.Duration
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Feed subscribes to the always-on detection channel and replaces the
// overlay on every event. It is independent of the active video mode.
type Feed struct {
	cfg       FeedConfig
	logger    *slog.Logger
	connected atomic.Bool
	events    atomic.Int64
	badLog    rate.Sometimes

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeed creates a detection feed; call Start to connect
func NewFeed(cfg FeedConfig) *Feed {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Store == nil {
		cfg.Store = NewStore()
	}
	return &Feed{
		cfg:    cfg,
		logger: cfg.Logger,
		badLog: rate.Sometimes{First: 5, Every: 100},
	}
}

// Start runs the feed in the background until Stop or ctx is done.
// Calling Start on a running feed does nothing.
func (f *Feed) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		f.Run(ctx)
	}(f.done)
}

// Stop disconnects and waits for the feed goroutine to exit
func (f *Feed) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run connects and reconnects every RetryDelay until ctx is done
func (f *Feed) Run(ctx context.Context) {
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("detection channel closed, retrying",
			"url", f.cfg.URL, "delay", f.cfg.RetryDelay, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.cfg.RetryDelay):
		}
	}
}

// session holds one connection open until it closes or ctx is done
func (f *Feed) session(ctx context.Context) error {
	ws := transport.NewWebSocket(transport.WebSocketConfig{
		URL:    f.cfg.URL,
		Logger: f.logger,
	})

	closed := make(chan error, 1)
	err := ws.Open(ctx, transport.Handlers{
		OnMessage: func(data []byte) {
			if err := f.HandleMessage(data); err != nil {
				f.badLog.Do(func() {
					f.logger.Debug("dropping detection message", "error", err)
				})
			}
		},
		OnClose: func(err error) { closed <- err },
	})
	if err != nil {
		return err
	}

	f.connected.Store(true)
	defer f.connected.Store(false)
	f.logger.Info("detection channel connected", "url", f.cfg.URL)

	select {
	case err := <-closed:
		return err
	case <-ctx.Done():
		ws.Close()
		return ctx.Err()
	}
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HandleMessage parses one detection payload and replaces the overlay.
// Bare events and {"type":"detection","data":{...}} envelopes are accepted;
// other typed control messages are ignored.
func (f *Feed) HandleMessage(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("malformed detection message: %w", err)
	}

	payload := data
	switch {
	case env.Type == stream.TypeDetection && len(env.Data) > 0:
		payload = env.Data
	case env.Type != "" && env.Type != stream.TypeDetection:
		return nil
	}

	var ev stream.DetectionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("malformed detection event: %w", err)
	}

	f.cfg.Store.Replace(FromEvent(ev))
	f.events.Add(1)
	f.cfg.Metrics.DetectionApplied(SourceChannel)
	return nil
}

// Connected reports whether the detection channel is open
func (f *Feed) Connected() bool {
	return f.connected.Load()
}

// Events returns the number of detection events applied
func (f *Feed) Events() int64 {
	return f.events.Load()
}
