package autoswitch

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/silviot/surveillx_live_view_go/pkg/configstore"
	"github.com/silviot/surveillx_live_view_go/pkg/metrics"
	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

// Switcher is the part of the session manager the controller drives
type Switcher interface {
	Mode() stream.Mode
	Switch(ctx context.Context, mode stream.Mode) error
}

// LatencySource exposes the per-mode sample windows
type LatencySource interface {
	Mean(mode stream.Mode) (float64, bool)
	Reset()
}

// Prober measures a mode that has no samples
type Prober interface {
	Probe(ctx context.Context, mode stream.Mode) (float64, error)
}

// ModeStore persists the selected mode
type ModeStore interface {
	Save(ctx context.Context, cfg configstore.Config) error
}

// Measurement is one mode's latency in a cycle
type Measurement struct {
	Mode    stream.Mode `json:"mode"`
	Latency Latency     `json:"latencyMS"`
	Probed  bool        `json:"probed"`
}

// Decision records the outcome of one evaluation cycle
type Decision struct {
	At       time.Time   `json:"at"`
	Current  Measurement `json:"current"`
	Other    Measurement `json:"other"`
	Switched bool        `json:"switched"`
	Error    string      `json:"error,omitempty"`
}

// Config holds controller configuration
type Config struct {
	Policy   Policy
	Switcher Switcher
	Latency  LatencySource
	Prober   Prober
	Store    ModeStore // optional
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Controller runs the evaluation cycle on a fixed interval while enabled
type Controller struct {
	policy   Policy
	switcher Switcher
	latency  LatencySource
	prober   Prober
	store    ModeStore
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *Decision

	evalMu  sync.Mutex
	loops   atomic.Int32
	evalRun atomic.Int64
}

// NewController creates a disabled controller
func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		policy:   cfg.Policy.withDefaults(),
		switcher: cfg.Switcher,
		latency:  cfg.Latency,
		prober:   cfg.Prober,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Enable starts the interval. Enabling an enabled controller is a no-op.
func (c *Controller) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go c.loop(ctx, done)
	c.logger.Info("auto-switch enabled", "interval", c.policy.ProbeInterval, "threshold", c.policy.SwitchThreshold)
}

// Disable stops the interval and waits for an in-progress cycle to end
func (c *Controller) Disable() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("auto-switch disabled")
}

// Enabled reports whether the interval is running
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// LastDecision returns the most recent cycle outcome, nil before the first
func (c *Controller) LastDecision() *Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	d := *c.last
	return &d
}

// Policy returns the effective policy
func (c *Controller) Policy() Policy {
	p := c.policy
	p.Enabled = c.Enabled()
	return p
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	c.loops.Add(1)
	defer c.loops.Add(-1)

	ticker := time.NewTicker(c.policy.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate(ctx)
		}
	}
}

// Evaluate runs one cycle: measure both modes, switch when the alternate
// wins by more than the threshold, then clear both sample windows.
func (c *Controller) Evaluate(ctx context.Context) Decision {
	c.evalMu.Lock()
	defer c.evalMu.Unlock()
	c.evalRun.Add(1)

	// Every cycle starts from fresh samples, switch or not
	defer c.latency.Reset()

	d := Decision{At: time.Now()}
	current := c.switcher.Mode()
	if !current.Valid() {
		return d
	}
	other := current.Alternate()

	measurements := make([]Measurement, 2)
	g, gctx := errgroup.WithContext(ctx)
	for i, mode := range []stream.Mode{current, other} {
		g.Go(func() error {
			measurements[i] = c.measure(gctx, mode)
			return nil
		})
	}
	g.Wait()
	d.Current, d.Other = measurements[0], measurements[1]

	threshold := float64(c.policy.SwitchThreshold) / float64(time.Millisecond)
	if !ShouldSwitch(float64(d.Current.Latency), float64(d.Other.Latency), threshold) {
		c.logger.Debug("auto-switch keeping mode",
			"mode", current, "currentMS", float64(d.Current.Latency), "otherMS", float64(d.Other.Latency))
		c.record(d)
		return d
	}

	c.logger.Info("auto-switch selecting faster mode",
		"from", current, "to", other,
		"currentMS", float64(d.Current.Latency), "otherMS", float64(d.Other.Latency))

	if c.store != nil {
		err := c.store.Save(ctx, configstore.Config{CurrentMode: other, AutoSwitch: c.Enabled()})
		if err != nil {
			c.logger.Warn("failed to persist auto-switch selection", "mode", other, "error", err)
		}
	}

	if err := c.switcher.Switch(ctx, other); err != nil {
		c.logger.Warn("auto-switch failed to open new mode", "mode", other, "error", err)
		d.Error = err.Error()
	}
	d.Switched = true
	c.record(d)
	return d
}

// measure uses the sample mean when there is one and a probe otherwise
func (c *Controller) measure(ctx context.Context, mode stream.Mode) Measurement {
	if mean, ok := c.latency.Mean(mode); ok {
		return Measurement{Mode: mode, Latency: Latency(mean)}
	}

	m := Measurement{Mode: mode, Latency: Unreachable, Probed: true}
	if c.prober == nil {
		return m
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.policy.ProbeTimeout)
	defer cancel()

	ms, err := c.prober.Probe(probeCtx, mode)
	c.metrics.ObserveProbe(mode, ms, err)
	if err != nil || ms < 0 || math.IsNaN(ms) {
		c.logger.Debug("probe failed, mode treated as unreachable", "mode", mode, "error", err)
		return m
	}
	m.Latency = Latency(ms)
	return m
}

func (c *Controller) record(d Decision) {
	c.mu.Lock()
	c.last = &d
	c.mu.Unlock()
}
