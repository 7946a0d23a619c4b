// Package render decodes inbound frames and composites them, with the
// current detection overlay, onto the display surface.
package render

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/silviot/surveillx_live_view_go/pkg/metrics"
	"github.com/silviot/surveillx_live_view_go/pkg/overlay"
	"github.com/silviot/surveillx_live_view_go/pkg/stream"
	"github.com/silviot/surveillx_live_view_go/pkg/telemetry"
)

// DefaultLatencyReportEvery is how many frames pass between latency reports
const DefaultLatencyReportEvery = 30

// SessionGate is the slice of the session manager the pipeline needs
type SessionGate interface {
	CountFrame(sessionID string) (int, bool)
	RunIfActive(sessionID string, fn func()) bool
	Send(sessionID string, v any) error
}

// FrameInfo describes the most recent frame and status payloads
type FrameInfo struct {
	CameraID        int       `json:"cameraID,omitempty"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	Format          string    `json:"format,omitempty"`
	Streaming       bool      `json:"streaming"`
	FramesProcessed int       `json:"framesProcessed,omitempty"`
	LastLatencyMS   float64   `json:"lastLatencyMS,omitempty"`
	LastFrameAt     time.Time `json:"lastFrameAt,omitempty"`
}

// PipelineConfig holds frame pipeline configuration
type PipelineConfig struct {
	Gate     SessionGate
	Surface  *Surface
	Overlay  *overlay.Store
	Recorder *telemetry.Recorder
	Painter  *Painter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// LatencyReportEvery sends a latency_report on the JPEG socket every
	// N frames; negative disables reports
	LatencyReportEvery int

	// OnStreaming is called when a status or stream_ended message changes
	// the streaming indicator
	OnStreaming func(streaming bool)

	Now func() time.Time
}

// Pipeline handles every inbound message of the live session
type Pipeline struct {
	cfg    PipelineConfig
	logger *slog.Logger

	dropLog   rate.Sometimes
	decodeLog rate.Sometimes

	mu   sync.Mutex
	info FrameInfo

	wg sync.WaitGroup
}

// NewPipeline creates a frame pipeline
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Surface == nil {
		cfg.Surface = NewSurface()
	}
	if cfg.Overlay == nil {
		cfg.Overlay = overlay.NewStore()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = telemetry.NewRecorder(telemetry.RecorderConfig{Metrics: cfg.Metrics})
	}
	if cfg.Painter == nil {
		cfg.Painter = NewPainter()
	}
	if cfg.LatencyReportEvery == 0 {
		cfg.LatencyReportEvery = DefaultLatencyReportEvery
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Pipeline{
		cfg:       cfg,
		logger:    cfg.Logger,
		dropLog:   rate.Sometimes{First: 5, Every: 100},
		decodeLog: rate.Sometimes{First: 5, Every: 100},
	}
}

// Surface returns the display surface
func (p *Pipeline) Surface() *Surface {
	return p.cfg.Surface
}

// Info returns the latest frame metadata
func (p *Pipeline) Info() FrameInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// Wait blocks until every in-flight decode has finished
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// HandleMessage processes one raw inbound message from src
func (p *Pipeline) HandleMessage(src stream.Source, data []byte) {
	var msg stream.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		p.drop(metrics.DropMalformed, "error", err)
		return
	}

	switch msg.Type {
	case stream.TypeFrame:
		p.handleFrame(src, &msg)
	case stream.TypeStatus:
		p.mu.Lock()
		if msg.FramesProcessed > 0 {
			p.info.FramesProcessed = msg.FramesProcessed
		}
		p.mu.Unlock()
		if msg.Streaming != nil {
			p.setStreaming(*msg.Streaming)
		}
	case stream.TypeStreamEnded:
		p.logger.Info("server reported stream ended", "mode", src.Mode)
		p.setStreaming(false)
	case stream.TypePong, stream.TypeLatencyReport:
	default:
		p.drop(metrics.DropUnknownType, "type", msg.Type)
	}
}

func (p *Pipeline) handleFrame(src stream.Source, msg *stream.Message) {
	n, ok := p.cfg.Gate.CountFrame(src.SessionID)
	if !ok {
		p.cfg.Metrics.FrameDropped(metrics.DropStale)
		return
	}
	p.cfg.Metrics.FrameReceived(src.Mode)

	p.cfg.Recorder.ObserveArrival(src.Mode)

	now := p.cfg.Now()
	latency, hasLatency := telemetry.FrameLatency(now, msg)
	if hasLatency && !p.cfg.Recorder.Record(src.Mode, latency) {
		hasLatency = false
	}

	if hasLatency && src.Mode == stream.ModeJPEGSocket &&
		p.cfg.LatencyReportEvery > 0 && n%p.cfg.LatencyReportEvery == 0 {
		report := stream.LatencyReport{Type: stream.TypeLatencyReport, LatencyMS: latency}
		if err := p.cfg.Gate.Send(src.SessionID, report); err != nil {
			p.logger.Debug("failed to send latency report", "error", err)
		}
	}

	if u, ok := overlay.FromFrame(msg); ok {
		p.cfg.Overlay.Apply(u)
		p.cfg.Metrics.DetectionApplied(overlay.SourceFrame)
	}

	p.mu.Lock()
	p.info.CameraID = msg.CameraID
	p.info.LastFrameAt = now
	if hasLatency {
		p.info.LastLatencyMS = latency
	}
	p.mu.Unlock()

	if msg.Frame == "" {
		p.drop(metrics.DropEmptyFrame, "sessionID", src.SessionID)
		return
	}

	// Decodes race; whichever finishes last for the live session is shown
	p.wg.Add(1)
	go func(payload string) {
		defer p.wg.Done()
		p.decodeAndDraw(src, payload)
	}(msg.Frame)
}

func (p *Pipeline) decodeAndDraw(src stream.Source, payload string) {
	img, format, err := DecodeFrame(payload)
	if err != nil {
		p.cfg.Metrics.FrameDropped(metrics.DropDecode)
		p.decodeLog.Do(func() {
			p.logger.Warn("skipping undecodable frame", "mode", src.Mode, "error", err)
		})
		return
	}

	canvas := compose(img)
	p.cfg.Painter.Paint(canvas, p.cfg.Overlay.Current())

	committed := p.cfg.Gate.RunIfActive(src.SessionID, func() {
		p.cfg.Surface.Present(canvas)
	})
	if !committed {
		p.cfg.Metrics.FrameDropped(metrics.DropStale)
		return
	}

	b := canvas.Bounds()
	p.mu.Lock()
	p.info.Width = b.Dx()
	p.info.Height = b.Dy()
	p.info.Format = format
	p.mu.Unlock()
}

func (p *Pipeline) setStreaming(streaming bool) {
	p.mu.Lock()
	changed := p.info.Streaming != streaming
	p.info.Streaming = streaming
	p.mu.Unlock()

	if changed && p.cfg.OnStreaming != nil {
		p.cfg.OnStreaming(streaming)
	}
}

// ResetStreaming clears the streaming indicator, used when the transport drops
func (p *Pipeline) ResetStreaming() {
	p.setStreaming(false)
}

func (p *Pipeline) drop(reason string, args ...any) {
	p.cfg.Metrics.FrameDropped(reason)
	p.dropLog.Do(func() {
		p.logger.Debug("dropping message", append([]any{"reason", reason}, args...)...)
	})
}
