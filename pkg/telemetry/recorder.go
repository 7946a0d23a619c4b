package telemetry

import (
	"math"
	"sync"
	"time"

	"github.com/silviot/surveillx_live_view_go/pkg/metrics"
	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

// DefaultWindowSize is the number of latency samples kept per mode
const DefaultWindowSize = 100

// Sample is a single frame-derived latency measurement
type Sample struct {
	Mode       stream.Mode `json:"mode"`
	ValueMS    float64     `json:"valueMs"`
	CapturedAt time.Time   `json:"capturedAt"`
}

// Window is a fixed-capacity ring of samples, oldest evicted first
type Window struct {
	buf   []Sample
	start int
	count int
}

// NewWindow creates a window holding at most size samples
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{buf: make([]Sample, size)}
}

// Push appends s, evicting the oldest sample when full
func (w *Window) Push(s Sample) {
	if w.count < len(w.buf) {
		w.buf[(w.start+w.count)%len(w.buf)] = s
		w.count++
		return
	}
	w.buf[w.start] = s
	w.start = (w.start + 1) % len(w.buf)
}

// Len returns the number of stored samples
func (w *Window) Len() int {
	return w.count
}

// Mean returns the arithmetic mean, false when empty
func (w *Window) Mean() (float64, bool) {
	if w.count == 0 {
		return 0, false
	}
	var sum float64
	for i := 0; i < w.count; i++ {
		sum += w.buf[(w.start+i)%len(w.buf)].ValueMS
	}
	return sum / float64(w.count), true
}

// Samples returns the stored samples oldest first
func (w *Window) Samples() []Sample {
	out := make([]Sample, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Reset empties the window
func (w *Window) Reset() {
	w.start = 0
	w.count = 0
}

// Recorder keeps the per-mode latency windows and the frame arrival clock
type Recorder struct {
	mu          sync.Mutex
	windows     map[stream.Mode]*Window
	lastArrival time.Time
	fps         float64
	now         func() time.Time
	metrics     *metrics.Metrics
}

// RecorderConfig holds Recorder configuration
type RecorderConfig struct {
	WindowSize int
	Metrics    *metrics.Metrics
	Now        func() time.Time // defaults to time.Now
}

// NewRecorder creates a recorder with one window per mode
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	windows := make(map[stream.Mode]*Window, len(stream.Modes))
	for _, mode := range stream.Modes {
		windows[mode] = NewWindow(cfg.WindowSize)
	}
	return &Recorder{
		windows: windows,
		now:     cfg.Now,
		metrics: cfg.Metrics,
	}
}

// Record appends a latency sample for mode. Negative, NaN and infinite
// values are rejected and false is returned.
func (r *Recorder) Record(mode stream.Mode, valueMS float64) bool {
	if valueMS < 0 || math.IsNaN(valueMS) || math.IsInf(valueMS, 0) {
		return false
	}
	r.mu.Lock()
	w, ok := r.windows[mode]
	if !ok {
		r.mu.Unlock()
		return false
	}
	w.Push(Sample{Mode: mode, ValueMS: valueMS, CapturedAt: r.now()})
	r.mu.Unlock()

	r.metrics.ObserveLatency(mode, valueMS)
	return true
}

// Mean returns the mean latency of mode's window, false when empty
func (r *Recorder) Mean(mode stream.Mode) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[mode]
	if !ok {
		return 0, false
	}
	return w.Mean()
}

// Len returns the number of samples stored for mode
func (r *Recorder) Len(mode stream.Mode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[mode]; ok {
		return w.Len()
	}
	return 0
}

// Samples returns a copy of mode's samples
func (r *Recorder) Samples(mode stream.Mode) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[mode]; ok {
		return w.Samples()
	}
	return nil
}

// Reset clears every mode's window
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.windows {
		w.Reset()
	}
}

// ObserveArrival records a frame arrival and returns the instantaneous
// frame rate. The first arrival after a reset has no prior value and
// returns false.
func (r *Recorder) ObserveArrival(mode stream.Mode) (float64, bool) {
	r.mu.Lock()
	now := r.now()
	prev := r.lastArrival
	r.lastArrival = now
	if prev.IsZero() {
		r.mu.Unlock()
		return 0, false
	}
	elapsed := now.Sub(prev)
	if elapsed <= 0 {
		r.mu.Unlock()
		return 0, false
	}
	fps := 1000 / (float64(elapsed) / float64(time.Millisecond))
	r.fps = fps
	r.mu.Unlock()

	r.metrics.SetFPS(mode, fps)
	return fps, true
}

// FPS returns the last computed frame rate
func (r *Recorder) FPS() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fps
}

// ResetArrival forgets the last arrival time so the next frame does not
// produce a rate spanning a reconnect or switch
func (r *Recorder) ResetArrival() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastArrival = time.Time{}
	r.fps = 0
}
