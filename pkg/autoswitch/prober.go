package autoswitch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

// HTTPProber measures the round trip of a GET on each mode's health endpoint
type HTTPProber struct {
	URLs   map[stream.Mode]string
	Client *http.Client
}

// NewHTTPProber creates a prober for the given per-mode health URLs
func NewHTTPProber(urls map[stream.Mode]string) *HTTPProber {
	return &HTTPProber{
		URLs:   urls,
		Client: &http.Client{},
	}
}

// Probe returns the round trip in milliseconds. The caller bounds it with ctx.
func (p *HTTPProber) Probe(ctx context.Context, mode stream.Mode) (float64, error) {
	target, ok := p.URLs[mode]
	if !ok || target == "" {
		return 0, fmt.Errorf("no health endpoint for mode %s", mode)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return float64(elapsed) / float64(time.Millisecond), nil
}
