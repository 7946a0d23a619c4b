// Package configstore reads and persists the viewer's stream selection on
// the server's configuration endpoint.
package configstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

// DefaultPath is the configuration endpoint on the server
const DefaultPath = "/api/stream/config"

// ErrUnexpectedStatus is returned when the server answers with a non-2xx status
var ErrUnexpectedStatus = errors.New("unexpected status from config store")

// Config is the persisted stream selection
type Config struct {
	CurrentMode stream.Mode `json:"current_mode"`
	AutoSwitch  bool        `json:"auto_switch"`
}

// ClientConfig holds config store client configuration
type ClientConfig struct {
	BaseURL    string // e.g. https://surveillx.local:8000
	Path       string
	Token      string // optional bearer token
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the configuration endpoint
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a config store client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid config store URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid config store URL: missing scheme or host")
	}

	return &Client{
		endpoint:   strings.TrimRight(u.String(), "/") + cfg.Path,
		token:      cfg.Token,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}, nil
}

// Load fetches the persisted configuration
func (c *Client) Load(ctx context.Context) (Config, error) {
	var cfg Config
	data, err := c.do(ctx, http.MethodGet, nil)
	if err != nil {
		return cfg, fmt.Errorf("failed to load stream config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse stream config: %w", err)
	}
	if cfg.CurrentMode != "" && !cfg.CurrentMode.Valid() {
		return cfg, fmt.Errorf("unknown stream mode %q in config store", cfg.CurrentMode)
	}
	c.logger.Debug("loaded stream config", "mode", cfg.CurrentMode, "autoSwitch", cfg.AutoSwitch)
	return cfg, nil
}

// Save persists cfg
func (c *Client) Save(ctx context.Context, cfg Config) error {
	if _, err := c.do(ctx, http.MethodPost, cfg); err != nil {
		return fmt.Errorf("failed to save stream config: %w", err)
	}
	c.logger.Info("persisted stream config", "mode", cfg.CurrentMode, "autoSwitch", cfg.AutoSwitch)
	return nil
}

func (c *Client) do(ctx context.Context, method string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}
