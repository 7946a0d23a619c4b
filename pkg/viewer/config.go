package viewer

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/silviot/surveillx_live_view_go/pkg/autoswitch"
	"github.com/silviot/surveillx_live_view_go/pkg/session"
	"github.com/silviot/surveillx_live_view_go/pkg/stream"
	"github.com/silviot/surveillx_live_view_go/pkg/transport"
)

// Default server ports: the main hub serves the JPEG socket, detections and
// the config store; the alternate server serves the WebRTC mode.
const (
	DefaultHubPort       = 8443
	DefaultFastRTCPort   = 8080
	DefaultDetectionPath = "/ws/detections"
	DefaultListenPort    = "8090"
)

// ConfigStoreConfig locates the stream config endpoint
type ConfigStoreConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Config holds the viewer configuration
type Config struct {
	Host               string                             `yaml:"host"`
	Endpoints          map[stream.Mode]transport.Endpoint `yaml:"endpoints"`
	ConfigStore        ConfigStoreConfig                  `yaml:"config_store"`
	DetectionPath      string                             `yaml:"detection_path"`
	Mode               stream.Mode                        `yaml:"mode"`
	AutoSwitch         bool                               `yaml:"auto_switch"`
	ProbeInterval      time.Duration                      `yaml:"probe_interval"`
	SwitchThreshold    time.Duration                      `yaml:"switch_threshold"`
	ProbeTimeout       time.Duration                      `yaml:"probe_timeout"`
	ReconnectDelay     time.Duration                      `yaml:"reconnect_delay"`
	LatencyReportEvery int                                `yaml:"latency_report_every"`
	ICEServers         []transport.ICEServer              `yaml:"ice_servers"`
	ListenPort         string                             `yaml:"listen_port"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		Host: "localhost",
		Endpoints: map[stream.Mode]transport.Endpoint{
			stream.ModeJPEGSocket: {Port: DefaultHubPort, Secure: true},
			stream.ModeWebRTC:     {Port: DefaultFastRTCPort},
		},
		DetectionPath:   DefaultDetectionPath,
		Mode:            stream.ModeJPEGSocket,
		ProbeInterval:   autoswitch.DefaultProbeInterval,
		SwitchThreshold: autoswitch.DefaultSwitchThreshold,
		ProbeTimeout:    autoswitch.DefaultProbeTimeout,
		ReconnectDelay:  session.DefaultReconnectDelay,
		ICEServers: []transport.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		ListenPort: DefaultListenPort,
	}
}

// LoadConfigFile reads a YAML file over the defaults
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host required")
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("unknown stream mode %q", c.Mode)
	}
	for _, mode := range stream.Modes {
		if _, ok := c.Endpoints[mode]; !ok {
			return fmt.Errorf("no endpoint configured for mode %s", mode)
		}
	}
	if c.SwitchThreshold < 0 {
		return fmt.Errorf("switch threshold must not be negative")
	}
	return nil
}

// Endpoint returns mode's endpoint with the host filled in
func (c Config) Endpoint(mode stream.Mode) transport.Endpoint {
	ep := c.Endpoints[mode]
	if ep.Host == "" {
		ep.Host = c.Host
	}
	return ep
}

// ResolvedEndpoints returns every mode's endpoint with the host filled in
func (c Config) ResolvedEndpoints() map[stream.Mode]transport.Endpoint {
	out := make(map[stream.Mode]transport.Endpoint, len(stream.Modes))
	for _, mode := range stream.Modes {
		out[mode] = c.Endpoint(mode)
	}
	return out
}

// DetectionURL returns the detection channel URL on the main hub
func (c Config) DetectionURL() string {
	path := c.DetectionPath
	if path == "" {
		path = DefaultDetectionPath
	}
	return c.Endpoint(stream.ModeJPEGSocket).WebSocketURL(path)
}

// ConfigStoreURL returns the config store base URL, defaulting to the main hub
func (c Config) ConfigStoreURL() string {
	if c.ConfigStore.URL != "" {
		return c.ConfigStore.URL
	}
	ep := c.Endpoint(stream.ModeJPEGSocket)
	ep.HealthPath = "/"
	u := ep.HealthURL()
	return u[:len(u)-1]
}

// Policy returns the auto-switch policy
func (c Config) Policy() autoswitch.Policy {
	return autoswitch.Policy{
		Enabled:         c.AutoSwitch,
		ProbeInterval:   c.ProbeInterval,
		SwitchThreshold: c.SwitchThreshold,
		ProbeTimeout:    c.ProbeTimeout,
	}
}
