package viewer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "wss://localhost:8443/ws/detections", cfg.DetectionURL())
	assert.Equal(t, "https://localhost:8443", cfg.ConfigStoreURL())
	assert.Equal(t, "ws://localhost:8080/ws/fastrtc", cfg.Endpoint(stream.ModeWebRTC).WebSocketURL(stream.ModeWebRTC.Path()))

	p := cfg.Policy()
	assert.False(t, p.Enabled)
	assert.Equal(t, 30*time.Second, p.ProbeInterval)
	assert.Equal(t, 50*time.Millisecond, p.SwitchThreshold)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewer.yaml")
	data := `
host: surveillx.local
mode: fastrtc
auto_switch: true
probe_interval: 10s
switch_threshold: 80ms
endpoints:
  jpegws:
    port: 9443
    secure: true
  fastrtc:
    host: rtc.surveillx.local
    port: 9080
config_store:
  url: https://api.surveillx.local
  token: secret
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, stream.ModeWebRTC, cfg.Mode)
	assert.True(t, cfg.AutoSwitch)
	assert.Equal(t, 10*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 80*time.Millisecond, cfg.SwitchThreshold)
	// Unset fields keep their defaults
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay)

	assert.Equal(t, "wss://surveillx.local:9443/ws/detections", cfg.DetectionURL())
	assert.Equal(t, "ws://rtc.surveillx.local:9080/ws/fastrtc",
		cfg.Endpoint(stream.ModeWebRTC).WebSocketURL(stream.ModeWebRTC.Path()))
	assert.Equal(t, "https://api.surveillx.local", cfg.ConfigStoreURL())
	assert.Equal(t, "secret", cfg.ConfigStore.Token)
}

func TestLoadConfigFileErrors(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: hls\n"), 0o600))
	_, err = LoadConfigFile(path)
	assert.ErrorContains(t, err, "unknown stream mode")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.Host = "" }},
		{"unknown mode", func(c *Config) { c.Mode = "rtsp" }},
		{"missing endpoint", func(c *Config) { delete(c.Endpoints, stream.ModeWebRTC) }},
		{"negative threshold", func(c *Config) { c.SwitchThreshold = -time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
