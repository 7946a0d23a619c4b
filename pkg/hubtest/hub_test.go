package hubtest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/surveillx_live_view_go/pkg/configstore"
	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

func TestHubHealthAndConfig(t *testing.T) {
	hub, err := Start(0, nil)
	require.NoError(t, err)
	defer hub.Close()

	resp, err := http.Get(hub.BaseURL() + HealthPath(stream.ModeWebRTC))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	hub.SetHealth(stream.ModeWebRTC, 0, true)
	resp, err = http.Get(hub.BaseURL() + HealthPath(stream.ModeWebRTC))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body, _ := json.Marshal(configstore.Config{CurrentMode: stream.ModeWebRTC, AutoSwitch: true})
	resp, err = http.Post(hub.BaseURL()+configstore.DefaultPath, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	cfg, saves := hub.Config()
	assert.Equal(t, 1, saves)
	assert.Equal(t, stream.ModeWebRTC, cfg.CurrentMode)
	assert.True(t, cfg.AutoSwitch)
}

func TestHubStreamSocket(t *testing.T) {
	hub, err := Start(0, nil)
	require.NoError(t, err)
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial(hub.URL(stream.ModeJPEGSocket.Path()), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, hub.WaitForClients(stream.ModeJPEGSocket, 1, time.Second))
	require.NoError(t, conn.WriteJSON(stream.ViewerHandshake{Type: stream.TypeViewer}))
	require.Eventually(t, func() bool {
		return len(hub.ReceivedTypes(stream.ModeJPEGSocket)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{stream.TypeViewer}, hub.ReceivedTypes(stream.ModeJPEGSocket))

	hub.Send(stream.ModeJPEGSocket, map[string]any{"type": stream.TypeStatus, "streaming": true})
	var msg stream.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, stream.TypeStatus, msg.Type)
	require.NotNil(t, msg.Streaming)
	assert.True(t, *msg.Streaming)
}
