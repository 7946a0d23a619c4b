package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebRTCRequiresSignalingURL(t *testing.T) {
	_, err := NewWebRTC(WebRTCConfig{})
	assert.Error(t, err)
}

func TestWebRTCSendsOfferWithDataChannel(t *testing.T) {
	srv := newEchoServer(t)
	rtc, err := NewWebRTC(WebRTCConfig{SignalingURL: srv.url(), GatherTimeout: 2 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, rtc.Open(ctx, Handlers{}))
	defer rtc.Close()
	<-srv.ready

	require.Eventually(t, func() bool { return srv.receivedCount() >= 1 }, 5*time.Second, 10*time.Millisecond)

	srv.mu.Lock()
	first := srv.received[0]
	srv.mu.Unlock()

	var offer SignalMessage
	require.NoError(t, json.Unmarshal(first, &offer))
	assert.Equal(t, SignalOffer, offer.Type)
	assert.Contains(t, offer.SDP, "webrtc-datachannel")
}

func TestWebRTCRelaysSignalingFrames(t *testing.T) {
	srv := newEchoServer(t)
	rtc, err := NewWebRTC(WebRTCConfig{SignalingURL: srv.url(), GatherTimeout: 2 * time.Second})
	require.NoError(t, err)

	msgs := make(chan []byte, 4)
	var errMu sync.Mutex
	var errs []error
	require.NoError(t, rtc.Open(context.Background(), Handlers{
		OnMessage: func(data []byte) { msgs <- data },
		OnError: func(err error) {
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
		},
	}))
	defer rtc.Close()
	<-srv.ready

	// A malformed answer is reported but does not close the transport
	srv.push(t, SignalMessage{Type: SignalAnswer, SDP: "not-an-sdp"})
	srv.push(t, map[string]any{"type": "stream_ended"})

	select {
	case data := <-msgs:
		assert.JSONEq(t, `{"type":"stream_ended"}`, string(data))
	case <-time.After(3 * time.Second):
		t.Fatal("relayed frame message not delivered")
	}

	errMu.Lock()
	defer errMu.Unlock()
	assert.Len(t, errs, 1)
}

func TestWebRTCCloseFiresOnCloseOnce(t *testing.T) {
	srv := newEchoServer(t)
	rtc, err := NewWebRTC(WebRTCConfig{SignalingURL: srv.url(), GatherTimeout: 2 * time.Second})
	require.NoError(t, err)

	var mu sync.Mutex
	closes := 0
	require.NoError(t, rtc.Open(context.Background(), Handlers{
		OnClose: func(error) {
			mu.Lock()
			closes++
			mu.Unlock()
		},
	}))
	<-srv.ready

	rtc.Close()
	rtc.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, closes)
}
