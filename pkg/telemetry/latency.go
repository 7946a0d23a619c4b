package telemetry

import (
	"time"

	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

// FrameLatency derives a frame's latency in milliseconds. The capture
// timestamp (epoch seconds) is preferred, then the server relay time
// (epoch ms). Returns false when neither is present.
func FrameLatency(now time.Time, msg *stream.Message) (float64, bool) {
	nowMS := float64(now.UnixNano()) / float64(time.Millisecond)
	switch {
	case msg.Timestamp > 0:
		return nowMS - msg.Timestamp.Seconds()*1000, true
	case msg.ServerTime > 0:
		return nowMS - msg.ServerTime, true
	}
	return 0, false
}
