package stream

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode identifies one of the two video delivery channels offered by the server
type Mode string

const (
	// ModeJPEGSocket pushes base64 JPEG frames over a plain WebSocket
	ModeJPEGSocket Mode = "jpegws"
	// ModeWebRTC negotiates a peer connection and receives frames on a data channel
	ModeWebRTC Mode = "fastrtc"
)

// Modes lists every transport mode in a stable order
var Modes = []Mode{ModeJPEGSocket, ModeWebRTC}

// ParseMode converts a config value into a Mode
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeJPEGSocket:
		return ModeJPEGSocket, nil
	case ModeWebRTC:
		return ModeWebRTC, nil
	}
	return "", fmt.Errorf("unknown stream mode %q", s)
}

// Path returns the WebSocket path the mode is served on
func (m Mode) Path() string {
	if m == ModeWebRTC {
		return "/ws/fastrtc"
	}
	return "/ws/stream"
}

// Alternate returns the other mode
func (m Mode) Alternate() Mode {
	if m == ModeWebRTC {
		return ModeJPEGSocket
	}
	return ModeWebRTC
}

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeJPEGSocket || m == ModeWebRTC
}

// State is the lifecycle state of a stream session
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Source identifies the session an inbound message arrived on
type Source struct {
	SessionID string
	Mode      Mode
}

// Message types sent by the streaming server
const (
	TypeFrame         = "frame"
	TypeStatus        = "status"
	TypeStreamEnded   = "stream_ended"
	TypePong          = "pong"
	TypeViewer        = "viewer"
	TypeLatencyReport = "latency_report"
	TypeDetection     = "detection"
)

// Message is the inbound envelope shared by every server message
type Message struct {
	Type            string       `json:"type"`
	Frame           string       `json:"frame,omitempty"`
	Timestamp       Timestamp    `json:"timestamp,omitempty"`
	ServerTime      float64      `json:"server_time,omitempty"` // relay time, epoch ms
	CameraID        int          `json:"camera_id,omitempty"`
	Width           int          `json:"width,omitempty"`
	Height          int          `json:"height,omitempty"`
	Recognition     *Recognition `json:"recognition,omitempty"`
	Activity        *Activity    `json:"activity,omitempty"`
	Streaming       *bool        `json:"streaming,omitempty"`
	FramesProcessed int          `json:"frames_processed,omitempty"`
}

// Recognition holds face recognition results attached to a frame
type Recognition struct {
	Recognitions []RecognizedFace `json:"recognitions"`
}

// RecognizedFace is a single face on a frame, bbox is [x, y, w, h]
type RecognizedFace struct {
	BBox       []float64 `json:"bbox"`
	Name       string    `json:"name"`
	Confidence float64   `json:"confidence"`
}

// Activity is the activity classification for a frame or detection event
type Activity struct {
	Type        string   `json:"type"`
	IsAbnormal  bool     `json:"is_abnormal,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	Persons     []Person `json:"persons,omitempty"`
	Confidence  float64  `json:"confidence,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Person is one pose estimate with 17 COCO keypoints; bbox is [x1, y1, x2, y2]
type Person struct {
	Keypoints   [][]float64 `json:"keypoints"`
	Confidences []float64   `json:"confidences"`
	BBox        []float64   `json:"bbox,omitempty"`
}

// DetectionEvent is delivered on the always-on detection channel
type DetectionEvent struct {
	Faces     []DetectedFace `json:"faces"`
	Persons   []Person       `json:"persons,omitempty"`
	Activity  *Activity      `json:"activity,omitempty"`
	Timestamp Timestamp      `json:"timestamp,omitempty"`
}

// DetectedFace accepts both the location-box and the bbox face shapes
type DetectedFace struct {
	Location    *FaceLocation `json:"location,omitempty"`
	BBox        []float64     `json:"bbox,omitempty"`
	StudentID   any           `json:"student_id,omitempty"`
	StudentName string        `json:"student_name,omitempty"`
	Name        string        `json:"name,omitempty"`
	Confidence  float64       `json:"confidence"`
}

// FaceLocation is a face box in image pixels
type FaceLocation struct {
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
}

// ViewerHandshake is sent once on the JPEG socket after open
type ViewerHandshake struct {
	Type string `json:"type"` // "viewer"
}

// LatencyReport feeds the server-side mode comparison stats
type LatencyReport struct {
	Type      string  `json:"type"` // "latency_report"
	LatencyMS float64 `json:"latency_ms"`
}

// Timestamp is an epoch-seconds value that may arrive as a number,
// a numeric string or an empty string
type Timestamp float64

// UnmarshalJSON implements json.Unmarshaler
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*t = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Non-numeric timestamps carry no latency information
		*t = 0
		return nil
	}
	*t = Timestamp(v)
	return nil
}

// Seconds returns the timestamp value
func (t Timestamp) Seconds() float64 {
	return float64(t)
}
