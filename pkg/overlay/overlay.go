// Package overlay keeps the latest detection results drawn over the video.
package overlay

import (
	"strings"
	"sync"
	"time"

	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

// ActivityNormal is the baseline activity that draws no badge
const ActivityNormal = "normal"

// UnknownName labels faces without an identity
const UnknownName = "Unknown"

// Face is a face box in image pixels
type Face struct {
	Left       float64 `json:"left"`
	Top        float64 `json:"top"`
	Right      float64 `json:"right"`
	Bottom     float64 `json:"bottom"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Recognized bool    `json:"recognized"`
}

// State is the overlay drawn on every frame until replaced
type State struct {
	Faces               []Face          `json:"faces"`
	Persons             []stream.Person `json:"persons"`
	ActivityType        string          `json:"activityType"`
	ActivityDescription string          `json:"activityDescription,omitempty"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Update is a partial overlay change. Nil fields keep the current value.
type Update struct {
	Faces    []Face
	Persons  []stream.Person
	Activity *stream.Activity

	hasFaces   bool
	hasPersons bool
}

// Store holds the current overlay. Readers get a snapshot that is never
// mutated afterwards.
type Store struct {
	mu    sync.RWMutex
	state State
	now   func() time.Time
}

// NewStore creates an empty store with a normal activity
func NewStore() *Store {
	return &Store{
		state: State{ActivityType: ActivityNormal},
		now:   time.Now,
	}
}

// Replace installs s as the whole overlay (latest wins)
func (s *Store) Replace(st State) {
	if st.ActivityType == "" {
		st.ActivityType = ActivityNormal
	}
	s.mu.Lock()
	st.UpdatedAt = s.now()
	s.state = st
	s.mu.Unlock()
}

// Apply merges the fields present in u into the current overlay
func (s *Store) Apply(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	if u.hasFaces {
		next.Faces = u.Faces
	}
	if u.hasPersons {
		next.Persons = u.Persons
	}
	if u.Activity != nil {
		next.ActivityType, next.ActivityDescription = activityLabel(u.Activity)
	}
	next.UpdatedAt = s.now()
	s.state = next
}

// Current returns the overlay as of now
func (s *Store) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Clear resets to an empty, normal overlay
func (s *Store) Clear() {
	s.Replace(State{})
}

// FromEvent converts a detection channel event into a full overlay state.
// A missing activity means normal.
func FromEvent(ev stream.DetectionEvent) State {
	st := State{ActivityType: ActivityNormal}

	for _, f := range ev.Faces {
		if face, ok := faceFromDetection(f); ok {
			st.Faces = append(st.Faces, face)
		}
	}

	st.Persons = ev.Persons
	if ev.Activity != nil {
		st.ActivityType, st.ActivityDescription = activityLabel(ev.Activity)
		if len(st.Persons) == 0 {
			st.Persons = ev.Activity.Persons
		}
	}
	return st
}

// FromFrame extracts the detections inlined on a frame message. ok is false
// when the frame carries none.
func FromFrame(msg *stream.Message) (Update, bool) {
	var u Update
	if msg.Recognition != nil {
		u.hasFaces = true
		u.Faces = make([]Face, 0, len(msg.Recognition.Recognitions))
		for _, r := range msg.Recognition.Recognitions {
			if face, ok := faceFromRecognition(r); ok {
				u.Faces = append(u.Faces, face)
			}
		}
	}
	if msg.Activity != nil {
		u.Activity = msg.Activity
		u.hasPersons = true
		u.Persons = msg.Activity.Persons
	}
	return u, u.hasFaces || u.Activity != nil
}

// faceFromRecognition converts an [x, y, w, h] box
func faceFromRecognition(r stream.RecognizedFace) (Face, bool) {
	if len(r.BBox) < 4 {
		return Face{}, false
	}
	x, y, w, h := r.BBox[0], r.BBox[1], r.BBox[2], r.BBox[3]
	return newFace(x, y, x+w, y+h, r.Name, r.Confidence), true
}

func faceFromDetection(f stream.DetectedFace) (Face, bool) {
	name := f.StudentName
	if name == "" {
		name = f.Name
	}

	var face Face
	switch {
	case f.Location != nil:
		l := f.Location
		face = newFace(l.Left, l.Top, l.Right, l.Bottom, name, f.Confidence)
	case len(f.BBox) >= 4:
		x, y, w, h := f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3]
		face = newFace(x, y, x+w, y+h, name, f.Confidence)
	default:
		return Face{}, false
	}

	return face, true
}

func newFace(left, top, right, bottom float64, name string, confidence float64) Face {
	recognized := name != "" && !strings.EqualFold(name, UnknownName)
	if name == "" {
		name = UnknownName
	}
	return Face{
		Left:       left,
		Top:        top,
		Right:      right,
		Bottom:     bottom,
		Name:       name,
		Confidence: confidence,
		Recognized: recognized,
	}
}

func activityLabel(a *stream.Activity) (string, string) {
	t := strings.ToLower(strings.TrimSpace(a.Type))
	if t == "" {
		t = ActivityNormal
	}
	return t, a.Description
}

// IsNormal reports whether the activity draws no badge
func (s State) IsNormal() bool {
	return s.ActivityType == "" || s.ActivityType == ActivityNormal
}
