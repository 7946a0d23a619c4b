// Package autoswitch periodically compares the latency of both transport
// modes and moves the live session to the faster one.
package autoswitch

import (
	"math"
	"strconv"
	"time"
)

// Defaults for Policy
const (
	DefaultProbeInterval   = 30 * time.Second
	DefaultSwitchThreshold = 50 * time.Millisecond
	DefaultProbeTimeout    = 5 * time.Second
)

// Policy is the auto-switch configuration
type Policy struct {
	Enabled         bool
	ProbeInterval   time.Duration
	SwitchThreshold time.Duration
	ProbeTimeout    time.Duration
}

// DefaultPolicy returns a disabled policy with default timings
func DefaultPolicy() Policy {
	return Policy{
		ProbeInterval:   DefaultProbeInterval,
		SwitchThreshold: DefaultSwitchThreshold,
		ProbeTimeout:    DefaultProbeTimeout,
	}
}

func (p Policy) withDefaults() Policy {
	if p.ProbeInterval <= 0 {
		p.ProbeInterval = DefaultProbeInterval
	}
	if p.SwitchThreshold < 0 {
		p.SwitchThreshold = DefaultSwitchThreshold
	}
	if p.ProbeTimeout <= 0 {
		p.ProbeTimeout = DefaultProbeTimeout
	}
	return p
}

// ShouldSwitch reports whether other beats current by more than the
// threshold. Unreachable modes are +Inf; when both are unreachable the
// comparison is false and the session stays put.
func ShouldSwitch(currentMS, otherMS, thresholdMS float64) bool {
	return otherMS < currentMS-thresholdMS
}

// Latency is a millisecond value that renders +Inf as null in JSON
type Latency float64

// Unreachable is the latency of a mode whose probe failed
var Unreachable = Latency(math.Inf(1))

// MarshalJSON implements json.Marshaler
func (l Latency) MarshalJSON() ([]byte, error) {
	f := float64(l)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'f', 1, 64), nil
}

// IsUnreachable reports whether the mode could not be measured
func (l Latency) IsUnreachable() bool {
	return math.IsInf(float64(l), 1)
}
