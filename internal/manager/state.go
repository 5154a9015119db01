package manager

import (
	"time"
)

// ConnectionState represents the reconciled health of both channels
type ConnectionState int

const (
	// StateDisconnected means the liveness probe is failing
	StateDisconnected ConnectionState = iota

	// StateReconnecting means an attempt sequence is in progress
	StateReconnecting

	// StateDegraded means the probe is healthy but the push channel is down
	StateDegraded

	// StateConnected means the probe is healthy and the push channel is open
	StateConnected
)

// String returns human-readable state name
func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Status is an immutable connectivity snapshot. The manager publishes a
// fresh value on every transition; subscribers hold read-only copies.
type Status struct {
	State            ConnectionState
	HTTPHealthy      bool
	ChannelConnected bool
	LastCheck        time.Time // time of last completed probe
	LastSuccess      time.Time // time of last successful probe
	LatencyMs        int64     // round-trip of the last successful probe
	Error            string    // display-only failure classification
	ReconnectAttempt int       // current failure streak
	NextReconnectMs  int64     // delay until the next scheduled full attempt, 0 if none
}

// sameShape reports whether two snapshots agree on the fields that
// define a transition. Snapshots equal in shape are not re-published.
func (s Status) sameShape(other Status) bool {
	return s.State == other.State &&
		s.HTTPHealthy == other.HTTPHealthy &&
		s.ChannelConnected == other.ChannelConnected
}
