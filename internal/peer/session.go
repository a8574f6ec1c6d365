// Package peer runs the client side of hole punching: one session per peer,
// punch exchanges and the heartbeat loops that keep a punched path open.
package peer

import (
	"net/netip"
	"time"

	"github.com/google/uuid"

	"punchctl/internal/model"
)

// State is the coarse progress of a session.
type State int

const (
	StateUnknown State = iota
	StateDiscovered
	StatePunchAttempted
	StateEstablished
	StateHeartbeating
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StatePunchAttempted:
		return "punch_attempted"
	case StateEstablished:
		return "established"
	case StateHeartbeating:
		return "heartbeating"
	default:
		return "unknown"
	}
}

// Session is what a client knows about one peer. A zero time means the event
// has not happened yet.
type Session struct {
	PeerID   uuid.UUID      `json:"peer_id"`
	GroupID  uuid.UUID      `json:"group_id"`
	Endpoint netip.AddrPort `json:"endpoint"`
	PeerNAT  model.NATType  `json:"peer_nat"`

	CreatedAt         time.Time `json:"created_at"`
	PunchSent         time.Time `json:"punch_sent"`
	PunchReceived     time.Time `json:"punch_received"`
	HeartbeatSent     time.Time `json:"heartbeat_sent"`
	HeartbeatReceived time.Time `json:"heartbeat_received"`

	HeartbeatsSent     int `json:"heartbeats_sent"`
	HeartbeatsReceived int `json:"heartbeats_received"`

	announced bool
}

// Established reports whether punches have gone both ways.
func (s Session) Established() bool {
	return !s.PunchSent.IsZero() && !s.PunchReceived.IsZero()
}

// EstablishedAt is the later of the two punch times, or zero.
func (s Session) EstablishedAt() time.Time {
	if !s.Established() {
		return time.Time{}
	}
	return latest(s.PunchSent, s.PunchReceived)
}

func (s Session) State() State {
	switch {
	case s.Established() && !s.HeartbeatSent.IsZero():
		return StateHeartbeating
	case s.Established():
		return StateEstablished
	case !s.PunchSent.IsZero() || !s.PunchReceived.IsZero():
		return StatePunchAttempted
	case s.Endpoint.IsValid():
		return StateDiscovered
	default:
		return StateUnknown
	}
}

// LastTraffic is the most recent punch or heartbeat in either direction,
// falling back to the creation time.
func (s Session) LastTraffic() time.Time {
	return latest(s.CreatedAt, s.PunchSent, s.PunchReceived, s.HeartbeatSent, s.HeartbeatReceived)
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
