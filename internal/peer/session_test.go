package peer

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSession_EstablishedForEveryOrdering(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	setters := map[string]func(*Session, time.Time){
		"sent":     func(s *Session, at time.Time) { s.PunchSent = at },
		"received": func(s *Session, at time.Time) { s.PunchReceived = at },
	}
	orders := [][]string{
		{"sent", "received"},
		{"received", "sent"},
		{"sent", "sent", "received"},
		{"received", "sent", "received", "sent"},
	}
	for _, order := range orders {
		var s Session
		seen := map[string]bool{}
		for i, name := range order {
			setters[name](&s, t0.Add(time.Duration(i)*time.Second))
			seen[name] = true
			assert.Equal(t, seen["sent"] && seen["received"], s.Established(), "%v after %d", order, i)
		}
		assert.True(t, s.Established(), "%v", order)
	}
}

func TestSession_EstablishedAtIsLaterPunch(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := Session{PunchReceived: t0.Add(2 * time.Second)}
	assert.True(t, s.EstablishedAt().IsZero())

	s.PunchSent = t0
	assert.Equal(t, t0.Add(2*time.Second), s.EstablishedAt())
}

func TestSession_State(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var s Session
	assert.Equal(t, StateUnknown, s.State())

	s.Endpoint = netip.MustParseAddrPort("198.51.100.10:4000")
	assert.Equal(t, StateDiscovered, s.State())

	s.PunchSent = t0
	assert.Equal(t, StatePunchAttempted, s.State())

	s.PunchReceived = t0
	assert.Equal(t, StateEstablished, s.State())

	s.HeartbeatSent = t0
	assert.Equal(t, StateHeartbeating, s.State())
	assert.Equal(t, "heartbeating", s.State().String())
}

func TestSession_LastTraffic(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := Session{CreatedAt: t0}
	assert.Equal(t, t0, s.LastTraffic())

	s.HeartbeatReceived = t0.Add(time.Minute)
	s.PunchSent = t0.Add(time.Second)
	assert.Equal(t, t0.Add(time.Minute), s.LastTraffic())
}
