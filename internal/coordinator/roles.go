package coordinator

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"punchctl/internal/model"
)

// ErrUnsupportedPair marks a NAT pair that cannot be traversed without a relay.
var ErrUnsupportedPair = errors.New("nat pair is not traversable")

// Member is one client registered in a group.
type Member struct {
	ClientID     uuid.UUID      `json:"client_id"`
	GroupID      uuid.UUID      `json:"group_id"`
	Endpoint     netip.AddrPort `json:"endpoint"`
	// Observed is the source address registrations arrive from.
	Observed     netip.AddrPort `json:"observed"`
	NATType      model.NATType  `json:"nat_type"`
	JoinedAt     time.Time      `json:"joined_at"`
	LastActivity time.Time      `json:"last_activity"`
	// Seq orders members that joined within the same clock tick.
	Seq          uint64         `json:"seq"`
}

// Advertised is the endpoint handed to other members.
func (m Member) Advertised() netip.AddrPort {
	if m.Observed.IsValid() {
		return m.Observed
	}
	return m.Endpoint
}

func (m Member) joinedAfter(o Member) bool {
	if !m.JoinedAt.Equal(o.JoinedAt) {
		return m.JoinedAt.After(o.JoinedAt)
	}
	return m.Seq > o.Seq
}

// Decision says which side of a pair initiates the punch.
type Decision struct {
	AActive bool
	BActive bool
	// Err wraps ErrUnsupportedPair when neither side may act.
	Err error
}

// Swap returns the decision as seen with the arguments reversed.
func (d Decision) Swap() Decision {
	return Decision{AActive: d.BActive, BActive: d.AActive, Err: d.Err}
}

// effective treats an unclassified client as the most restrictive kind.
func effective(t model.NATType) model.NATType {
	if !t.Known() {
		return model.NATSymmetric
	}
	return t
}

// DecideRoles assigns punch roles for an unordered pair of members.
func DecideRoles(a, b Member) Decision {
	ta, tb := effective(a.NATType), effective(b.NATType)

	switch {
	case ta == model.NATFullCone && tb == model.NATFullCone:
		if a.joinedAfter(b) {
			return Decision{AActive: true}
		}
		return Decision{BActive: true}
	case ta == model.NATFullCone:
		return Decision{BActive: true}
	case tb == model.NATFullCone:
		return Decision{AActive: true}
	case ta.Restricted() && tb.Restricted():
		return Decision{AActive: true, BActive: true}
	case ta == model.NATRestrictedCone && tb == model.NATSymmetric:
		return Decision{AActive: true}
	case ta == model.NATSymmetric && tb == model.NATRestrictedCone:
		return Decision{BActive: true}
	default:
		return Decision{Err: fmt.Errorf("%w: %s/%s", ErrUnsupportedPair, ta, tb)}
	}
}
