package model

import (
	"fmt"
	"strings"
	"time"
)

// NATType is the classification of the NAT a client sits behind, ordered by
// traversal difficulty.
type NATType int

const (
	NATUnknown NATType = iota
	NATFullCone
	NATRestrictedCone
	NATPortRestrictedCone
	NATSymmetric
)

var natTypeNames = map[NATType]string{
	NATUnknown:            "unknown",
	NATFullCone:           "full_cone",
	NATRestrictedCone:     "restricted_cone",
	NATPortRestrictedCone: "port_restricted_cone",
	NATSymmetric:          "symmetric",
}

func (t NATType) String() string {
	if name, ok := natTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("nat_type(%d)", int(t))
}

// Known reports whether t is a definite classification.
func (t NATType) Known() bool {
	return t != NATUnknown && t.valid()
}

// Restricted reports whether t only admits traffic from destinations it has
// already sent to (restricted or port-restricted cone).
func (t NATType) Restricted() bool {
	return t == NATRestrictedCone || t == NATPortRestrictedCone
}

func (t NATType) valid() bool {
	_, ok := natTypeNames[t]
	return ok
}

// MarshalText encodes the NAT type as its snake_case name.
func (t NATType) MarshalText() ([]byte, error) {
	if !t.valid() {
		return nil, fmt.Errorf("invalid nat type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (t *NATType) UnmarshalText(text []byte) error {
	parsed, err := ParseNATType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseNATType parses a NAT type name. Dashes and case are ignored.
func ParseNATType(s string) (NATType, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if key == "" {
		return NATUnknown, nil
	}
	for t, name := range natTypeNames {
		if name == key {
			return t, nil
		}
	}
	return NATUnknown, fmt.Errorf("unknown nat type %q", s)
}

// HostRole identifies one of the two cooperating probe hosts.
type HostRole int

const (
	HostPrimary HostRole = iota
	HostSecondary
)

func (r HostRole) String() string {
	if r == HostSecondary {
		return "secondary"
	}
	return "primary"
}

// PortRole identifies one of the two ports a probe host listens on.
type PortRole int

const (
	PortPrimary PortRole = iota
	PortSecondary
)

func (r PortRole) String() string {
	if r == PortSecondary {
		return "secondary"
	}
	return "primary"
}

// Sample is a single session event recorded by a client.
type Sample struct {
	Timestamp          time.Time
	ClientID           string
	PeerID             string
	Event              string // established|endpoint_corrected|expired|consistency_mismatch
	LocalNAT           string
	PeerNAT            string
	PeerEndpoint       string
	PublicEndpoint     string
	EstablishMs        float64
	HeartbeatsSent     int
	HeartbeatsReceived int
}
