package api

import (
	"net/netip"
	"time"

	"github.com/google/uuid"

	"punchctl/internal/model"
)

// HealthResponse is served at /healthz by every punchctl process.
type HealthResponse struct {
	Status    string    `json:"status"`
	Component string    `json:"component"`
	StartedAt time.Time `json:"started_at"`
	UptimeSec float64   `json:"uptime_sec"`
}

// Member is one client registered with the coordinator.
type Member struct {
	ClientID     uuid.UUID      `json:"client_id"`
	Endpoint     netip.AddrPort `json:"endpoint"`
	Observed     netip.AddrPort `json:"observed"`
	NATType      model.NATType  `json:"nat_type"`
	JoinedAt     time.Time      `json:"joined_at"`
	LastActivity time.Time      `json:"last_activity"`
}

// Group lists the members of one rendezvous group.
type Group struct {
	GroupID uuid.UUID `json:"group_id"`
	Members []Member  `json:"members"`
}

// GroupsResponse is served at /groups by the coordinator.
type GroupsResponse struct {
	Groups []Group `json:"groups"`
}

// SeenClient is a probe host's diagnostic record of a client.
type SeenClient struct {
	ClientID     uuid.UUID        `json:"client_id"`
	Endpoints    []netip.AddrPort `json:"endpoints"`
	Requests     int              `json:"requests"`
	LastActivity time.Time        `json:"last_activity"`
}

// ClientsResponse is served at /clients by a probe host.
type ClientsResponse struct {
	Role    string       `json:"role"`
	Clients []SeenClient `json:"clients"`
}
