// Package coordinator implements the rendezvous coordinator: group
// membership, punch role assignment and the broadcasts that start punching.
package coordinator

import (
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"punchctl/internal/logging"
	"punchctl/internal/model"
	"punchctl/internal/wire"
)

var errMissingClientID = errors.New("registration without client id")

// Notification is a broadcast addressed to one member.
type Notification struct {
	To        netip.AddrPort
	Broadcast wire.RendezvousBroadcast
}

// Outcome describes what a registration changed.
type Outcome struct {
	Member        Member
	// Refreshed is set when the registration repeated a known endpoint and
	// NAT type; nothing is broadcast then.
	Refreshed     bool
	// Joined is set when the member was not in the group before.
	Joined        bool
	Members       int
	Notifications []Notification
	Unsupported   []Member
}

// Group is a snapshot of one group.
type Group struct {
	GroupID uuid.UUID `json:"group_id"`
	Members []Member  `json:"members"`
}

// Coordinator holds the per-group member lists.
type Coordinator struct {
	clock   clock.Clock
	log     *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	groups map[uuid.UUID]map[uuid.UUID]*Member
	seq    uint64
}

// New returns an empty coordinator. Members idle for longer than timeout are
// removed by Sweep.
func New(clk clock.Clock, timeout time.Duration, log *zap.Logger) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		clock:   clk,
		log:     logging.OrNop(log).Named("coordinator"),
		timeout: timeout,
		groups:  make(map[uuid.UUID]map[uuid.UUID]*Member),
	}
}

// Register adds or updates a member and returns the broadcasts owed to it and
// to every other member of its group. observed is the transport source
// address of the registration.
func (c *Coordinator) Register(reg wire.Registration, observed netip.AddrPort) (Outcome, error) {
	if reg.ClientID == uuid.Nil {
		return Outcome{}, errMissingClientID
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	group, ok := c.groups[reg.GroupID]
	if !ok {
		group = make(map[uuid.UUID]*Member)
		c.groups[reg.GroupID] = group
	}

	m, known := group[reg.ClientID]
	if known && m.Endpoint == reg.PublicEndpoint && m.NATType == reg.NATType && m.Observed == observed {
		m.LastActivity = now
		return Outcome{Member: *m, Refreshed: true, Members: len(group)}, nil
	}
	if !known {
		c.seq++
		m = &Member{ClientID: reg.ClientID, GroupID: reg.GroupID, JoinedAt: now, Seq: c.seq}
		group[reg.ClientID] = m
	}
	m.Endpoint = reg.PublicEndpoint
	m.Observed = observed
	m.NATType = reg.NATType
	m.LastActivity = now

	out := Outcome{Member: *m, Joined: !known, Members: len(group)}
	for _, other := range sortedMembers(group) {
		if other.ClientID == m.ClientID {
			continue
		}
		d := DecideRoles(*m, other)
		if d.Err != nil {
			c.log.Info("not instructing pair",
				zap.Stringer("group", reg.GroupID),
				zap.Stringer("client", m.ClientID),
				zap.Stringer("peer", other.ClientID),
				zap.Error(d.Err))
			out.Unsupported = append(out.Unsupported, other)
			continue
		}
		out.Notifications = append(out.Notifications,
			notify(other, *m, d.BActive),
			notify(*m, other, d.AActive),
		)
		c.log.Debug("pair instructed",
			zap.Stringer("client", m.ClientID), zap.Bool("client_active", d.AActive),
			zap.Stringer("peer", other.ClientID), zap.Bool("peer_active", d.BActive))
	}
	return out, nil
}

// notify builds the broadcast telling receiver about peer.
func notify(receiver, peer Member, receiverActive bool) Notification {
	return Notification{
		To: receiver.Advertised(),
		Broadcast: wire.RendezvousBroadcast{
			PeerID:              peer.ClientID,
			PeerEndpoint:        peer.Advertised(),
			PeerNATType:         peer.NATType,
			GroupID:             peer.GroupID,
			ShouldPrepare:       receiverActive && effective(receiver.NATType).Restricted(),
			ShouldWaitThenPunch: !receiverActive,
			PeerIsFullCone:      peer.NATType == model.NATFullCone,
		},
	}
}

// Touch refreshes a member's last activity in every group it belongs to.
func (c *Coordinator) Touch(clientID uuid.UUID) bool {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	found := false
	for _, group := range c.groups {
		if m, ok := group[clientID]; ok {
			m.LastActivity = now
			found = true
		}
	}
	return found
}

// Sweep removes members idle for longer than the timeout and returns them.
func (c *Coordinator) Sweep() []Member {
	if c.timeout <= 0 {
		return nil
	}
	cutoff := c.clock.Now().Add(-c.timeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []Member
	for gid, group := range c.groups {
		for id, m := range group {
			if m.LastActivity.Before(cutoff) {
				expired = append(expired, *m)
				delete(group, id)
			}
		}
		if len(group) == 0 {
			delete(c.groups, gid)
		}
	}
	for _, m := range expired {
		c.log.Info("member expired", zap.Stringer("group", m.GroupID), zap.Stringer("client", m.ClientID))
	}
	return expired
}

// Groups returns a snapshot of every group, ordered by group id.
func (c *Coordinator) Groups() []Group {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Group, 0, len(c.groups))
	for gid, group := range c.groups {
		out = append(out, Group{GroupID: gid, Members: sortedMembers(group)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID.String() < out[j].GroupID.String() })
	return out
}

// Len returns the number of registered members across all groups.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, group := range c.groups {
		n += len(group)
	}
	return n
}

func sortedMembers(group map[uuid.UUID]*Member) []Member {
	out := make([]Member, 0, len(group))
	for _, m := range group {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
