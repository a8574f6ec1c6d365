package peer

import (
	"context"
	"fmt"
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

// Sender writes a message from the client's socket.
type Sender interface {
	Send(to netip.AddrPort, m wire.Message) error
}

type Config struct {
	SelfID             uuid.UUID
	GroupID            uuid.UUID
	HeartbeatInterval  time.Duration
	HeartbeatLimit     int
	PrepareDelay       time.Duration
	WaitThenPunchDelay time.Duration
	PunchAttempts      int
	PunchInterval      time.Duration
	SessionTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.HeartbeatLimit <= 0 {
		c.HeartbeatLimit = 2000
	}
	if c.PunchAttempts <= 0 {
		c.PunchAttempts = 3
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	return c
}

type EventKind int

const (
	EventEstablished EventKind = iota + 1
	// EventEndpointCorrected carries the new self endpoint in Event.Endpoint.
	EventEndpointCorrected
	EventExpired
)

func (k EventKind) String() string {
	switch k {
	case EventEstablished:
		return "established"
	case EventEndpointCorrected:
		return "endpoint_corrected"
	case EventExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event reports a session milestone.
type Event struct {
	Kind     EventKind
	Session  Session
	Endpoint netip.AddrPort
	At       time.Time
}

type Option func(*Manager)

func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		if clk != nil {
			m.clock = clk
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = logging.OrNop(log).Named("peer") }
}

// WithEvents registers a callback for session events. It is called without
// the manager's lock held.
func WithEvents(fn func(Event)) Option {
	return func(m *Manager) { m.onEvent = fn }
}

// Manager holds the client's peer sessions and their heartbeat loops.
type Manager struct {
	cfg     Config
	send    Sender
	clock   clock.Clock
	log     *zap.Logger
	onEvent func(Event)
	loops   *Supervisor

	mu       sync.Mutex
	selfNAT  model.NATType
	public   netip.AddrPort
	sessions map[uuid.UUID]*Session
}

func NewManager(cfg Config, send Sender, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		send:     send,
		clock:    clock.New(),
		log:      zap.NewNop(),
		loops:    NewSupervisor(),
		sessions: make(map[uuid.UUID]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetSelf records the local NAT type and believed public endpoint.
func (m *Manager) SetSelf(nat model.NATType, public netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selfNAT = nat
	m.public = public
}

// Self returns the local NAT type and believed public endpoint.
func (m *Manager) Self() (model.NATType, netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfNAT, m.public
}

func (m *Manager) Session(peer uuid.UUID) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sessions returns every session ordered by creation time.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// HeartbeatRunning reports whether a heartbeat loop toward peer is active.
func (m *Manager) HeartbeatRunning(peer uuid.UUID) bool {
	return m.loops.Running(peer)
}

// HandleBroadcast starts punching toward the peer named by a rendezvous
// broadcast. It blocks for the prime and punch delays.
func (m *Manager) HandleBroadcast(ctx context.Context, b wire.RendezvousBroadcast) {
	if b.PeerID == uuid.Nil || b.PeerID == m.cfg.SelfID {
		return
	}

	m.mu.Lock()
	s := m.sessionLocked(b.PeerID)
	if s.Established() {
		m.mu.Unlock()
		m.log.Debug("broadcast for established peer", zap.Stringer("peer", b.PeerID))
		return
	}
	s.Endpoint = b.PeerEndpoint
	s.PeerNAT = b.PeerNATType
	s.GroupID = b.GroupID
	m.mu.Unlock()

	m.log.Info("peer discovered",
		zap.Stringer("peer", b.PeerID),
		zap.Stringer("endpoint", b.PeerEndpoint),
		zap.Stringer("nat", b.PeerNATType),
		zap.Bool("prepare", b.ShouldPrepare),
		zap.Bool("wait", b.ShouldWaitThenPunch))

	if b.ShouldPrepare {
		m.sendTo(b.PeerEndpoint, wire.Prime{SenderID: m.cfg.SelfID, SendTime: m.clock.Now().UTC()})
		if !m.sleep(ctx, m.cfg.PrepareDelay) {
			return
		}
	}
	if b.ShouldWaitThenPunch && !m.sleep(ctx, m.cfg.WaitThenPunchDelay) {
		return
	}

	for i := 0; i < m.cfg.PunchAttempts; i++ {
		if i > 0 && !m.sleep(ctx, m.cfg.PunchInterval) {
			return
		}
		if !m.sendPunchRequest(b.PeerID) {
			return
		}
	}
}

// sendPunchRequest reports false once no further attempt is useful.
func (m *Manager) sendPunchRequest(peer uuid.UUID) bool {
	m.mu.Lock()
	s, ok := m.sessions[peer]
	if !ok || s.Established() {
		m.mu.Unlock()
		return false
	}
	req := wire.PunchRequest{
		RequestID:           uuid.New(),
		Destination:         s.Endpoint,
		SourceNATType:       m.selfNAT,
		SourceClientID:      m.cfg.SelfID,
		DestinationClientID: peer,
		GroupID:             s.GroupID,
		SendTime:            m.clock.Now().UTC(),
	}
	if m.selfNAT != model.NATSymmetric {
		req.Source = m.public
	}
	m.mu.Unlock()

	if !m.sendTo(req.Destination, req) {
		return true
	}

	m.mu.Lock()
	var events []Event
	if s, ok := m.sessions[peer]; ok {
		s.PunchSent = m.clock.Now()
		events = m.settleLocked(s)
	}
	m.mu.Unlock()
	m.emit(events)
	return true
}

// HandlePunchRequest answers a peer's punch and starts heartbeating toward
// the address the request came from.
func (m *Manager) HandlePunchRequest(ctx context.Context, req wire.PunchRequest, from netip.AddrPort) {
	if req.SourceClientID == uuid.Nil {
		return
	}
	if req.DestinationClientID != uuid.Nil && req.DestinationClientID != m.cfg.SelfID {
		m.log.Debug("punch request for another client", zap.Stringer("destination", req.DestinationClientID))
		return
	}
	peer := req.SourceClientID

	m.mu.Lock()
	s := m.sessionLocked(peer)
	// The source address is authoritative; a symmetric sender cannot know
	// its own mapping toward us.
	if req.SourceNATType == model.NATSymmetric || !s.Established() || !s.Endpoint.IsValid() {
		s.Endpoint = from
	}
	s.PunchReceived = m.clock.Now()
	s.PeerNAT = req.SourceNATType
	if req.GroupID != uuid.Nil {
		s.GroupID = req.GroupID
	}
	resp := wire.PunchResponse{
		RequesterObserved: from,
		ResponderObserved: req.Destination,
		ResponderNATType:  m.selfNAT,
		RequesterClientID: peer,
		ResponderClientID: m.cfg.SelfID,
		GroupID:           s.GroupID,
		SendTime:          m.clock.Now().UTC(),
	}
	if !resp.ResponderObserved.IsValid() {
		resp.ResponderObserved = m.public
	}
	events := m.settleLocked(s)
	m.mu.Unlock()
	m.emit(events)

	if m.sendTo(from, resp) {
		m.mu.Lock()
		events = nil
		if s, ok := m.sessions[peer]; ok {
			s.PunchSent = m.clock.Now()
			events = m.settleLocked(s)
		}
		m.mu.Unlock()
		m.emit(events)
	}

	m.startHeartbeat(ctx, peer, from)
}

// HandlePunchResponse completes a punch this client initiated.
func (m *Manager) HandlePunchResponse(ctx context.Context, resp wire.PunchResponse, from netip.AddrPort) {
	if resp.RequesterClientID != m.cfg.SelfID || resp.ResponderClientID == uuid.Nil {
		m.log.Debug("punch response for another client", zap.Stringer("requester", resp.RequesterClientID))
		return
	}
	peer := resp.ResponderClientID

	m.mu.Lock()
	s := m.sessionLocked(peer)

	// The correction applies even when a heartbeat from this peer was
	// handled first and already established the session.
	var events []Event
	var corrected netip.AddrPort
	if m.selfNAT == model.NATSymmetric &&
		(resp.ResponderNATType == model.NATFullCone || resp.ResponderNATType == model.NATRestrictedCone) &&
		resp.RequesterObserved.IsValid() && resp.RequesterObserved != m.public {
		m.public = resp.RequesterObserved
		corrected = resp.RequesterObserved
	}

	duplicate := s.Established() && s.Endpoint == from && m.loops.Running(peer)
	if !duplicate {
		s.PunchReceived = m.clock.Now()
		s.Endpoint = from
		s.PeerNAT = resp.ResponderNATType
		events = m.settleLocked(s)
	}
	if corrected.IsValid() {
		events = append(events, Event{Kind: EventEndpointCorrected, Session: *s, Endpoint: corrected, At: m.clock.Now()})
	}
	m.mu.Unlock()

	if corrected.IsValid() {
		m.log.Info("public endpoint corrected by peer", zap.Stringer("peer", peer), zap.Stringer("public", corrected))
	}
	m.emit(events)
	if !duplicate {
		m.startHeartbeat(ctx, peer, from)
	}
}

// HandleHeartbeat records an inbound heartbeat. A heartbeat from a peer this
// client has not yet heartbeated means the peer's punch got through but ours
// did not; a loop toward the heartbeat's source is started at once.
func (m *Manager) HandleHeartbeat(ctx context.Context, hb wire.Heartbeat, from netip.AddrPort) {
	if hb.SenderID == uuid.Nil || hb.SenderID == m.cfg.SelfID {
		return
	}
	peer := hb.SenderID
	now := m.clock.Now()

	m.mu.Lock()
	s := m.sessionLocked(peer)
	if !s.Endpoint.IsValid() {
		s.Endpoint = from
	}
	s.HeartbeatReceived = now
	s.HeartbeatsReceived++
	if s.PunchReceived.IsZero() {
		s.PunchReceived = now
	}
	recovering := s.HeartbeatSent.IsZero() && !m.loops.Running(peer)
	events := m.settleLocked(s)
	m.mu.Unlock()
	m.emit(events)

	if recovering {
		m.log.Info("inbound heartbeat before outbound, starting heartbeat", zap.Stringer("peer", peer), zap.Stringer("to", from))
		m.startHeartbeat(ctx, peer, from)
	}
}

// HandlePrime logs a priming packet; it carries nothing to act on.
func (m *Manager) HandlePrime(p wire.Prime, from netip.AddrPort) {
	m.log.Debug("prime received", zap.Stringer("peer", p.SenderID), zap.Stringer("from", from))
}

// Sweep drops sessions with no punch or heartbeat traffic within the session
// timeout and stops their loops.
func (m *Manager) Sweep() []Session {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []Session
	for id, s := range m.sessions {
		if now.Sub(s.LastTraffic()) > m.cfg.SessionTimeout {
			expired = append(expired, *s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	events := make([]Event, 0, len(expired))
	for _, s := range expired {
		m.loops.Stop(s.PeerID)
		m.log.Info("peer session expired", zap.Stringer("peer", s.PeerID), zap.Stringer("state", s.State()))
		events = append(events, Event{Kind: EventExpired, Session: s, At: now})
	}
	m.emit(events)
	return expired
}

// Close stops every heartbeat loop.
func (m *Manager) Close() {
	m.loops.StopAll()
}

func (m *Manager) startHeartbeat(ctx context.Context, peer uuid.UUID, target netip.AddrPort) {
	if m.loops.Start(ctx, peer, target, func(ctx context.Context, target netip.AddrPort) {
		m.heartbeat(ctx, peer, target)
	}) {
		m.log.Debug("heartbeat loop started", zap.Stringer("peer", peer), zap.Stringer("to", target))
	}
}

func (m *Manager) heartbeat(ctx context.Context, peer uuid.UUID, target netip.AddrPort) {
	ticker := m.clock.Ticker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for i := 0; i < m.cfg.HeartbeatLimit; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		if _, ok := m.sessions[peer]; !ok {
			m.mu.Unlock()
			return
		}
		hb := wire.Heartbeat{
			SenderID:   m.cfg.SelfID,
			SendTime:   m.clock.Now().UTC(),
			Payload:    fmt.Sprintf("heartbeat %d", i+1),
			Advertised: m.public,
		}
		m.mu.Unlock()

		if !m.sendTo(target, hb) {
			continue
		}

		m.mu.Lock()
		var events []Event
		if s, ok := m.sessions[peer]; ok {
			now := m.clock.Now()
			s.HeartbeatSent = now
			s.HeartbeatsSent++
			if s.PunchSent.IsZero() {
				s.PunchSent = now
			}
			events = m.settleLocked(s)
		}
		m.mu.Unlock()
		m.emit(events)
	}
	m.log.Debug("heartbeat limit reached", zap.Stringer("peer", peer), zap.Int("limit", m.cfg.HeartbeatLimit))
}

func (m *Manager) sessionLocked(peer uuid.UUID) *Session {
	s, ok := m.sessions[peer]
	if !ok {
		s = &Session{PeerID: peer, GroupID: m.cfg.GroupID, CreatedAt: m.clock.Now()}
		m.sessions[peer] = s
	}
	return s
}

// settleLocked returns the Established event the first time s qualifies.
func (m *Manager) settleLocked(s *Session) []Event {
	if s.announced || !s.Established() {
		return nil
	}
	s.announced = true
	m.log.Info("peer established",
		zap.Stringer("peer", s.PeerID),
		zap.Stringer("endpoint", s.Endpoint),
		zap.Duration("after", s.EstablishedAt().Sub(s.CreatedAt)))
	return []Event{{Kind: EventEstablished, Session: *s, At: s.EstablishedAt()}}
}

func (m *Manager) emit(events []Event) {
	if m.onEvent == nil {
		return
	}
	for _, e := range events {
		m.onEvent(e)
	}
}

func (m *Manager) sendTo(to netip.AddrPort, msg wire.Message) bool {
	if err := m.send.Send(to, msg); err != nil {
		m.log.Warn("send failed", zap.Stringer("kind", msg.Kind()), zap.Stringer("to", to), zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := m.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
