// Package client runs one hole-punching participant: it classifies its NAT,
// registers with the coordinator and hands rendezvous traffic to the peer
// state machine.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"punchctl/internal/addrutil"
	"punchctl/internal/classifier"
	"punchctl/internal/config"
	"punchctl/internal/logging"
	"punchctl/internal/metrics"
	"punchctl/internal/model"
	"punchctl/internal/peer"
	"punchctl/internal/stunutil"
	"punchctl/internal/transport"
	"punchctl/internal/wire"
)

// ErrRegistrationTimeout is returned when the coordinator never acknowledged
// a registration.
var ErrRegistrationTimeout = errors.New("coordinator did not acknowledge registration")

const (
	sweepInterval = 5 * time.Second
	stunTimeout   = 3 * time.Second
)

type Option func(*Client)

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = logging.OrNop(log) }
}

// Client owns the punch socket and everything multiplexed over it.
type Client struct {
	cfg   config.ClientConfig
	id    uuid.UUID
	group uuid.UUID
	clock clock.Clock
	log   *zap.Logger

	conn        *transport.Conn
	coordinator netip.AddrPort
	class       *classifier.Classifier
	peers       *peer.Manager

	acks   chan wire.RegistrationAck
	checks chan wire.ConsistencyCheckResponse

	mu       sync.Mutex
	nat      model.NATType
	observed netip.AddrPort // coordinator's view from the last ack

	samplesMu sync.Mutex
}

// New resolves the configured endpoints and binds the punch socket. cfg must
// already carry defaults.
func New(ctx context.Context, cfg config.ClientConfig, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		clock:  clock.New(),
		log:    zap.NewNop(),
		acks:   make(chan wire.RegistrationAck, 4),
		checks: make(chan wire.ConsistencyCheckResponse, 4),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("client")

	var err error
	if c.id, err = ParseID(cfg.ID); err != nil {
		return nil, fmt.Errorf("client.id: %w", err)
	}
	c.group = GroupID(cfg.Group)
	c.log = c.log.With(zap.Stringer("client", c.id), zap.Stringer("group", c.group))

	if c.coordinator, err = addrutil.Resolve(ctx, cfg.Coordinator); err != nil {
		return nil, fmt.Errorf("client.coordinator: %w", err)
	}

	var targets classifier.Targets
	if cfg.NATType == "" {
		if targets, err = resolveTargets(ctx, cfg); err != nil {
			return nil, err
		}
	} else if c.nat, err = model.ParseNATType(cfg.NATType); err != nil {
		return nil, fmt.Errorf("client.nat_type: %w", err)
	}

	c.conn, err = transport.Listen(cfg.Listen, transport.WithLogger(c.log))
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	c.class = classifier.New(classifier.Config{
		ClientID:       c.id,
		Targets:        targets,
		Phase1Timeout:  cfg.Phase1Timeout(),
		Phase1Attempts: cfg.Phase1Attempts,
		Phase2Timeout:  cfg.Phase2Timeout(),
		Phase2Attempts: cfg.Phase2Attempts,
	}, c.conn, c.log)

	c.peers = peer.NewManager(peer.Config{
		SelfID:             c.id,
		GroupID:            c.group,
		HeartbeatInterval:  cfg.HeartbeatInterval(),
		HeartbeatLimit:     cfg.HeartbeatLimit,
		PrepareDelay:       cfg.PrepareDelay(),
		WaitThenPunchDelay: cfg.WaitThenPunchDelay(),
		PunchAttempts:      cfg.PunchAttempts,
		PunchInterval:      cfg.PunchInterval(),
		SessionTimeout:     cfg.SessionTimeout(),
	}, c.conn,
		peer.WithClock(c.clock),
		peer.WithLogger(c.log),
		peer.WithEvents(c.record),
	)
	return c, nil
}

// ParseID parses a configured client id; an empty value yields a random one.
func ParseID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(s)
}

// GroupID maps a group name to its id. UUID strings are used as-is, any other
// name is hashed so every client naming the same group agrees on the id.
func GroupID(name string) uuid.UUID {
	if id, err := uuid.Parse(name); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

func resolveTargets(ctx context.Context, cfg config.ClientConfig) (classifier.Targets, error) {
	var t classifier.Targets
	for _, target := range []struct {
		host config.ProbeHost
		port int
		dst  *netip.AddrPort
	}{
		{cfg.Primary, cfg.Primary.Port, &t.PrimaryPrimary},
		{cfg.Primary, cfg.Primary.AltPort, &t.PrimarySecondary},
		{cfg.Secondary, cfg.Secondary.Port, &t.SecondaryPrimary},
		{cfg.Secondary, cfg.Secondary.AltPort, &t.SecondarySecondary},
	} {
		ip, err := addrutil.ResolveHost(ctx, target.host.Host)
		if err != nil {
			return t, fmt.Errorf("probe host %s: %w", target.host.Host, err)
		}
		if *target.dst, err = addrutil.JoinPort(ip, target.port); err != nil {
			return t, err
		}
	}
	return t, nil
}

func (c *Client) ID() uuid.UUID { return c.id }

func (c *Client) Group() uuid.UUID { return c.group }

// Addr returns the bound address of the punch socket.
func (c *Client) Addr() netip.AddrPort { return c.conn.LocalAddr() }

// Peers returns a snapshot of the peer sessions.
func (c *Client) Peers() []peer.Session { return c.peers.Sessions() }

// Self returns the NAT type and public endpoint the client currently believes in.
func (c *Client) Self() (model.NATType, netip.AddrPort) { return c.peers.Self() }

// Close stops heartbeat loops and closes the socket.
func (c *Client) Close() error {
	c.peers.Close()
	return c.conn.Close()
}

// Serve runs the receive loop. Classify, Register and Check need it running.
func (c *Client) Serve(ctx context.Context) error {
	return c.conn.Serve(ctx, c.handle)
}

// Run serves the socket, classifies, registers and then keeps the
// registration and peer sessions alive until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Serve(ctx) })
	g.Go(func() error {
		if err := c.bootstrap(ctx); err != nil {
			return err
		}
		return c.maintain(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) bootstrap(ctx context.Context) error {
	nat, public := c.nat, netip.AddrPort{}
	if c.cfg.NATType == "" {
		res, err := c.Classify(ctx)
		if err != nil {
			return fmt.Errorf("classify: %w", err)
		}
		nat, public = res.Type, res.PublicEndpoint
	}
	c.mu.Lock()
	c.nat = nat
	c.mu.Unlock()
	c.peers.SetSelf(nat, public)

	if len(c.cfg.STUNServers) > 0 {
		c.crossCheck(ctx, nat)
	}

	ack, err := c.Register(ctx)
	if err != nil {
		return err
	}
	if !public.IsValid() {
		c.peers.SetSelf(nat, ack.Observed)
	}
	c.log.Info("registered",
		zap.Stringer("nat_type", nat),
		zap.Stringer("observed", ack.Observed),
		zap.Int("members", ack.Members))
	return nil
}

// Classify runs the NAT classifier over the punch socket.
func (c *Client) Classify(ctx context.Context) (classifier.Result, error) {
	res, err := c.class.Classify(ctx)
	if err != nil {
		return res, err
	}
	c.log.Info("nat classified",
		zap.Stringer("nat_type", res.Type),
		zap.Stringer("public", res.PublicEndpoint),
		zap.Int("phase", res.Phase),
		zap.String("diagnostic", res.Diagnostic))
	return res, nil
}

// Register sends a Registration and waits for its acknowledgement, retrying
// on timeout.
func (c *Client) Register(ctx context.Context) (wire.RegistrationAck, error) {
	for attempt := 1; attempt <= c.cfg.RegisterAttempts; attempt++ {
		if err := c.conn.Send(c.coordinator, c.registration()); err != nil {
			return wire.RegistrationAck{}, fmt.Errorf("send registration: %w", err)
		}
		ack, ok, err := waitFor(ctx, c.clock, c.cfg.RegisterTimeout(), c.acks, func(a wire.RegistrationAck) bool {
			return a.ClientID == c.id
		})
		if err != nil {
			return wire.RegistrationAck{}, err
		}
		if ok {
			c.mu.Lock()
			c.observed = ack.Observed
			c.mu.Unlock()
			return ack, nil
		}
		c.log.Warn("registration not acknowledged", zap.Int("attempt", attempt))
	}
	return wire.RegistrationAck{}, ErrRegistrationTimeout
}

// Check asks the coordinator which endpoint it observes for this socket.
func (c *Client) Check(ctx context.Context) (netip.AddrPort, error) {
	if err := c.conn.Send(c.coordinator, wire.ConsistencyCheckRequest{ClientID: c.id}); err != nil {
		return netip.AddrPort{}, err
	}
	resp, ok, err := waitFor(ctx, c.clock, c.cfg.RegisterTimeout(), c.checks, func(r wire.ConsistencyCheckResponse) bool {
		return r.ClientID == c.id
	})
	if err != nil {
		return netip.AddrPort{}, err
	}
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("no consistency check response from %s", c.coordinator)
	}
	return resp.Observed, nil
}

func waitFor[T any](ctx context.Context, clk clock.Clock, d time.Duration, ch <-chan T, match func(T) bool) (T, bool, error) {
	var zero T
	timer := clk.Timer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return zero, false, ctx.Err()
		case <-timer.C:
			return zero, false, nil
		case v := <-ch:
			if match(v) {
				return v, true, nil
			}
		}
	}
}

func (c *Client) registration() wire.Registration {
	nat, public := c.peers.Self()
	return wire.Registration{
		ClientID:       c.id,
		GroupID:        c.group,
		PublicEndpoint: public,
		NATType:        nat,
	}
}

func (c *Client) maintain(ctx context.Context) error {
	keepalive := c.clock.Ticker(c.cfg.Keepalive())
	defer keepalive.Stop()
	consistency := c.clock.Ticker(c.cfg.ConsistencyInterval())
	defer consistency.Stop()
	sweep := c.clock.Ticker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-keepalive.C:
			c.keepalive()
		case <-consistency.C:
			c.requestCheck()
		case <-sweep.C:
			c.peers.Sweep()
		}
	}
}

// keepalive refreshes the registration and heartbeats the coordinator so the
// member is not swept while idle.
func (c *Client) keepalive() {
	reg := c.registration()
	if err := c.conn.Send(c.coordinator, reg); err != nil {
		c.log.Warn("keepalive registration failed", zap.Error(err))
	}
	hb := wire.Heartbeat{
		SenderID:   c.id,
		SendTime:   c.clock.Now().UTC(),
		Payload:    "keepalive",
		Advertised: reg.PublicEndpoint,
	}
	if err := c.conn.Send(c.coordinator, hb); err != nil {
		c.log.Warn("keepalive heartbeat failed", zap.Error(err))
	}
}

func (c *Client) requestCheck() {
	if err := c.conn.Send(c.coordinator, wire.ConsistencyCheckRequest{ClientID: c.id}); err != nil {
		c.log.Warn("consistency check failed", zap.Error(err))
	}
}

// crossCheck compares public STUN mappings of the punch socket with the
// classification. It only logs.
func (c *Client) crossCheck(ctx context.Context, nat model.NATType) {
	var mapped []netip.AddrPort
	for _, server := range c.cfg.STUNServers {
		addr, err := c.conn.ProbeSTUN(ctx, server, stunTimeout)
		if err != nil {
			c.log.Warn("stun probe failed", zap.String("server", server), zap.Error(err))
			continue
		}
		mapped = append(mapped, addr)
	}
	if len(mapped) == 0 {
		return
	}
	fields := []zap.Field{zap.Stringers("mapped", mapped), zap.Stringer("nat_type", nat)}
	if stunutil.MappingVaries(mapped) && nat != model.NATSymmetric {
		c.log.Warn("stun mappings vary but nat is not classified symmetric", fields...)
		return
	}
	c.log.Info("stun cross-check", fields...)
}

func (c *Client) handle(ctx context.Context, msg wire.Message, from netip.AddrPort) {
	switch m := msg.(type) {
	case wire.ClassificationResponse:
		c.class.Deliver(m)
	case wire.RegistrationAck:
		offer(c.acks, m)
	case wire.RendezvousBroadcast:
		if m.GroupID != c.group {
			c.log.Debug("broadcast for another group", zap.Stringer("from_group", m.GroupID))
			return
		}
		c.requestCheck()
		c.peers.HandleBroadcast(ctx, m)
	case wire.PunchRequest:
		c.peers.HandlePunchRequest(ctx, m, from)
	case wire.PunchResponse:
		c.peers.HandlePunchResponse(ctx, m, from)
	case wire.Prime:
		c.peers.HandlePrime(m, from)
	case wire.Heartbeat:
		c.peers.HandleHeartbeat(ctx, m, from)
	case wire.ConsistencyCheckResponse:
		offer(c.checks, m)
		c.compareObserved(m)
	case wire.ClassificationRequest, wire.RelayedClassification, wire.Registration, wire.ConsistencyCheckRequest:
		c.log.Debug("ignoring server-bound message", zap.Stringer("kind", msg.Kind()), zap.Stringer("from", from))
	}
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// compareObserved re-registers when the coordinator's view of this socket
// moved since the last acknowledgement.
// compareObserved reports a coordinator view that differs from the one the
// last acknowledged registration carried. The client keeps its endpoint; the
// mismatch is logged and written to the samples file.
func (c *Client) compareObserved(resp wire.ConsistencyCheckResponse) {
	if resp.ClientID != c.id {
		return
	}
	c.mu.Lock()
	want := c.observed
	nat := c.nat
	c.mu.Unlock()
	if !want.IsValid() || resp.Observed == want {
		return
	}

	c.log.Warn("observed endpoint changed",
		zap.Stringer("registered", want),
		zap.Stringer("observed", resp.Observed))
	c.append(model.Sample{
		Timestamp:      c.clock.Now().UTC(),
		ClientID:       c.id.String(),
		Event:          metrics.EventConsistencyMismatch,
		LocalNAT:       nat.String(),
		PeerEndpoint:   want.String(),
		PublicEndpoint: resp.Observed.String(),
	})
}

func (c *Client) record(ev peer.Event) {
	nat, public := c.peers.Self()
	s := ev.Session
	sample := model.Sample{
		Timestamp:          ev.At.UTC(),
		ClientID:           c.id.String(),
		PeerID:             s.PeerID.String(),
		Event:              ev.Kind.String(),
		LocalNAT:           nat.String(),
		PeerNAT:            s.PeerNAT.String(),
		PeerEndpoint:       s.Endpoint.String(),
		PublicEndpoint:     public.String(),
		HeartbeatsSent:     s.HeartbeatsSent,
		HeartbeatsReceived: s.HeartbeatsReceived,
	}
	if at := s.EstablishedAt(); !at.IsZero() {
		sample.EstablishMs = float64(at.Sub(s.CreatedAt).Microseconds()) / 1000.0
	}
	if ev.Kind == peer.EventEndpointCorrected {
		sample.PublicEndpoint = ev.Endpoint.String()
	}
	c.log.Info("peer event",
		zap.Stringer("event", ev.Kind),
		zap.Stringer("peer", s.PeerID),
		zap.Stringer("endpoint", s.Endpoint),
		zap.Float64("establish_ms", sample.EstablishMs))
	c.append(sample)
}

func (c *Client) append(sample model.Sample) {
	if c.cfg.MetricsPath == "" {
		return
	}
	c.samplesMu.Lock()
	defer c.samplesMu.Unlock()
	if err := metrics.AppendCSV(c.cfg.MetricsPath, []model.Sample{sample}); err != nil {
		c.log.Warn("append metrics failed", zap.Error(err))
	}
}
