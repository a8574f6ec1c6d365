package coordinator

import (
	"context"
	"net/netip"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"punchctl/internal/api"
	"punchctl/internal/config"
	"punchctl/internal/logging"
	"punchctl/internal/transport"
	"punchctl/internal/wire"
)

type serverMetrics struct {
	registrations *prometheus.CounterVec
	broadcasts    prometheus.Counter
	unsupported   prometheus.Counter
	expired       prometheus.Counter
	consistency   prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer, c *Coordinator) *serverMetrics {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "punchctl", Subsystem: "coordinator", Name: "members",
		Help: "Members currently registered across all groups.",
	}, func() float64 { return float64(c.Len()) })

	return &serverMetrics{
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "punchctl", Subsystem: "coordinator", Name: "registrations_total",
			Help: "Registrations received, by result (new, updated, refreshed).",
		}, []string{"result"}),
		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "punchctl", Subsystem: "coordinator", Name: "broadcasts_total",
			Help: "Rendezvous broadcasts sent.",
		}),
		unsupported: f.NewCounter(prometheus.CounterOpts{
			Namespace: "punchctl", Subsystem: "coordinator", Name: "unsupported_pairs_total",
			Help: "Member pairs left uninstructed because their NAT types cannot traverse.",
		}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: "punchctl", Subsystem: "coordinator", Name: "expired_total",
			Help: "Members removed by the idle sweep.",
		}),
		consistency: f.NewCounter(prometheus.CounterOpts{
			Namespace: "punchctl", Subsystem: "coordinator", Name: "consistency_checks_total",
			Help: "Consistency check requests answered.",
		}),
	}
}

// Server exposes a Coordinator over UDP.
type Server struct {
	coord   *Coordinator
	conn    *transport.Conn
	clock   clock.Clock
	cfg     config.CoordinatorConfig
	log     *zap.Logger
	metrics *serverMetrics
}

// NewServer binds the coordinator socket. reg and clk may be nil.
func NewServer(cfg config.CoordinatorConfig, reg prometheus.Registerer, clk clock.Clock, log *zap.Logger) (*Server, error) {
	log = logging.OrNop(log)
	if clk == nil {
		clk = clock.New()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	conn, err := transport.Listen(cfg.Listen, transport.WithLogger(log.Named("transport")))
	if err != nil {
		return nil, err
	}

	coord := New(clk, cfg.MemberTimeout(), log)
	return &Server{
		coord:   coord,
		conn:    conn,
		clock:   clk,
		cfg:     cfg,
		log:     log.Named("coordinator"),
		metrics: newServerMetrics(reg, coord),
	}, nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() netip.AddrPort { return s.conn.LocalAddr() }

// Coordinator returns the membership state served by s.
func (s *Server) Coordinator() *Coordinator { return s.coord }

// Status is the body of the admin /groups route.
func (s *Server) Status() api.GroupsResponse {
	groups := s.coord.Groups()
	out := api.GroupsResponse{Groups: make([]api.Group, 0, len(groups))}
	for _, g := range groups {
		ag := api.Group{GroupID: g.GroupID, Members: make([]api.Member, 0, len(g.Members))}
		for _, m := range g.Members {
			ag.Members = append(ag.Members, api.Member{
				ClientID:     m.ClientID,
				Endpoint:     m.Endpoint,
				Observed:     m.Observed,
				NATType:      m.NATType,
				JoinedAt:     m.JoinedAt,
				LastActivity: m.LastActivity,
			})
		}
		out.Groups = append(out.Groups, ag)
	}
	return out
}

// Close closes the socket.
func (s *Server) Close() error { return s.conn.Close() }

// Serve runs the receive loop and the idle sweep until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("coordinator serving", zap.Stringer("listen", s.Addr()),
		zap.Duration("member_timeout", s.cfg.MemberTimeout()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.conn.Serve(ctx, s.handle) })
	g.Go(func() error {
		s.sweepLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := s.cfg.SweepInterval()
	if interval <= 0 {
		return
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := s.coord.Sweep(); len(expired) > 0 {
				s.metrics.expired.Add(float64(len(expired)))
			}
		}
	}
}

func (s *Server) handle(_ context.Context, msg wire.Message, from netip.AddrPort) {
	switch m := msg.(type) {
	case wire.Registration:
		s.handleRegistration(m, from)
	case wire.ConsistencyCheckRequest:
		s.coord.Touch(m.ClientID)
		s.metrics.consistency.Inc()
		s.send(from, wire.ConsistencyCheckResponse{ClientID: m.ClientID, Observed: from})
	case wire.Heartbeat:
		s.coord.Touch(m.SenderID)
	default:
		s.log.Debug("ignoring message", zap.Stringer("kind", msg.Kind()), zap.Stringer("from", from))
	}
}

func (s *Server) handleRegistration(reg wire.Registration, from netip.AddrPort) {
	out, err := s.coord.Register(reg, from)
	if err != nil {
		s.log.Warn("registration rejected", zap.Stringer("from", from), zap.Error(err))
		return
	}

	result := "refreshed"
	switch {
	case out.Refreshed:
	case out.Joined:
		result = "new"
		s.log.Info("member registered",
			zap.Stringer("group", reg.GroupID),
			zap.Stringer("client", reg.ClientID),
			zap.Stringer("nat", reg.NATType),
			zap.Stringer("endpoint", reg.PublicEndpoint),
			zap.Stringer("observed", from),
			zap.Int("members", out.Members))
	default:
		result = "updated"
		s.log.Info("member updated",
			zap.Stringer("client", reg.ClientID),
			zap.Stringer("nat", reg.NATType),
			zap.Stringer("observed", from))
	}
	s.metrics.registrations.WithLabelValues(result).Inc()
	s.metrics.unsupported.Add(float64(len(out.Unsupported)))

	s.send(from, wire.RegistrationAck{
		ClientID: reg.ClientID,
		GroupID:  reg.GroupID,
		Observed: from,
		Members:  out.Members,
	})
	for _, n := range out.Notifications {
		if s.send(n.To, n.Broadcast) {
			s.metrics.broadcasts.Inc()
		}
	}
}

func (s *Server) send(to netip.AddrPort, m wire.Message) bool {
	if err := s.conn.Send(to, m); err != nil {
		s.log.Warn("send failed", zap.Stringer("kind", m.Kind()), zap.Stringer("to", to), zap.Error(err))
		return false
	}
	return true
}
