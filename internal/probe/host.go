// Package probe implements one host of the cooperating probe server pair
// used for NAT classification.
package probe

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"punchctl/internal/addrutil"
	"punchctl/internal/api"
	"punchctl/internal/config"
	"punchctl/internal/logging"
	"punchctl/internal/model"
	"punchctl/internal/transport"
	"punchctl/internal/wire"
)

const maxEndpointsPerClient = 4

type hostMetrics struct {
	requests *prometheus.CounterVec
	relayed  prometheus.Counter
	rejected prometheus.Counter
}

func newHostMetrics(reg prometheus.Registerer) *hostMetrics {
	f := promauto.With(reg)
	return &hostMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "punchctl", Subsystem: "probe", Name: "requests_total",
			Help: "Classification requests answered, by check type.",
		}, []string{"check"}),
		relayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "punchctl", Subsystem: "probe", Name: "relayed_total",
			Help: "Phase 1 requests relayed over the control channel.",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "punchctl", Subsystem: "probe", Name: "control_rejected_total",
			Help: "Control channel messages dropped by the source check.",
		}),
	}
}

// Host is one probe host: two probe sockets plus the control socket.
type Host struct {
	role model.HostRole
	log  *zap.Logger

	ports      [2]*transport.Conn
	advertised [2]netip.AddrPort
	control    *transport.Conn

	relayTo   netip.AddrPort // primary only
	allowFrom netip.Addr     // secondary only

	seenMu  sync.Mutex
	seen    *expirable.LRU[uuid.UUID, api.SeenClient]
	metrics *hostMetrics
}

// NewHost binds the host's sockets. reg may be nil.
func NewHost(ctx context.Context, cfg config.ProbeConfig, reg prometheus.Registerer, log *zap.Logger) (*Host, error) {
	log = logging.OrNop(log).Named("probe").With(zap.String("role", cfg.Role))
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	h := &Host{
		log:     log,
		seen:    expirable.NewLRU[uuid.UUID, api.SeenClient](cfg.RegistrySize, nil, cfg.RegistryTTL()),
		metrics: newHostMetrics(reg),
	}

	switch cfg.Role {
	case config.RolePrimary:
		h.role = model.HostPrimary
		relayTo, err := addrutil.Resolve(ctx, cfg.RelayTo)
		if err != nil {
			return nil, fmt.Errorf("probe.relay_to: %w", err)
		}
		h.relayTo = relayTo
	case config.RoleSecondary:
		h.role = model.HostSecondary
		allow, err := addrutil.ResolveHost(ctx, cfg.AllowFrom)
		if err != nil {
			return nil, fmt.Errorf("probe.allow_from: %w", err)
		}
		h.allowFrom = allow
	default:
		return nil, fmt.Errorf("unknown probe role %q", cfg.Role)
	}

	var opts []transport.Option
	opts = append(opts, transport.WithLogger(log))
	if cfg.AnswerSTUN == nil || *cfg.AnswerSTUN {
		opts = append(opts, transport.WithSTUNResponder())
	}

	var err error
	for i, addr := range []string{cfg.PrimaryListen, cfg.SecondaryListen} {
		h.ports[i], err = transport.Listen(addr, opts...)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		h.advertised[i] = addrutil.WithAdvertisedIP(h.ports[i].LocalAddr(), cfg.AdvertiseIP)
	}
	h.control, err = transport.Listen(cfg.ControlListen, transport.WithLogger(log))
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.ControlListen, err)
	}
	return h, nil
}

// Addr returns the bound address of one probe port.
func (h *Host) Addr(port model.PortRole) netip.AddrPort {
	return h.ports[port].LocalAddr()
}

// ControlAddr returns the bound address of the control socket.
func (h *Host) ControlAddr() netip.AddrPort {
	return h.control.LocalAddr()
}

// Serve runs the three receive loops until ctx is done or a socket fails.
func (h *Host) Serve(ctx context.Context) error {
	h.log.Info("probe host serving",
		zap.Stringer("primary", h.Addr(model.PortPrimary)),
		zap.Stringer("secondary", h.Addr(model.PortSecondary)),
		zap.Stringer("control", h.ControlAddr()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.ports[model.PortPrimary].Serve(ctx, h.probeHandler(model.PortPrimary)) })
	g.Go(func() error { return h.ports[model.PortSecondary].Serve(ctx, h.probeHandler(model.PortSecondary)) })
	g.Go(func() error { return h.control.Serve(ctx, h.handleControl) })
	return g.Wait()
}

// Close closes every socket the host owns.
func (h *Host) Close() error {
	var err error
	for _, c := range h.ports {
		if c != nil {
			err = multierr.Append(err, c.Close())
		}
	}
	if h.control != nil {
		err = multierr.Append(err, h.control.Close())
	}
	return err
}

// Status is the body of the admin /clients route.
func (h *Host) Status() api.ClientsResponse {
	return api.ClientsResponse{Role: h.role.String(), Clients: h.Clients()}
}

// Clients returns the diagnostic registry, most recent first.
func (h *Host) Clients() []api.SeenClient {
	clients := h.seen.Values()
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].LastActivity.After(clients[j].LastActivity)
	})
	return clients
}

func (h *Host) probeHandler(port model.PortRole) transport.Handler {
	return func(_ context.Context, msg wire.Message, from netip.AddrPort) {
		req, ok := msg.(wire.ClassificationRequest)
		if !ok {
			h.log.Debug("ignoring message on probe port", zap.Stringer("kind", msg.Kind()), zap.Stringer("from", from))
			return
		}
		h.remember(req.ClientID, from)
		h.metrics.requests.WithLabelValues(req.SubType.String()).Inc()

		if req.SubType == wire.CheckWhichKindOfCone && h.role == model.HostPrimary {
			h.reply(model.PortPrimary, req, from)
			h.reply(model.PortSecondary, req, from)
			h.relay(req, from)
			return
		}
		h.reply(port, req, from)
	}
}

func (h *Host) handleControl(_ context.Context, msg wire.Message, from netip.AddrPort) {
	relayed, ok := msg.(wire.RelayedClassification)
	if !ok || h.role != model.HostSecondary {
		h.log.Debug("ignoring control message", zap.Stringer("kind", msg.Kind()), zap.Stringer("from", from))
		return
	}
	if from.Addr() != h.allowFrom {
		h.metrics.rejected.Inc()
		h.log.Warn("rejecting control message from unexpected source",
			zap.Stringer("from", from), zap.Stringer("allowed", h.allowFrom))
		return
	}
	if !relayed.Observed.IsValid() {
		h.log.Warn("relayed request without observed endpoint", zap.Stringer("client", relayed.Request.ClientID))
		return
	}

	h.remember(relayed.Request.ClientID, relayed.Observed)
	h.reply(model.PortPrimary, relayed.Request, relayed.Observed)
	h.reply(model.PortSecondary, relayed.Request, relayed.Observed)
}

func (h *Host) reply(port model.PortRole, req wire.ClassificationRequest, to netip.AddrPort) {
	resp := wire.ClassificationResponse{
		CorrelationID:     req.CorrelationID,
		FromPrimaryHost:   h.role == model.HostPrimary,
		FromSecondaryHost: h.role == model.HostSecondary,
		PortRole:          port,
		Responder:         h.advertised[port],
		Observed:          to,
		SendTime:          time.Now().UTC(),
	}
	if err := h.ports[port].Send(to, resp); err != nil {
		h.log.Warn("reply failed", zap.Stringer("port", port), zap.Stringer("to", to), zap.Error(err))
	}
}

func (h *Host) relay(req wire.ClassificationRequest, observed netip.AddrPort) {
	if err := h.control.Send(h.relayTo, wire.RelayedClassification{Request: req, Observed: observed}); err != nil {
		h.log.Warn("relay to secondary failed", zap.Stringer("relay_to", h.relayTo), zap.Error(err))
		return
	}
	h.metrics.relayed.Inc()
}

func (h *Host) remember(id uuid.UUID, ep netip.AddrPort) {
	h.seenMu.Lock()
	defer h.seenMu.Unlock()

	rec, ok := h.seen.Get(id)
	if !ok {
		rec = api.SeenClient{ClientID: id}
	}
	rec.Requests++
	rec.LastActivity = time.Now().UTC()

	known := false
	for _, e := range rec.Endpoints {
		if e == ep {
			known = true
			break
		}
	}
	if !known {
		rec.Endpoints = append([]netip.AddrPort{ep}, rec.Endpoints...)
		if len(rec.Endpoints) > maxEndpointsPerClient {
			rec.Endpoints = rec.Endpoints[:maxEndpointsPerClient]
		}
	}
	h.seen.Add(id, rec)
}
