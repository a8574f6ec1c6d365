package classifier

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"punchctl/internal/model"
	"punchctl/internal/wire"
)

// ErrProbeHostDown matches every *HostFailureError.
var ErrProbeHostDown = errors.New("probe host down")

// HostFailureError reports that an entire probe host stayed silent for a
// whole round. Retrying cannot fix it.
type HostFailureError struct {
	Host model.HostRole
}

func (e *HostFailureError) Error() string {
	return fmt.Sprintf("%s probe host did not answer on either port", e.Host)
}

func (e *HostFailureError) Unwrap() error { return ErrProbeHostDown }

// Label names the probe socket a reply came from.
type Label struct {
	Host model.HostRole
	Port model.PortRole
}

func (l Label) String() string { return l.Host.String() + "/" + l.Port.String() }

var (
	PrimaryPrimary     = Label{model.HostPrimary, model.PortPrimary}
	PrimarySecondary   = Label{model.HostPrimary, model.PortSecondary}
	SecondaryPrimary   = Label{model.HostSecondary, model.PortPrimary}
	SecondarySecondary = Label{model.HostSecondary, model.PortSecondary}

	// allLabels is also the Phase 2 send order; the first entry reuses the
	// mapping opened by Phase 1.
	allLabels = []Label{PrimaryPrimary, PrimarySecondary, SecondaryPrimary, SecondarySecondary}
)

// Observation is one labeled reply.
type Observation struct {
	Label
	Observed      netip.AddrPort
	Responder     netip.AddrPort
	CorrelationID uuid.UUID
	At            time.Time
}

// ObservationFrom labels a response. It reports false when the host flags are
// contradictory.
func ObservationFrom(resp wire.ClassificationResponse, at time.Time) (Observation, bool) {
	if resp.FromPrimaryHost == resp.FromSecondaryHost {
		return Observation{}, false
	}
	host := model.HostPrimary
	if resp.FromSecondaryHost {
		host = model.HostSecondary
	}
	return Observation{
		Label:         Label{Host: host, Port: resp.PortRole},
		Observed:      resp.Observed,
		Responder:     resp.Responder,
		CorrelationID: resp.CorrelationID,
		At:            at,
	}, true
}

// byLabel keeps the first observation per label.
func byLabel(obs []Observation) map[Label]Observation {
	set := make(map[Label]Observation, 4)
	for _, o := range obs {
		if _, dup := set[o.Label]; !dup {
			set[o.Label] = o
		}
	}
	return set
}

// AnalyzeCone classifies one Phase 1 round by which labeled replies arrived.
// PortRestrictedCone is tentative here and needs Phase 2.
func AnalyzeCone(obs []Observation) model.NATType {
	set := byLabel(obs)
	_, pp := set[PrimaryPrimary]
	_, ps := set[PrimarySecondary]
	_, sp := set[SecondaryPrimary]
	_, ss := set[SecondarySecondary]

	switch {
	case pp && ps && sp && ss:
		return model.NATFullCone
	case pp && ps && !sp && !ss:
		return model.NATRestrictedCone
	case pp && !ps && !sp && !ss:
		return model.NATPortRestrictedCone
	default:
		return model.NATUnknown
	}
}

// Verdict is the outcome of one Phase 2 round.
type Verdict struct {
	Type  model.NATType
	Retry bool
	// Err is set only for a host failure.
	Err        error
	Diagnostic string
}

// AnalyzeSymmetric classifies one Phase 2 round.
func AnalyzeSymmetric(obs []Observation) Verdict {
	set := byLabel(obs)
	if len(set) < len(allLabels) {
		_, pp := set[PrimaryPrimary]
		_, ps := set[PrimarySecondary]
		_, sp := set[SecondaryPrimary]
		_, ss := set[SecondarySecondary]
		switch {
		case !pp && !ps:
			return Verdict{Err: &HostFailureError{Host: model.HostPrimary}}
		case !sp && !ss:
			return Verdict{Err: &HostFailureError{Host: model.HostSecondary}}
		}
		return Verdict{Retry: true, Diagnostic: fmt.Sprintf("%d of %d replies", len(set), len(allLabels))}
	}

	ips := make(map[netip.Addr]struct{}, 1)
	ports := make(map[uint16]struct{}, 4)
	for _, o := range set {
		ips[o.Observed.Addr()] = struct{}{}
		ports[o.Observed.Port()] = struct{}{}
	}
	if len(ips) > 1 {
		return Verdict{Type: model.NATUnknown, Diagnostic: fmt.Sprintf("replies observed %d egress addresses", len(ips))}
	}

	switch len(ports) {
	case 1:
		return Verdict{Type: model.NATPortRestrictedCone}
	case 2:
		later := set[PrimarySecondary].Observed.Port()
		if set[SecondaryPrimary].Observed.Port() == later && set[SecondarySecondary].Observed.Port() == later {
			return Verdict{Type: model.NATPortRestrictedCone, Diagnostic: "first contact kept its phase 1 mapping"}
		}
	case len(allLabels):
		return Verdict{Type: model.NATSymmetric}
	}
	return Verdict{Retry: true, Diagnostic: fmt.Sprintf("%d distinct ports", len(ports))}
}

// PublicEndpoint picks the endpoint to register: the primary host's
// secondary-port observation, else its primary-port one.
func PublicEndpoint(obs []Observation) (netip.AddrPort, bool) {
	set := byLabel(obs)
	if o, ok := set[PrimarySecondary]; ok && o.Observed.IsValid() {
		return o.Observed, true
	}
	if o, ok := set[PrimaryPrimary]; ok && o.Observed.IsValid() {
		return o.Observed, true
	}
	return netip.AddrPort{}, false
}
