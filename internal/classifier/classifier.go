// Package classifier determines the NAT type of the local socket by probing
// a cooperating pair of probe hosts.
package classifier

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"punchctl/internal/logging"
	"punchctl/internal/model"
	"punchctl/internal/wire"
)

// Sender writes a message from the socket being classified.
type Sender interface {
	Send(to netip.AddrPort, m wire.Message) error
}

// Targets are the four probe sockets.
type Targets struct {
	PrimaryPrimary     netip.AddrPort
	PrimarySecondary   netip.AddrPort
	SecondaryPrimary   netip.AddrPort
	SecondarySecondary netip.AddrPort
}

func (t Targets) of(l Label) netip.AddrPort {
	switch l {
	case PrimarySecondary:
		return t.PrimarySecondary
	case SecondaryPrimary:
		return t.SecondaryPrimary
	case SecondarySecondary:
		return t.SecondarySecondary
	default:
		return t.PrimaryPrimary
	}
}

type Config struct {
	ClientID       uuid.UUID
	Targets        Targets
	Phase1Timeout  time.Duration
	Phase1Attempts int
	Phase2Timeout  time.Duration
	Phase2Attempts int
}

func (c Config) withDefaults() Config {
	if c.Phase1Timeout <= 0 {
		c.Phase1Timeout = time.Second
	}
	if c.Phase1Attempts <= 0 {
		c.Phase1Attempts = 3
	}
	if c.Phase2Timeout <= 0 {
		c.Phase2Timeout = 3 * time.Second
	}
	if c.Phase2Attempts <= 0 {
		c.Phase2Attempts = 3
	}
	return c
}

// Result is the outcome of a full classification run.
type Result struct {
	Type           model.NATType
	PublicEndpoint netip.AddrPort
	// Phase is the last phase that ran (1 or 2).
	Phase      int
	Rounds     int
	Diagnostic string
}

// Classifier runs classification rounds over a shared socket. Replies reach
// it through Deliver, called from the socket's receive loop.
type Classifier struct {
	cfg  Config
	send Sender
	log  *zap.Logger

	mu     sync.Mutex
	rounds map[uuid.UUID]chan Observation
	last   Result
}

func New(cfg Config, send Sender, log *zap.Logger) *Classifier {
	return &Classifier{
		cfg:    cfg.withDefaults(),
		send:   send,
		log:    logging.OrNop(log).Named("classifier"),
		rounds: make(map[uuid.UUID]chan Observation),
	}
}

// Deliver routes a reply to the round waiting for it. Replies for finished or
// unknown rounds are ignored and reported as false.
func (c *Classifier) Deliver(resp wire.ClassificationResponse) bool {
	obs, ok := ObservationFrom(resp, time.Now())
	if !ok {
		c.log.Debug("reply with contradictory host flags", zap.Stringer("correlation", resp.CorrelationID))
		return false
	}

	c.mu.Lock()
	inbox, ok := c.rounds[resp.CorrelationID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case inbox <- obs:
		return true
	default:
		return false
	}
}

// Last returns the most recent result.
func (c *Classifier) Last() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Classify runs Phase 1 and, when needed, Phase 2. The returned error is
// non-nil only for host failures, send failures and cancellation; an
// inconclusive run yields NATUnknown with a diagnostic.
func (c *Classifier) Classify(ctx context.Context) (Result, error) {
	var (
		best   netip.AddrPort
		rounds int
		diag   string
	)

	for attempt := 1; attempt <= c.cfg.Phase1Attempts; attempt++ {
		obs, err := c.round(ctx, wire.CheckWhichKindOfCone, allLabels[:1], c.cfg.Phase1Timeout)
		rounds++
		if err != nil {
			return Result{Phase: 1, Rounds: rounds}, err
		}
		if ep, ok := PublicEndpoint(obs); ok {
			best = ep
		}

		nat := AnalyzeCone(obs)
		c.log.Debug("phase 1 round", zap.Int("attempt", attempt), zap.Int("replies", len(obs)), zap.Stringer("nat", nat))
		if nat == model.NATFullCone || nat == model.NATRestrictedCone {
			return c.finish(Result{Type: nat, PublicEndpoint: best, Phase: 1, Rounds: rounds}), nil
		}
		if nat == model.NATPortRestrictedCone {
			break
		}
		diag = fmt.Sprintf("phase 1 got %d replies", len(obs))
	}

	for attempt := 1; attempt <= c.cfg.Phase2Attempts; attempt++ {
		obs, err := c.round(ctx, wire.CheckIsSymmetric, allLabels, c.cfg.Phase2Timeout)
		rounds++
		if err != nil {
			return Result{Phase: 2, Rounds: rounds}, err
		}
		if ep, ok := PublicEndpoint(obs); ok {
			best = ep
		}

		v := AnalyzeSymmetric(obs)
		c.log.Debug("phase 2 round", zap.Int("attempt", attempt), zap.Int("replies", len(obs)),
			zap.Stringer("nat", v.Type), zap.Bool("retry", v.Retry), zap.String("diagnostic", v.Diagnostic))
		if v.Err != nil {
			return c.finish(Result{Type: model.NATUnknown, Phase: 2, Rounds: rounds, Diagnostic: v.Err.Error()}), v.Err
		}
		if !v.Retry {
			return c.finish(Result{Type: v.Type, PublicEndpoint: best, Phase: 2, Rounds: rounds, Diagnostic: v.Diagnostic}), nil
		}
		diag = v.Diagnostic
	}

	return c.finish(Result{
		Type:           model.NATUnknown,
		PublicEndpoint: best,
		Phase:          2,
		Rounds:         rounds,
		Diagnostic:     fmt.Sprintf("phase 2 inconclusive after %d rounds: %s", c.cfg.Phase2Attempts, diag),
	}), nil
}

func (c *Classifier) finish(res Result) Result {
	c.mu.Lock()
	c.last = res
	c.mu.Unlock()
	c.log.Info("classification finished",
		zap.Stringer("nat", res.Type),
		zap.Stringer("public", res.PublicEndpoint),
		zap.Int("phase", res.Phase),
		zap.Int("rounds", res.Rounds),
		zap.String("diagnostic", res.Diagnostic))
	return res
}

// round sends one request per target label and collects labeled replies
// until all four labels are in or the window closes.
func (c *Classifier) round(ctx context.Context, sub wire.CheckType, targets []Label, window time.Duration) ([]Observation, error) {
	corr := uuid.New()
	inbox := make(chan Observation, 8)

	c.mu.Lock()
	c.rounds[corr] = inbox
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.rounds, corr)
		c.mu.Unlock()
	}()

	var g errgroup.Group
	for _, l := range targets {
		target := c.cfg.Targets.of(l)
		req := wire.ClassificationRequest{
			CorrelationID: corr,
			SubType:       sub,
			ClientID:      c.cfg.ClientID,
			Target:        target,
			SendTime:      time.Now().UTC(),
		}
		g.Go(func() error {
			return c.send.Send(target, req)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%s round: %w", sub, err)
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	var obs []Observation
	seen := make(map[Label]bool, len(allLabels))
	for len(seen) < len(allLabels) {
		select {
		case o := <-inbox:
			obs = append(obs, o)
			seen[o.Label] = true
		case <-timer.C:
			return obs, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return obs, nil
}
