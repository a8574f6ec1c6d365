package peer

import (
	"context"
	"net/netip"
	"sync"

	"github.com/google/uuid"
)

// LoopFunc is a background task bound to one peer and target.
type LoopFunc func(ctx context.Context, target netip.AddrPort)

type loop struct {
	target netip.AddrPort
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *loop) running() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Supervisor owns at most one running loop per peer.
type Supervisor struct {
	mu    sync.Mutex
	loops map[uuid.UUID]*loop
	wg    sync.WaitGroup
}

func NewSupervisor() *Supervisor {
	return &Supervisor{loops: make(map[uuid.UUID]*loop)}
}

// Start runs fn for peer. A loop already running toward the same target is
// left alone and Start returns false; one running toward another target is
// cancelled and replaced.
func (s *Supervisor) Start(ctx context.Context, peer uuid.UUID, target netip.AddrPort, fn LoopFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.loops[peer]; ok && l.running() {
		if l.target == target {
			return false
		}
		l.cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &loop{target: target, cancel: cancel, done: make(chan struct{})}
	s.loops[peer] = l

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(l.done)
		defer cancel()
		fn(ctx, target)
	}()
	return true
}

// Running reports whether a loop for peer is still running.
func (s *Supervisor) Running(peer uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[peer]
	return ok && l.running()
}

// Target returns the target of the peer's running loop.
func (s *Supervisor) Target(peer uuid.UUID) (netip.AddrPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[peer]
	if !ok || !l.running() {
		return netip.AddrPort{}, false
	}
	return l.target, true
}

// Stop cancels the peer's loop without waiting for it.
func (s *Supervisor) Stop(peer uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.loops[peer]; ok {
		l.cancel()
		delete(s.loops, peer)
	}
}

// StopAll cancels every loop and waits for them to return.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	for id, l := range s.loops {
		l.cancel()
		delete(s.loops, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
