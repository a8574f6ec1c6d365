package coordinator

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"punchctl/internal/config"
	"punchctl/internal/model"
	"punchctl/internal/transport"
	"punchctl/internal/wire"
)

func startServer(t *testing.T, clk clock.Clock) *Server {
	t.Helper()
	cfg := config.CoordinatorConfig{Listen: "127.0.0.1:0", MemberTimeoutSec: 30, SweepIntervalSec: 5}
	s, err := NewServer(cfg, prometheus.NewRegistry(), clk, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
		assert.NoError(t, s.Close())
	})
	return s
}

type endpoint struct {
	conn  *transport.Conn
	inbox chan wire.Message
	// held keeps messages passed over by receive, in arrival order. Only
	// the test goroutine touches it.
	held []wire.Message
}

func startEndpoint(t *testing.T) *endpoint {
	t.Helper()
	conn, err := transport.Listen("127.0.0.1:0", transport.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	e := &endpoint{conn: conn, inbox: make(chan wire.Message, 32)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.Serve(ctx, func(_ context.Context, msg wire.Message, _ netip.AddrPort) {
			e.inbox <- msg
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = conn.Close()
	})
	return e
}

// receive returns the first message of type T. Messages of other types are
// held for later calls, since the transport may deliver them out of order.
func receive[T wire.Message](t *testing.T, e *endpoint) T {
	t.Helper()
	for i, msg := range e.held {
		if m, ok := msg.(T); ok {
			e.held = append(e.held[:i], e.held[i+1:]...)
			return m
		}
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-e.inbox:
			if m, ok := msg.(T); ok {
				return m
			}
			e.held = append(e.held, msg)
		case <-deadline:
			var zero T
			t.Fatalf("no %s received", zero.Kind())
			return zero
		}
	}
}

func TestServer_RegistrationFlow(t *testing.T) {
	t.Parallel()

	s := startServer(t, nil)
	x, y := startEndpoint(t), startEndpoint(t)
	xID, yID := uuid.New(), uuid.New()

	require.NoError(t, x.conn.Send(s.Addr(), wire.Registration{
		ClientID: xID, GroupID: testGroup, PublicEndpoint: x.conn.LocalAddr(), NATType: model.NATFullCone,
	}))
	ack := receive[wire.RegistrationAck](t, x)
	assert.Equal(t, xID, ack.ClientID)
	assert.Equal(t, x.conn.LocalAddr(), ack.Observed)
	assert.Equal(t, 1, ack.Members)

	require.NoError(t, y.conn.Send(s.Addr(), wire.Registration{
		ClientID: yID, GroupID: testGroup, PublicEndpoint: y.conn.LocalAddr(), NATType: model.NATRestrictedCone,
	}))
	assert.Equal(t, 2, receive[wire.RegistrationAck](t, y).Members)

	toY := receive[wire.RendezvousBroadcast](t, y)
	assert.Equal(t, xID, toY.PeerID)
	assert.Equal(t, x.conn.LocalAddr(), toY.PeerEndpoint)
	assert.True(t, toY.ShouldPrepare)
	assert.True(t, toY.PeerIsFullCone)

	toX := receive[wire.RendezvousBroadcast](t, x)
	assert.Equal(t, yID, toX.PeerID)
	assert.True(t, toX.ShouldWaitThenPunch)

	require.NoError(t, x.conn.Send(s.Addr(), wire.ConsistencyCheckRequest{ClientID: xID}))
	check := receive[wire.ConsistencyCheckResponse](t, x)
	assert.Equal(t, xID, check.ClientID)
	assert.Equal(t, x.conn.LocalAddr(), check.Observed)

	assert.Eventually(t, func() bool { return testutil.ToFloat64(s.metrics.broadcasts) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.registrations.WithLabelValues("new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.consistency))

	status := s.Status()
	require.Len(t, status.Groups, 1)
	assert.Equal(t, testGroup, status.Groups[0].GroupID)
	require.Len(t, status.Groups[0].Members, 2)
	assert.Equal(t, xID, status.Groups[0].Members[0].ClientID)
	assert.Equal(t, model.NATRestrictedCone, status.Groups[0].Members[1].NATType)
}

func TestServer_SymmetricPairCountedUnsupported(t *testing.T) {
	t.Parallel()

	s := startServer(t, nil)
	x, y := startEndpoint(t), startEndpoint(t)

	for _, e := range []*endpoint{x, y} {
		require.NoError(t, e.conn.Send(s.Addr(), wire.Registration{
			ClientID: uuid.New(), GroupID: testGroup, PublicEndpoint: e.conn.LocalAddr(), NATType: model.NATSymmetric,
		}))
		receive[wire.RegistrationAck](t, e)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.unsupported))
	assert.Zero(t, testutil.ToFloat64(s.metrics.broadcasts))
	assert.Empty(t, x.held)
	assert.Empty(t, y.held)
	select {
	case msg := <-x.inbox:
		t.Fatalf("unexpected %s", msg.Kind())
	case <-time.After(150 * time.Millisecond):
	}
}

func TestServer_SweepExpiresMembers(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	s := startServer(t, mock)
	_, err := s.Coordinator().Register(wire.Registration{
		ClientID: uuid.New(), GroupID: testGroup,
		PublicEndpoint: netip.MustParseAddrPort("198.51.100.10:4000"), NATType: model.NATFullCone,
	}, netip.MustParseAddrPort("198.51.100.10:4000"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mock.Add(5 * time.Second)
		return s.Coordinator().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return testutil.ToFloat64(s.metrics.expired) == 1 }, time.Second, 10*time.Millisecond)
}

func TestServer_HeartbeatKeepsMemberAlive(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	s := startServer(t, mock)
	x := startEndpoint(t)
	xID := uuid.New()
	_, err := s.Coordinator().Register(wire.Registration{
		ClientID: xID, GroupID: testGroup, PublicEndpoint: x.conn.LocalAddr(), NATType: model.NATFullCone,
	}, x.conn.LocalAddr())
	require.NoError(t, err)

	mock.Add(20 * time.Second)
	require.NoError(t, x.conn.Send(s.Addr(), wire.Heartbeat{SenderID: xID, Payload: "keepalive"}))
	require.Eventually(t, func() bool {
		groups := s.Coordinator().Groups()
		return len(groups) == 1 && groups[0].Members[0].LastActivity.Equal(mock.Now())
	}, 2*time.Second, 10*time.Millisecond)

	// Idle for 35s since registering, but only 15s since the heartbeat.
	mock.Add(15 * time.Second)
	assert.Never(t, func() bool { return s.Coordinator().Len() == 0 }, 100*time.Millisecond, 10*time.Millisecond)
}
