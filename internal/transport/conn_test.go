package transport

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"punchctl/internal/wire"
)

type received struct {
	msg  wire.Message
	from netip.AddrPort
}

func listen(t *testing.T, opts ...Option) *Conn {
	t.Helper()
	c, err := Listen("127.0.0.1:0", append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func serve(t *testing.T, c *Conn) <-chan received {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan received, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.Serve(ctx, func(_ context.Context, msg wire.Message, from netip.AddrPort) {
			out <- received{msg: msg, from: from}
		})
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return out
}

func TestSendServe_RoundTrip(t *testing.T) {
	t.Parallel()

	a := listen(t)
	b := listen(t)
	inbox := serve(t, b)

	hb := wire.Heartbeat{SenderID: uuid.New(), Payload: "heartbeat 1"}
	require.NoError(t, a.Send(b.LocalAddr(), hb))

	select {
	case got := <-inbox:
		assert.Equal(t, hb, got.msg)
		assert.Equal(t, a.LocalAddr(), got.from)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat not received")
	}
}

func TestServe_SurvivesMalformedDatagrams(t *testing.T) {
	t.Parallel()

	b := listen(t)
	inbox := serve(t, b)

	raw, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(b.LocalAddr()))
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte("garbage"))
	require.NoError(t, err)
	_, err = raw.Write([]byte{0x4E, 0x50, 1, 250, '{', '}'})
	require.NoError(t, err)

	frame, err := wire.Encode(wire.ConsistencyCheckRequest{ClientID: uuid.New()})
	require.NoError(t, err)
	_, err = raw.Write(frame)
	require.NoError(t, err)

	select {
	case got := <-inbox:
		assert.Equal(t, wire.KindConsistencyCheckRequest, got.msg.Kind())
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after garbage not received")
	}
}

func TestProbeSTUN_AgainstResponder(t *testing.T) {
	t.Parallel()

	server := listen(t, WithSTUNResponder())
	_ = serve(t, server)

	client := listen(t)
	_ = serve(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	mapped, err := client.ProbeSTUN(ctx, "stun:"+server.LocalAddr().String(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, client.LocalAddr(), mapped)
}

func TestProbeSTUN_ReturnsAfterTimeout(t *testing.T) {
	t.Parallel()

	// Catalogue-only socket: the binding request is dropped unanswered.
	silent := listen(t)
	_ = serve(t, silent)

	client := listen(t)
	_ = serve(t, client)

	done := make(chan error, 1)
	go func() {
		_, err := client.ProbeSTUN(context.Background(), silent.LocalAddr().String(), 100*time.Millisecond)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(3 * time.Second):
		t.Fatal("ProbeSTUN did not return after its timeout")
	}
}

func TestProbeSTUN_Repeatable(t *testing.T) {
	t.Parallel()

	server := listen(t, WithSTUNResponder())
	_ = serve(t, server)

	client := listen(t)
	_ = serve(t, client)

	for i := 0; i < 3; i++ {
		done := make(chan error, 1)
		go func() {
			_, err := client.ProbeSTUN(context.Background(), server.LocalAddr().String(), 2*time.Second)
			done <- err
		}()
		select {
		case err := <-done:
			require.NoError(t, err, "attempt %d", i)
		case <-time.After(3 * time.Second):
			t.Fatalf("attempt %d: ProbeSTUN did not return", i)
		}
	}
}

func TestSend_RejectsInvalidDestination(t *testing.T) {
	t.Parallel()

	a := listen(t)
	assert.Error(t, a.Send(netip.AddrPort{}, wire.Prime{}))
}
