// Package transport owns a UDP socket that carries both catalogue frames and
// RFC 5389 STUN traffic.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"punchctl/internal/addrutil"
	"punchctl/internal/stunutil"
	"punchctl/internal/wire"
)

const readBufferSize = 2048

// Handler receives one decoded message. Each call runs in its own goroutine.
type Handler func(ctx context.Context, msg wire.Message, from netip.AddrPort)

// Option customizes a Conn.
type Option func(*Conn)

// WithLogger sets the logger used for drop diagnostics.
func WithLogger(log *zap.Logger) Option {
	return func(c *Conn) {
		if log != nil {
			c.log = log
		}
	}
}

// WithSTUNResponder makes the socket answer STUN binding requests with the
// sender's observed address.
func WithSTUNResponder() Option {
	return func(c *Conn) { c.answerSTUN = true }
}

// Conn is a UDP socket with a receive loop that decodes catalogue frames and
// hands each one to a Handler.
type Conn struct {
	conn       *net.UDPConn
	log        *zap.Logger
	answerSTUN bool
	// drops throttles malformed-datagram diagnostics.
	drops *rate.Limiter

	mu         sync.Mutex
	stunWriter io.Writer

	handlers sync.WaitGroup
}

// Listen binds a UDP socket on addr (e.g. ":0").
func Listen(addr string, opts ...Option) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		conn:  conn,
		log:   zap.NewNop(),
		drops: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() netip.AddrPort {
	if c == nil || c.conn == nil {
		return netip.AddrPort{}
	}
	addr, ok := c.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	return addrutil.FromUDPAddr(addr)
}

// Close closes the socket; Serve returns once its handlers finish.
func (c *Conn) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Send encodes m and writes it to the given endpoint.
func (c *Conn) Send(to netip.AddrPort, m wire.Message) error {
	if !to.IsValid() {
		return fmt.Errorf("send %s: invalid destination", m.Kind())
	}
	frame, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteToUDPAddrPort(frame, addrutil.Normalize(to)); err != nil {
		return fmt.Errorf("send %s to %s: %w", m.Kind(), to, err)
	}
	return nil
}

// Serve reads datagrams until ctx is done or the socket is closed. Every
// decoded message is dispatched to h on its own goroutine, so a slow handler
// never stalls the loop.
func (c *Conn) Serve(ctx context.Context, h Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()
	defer c.handlers.Wait()

	buf := make([]byte, readBufferSize)
	for {
		n, raw, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read %s: %w", c.LocalAddr(), err)
		}
		from := addrutil.Normalize(raw)
		data := buf[:n]

		if stun.IsMessage(data) {
			c.handleSTUN(data, from)
			continue
		}

		msg, err := wire.Decode(data)
		if err != nil {
			if c.drops.Allow() {
				c.log.Warn("dropping malformed datagram",
					zap.Stringer("from", from), zap.Int("bytes", n), zap.Error(err))
			}
			continue
		}

		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			h(ctx, msg, from)
		}()
	}
}

func (c *Conn) handleSTUN(data []byte, from netip.AddrPort) {
	if c.answerSTUN {
		res, err := stunutil.BindingSuccess(data, from)
		if err == nil {
			if _, err := c.conn.WriteToUDPAddrPort(res, from); err != nil {
				c.log.Debug("stun answer failed", zap.Stringer("to", from), zap.Error(err))
			}
			return
		}
		if !errors.Is(err, stunutil.ErrNotBindingRequest) {
			if c.drops.Allow() {
				c.log.Warn("dropping malformed stun message", zap.Stringer("from", from), zap.Error(err))
			}
			return
		}
	}

	c.mu.Lock()
	w := c.stunWriter
	c.mu.Unlock()
	if w != nil {
		_, _ = w.Write(append([]byte(nil), data...))
	}
}

// ProbeSTUN sends a STUN binding request from this socket, so the mapped
// address it returns is the one peers see for this socket.
func (c *Conn) ProbeSTUN(ctx context.Context, server string, timeout time.Duration) (netip.AddrPort, error) {
	if c == nil || c.conn == nil {
		return netip.AddrPort{}, fmt.Errorf("socket not initialized")
	}

	stunAddr, err := addrutil.Resolve(ctx, stunutil.TrimScheme(server))
	if err != nil {
		return netip.AddrPort{}, err
	}

	stunL, stunR := net.Pipe()
	client, err := stun.NewClient(stunR, stun.WithNoConnClose())
	if err != nil {
		_ = stunL.Close()
		_ = stunR.Close()
		return netip.AddrPort{}, err
	}
	// The pipes go first: with WithNoConnClose, client.Close waits for its
	// reader, which only returns once stunR is closed.
	defer func() {
		_ = stunL.Close()
		_ = stunR.Close()
		_ = client.Close()
	}()

	c.mu.Lock()
	if c.stunWriter != nil {
		c.mu.Unlock()
		return netip.AddrPort{}, fmt.Errorf("stun probe already in progress")
	}
	c.stunWriter = stunL
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.stunWriter = nil
		c.mu.Unlock()
	}()

	writeErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 1500)
		for {
			n, err := stunL.Read(buf)
			if err != nil {
				writeErr <- err
				return
			}
			if _, err := c.conn.WriteToUDPAddrPort(buf[:n], stunAddr); err != nil {
				writeErr <- err
				return
			}
		}
	}()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	var xorAddr stun.XORMappedAddress
	done := make(chan error, 1)
	go func() {
		done <- client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				return
			}
			_ = xorAddr.GetFrom(res.Message)
		})
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case err := <-done:
		if err != nil {
			return netip.AddrPort{}, err
		}
		return stunutil.AddrPortOf(xorAddr)
	case err := <-writeErr:
		return netip.AddrPort{}, err
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	}
}
