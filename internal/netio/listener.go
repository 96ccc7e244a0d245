package netio

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/dantte-lp/gobfd/internal/bfd"
)

// ListenerConfig describes where a Listener should bind.
//
// Single-hop (RFC 5881): Port = PortSingleHop, IfName required.
// Multi-hop (RFC 5883): Port = PortMultiHop, IfName empty.
type ListenerConfig struct {
	// Addr is the local address to bind.
	Addr netip.Addr

	// IfName pins the socket to one interface via SO_BINDTODEVICE.
	// Required for single-hop; left empty for multi-hop.
	IfName string

	// Port is the destination UDP port (PortSingleHop or PortMultiHop).
	Port uint16

	// MultiHop selects RFC 5883 semantics (relaxed GTSM floor, no
	// interface binding) over RFC 5881's.
	MultiHop bool
}

// Listener is a context-aware receive loop layered over a RawConn. It
// owns buffer management through bfd.PacketPool and enforces GTSM before
// handing a datagram back to the caller.
type Listener struct {
	conn     RawConn
	multiHop bool
}

// NewListener opens a Listener per cfg, binding a real Linux raw socket.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	conn, err := openConnFor(cfg)
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn, multiHop: cfg.MultiHop}, nil
}

// NewListenerFromConn wraps an already-constructed RawConn — the hook
// tests use to drive a Listener without touching real sockets.
func NewListenerFromConn(conn RawConn, multiHop bool) *Listener {
	return &Listener{conn: conn, multiHop: multiHop}
}

// Recv blocks until a datagram passing GTSM arrives or ctx is done.
// Packets failing the TTL/hop-limit check are dropped silently and the
// loop keeps reading — RFC 5880 prescribes silent discard for malformed
// or suspect input, and a spoofed TTL falls in that bucket.
//
// The returned buffer comes from bfd.PacketPool; the caller must return it
// once done.
func (l *Listener) Recv(ctx context.Context) ([]byte, TransportMeta, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, TransportMeta{}, fmt.Errorf("listener recv: %w", err)
		}

		buf, meta, err := l.readOne()
		if err != nil {
			return nil, TransportMeta{}, err
		}

		if err := CheckGTSM(meta, l.multiHop); err != nil {
			continue
		}

		return buf, meta, nil
	}
}

// readOne performs a single pooled-buffer read from the underlying conn.
func (l *Listener) readOne() ([]byte, TransportMeta, error) {
	bufp, ok := bfd.PacketPool.Get().(*[]byte)
	if !ok {
		return nil, TransportMeta{}, fmt.Errorf("listener recv: %w", ErrPoolType)
	}

	n, meta, err := l.conn.ReadPacket(*bufp)
	if err != nil {
		bfd.PacketPool.Put(bufp)
		return nil, TransportMeta{}, fmt.Errorf("listener read: %w", err)
	}

	return (*bufp)[:n], meta, nil
}

// Close releases the underlying conn.
func (l *Listener) Close() error {
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

// openConnFor dials the right kind of raw socket for cfg.
func openConnFor(cfg ListenerConfig) (RawConn, error) {
	if cfg.MultiHop {
		conn, err := NewMultiHopListener(context.Background(), cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("open multi-hop listener: %w", err)
		}
		return conn, nil
	}

	conn, err := NewSingleHopListener(context.Background(), cfg.Addr, cfg.IfName)
	if err != nil {
		return nil, fmt.Errorf("open single-hop listener: %w", err)
	}
	return conn, nil
}
