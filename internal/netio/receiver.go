package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dantte-lp/gobfd/internal/bfd"
)

// ErrNoListeners is returned by Run when called with zero listeners.
var ErrNoListeners = errors.New("receiver: no listeners provided")

// Demuxer routes a parsed Control packet to the session it belongs to.
// Receiver depends on this interface rather than *bfd.Manager directly so
// netio never needs to import the session-management internals.
type Demuxer interface {
	// DemuxWithWire looks up the session matching pkt/meta and feeds it
	// the event, passing the raw wire bytes along for auth verification.
	DemuxWithWire(pkt *bfd.ControlPacket, meta bfd.PacketMeta, wire []byte) error
}

// Receiver pulls datagrams off one or more Listeners, parses them as BFD
// Control packets, and hands them to a Demuxer.
type Receiver struct {
	demux  Demuxer
	logger *slog.Logger
}

// NewReceiver builds a Receiver that forwards decoded packets to demux.
func NewReceiver(demux Demuxer, logger *slog.Logger) *Receiver {
	return &Receiver{
		demux:  demux,
		logger: logger.With(slog.String("component", "netio.receiver")),
	}
}

// Run fans out one goroutine per listener and blocks until ctx is
// cancelled and every goroutine has returned. A read error on one
// listener is logged and does not affect the others; only ctx
// cancellation ends the loop.
func (r *Receiver) Run(ctx context.Context, listeners ...*Listener) error {
	if len(listeners) == 0 {
		return fmt.Errorf("receiver run: %w", ErrNoListeners)
	}

	done := make(chan struct{}, len(listeners))
	for _, ln := range listeners {
		go func(l *Listener) {
			r.pump(ctx, l)
			done <- struct{}{}
		}(ln)
	}

	for range listeners {
		<-done
	}
	return nil
}

// pump repeatedly receives-parses-demuxes from ln until ctx ends.
func (r *Receiver) pump(ctx context.Context, ln *Listener) {
	for ctx.Err() == nil {
		if err := r.step(ctx, ln); err != nil && ctx.Err() == nil {
			r.logger.Warn("recv error", slog.String("error", err.Error()))
		}
	}
}

// step performs one receive, parse, and demux cycle.
func (r *Receiver) step(ctx context.Context, ln *Listener) error {
	raw, meta, err := ln.Recv(ctx)
	if err != nil {
		return fmt.Errorf("recv: %w", err)
	}

	// The pooled buffer goes back to bfd.PacketPool right away, so decode
	// from and hand the demuxer a private copy; the session reads the
	// packet later on its own goroutine.
	wire := make([]byte, len(raw))
	copy(wire, raw)
	pooled := raw[:cap(raw)]
	bfd.PacketPool.Put(&pooled)

	bfdMeta := toBFDMeta(meta)

	var pkt bfd.ControlPacket
	if err := bfd.UnmarshalControlPacket(wire, &pkt); err != nil {
		r.logger.Info("invalid BFD packet",
			slog.String("src", bfdMeta.SrcAddr.String()),
			slog.String("error", err.Error()),
		)
		return nil // RFC 5880 §6.8.6: silently discard malformed packets.
	}

	if err := r.demux.DemuxWithWire(&pkt, bfdMeta, wire); err != nil {
		r.logger.Info("demux failed",
			slog.String("src", bfdMeta.SrcAddr.String()),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// toBFDMeta converts netio's transport metadata to bfd's, keeping the
// two packages decoupled.
func toBFDMeta(m TransportMeta) bfd.PacketMeta {
	return bfd.PacketMeta{
		SrcAddr: m.SrcAddr,
		DstAddr: m.DstAddr,
		TTL:     m.TTL,
		IfName:  m.IfName,
	}
}
