//go:build linux

package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// oobSize bounds the ancillary-data buffer. The largest control message
// set BFD needs is IPv6's PKTINFO (36 bytes) plus hop limit (16 bytes);
// rounded up for alignment.
const oobSize = 64

// ErrUnexpectedConnType marks a net.ListenPacket call that returned
// something other than *net.UDPConn. sender.go relies on this exact name.
var ErrUnexpectedConnType = errors.New("unexpected connection type from ListenPacket")

// udpRawConn implements RawConn on Linux using a UDP socket configured for
// GTSM and ancillary metadata delivery.
//
// IPv4 sockets carry IP_TTL=255, IP_RECVTTL, IP_PKTINFO. IPv6 sockets carry
// the equivalents: IPV6_UNICAST_HOPS=255, IPV6_RECVHOPLIMIT,
// IPV6_RECVPKTINFO. Single-hop sessions additionally bind to one interface
// via SO_BINDTODEVICE; multi-hop sessions don't.
type udpRawConn struct {
	mu       sync.Mutex
	conn     *net.UDPConn
	local    netip.AddrPort
	ifName   string
	multiHop bool
	closed   bool
}

// NewSingleHopListener opens a RawConn for single-hop BFD (RFC 5881),
// bound to ifName and port 3784. Address family is inferred from addr.
func NewSingleHopListener(ctx context.Context, addr netip.Addr, ifName string) (*udpRawConn, error) {
	local := netip.AddrPortFrom(addr, PortSingleHop)

	conn, err := bindUDP(ctx, local, ifName, false)
	if err != nil {
		return nil, fmt.Errorf("single-hop listener %s%%%s: %w", local, ifName, err)
	}

	return &udpRawConn{conn: conn, local: local, ifName: ifName, multiHop: false}, nil
}

// NewMultiHopListener opens a RawConn for multi-hop BFD (RFC 5883), bound
// to port 4784 with no interface restriction. Address family is inferred
// from addr.
func NewMultiHopListener(ctx context.Context, addr netip.Addr) (*udpRawConn, error) {
	local := netip.AddrPortFrom(addr, PortMultiHop)

	conn, err := bindUDP(ctx, local, "", true)
	if err != nil {
		return nil, fmt.Errorf("multi-hop listener %s: %w", local, err)
	}

	return &udpRawConn{conn: conn, local: local, multiHop: true}, nil
}

// ReadPacket reads one BFD datagram and its ancillary metadata.
func (c *udpRawConn) ReadPacket(buf []byte) (int, TransportMeta, error) {
	oob := make([]byte, oobSize)

	n, oobn, _, src, err := c.conn.ReadMsgUDP(buf, oob)
	if err != nil {
		return 0, TransportMeta{}, fmt.Errorf("read BFD datagram: %w", err)
	}

	meta := decodeAncillary(src, oob[:oobn])
	meta.IfName = c.ifName

	return n, meta, nil
}

// WritePacket sends buf to dst on the conn's standard BFD port.
func (c *udpRawConn) WritePacket(buf []byte, dst netip.Addr) error {
	port := PortSingleHop
	if c.multiHop {
		port = PortMultiHop
	}

	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, port))
	if _, err := c.conn.WriteToUDP(buf, addr); err != nil {
		return fmt.Errorf("write BFD datagram to %s: %w", dst, err)
	}
	return nil
}

// Close releases the socket; safe to call more than once.
func (c *udpRawConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close BFD socket: %w", err)
	}
	return nil
}

// LocalAddr reports the bound local address and port.
func (c *udpRawConn) LocalAddr() netip.AddrPort {
	return c.local
}

// bindUDP opens and configures a UDP socket for BFD, choosing udp4 or
// udp6 explicitly to avoid dual-stack ambiguity (RFC 5881 §4 treats the
// two address families as separate listeners).
func bindUDP(ctx context.Context, local netip.AddrPort, ifName string, multiHop bool) (*net.UDPConn, error) {
	isIPv6 := local.Addr().Is6() && !local.Addr().Is4In6()

	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			return applySocketOpts(rc, ifName, multiHop, isIPv6)
		},
	}

	network := "udp4"
	if isIPv6 {
		network = "udp6"
	}

	pc, err := lc.ListenPacket(ctx, network, local.String())
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, local, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		return nil, errors.Join(
			fmt.Errorf("listen %s %s: %w", network, local, ErrUnexpectedConnType),
			pc.Close(),
		)
	}

	return conn, nil
}

// applySocketOpts dispatches to the IPv4 or IPv6 option set via the
// listener's raw-conn Control callback.
func applySocketOpts(rc syscall.RawConn, ifName string, multiHop, isIPv6 bool) error {
	var sockErr error

	ctrlErr := rc.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		if isIPv6 {
			sockErr = configureIPv6(intFD, ifName, multiHop)
		} else {
			sockErr = configureIPv4(intFD, ifName, multiHop)
		}
	})
	if ctrlErr != nil {
		return fmt.Errorf("raw conn control: %w", ctrlErr)
	}
	return sockErr
}

// configureShared sets the socket options common to both address
// families: reuse for multiple listeners, and single-hop interface
// binding (RFC 5881 §4).
func configureShared(fd int, ifName string, multiHop bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	if !multiHop && ifName != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName); err != nil {
			return fmt.Errorf("set SO_BINDTODEVICE(%s): %w", ifName, err)
		}
	}

	return nil
}

// configureIPv4 applies GTSM and ancillary-data options for an IPv4 BFD
// socket (RFC 5881 §5, RFC 5082).
func configureIPv4(fd int, ifName string, multiHop bool) error {
	if err := configureShared(fd, ifName, multiHop); err != nil {
		return err
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, int(ttlRequired)); err != nil {
		return fmt.Errorf("set IP_TTL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVTTL, 1); err != nil {
		return fmt.Errorf("set IP_RECVTTL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
		return fmt.Errorf("set IP_PKTINFO: %w", err)
	}
	return nil
}

// configureIPv6 applies the IPv6 equivalents of configureIPv4: hop limit
// replaces TTL, RECVHOPLIMIT replaces RECVTTL, RECVPKTINFO replaces
// PKTINFO.
func configureIPv6(fd int, ifName string, multiHop bool) error {
	if err := configureShared(fd, ifName, multiHop); err != nil {
		return err
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, int(ttlRequired)); err != nil {
		return fmt.Errorf("set IPV6_UNICAST_HOPS: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVHOPLIMIT, 1); err != nil {
		return fmt.Errorf("set IPV6_RECVHOPLIMIT: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
		return fmt.Errorf("set IPV6_RECVPKTINFO: %w", err)
	}
	return nil
}

// decodeAncillary extracts TransportMeta from the source address and the
// kernel's out-of-band control messages, handling both IPv4 and IPv6
// ancillary layouts.
func decodeAncillary(src *net.UDPAddr, oob []byte) TransportMeta {
	var meta TransportMeta

	if src != nil {
		if a, ok := netip.AddrFromSlice(src.IP); ok {
			meta.SrcAddr = a.Unmap()
		}
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return meta
	}

	for i := range msgs {
		hdr := msgs[i].Header
		switch {
		case hdr.Level == unix.IPPROTO_IP && hdr.Type == unix.IP_TTL:
			readTTL(msgs[i].Data, &meta)
		case hdr.Level == unix.IPPROTO_IP && hdr.Type == unix.IP_PKTINFO:
			readPktInfo4(msgs[i].Data, &meta)
		case hdr.Level == unix.IPPROTO_IPV6 && hdr.Type == unix.IPV6_HOPLIMIT:
			readTTL(msgs[i].Data, &meta) // hop limit is GTSM-equivalent to TTL
		case hdr.Level == unix.IPPROTO_IPV6 && hdr.Type == unix.IPV6_PKTINFO:
			readPktInfo6(msgs[i].Data, &meta)
		}
	}

	return meta
}

// readTTL reads a one-byte TTL/HopLimit control message.
func readTTL(data []byte, meta *TransportMeta) {
	if len(data) >= 1 {
		meta.TTL = data[0]
	}
}

// readPktInfo4 decodes struct in_pktinfo: ifindex (4 bytes, native
// endian), spec_dst (4 bytes), addr (4 bytes).
func readPktInfo4(data []byte, meta *TransportMeta) {
	const size = 12
	if len(data) < size {
		return
	}

	ifIdx := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	meta.IfIndex = int(ifIdx)

	var ip4 [4]byte
	copy(ip4[:], data[8:12])
	meta.DstAddr = netip.AddrFrom4(ip4)
}

// readPktInfo6 decodes struct in6_pktinfo: 16-byte address followed by a
// 4-byte native-endian ifindex.
func readPktInfo6(data []byte, meta *TransportMeta) {
	const size = 20
	if len(data) < size {
		return
	}

	var ip6 [16]byte
	copy(ip6[:], data[0:16])
	meta.DstAddr = netip.AddrFrom16(ip6)

	ifIdx := uint32(data[16]) | uint32(data[17])<<8 | uint32(data[18])<<16 | uint32(data[19])<<24
	meta.IfIndex = int(ifIdx)
}
