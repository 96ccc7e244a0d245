package netio_test

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/dantte-lp/gobfd/internal/netio"
)

// stubConn is a fake netio.RawConn driven entirely by injected callbacks,
// so transport-dependent code can be exercised without CAP_NET_RAW.
type stubConn struct {
	mu     sync.Mutex
	local  netip.AddrPort
	closed bool

	// OnRead backs ReadPacket. Left nil, ReadPacket reports an error.
	OnRead func(buf []byte) (int, netio.TransportMeta, error)

	// OnWrite backs WritePacket's side effect, run after Sent is recorded.
	OnWrite func(buf []byte, dst netip.Addr) error

	// Sent accumulates every WritePacket call for later inspection.
	Sent []sentDatagram
}

// sentDatagram snapshots one WritePacket call.
type sentDatagram struct {
	Data []byte
	Dst  netip.Addr
}

func newStubConn(local netip.AddrPort) *stubConn {
	return &stubConn{local: local}
}

func (c *stubConn) ReadPacket(buf []byte) (int, netio.TransportMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, netio.TransportMeta{}, netio.ErrSocketClosed
	}
	if c.OnRead == nil {
		return 0, netio.TransportMeta{}, errors.New("stubConn: OnRead not set")
	}
	return c.OnRead(buf)
}

func (c *stubConn) WritePacket(buf []byte, dst netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return netio.ErrSocketClosed
	}

	snapshot := make([]byte, len(buf))
	copy(snapshot, buf)
	c.Sent = append(c.Sent, sentDatagram{Data: snapshot, Dst: dst})

	if c.OnWrite != nil {
		return c.OnWrite(buf, dst)
	}
	return nil
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *stubConn) LocalAddr() netip.AddrPort {
	return c.local
}

// --- SourcePortAllocator -----------------------------------------------

func TestSourcePortAllocatorStaysInRFC5881Range(t *testing.T) {
	t.Parallel()

	alloc := netio.NewSourcePortAllocator()
	for i := range 200 {
		port, err := alloc.Allocate()
		if err != nil {
			t.Fatalf("draw %d: %v", i, err)
		}
		if port < 49152 {
			t.Errorf("draw %d: port %d below RFC 5881 §4 floor 49152", i, port)
		}
	}
}

func TestSourcePortAllocatorDrawsAreUnique(t *testing.T) {
	t.Parallel()

	alloc := netio.NewSourcePortAllocator()
	seen := make(map[uint16]struct{}, 100)

	for i := range 100 {
		port, err := alloc.Allocate()
		if err != nil {
			t.Fatalf("draw %d: %v", i, err)
		}
		if _, dup := seen[port]; dup {
			t.Fatalf("draw %d: port %d repeated", i, port)
		}
		seen[port] = struct{}{}
	}

	if len(seen) != 100 {
		t.Errorf("got %d unique ports, want 100", len(seen))
	}
}

func TestSourcePortAllocatorReleaseAllowsReuse(t *testing.T) {
	t.Parallel()

	alloc := netio.NewSourcePortAllocator()

	port, err := alloc.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	alloc.Release(port)
	alloc.Release(port) // second release: no-op

	for i := range 50 {
		p, allocErr := alloc.Allocate()
		if allocErr != nil {
			t.Fatalf("draw %d after release: %v", i, allocErr)
		}
		alloc.Release(p)
	}
}

func TestSourcePortAllocatorConcurrentDraws(t *testing.T) {
	t.Parallel()

	const workers, perWorker = 10, 50

	alloc := netio.NewSourcePortAllocator()
	drawn := make([][]uint16, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := range workers {
		drawn[w] = make([]uint16, 0, perWorker)
		go func(idx int) {
			defer wg.Done()
			for range perWorker {
				port, err := alloc.Allocate()
				if err != nil {
					t.Errorf("worker %d: %v", idx, err)
					return
				}
				drawn[idx] = append(drawn[idx], port)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uint16]struct{}, workers*perWorker)
	for w, ports := range drawn {
		for i, p := range ports {
			if _, dup := seen[p]; dup {
				t.Errorf("worker %d draw %d: duplicate port %d", w, i, p)
			}
			seen[p] = struct{}{}
		}
	}
	if want := workers * perWorker; len(seen) != want {
		t.Errorf("unique ports = %d, want %d", len(seen), want)
	}

	for _, ports := range drawn {
		for _, p := range ports {
			alloc.Release(p)
		}
	}
}

// --- CheckGTSM -----------------------------------------------------------

func TestCheckGTSMSingleHop(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		ttl     uint8
		wantErr bool
	}{
		{"255 passes", 255, false},
		{"254 fails", 254, true},
		{"0 fails", 0, true},
		{"128 fails", 128, true},
		{"1 fails", 1, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := netio.CheckGTSM(netio.TransportMeta{TTL: tc.ttl}, false)
			checkGTSMResult(t, tc.ttl, err, tc.wantErr)
		})
	}
}

func TestCheckGTSMMultiHop(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		ttl     uint8
		wantErr bool
	}{
		{"255 passes", 255, false},
		{"254 passes", 254, false},
		{"253 fails", 253, true},
		{"0 fails", 0, true},
		{"128 fails", 128, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := netio.CheckGTSM(netio.TransportMeta{TTL: tc.ttl}, true)
			checkGTSMResult(t, tc.ttl, err, tc.wantErr)
		})
	}
}

// TestCheckGTSMHopLimitIPv6 checks that IPv6's Hop Limit, carried in the
// same TransportMeta.TTL field, is validated identically to IPv4 TTL for
// both single- and multi-hop sessions.
func TestCheckGTSMHopLimitIPv6(t *testing.T) {
	t.Parallel()

	v6 := netio.TransportMeta{
		SrcAddr: netip.MustParseAddr("2001:db8::1"),
		DstAddr: netip.MustParseAddr("2001:db8::2"),
	}

	for _, tc := range []struct {
		name     string
		multiHop bool
		hopLimit uint8
		wantErr  bool
	}{
		{"single-hop 255 passes", false, 255, false},
		{"single-hop 254 fails", false, 254, true},
		{"single-hop 64 fails", false, 64, true},
		{"multi-hop 255 passes", true, 255, false},
		{"multi-hop 254 passes", true, 254, false},
		{"multi-hop 253 fails", true, 253, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			meta := v6
			meta.TTL = tc.hopLimit
			err := netio.CheckGTSM(meta, tc.multiHop)
			checkGTSMResult(t, tc.hopLimit, err, tc.wantErr)
		})
	}
}

func checkGTSMResult(t *testing.T, ttl uint8, err error, wantErr bool) {
	t.Helper()

	if wantErr && err == nil {
		t.Errorf("TTL %d: expected error, got nil", ttl)
	}
	if !wantErr && err != nil {
		t.Errorf("TTL %d: unexpected error: %v", ttl, err)
	}
	if wantErr && err != nil && !errors.Is(err, netio.ErrTTLInvalid) {
		t.Errorf("TTL %d: error does not wrap ErrTTLInvalid: %v", ttl, err)
	}
}

// --- stubConn itself -----------------------------------------------------

func TestStubConnRecordsWrites(t *testing.T) {
	t.Parallel()

	conn := newStubConn(netip.MustParseAddrPort("192.168.1.1:3784"))
	dst := netip.MustParseAddr("10.0.0.1")
	payload := []byte{0x20, 0x40, 0x03, 0x18, 0x00, 0x00, 0x00, 0x01}

	if err := conn.WritePacket(payload, dst); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if len(conn.Sent) != 1 {
		t.Fatalf("Sent has %d entries, want 1", len(conn.Sent))
	}
	if conn.Sent[0].Dst != dst {
		t.Errorf("dst = %s, want %s", conn.Sent[0].Dst, dst)
	}
	if len(conn.Sent[0].Data) != len(payload) {
		t.Errorf("data length = %d, want %d", len(conn.Sent[0].Data), len(payload))
	}
}

func TestStubConnReadDelegatesToCallback(t *testing.T) {
	t.Parallel()

	conn := newStubConn(netip.MustParseAddrPort("192.168.1.1:3784"))
	want := netio.TransportMeta{
		SrcAddr: netip.MustParseAddr("10.0.0.2"),
		TTL:     255,
		IfIndex: 3,
		IfName:  "eth0",
	}
	payload := []byte{0x20, 0x40, 0x03, 0x18}

	conn.OnRead = func(buf []byte) (int, netio.TransportMeta, error) {
		return copy(buf, payload), want, nil
	}

	buf := make([]byte, 64)
	n, meta, err := conn.ReadPacket(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(payload) {
		t.Errorf("n = %d, want %d", n, len(payload))
	}
	if meta != want {
		t.Errorf("meta = %+v, want %+v", meta, want)
	}
}

func TestStubConnClosedRejectsIO(t *testing.T) {
	t.Parallel()

	conn := newStubConn(netip.MustParseAddrPort("192.168.1.1:3784"))
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, _, err := conn.ReadPacket(make([]byte, 64)); !errors.Is(err, netio.ErrSocketClosed) {
		t.Errorf("read after close: got %v, want ErrSocketClosed", err)
	}
	if err := conn.WritePacket([]byte{0x01}, netip.MustParseAddr("10.0.0.1")); !errors.Is(err, netio.ErrSocketClosed) {
		t.Errorf("write after close: got %v, want ErrSocketClosed", err)
	}
}

func TestStubConnLocalAddr(t *testing.T) {
	t.Parallel()

	for _, addr := range []string{"10.0.0.5:4784", "[2001:db8::1]:4784"} {
		addr := addr
		t.Run(addr, func(t *testing.T) {
			t.Parallel()
			ap := netip.MustParseAddrPort(addr)
			conn := newStubConn(ap)
			if conn.LocalAddr() != ap {
				t.Errorf("LocalAddr = %s, want %s", conn.LocalAddr(), ap)
			}
		})
	}
}

// --- TransportMeta ---------------------------------------------------------

func TestTransportMetaRoundTrips(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		meta netio.TransportMeta
	}{
		{
			name: "ipv4",
			meta: netio.TransportMeta{
				SrcAddr: netip.MustParseAddr("192.168.1.10"),
				DstAddr: netip.MustParseAddr("192.168.1.20"),
				TTL:     255,
				IfIndex: 42,
				IfName:  "eth0",
			},
		},
		{
			name: "ipv6",
			meta: netio.TransportMeta{
				SrcAddr: netip.MustParseAddr("2001:db8::1"),
				DstAddr: netip.MustParseAddr("2001:db8::2"),
				TTL:     255,
				IfIndex: 7,
				IfName:  "eth1",
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := tc.meta
			if got != tc.meta {
				t.Errorf("meta = %+v, want %+v", got, tc.meta)
			}
		})
	}
}

func TestTransportMetaZeroValue(t *testing.T) {
	t.Parallel()

	var meta netio.TransportMeta

	if meta.SrcAddr.IsValid() || meta.DstAddr.IsValid() {
		t.Error("zero-value addresses should be invalid")
	}
	if meta.TTL != 0 || meta.IfIndex != 0 || meta.IfName != "" {
		t.Errorf("zero-value meta has non-zero field: %+v", meta)
	}
}

// --- Listener driven by stubConn ------------------------------------------

func TestListenerRecvReturnsParsedDatagram(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		addr string
		meta netio.TransportMeta
	}{
		{
			name: "ipv4",
			addr: "192.168.1.1:3784",
			meta: netio.TransportMeta{SrcAddr: netip.MustParseAddr("10.0.0.2"), TTL: 255, IfIndex: 1, IfName: "lo"},
		},
		{
			name: "ipv6",
			addr: "[::1]:3784",
			meta: netio.TransportMeta{
				SrcAddr: netip.MustParseAddr("2001:db8::1"),
				DstAddr: netip.MustParseAddr("2001:db8::2"),
				TTL:     255,
				IfIndex: 2,
				IfName:  "eth0",
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			conn := newStubConn(netip.MustParseAddrPort(tc.addr))
			payload := []byte{0x20, 0x40, 0x03, 0x18}
			conn.OnRead = func(buf []byte) (int, netio.TransportMeta, error) {
				return copy(buf, payload), tc.meta, nil
			}

			ln := netio.NewListenerFromConn(conn, false)
			defer closeListener(t, ln)

			buf, meta, err := ln.Recv(t.Context())
			if err != nil {
				t.Fatalf("recv: %v", err)
			}
			if len(buf) != len(payload) {
				t.Errorf("buf len = %d, want %d", len(buf), len(payload))
			}
			if meta.SrcAddr != tc.meta.SrcAddr {
				t.Errorf("src = %s, want %s", meta.SrcAddr, tc.meta.SrcAddr)
			}
			if meta.TTL != 255 {
				t.Errorf("ttl = %d, want 255", meta.TTL)
			}
		})
	}
}

// TestListenerRecvDropsBadTTLThenSucceeds checks that GTSM-failing
// datagrams are silently skipped and the loop keeps reading until a valid
// one arrives.
func TestListenerRecvDropsBadTTLThenSucceeds(t *testing.T) {
	t.Parallel()

	conn := newStubConn(netip.MustParseAddrPort("192.168.1.1:3784"))
	payload := []byte{0x20, 0x40, 0x03, 0x18}

	calls := 0
	conn.OnRead = func(buf []byte) (int, netio.TransportMeta, error) {
		calls++
		n := copy(buf, payload)
		ttl := uint8(254)
		if calls >= 3 {
			ttl = 255
		}
		return n, netio.TransportMeta{SrcAddr: netip.MustParseAddr("10.0.0.2"), TTL: ttl}, nil
	}

	ln := netio.NewListenerFromConn(conn, false)
	defer closeListener(t, ln)

	_, meta, err := ln.Recv(t.Context())
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if meta.TTL != 255 {
		t.Errorf("final TTL = %d, want 255", meta.TTL)
	}
	if calls != 3 {
		t.Errorf("read calls = %d, want 3 (2 dropped + 1 accepted)", calls)
	}
}

func closeListener(t *testing.T, ln *netio.Listener) {
	t.Helper()
	if err := ln.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

// --- Constants -------------------------------------------------------------

func TestWellKnownPorts(t *testing.T) {
	t.Parallel()

	if netio.PortSingleHop != 3784 {
		t.Errorf("PortSingleHop = %d, want 3784 (RFC 5881 §4)", netio.PortSingleHop)
	}
	if netio.PortMultiHop != 4784 {
		t.Errorf("PortMultiHop = %d, want 4784 (RFC 5883 §2)", netio.PortMultiHop)
	}
}
