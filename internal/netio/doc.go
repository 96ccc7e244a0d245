// Package netio supplies the transport layer a BFD engine needs: raw UDP
// sockets configured for RFC 5881/5883 (TTL=255 GTSM, ancillary PKTINFO),
// a receive loop that demultiplexes datagrams to bfd.Manager, and a sender
// bound to an RFC 5881 §4 ephemeral source port.
//
// The Linux implementation (socket_linux.go) is built on golang.org/x/sys/unix
// for socket-option access that net alone doesn't expose.
package netio
