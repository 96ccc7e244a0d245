package bfd

import "net/netip"

// MetricsReporter decouples session and manager bookkeeping from any
// concrete metrics backend. bfdmetrics.Collector (package internal/metrics)
// satisfies this interface structurally, which keeps internal/bfd free of a
// Prometheus import.
type MetricsReporter interface {
	RegisterSession(peer, local netip.Addr, sessionType string)
	UnregisterSession(peer, local netip.Addr, sessionType string)
	IncPacketsSent(peer, local netip.Addr)
	IncPacketsReceived(peer, local netip.Addr)
	IncPacketsDropped(peer, local netip.Addr)
	RecordStateTransition(peer, local netip.Addr, from, to string)
	IncAuthFailures(peer, local netip.Addr)
}

// noopMetrics is the default MetricsReporter used when none is supplied.
type noopMetrics struct{}

func (noopMetrics) RegisterSession(netip.Addr, netip.Addr, string)   {}
func (noopMetrics) UnregisterSession(netip.Addr, netip.Addr, string) {}
func (noopMetrics) IncPacketsSent(netip.Addr, netip.Addr)     {}
func (noopMetrics) IncPacketsReceived(netip.Addr, netip.Addr) {}
func (noopMetrics) IncPacketsDropped(netip.Addr, netip.Addr)  {}
func (noopMetrics) RecordStateTransition(netip.Addr, netip.Addr, string, string) {}
func (noopMetrics) IncAuthFailures(netip.Addr, netip.Addr)                       {}
