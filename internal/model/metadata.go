package model

import "net/netip"

const (
	NetworkTCP = "tcp"
	NetworkUDP = "udp"
)

// Metadata describes one connection for rule evaluation and group selection.
type Metadata struct {
	Network     string
	Host        string
	SrcIP       netip.Addr
	DstIP       netip.Addr
	SrcPort     uint16
	DstPort     uint16
	ProcessName string
	ProcessPath string
}
