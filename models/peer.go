package models

import (
	"net/netip"
	"slices"
	"time"
)

// Origin records how a peer entered the registry.
type Origin int

const (
	// OriginDiscovered peers came from a beacon or mDNS answer.
	OriginDiscovered Origin = iota
	// OriginManual peers were added explicitly and are never auto-pruned.
	OriginManual
)

func (o Origin) String() string {
	if o == OriginManual {
		return "manual"
	}
	return "discovered"
}

// PeerRecord is one remote device known to the registry.
type PeerRecord struct {
	DeviceID   string       `json:"device_id"`
	DeviceName string       `json:"device_name"`
	Candidates []netip.Addr `json:"candidates"`
	Port       int          `json:"port"`
	Status     string       `json:"status,omitempty"`
	LastSeen   time.Time    `json:"last_seen"`
	Origin     Origin       `json:"origin"`
}

// Addresses returns host:port strings for every candidate in order.
func (p PeerRecord) Addresses() []string {
	out := make([]string, 0, len(p.Candidates))
	for _, ip := range p.Candidates {
		out = append(out, netip.AddrPortFrom(ip, uint16(p.Port)).String())
	}
	return out
}

// Clone returns a deep copy safe to hand to callers.
func (p PeerRecord) Clone() PeerRecord {
	p.Candidates = slices.Clone(p.Candidates)
	return p
}
