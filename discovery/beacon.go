package discovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"voidwarp/logging"
)

const (
	// DefaultMulticastGroup is the LAN rendezvous group for beacons.
	DefaultMulticastGroup = "239.255.42.99"
	// DefaultRendezvousPort is the beacon UDP port.
	DefaultRendezvousPort = 42424
	// DefaultBeaconInterval is how often presence is announced.
	DefaultBeaconInterval = 2 * time.Second

	beaconMagic             = "VW"
	beaconTypeAnnounce byte = 0x03
	maxBeaconField          = 255
	maxBeaconSize           = 2 + 1 + 2 + 3*(1+maxBeaconField)
	beaconReadTimeout       = 500 * time.Millisecond
	beaconMulticastTTL      = 4
)

// ErrInvalidBeacon indicates a datagram that is not a well-formed beacon.
var ErrInvalidBeacon = errors.New("discovery: invalid beacon")

// BeaconPacket is one presence announcement.
type BeaconPacket struct {
	Port       uint16
	DeviceID   string
	DeviceName string
	Status     string
}

// MarshalBinary encodes the packet. Fields longer than 255 bytes are rejected.
func (p BeaconPacket) MarshalBinary() ([]byte, error) {
	for _, field := range []string{p.DeviceID, p.DeviceName, p.Status} {
		if len(field) > maxBeaconField {
			return nil, fmt.Errorf("%w: field of %d bytes", ErrInvalidBeacon, len(field))
		}
	}
	if p.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidBeacon)
	}

	out := make([]byte, 0, 5+3+len(p.DeviceID)+len(p.DeviceName)+len(p.Status))
	out = append(out, beaconMagic...)
	out = append(out, beaconTypeAnnounce)
	out = binary.BigEndian.AppendUint16(out, p.Port)
	out = appendShortString(out, p.DeviceID)
	out = appendShortString(out, p.DeviceName)
	if p.Status != "" {
		out = appendShortString(out, p.Status)
	}
	return out, nil
}

// ParseBeacon decodes a datagram.
func ParseBeacon(data []byte) (BeaconPacket, error) {
	if len(data) < 5 || string(data[:2]) != beaconMagic || data[2] != beaconTypeAnnounce {
		return BeaconPacket{}, ErrInvalidBeacon
	}
	packet := BeaconPacket{Port: binary.BigEndian.Uint16(data[3:5])}
	rest := data[5:]

	var ok bool
	if packet.DeviceID, rest, ok = readShortString(rest); !ok || packet.DeviceID == "" {
		return BeaconPacket{}, ErrInvalidBeacon
	}
	if packet.DeviceName, rest, ok = readShortString(rest); !ok {
		return BeaconPacket{}, ErrInvalidBeacon
	}
	if len(rest) > 0 {
		if packet.Status, _, ok = readShortString(rest); !ok {
			return BeaconPacket{}, ErrInvalidBeacon
		}
	}
	return packet, nil
}

func appendShortString(out []byte, value string) []byte {
	out = append(out, byte(len(value)))
	return append(out, value...)
}

func readShortString(data []byte) (string, []byte, bool) {
	if len(data) < 1 {
		return "", nil, false
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", nil, false
	}
	return string(data[1 : 1+n]), data[1+n:], true
}

// BeaconConfig controls the multicast announcer and listener.
type BeaconConfig struct {
	Group    string
	Port     int
	Interval time.Duration
	// Interface pins the socket to one adapter; nil joins every multicast-capable one.
	Interface *net.Interface
	Self      BeaconPacket
	Logger    *logrus.Entry
}

func (c BeaconConfig) withDefaults() BeaconConfig {
	out := c
	if out.Group == "" {
		out.Group = DefaultMulticastGroup
	}
	if out.Port <= 0 {
		out.Port = DefaultRendezvousPort
	}
	if out.Interval <= 0 {
		out.Interval = DefaultBeaconInterval
	}
	out.Logger = logging.OrDefault(out.Logger, "beacon")
	return out
}

// Beacon announces this device and reports every foreign beacon it hears.
type Beacon struct {
	cfg   BeaconConfig
	group *net.UDPAddr
}

// NewBeacon validates cfg.
func NewBeacon(config BeaconConfig) (*Beacon, error) {
	cfg := config.withDefaults()
	ip := net.ParseIP(cfg.Group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast group %q", cfg.Group)
	}
	if cfg.Self.DeviceID == "" {
		return nil, errors.New("self device ID is required")
	}
	return &Beacon{cfg: cfg, group: &net.UDPAddr{IP: ip, Port: cfg.Port}}, nil
}

// Run announces and listens until ctx ends. Joining the group is retried
// with backoff since interfaces often come up after the process starts.
func (b *Beacon) Run(ctx context.Context, sink func(Sighting)) error {
	var conn *ipv4.PacketConn
	var udp net.PacketConn
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	err := backoff.Retry(func() error {
		var openErr error
		udp, conn, openErr = b.open()
		if openErr != nil {
			b.cfg.Logger.WithError(openErr).Debug("beacon socket not ready")
		}
		return openErr
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 6), ctx))
	if err != nil {
		return fmt.Errorf("open beacon socket: %w", err)
	}
	defer udp.Close()

	b.cfg.Logger.WithFields(logrus.Fields{
		"group": b.group.String(),
		"port":  b.cfg.Self.Port,
	}).Debug("beacon started")

	payload, err := b.cfg.Self.MarshalBinary()
	if err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(b.cfg.Interval)
		defer ticker.Stop()
		for {
			if _, err := conn.WriteTo(payload, nil, b.group); err != nil && ctx.Err() == nil {
				b.cfg.Logger.WithError(err).Debug("beacon send failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	buf := make([]byte, maxBeaconSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(beaconReadTimeout))
		n, _, src, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read beacon: %w", err)
		}
		if sighting, ok := b.handle(buf[:n], src); ok {
			sink(sighting)
		}
	}
}

// handle turns a datagram into a Sighting, dropping our own and malformed ones.
func (b *Beacon) handle(data []byte, src net.Addr) (Sighting, bool) {
	packet, err := ParseBeacon(data)
	if err != nil || packet.DeviceID == b.cfg.Self.DeviceID {
		return Sighting{}, false
	}

	udpAddr, ok := src.(*net.UDPAddr)
	if !ok {
		return Sighting{}, false
	}
	addr, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return Sighting{}, false
	}

	port := int(packet.Port)
	if port == 0 {
		port = b.cfg.Port
	}
	return Sighting{
		DeviceID:   packet.DeviceID,
		DeviceName: packet.DeviceName,
		Status:     packet.Status,
		Addresses:  []netip.Addr{addr.Unmap()},
		Port:       port,
		Source:     SourceBeacon,
		SeenAt:     time.Now(),
	}, true
}

func (b *Beacon) open() (net.PacketConn, *ipv4.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	udp, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(b.cfg.Port)))
	if err != nil {
		return nil, nil, err
	}

	conn := ipv4.NewPacketConn(udp)
	joined := 0
	var joinErr error
	for _, iface := range b.interfaces() {
		if err := conn.JoinGroup(&iface, b.group); err != nil {
			joinErr = err
			continue
		}
		joined++
	}
	if joined == 0 {
		_ = udp.Close()
		if joinErr == nil {
			joinErr = errors.New("no multicast-capable interface")
		}
		return nil, nil, fmt.Errorf("join %s: %w", b.group, joinErr)
	}

	if b.cfg.Interface != nil {
		_ = conn.SetMulticastInterface(b.cfg.Interface)
	}
	_ = conn.SetMulticastTTL(beaconMulticastTTL)
	_ = conn.SetMulticastLoopback(true)
	return udp, conn, nil
}

func (b *Beacon) interfaces() []net.Interface {
	if b.cfg.Interface != nil {
		return []net.Interface{*b.cfg.Interface}
	}
	all, err := net.Interfaces()
	if err != nil {
		return nil
	}
	out := make([]net.Interface, 0, len(all))
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out
}
