package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"voidwarp/config"
	"voidwarp/logging"
	"voidwarp/models"
	"voidwarp/network"
)

// DefaultProbeTimeout bounds each candidate dial of Probe.
const DefaultProbeTimeout = 2 * time.Second

var (
	// ErrInvalidPeer indicates a manual add without id, address or port.
	ErrInvalidPeer = errors.New("discovery: invalid peer")
	// ErrNoInterface indicates no local adapter owns the requested address.
	ErrNoInterface = errors.New("discovery: no interface owns address")
)

// Source names where a sighting came from.
type Source string

const (
	SourceBeacon Source = "beacon"
	SourceMDNS   Source = "mdns"
	SourceManual Source = "manual"
)

// Sighting is one observation of a peer, from any source.
type Sighting struct {
	DeviceID   string
	DeviceName string
	Status     string
	Addresses  []netip.Addr
	Port       int
	Source     Source
	SeenAt     time.Time
}

// Options configures a Registry.
type Options struct {
	DeviceID   string
	DeviceName string
	Status     string
	Settings   config.DiscoverySettings

	ProbeTimeout time.Duration
	Logger       *logrus.Entry
	Now          func() time.Time

	mdns Config
}

func (o Options) withDefaults() Options {
	out := o
	defaults := config.DefaultDiscoverySettings()
	if out.Settings.BeaconInterval <= 0 {
		out.Settings.BeaconInterval = defaults.BeaconInterval
	}
	if out.Settings.PeerStaleAfter <= 0 {
		out.Settings.PeerStaleAfter = defaults.PeerStaleAfter
	}
	if out.Settings.RendezvousPort <= 0 {
		out.Settings.RendezvousPort = defaults.RendezvousPort
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	out.Logger = logging.OrDefault(out.Logger, "discovery")
	return out
}

// Registry is the merged table of known peers. Beacon, mDNS and manual adds
// all feed Observe; callers read through Snapshot.
type Registry struct {
	opts Options

	mu    sync.RWMutex
	peers map[string]*models.PeerRecord

	runMu  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewRegistry creates an idle registry.
func NewRegistry(options Options) (*Registry, error) {
	opts := options.withDefaults()
	if strings.TrimSpace(opts.DeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}
	return &Registry{
		opts:  opts,
		peers: make(map[string]*models.PeerRecord),
	}, nil
}

// Start begins advertising advertisedPort and listening for peers on every interface.
func (r *Registry) Start(ctx context.Context, advertisedPort int) error {
	return r.StartWithIP(ctx, advertisedPort, netip.Addr{})
}

// StartWithIP is Start restricted to the adapter owning ip. An invalid ip means all adapters.
// A running registry is restarted.
func (r *Registry) StartWithIP(ctx context.Context, advertisedPort int, ip netip.Addr) error {
	var iface *net.Interface
	if ip.IsValid() {
		found, err := interfaceForIP(ip)
		if err != nil {
			return err
		}
		iface = found
	}

	r.Stop()

	r.runMu.Lock()
	defer r.runMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	settings := r.opts.Settings
	logger := r.opts.Logger

	if settings.EnableBeacon {
		beacon, err := NewBeacon(BeaconConfig{
			Port:      settings.RendezvousPort,
			Interval:  settings.BeaconInterval.Std(),
			Interface: iface,
			Logger:    logger,
			Self: BeaconPacket{
				Port:       uint16(advertisedPort),
				DeviceID:   r.opts.DeviceID,
				DeviceName: truncate(r.opts.DeviceName, maxBeaconField),
				Status:     truncate(r.opts.Status, maxBeaconField),
			},
		})
		if err != nil {
			cancel()
			return err
		}
		group.Go(func() error {
			// A LAN without multicast still leaves mDNS and manual peers working.
			if err := beacon.Run(groupCtx, r.Observe); err != nil && groupCtx.Err() == nil {
				logger.WithError(err).Warn("beacon stopped")
			}
			return nil
		})
	}

	if settings.EnableMDNS {
		mdnsCfg := r.opts.mdns
		mdnsCfg.SelfDeviceID = r.opts.DeviceID
		mdnsCfg.DeviceName = r.opts.DeviceName
		mdnsCfg.Status = r.opts.Status
		mdnsCfg.ListeningPort = advertisedPort
		if iface != nil {
			mdnsCfg.Interfaces = []net.Interface{*iface}
		}

		broadcaster, err := StartBroadcaster(mdnsCfg)
		if err != nil {
			logger.WithError(err).Warn("mDNS advertisement unavailable")
		}
		scanner, err := NewPeerScanner(mdnsCfg, r.Observe)
		if err != nil {
			logger.WithError(err).Warn("mDNS browsing unavailable")
		} else {
			scanner.Start()
		}
		group.Go(func() error {
			<-groupCtx.Done()
			if scanner != nil {
				scanner.Stop()
			}
			broadcaster.Stop()
			return nil
		})
	}

	group.Go(func() error {
		r.pruneLoop(groupCtx)
		return nil
	})

	r.cancel = cancel
	r.group = group
	logger.WithFields(logrus.Fields{
		"port":   advertisedPort,
		"beacon": settings.EnableBeacon,
		"mdns":   settings.EnableMDNS,
	}).Info("discovery started")
	return nil
}

// Stop halts discovery. Manual peers are kept; discovered ones are dropped.
func (r *Registry) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.cancel == nil {
		return
	}
	r.cancel()
	_ = r.group.Wait()
	r.cancel = nil
	r.group = nil

	r.mu.Lock()
	for id, record := range r.peers {
		if record.Origin != models.OriginManual {
			delete(r.peers, id)
		}
	}
	r.mu.Unlock()
	r.opts.Logger.Info("discovery stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (r *Registry) Running() bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.cancel != nil
}

// AddManual records a peer reached without discovery, such as a forwarded loopback port.
func (r *Registry) AddManual(deviceID, deviceName, ip string, port int) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidPeer)
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidPeer, port)
	}

	r.Observe(Sighting{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Addresses:  []netip.Addr{addr.Unmap()},
		Port:       port,
		Source:     SourceManual,
	})
	return nil
}

// Observe merges one sighting into the table.
func (r *Registry) Observe(s Sighting) {
	if s.DeviceID == "" || s.DeviceID == r.opts.DeviceID {
		return
	}
	if s.SeenAt.IsZero() {
		s.SeenAt = r.opts.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.peers[s.DeviceID]
	if !exists {
		record = &models.PeerRecord{DeviceID: s.DeviceID, Origin: models.OriginDiscovered}
		r.peers[s.DeviceID] = record
	}

	record.Candidates = mergeCandidates(record.Candidates, s.Addresses)
	if !s.SeenAt.Before(record.LastSeen) {
		if name := strings.TrimSpace(s.DeviceName); name != "" {
			record.DeviceName = name
		}
		if s.Status != "" {
			record.Status = s.Status
		}
		record.LastSeen = s.SeenAt
	}
	if s.Port > 0 {
		record.Port = s.Port
	}
	if s.Source == SourceManual {
		record.Origin = models.OriginManual
	}
	if record.DeviceName == "" {
		record.DeviceName = s.DeviceID
	}

	if !exists {
		r.opts.Logger.WithFields(logrus.Fields{
			"peer":   s.DeviceID,
			"source": s.Source,
			"port":   record.Port,
		}).Debug("peer discovered")
	}
}

// Snapshot returns a copy of every known peer ordered by name.
func (r *Registry) Snapshot() []models.PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.PeerRecord, 0, len(r.peers))
	for _, record := range r.peers {
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// Lookup returns one peer by device id.
func (r *Registry) Lookup(deviceID string) (models.PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.peers[deviceID]
	if !ok {
		return models.PeerRecord{}, false
	}
	return record.Clone(), true
}

// Probe reports whether any candidate of peer accepts a connection. It never
// changes the table.
func (r *Registry) Probe(ctx context.Context, peer models.PeerRecord) bool {
	for _, address := range peer.Addresses() {
		if network.Probe(ctx, address, r.opts.ProbeTimeout) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

func (r *Registry) pruneLoop(ctx context.Context) {
	interval := r.opts.Settings.PeerStaleAfter.Std() / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.prune()
		}
	}
}

// prune drops discovered peers unseen for the stale window.
func (r *Registry) prune() int {
	cutoff := r.opts.Now().Add(-r.opts.Settings.PeerStaleAfter.Std())

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, record := range r.peers {
		if record.Origin == models.OriginManual || !record.LastSeen.Before(cutoff) {
			continue
		}
		delete(r.peers, id)
		removed++
		r.opts.Logger.WithField("peer", id).Debug("peer expired")
	}
	return removed
}

func mergeCandidates(existing, incoming []netip.Addr) []netip.Addr {
	out := slices.Clone(existing)
	for _, addr := range incoming {
		if addr.IsValid() {
			out = append(out, addr.Unmap())
		}
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return slices.Compact(out)
}

func interfaceForIP(ip netip.Addr) (*net.Interface, error) {
	ip = ip.Unmap()
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			candidate, ok := netip.AddrFromSlice(ipNet.IP)
			if ok && candidate.Unmap() == ip {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoInterface, ip)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
