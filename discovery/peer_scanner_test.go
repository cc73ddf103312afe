package discovery

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sightingRecorder struct {
	mu        sync.Mutex
	sightings []Sighting
}

func (r *sightingRecorder) record(s Sighting) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sightings = append(r.sightings, s)
}

func (r *sightingRecorder) ids() map[string]Sighting {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Sighting, len(r.sightings))
	for _, s := range r.sightings {
		out[s.DeviceID] = s
	}
	return out
}

func TestPeerScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-device", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	recorder := &sightingRecorder{}
	scanner, err := NewPeerScanner(cfg, recorder.record)
	require.NoError(t, err)
	scanner.Start()
	defer scanner.Stop()

	require.Eventually(t, func() bool {
		_, ok := recorder.ids()["peer-1"]
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, scanner.Refresh(context.Background()))

	seen := recorder.ids()
	assert.Contains(t, seen, "peer-2")
	assert.NotContains(t, seen, "self-device")

	bob := seen["peer-1"]
	assert.Equal(t, "Bob", bob.DeviceName)
	assert.Equal(t, 9998, bob.Port)
	assert.Equal(t, SourceMDNS, bob.Source)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.2")}, bob.Addresses)
}

func TestPeerScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	recorder := &sightingRecorder{}
	scanner, err := NewPeerScanner(cfg, recorder.record)
	require.NoError(t, err)
	scanner.Start()
	defer scanner.Stop()

	require.NoError(t, scanner.Refresh(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := recorder.ids()["peer-1"]
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestPeerScannerRefreshBeforeStart(t *testing.T) {
	scanner, err := NewPeerScanner(Config{
		SelfDeviceID: "self",
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	}, func(Sighting) {})
	require.NoError(t, err)

	assert.Error(t, scanner.Refresh(context.Background()))
}

func TestParseEntryFallsBackToInstanceName(t *testing.T) {
	entry := testServiceEntry("peer-9", "Desk", 4000, "192.168.1.9")
	entry.Text = []string{"id=peer-9", "status=idle"}

	sighting, ok := parseEntry(entry, "self")
	require.True(t, ok)
	assert.Equal(t, "Desk", sighting.DeviceName)
	assert.Equal(t, "idle", sighting.Status)

	entry.Text = []string{"name=ignored"}
	_, ok = parseEntry(entry, "self")
	assert.False(t, ok)
}

func testServiceEntry(deviceID, name string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: name + "-" + shortID(deviceID),
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: name + ".local.",
		Port:     port,
		Text: []string{
			"id=" + deviceID,
			"name=" + name,
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}
