package discovery

import (
	"net"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voidwarp/logging"
)

func TestBeaconPacketRoundTrip(t *testing.T) {
	packet := BeaconPacket{Port: 50123, DeviceID: "abcd", DeviceName: "Phone", Status: "busy"}

	raw, err := packet.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte("VW\x03"), raw[:3])
	assert.Equal(t, []byte{0xC3, 0xCB}, raw[3:5])

	decoded, err := ParseBeacon(raw)
	require.NoError(t, err)
	assert.Equal(t, packet, decoded)
}

func TestBeaconPacketStatusIsOptional(t *testing.T) {
	raw, err := BeaconPacket{Port: 1, DeviceID: "id", DeviceName: "n"}.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, "VW\x03\x00\x01\x02id\x01n", string(raw))

	decoded, err := ParseBeacon(raw)
	require.NoError(t, err)
	assert.Empty(t, decoded.Status)
}

func TestParseBeaconRejectsMalformed(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":        nil,
		"bad magic":    []byte("XX\x03\x00\x01\x02id\x01n"),
		"bad type":     []byte("VW\x04\x00\x01\x02id\x01n"),
		"short id":     []byte("VW\x03\x00\x01\x09id"),
		"missing name": []byte("VW\x03\x00\x01\x02id"),
		"empty id":     []byte("VW\x03\x00\x01\x00\x01n"),
		"bad status":   []byte("VW\x03\x00\x01\x02id\x01n\x05ab"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBeacon(data)
			assert.ErrorIs(t, err, ErrInvalidBeacon)
		})
	}
}

func TestBeaconPacketRejectsLongFields(t *testing.T) {
	_, err := BeaconPacket{DeviceID: "id", DeviceName: strings.Repeat("x", 256)}.MarshalBinary()
	assert.ErrorIs(t, err, ErrInvalidBeacon)
}

func TestBeaconHandleIgnoresSelfAndDefaultsPort(t *testing.T) {
	beacon, err := NewBeacon(BeaconConfig{
		Port:   42424,
		Self:   BeaconPacket{DeviceID: "self", DeviceName: "Me", Port: 7000},
		Logger: logging.Discard(),
	})
	require.NoError(t, err)

	src := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 42424}

	own, err := BeaconPacket{DeviceID: "self", DeviceName: "Me"}.MarshalBinary()
	require.NoError(t, err)
	_, ok := beacon.handle(own, src)
	assert.False(t, ok)

	foreign, err := BeaconPacket{DeviceID: "peer", DeviceName: "Tablet"}.MarshalBinary()
	require.NoError(t, err)
	sighting, ok := beacon.handle(foreign, src)
	require.True(t, ok)
	assert.Equal(t, 42424, sighting.Port)
	assert.Equal(t, SourceBeacon, sighting.Source)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.168.1.20")}, sighting.Addresses)

	_, ok = beacon.handle([]byte("garbage"), src)
	assert.False(t, ok)
}

func TestNewBeaconValidates(t *testing.T) {
	_, err := NewBeacon(BeaconConfig{Group: "10.0.0.1", Self: BeaconPacket{DeviceID: "x"}})
	assert.Error(t, err)
	_, err = NewBeacon(BeaconConfig{})
	assert.Error(t, err)
}
