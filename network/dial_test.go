package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedAddress(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())
	return address
}

func TestDialCandidatesFallsThroughUnreachableAddresses(t *testing.T) {
	bob := testIdentity(t, "Bob")
	server := startTestServer(t, testOptions(bob, nil))

	conn, err := DialCandidates(context.Background(), []string{
		closedAddress(t),
		server.Addr().String(),
	}, testOptions(testIdentity(t, "Alice"), nil))
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, bob.DeviceID, conn.Peer().DeviceID)
}

func TestDialCandidatesStopsOnRefusal(t *testing.T) {
	bobTrust := newMemoryTrust()
	bobTrust.requirePairing = true
	refusing := startTestServer(t, testOptions(testIdentity(t, "Bob"), bobTrust))
	willing := startTestServer(t, testOptions(testIdentity(t, "Bob2"), nil))

	_, err := DialCandidates(context.Background(), []string{
		refusing.Addr().String(),
		willing.Addr().String(),
	}, testOptions(testIdentity(t, "Alice"), nil))
	assert.ErrorIs(t, err, ErrUntrustedPeer)

	select {
	case conn := <-willing.Incoming():
		_ = conn.Close()
		t.Fatal("second candidate must not be tried after a refusal")
	default:
	}
}

func TestDialCandidatesAllUnreachable(t *testing.T) {
	_, err := DialCandidates(context.Background(), []string{closedAddress(t), closedAddress(t)},
		testOptions(testIdentity(t, "Alice"), nil))

	var dialErr *DialError
	require.True(t, errors.As(err, &dialErr))
}

func TestDialCandidatesEmpty(t *testing.T) {
	_, err := DialCandidates(context.Background(), nil, testOptions(testIdentity(t, "Alice"), nil))
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestProbe(t *testing.T) {
	server := startTestServer(t, testOptions(testIdentity(t, "Bob"), nil))

	assert.True(t, Probe(context.Background(), server.Addr().String(), time.Second))
	assert.False(t, Probe(context.Background(), closedAddress(t), time.Second))
}

// stalledAddress accepts TCP connections and never answers the handshake.
func stalledAddress(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { _ = conn.Close() })
		}
	}()
	return listener.Addr().String()
}

func TestDialCandidatesHandshakeTimeoutIsNotRetried(t *testing.T) {
	willing := startTestServer(t, testOptions(testIdentity(t, "Bob"), nil))
	opts := testOptions(testIdentity(t, "Alice"), nil)
	opts.HandshakeTimeout = 200 * time.Millisecond

	_, err := DialCandidates(context.Background(), []string{stalledAddress(t), willing.Addr().String()}, opts)
	require.Error(t, err)
	assert.True(t, IsTimeout(err), err.Error())

	var dialErr *DialError
	assert.False(t, errors.As(err, &dialErr))

	select {
	case conn := <-willing.Incoming():
		_ = conn.Close()
		t.Fatal("second candidate must not be tried after a handshake timeout")
	case <-time.After(50 * time.Millisecond):
	}
}
