package network

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("sealed record bytes")

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, payload))
	require.NoError(t, WriteFrame(&buffer, nil))

	got, err := ReadFrame(&buffer)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	empty, err := ReadFrame(&buffer)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	assert.ErrorIs(t, WriteFrame(&buffer, payload), ErrFrameTooLarge)
}

func TestReadHandshakeFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxHandshakeFrameSize+1)
	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, payload))

	_, err := ReadHandshakeFrame(&buffer)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameWithTimeoutReportsTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := ReadFrameWithTimeout(server, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}
