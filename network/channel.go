package network

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"voidwarp/crypto"
	"voidwarp/models"
)

const (
	// flagRekey marks the first record sealed under a ratcheted key.
	flagRekey byte = 0x01

	recordNonceSize = 12
)

// ChannelOptions sets the rekey thresholds of a Channel.
type ChannelOptions struct {
	RekeyAfterBytes uint64
	RekeyInterval   time.Duration
	// Now replaces the clock; tests use it to age keys.
	Now func() time.Time
}

type direction struct {
	key        []byte
	aead       cipher.AEAD
	counter    uint64
	sealed     uint64
	since      time.Time
	generation uint64
}

func (d *direction) ratchet(suite crypto.Suite, now time.Time) error {
	next, err := crypto.RatchetKey(d.key)
	if err != nil {
		return err
	}
	aead, err := crypto.NewAEAD(suite, next)
	if err != nil {
		return err
	}
	d.key = next
	d.aead = aead
	d.counter = 0
	d.sealed = 0
	d.since = now
	d.generation++
	return nil
}

// Channel seals and opens records for one established session. Each direction
// carries its own key, counter and rekey schedule.
type Channel struct {
	suite crypto.Suite
	opts  ChannelOptions

	sendMu sync.Mutex
	send   direction
	recvMu sync.Mutex
	recv   direction

	poisoned atomic.Bool
}

// NewChannel builds a channel from directional keys.
func NewChannel(suite crypto.Suite, sendKey, recvKey []byte, opts ChannelOptions) (*Channel, error) {
	if opts.RekeyAfterBytes == 0 {
		opts.RekeyAfterBytes = DefaultRekeyAfterBytes
	}
	if opts.RekeyInterval <= 0 {
		opts.RekeyInterval = DefaultRekeyInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	sendAEAD, err := crypto.NewAEAD(suite, sendKey)
	if err != nil {
		return nil, err
	}
	recvAEAD, err := crypto.NewAEAD(suite, recvKey)
	if err != nil {
		return nil, err
	}

	now := opts.Now()
	return &Channel{
		suite: suite,
		opts:  opts,
		send:  direction{key: append([]byte(nil), sendKey...), aead: sendAEAD, since: now},
		recv:  direction{key: append([]byte(nil), recvKey...), aead: recvAEAD, since: now},
	}, nil
}

// Suite returns the negotiated AEAD suite.
func (c *Channel) Suite() crypto.Suite {
	return c.suite
}

// Seal encrypts one record.
func (c *Channel) Seal(plaintext []byte) ([]byte, error) {
	if c.poisoned.Load() {
		return nil, ErrIntegrity
	}
	if len(plaintext) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	now := c.opts.Now()
	var flags byte
	if c.send.sealed >= c.opts.RekeyAfterBytes ||
		now.Sub(c.send.since) >= c.opts.RekeyInterval ||
		c.send.counter == math.MaxUint64 {
		if err := c.send.ratchet(c.suite, now); err != nil {
			return nil, fmt.Errorf("rekey send direction: %w", err)
		}
		flags |= flagRekey
	}

	header := []byte{flags}
	record := make([]byte, 1, 1+len(plaintext)+c.send.aead.Overhead())
	record[0] = flags
	record = c.send.aead.Seal(record, recordNonce(c.send.counter), plaintext, header)

	c.send.counter++
	c.send.sealed += uint64(len(plaintext))
	return record, nil
}

// Open authenticates and decrypts one record. Any failure poisons the channel.
func (c *Channel) Open(record []byte) ([]byte, error) {
	if c.poisoned.Load() {
		return nil, ErrIntegrity
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if len(record) < 1+c.recv.aead.Overhead() {
		c.poisoned.Store(true)
		return nil, ErrIntegrity
	}
	flags := record[0]
	if flags&^flagRekey != 0 {
		c.poisoned.Store(true)
		return nil, ErrIntegrity
	}
	if flags&flagRekey != 0 {
		if err := c.recv.ratchet(c.suite, c.opts.Now()); err != nil {
			c.poisoned.Store(true)
			return nil, fmt.Errorf("rekey receive direction: %w", err)
		}
	}

	plaintext, err := c.recv.aead.Open(nil, recordNonce(c.recv.counter), record[1:], record[:1])
	if err != nil {
		c.poisoned.Store(true)
		return nil, ErrIntegrity
	}
	c.recv.counter++
	return plaintext, nil
}

// Poisoned reports whether an integrity failure has killed the channel.
func (c *Channel) Poisoned() bool {
	return c.poisoned.Load()
}

func recordNonce(counter uint64) []byte {
	nonce := make([]byte, recordNonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Conn is an authenticated, encrypted stream to one peer.
type Conn struct {
	raw     net.Conn
	channel *Channel
	peer    models.PeerIdentity

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(raw net.Conn, channel *Channel, peer models.PeerIdentity) *Conn {
	return &Conn{raw: raw, channel: channel, peer: peer}
}

// Peer returns the authenticated remote identity.
func (c *Conn) Peer() models.PeerIdentity {
	return c.peer
}

// Suite returns the negotiated AEAD suite.
func (c *Conn) Suite() crypto.Suite {
	return c.channel.Suite()
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Send seals and writes one record.
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	record, err := c.channel.Seal(payload)
	if err != nil {
		return err
	}
	return WriteFrame(c.raw, record)
}

// Receive reads and opens one record, waiting at most timeout when positive.
func (c *Conn) Receive(timeout time.Duration) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	record, err := ReadFrameWithTimeout(c.raw, timeout)
	if err != nil {
		return nil, err
	}
	return c.channel.Open(record)
}

// SendEnvelope encodes and sends a control-plane message.
func (c *Conn) SendEnvelope(env Envelope) error {
	payload, err := MarshalEnvelope(env)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// ReceiveEnvelope reads and decodes the next control-plane message.
func (c *Conn) ReceiveEnvelope(timeout time.Duration) (Envelope, error) {
	payload, err := c.Receive(timeout)
	if err != nil {
		return Envelope{}, err
	}
	return UnmarshalEnvelope(payload)
}

// Close closes the underlying stream. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.raw.Close()
	})
	return err
}
