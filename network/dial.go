package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrNoCandidates indicates DialCandidates got an empty address list.
var ErrNoCandidates = errors.New("network: no candidate addresses")

// DialError is a failed TCP connect; the caller may try another address.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.Addr, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// Dial connects to address and runs the initiator handshake.
// Only a failed TCP connect comes back as *DialError. Once connected, every
// handshake failure, timeouts included, is returned as is.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*Conn, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &DialError{Addr: address, Err: err}
	}

	conn, err := ClientHandshake(ctx, raw, opts)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// DialCandidates tries each address in order and returns the first channel.
// Only failed connects move on to the next candidate.
func DialCandidates(ctx context.Context, addresses []string, options HandshakeOptions) (*Conn, error) {
	if len(addresses) == 0 {
		return nil, ErrNoCandidates
	}

	opts := options.withDefaults()
	var failures []error
	for _, address := range addresses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := Dial(ctx, address, opts)
		if err == nil {
			return conn, nil
		}

		var dialErr *DialError
		if !errors.As(err, &dialErr) {
			return nil, err
		}
		opts.Logger.WithField("addr", address).WithError(err).Debug("candidate unreachable")
		failures = append(failures, err)
	}

	return nil, &DialError{
		Addr: strings.Join(addresses, ","),
		Err:  errors.Join(failures...),
	}
}

// Probe reports whether address accepts TCP connections. Nothing is exchanged.
func Probe(ctx context.Context, address string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
