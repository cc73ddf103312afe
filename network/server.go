package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Server accepts inbound TCP sessions and upgrades them to encrypted Conns.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *Conn
	errs     chan error

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *Conn, 4),
		errs:     make(chan error, 16),
		ctx:      ctx,
		cancel:   cancel,
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Incoming returns accepted and handshaked peer connections.
func (s *Server) Incoming() <-chan *Conn {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(raw net.Conn) {
	defer s.wg.Done()

	conn, err := ServerHandshake(s.ctx, raw, s.options)
	if err != nil {
		_ = raw.Close()
		s.options.Logger.WithField("addr", raw.RemoteAddr().String()).WithError(err).Debug("inbound handshake failed")
		s.reportError(fmt.Errorf("handshake with %s: %w", raw.RemoteAddr(), err))
		return
	}

	select {
	case s.incoming <- conn:
	case <-s.ctx.Done():
		_ = conn.Close()
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) && s.ctx.Err() != nil {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
