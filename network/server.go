package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

// Registration reports one accepted inbound envelope.
type Registration struct {
	Envelope   Envelope
	RemoteAddr net.Addr
}

// HandshakeResultFunc observes every handshake decision, accepted or not.
//
// The reason is empty for accepted handshakes. Called from connection
// goroutines; implementations must be safe for concurrent use.
type HandshakeResultFunc func(envelope Envelope, status string, reason string)

// ServerOptions configures the transport listener.
type ServerOptions struct {
	Handshake HandshakeOptions

	// OnHandshake observes handshake outcomes, e.g. for journaling.
	OnHandshake HandshakeResultFunc
}

// Server accepts inbound registrations and probes and applies them to the
// peer table.
type Server struct {
	listener net.Listener
	table    *PeerTable
	options  ServerOptions

	registrations chan Registration
	errs          chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds a TCP listener and starts the accept loop.
//
// A bind conflict is reported as ErrAddressInUse so the caller can map it to
// its startup exit code.
func Listen(address string, table *PeerTable, options ServerOptions) (*Server, error) {
	if table == nil {
		return nil, errors.New("peer table is required")
	}
	options.Handshake = options.Handshake.withDefaults()

	listener, err := net.Listen("tcp", address)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %v", ErrAddressInUse, err)
		}
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener:      listener,
		table:         table,
		options:       options,
		registrations: make(chan Registration, 16),
		errs:          make(chan error, 16),
		closed:        make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Registrations returns accepted inbound envelopes.
func (s *Server) Registrations() <-chan Registration {
	return s.registrations
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, cancels pending accepts, waits for in-flight
// connection handlers, and closes the event channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.registrations)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			select {
			case s.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs one request/response exchange and closes the connection.
// Every failure is local to the connection; the accept loop never sees it.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	payload, err := ReadFrameWithTimeout(conn, s.options.Handshake.ReadTimeout)
	if err != nil {
		// A peer that never sends a full frame gets no reply; the deadline is
		// what keeps it from pinning the handler.
		s.reportError(fmt.Errorf("read envelope from %s: %w", conn.RemoteAddr(), err))
		return
	}

	envelope, err := DecodeEnvelope(payload)
	if err != nil {
		s.reject(conn, Envelope{}, err.Error())
		return
	}

	if err := s.options.Handshake.Validate(envelope, time.Now()); err != nil {
		s.reject(conn, envelope, err.Error())
		return
	}

	s.table.Upsert(PeerRecord{
		PeerID:   envelope.SenderID,
		Host:     envelope.Host,
		Port:     envelope.Port,
		LastSeen: time.Now(),
	})

	if s.options.OnHandshake != nil {
		s.options.OnHandshake(envelope, StatusAccepted, "")
	}

	if err := s.reply(conn, Ack{Status: StatusAccepted}); err != nil {
		s.reportError(fmt.Errorf("ack %s to %q: %w", envelope.Type, envelope.SenderID, err))
		return
	}

	registration := Registration{Envelope: envelope, RemoteAddr: conn.RemoteAddr()}
	select {
	case s.registrations <- registration:
	case <-s.closed:
	default:
	}
}

func (s *Server) reject(conn net.Conn, envelope Envelope, reason string) {
	if s.options.OnHandshake != nil {
		s.options.OnHandshake(envelope, StatusRejected, reason)
	}
	if err := s.reply(conn, Ack{Status: StatusRejected, Reason: reason}); err != nil {
		s.reportError(fmt.Errorf("send rejection: %w", err))
	}
}

func (s *Server) reply(conn net.Conn, ack Ack) error {
	payload, err := EncodeAck(ack)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
