package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Identity is the local node description sent in outbound envelopes.
type Identity struct {
	NodeID string
	Host   string
	Port   int
}

func (id Identity) validate() error {
	if id.NodeID == "" {
		return errors.New("node ID is required")
	}
	if id.Host == "" {
		return errors.New("host is required")
	}
	if id.Port < 1 || id.Port > 65535 {
		return fmt.Errorf("port %d out of range", id.Port)
	}
	return nil
}

// Register performs a registration exchange with the node at address.
func Register(ctx context.Context, address string, identity Identity, timeout time.Duration) (Ack, error) {
	return exchange(ctx, address, identity, TypeRegister, timeout)
}

// Probe performs a liveness exchange with the node at address.
//
// Connection and read failures are reported as ErrPeerUnreachable; a decoded
// rejection is returned as a normal Ack, since a peer that answers is alive.
func Probe(ctx context.Context, address string, identity Identity, timeout time.Duration) (Ack, error) {
	return exchange(ctx, address, identity, TypeProbe, timeout)
}

func exchange(ctx context.Context, address string, identity Identity, msgType string, timeout time.Duration) (Ack, error) {
	if err := identity.validate(); err != nil {
		return Ack{}, err
	}
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: dial %q: %v", ErrPeerUnreachable, address, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Ack{}, fmt.Errorf("set exchange deadline: %w", err)
	}

	envelope := Envelope{
		Type:      msgType,
		SenderID:  identity.NodeID,
		Host:      identity.Host,
		Port:      identity.Port,
		Timestamp: time.Now().UTC(),
	}
	payload, err := EncodeEnvelope(envelope)
	if err != nil {
		return Ack{}, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return Ack{}, fmt.Errorf("%w: send %s to %q: %v", ErrPeerUnreachable, msgType, address, err)
	}

	replyPayload, err := ReadFrame(conn)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: read %s reply from %q: %v", ErrPeerUnreachable, msgType, address, err)
	}

	ack, err := DecodeAck(replyPayload)
	if err != nil {
		return Ack{}, err
	}
	return ack, nil
}
