package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (64 KB).
	MaxFrameSize = 64 * 1024
	// DefaultConnectionTimeout bounds TCP dial plus the full exchange.
	DefaultConnectionTimeout = 5 * time.Second
	// DefaultReadTimeout bounds each inbound frame read.
	DefaultReadTimeout = 5 * time.Second
)

const (
	// TypeRegister announces a node and asks to join the peer table.
	TypeRegister = "register"
	// TypeProbe is the lightweight liveness check between known peers.
	TypeProbe = "probe"
)

const (
	// StatusAccepted is returned when an envelope passed validation.
	StatusAccepted = "accepted"
	// StatusRejected is returned when an envelope failed validation or policy.
	StatusRejected = "rejected"
)

var (
	// ErrAddressInUse indicates the listen port is already bound.
	ErrAddressInUse = errors.New("network: address already in use")
	// ErrMalformedMessage indicates a payload that does not decode to a valid envelope.
	ErrMalformedMessage = errors.New("network: malformed message")
	// ErrPeerUnreachable indicates a probe could not reach the peer.
	ErrPeerUnreachable = errors.New("network: peer unreachable")
	// ErrReadTimeout indicates a frame read exceeded its deadline.
	ErrReadTimeout = errors.New("network: read timeout")
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
)

// Envelope is the wire message exchanged between nodes.
type Envelope struct {
	Type      string            `json:"type"`
	SenderID  string            `json:"sender_id"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Timestamp time.Time         `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
}

// Ack is the synchronous reply to an Envelope.
type Ack struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Accepted reports whether the reply accepted the envelope.
func (a Ack) Accepted() bool {
	return a.Status == StatusAccepted
}

// EncodeEnvelope marshals an envelope to its JSON wire form.
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return payload, nil
}

// DecodeEnvelope unmarshals and structurally validates an envelope payload.
//
// Unknown fields are ignored for forward compatibility. Any decode or
// structural failure yields ErrMalformedMessage, never a partial envelope.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	// Senders that omit the type are treated as plain registrations.
	if envelope.Type == "" {
		envelope.Type = TypeRegister
	}
	if envelope.Type != TypeRegister && envelope.Type != TypeProbe {
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, envelope.Type)
	}
	if envelope.SenderID == "" {
		return Envelope{}, fmt.Errorf("%w: sender_id is required", ErrMalformedMessage)
	}
	if envelope.Host == "" {
		return Envelope{}, fmt.Errorf("%w: host is required", ErrMalformedMessage)
	}
	if envelope.Port < 1 || envelope.Port > 65535 {
		return Envelope{}, fmt.Errorf("%w: port %d out of range", ErrMalformedMessage, envelope.Port)
	}
	if envelope.Timestamp.IsZero() {
		return Envelope{}, fmt.Errorf("%w: timestamp is required", ErrMalformedMessage)
	}
	return envelope, nil
}

// EncodeAck marshals an ack reply.
func EncodeAck(ack Ack) ([]byte, error) {
	payload, err := json.Marshal(ack)
	if err != nil {
		return nil, fmt.Errorf("marshal ack: %w", err)
	}
	return payload, nil
}

// DecodeAck unmarshals an ack reply.
func DecodeAck(payload []byte) (Ack, error) {
	var ack Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if ack.Status != StatusAccepted && ack.Status != StatusRejected {
		return Ack{}, fmt.Errorf("%w: unknown status %q", ErrMalformedMessage, ack.Status)
	}
	return ack, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame under a read deadline.
//
// Deadline expiry is reported as ErrReadTimeout so callers can distinguish a
// slow peer from a broken one.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrReadTimeout, err)
		}
		return nil, err
	}
	return payload, nil
}
