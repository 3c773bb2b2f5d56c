package network

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// PolicyFunc decides whether a validated envelope may register.
//
// Returning an error rejects the handshake; the error text becomes the
// rejection reason sent back to the peer.
type PolicyFunc func(envelope Envelope) error

// HandshakeOptions configures inbound envelope validation.
type HandshakeOptions struct {
	// NodeID is the local node identity, echoed nowhere on the wire but used
	// to refuse self-registration loops.
	NodeID string

	// Policy is an optional external accept/reject hook, evaluated after
	// structural validation passes.
	Policy PolicyFunc

	// AllowList, when non-empty, restricts registration to the listed sender IDs.
	AllowList []string
	// DenyList rejects the listed sender IDs outright.
	DenyList []string

	// TimestampSkew bounds the accepted envelope clock drift. Zero disables
	// the check; nodes without synchronized clocks must still interoperate.
	TimestampSkew time.Duration

	// ReadTimeout bounds each inbound frame read.
	ReadTimeout time.Duration
	// ConnectionTimeout bounds a full outbound exchange.
	ConnectionTimeout time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	return out
}

// Validate applies handshake rules to a decoded envelope.
//
// Structural checks already happened in DecodeEnvelope; this layer applies
// the identity, clock, and policy rules that decide accept versus reject.
func (o HandshakeOptions) Validate(envelope Envelope, now time.Time) error {
	if strings.TrimSpace(envelope.SenderID) == "" {
		return errors.New("sender_id is blank")
	}
	if envelope.SenderID == o.NodeID {
		return fmt.Errorf("sender_id %q is the local node", envelope.SenderID)
	}
	if err := validateHost(envelope.Host); err != nil {
		return err
	}
	if o.TimestampSkew > 0 && !withinSkew(envelope.Timestamp, now, o.TimestampSkew) {
		return fmt.Errorf("timestamp %s outside allowed skew", envelope.Timestamp.Format(time.RFC3339))
	}

	for _, denied := range o.DenyList {
		if envelope.SenderID == denied {
			return fmt.Errorf("sender_id %q is denied", envelope.SenderID)
		}
	}
	if len(o.AllowList) > 0 {
		allowed := false
		for _, id := range o.AllowList {
			if envelope.SenderID == id {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("sender_id %q is not on the allow list", envelope.SenderID)
		}
	}

	if o.Policy != nil {
		if err := o.Policy(envelope); err != nil {
			return fmt.Errorf("policy rejected %q: %w", envelope.SenderID, err)
		}
	}
	return nil
}

func validateHost(host string) error {
	if strings.TrimSpace(host) == "" {
		return errors.New("host is blank")
	}
	if strings.ContainsAny(host, " \t") {
		return fmt.Errorf("host %q contains whitespace", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}
	// Hostnames are accepted as-is; resolution happens at probe time.
	if strings.Contains(host, ":") {
		return fmt.Errorf("host %q must not include a port", host)
	}
	return nil
}

func withinSkew(timestamp, now time.Time, skew time.Duration) bool {
	if timestamp.IsZero() {
		return false
	}
	delta := now.Sub(timestamp)
	if delta < 0 {
		delta = -delta
	}
	return delta <= skew
}
