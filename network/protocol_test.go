package network

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func validEnvelope() Envelope {
	return Envelope{
		Type:      TypeRegister,
		SenderID:  "beta",
		Host:      "127.0.0.1",
		Port:      9001,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Context:   map[string]string{"region": "lab"},
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	envelope := validEnvelope()

	payload, err := EncodeEnvelope(envelope)
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}

	decoded, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}

	if decoded.Type != envelope.Type || decoded.SenderID != envelope.SenderID {
		t.Fatalf("decoded identity mismatch: got %+v", decoded)
	}
	if decoded.Host != envelope.Host || decoded.Port != envelope.Port {
		t.Fatalf("decoded endpoint mismatch: got %s:%d", decoded.Host, decoded.Port)
	}
	if !decoded.Timestamp.Equal(envelope.Timestamp) {
		t.Fatalf("decoded timestamp mismatch: got %s", decoded.Timestamp)
	}
	if decoded.Context["region"] != "lab" {
		t.Fatalf("decoded context mismatch: got %v", decoded.Context)
	}
}

func TestDecodeEnvelopeRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `not-json`},
		{"empty object", `{}`},
		{"unknown type", `{"type":"launch","sender_id":"a","host":"h","port":1,"timestamp":"2025-01-01T00:00:00Z"}`},
		{"missing sender", `{"type":"register","host":"h","port":1,"timestamp":"2025-01-01T00:00:00Z"}`},
		{"missing host", `{"type":"register","sender_id":"a","port":1,"timestamp":"2025-01-01T00:00:00Z"}`},
		{"port zero", `{"type":"register","sender_id":"a","host":"h","port":0,"timestamp":"2025-01-01T00:00:00Z"}`},
		{"port too high", `{"type":"register","sender_id":"a","host":"h","port":70000,"timestamp":"2025-01-01T00:00:00Z"}`},
		{"port not a number", `{"type":"register","sender_id":"a","host":"h","port":"abc","timestamp":"2025-01-01T00:00:00Z"}`},
		{"missing timestamp", `{"type":"register","sender_id":"a","host":"h","port":1}`},
		{"bad timestamp", `{"type":"register","sender_id":"a","host":"h","port":1,"timestamp":"yesterday"}`},
		{"truncated json", `{"type":"register","sender_id":"a",`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tc.payload))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestDecodeEnvelopeDefaultsMissingTypeToRegister(t *testing.T) {
	payload := `{"sender_id":"beta","host":"127.0.0.1","port":9001,"timestamp":"2025-01-01T00:00:00Z","context":{}}`

	envelope, err := DecodeEnvelope([]byte(payload))
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if envelope.Type != TypeRegister {
		t.Fatalf("expected register default, got %q", envelope.Type)
	}
}

func TestDecodeEnvelopeIgnoresUnknownFields(t *testing.T) {
	payload := `{"type":"probe","sender_id":"a","host":"127.0.0.1","port":9001,` +
		`"timestamp":"2025-01-01T00:00:00Z","context":{},"reputation":0.9,"extra":{"nested":true}}`

	envelope, err := DecodeEnvelope([]byte(payload))
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if envelope.SenderID != "a" || envelope.Type != TypeProbe {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestAckRoundTripAndValidation(t *testing.T) {
	payload, err := EncodeAck(Ack{Status: StatusRejected, Reason: "policy"})
	if err != nil {
		t.Fatalf("EncodeAck failed: %v", err)
	}

	ack, err := DecodeAck(payload)
	if err != nil {
		t.Fatalf("DecodeAck failed: %v", err)
	}
	if ack.Accepted() {
		t.Fatalf("expected rejected ack")
	}
	if ack.Reason != "policy" {
		t.Fatalf("expected reason %q, got %q", "policy", ack.Reason)
	}

	if _, err := DecodeAck([]byte(`{"status":"maybe"}`)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage for unknown status, got %v", err)
	}
	if _, err := DecodeAck([]byte(`garbage`)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage for garbage, got %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payload := []byte(`{"status":"accepted"}`)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("frame payload mismatch: got %q", got)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameFailsOnTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("complete payload")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-4])

	if _, err := ReadFrame(truncated); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}

func TestReadFrameWithTimeoutReportsReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer func() {
		_ = client.Close()
		_ = server.Close()
	}()

	_, err := ReadFrameWithTimeout(server, 30*time.Millisecond)
	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("expected ErrReadTimeout, got %v", err)
	}
}
