package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// EventHandshakeAccepted records an accepted registration or probe.
	EventHandshakeAccepted = "handshake_accepted"
	// EventHandshakeRejected records a rejected or malformed envelope.
	EventHandshakeRejected = "handshake_rejected"
	// EventProbeFailed records an unreachable peer during a probe sweep.
	EventProbeFailed = "probe_failed"
	// EventPeerEvicted records a stale-timeout eviction.
	EventPeerEvicted = "peer_evicted"
)

// PeerEvent is one row of peer liveness history.
type PeerEvent struct {
	ID        int64
	EventType string
	PeerID    string
	Details   string
	Timestamp int64
}

// EventFilter narrows GetEvents query results.
type EventFilter struct {
	EventType     string
	PeerID        string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validateEventType(eventType string) error {
	switch eventType {
	case EventHandshakeAccepted, EventHandshakeRejected, EventProbeFailed, EventPeerEvicted:
		return nil
	default:
		return fmt.Errorf("unknown event type %q", eventType)
	}
}

// LogEvent inserts a peer event and applies retention pruning.
func (j *Journal) LogEvent(event PeerEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if err := validateEventType(event.EventType); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := j.db.Exec(
		`INSERT INTO peer_events (
			event_type,
			peer_id,
			details,
			timestamp
		) VALUES (?, ?, ?, ?)`,
		event.EventType,
		nullString(event.PeerID),
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert peer event %q: %w", event.EventType, err)
	}

	if j.retention > 0 {
		cutoff := time.Now().Add(-j.retention).UnixMilli()
		if _, err := j.PruneEvents(cutoff); err != nil {
			return fmt.Errorf("prune peer events: %w", err)
		}
	}

	return nil
}

// GetEvents returns recent peer events, newest first, with optional filtering.
func (j *Journal) GetEvents(filter EventFilter) ([]PeerEvent, error) {
	if filter.EventType != "" {
		if err := validateEventType(filter.EventType); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_type,
		peer_id,
		details,
		timestamp
	FROM peer_events`)

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := j.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get peer events: %w", err)
	}
	defer rows.Close()

	events := make([]PeerEvent, 0)
	for rows.Next() {
		var event PeerEvent
		var peerID *string
		if err := rows.Scan(&event.ID, &event.EventType, &peerID, &event.Details, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan peer event row: %w", err)
		}
		if peerID != nil {
			event.PeerID = *peerID
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer event rows: %w", err)
	}

	return events, nil
}

// PruneEvents removes peer events older than cutoffTimestamp.
func (j *Journal) PruneEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := j.db.Exec(`DELETE FROM peer_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune peer events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count pruned peer events: %w", err)
	}

	return rowsAffected, nil
}

func nullString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
