package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testProberIdentity() Identity {
	return Identity{NodeID: "alpha", Host: "127.0.0.1", Port: 9000}
}

func newTestProber(t *testing.T, table *PeerTable, options ProberOptions) *Prober {
	t.Helper()

	if options.Identity.NodeID == "" {
		options.Identity = testProberIdentity()
	}
	if options.Interval == 0 {
		// Long enough that only explicit Refresh calls drive sweeps.
		options.Interval = time.Hour
	}

	prober, err := NewProber(table, options)
	if err != nil {
		t.Fatalf("NewProber failed: %v", err)
	}
	t.Cleanup(prober.Stop)
	prober.Start()
	return prober
}

func TestProberRefreshProbesEveryPeer(t *testing.T) {
	table := NewPeerTable(30 * time.Second)
	now := time.Now()
	table.Upsert(PeerRecord{PeerID: "beta", Host: "127.0.0.1", Port: 9001, LastSeen: now})
	table.Upsert(PeerRecord{PeerID: "gamma", Host: "127.0.0.1", Port: 9002, LastSeen: now})

	var mu sync.Mutex
	probed := map[string]int{}

	prober := newTestProber(t, table, ProberOptions{
		StaleTimeout: 30 * time.Second,
		probeFn: func(ctx context.Context, address string, identity Identity, timeout time.Duration) (Ack, error) {
			mu.Lock()
			probed[address]++
			mu.Unlock()
			return Ack{Status: StatusAccepted}, nil
		},
	})

	if err := prober.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if probed["127.0.0.1:9001"] != 1 || probed["127.0.0.1:9002"] != 1 {
		t.Fatalf("unexpected probe targets: %v", probed)
	}
}

func TestProberSuccessRefreshesLastSeen(t *testing.T) {
	table := NewPeerTable(30 * time.Second)
	seeded := time.Now().Add(-20 * time.Second)
	table.Upsert(PeerRecord{PeerID: "beta", Host: "127.0.0.1", Port: 9001, LastSeen: seeded})

	prober := newTestProber(t, table, ProberOptions{
		StaleTimeout: 30 * time.Second,
		probeFn: func(ctx context.Context, address string, identity Identity, timeout time.Duration) (Ack, error) {
			return Ack{Status: StatusAccepted}, nil
		},
	})

	if err := prober.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	record, ok := table.Get("beta")
	if !ok {
		t.Fatalf("beta disappeared")
	}
	if !record.LastSeen.After(seeded) {
		t.Fatalf("successful probe did not advance last_seen")
	}
	if record.FailureCount != 0 {
		t.Fatalf("successful probe left failure count at %d", record.FailureCount)
	}
}

func TestProberFailureCountsButDoesNotEvict(t *testing.T) {
	table := NewPeerTable(30 * time.Second)
	table.Upsert(PeerRecord{PeerID: "beta", Host: "127.0.0.1", Port: 9001, LastSeen: time.Now()})

	var mu sync.Mutex
	var failures []string

	prober := newTestProber(t, table, ProberOptions{
		StaleTimeout: 30 * time.Second,
		OnProbeFailure: func(record PeerRecord, err error) {
			mu.Lock()
			failures = append(failures, record.PeerID)
			mu.Unlock()
		},
		probeFn: func(ctx context.Context, address string, identity Identity, timeout time.Duration) (Ack, error) {
			return Ack{}, ErrPeerUnreachable
		},
	})

	for i := 0; i < 3; i++ {
		if err := prober.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
	}

	record, ok := table.Get("beta")
	if !ok {
		t.Fatalf("probe failures evicted a fresh peer")
	}
	if record.FailureCount != 3 {
		t.Fatalf("expected 3 failures, got %d", record.FailureCount)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 3 {
		t.Fatalf("expected 3 failure callbacks, got %d", len(failures))
	}

	select {
	case err := <-prober.Errors():
		if !errors.Is(err, ErrPeerUnreachable) {
			t.Fatalf("expected ErrPeerUnreachable, got %v", err)
		}
	default:
		t.Fatalf("probe failure never reported")
	}
}

func TestProberRejectionCountsAsFailure(t *testing.T) {
	table := NewPeerTable(30 * time.Second)
	table.Upsert(PeerRecord{PeerID: "beta", Host: "127.0.0.1", Port: 9001, LastSeen: time.Now()})

	prober := newTestProber(t, table, ProberOptions{
		StaleTimeout: 30 * time.Second,
		probeFn: func(ctx context.Context, address string, identity Identity, timeout time.Duration) (Ack, error) {
			return Ack{Status: StatusRejected, Reason: "denied"}, nil
		},
	})

	if err := prober.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	record, _ := table.Get("beta")
	if record.FailureCount != 1 {
		t.Fatalf("rejection did not count as failure: %+v", record)
	}
}

func TestProberEvictsStalePeers(t *testing.T) {
	table := NewPeerTable(30 * time.Second)
	now := time.Now()
	table.Upsert(PeerRecord{PeerID: "fresh", Host: "127.0.0.1", Port: 9001, LastSeen: now})
	table.Upsert(PeerRecord{PeerID: "gamma", Host: "127.0.0.1", Port: 9002, LastSeen: now.Add(-100 * time.Second)})

	var mu sync.Mutex
	var evicted []PeerRecord

	prober := newTestProber(t, table, ProberOptions{
		StaleTimeout: 30 * time.Second,
		OnEvicted: func(records []PeerRecord) {
			mu.Lock()
			evicted = append(evicted, records...)
			mu.Unlock()
		},
		probeFn: func(ctx context.Context, address string, identity Identity, timeout time.Duration) (Ack, error) {
			return Ack{}, ErrPeerUnreachable
		},
	})

	if err := prober.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if _, ok := table.Get("gamma"); ok {
		t.Fatalf("stale peer survived the sweep")
	}
	if _, ok := table.Get("fresh"); !ok {
		t.Fatalf("fresh peer was evicted despite being within the timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0].PeerID != "gamma" {
		t.Fatalf("unexpected eviction callback: %+v", evicted)
	}
	if evicted[0].Status != PeerEvicted {
		t.Fatalf("evicted record has status %s", evicted[0].Status)
	}
}

func TestProberPeriodicSweep(t *testing.T) {
	table := NewPeerTable(30 * time.Second)
	table.Upsert(PeerRecord{PeerID: "beta", Host: "127.0.0.1", Port: 9001, LastSeen: time.Now()})

	probes := make(chan string, 16)

	prober, err := NewProber(table, ProberOptions{
		Identity:     testProberIdentity(),
		Interval:     20 * time.Millisecond,
		StaleTimeout: 30 * time.Second,
		probeFn: func(ctx context.Context, address string, identity Identity, timeout time.Duration) (Ack, error) {
			select {
			case probes <- address:
			default:
			}
			return Ack{Status: StatusAccepted}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewProber failed: %v", err)
	}
	prober.Start()
	defer prober.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-probes:
		case <-time.After(time.Second):
			t.Fatalf("periodic sweep %d never fired", i+1)
		}
	}
}

func TestProberStopIsIdempotentAndRefreshAfterStopFails(t *testing.T) {
	table := NewPeerTable(30 * time.Second)

	prober, err := NewProber(table, ProberOptions{
		Identity: testProberIdentity(),
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewProber failed: %v", err)
	}
	prober.Start()

	prober.Stop()
	prober.Stop()

	if err := prober.Refresh(context.Background()); err == nil {
		t.Fatalf("Refresh after Stop succeeded")
	}

	if _, ok := <-prober.Errors(); ok {
		t.Fatalf("errors channel still open after Stop")
	}
}

func TestNewProberValidatesInputs(t *testing.T) {
	if _, err := NewProber(nil, ProberOptions{Identity: testProberIdentity()}); err == nil {
		t.Fatalf("nil table accepted")
	}
	if _, err := NewProber(NewPeerTable(time.Second), ProberOptions{}); err == nil {
		t.Fatalf("empty identity accepted")
	}
}
