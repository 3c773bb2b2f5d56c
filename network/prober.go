package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultProbeInterval is the pause between liveness sweeps.
	DefaultProbeInterval = 10 * time.Second
	// DefaultStaleTimeout is how long a silent peer survives before eviction.
	DefaultStaleTimeout = 30 * time.Second
	// DefaultProbeTimeout bounds a single probe exchange.
	DefaultProbeTimeout = 2 * time.Second
)

// ProberOptions configures the background liveness prober.
type ProberOptions struct {
	Identity Identity

	Interval     time.Duration
	StaleTimeout time.Duration
	ProbeTimeout time.Duration

	// OnProbeFailure observes unreachable peers. The table is left untouched
	// beyond the failure counter; eviction stays with the time rule.
	OnProbeFailure func(record PeerRecord, err error)
	// OnEvicted observes records removed by the stale rule.
	OnEvicted func(records []PeerRecord)

	// probeFn is injectable for tests.
	probeFn func(ctx context.Context, address string, identity Identity, timeout time.Duration) (Ack, error)
}

func (o ProberOptions) withDefaults() ProberOptions {
	out := o
	if out.Interval <= 0 {
		out.Interval = DefaultProbeInterval
	}
	if out.StaleTimeout <= 0 {
		out.StaleTimeout = DefaultStaleTimeout
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.probeFn == nil {
		out.probeFn = Probe
	}
	return out
}

type proberRefreshRequest struct {
	ctx  context.Context
	done chan struct{}
}

// Prober periodically contacts known peers and applies the stale-eviction
// rule, independent of inbound traffic.
type Prober struct {
	options ProberOptions
	table   *PeerTable

	errs chan error

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan proberRefreshRequest
}

// NewProber creates a prober bound to a peer table.
func NewProber(table *PeerTable, options ProberOptions) (*Prober, error) {
	if table == nil {
		return nil, errors.New("peer table is required")
	}
	opts := options.withDefaults()
	if err := opts.Identity.validate(); err != nil {
		return nil, err
	}

	return &Prober{
		options:         opts,
		table:           table,
		errs:            make(chan error, 16),
		refreshRequests: make(chan proberRefreshRequest),
	}, nil
}

// Start begins the background probe loop.
func (p *Prober) Start() {
	p.startOnce.Do(func() {
		p.ctx, p.cancel = context.WithCancel(context.Background())
		p.wg.Add(1)
		go p.loop()
	})
}

// Stop cancels the loop, lets in-flight probes finish under their own
// timeouts, and waits for shutdown.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		close(p.errs)
	})
}

// Errors returns asynchronous probe errors.
func (p *Prober) Errors() <-chan error {
	return p.errs
}

// Refresh runs an immediate probe sweep and waits for it to complete.
func (p *Prober) Refresh(ctx context.Context) error {
	if p.ctx == nil {
		return errors.New("prober is not started")
	}

	req := proberRefreshRequest{
		ctx:  ctx,
		done: make(chan struct{}),
	}

	select {
	case p.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return errors.New("prober is stopped")
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return errors.New("prober is stopped")
	}
}

func (p *Prober) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.options.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep(p.ctx)
		case req := <-p.refreshRequests:
			p.sweep(req.ctx)
			close(req.done)
		case <-p.ctx.Done():
			return
		}
	}
}

// sweep probes every known peer concurrently, then applies the time-based
// eviction rule once all probes settle.
func (p *Prober) sweep(ctx context.Context) {
	peers := p.table.Snapshot()

	var probeWG sync.WaitGroup
	for _, record := range peers {
		probeWG.Add(1)
		go func(record PeerRecord) {
			defer probeWG.Done()
			p.probeOne(ctx, record)
		}(record)
	}
	probeWG.Wait()

	evicted := p.table.EvictStale(time.Now(), p.options.StaleTimeout)
	if len(evicted) > 0 && p.options.OnEvicted != nil {
		p.options.OnEvicted(evicted)
	}
}

func (p *Prober) probeOne(ctx context.Context, record PeerRecord) {
	address := net.JoinHostPort(record.Host, strconv.Itoa(record.Port))

	ack, err := p.options.probeFn(ctx, address, p.options.Identity, p.options.ProbeTimeout)
	if err == nil && !ack.Accepted() {
		err = fmt.Errorf("peer %q rejected probe: %s", record.PeerID, ack.Reason)
	}
	if err != nil {
		p.table.NoteFailure(record.PeerID)
		if p.options.OnProbeFailure != nil {
			p.options.OnProbeFailure(record, err)
		}
		p.reportError(fmt.Errorf("probe %q at %s: %w", record.PeerID, address, err))
		return
	}

	p.table.Upsert(PeerRecord{
		PeerID:   record.PeerID,
		Host:     record.Host,
		Port:     record.Port,
		LastSeen: time.Now(),
	})
}

func (p *Prober) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case p.errs <- err:
	default:
	}
}
