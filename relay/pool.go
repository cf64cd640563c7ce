// SPDX-License-Identifier: MIT

// Package relay maintains the client side of every configured Nostr
// relay session and merges their event streams into one deduplicated,
// arrival-ordered stream.
package relay

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nuntius-im/nuntius/logger"
	"github.com/nuntius-im/nuntius/model"
)

type (
	// Pool owns the set of relay connections: fan-out for publishes,
	// fan-in plus dedup for subscriptions. Policy is best-effort
	// multi-relay delivery, never all-or-nothing.
	Pool struct {
		cfg      *Config
		log      *zap.Logger
		conns    []*Connection
		registry *xsync.MapOf[string, *Connection]

		inbound       chan inbound
		events        chan *model.Event
		confirmations chan model.Confirmation
		seen          *SeenSet

		degraded atomic.Bool
		cancel   context.CancelFunc
		connWG   sync.WaitGroup
		demuxWG  sync.WaitGroup
		started  atomic.Bool
	}
)

func New(cfg *Config, filters model.Filters) (*Pool, error) {
	if cfg == nil || len(cfg.Relays) == 0 {
		return nil, ErrNoRelaysConfigured
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:           cfg,
		log:           logger.Named("relay.pool"),
		registry:      xsync.NewMapOf[string, *Connection](),
		inbound:       make(chan inbound, 256),
		events:        make(chan *model.Event, 64),
		confirmations: make(chan model.Confirmation, 64),
		seen:          NewSeenSet(cfg.SeenCapacity),
	}
	for _, url := range cfg.Relays {
		conn := newConnection(url, cfg, filters, p.inbound)
		p.conns = append(p.conns, conn)
		p.registry.Store(url, conn)
	}

	return p, nil
}

// Start spawns one goroutine per relay connection plus the single demux
// consumer. Cancelling ctx (or calling Close) tears everything down
// within a bounded grace period and no events are emitted afterwards.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for _, conn := range p.conns {
		p.connWG.Add(1)
		go func(conn *Connection) {
			defer p.connWG.Done()
			conn.Run(ctx)
		}(conn)
	}
	p.connWG.Add(1)
	go func() {
		defer p.connWG.Done()
		p.monitor(ctx)
	}()
	go func() {
		p.connWG.Wait()
		close(p.inbound)
	}()
	p.demuxWG.Add(1)
	go p.demux(ctx)
}

// demux is the single consumer of the internal ordered channel: it
// applies the SeenSet so duplicates from multiple relays never reach
// the message engine, and routes OK verdicts to the confirmation
// stream. Merged ordering is arrival order, nothing more. Once ctx is
// cancelled it keeps draining but emits nothing, so shutdown never
// hangs on a consumer that stopped reading.
func (p *Pool) demux(ctx context.Context) {
	defer p.demuxWG.Done()
	defer close(p.confirmations)
	defer close(p.events)
	for in := range p.inbound {
		select {
		case <-ctx.Done():
			continue
		default:
		}
		switch env := in.envelope.(type) {
		case *nostr.EventEnvelope:
			event := &model.Event{Event: env.Event}
			if !p.seen.MarkSeen(event.ID) {
				continue
			}
			select {
			case p.events <- event:
			case <-ctx.Done():
			}
		case *nostr.OKEnvelope:
			confirmation := model.Confirmation{
				RelayURL: in.relayURL,
				EventID:  env.EventID,
				Accepted: env.OK,
				Reason:   env.Reason,
			}
			select {
			case p.confirmations <- confirmation:
			case <-ctx.Done():
			}
		}
	}
}

func (p *Pool) monitor(ctx context.Context) {
	interval := p.cfg.GiveupThreshold / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	disconnectedSince := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p.ConnectedCount() > 0 {
			disconnectedSince = time.Now()
			if p.degraded.CompareAndSwap(true, false) {
				p.log.Info("relay connectivity recovered")
			}
			continue
		}
		if time.Since(disconnectedSince) >= p.cfg.GiveupThreshold {
			// Degraded mode is a warning, never a crash.
			if p.degraded.CompareAndSwap(false, true) {
				p.log.Warn("all relays unreachable beyond giveup threshold, running degraded",
					zap.Duration("threshold", p.cfg.GiveupThreshold))
			}
		}
	}
}

// PublishAll fans the event out to every endpoint concurrently. Success
// means at least one Connected endpoint took the write; NoRelayAvailable
// is returned only when zero endpoints were Connected at call time.
func (p *Pool) PublishAll(ctx context.Context, event *model.Event) error {
	results := make([]error, len(p.conns))
	eg := errgroup.Group{}
	for ix, conn := range p.conns {
		ix, conn := ix, conn
		eg.Go(func() error {
			results[ix] = conn.Publish(ctx, event)

			return nil
		})
	}
	_ = eg.Wait()

	accepted, unreachable := 0, 0
	var mErr *multierror.Error
	for _, err := range results {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrUnreachable):
			unreachable++
			mErr = multierror.Append(mErr, err)
		default:
			mErr = multierror.Append(mErr, err)
		}
	}
	if accepted > 0 {
		if err := mErr.ErrorOrNil(); err != nil {
			p.log.Debug("partial publish", zap.String("eventID", event.ID), zap.Error(err))
		}

		return nil
	}
	if unreachable == len(p.conns) {
		return errors.Wrapf(ErrNoRelayAvailable, "all %d relays disconnected", len(p.conns))
	}

	return errors.Wrapf(mErr.ErrorOrNil(), "publish of %v failed on every relay", event.ID)
}

// Events is the merged, deduplicated, arrival-ordered stream. Closed
// after shutdown completes.
func (p *Pool) Events() <-chan *model.Event {
	return p.events
}

// Confirmations carries relay OK verdicts, out-of-band of publishes.
func (p *Pool) Confirmations() <-chan model.Confirmation {
	return p.confirmations
}

func (p *Pool) ConnectedCount() int {
	count := 0
	p.registry.Range(func(_ string, conn *Connection) bool {
		if conn.State() == model.ConnectionStateConnected {
			count++
		}

		return true
	})

	return count
}

// WaitConnected blocks until at least one endpoint reaches Connected or
// the window elapses, reporting ErrNoRelayAvailable in the latter case.
// Meant for the initial connection attempt at startup.
func (p *Pool) WaitConnected(ctx context.Context, window time.Duration) error {
	deadline := time.Now().Add(window)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.ConnectedCount() > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(ErrNoRelayAvailable, "no relay connected within %v", window)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) Degraded() bool {
	return p.degraded.Load()
}

// Status snapshots every endpoint for the CLI/status UI, sorted by URL.
func (p *Pool) Status() []model.EndpointStatus {
	statuses := make([]model.EndpointStatus, 0, len(p.conns))
	p.registry.Range(func(_ string, conn *Connection) bool {
		statuses = append(statuses, conn.Status())

		return true
	})
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].URL < statuses[j].URL })

	return statuses
}

// Close cancels all sessions and backoff timers and waits until the
// event stream is drained and closed.
func (p *Pool) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.connWG.Wait()
	p.demuxWG.Wait()
}
