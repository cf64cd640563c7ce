// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"pgregory.net/rand"

	"github.com/nuntius-im/nuntius/logger"
	"github.com/nuntius-im/nuntius/model"
)

type (
	Config struct {
		Relays          []string      `yaml:"relays" mapstructure:"relays"`
		DialTimeout     time.Duration `yaml:"dialTimeout" mapstructure:"dialTimeout"`
		BackoffBase     time.Duration `yaml:"backoffBase" mapstructure:"backoffBase"`
		BackoffCap      time.Duration `yaml:"backoffCap" mapstructure:"backoffCap"`
		GiveupThreshold time.Duration `yaml:"giveupThreshold" mapstructure:"giveupThreshold"`
		SeenCapacity    int           `yaml:"seenCapacity" mapstructure:"seenCapacity"`
	}

	// inbound is one relay-to-client envelope tagged with its origin,
	// flowing through the pool's single ordered channel.
	inbound struct {
		relayURL string
		envelope nostr.Envelope
	}

	// Connection owns one bidirectional relay session. State machine:
	// Disconnected → Connecting → Connected → Backoff → Connecting …,
	// terminal Disconnected on context cancellation. The endpoint state
	// is mutated only by this connection's Run goroutine; everyone else
	// takes snapshot reads.
	Connection struct {
		url     string
		cfg     *Config
		filters model.Filters
		sink    chan<- inbound
		log     *zap.Logger

		state    atomic.Uint32
		failures atomic.Uint32
		lastErr  atomic.Pointer[string]
		cursor   atomic.Int64 // last seen created_at, resume point for resubscription
		lastSeen atomic.Int64 // unix time of the last inbound frame

		writeMx sync.Mutex
		conn    net.Conn
	}
)

const (
	defaultDialTimeout     = 7 * time.Second
	defaultBackoffBase     = time.Second
	defaultBackoffCap      = 2 * time.Minute
	defaultGiveupThreshold = time.Minute
	defaultSeenCapacity    = 8192
)

var (
	ErrUnreachable        = errors.New("relay is not connected")
	ErrNoRelayAvailable   = errors.New("no relay available")
	ErrNoRelaysConfigured = errors.New("no relays configured")
	ErrSessionClosed      = errors.New("relay session closed")
)

func (cfg *Config) withDefaults() *Config {
	out := *cfg
	if out.DialTimeout <= 0 {
		out.DialTimeout = defaultDialTimeout
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = defaultBackoffBase
	}
	if out.BackoffCap < out.BackoffBase {
		out.BackoffCap = defaultBackoffCap
	}
	if out.GiveupThreshold <= 0 {
		out.GiveupThreshold = defaultGiveupThreshold
	}
	if out.SeenCapacity <= 0 {
		out.SeenCapacity = defaultSeenCapacity
	}

	return &out
}

func newConnection(url string, cfg *Config, filters model.Filters, sink chan<- inbound) *Connection {
	return &Connection{
		url:     url,
		cfg:     cfg,
		filters: filters,
		sink:    sink,
		log:     logger.Named("relay").With(zap.String("relay", url)),
	}
}

// Run drives the reconnect loop until ctx is cancelled. Each failed
// session bumps the consecutive-failure counter and sleeps through an
// exponential, jittered, capped backoff; the sleep never blocks other
// endpoints.
func (c *Connection) Run(ctx context.Context) {
	defer c.setState(model.ConnectionStateDisconnected)
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(model.ConnectionStateConnecting)
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.noteFailure(err)
		c.setState(model.ConnectionStateBackoff)
		delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffCap, c.failures.Load())
		c.log.Warn("relay session ended, backing off",
			zap.Duration("delay", delay),
			zap.Uint32("consecutiveFailures", c.failures.Load()),
			zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-timer.C:
		}
	}
}

func (c *Connection) session(ctx context.Context) error {
	dialer := ws.Dialer{Timeout: c.cfg.DialTimeout}
	conn, br, _, err := dialer.Dial(ctx, c.url)
	if err != nil {
		return errors.Wrapf(err, "dial %v", c.url)
	}
	defer conn.Close()
	var rd io.Reader = conn
	if br != nil {
		rd = br
	}

	c.writeMx.Lock()
	c.conn = conn
	c.writeMx.Unlock()
	defer func() {
		c.writeMx.Lock()
		c.conn = nil
		c.writeMx.Unlock()
	}()

	// Fresh subscription every session; Connected only after the
	// upgrade and the subscription handshake both went through.
	if err = c.subscribe(); err != nil {
		return err
	}
	c.setState(model.ConnectionStateConnected)
	c.failures.Store(0)
	c.log.Info("connected")

	// Unblock the read loop promptly on shutdown.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	return c.readLoop(ctx, rd)
}

// subscribe issues REQ from "now", or from the last-seen cursor when
// resuming: events at-or-after the cursor may be redelivered, which is
// why the pool deduplicates.
func (c *Connection) subscribe() error {
	filters := make(model.Filters, 0, len(c.filters))
	for _, filter := range c.filters {
		resumed := filter
		if cursor := c.cursor.Load(); cursor > 0 {
			since := model.Timestamp(cursor)
			resumed.Since = &since
		}
		filters = append(filters, resumed)
	}
	req := nostr.ReqEnvelope{SubscriptionID: uuid.NewString(), Filters: filters}
	data, err := req.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "marshal REQ")
	}

	return c.writeText(data)
}

func (c *Connection) readLoop(ctx context.Context, rd io.Reader) error {
	reader := wsutil.NewReader(rd, ws.StateClientSide)
	var pending []byte
	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			return errors.Wrapf(err, "read frame from %v", c.url)
		}
		c.lastSeen.Store(time.Now().Unix())
		switch hdr.OpCode {
		case ws.OpPing:
			payload, err := io.ReadAll(reader)
			if err != nil {
				return errors.Wrap(err, "read ping")
			}
			if err = c.writePong(payload); err != nil {
				return err
			}
		case ws.OpPong:
			_, _ = io.Copy(io.Discard, reader)
		case ws.OpClose:
			return errors.Wrapf(ErrSessionClosed, "close frame from %v", c.url)
		case ws.OpText, ws.OpContinuation:
			payload, err := io.ReadAll(reader)
			if err != nil {
				return errors.Wrap(err, "read frame payload")
			}
			pending = append(pending, payload...)
			if !hdr.Fin {
				continue
			}
			frame := pending
			pending = nil
			if err = c.dispatch(ctx, frame); err != nil {
				return err
			}
		default:
			_, _ = io.Copy(io.Discard, reader)
		}
	}
}

func (c *Connection) dispatch(ctx context.Context, frame []byte) error {
	envelope, err := model.ParseMessage(frame)
	if err != nil {
		// A malformed frame is dropped, not a reason to tear the
		// connection down. Log sampling bounds the rate.
		c.log.Debug("dropping malformed relay frame", zap.Error(err))

		return nil
	}
	switch env := envelope.(type) {
	case *nostr.EventEnvelope:
		// Clamp to now: a garbage far-future created_at must not push the
		// resume point past real traffic.
		createdAt := int64(env.Event.CreatedAt)
		if now := time.Now().Unix(); createdAt > now {
			createdAt = now
		}
		if createdAt > c.cursor.Load() {
			c.cursor.Store(createdAt)
		}
		select {
		case c.sink <- inbound{relayURL: c.url, envelope: envelope}:
		case <-ctx.Done():
			return ctx.Err()
		}
	case *nostr.OKEnvelope:
		select {
		case c.sink <- inbound{relayURL: c.url, envelope: envelope}:
		case <-ctx.Done():
			return ctx.Err()
		}
	case *nostr.EOSEEnvelope:
		c.log.Debug("end of stored events")
	case *nostr.NoticeEnvelope:
		c.log.Warn("relay notice", zap.String("notice", string(*env)))
	case *nostr.ClosedEnvelope:
		return errors.Wrapf(ErrSessionClosed, "subscription closed by relay: %v", env.Reason)
	default:
		c.log.Debug("ignoring envelope", zap.String("label", envelope.Label()))
	}

	return nil
}

// Publish hands the event to the relay without waiting for its OK: the
// store-confirmation arrives asynchronously through the merged stream.
// Returns ErrUnreachable immediately when not Connected.
func (c *Connection) Publish(ctx context.Context, event *model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.State() != model.ConnectionStateConnected {
		return errors.Wrapf(ErrUnreachable, "relay %v is %v", c.url, c.State())
	}
	envelope := nostr.EventEnvelope{Event: event.Event}
	data, err := envelope.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "marshal EVENT")
	}

	return c.writeText(data)
}

func (c *Connection) writeText(data []byte) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()
	if c.conn == nil {
		return errors.Wrapf(ErrUnreachable, "relay %v has no session", c.url)
	}

	return errors.Wrapf(wsutil.WriteClientText(c.conn, data), "write to %v", c.url)
}

func (c *Connection) writePong(payload []byte) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()
	if c.conn == nil {
		return errors.Wrapf(ErrUnreachable, "relay %v has no session", c.url)
	}
	frame := ws.MaskFrameInPlace(ws.NewPongFrame(payload))

	return errors.Wrapf(ws.WriteFrame(c.conn, frame), "pong to %v", c.url)
}

func (c *Connection) State() model.ConnectionState {
	return model.ConnectionState(c.state.Load())
}

func (c *Connection) setState(state model.ConnectionState) {
	c.state.Store(uint32(state))
}

func (c *Connection) noteFailure(err error) {
	c.failures.Add(1)
	if err != nil {
		msg := err.Error()
		c.lastErr.Store(&msg)
	}
}

// Status is a snapshot read for the status UI; staleness is tolerable.
func (c *Connection) Status() model.EndpointStatus {
	var lastErr string
	if p := c.lastErr.Load(); p != nil {
		lastErr = *p
	}

	return model.EndpointStatus{
		URL:          c.url,
		State:        c.State(),
		LastError:    lastErr,
		Failures:     c.failures.Load(),
		LastSeenUnix: c.lastSeen.Load(),
	}
}

// backoffDelay is base·2^(failures-1), jittered into the upper half of
// the window below the cap and frozen exactly at the cap once reached.
// The jitter keeps a fleet of clients from thundering; the freeze keeps
// consecutive delays non-decreasing, since re-rolling jitter at the cap
// could otherwise shrink them.
func backoffDelay(base, ceiling time.Duration, failures uint32) time.Duration {
	if failures == 0 {
		failures = 1
	}
	delay := base
	for i := uint32(1); i < failures && delay < ceiling; i++ {
		delay *= 2
	}
	if delay >= ceiling {
		return ceiling
	}
	half := delay / 2

	return half + time.Duration(rand.Int63n(int64(half)+1))
}
