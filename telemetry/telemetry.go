// SPDX-License-Identifier: MIT

// Package telemetry feeds the local visualizer: message rates, relay
// health and publish latency, pushed over a websocket as JSON. The feed
// carries metadata only. Plaintext never crosses this boundary.
package telemetry

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/jamiealquiza/tachymeter"
	"github.com/rcrowley/go-metrics"
	"go.uber.org/zap"

	"github.com/nuntius-im/nuntius/logger"
	"github.com/nuntius-im/nuntius/model"
)

type (
	Config struct {
		Bind           string        `yaml:"bind" mapstructure:"bind"`
		PushInterval   time.Duration `yaml:"pushInterval" mapstructure:"pushInterval"`
		LatencyWindow  int           `yaml:"latencyWindow" mapstructure:"latencyWindow"`
		RecentMessages int           `yaml:"recentMessages" mapstructure:"recentMessages"`
	}

	// PoolStats is the read-only slice of the relay pool the feed needs.
	PoolStats interface {
		ConnectedCount() int
		Status() []model.EndpointStatus
		Degraded() bool
	}

	// MessageMeta is what the visualizer learns about a chat message.
	MessageMeta struct {
		EventID   string `json:"eventId"`
		Sender    string `json:"sender"`
		Recipient string `json:"recipient"`
		CreatedAt int64  `json:"createdAt"`
		Length    int    `json:"length"`
		State     string `json:"state"`
		Outgoing  bool   `json:"outgoing"`
	}

	endpointSnapshot struct {
		URL          string `json:"url"`
		State        string `json:"state"`
		Failures     uint32 `json:"failures"`
		LastError    string `json:"lastError,omitempty"`
		LastSeenUnix int64  `json:"lastSeenUnix,omitempty"`
	}

	snapshot struct {
		TakenAt          int64              `json:"takenAt"`
		ConnectedRelays  int                `json:"connectedRelays"`
		Degraded         bool               `json:"degraded"`
		Endpoints        []endpointSnapshot `json:"endpoints"`
		InboundRate1m    float64            `json:"inboundRate1m"`
		InboundTotal     int64              `json:"inboundTotal"`
		SentRate1m       float64            `json:"sentRate1m"`
		SentTotal        int64              `json:"sentTotal"`
		PublishP50Millis float64            `json:"publishP50Millis"`
		PublishP95Millis float64            `json:"publishP95Millis"`
		Recent           []MessageMeta      `json:"recent"`
	}

	// Telemetry aggregates counters and fans snapshots out to every
	// connected visualizer.
	Telemetry struct {
		cfg      *Config
		log      *zap.Logger
		pool     PoolStats
		messages <-chan model.ChatMessage
		localPub string

		registry metrics.Registry
		inbound  metrics.Meter
		sent     metrics.Meter
		latency  *tachymeter.Tachymeter

		mx      sync.Mutex
		recent  []MessageMeta
		clients map[*websocket.Conn]struct{}

		listener net.Listener
		srv      *http.Server
		cancel   context.CancelFunc
		wg       sync.WaitGroup
		upgrader websocket.Upgrader
	}
)

const (
	defaultPushInterval   = time.Second
	defaultLatencyWindow  = 128
	defaultRecentMessages = 32

	clientWriteTimeout = 2 * time.Second
)

func (cfg *Config) withDefaults() *Config {
	out := *cfg
	if out.PushInterval <= 0 {
		out.PushInterval = defaultPushInterval
	}
	if out.LatencyWindow <= 0 {
		out.LatencyWindow = defaultLatencyWindow
	}
	if out.RecentMessages <= 0 {
		out.RecentMessages = defaultRecentMessages
	}

	return &out
}

// New wires the feed. localPub is the local identity's public key, used
// to mark messages as outgoing; messages is typically engine.Subscribe().
func New(cfg *Config, pool PoolStats, messages <-chan model.ChatMessage, localPub string) *Telemetry {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg = cfg.withDefaults()
	registry := metrics.NewRegistry()

	return &Telemetry{
		cfg:      cfg,
		log:      logger.Named("telemetry"),
		pool:     pool,
		messages: messages,
		localPub: localPub,
		registry: registry,
		inbound:  metrics.GetOrRegisterMeter("messages.inbound", registry),
		sent:     metrics.GetOrRegisterMeter("messages.sent", registry),
		latency:  tachymeter.New(&tachymeter.Config{Size: cfg.LatencyWindow}),
		clients:  map[*websocket.Conn]struct{}{},
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Start binds the feed endpoint and spawns the observer and the pusher.
// An empty bind address disables the feed entirely.
func (t *Telemetry) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)
	if t.messages != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.observe(ctx)
		}()
	}
	if t.cfg.Bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", t.cfg.Bind)
	if err != nil {
		return errors.Wrapf(err, "bind telemetry feed on %v", t.cfg.Bind)
	}
	t.listener = listener
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", t.handleFeed)
	t.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		if err := t.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Warn("telemetry server stopped", zap.Error(err))
		}
	}()
	go func() {
		defer t.wg.Done()
		t.push(ctx)
	}()
	t.log.Info("visualizer feed listening", zap.String("addr", listener.Addr().String()))

	return nil
}

// Addr reports the bound feed address, empty when disabled.
func (t *Telemetry) Addr() string {
	if t.listener == nil {
		return ""
	}

	return t.listener.Addr().String()
}

func (t *Telemetry) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = t.srv.Shutdown(shutdownCtx)
		cancel()
	}
	t.mx.Lock()
	for client := range t.clients {
		_ = client.Close()
	}
	t.clients = map[*websocket.Conn]struct{}{}
	t.mx.Unlock()
	t.wg.Wait()
}

// ObservePublish records one publish round-trip for the latency window.
func (t *Telemetry) ObservePublish(elapsed time.Duration) {
	t.latency.AddTime(elapsed)
}

// observe consumes the engine's message stream and keeps metadata only.
func (t *Telemetry) observe(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-t.messages:
			if !open {
				return
			}
			t.record(msg)
		}
	}
}

func (t *Telemetry) record(msg model.ChatMessage) {
	outgoing := msg.Sender == t.localPub
	meta := MessageMeta{
		EventID:   msg.EventID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		CreatedAt: int64(msg.CreatedAt),
		Length:    len(msg.Plaintext),
		State:     msg.State.String(),
		Outgoing:  outgoing,
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	for ix, existing := range t.recent {
		// Delivery state flips replace the entry without recounting.
		if existing.EventID == meta.EventID {
			t.recent[ix] = meta

			return
		}
	}
	if outgoing {
		t.sent.Mark(1)
	} else {
		t.inbound.Mark(1)
	}
	t.recent = append(t.recent, meta)
	if len(t.recent) > t.cfg.RecentMessages {
		t.recent = t.recent[len(t.recent)-t.cfg.RecentMessages:]
	}
}

func (t *Telemetry) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debug("feed upgrade failed", zap.Error(err))

		return
	}
	t.mx.Lock()
	t.clients[conn] = struct{}{}
	t.mx.Unlock()
	// Reader drains control frames and detects the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				t.dropClient(conn)

				return
			}
		}
	}()
}

func (t *Telemetry) dropClient(conn *websocket.Conn) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if _, ok := t.clients[conn]; ok {
		delete(t.clients, conn)
		_ = conn.Close()
	}
}

func (t *Telemetry) push(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.broadcast(t.Snapshot())
	}
}

func (t *Telemetry) broadcast(snap snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		t.log.Warn("marshal snapshot", zap.Error(err))

		return
	}
	t.mx.Lock()
	clients := make([]*websocket.Conn, 0, len(t.clients))
	for client := range t.clients {
		clients = append(clients, client)
	}
	t.mx.Unlock()
	for _, client := range clients {
		_ = client.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			t.dropClient(client)
		}
	}
}

// Snapshot assembles the current feed frame.
func (t *Telemetry) Snapshot() snapshot {
	statuses := t.pool.Status()
	endpoints := make([]endpointSnapshot, 0, len(statuses))
	for _, status := range statuses {
		endpoints = append(endpoints, endpointSnapshot{
			URL:          status.URL,
			State:        status.State.String(),
			Failures:     status.Failures,
			LastError:    status.LastError,
			LastSeenUnix: status.LastSeenUnix,
		})
	}
	window := t.latency.Calc()
	t.mx.Lock()
	recent := append([]MessageMeta(nil), t.recent...)
	t.mx.Unlock()

	return snapshot{
		TakenAt:          time.Now().Unix(),
		ConnectedRelays:  t.pool.ConnectedCount(),
		Degraded:         t.pool.Degraded(),
		Endpoints:        endpoints,
		InboundRate1m:    t.inbound.Rate1(),
		InboundTotal:     t.inbound.Count(),
		SentRate1m:       t.sent.Rate1(),
		SentTotal:        t.sent.Count(),
		PublishP50Millis: float64(window.Time.P50) / float64(time.Millisecond),
		PublishP95Millis: float64(window.Time.P95) / float64(time.Millisecond),
		Recent:           recent,
	}
}
