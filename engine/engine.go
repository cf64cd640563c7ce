// SPDX-License-Identifier: MIT

// Package engine is the messaging core: it turns outgoing plaintext
// into signed encrypted events, and the merged relay stream into
// verified, decrypted chat messages for the UI.
package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/nuntius-im/nuntius/dm"
	"github.com/nuntius-im/nuntius/identity"
	"github.com/nuntius-im/nuntius/logger"
	"github.com/nuntius-im/nuntius/model"
	"github.com/nuntius-im/nuntius/relay"
)

type (
	Config struct {
		WorkingSetCapacity int `yaml:"workingSetCapacity" mapstructure:"workingSetCapacity"`
		SubscriberBuffer   int `yaml:"subscriberBuffer" mapstructure:"subscriberBuffer"`
		SeenCapacity       int `yaml:"seenCapacity" mapstructure:"seenCapacity"`
	}

	// RelayPool is the slice of the relay pool the engine needs.
	RelayPool interface {
		PublishAll(ctx context.Context, event *model.Event) error
		Events() <-chan *model.Event
		Confirmations() <-chan model.Confirmation
	}

	// Peer is a counterpart announced through an identity beacon.
	Peer struct {
		PubKey string
		Name   string
	}

	beaconContent struct {
		Name  string `json:"name"`
		About string `json:"about,omitempty"`
		Npub  string `json:"npub"`
	}

	// Engine owns the chat message working set. All mutation happens on
	// the single run goroutine; Send only prepares, publishes and then
	// hands the result over to that goroutine.
	Engine struct {
		cfg    *Config
		id     *identity.Identity
		cipher *dm.Cipher
		pool   RelayPool
		log    *zap.Logger

		working  *workingSet
		seen     *relay.SeenSet
		parkedOK *relay.SeenSet
		local    chan model.ChatMessage

		subsMx sync.Mutex
		subs   []chan model.ChatMessage

		discovered atomic.Pointer[Peer]

		droppedCount   atomic.Uint64
		lastDropLogged atomic.Int64

		cancel  context.CancelFunc
		runWG   sync.WaitGroup
		started atomic.Bool
	}
)

const (
	defaultWorkingSetCapacity = 1024
	defaultSubscriberBuffer   = 64

	dropLogInterval = int64(5) // seconds between drop log lines

	parkedOKCapacity = 256

	// The identity beacon is a parameterized replaceable event peers use
	// to find each other without out-of-band key exchange.
	beaconKind = 30078
	beaconDTag = "latium_server_identity_v1"
)

var ErrInvalidRecipient = errors.New("invalid recipient")

func (cfg *Config) withDefaults() *Config {
	out := *cfg
	if out.WorkingSetCapacity <= 0 {
		out.WorkingSetCapacity = defaultWorkingSetCapacity
	}
	if out.SubscriberBuffer <= 0 {
		out.SubscriberBuffer = defaultSubscriberBuffer
	}
	if out.SeenCapacity <= 0 {
		out.SeenCapacity = out.WorkingSetCapacity
	}

	return &out
}

func New(cfg *Config, id *identity.Identity, cipher *dm.Cipher, pool RelayPool) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg = cfg.withDefaults()

	return &Engine{
		cfg:     cfg,
		id:      id,
		cipher:  cipher,
		pool:    pool,
		log:     logger.Named("engine"),
		working:  newWorkingSet(cfg.WorkingSetCapacity),
		seen:     relay.NewSeenSet(cfg.SeenCapacity),
		parkedOK: relay.NewSeenSet(parkedOKCapacity),
		local:    make(chan model.ChatMessage, 16),
	}
}

// SubscriptionFilters is what the relay pool should subscribe with for
// the given identity: DMs of the pinned kind addressed to it, plus the
// identity beacons peers announce themselves through.
func SubscriptionFilters(id *identity.Identity, cipher *dm.Cipher) model.Filters {
	return model.Filters{
		{
			Kinds: []int{cipher.Kind()},
			Tags:  model.TagMap{"p": []string{id.PublicKey()}},
		},
		{
			Kinds: []int{beaconKind},
			Tags:  model.TagMap{"d": []string{beaconDTag}},
			Limit: 1,
		},
	}
}

// Start spawns the single consumer of the merged relay stream.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		e.run(ctx)
	}()
}

// Close stops the consumer and closes every subscriber channel.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.runWG.Wait()
	e.subsMx.Lock()
	defer e.subsMx.Unlock()
	for _, sub := range e.subs {
		close(sub)
	}
	e.subs = nil
}

func (e *Engine) run(ctx context.Context) {
	events := e.pool.Events()
	confirmations := e.pool.Confirmations()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			e.onIncoming(event)
		case confirmation, open := <-confirmations:
			if !open {
				confirmations = nil

				continue
			}
			e.onConfirmation(confirmation)
		case msg := <-e.local:
			e.store(msg)
		}
	}
}

// Send encrypts, signs and publishes one direct message. The returned
// message is Sent when at least one relay took the write, Failed when
// none did. There is no hidden retry: a Failed send is surfaced to the
// caller, who decides whether to try again.
func (e *Engine) Send(ctx context.Context, recipient, text string) (model.ChatMessage, error) {
	recipientKey, err := NormalizeRecipient(recipient)
	if err != nil {
		return model.ChatMessage{}, err
	}
	secret, err := e.cipher.SharedSecret(recipientKey)
	if err != nil {
		return model.ChatMessage{}, errors.Wrap(err, "derive shared secret")
	}
	content, err := e.cipher.Encrypt(text, secret)
	if err != nil {
		return model.ChatMessage{}, errors.Wrap(err, "encrypt")
	}
	var event model.Event
	event.Kind = e.cipher.Kind()
	event.CreatedAt = nostr.Now()
	event.Content = content
	event.Tags = model.Tags{{"p", recipientKey}}
	if err = e.id.Sign(&event); err != nil {
		return model.ChatMessage{}, errors.Wrap(err, "sign")
	}

	msg := model.ChatMessage{
		EventID:   event.ID,
		Sender:    e.id.PublicKey(),
		Recipient: recipientKey,
		Plaintext: text,
		CreatedAt: event.CreatedAt,
		State:     model.DeliveryStatePending,
	}
	publishErr := e.pool.PublishAll(ctx, &event)
	if publishErr != nil {
		msg.State = model.DeliveryStateFailed
	} else {
		msg.State = model.DeliveryStateSent
	}
	e.submit(ctx, msg)
	if publishErr != nil {
		return msg, errors.Wrapf(publishErr, "send to %v", recipientKey)
	}

	return msg, nil
}

// submit routes a locally produced message through the run goroutine,
// the only writer of the working set.
func (e *Engine) submit(ctx context.Context, msg model.ChatMessage) {
	select {
	case e.local <- msg:
	case <-ctx.Done():
	}
}

func (e *Engine) onIncoming(event *model.Event) {
	if err := event.Validate(); err != nil {
		// Forged or corrupted events never surface as chat messages.
		e.drop("invalid event", event.ID, err)

		return
	}
	if event.Kind == beaconKind {
		e.onBeacon(event)

		return
	}
	if event.Kind != e.cipher.Kind() {
		e.drop("unexpected kind", event.ID, nil)

		return
	}
	// Relays may redeliver after a resubscription; the pool window is
	// per-process, this one guards the working set itself.
	if !e.seen.MarkSeen(event.ID) {
		return
	}
	secret, err := e.cipher.SharedSecret(event.PubKey)
	if err != nil {
		e.drop("secret agreement", event.ID, err)

		return
	}
	plaintext, err := e.cipher.Decrypt(event.Content, secret)
	if err != nil {
		// Addressed to someone else, or a scheme we do not speak.
		e.drop("undecryptable", event.ID, err)

		return
	}
	e.store(model.ChatMessage{
		EventID:   event.ID,
		Sender:    event.PubKey,
		Recipient: event.Recipient(),
		Plaintext: plaintext,
		CreatedAt: event.CreatedAt,
		State:     model.DeliveryStateConfirmed,
	})
}

// onBeacon records the announcing peer so the UI can start a chat
// without a hand-delivered key.
func (e *Engine) onBeacon(event *model.Event) {
	if event.PubKey == e.id.PublicKey() {
		return
	}
	peerKey, err := NormalizeRecipient(gjson.Get(event.Content, "npub").String())
	if err != nil {
		e.drop("beacon without usable npub", event.ID, err)

		return
	}
	peer := &Peer{PubKey: peerKey, Name: gjson.Get(event.Content, "name").String()}
	if previous := e.discovered.Swap(peer); previous == nil || previous.PubKey != peer.PubKey {
		e.log.Info("peer discovered via identity beacon",
			zap.String("peer", peerKey), zap.String("name", peer.Name))
	}
}

// Announce publishes this identity's beacon so peers can discover it.
func (e *Engine) Announce(ctx context.Context, name, about string) error {
	content, err := json.Marshal(beaconContent{Name: name, About: about, Npub: e.id.Npub()})
	if err != nil {
		return errors.Wrap(err, "marshal beacon content")
	}
	var event model.Event
	event.Kind = beaconKind
	event.CreatedAt = nostr.Now()
	event.Content = string(content)
	event.Tags = model.Tags{{"d", beaconDTag}}
	if err = e.id.Sign(&event); err != nil {
		return errors.Wrap(err, "sign beacon")
	}

	return errors.Wrap(e.pool.PublishAll(ctx, &event), "publish identity beacon")
}

// DiscoveredPeer is the latest beacon-announced counterpart, nil until
// one has been seen.
func (e *Engine) DiscoveredPeer() *Peer {
	return e.discovered.Load()
}

func (e *Engine) onConfirmation(confirmation model.Confirmation) {
	if !confirmation.Accepted {
		e.log.Warn("relay rejected event",
			zap.String("relay", confirmation.RelayURL),
			zap.String("eventID", confirmation.EventID),
			zap.String("reason", confirmation.Reason))

		return
	}
	msg, ok := e.working.get(confirmation.EventID)
	if !ok {
		// A fast relay's OK can arrive before the local send result has
		// flowed through this goroutine; park it for replay on store.
		e.parkedOK.MarkSeen(confirmation.EventID)

		return
	}
	if msg.State != model.DeliveryStateSent {
		return
	}
	if updated, resident := e.working.setState(confirmation.EventID, model.DeliveryStateConfirmed); resident {
		e.broadcast(updated)
	}
}

func (e *Engine) store(msg model.ChatMessage) {
	e.working.add(msg)
	if msg.State == model.DeliveryStateSent && e.parkedOK.Seen(msg.EventID) {
		if updated, resident := e.working.setState(msg.EventID, model.DeliveryStateConfirmed); resident {
			e.broadcast(updated)

			return
		}
	}
	e.broadcast(msg)
}

// Subscribe returns a push stream of chat messages, including delivery
// state updates for locally sent ones. A slow subscriber loses messages
// instead of stalling the engine; the channel closes on shutdown.
func (e *Engine) Subscribe() <-chan model.ChatMessage {
	sub := make(chan model.ChatMessage, e.cfg.SubscriberBuffer)
	e.subsMx.Lock()
	defer e.subsMx.Unlock()
	e.subs = append(e.subs, sub)

	return sub
}

func (e *Engine) broadcast(msg model.ChatMessage) {
	e.subsMx.Lock()
	defer e.subsMx.Unlock()
	for _, sub := range e.subs {
		select {
		case sub <- msg:
		default:
			e.log.Debug("subscriber lagging, message not delivered to it", zap.String("eventID", msg.EventID))
		}
	}
}

// History snapshots the working set, oldest first.
func (e *Engine) History() []model.ChatMessage {
	return e.working.snapshot()
}

// drop logs discarded events at a bounded rate so a malicious relay
// cannot flood the terminal.
func (e *Engine) drop(reason, eventID string, err error) {
	count := e.droppedCount.Add(1)
	now := time.Now().Unix()
	last := e.lastDropLogged.Load()
	if now-last < dropLogInterval || !e.lastDropLogged.CompareAndSwap(last, now) {
		return
	}
	e.log.Debug("dropped inbound event",
		zap.String("reason", reason),
		zap.String("eventID", eventID),
		zap.Uint64("droppedTotal", count),
		zap.Error(err))
}

// DroppedCount is the total number of inbound events discarded before
// reaching the working set.
func (e *Engine) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// NormalizeRecipient accepts a peer key as npub bech32 or raw hex and
// returns the hex form events carry.
func NormalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", errors.Wrap(ErrInvalidRecipient, "empty")
	}
	if strings.HasPrefix(recipient, "npub") {
		prefix, value, err := nip19.Decode(recipient)
		if err != nil {
			return "", errors.Wrapf(ErrInvalidRecipient, "bech32 decode: %v", err)
		}
		if prefix != "npub" {
			return "", errors.Wrapf(ErrInvalidRecipient, "expected npub, got %q", prefix)
		}

		return value.(string), nil
	}
	if !nostr.IsValidPublicKey(recipient) {
		return "", errors.Wrapf(ErrInvalidRecipient, "%q is neither npub nor 64-char hex", recipient)
	}

	return recipient, nil
}
