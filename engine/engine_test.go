// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nuntius-im/nuntius/dm"
	"github.com/nuntius-im/nuntius/identity"
	"github.com/nuntius-im/nuntius/model"
	"github.com/nuntius-im/nuntius/relay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePool struct {
	events        chan *model.Event
	confirmations chan model.Confirmation

	mx             sync.Mutex
	published      []*model.Event
	publishErr     error
	confirmEagerly bool
}

func newFakePool() *fakePool {
	return &fakePool{
		events:        make(chan *model.Event, 16),
		confirmations: make(chan model.Confirmation, 16),
	}
}

func (f *fakePool) PublishAll(_ context.Context, event *model.Event) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, event)
	if f.confirmEagerly {
		f.confirmations <- model.Confirmation{RelayURL: "wss://fast", EventID: event.ID, Accepted: true}
	}

	return nil
}

func (f *fakePool) Events() <-chan *model.Event { return f.events }

func (f *fakePool) Confirmations() <-chan model.Confirmation { return f.confirmations }

func (f *fakePool) lastPublished(t *testing.T) *model.Event {
	t.Helper()

	f.mx.Lock()
	defer f.mx.Unlock()
	require.NotEmpty(t, f.published)

	return f.published[len(f.published)-1]
}

func helperIdentity(t *testing.T) *identity.Identity {
	t.Helper()

	id, err := identity.Load(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	return id
}

func startEngine(t *testing.T, id *identity.Identity, pool RelayPool) *Engine {
	t.Helper()

	eng := New(&Config{WorkingSetCapacity: 32}, id, dm.New(dm.SchemeNIP44, id), pool)
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		eng.Close()
	})

	return eng
}

// helperDM builds a signed kind-4 event from the sender to the given
// recipient public key, the way a remote peer's client would.
func helperDM(t *testing.T, sender *identity.Identity, recipientPub, text string) *model.Event {
	t.Helper()

	cipher := dm.New(dm.SchemeNIP44, sender)
	secret, err := cipher.SharedSecret(recipientPub)
	require.NoError(t, err)
	content, err := cipher.Encrypt(text, secret)
	require.NoError(t, err)
	var event model.Event
	event.Kind = cipher.Kind()
	event.CreatedAt = nostr.Now()
	event.Content = content
	event.Tags = model.Tags{{"p", recipientPub}}
	require.NoError(t, sender.Sign(&event))

	return &event
}

func receiveMessage(t *testing.T, sub <-chan model.ChatMessage) model.ChatMessage {
	t.Helper()

	select {
	case msg := <-sub:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no chat message arrived")

		return model.ChatMessage{}
	}
}

func requireNoMessage(t *testing.T, sub <-chan model.ChatMessage) {
	t.Helper()

	select {
	case msg := <-sub:
		t.Fatalf("unexpected chat message %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSend(t *testing.T) {
	t.Parallel()

	alice, bob := helperIdentity(t), helperIdentity(t)
	pool := newFakePool()
	eng := startEngine(t, alice, pool)
	sub := eng.Subscribe()

	t.Run("SentWhenARelayAccepts", func(t *testing.T) {
		msg, err := eng.Send(context.Background(), bob.PublicKey(), "salve")
		require.NoError(t, err)
		require.Equal(t, model.DeliveryStateSent, msg.State)
		require.Equal(t, alice.PublicKey(), msg.Sender)
		require.Equal(t, bob.PublicKey(), msg.Recipient)
		require.Equal(t, "salve", msg.Plaintext)

		published := pool.lastPublished(t)
		require.Equal(t, model.KindEncryptedDirectMessage, published.Kind)
		require.NotContains(t, published.Content, "salve") // ciphertext only on the wire
		require.Equal(t, bob.PublicKey(), published.Tags.GetFirst([]string{"p"}).Value())
		valid, err := published.CheckSignature()
		require.NoError(t, err)
		require.True(t, valid)

		echoed := receiveMessage(t, sub)
		require.Equal(t, msg.EventID, echoed.EventID)
		require.Equal(t, model.DeliveryStateSent, echoed.State)
	})
	t.Run("NpubRecipient", func(t *testing.T) {
		npub, err := nip19.EncodePublicKey(bob.PublicKey())
		require.NoError(t, err)
		msg, err := eng.Send(context.Background(), npub, "iterum salve")
		require.NoError(t, err)
		require.Equal(t, bob.PublicKey(), msg.Recipient)
		receiveMessage(t, sub)
	})
	t.Run("FailedWhenNoRelayAvailable", func(t *testing.T) {
		pool.mx.Lock()
		pool.publishErr = relay.ErrNoRelayAvailable
		pool.mx.Unlock()
		defer func() {
			pool.mx.Lock()
			pool.publishErr = nil
			pool.mx.Unlock()
		}()

		msg, err := eng.Send(context.Background(), bob.PublicKey(), "nemo audit")
		require.ErrorIs(t, err, relay.ErrNoRelayAvailable)
		require.Equal(t, model.DeliveryStateFailed, msg.State)

		echoed := receiveMessage(t, sub)
		require.Equal(t, model.DeliveryStateFailed, echoed.State)
	})
	t.Run("InvalidRecipient", func(t *testing.T) {
		_, err := eng.Send(context.Background(), "not-a-key", "quis es")
		require.ErrorIs(t, err, ErrInvalidRecipient)
	})
}

func TestIncoming(t *testing.T) {
	t.Parallel()

	alice, bob := helperIdentity(t), helperIdentity(t)
	pool := newFakePool()
	eng := startEngine(t, alice, pool)
	sub := eng.Subscribe()

	t.Run("DecryptedAndSurfaced", func(t *testing.T) {
		event := helperDM(t, bob, alice.PublicKey(), "ave alice")
		pool.events <- event

		msg := receiveMessage(t, sub)
		require.Equal(t, event.ID, msg.EventID)
		require.Equal(t, bob.PublicKey(), msg.Sender)
		require.Equal(t, alice.PublicKey(), msg.Recipient)
		require.Equal(t, "ave alice", msg.Plaintext)
		require.Equal(t, model.DeliveryStateConfirmed, msg.State)
		require.NotEmpty(t, eng.History())
	})
	t.Run("DuplicateYieldsOneMessage", func(t *testing.T) {
		event := helperDM(t, bob, alice.PublicKey(), "semel tantum")
		pool.events <- event
		pool.events <- event

		msg := receiveMessage(t, sub)
		require.Equal(t, event.ID, msg.EventID)
		requireNoMessage(t, sub)
	})
	t.Run("TamperedEventDropped", func(t *testing.T) {
		before := eng.DroppedCount()
		event := helperDM(t, bob, alice.PublicKey(), "integer")
		event.Content += "00"
		pool.events <- event

		requireNoMessage(t, sub)
		require.Greater(t, eng.DroppedCount(), before)
	})
	t.Run("ForeignRecipientDropped", func(t *testing.T) {
		carol := helperIdentity(t)
		before := eng.DroppedCount()
		pool.events <- helperDM(t, bob, carol.PublicKey(), "non tibi")

		requireNoMessage(t, sub)
		require.Greater(t, eng.DroppedCount(), before)
	})
	t.Run("WrongKindDropped", func(t *testing.T) {
		before := eng.DroppedCount()
		var event model.Event
		event.Kind = 1
		event.CreatedAt = nostr.Now()
		event.Content = "plaintext note"
		require.NoError(t, bob.Sign(&event))
		pool.events <- &event

		requireNoMessage(t, sub)
		require.Greater(t, eng.DroppedCount(), before)
	})
}

func helperBeacon(t *testing.T, sender *identity.Identity, name string) *model.Event {
	t.Helper()

	var event model.Event
	event.Kind = 30078
	event.CreatedAt = nostr.Now()
	event.Content = fmt.Sprintf(`{"name":%q,"npub":%q}`, name, sender.Npub())
	event.Tags = model.Tags{{"d", "latium_server_identity_v1"}}
	require.NoError(t, sender.Sign(&event))

	return &event
}

func TestIdentityBeacon(t *testing.T) {
	t.Parallel()

	alice, bob := helperIdentity(t), helperIdentity(t)
	pool := newFakePool()
	eng := startEngine(t, alice, pool)

	t.Run("AnnouncePublishesBeacon", func(t *testing.T) {
		require.NoError(t, eng.Announce(context.Background(), "probator", "de probando"))
		published := pool.lastPublished(t)
		require.Equal(t, 30078, published.Kind)
		require.Equal(t, "latium_server_identity_v1", published.Tags.GetFirst([]string{"d"}).Value())
		require.Contains(t, published.Content, alice.Npub())
		valid, err := published.CheckSignature()
		require.NoError(t, err)
		require.True(t, valid)
	})
	t.Run("OwnBeaconIgnored", func(t *testing.T) {
		pool.events <- helperBeacon(t, alice, "ego ipse")
		time.Sleep(100 * time.Millisecond)
		require.Nil(t, eng.DiscoveredPeer())
	})
	t.Run("PeerDiscovered", func(t *testing.T) {
		pool.events <- helperBeacon(t, bob, "latium")
		require.Eventually(t, func() bool { return eng.DiscoveredPeer() != nil },
			5*time.Second, 20*time.Millisecond)
		peer := eng.DiscoveredPeer()
		require.Equal(t, bob.PublicKey(), peer.PubKey)
		require.Equal(t, "latium", peer.Name)
	})
	t.Run("BeaconWithoutNpubIgnored", func(t *testing.T) {
		carol := helperIdentity(t)
		var event model.Event
		event.Kind = 30078
		event.CreatedAt = nostr.Now()
		event.Content = `{"name":"sine clave"}`
		event.Tags = model.Tags{{"d", "latium_server_identity_v1"}}
		require.NoError(t, carol.Sign(&event))
		before := eng.DroppedCount()
		pool.events <- &event

		require.Eventually(t, func() bool { return eng.DroppedCount() > before },
			5*time.Second, 20*time.Millisecond)
		require.Equal(t, bob.PublicKey(), eng.DiscoveredPeer().PubKey)
	})
}

func TestConfirmationTransitionsSentMessage(t *testing.T) {
	t.Parallel()

	alice, bob := helperIdentity(t), helperIdentity(t)
	pool := newFakePool()
	eng := startEngine(t, alice, pool)
	sub := eng.Subscribe()

	msg, err := eng.Send(context.Background(), bob.PublicKey(), "confirma")
	require.NoError(t, err)
	require.Equal(t, model.DeliveryStateSent, receiveMessage(t, sub).State)

	pool.confirmations <- model.Confirmation{RelayURL: "wss://a", EventID: msg.EventID, Accepted: true}
	confirmed := receiveMessage(t, sub)
	require.Equal(t, msg.EventID, confirmed.EventID)
	require.Equal(t, model.DeliveryStateConfirmed, confirmed.State)

	// A second OK from another relay must not re-announce the message.
	pool.confirmations <- model.Confirmation{RelayURL: "wss://b", EventID: msg.EventID, Accepted: true}
	requireNoMessage(t, sub)

	history := eng.History()
	require.Len(t, history, 1)
	require.Equal(t, model.DeliveryStateConfirmed, history[0].State)
}

func TestConfirmationOutrunningLocalSend(t *testing.T) {
	t.Parallel()

	alice, bob := helperIdentity(t), helperIdentity(t)
	pool := newFakePool()
	pool.confirmEagerly = true
	eng := startEngine(t, alice, pool)
	sub := eng.Subscribe()

	// A relay answering OK before Send's own result reaches the run
	// goroutine must still end in Confirmed, every time.
	for i := 0; i < 20; i++ {
		msg, err := eng.Send(context.Background(), bob.PublicKey(), fmt.Sprintf("celeritas %d", i))
		require.NoError(t, err)

		deadline := time.After(5 * time.Second)
		for confirmed := false; !confirmed; {
			select {
			case got := <-sub:
				confirmed = got.EventID == msg.EventID && got.State == model.DeliveryStateConfirmed
			case <-deadline:
				t.Fatalf("message %d never reached Confirmed", i)
			}
		}
	}
}

func TestRejectionLeavesStateAlone(t *testing.T) {
	t.Parallel()

	alice, bob := helperIdentity(t), helperIdentity(t)
	pool := newFakePool()
	eng := startEngine(t, alice, pool)
	sub := eng.Subscribe()

	msg, err := eng.Send(context.Background(), bob.PublicKey(), "reice me")
	require.NoError(t, err)
	receiveMessage(t, sub)

	pool.confirmations <- model.Confirmation{RelayURL: "wss://a", EventID: msg.EventID, Accepted: false, Reason: "blocked: spam"}
	requireNoMessage(t, sub)

	history := eng.History()
	require.Len(t, history, 1)
	require.Equal(t, model.DeliveryStateSent, history[0].State)
}

func TestWorkingSetEviction(t *testing.T) {
	t.Parallel()

	set := newWorkingSet(3)
	for _, id := range []string{"a", "b", "c", "d"} {
		set.add(model.ChatMessage{EventID: id, Plaintext: strings.ToUpper(id)})
	}
	require.Equal(t, 3, set.len())
	snapshot := set.snapshot()
	require.Len(t, snapshot, 3)
	require.Equal(t, "b", snapshot[0].EventID)
	require.Equal(t, "d", snapshot[2].EventID)
	_, resident := set.get("a")
	require.False(t, resident)

	updated, resident := set.setState("c", model.DeliveryStateConfirmed)
	require.True(t, resident)
	require.Equal(t, model.DeliveryStateConfirmed, updated.State)
}

func TestNormalizeRecipient(t *testing.T) {
	t.Parallel()

	pub, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	npub, err := nip19.EncodePublicKey(pub)
	require.NoError(t, err)

	fromNpub, err := NormalizeRecipient(npub)
	require.NoError(t, err)
	require.Equal(t, pub, fromNpub)

	fromHex, err := NormalizeRecipient("  " + pub + "\n")
	require.NoError(t, err)
	require.Equal(t, pub, fromHex)

	for _, bad := range []string{"", "npub1malformed", "zz" + pub[2:], pub[:60]} {
		_, err = NormalizeRecipient(bad)
		require.ErrorIs(t, err, ErrInvalidRecipient, "input %q", bad)
	}
}
