package dispatch

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"whisper2/go-server/internal/protocol"
	"whisper2/go-server/internal/push"
	"whisper2/go-server/internal/session"
	"whisper2/go-server/internal/storage"
	"whisper2/go-server/internal/validator"
	"whisper2/go-server/pkg/models"
)

type fakeRegistry struct {
	mu     sync.Mutex
	online map[string]bool
	frames map[string][][]byte
}

func newFakeRegistry(online ...string) *fakeRegistry {
	r := &fakeRegistry{online: make(map[string]bool), frames: make(map[string][][]byte)}
	for _, id := range online {
		r.online[id] = true
	}
	return r
}

func (r *fakeRegistry) Deliver(whisperID string, frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.online[whisperID] {
		return false
	}
	r.frames[whisperID] = append(r.frames[whisperID], frame)
	return true
}

func (r *fakeRegistry) framesFor(whisperID string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[whisperID]
}

type fakePush struct {
	mu    sync.Mutex
	calls []push.Notification
}

func (p *fakePush) Notify(_ context.Context, n push.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, n)
	return nil
}

type testWorld struct {
	dispatcher *Dispatcher
	registry   *fakeRegistry
	pushes     *fakePush
	identities *storage.IdentityStore
	groups     *storage.GroupStore
	pending    *storage.PendingStore

	alice, bob, carol string
	alicePriv         ed25519.PrivateKey
}

func newWorld(t *testing.T, online ...string) *testWorld {
	t.Helper()
	identities := storage.NewIdentityStore()
	groups := storage.NewGroupStore()
	pending := storage.NewPendingStore()
	sessions := session.NewStore(func(id string) (models.IdentityStatus, bool) {
		ident, ok := identities.Lookup(id)
		return ident.Status, ok
	})

	register := func() (string, ed25519.PrivateKey) {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		id := protocol.DeriveWhisperID(pub)
		if err := identities.CreateIdentity(id, pub, make([]byte, 32)); err != nil {
			t.Fatalf("register: %v", err)
		}
		return id, priv
	}

	alice, alicePriv := register()
	bob, _ := register()
	carol, _ := register()

	resolve := func(names []string) []string {
		out := make([]string, 0, len(names))
		for _, n := range names {
			switch n {
			case "alice":
				out = append(out, alice)
			case "bob":
				out = append(out, bob)
			case "carol":
				out = append(out, carol)
			}
		}
		return out
	}

	registry := newFakeRegistry(resolve(online)...)
	pushes := &fakePush{}
	v := validator.New(identities, sessions, groups, nil)

	d := New(Deps{
		Pending:    pending,
		Identities: identities,
		Groups:     groups,
		Registry:   registry,
		Verifier:   v,
		Notifier:   pushes,
	})
	return &testWorld{
		dispatcher: d,
		registry:   registry,
		pushes:     pushes,
		identities: identities,
		groups:     groups,
		pending:    pending,
		alice:      alice,
		bob:        bob,
		carol:      carol,
		alicePriv:  alicePriv,
	}
}

func (w *testWorld) payload(t *testing.T, messageID, to string) *protocol.SignedPayload {
	t.Helper()
	nonce := base64.StdEncoding.EncodeToString(make([]byte, 24))
	ciphertext := base64.StdEncoding.EncodeToString([]byte("ct-" + messageID))
	ts := time.Now().UnixMilli()
	canonical := protocol.CanonicalBytes(protocol.MsgTypeText, messageID, w.alice, to, ts, nonce, ciphertext)
	sig := protocol.SignCanonical(w.alicePriv, canonical)
	return &protocol.SignedPayload{
		ProtocolVersion: protocol.ProtocolVersion,
		CryptoVersion:   protocol.CryptoVersion,
		MessageID:       messageID,
		From:            w.alice,
		To:              to,
		MsgType:         protocol.MsgTypeText,
		Timestamp:       ts,
		Nonce:           nonce,
		Ciphertext:      ciphertext,
		Sig:             base64.StdEncoding.EncodeToString(sig),
	}
}

func TestSendDirectQueuesBeforeAck(t *testing.T) {
	w := newWorld(t)
	ack, perr := w.dispatcher.SendDirect(context.Background(), w.payload(t, "msg-00000001", w.bob))
	if perr != nil {
		t.Fatalf("send rejected: %v", perr)
	}
	if ack.MessageID != "msg-00000001" || ack.Status != StatusSent {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if w.pending.SizeFor(w.bob) != 1 {
		t.Fatalf("envelope not queued, size=%d", w.pending.SizeFor(w.bob))
	}
}

func TestSendDirectOnlineRecipientGetsLivePush(t *testing.T) {
	w := newWorld(t, "bob")
	if _, perr := w.dispatcher.SendDirect(context.Background(), w.payload(t, "msg-00000001", w.bob)); perr != nil {
		t.Fatalf("send rejected: %v", perr)
	}

	frames := w.registry.framesFor(w.bob)
	if len(frames) != 1 {
		t.Fatalf("expected one live frame, got %d", len(frames))
	}
	var f protocol.Frame
	if err := json.Unmarshal(frames[0], &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if f.Type != protocol.TypeMessageReceived {
		t.Fatalf("unexpected frame type %s", f.Type)
	}
	// Live push does not remove the queue row; only a receipt does.
	if w.pending.SizeFor(w.bob) != 1 {
		t.Fatalf("queue row removed before receipt")
	}
}

func TestSendDirectOfflineTriggersPush(t *testing.T) {
	w := newWorld(t)
	if err := w.identities.BindDevice(models.Device{WhisperID: w.bob, DeviceID: "d1", PushToken: "tok"}); err != nil {
		t.Fatalf("bind device: %v", err)
	}
	if _, perr := w.dispatcher.SendDirect(context.Background(), w.payload(t, "msg-00000001", w.bob)); perr != nil {
		t.Fatalf("send rejected: %v", perr)
	}
	if len(w.pushes.calls) != 1 || w.pushes.calls[0].WhisperID != w.bob {
		t.Fatalf("push not fired: %+v", w.pushes.calls)
	}
}

func TestDuplicateMessageIDAcksWithoutSecondRow(t *testing.T) {
	w := newWorld(t)
	p := w.payload(t, "msg-00000001", w.bob)
	for i := 0; i < 2; i++ {
		if _, perr := w.dispatcher.SendDirect(context.Background(), p); perr != nil {
			t.Fatalf("send %d rejected: %v", i, perr)
		}
	}
	if w.pending.SizeFor(w.bob) != 1 {
		t.Fatalf("duplicate created a second row, size=%d", w.pending.SizeFor(w.bob))
	}
}

func TestReceiptRemovesRowAndForwardsToSender(t *testing.T) {
	w := newWorld(t, "alice")
	if _, perr := w.dispatcher.SendDirect(context.Background(), w.payload(t, "msg-00000001", w.bob)); perr != nil {
		t.Fatalf("send rejected: %v", perr)
	}

	perr := w.dispatcher.HandleReceipt(w.bob, protocol.DeliveryReceiptPayload{
		MessageID: "msg-00000001",
		To:        w.alice,
		Status:    "delivered",
	})
	if perr != nil {
		t.Fatalf("receipt rejected: %v", perr)
	}
	if w.pending.SizeFor(w.bob) != 0 {
		t.Fatalf("receipt did not remove queue row")
	}

	frames := w.registry.framesFor(w.alice)
	if len(frames) != 1 {
		t.Fatalf("sender did not get message_delivered, frames=%d", len(frames))
	}
	var f protocol.Frame
	if err := json.Unmarshal(frames[0], &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if f.Type != protocol.TypeMessageDelivered {
		t.Fatalf("unexpected forward type %s", f.Type)
	}

	// Replayed receipt is a no-op, not an error.
	if perr := w.dispatcher.HandleReceipt(w.bob, protocol.DeliveryReceiptPayload{MessageID: "msg-00000001", To: w.alice, Status: "delivered"}); perr != nil {
		t.Fatalf("replayed receipt rejected: %v", perr)
	}
}

func TestReadReceiptRoutesWithoutTouchingQueue(t *testing.T) {
	w := newWorld(t, "alice")
	if _, perr := w.dispatcher.SendDirect(context.Background(), w.payload(t, "msg-00000001", w.bob)); perr != nil {
		t.Fatalf("send rejected: %v", perr)
	}

	perr := w.dispatcher.HandleReceipt(w.bob, protocol.DeliveryReceiptPayload{
		MessageID: "msg-00000001",
		To:        w.alice,
		Status:    "read",
	})
	if perr != nil {
		t.Fatalf("read receipt rejected: %v", perr)
	}
	if w.pending.SizeFor(w.bob) != 1 {
		t.Fatalf("read receipt removed the queue row")
	}
	if frames := w.registry.framesFor(w.alice); len(frames) != 1 {
		t.Fatalf("read receipt not forwarded, frames=%d", len(frames))
	}

	if perr := w.dispatcher.HandleReceipt(w.bob, protocol.DeliveryReceiptPayload{MessageID: "msg-00000001", To: w.alice, Status: "seen"}); perr == nil || perr.Code != protocol.CodeInvalidPayload {
		t.Fatalf("unknown receipt status accepted: %v", perr)
	}
}

func TestGroupFanoutSkipsBadEntriesAndNonMembers(t *testing.T) {
	w := newWorld(t)
	if _, err := w.groups.Create("grp-1", "room", w.alice, []string{w.bob, w.carol}); err != nil {
		t.Fatalf("create group: %v", err)
	}

	ts := time.Now().UnixMilli()
	entry := func(to string, valid bool) protocol.GroupRecipientEntry {
		nonce := base64.StdEncoding.EncodeToString(make([]byte, 24))
		ciphertext := base64.StdEncoding.EncodeToString([]byte("ct-" + to))
		sig := protocol.SignCanonical(w.alicePriv, protocol.CanonicalBytes(protocol.MsgTypeText, "msg-00000009", w.alice, to, ts, nonce, ciphertext))
		e := protocol.GroupRecipientEntry{To: to, Nonce: nonce, Ciphertext: ciphertext, Sig: base64.StdEncoding.EncodeToString(sig)}
		if !valid {
			e.Ciphertext = base64.StdEncoding.EncodeToString([]byte("tampered"))
		}
		return e
	}

	entries, err := json.Marshal([]protocol.GroupRecipientEntry{
		entry(w.bob, true),
		entry(w.carol, false),            // bad signature, skipped
		entry("WSP-ZZZZ-ZZZZ-ZZZZ", true), // not a member, skipped
	})
	if err != nil {
		t.Fatalf("marshal entries: %v", err)
	}

	p := &protocol.SignedPayload{
		ProtocolVersion: protocol.ProtocolVersion,
		CryptoVersion:   protocol.CryptoVersion,
		MessageID:       "msg-00000009",
		From:            w.alice,
		GroupID:         "grp-1",
		MsgType:         protocol.MsgTypeText,
		Timestamp:       ts,
		Recipients:      entries,
	}
	ack, perr := w.dispatcher.SendGroup(context.Background(), p)
	if perr != nil {
		t.Fatalf("group send rejected: %v", perr)
	}
	if ack.Status != StatusSent {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if w.pending.SizeFor(w.bob) != 1 {
		t.Fatalf("valid member entry not queued")
	}
	if w.pending.SizeFor(w.carol) != 0 {
		t.Fatalf("tampered entry queued")
	}
}

func TestGroupFanoutRejectsPartialMemberCoverage(t *testing.T) {
	w := newWorld(t)
	if _, err := w.groups.Create("grp-1", "room", w.alice, []string{w.bob, w.carol}); err != nil {
		t.Fatalf("create group: %v", err)
	}

	ts := time.Now().UnixMilli()
	nonce := base64.StdEncoding.EncodeToString(make([]byte, 24))
	ciphertext := base64.StdEncoding.EncodeToString([]byte("ct-bob"))
	sig := protocol.SignCanonical(w.alicePriv, protocol.CanonicalBytes(protocol.MsgTypeText, "msg-00000010", w.alice, w.bob, ts, nonce, ciphertext))
	entries, err := json.Marshal([]protocol.GroupRecipientEntry{{
		To: w.bob, Nonce: nonce, Ciphertext: ciphertext, Sig: base64.StdEncoding.EncodeToString(sig),
	}})
	if err != nil {
		t.Fatalf("marshal entries: %v", err)
	}

	// Carol has no entry, so the sender is trying to carve her out of
	// the conversation.
	p := &protocol.SignedPayload{
		ProtocolVersion: protocol.ProtocolVersion,
		CryptoVersion:   protocol.CryptoVersion,
		MessageID:       "msg-00000010",
		From:            w.alice,
		GroupID:         "grp-1",
		MsgType:         protocol.MsgTypeText,
		Timestamp:       ts,
		Recipients:      entries,
	}
	_, perr := w.dispatcher.SendGroup(context.Background(), p)
	if perr == nil || perr.Code != protocol.CodeInvalidPayload {
		t.Fatalf("partial fanout accepted: %v", perr)
	}
	if w.pending.SizeFor(w.bob) != 0 {
		t.Fatalf("rejected fanout still queued a row")
	}
}

func TestFetchPendingPagesInOrder(t *testing.T) {
	w := newWorld(t)
	ids := []string{"msg-00000001", "msg-00000002", "msg-00000003"}
	for _, id := range ids {
		if _, perr := w.dispatcher.SendDirect(context.Background(), w.payload(t, id, w.bob)); perr != nil {
			t.Fatalf("send %s rejected: %v", id, perr)
		}
	}

	page1, perr := w.dispatcher.FetchPending(w.bob, "", 2)
	if perr != nil {
		t.Fatalf("fetch rejected: %v", perr)
	}
	if len(page1.Messages) != 2 || page1.NextCursor == "" {
		t.Fatalf("unexpected first page: %d messages, cursor %q", len(page1.Messages), page1.NextCursor)
	}
	page2, perr := w.dispatcher.FetchPending(w.bob, page1.NextCursor, 2)
	if perr != nil {
		t.Fatalf("fetch page 2 rejected: %v", perr)
	}
	if len(page2.Messages) != 1 || page2.NextCursor != "" {
		t.Fatalf("unexpected second page: %d messages, cursor %q", len(page2.Messages), page2.NextCursor)
	}

	var first protocol.MessageReceivedPayload
	if err := json.Unmarshal(page1.Messages[0], &first); err != nil {
		t.Fatalf("decode page entry: %v", err)
	}
	if first.MessageID != ids[0] {
		t.Fatalf("page order broken, first=%s", first.MessageID)
	}

	_, perr = w.dispatcher.FetchPending(w.bob, "not-a-cursor", 2)
	if perr == nil || perr.Code != protocol.CodeInvalidPayload {
		t.Fatalf("bad cursor not rejected: %v", perr)
	}
}

func TestEphemeralFramesNeverQueue(t *testing.T) {
	w := newWorld(t)
	w.dispatcher.RouteEphemeral(protocol.TypeTyping, protocol.PresencePayload{From: w.alice, To: w.bob, State: "typing"})
	if w.pending.SizeFor(w.bob) != 0 {
		t.Fatalf("typing frame was queued")
	}
	if len(w.registry.framesFor(w.bob)) != 0 {
		t.Fatalf("offline recipient received ephemeral frame")
	}

	w.registry.online[w.bob] = true
	w.dispatcher.RouteEphemeral(protocol.TypeTyping, protocol.PresencePayload{From: w.alice, To: w.bob, State: "typing"})
	if len(w.registry.framesFor(w.bob)) != 1 {
		t.Fatalf("online recipient missed ephemeral frame")
	}
}
