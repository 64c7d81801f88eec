// Package dispatch routes validated envelopes. Every message is
// committed to the recipient's pending queue before any ack leaves
// the relay; live delivery is an optimization on top of the queue,
// and rows are removed only by an explicit delivery receipt.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"whisper2/go-server/internal/metrics"
	"whisper2/go-server/internal/protocol"
	"whisper2/go-server/internal/push"
	"whisper2/go-server/internal/storage"
	"whisper2/go-server/pkg/models"
)

// StatusSent is the message_accepted status: durably queued, not
// yet delivered.
const StatusSent = "sent"

// Registry is the live-connection surface the gateway implements.
// Deliver reports whether an authenticated connection for whisperID
// accepted the frame.
type Registry interface {
	Deliver(whisperID string, frame []byte) bool
}

// SigVerifier checks one envelope signature against the sender's
// registered key. The validator implements it.
type SigVerifier interface {
	VerifyEnvelopeSignature(from, msgType, messageID, to string, timestamp int64, nonceB64, ciphertextB64, sigB64 string) *protocol.Error
}

// Dispatcher owns the persist-then-deliver fanout.
type Dispatcher struct {
	pending     *storage.PendingStore
	identities  *storage.IdentityStore
	groups      *storage.GroupStore
	attachments *storage.AttachmentStore
	registry    Registry
	verifier    SigVerifier
	notifier    push.Notifier
	metrics     *metrics.Registry
	log         *slog.Logger
	now         func() time.Time
}

type Deps struct {
	Pending     *storage.PendingStore
	Identities  *storage.IdentityStore
	Groups      *storage.GroupStore
	Attachments *storage.AttachmentStore
	Registry    Registry
	Verifier    SigVerifier
	Notifier    push.Notifier
	Metrics     *metrics.Registry
	Log         *slog.Logger
}

func New(d Deps) *Dispatcher {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		pending:     d.Pending,
		identities:  d.Identities,
		groups:      d.Groups,
		attachments: d.Attachments,
		registry:    d.Registry,
		verifier:    d.Verifier,
		notifier:    d.Notifier,
		metrics:     d.Metrics,
		log:         log,
		now:         time.Now,
	}
}

// SendDirect queues one validated envelope and attempts live delivery.
// The returned ack means "durably queued"; it is sent even when the
// recipient is online. Duplicate messageIds ack again without a second
// queue row.
func (d *Dispatcher) SendDirect(ctx context.Context, p *protocol.SignedPayload) (protocol.MessageAcceptedPayload, *protocol.Error) {
	env := envelopeFromPayload(p, p.To, p.Nonce, p.Ciphertext, p.Sig)

	inserted, err := d.pending.Enqueue(env)
	if err != nil {
		d.log.Error("pending enqueue failed", "error", err)
		return protocol.MessageAcceptedPayload{}, protocol.NewError(protocol.CodeInternalError, "could not queue message")
	}
	if inserted {
		d.countQueued()
		d.grantAttachment(p, p.To)
		d.deliverOrNotify(ctx, env)
	}

	return protocol.MessageAcceptedPayload{
		MessageID: p.MessageID,
		Status:    StatusSent,
		Timestamp: d.now().UnixMilli(),
	}, nil
}

// SendGroup fans one group message out to every listed member. The
// fanout list must cover every member other than the sender. Each
// entry carries its own nonce, ciphertext, and signature and is
// verified and queued independently; one bad entry never blocks the
// rest. Entries for non-members are dropped.
func (d *Dispatcher) SendGroup(ctx context.Context, p *protocol.SignedPayload) (protocol.MessageAcceptedPayload, *protocol.Error) {
	var entries []protocol.GroupRecipientEntry
	if err := json.Unmarshal(p.Recipients, &entries); err != nil {
		return protocol.MessageAcceptedPayload{}, protocol.NewError(protocol.CodeInvalidPayload, "recipients list is malformed")
	}
	if len(entries) == 0 {
		return protocol.MessageAcceptedPayload{}, protocol.NewError(protocol.CodeInvalidPayload, "recipients list is empty")
	}

	memberList, err := d.groups.Members(p.GroupID)
	if err != nil {
		return protocol.MessageAcceptedPayload{}, protocol.NewError(protocol.CodeNotFound, "group not found")
	}
	members := make(map[string]struct{}, len(memberList))
	for _, m := range memberList {
		members[m] = struct{}{}
	}
	covered := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		covered[entry.To] = struct{}{}
	}
	// Every member must be addressed; a sender cannot silently carve
	// recipients out of the group.
	for _, m := range memberList {
		if m == p.From {
			continue
		}
		if _, ok := covered[m]; !ok {
			return protocol.MessageAcceptedPayload{}, protocol.NewError(protocol.CodeInvalidPayload, "fanout list is missing a group member")
		}
	}

	queued := 0
	for _, entry := range entries {
		if entry.To == p.From {
			continue
		}
		if _, ok := members[entry.To]; !ok {
			d.log.Warn("group fanout entry for non-member dropped", "group_id", p.GroupID, "to", entry.To)
			continue
		}
		if perr := d.verifier.VerifyEnvelopeSignature(p.From, p.MsgType, p.MessageID, entry.To, p.Timestamp, entry.Nonce, entry.Ciphertext, entry.Sig); perr != nil {
			d.log.Warn("group fanout entry rejected", "group_id", p.GroupID, "to", entry.To, "code", string(perr.Code))
			continue
		}
		env := envelopeFromPayload(p, entry.To, entry.Nonce, entry.Ciphertext, entry.Sig)
		inserted, err := d.pending.Enqueue(env)
		if err != nil {
			d.log.Error("group fanout enqueue failed", "group_id", p.GroupID, "error", err)
			continue
		}
		if inserted {
			queued++
			d.countQueued()
			d.grantAttachment(p, entry.To)
			d.deliverOrNotify(ctx, env)
		}
	}

	if queued == 0 && len(entries) > 0 {
		d.log.Warn("group fanout queued nothing", "group_id", p.GroupID, "entries", len(entries))
	}
	return protocol.MessageAcceptedPayload{
		MessageID: p.MessageID,
		Status:    StatusSent,
		Timestamp: d.now().UnixMilli(),
	}, nil
}

// HandleReceipt processes a delivery_receipt from the recipient:
// removes the queue row and forwards message_delivered to the
// original sender's live connection. Receipts are idempotent.
func (d *Dispatcher) HandleReceipt(recipient string, r protocol.DeliveryReceiptPayload) *protocol.Error {
	if r.MessageID == "" || !protocol.ValidWhisperID(r.To) {
		return protocol.NewError(protocol.CodeInvalidPayload, "receipt requires messageId and to")
	}
	if r.Status != "delivered" && r.Status != "read" {
		return protocol.NewError(protocol.CodeInvalidPayload, "receipt status must be delivered or read")
	}

	// A read receipt only routes; the queue row was already removed by
	// the delivered receipt that preceded it.
	if r.Status == "delivered" {
		removed, err := d.pending.Ack(recipient, r.MessageID)
		if err != nil {
			d.log.Error("pending ack failed", "error", err)
			return protocol.NewError(protocol.CodeInternalError, "could not ack message")
		}
		if removed && d.metrics != nil {
			d.metrics.EnvelopeDelivered()
		}
	}

	forward := protocol.DeliveryReceiptPayload{
		MessageID: r.MessageID,
		From:      recipient,
		To:        r.To,
		Status:    r.Status,
		Timestamp: d.now().UnixMilli(),
	}
	frame, err := protocol.MarshalFrame(protocol.TypeMessageDelivered, "", forward)
	if err != nil {
		return protocol.NewError(protocol.CodeInternalError, "could not encode receipt")
	}
	// Receipts are advisory; if the sender is offline the pending
	// queue row is already gone and the receipt is dropped.
	d.registry.Deliver(r.To, frame)
	return nil
}

// FetchPending returns one page of the recipient's queue.
func (d *Dispatcher) FetchPending(recipient, cursor string, limit int) (protocol.PendingMessagesPayload, *protocol.Error) {
	envs, next, err := d.pending.Fetch(recipient, cursor, limit)
	if err == storage.ErrBadCursor {
		return protocol.PendingMessagesPayload{}, protocol.NewError(protocol.CodeInvalidPayload, "invalid cursor")
	}
	if err != nil {
		return protocol.PendingMessagesPayload{}, protocol.NewError(protocol.CodeInternalError, "could not read queue")
	}

	out := protocol.PendingMessagesPayload{
		Messages:   make([]json.RawMessage, 0, len(envs)),
		NextCursor: next,
	}
	for _, env := range envs {
		raw, err := json.Marshal(wireEnvelope(env))
		if err != nil {
			continue
		}
		out.Messages = append(out.Messages, raw)
	}
	return out, nil
}

// RouteEphemeral forwards presence and typing frames to a live
// recipient. These are never queued and vanish when the recipient is
// offline.
func (d *Dispatcher) RouteEphemeral(frameType string, p protocol.PresencePayload) {
	p.SessionToken = ""
	p.Timestamp = d.now().UnixMilli()
	frame, err := protocol.MarshalFrame(frameType, "", p)
	if err != nil {
		return
	}
	d.registry.Deliver(p.To, frame)
}

func (d *Dispatcher) deliverOrNotify(ctx context.Context, env models.Envelope) {
	frame, err := protocol.MarshalFrame(protocol.TypeMessageReceived, "", wireEnvelope(env))
	if err != nil {
		d.log.Error("envelope encode failed", "error", err)
		return
	}
	if d.registry.Deliver(env.To, frame) {
		return
	}
	d.notifyOffline(ctx, env.To, push.KindMessage, "")
}

func (d *Dispatcher) notifyOffline(ctx context.Context, whisperID string, kind push.Kind, callID string) {
	if d.notifier == nil {
		return
	}
	devices := d.identities.DevicesFor(whisperID)
	if len(devices) == 0 {
		return
	}
	device := devices[0]
	if device.PushToken == "" && device.VoipToken == "" {
		return
	}
	err := d.notifier.Notify(ctx, push.Notification{
		Kind:      kind,
		WhisperID: whisperID,
		DeviceID:  device.DeviceID,
		PushToken: device.PushToken,
		VoipToken: device.VoipToken,
		CallID:    callID,
	})
	if err != nil {
		d.log.Warn("push notify failed", "whisper_id", whisperID, "error", err)
	}
}

// NotifyCall wakes an offline callee through the voip channel.
func (d *Dispatcher) NotifyCall(ctx context.Context, callee, callID string) {
	d.notifyOffline(ctx, callee, push.KindCall, callID)
}

func (d *Dispatcher) countQueued() {
	if d.metrics != nil {
		d.metrics.EnvelopeQueued()
	}
}

func (d *Dispatcher) grantAttachment(p *protocol.SignedPayload, recipient string) {
	if d.attachments == nil || len(p.Attachment) == 0 {
		return
	}
	var att models.Attachment
	if err := json.Unmarshal(p.Attachment, &att); err != nil || att.ObjectKey == "" {
		return
	}
	expires := d.now().Add(storage.AttachmentTTL)
	if err := d.attachments.Grant(att.ObjectKey, p.From, recipient, expires); err != nil {
		d.log.Warn("attachment grant failed", "object_key", att.ObjectKey, "error", err)
	}
}

func envelopeFromPayload(p *protocol.SignedPayload, to, nonce, ciphertext, sig string) models.Envelope {
	env := models.Envelope{
		MessageID:  p.MessageID,
		From:       p.From,
		To:         to,
		MsgType:    p.MsgType,
		Timestamp:  p.Timestamp,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Sig:        sig,
		ReplyTo:    p.ReplyTo,
		GroupID:    p.GroupID,
	}
	if len(p.Attachment) > 0 {
		var att models.Attachment
		if err := json.Unmarshal(p.Attachment, &att); err == nil && att.ObjectKey != "" {
			env.Attachment = &att
		}
	}
	return env
}

func wireEnvelope(env models.Envelope) protocol.MessageReceivedPayload {
	out := protocol.MessageReceivedPayload{
		MessageID:  env.MessageID,
		From:       env.From,
		To:         env.To,
		GroupID:    env.GroupID,
		MsgType:    env.MsgType,
		Timestamp:  env.Timestamp,
		Nonce:      env.Nonce,
		Ciphertext: env.Ciphertext,
		Sig:        env.Sig,
		ReplyTo:    env.ReplyTo,
	}
	if env.Attachment != nil {
		if raw, err := json.Marshal(env.Attachment); err == nil {
			out.Attachment = raw
		}
	}
	return out
}
