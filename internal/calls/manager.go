// Package calls holds ephemeral signaling state. A call lives in
// memory only: ringing, connected, ended. SDP and ICE bodies stay
// encrypted end to end; the relay routes them between exactly two
// participants and enforces the ring timeout.
package calls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"whisper2/go-server/internal/protocol"
	"whisper2/go-server/pkg/models"
)

// DefaultRingTimeout ends an unanswered call.
const DefaultRingTimeout = 60 * time.Second

// End reasons carried on call_ended.
const (
	ReasonHangup   = "hangup"
	ReasonDeclined = "declined"
	ReasonTimeout  = "timeout"
	ReasonBusy     = "busy"
)

// Registry is the live-delivery surface, implemented by the gateway.
type Registry interface {
	Deliver(whisperID string, frame []byte) bool
}

// VoipNotifier wakes an offline callee; the dispatcher implements it.
type VoipNotifier interface {
	NotifyCall(ctx context.Context, callee, callID string)
}

type call struct {
	session models.CallSession
	timer   *time.Timer
}

// Manager tracks active signaling sessions keyed by callId.
type Manager struct {
	mu          sync.Mutex
	calls       map[string]*call
	registry    Registry
	notifier    VoipNotifier
	ringTimeout time.Duration
	now         func() time.Time
	log         *slog.Logger
}

func NewManager(registry Registry, notifier VoipNotifier, ringTimeout time.Duration, log *slog.Logger) *Manager {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		calls:       make(map[string]*call),
		registry:    registry,
		notifier:    notifier,
		ringTimeout: ringTimeout,
		now:         time.Now,
		log:         log,
	}
}

// Initiate starts a call from a validated call_initiate frame. The
// callee gets call_incoming, the caller gets call_ringing, and the
// ring timer starts. A second initiate with a live callId is rejected.
func (m *Manager) Initiate(ctx context.Context, p *protocol.SignedPayload) *protocol.Error {
	if p.CallID == "" {
		return protocol.NewError(protocol.CodeInvalidPayload, "callId is required")
	}

	m.mu.Lock()
	if existing, ok := m.calls[p.CallID]; ok && existing.session.State != models.CallEnded {
		m.mu.Unlock()
		return protocol.NewError(protocol.CodeInvalidPayload, "callId already active")
	}
	now := m.now().UTC()
	c := &call{
		session: models.CallSession{
			CallID:       p.CallID,
			Caller:       p.From,
			Callee:       p.To,
			State:        models.CallRinging,
			CreatedAt:    now,
			LastActivity: now,
		},
	}
	callID := p.CallID
	c.timer = time.AfterFunc(m.ringTimeout, func() { m.expire(callID) })
	m.calls[p.CallID] = c
	m.mu.Unlock()

	delivered := m.send(p.To, protocol.TypeCallIncoming, protocol.CallEventPayload{
		CallID:     p.CallID,
		From:       p.From,
		To:         p.To,
		Timestamp:  now.UnixMilli(),
		Nonce:      p.Nonce,
		Ciphertext: p.Ciphertext,
		Sig:        p.Sig,
	})
	if !delivered && m.notifier != nil {
		m.notifier.NotifyCall(ctx, p.To, p.CallID)
	}

	m.send(p.From, protocol.TypeCallRinging, protocol.CallEventPayload{
		CallID:    p.CallID,
		From:      p.To,
		To:        p.From,
		Timestamp: now.UnixMilli(),
	})
	return nil
}

// Answer moves a ringing call to connected. Only the callee may
// answer; the caller gets call_answered with the encrypted SDP answer.
func (m *Manager) Answer(p *protocol.SignedPayload) *protocol.Error {
	m.mu.Lock()
	c, perr := m.liveParticipantLocked(p.CallID, p.From)
	if perr != nil {
		m.mu.Unlock()
		return perr
	}
	if p.From != c.session.Callee {
		m.mu.Unlock()
		return protocol.NewError(protocol.CodeForbidden, "only the callee may answer")
	}
	if c.session.State != models.CallRinging {
		m.mu.Unlock()
		return protocol.NewError(protocol.CodeInvalidPayload, "call is not ringing")
	}
	c.session.State = models.CallConnected
	c.session.LastActivity = m.now().UTC()
	stopTimerLocked(c)
	caller := c.session.Caller
	m.mu.Unlock()

	m.send(caller, protocol.TypeCallAnswered, protocol.CallEventPayload{
		CallID:     p.CallID,
		From:       p.From,
		To:         caller,
		Timestamp:  m.now().UnixMilli(),
		Nonce:      p.Nonce,
		Ciphertext: p.Ciphertext,
		Sig:        p.Sig,
	})
	return nil
}

// Candidate relays one encrypted ICE candidate to the other
// participant. Valid only while the call is ringing or connected.
func (m *Manager) Candidate(p *protocol.SignedPayload) *protocol.Error {
	m.mu.Lock()
	c, perr := m.liveParticipantLocked(p.CallID, p.From)
	if perr != nil {
		m.mu.Unlock()
		return perr
	}
	peer := peerOf(c.session, p.From)
	c.session.LastActivity = m.now().UTC()
	m.mu.Unlock()

	m.send(peer, protocol.TypeCallICECandidate, protocol.CallEventPayload{
		CallID:     p.CallID,
		From:       p.From,
		To:         peer,
		Timestamp:  m.now().UnixMilli(),
		Nonce:      p.Nonce,
		Ciphertext: p.Ciphertext,
		Sig:        p.Sig,
	})
	return nil
}

// End terminates a call from either participant. Ending an already
// ended call is a no-op.
func (m *Manager) End(p *protocol.SignedPayload) *protocol.Error {
	reason := p.Reason
	if reason == "" {
		reason = ReasonHangup
	}

	m.mu.Lock()
	c, ok := m.calls[p.CallID]
	if !ok {
		m.mu.Unlock()
		return protocol.NewError(protocol.CodeNotFound, "call not found")
	}
	if p.From != c.session.Caller && p.From != c.session.Callee {
		m.mu.Unlock()
		return protocol.NewError(protocol.CodeForbidden, "not a call participant")
	}
	if c.session.State == models.CallEnded {
		m.mu.Unlock()
		return nil
	}
	peer := peerOf(c.session, p.From)
	m.endLocked(c, reason)
	m.mu.Unlock()

	m.send(peer, protocol.TypeCallEnded, protocol.CallEventPayload{
		CallID:    p.CallID,
		From:      p.From,
		To:        peer,
		Timestamp: m.now().UnixMilli(),
		Reason:    reason,
	})
	return nil
}

// EndAllFor terminates every live call a participant is in. Used when
// the identity is banned or its device is replaced.
func (m *Manager) EndAllFor(whisperID, reason string) {
	type ended struct {
		callID string
		peer   string
	}
	var out []ended

	m.mu.Lock()
	for id, c := range m.calls {
		if c.session.State == models.CallEnded {
			continue
		}
		if c.session.Caller != whisperID && c.session.Callee != whisperID {
			continue
		}
		m.endLocked(c, reason)
		out = append(out, ended{callID: id, peer: peerOf(c.session, whisperID)})
	}
	m.mu.Unlock()

	for _, e := range out {
		m.send(e.peer, protocol.TypeCallEnded, protocol.CallEventPayload{
			CallID:    e.callID,
			From:      whisperID,
			To:        e.peer,
			Timestamp: m.now().UnixMilli(),
			Reason:    reason,
		})
	}
}

// Lookup returns a copy of the call session.
func (m *Manager) Lookup(callID string) (models.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return models.CallSession{}, false
	}
	return c.session, true
}

// ActiveCount reports calls in ringing or connected state.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.session.State != models.CallEnded {
			count++
		}
	}
	return count
}

// Sweep drops ended calls older than cutoff so the map stays bounded.
func (m *Manager) Sweep(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, c := range m.calls {
		if c.session.State == models.CallEnded && c.session.LastActivity.Before(cutoff) {
			delete(m.calls, id)
			removed++
		}
	}
	return removed
}

// expire fires from the ring timer: an unanswered call ends with
// reason timeout on both sides.
func (m *Manager) expire(callID string) {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok || c.session.State != models.CallRinging {
		m.mu.Unlock()
		return
	}
	m.endLocked(c, ReasonTimeout)
	caller, callee := c.session.Caller, c.session.Callee
	m.mu.Unlock()

	ts := m.now().UnixMilli()
	m.send(caller, protocol.TypeCallEnded, protocol.CallEventPayload{
		CallID: callID, From: callee, To: caller, Timestamp: ts, Reason: ReasonTimeout,
	})
	m.send(callee, protocol.TypeCallEnded, protocol.CallEventPayload{
		CallID: callID, From: caller, To: callee, Timestamp: ts, Reason: ReasonTimeout,
	})
}

func (m *Manager) endLocked(c *call, reason string) {
	c.session.State = models.CallEnded
	c.session.EndReason = reason
	c.session.LastActivity = m.now().UTC()
	stopTimerLocked(c)
}

func (m *Manager) liveParticipantLocked(callID, from string) (*call, *protocol.Error) {
	c, ok := m.calls[callID]
	if !ok {
		return nil, protocol.NewError(protocol.CodeNotFound, "call not found")
	}
	if from != c.session.Caller && from != c.session.Callee {
		return nil, protocol.NewError(protocol.CodeForbidden, "not a call participant")
	}
	if c.session.State == models.CallEnded {
		return nil, protocol.NewError(protocol.CodeInvalidPayload, "call already ended")
	}
	return c, nil
}

func (m *Manager) send(whisperID, frameType string, payload protocol.CallEventPayload) bool {
	frame, err := protocol.MarshalFrame(frameType, "", payload)
	if err != nil {
		m.log.Error("call event encode failed", "error", err)
		return false
	}
	return m.registry.Deliver(whisperID, frame)
}

func stopTimerLocked(c *call) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func peerOf(s models.CallSession, whisperID string) string {
	if whisperID == s.Caller {
		return s.Callee
	}
	return s.Caller
}
