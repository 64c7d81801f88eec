// Package gateway is the relay's WebSocket front door: it upgrades
// connections, runs the registration handshake, and routes every
// authenticated frame to the validator, dispatcher, and call manager.
package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"whisper2/go-server/internal/calls"
	"whisper2/go-server/internal/dispatch"
	"whisper2/go-server/internal/metrics"
	"whisper2/go-server/internal/protocol"
	"whisper2/go-server/internal/session"
	"whisper2/go-server/internal/storage"
	"whisper2/go-server/internal/validator"
	"whisper2/go-server/pkg/models"
)

// maxFrameBytes bounds a single inbound frame. Large enough for a
// full group fanout with attachments, small enough to stop abuse.
const maxFrameBytes = 1 << 20

// Server wires one WebSocket endpoint to the relay's services.
type Server struct {
	Hub        *Hub
	Identities *storage.IdentityStore
	Sessions   *session.Store
	Challenges *session.ChallengeStore
	Groups     *storage.GroupStore
	Validator  *validator.Validator
	Dispatcher *dispatch.Dispatcher
	Calls      *calls.Manager
	Metrics    *metrics.Registry
	Log        *slog.Logger

	SessionTTL       time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	SendQueueDepth   int

	initOnce sync.Once
	upgrader websocket.Upgrader
}

func (s *Server) init() {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = 30 * time.Second
	}
	if s.PongTimeout <= 0 {
		s.PongTimeout = 60 * time.Second
	}
	if s.PingInterval <= 0 {
		s.PingInterval = s.PongTimeout / 2
	}
	if s.SessionTTL <= 0 {
		s.SessionTTL = session.DefaultTTL
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Native clients do not send browser origins.
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// HandleWS upgrades and serves one connection until it closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	s.initOnce.Do(s.init)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ip, _, splitErr := net.SplitHostPort(r.RemoteAddr)
	if splitErr != nil {
		ip = r.RemoteAddr
	}
	c := newConn(ws, s.SendQueueDepth, ip)
	s.Hub.TrackOpen()
	defer s.Hub.TrackClosed()
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.PongTimeout))
	})
	go c.writePump(s.PingInterval)

	authTimer := time.AfterFunc(s.HandshakeTimeout, func() {
		if c.currentState() != stateAuthenticated {
			c.closeWithError(protocol.NewError(protocol.CodeAuthFailed, "registration deadline exceeded"))
		}
	})
	defer authTimer.Stop()

	ws.SetReadLimit(maxFrameBytes)
	defer func() {
		if sess, ok := c.session(); ok {
			s.Hub.Unregister(sess.WhisperID, c)
		}
		c.close()
	}()

	ctx := r.Context()
	for {
		_ = ws.SetReadDeadline(time.Now().Add(s.PongTimeout))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError(protocol.NewError(protocol.CodeInvalidPayload, "frame is not valid JSON"))
			continue
		}
		if closed := s.route(ctx, c, authTimer, &frame); closed {
			return
		}
	}
}

// route handles one frame; returns true when the connection must end.
func (s *Server) route(ctx context.Context, c *Conn, authTimer *time.Timer, frame *protocol.Frame) bool {
	switch frame.Type {
	case protocol.TypePing:
		c.sendFrame(protocol.TypePong, frame.RequestID, protocol.PongPayload{ServerTime: time.Now().UnixMilli()})
		return false
	case protocol.TypeRegisterBegin:
		s.handleRegisterBegin(c, frame)
		return false
	case protocol.TypeRegisterProof:
		return s.handleRegisterProof(c, authTimer, frame)
	}

	if c.currentState() != stateAuthenticated {
		c.sendError(protocol.NewError(protocol.CodeNotRegistered, "frame requires a registered session").WithRequestID(frame.RequestID))
		return false
	}

	switch frame.Type {
	case protocol.TypeSendMessage, protocol.TypeGroupSendMessage:
		return s.handleSend(ctx, c, frame)
	case protocol.TypeDeliveryReceipt:
		return s.handleReceipt(c, frame)
	case protocol.TypeFetchPending:
		return s.handleFetchPending(c, frame)
	case protocol.TypeSessionRefresh:
		return s.handleSessionRefresh(c, frame)
	case protocol.TypeLogout:
		s.handleLogout(c, frame)
		return true
	case protocol.TypeUpdateTokens:
		return s.handleUpdateTokens(c, frame)
	case protocol.TypePresenceUpdate, protocol.TypeTyping:
		return s.handleEphemeral(c, frame)
	case protocol.TypeGroupCreate:
		return s.handleGroupCreate(c, frame)
	case protocol.TypeGroupUpdate:
		return s.handleGroupUpdate(c, frame)
	case protocol.TypeCallInitiate, protocol.TypeCallAnswer, protocol.TypeCallICECandidate, protocol.TypeCallEnd:
		return s.handleCall(ctx, c, frame)
	default:
		c.sendError(protocol.NewError(protocol.CodeInvalidPayload, "unknown frame type %q", frame.Type).WithRequestID(frame.RequestID))
		return false
	}
}

func (s *Server) handleRegisterBegin(c *Conn, frame *protocol.Frame) {
	if c.currentState() != stateConnected {
		c.sendError(protocol.NewError(protocol.CodeInvalidPayload, "handshake already in progress").WithRequestID(frame.RequestID))
		return
	}
	var p protocol.RegisterBeginPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.sendError(protocol.NewError(protocol.CodeInvalidPayload, "malformed register_begin").WithRequestID(frame.RequestID))
		return
	}
	if p.ProtocolVersion != protocol.ProtocolVersion || p.CryptoVersion != protocol.CryptoVersion {
		c.sendError(protocol.NewError(protocol.CodeInvalidPayload, "unsupported protocol version").WithRequestID(frame.RequestID))
		return
	}
	if !protocol.ValidWhisperID(p.WhisperID) || p.DeviceID == "" {
		c.sendError(protocol.NewError(protocol.CodeInvalidPayload, "whisperId and deviceId are required").WithRequestID(frame.RequestID))
		return
	}
	signPub, err := protocol.DecodeBase64Field(p.SignPublicKey, ed25519.PublicKeySize)
	if err != nil {
		c.sendError(protocol.NewError(protocol.CodeInvalidPayload, "signPublicKey must decode to 32 bytes").WithRequestID(frame.RequestID))
		return
	}
	encPub, err := protocol.DecodeBase64Field(p.EncPublicKey, 32)
	if err != nil {
		c.sendError(protocol.NewError(protocol.CodeInvalidPayload, "encPublicKey must decode to 32 bytes").WithRequestID(frame.RequestID))
		return
	}
	if protocol.DeriveWhisperID(signPub) != p.WhisperID {
		c.sendError(protocol.NewError(protocol.CodeInvalidPayload, "whisperId does not match signing key").WithRequestID(frame.RequestID))
		return
	}

	// Nothing is persisted until the challenge proof verifies; a
	// handshake abandoned here leaves no identity behind. Known
	// identities are still screened so a stolen public key cannot
	// start a handshake it can never finish.
	if ident, ok := s.Identities.Lookup(p.WhisperID); ok {
		if ident.Status == models.IdentityBanned {
			c.closeWithError(protocol.NewError(protocol.CodeUserBanned, "identity is banned").WithRequestID(frame.RequestID))
			return
		}
		if !bytes.Equal(ident.SignPublicKey, signPub) {
			c.sendError(protocol.NewError(protocol.CodeAuthFailed, "whisperId is registered to a different key").WithRequestID(frame.RequestID))
			return
		}
	}

	challenge, err := s.Challenges.Issue(p.WhisperID, p.DeviceID)
	if err != nil {
		c.sendError(protocol.NewError(protocol.CodeInternalError, "could not issue challenge").WithRequestID(frame.RequestID))
		return
	}

	c.mu.Lock()
	c.state = stateChallenged
	c.pending = &pendingRegistration{
		whisperID:   p.WhisperID,
		deviceID:    p.DeviceID,
		platform:    p.Platform,
		challengeID: challenge.ChallengeID,
		signPub:     signPub,
		encPub:      encPub,
	}
	c.mu.Unlock()

	c.sendFrame(protocol.TypeRegisterChallenge, frame.RequestID, protocol.RegisterChallengePayload{
		ChallengeID: challenge.ChallengeID,
		Challenge:   base64.StdEncoding.EncodeToString(challenge.Bytes),
		ExpiresAt:   challenge.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) handleRegisterProof(c *Conn, authTimer *time.Timer, frame *protocol.Frame) bool {
	c.mu.Lock()
	pending := c.pending
	state := c.state
	c.mu.Unlock()
	if state != stateChallenged || pending == nil {
		c.sendError(protocol.NewError(protocol.CodeInvalidPayload, "no challenge in flight").WithRequestID(frame.RequestID))
		return false
	}

	var p protocol.RegisterProofPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.sendError(protocol.NewError(protocol.CodeInvalidPayload, "malformed register_proof").WithRequestID(frame.RequestID))
		return false
	}
	if p.ChallengeID != pending.challengeID {
		c.sendError(protocol.NewError(protocol.CodeAuthFailed, "challenge mismatch").WithRequestID(frame.RequestID))
		return false
	}

	challenge, err := s.Challenges.Consume(p.ChallengeID)
	if err != nil {
		c.sendError(protocol.NewError(protocol.CodeAuthFailed, "challenge expired or already used").WithRequestID(frame.RequestID))
		return false
	}
	if challenge.WhisperID != pending.whisperID || challenge.BoundDeviceID != pending.deviceID {
		c.sendError(protocol.NewError(protocol.CodeAuthFailed, "challenge bound to a different device").WithRequestID(frame.RequestID))
		return false
	}

	sig, err := protocol.DecodeBase64Field(p.Signature, ed25519.SignatureSize)
	if err != nil {
		c.sendError(protocol.NewError(protocol.CodeInvalidPayload, "signature must decode to 64 bytes").WithRequestID(frame.RequestID))
		return false
	}
	digest := sha256.Sum256(challenge.Bytes)
	if !ed25519.Verify(ed25519.PublicKey(pending.signPub), digest[:], sig) {
		c.sendError(protocol.NewError(protocol.CodeAuthFailed, "challenge proof verification failed").WithRequestID(frame.RequestID))
		return false
	}

	// The proof demonstrated possession of the signing key, so the
	// key triple may now be persisted. For a known identity this is a
	// no-op unless the signing key changed underneath the handshake.
	if err := s.Identities.CreateIdentity(pending.whisperID, pending.signPub, pending.encPub); err != nil {
		if err == storage.ErrKeyMismatch {
			c.sendError(protocol.NewError(protocol.CodeAuthFailed, "whisperId is registered to a different key").WithRequestID(frame.RequestID))
			return false
		}
		s.Log.Error("identity create failed", "error", err)
		c.sendError(protocol.NewError(protocol.CodeInternalError, "registration unavailable").WithRequestID(frame.RequestID))
		return false
	}
	if ident, ok := s.Identities.Lookup(pending.whisperID); !ok || ident.Status == models.IdentityBanned {
		c.closeWithError(protocol.NewError(protocol.CodeUserBanned, "identity is banned").WithRequestID(frame.RequestID))
		return true
	}

	// A fresh registration displaces every older device: sessions are
	// revoked and the old connection is told why before it closes.
	if revoked := s.Sessions.RevokeAllFor(pending.whisperID); revoked > 0 {
		s.Log.Info("sessions revoked by new device", "whisper_id", pending.whisperID, "count", revoked)
	}
	s.Hub.CloseFor(pending.whisperID, protocol.NewError(protocol.CodeAuthFailed, "session revoked by a new device registration"))
	s.Calls.EndAllFor(pending.whisperID, calls.ReasonHangup)

	if err := s.Identities.BindDevice(models.Device{
		WhisperID: pending.whisperID,
		DeviceID:  pending.deviceID,
		Platform:  pending.platform,
	}); err != nil {
		s.Log.Error("device bind failed", "error", err)
		c.sendError(protocol.NewError(protocol.CodeInternalError, "registration unavailable").WithRequestID(frame.RequestID))
		return false
	}

	sess, err := s.Sessions.Issue(pending.whisperID, pending.deviceID, s.SessionTTL)
	if err != nil {
		c.sendError(protocol.NewError(protocol.CodeInternalError, "could not issue session").WithRequestID(frame.RequestID))
		return false
	}

	c.mu.Lock()
	c.state = stateAuthenticated
	c.sess = sess
	c.pending = nil
	c.mu.Unlock()
	authTimer.Stop()
	s.Hub.Register(sess.WhisperID, c)

	c.sendFrame(protocol.TypeRegisterAck, frame.RequestID, protocol.RegisterAckPayload{
		Success:      true,
		WhisperID:    sess.WhisperID,
		SessionToken: sess.Token,
		ExpiresAt:    sess.ExpiresAt.UnixMilli(),
		ServerTime:   time.Now().UnixMilli(),
	})

	s.drainPending(c, sess.WhisperID)
	return false
}

// drainPending replays the whole queue to a freshly authenticated
// device, page by page, one message_received per envelope. Rows stay
// queued until the client acknowledges them with delivery receipts.
func (s *Server) drainPending(c *Conn, whisperID string) {
	cursor := ""
	for {
		page, perr := s.Dispatcher.FetchPending(whisperID, cursor, 0)
		if perr != nil {
			s.Log.Error("pending drain failed", "whisper_id", whisperID, "code", string(perr.Code))
			return
		}
		for _, raw := range page.Messages {
			if !c.sendFrame(protocol.TypeMessageReceived, "", raw) {
				return
			}
		}
		if page.NextCursor == "" {
			return
		}
		cursor = page.NextCursor
	}
}

func (s *Server) handleSend(ctx context.Context, c *Conn, frame *protocol.Frame) bool {
	var p protocol.SignedPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.reject(c, frame, protocol.NewError(protocol.CodeInvalidPayload, "malformed payload"))
		return false
	}
	_, perr := s.Validator.Validate(frame.Type, c.remoteIP, &p)
	if perr != nil {
		return s.reject(c, frame, perr)
	}
	if s.Metrics != nil {
		s.Metrics.FrameAccepted()
	}

	var ack protocol.MessageAcceptedPayload
	if frame.Type == protocol.TypeGroupSendMessage {
		ack, perr = s.Dispatcher.SendGroup(ctx, &p)
	} else {
		ack, perr = s.Dispatcher.SendDirect(ctx, &p)
	}
	if perr != nil {
		return s.reject(c, frame, perr)
	}
	c.sendFrame(protocol.TypeMessageAccepted, frame.RequestID, ack)
	return false
}

func (s *Server) handleReceipt(c *Conn, frame *protocol.Frame) bool {
	var p protocol.DeliveryReceiptPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.reject(c, frame, protocol.NewError(protocol.CodeInvalidPayload, "malformed receipt"))
		return false
	}
	sess, perr := s.resolve(c, p.SessionToken)
	if perr != nil {
		return s.reject(c, frame, perr)
	}
	if perr := s.Dispatcher.HandleReceipt(sess.WhisperID, p); perr != nil {
		return s.reject(c, frame, perr)
	}
	return false
}

func (s *Server) handleFetchPending(c *Conn, frame *protocol.Frame) bool {
	var p protocol.FetchPendingPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.reject(c, frame, protocol.NewError(protocol.CodeInvalidPayload, "malformed fetch_pending"))
		return false
	}
	sess, perr := s.resolve(c, p.SessionToken)
	if perr != nil {
		return s.reject(c, frame, perr)
	}
	page, perr := s.Dispatcher.FetchPending(sess.WhisperID, p.Cursor, p.Limit)
	if perr != nil {
		return s.reject(c, frame, perr)
	}
	c.sendFrame(protocol.TypePendingMessages, frame.RequestID, page)
	return false
}

func (s *Server) handleSessionRefresh(c *Conn, frame *protocol.Frame) bool {
	var p protocol.SessionPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.reject(c, frame, protocol.NewError(protocol.CodeInvalidPayload, "malformed session_refresh"))
		return false
	}
	rotated, err := s.Sessions.Refresh(p.SessionToken, s.SessionTTL)
	if err != nil {
		if err == session.ErrIdentityBanned {
			return s.reject(c, frame, protocol.NewError(protocol.CodeUserBanned, "identity is banned"))
		}
		return s.reject(c, frame, protocol.NewError(protocol.CodeAuthFailed, "session invalid or expired"))
	}
	c.mu.Lock()
	if c.sess.Token == p.SessionToken {
		c.sess = rotated
	}
	c.mu.Unlock()
	c.sendFrame(protocol.TypeSessionRefresh, frame.RequestID, protocol.SessionRefreshAck{
		SessionToken: rotated.Token,
		ExpiresAt:    rotated.ExpiresAt.UnixMilli(),
		ServerTime:   time.Now().UnixMilli(),
	})
	return false
}

func (s *Server) handleLogout(c *Conn, frame *protocol.Frame) {
	var p protocol.SessionPayload
	if err := json.Unmarshal(frame.Payload, &p); err == nil && p.SessionToken != "" {
		s.Sessions.Revoke(p.SessionToken)
	}
	if sess, ok := c.session(); ok {
		s.Hub.Unregister(sess.WhisperID, c)
	}
	c.close()
}

func (s *Server) handleUpdateTokens(c *Conn, frame *protocol.Frame) bool {
	var p protocol.UpdateTokensPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.reject(c, frame, protocol.NewError(protocol.CodeInvalidPayload, "malformed update_tokens"))
		return false
	}
	sess, perr := s.resolve(c, p.SessionToken)
	if perr != nil {
		return s.reject(c, frame, perr)
	}
	if err := s.Identities.UpdateTokens(sess.WhisperID, sess.DeviceID, p.PushToken, p.VoipToken); err != nil {
		return s.reject(c, frame, protocol.NewError(protocol.CodeNotFound, "device binding not found"))
	}
	return false
}

func (s *Server) handleEphemeral(c *Conn, frame *protocol.Frame) bool {
	var p protocol.PresencePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.reject(c, frame, protocol.NewError(protocol.CodeInvalidPayload, "malformed presence frame"))
		return false
	}
	sess, perr := s.resolve(c, p.SessionToken)
	if perr != nil {
		return s.reject(c, frame, perr)
	}
	if !protocol.ValidWhisperID(p.To) {
		s.reject(c, frame, protocol.NewError(protocol.CodeInvalidPayload, "to is not a valid WhisperID"))
		return false
	}
	p.From = sess.WhisperID
	s.Dispatcher.RouteEphemeral(frame.Type, p)
	return false
}

func (s *Server) handleGroupCreate(c *Conn, frame *protocol.Frame) bool {
	var p protocol.GroupCreatePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.reject(c, frame, protocol.NewError(protocol.CodeInvalidPayload, "malformed group_create"))
		return false
	}
	sess, perr := s.resolve(c, p.SessionToken)
	if perr != nil {
		return s.reject(c, frame, perr)
	}
	members := make([]string, 0, len(p.Members))
	for _, m := range p.Members {
		if !protocol.ValidWhisperID(m) {
			s.reject(c, frame, protocol.NewError(protocol.CodeInvalidPayload, "member is not a valid WhisperID"))
			return false
		}
		if _, ok := s.Identities.Lookup(m); !ok {
			s.reject(c, frame, protocol.NewError(protocol.CodeNotFound, "member not registered"))
			return false
		}
		members = append(members, m)
	}
	groupID := "grp-" + uuid.NewString()
	if _, err := s.Groups.Create(groupID, p.Name, sess.WhisperID, members); err != nil {
		s.Log.Error("group create failed", "error", err)
		s.reject(c, frame, protocol.NewError(protocol.CodeInternalError, "could not create group"))
		return false
	}
	c.sendFrame(protocol.TypeGroupCreate, frame.RequestID, protocol.GroupAckPayload{GroupID: groupID, Success: true})
	return false
}

func (s *Server) handleGroupUpdate(c *Conn, frame *protocol.Frame) bool {
	var p protocol.GroupUpdatePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.reject(c, frame, protocol.NewError(protocol.CodeInvalidPayload, "malformed group_update"))
		return false
	}
	sess, perr := s.resolve(c, p.SessionToken)
	if perr != nil {
		return s.reject(c, frame, perr)
	}
	if _, err := s.Groups.Update(p.GroupID, sess.WhisperID, p.Name, p.AddMembers, p.RemoveMembers); err != nil {
		switch err {
		case storage.ErrGroupNotFound:
			return s.reject(c, frame, protocol.NewError(protocol.CodeNotFound, "group not found"))
		case storage.ErrNotGroupMember:
			return s.reject(c, frame, protocol.NewError(protocol.CodeForbidden, "not a group member"))
		case storage.ErrNotGroupAdmin:
			return s.reject(c, frame, protocol.NewError(protocol.CodeForbidden, "membership changes require owner or admin"))
		default:
			s.Log.Error("group update failed", "error", err)
			return s.reject(c, frame, protocol.NewError(protocol.CodeInternalError, "could not update group"))
		}
	}
	c.sendFrame(protocol.TypeGroupUpdate, frame.RequestID, protocol.GroupAckPayload{GroupID: p.GroupID, Success: true})
	return false
}

func (s *Server) handleCall(ctx context.Context, c *Conn, frame *protocol.Frame) bool {
	var p protocol.SignedPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.reject(c, frame, protocol.NewError(protocol.CodeInvalidPayload, "malformed call frame"))
		return false
	}

	// Every call frame carries a full signed envelope and runs the
	// whole pipeline; the manager adds participant checks on top.
	_, perr := s.Validator.Validate(frame.Type, c.remoteIP, &p)
	if perr != nil {
		return s.reject(c, frame, perr)
	}
	if s.Metrics != nil {
		s.Metrics.FrameAccepted()
	}

	switch frame.Type {
	case protocol.TypeCallInitiate:
		perr = s.Calls.Initiate(ctx, &p)
	case protocol.TypeCallAnswer:
		perr = s.Calls.Answer(&p)
	case protocol.TypeCallICECandidate:
		perr = s.Calls.Candidate(&p)
	case protocol.TypeCallEnd:
		perr = s.Calls.End(&p)
	}
	if perr != nil {
		return s.reject(c, frame, perr)
	}
	return false
}

// resolve maps a frame token onto a live session and keeps the
// connection's cached session in sync.
func (s *Server) resolve(c *Conn, token string) (models.Session, *protocol.Error) {
	sess, perr := s.Validator.ResolveSession(token)
	if perr != nil {
		return models.Session{}, perr
	}
	if cached, ok := c.session(); ok && cached.WhisperID != sess.WhisperID {
		return models.Session{}, protocol.NewError(protocol.CodeAuthFailed, "token belongs to a different identity")
	}
	return sess, nil
}

// reject sends an error frame; a banned identity also loses the
// connection. Returns whether the connection ended.
func (s *Server) reject(c *Conn, frame *protocol.Frame, perr *protocol.Error) bool {
	if s.Metrics != nil {
		s.Metrics.FrameRejected(string(perr.Code))
	}
	perr = perr.WithRequestID(frame.RequestID)
	if perr.Code == protocol.CodeUserBanned {
		if sess, ok := c.session(); ok {
			s.Hub.Unregister(sess.WhisperID, c)
			s.Calls.EndAllFor(sess.WhisperID, calls.ReasonHangup)
		}
		c.closeWithError(perr)
		return true
	}
	c.sendError(perr)
	return false
}
