// Package validator runs every signed frame through the fixed
// acceptance pipeline before it reaches the dispatcher. Checks run in
// order and the first failure wins; nothing is enqueued or routed for
// a frame that fails any step.
package validator

import (
	"regexp"
	"time"

	"whisper2/go-server/internal/platform/ratelimiter"
	"whisper2/go-server/internal/protocol"
	"whisper2/go-server/internal/session"
	"whisper2/go-server/internal/storage"
	"whisper2/go-server/pkg/models"
)

// MaxClockSkew bounds |serverNow - payload.timestamp|. A frame at
// exactly the bound is accepted.
const MaxClockSkew = 10 * time.Minute

const (
	// NonceLen is the decoded length of the envelope nonce.
	NonceLen = 24
	// SigLen is the decoded length of an Ed25519 signature.
	SigLen = 64
)

var messageIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// Validator checks signed payloads against the relay's stores.
type Validator struct {
	identities *storage.IdentityStore
	sessions   *session.Store
	groups     *storage.GroupStore
	limiter    *ratelimiter.MapLimiter
	now        func() time.Time
}

func New(identities *storage.IdentityStore, sessions *session.Store, groups *storage.GroupStore, limiter *ratelimiter.MapLimiter) *Validator {
	return &Validator{
		identities: identities,
		sessions:   sessions,
		groups:     groups,
		limiter:    limiter,
		now:        time.Now,
	}
}

// Validate runs the full pipeline for one signed frame. frameType
// picks between direct and group recipient rules; remoteIP feeds the
// rate limit key. On success the resolved session is returned.
func (v *Validator) Validate(frameType, remoteIP string, p *protocol.SignedPayload) (models.Session, *protocol.Error) {
	if perr := checkShape(frameType, p); perr != nil {
		return models.Session{}, perr
	}
	if p.ProtocolVersion != protocol.ProtocolVersion || p.CryptoVersion != protocol.CryptoVersion {
		return models.Session{}, protocol.NewError(protocol.CodeInvalidPayload,
			"unsupported protocol version %d/%d", p.ProtocolVersion, p.CryptoVersion)
	}

	sess, perr := v.ResolveSession(p.SessionToken)
	if perr != nil {
		return models.Session{}, perr
	}
	if p.From != sess.WhisperID {
		return models.Session{}, protocol.NewError(protocol.CodeForbidden, "sender does not match session identity")
	}

	now := v.now()
	if skew := now.UnixMilli() - p.Timestamp; skew > int64(MaxClockSkew/time.Millisecond) || -skew > int64(MaxClockSkew/time.Millisecond) {
		return models.Session{}, protocol.NewError(protocol.CodeInvalidTimestamp, "timestamp outside acceptance window")
	}

	if perr := v.checkRecipient(frameType, p); perr != nil {
		return models.Session{}, perr
	}

	if frameType != protocol.TypeGroupSendMessage {
		if perr := v.VerifyEnvelopeSignature(p.From, p.MsgType, p.MessageID, p.To, p.Timestamp, p.Nonce, p.Ciphertext, p.Sig); perr != nil {
			return models.Session{}, perr
		}
	}

	key := ratelimiter.Key(remoteIP, sess.WhisperID, frameType)
	if !v.limiter.Allow(key, now) {
		perr := protocol.NewError(protocol.CodeRateLimited, "rate limit exceeded")
		if delay := v.limiter.RetryAfter(key, now); delay > 0 {
			perr.RetryAfter = int64(delay / time.Millisecond)
		}
		return models.Session{}, perr
	}

	return sess, nil
}

// ResolveSession maps a token onto a live session, translating store
// errors into wire codes.
func (v *Validator) ResolveSession(token string) (models.Session, *protocol.Error) {
	if token == "" {
		return models.Session{}, protocol.NewError(protocol.CodeAuthFailed, "missing session token")
	}
	sess, err := v.sessions.Resolve(token)
	switch err {
	case nil:
		return sess, nil
	case session.ErrIdentityBanned:
		return models.Session{}, protocol.NewError(protocol.CodeUserBanned, "identity is banned")
	default:
		return models.Session{}, protocol.NewError(protocol.CodeAuthFailed, "session invalid or expired")
	}
}

// VerifyEnvelopeSignature checks one envelope's Ed25519 signature over
// the canonical form, using the sender's registered signing key.
func (v *Validator) VerifyEnvelopeSignature(from, msgType, messageID, to string, timestamp int64, nonceB64, ciphertextB64, sigB64 string) *protocol.Error {
	sender, ok := v.identities.Lookup(from)
	if !ok {
		return protocol.NewError(protocol.CodeNotRegistered, "sender identity not registered")
	}
	if _, err := protocol.DecodeBase64Field(nonceB64, NonceLen); err != nil {
		return protocol.NewError(protocol.CodeInvalidPayload, "nonce must decode to %d bytes", NonceLen)
	}
	if _, err := protocol.DecodeBase64Field(ciphertextB64, 0); err != nil {
		return protocol.NewError(protocol.CodeInvalidPayload, "ciphertext is not valid base64")
	}
	sig, err := protocol.DecodeBase64Field(sigB64, SigLen)
	if err != nil {
		return protocol.NewError(protocol.CodeInvalidPayload, "signature must decode to %d bytes", SigLen)
	}
	canonical := protocol.CanonicalBytes(msgType, messageID, from, to, timestamp, nonceB64, ciphertextB64)
	if err := protocol.VerifyCanonical(sender.SignPublicKey, canonical, sig); err != nil {
		return protocol.NewError(protocol.CodeAuthFailed, "envelope signature verification failed")
	}
	return nil
}

func checkShape(frameType string, p *protocol.SignedPayload) *protocol.Error {
	if p == nil {
		return protocol.NewError(protocol.CodeInvalidPayload, "missing payload")
	}
	if !messageIDPattern.MatchString(p.MessageID) {
		return protocol.NewError(protocol.CodeInvalidPayload, "messageId is malformed")
	}
	if !protocol.ValidWhisperID(p.From) {
		return protocol.NewError(protocol.CodeInvalidPayload, "from is not a valid WhisperID")
	}
	if p.Timestamp <= 0 {
		return protocol.NewError(protocol.CodeInvalidPayload, "timestamp is required")
	}
	if frameType == protocol.TypeGroupSendMessage {
		if p.GroupID == "" {
			return protocol.NewError(protocol.CodeInvalidPayload, "groupId is required")
		}
		if len(p.Recipients) == 0 {
			return protocol.NewError(protocol.CodeInvalidPayload, "recipients list is required")
		}
		return nil
	}
	if !protocol.ValidWhisperID(p.To) {
		return protocol.NewError(protocol.CodeInvalidPayload, "to is not a valid WhisperID")
	}
	if p.Nonce == "" || p.Ciphertext == "" || p.Sig == "" {
		return protocol.NewError(protocol.CodeInvalidPayload, "nonce, ciphertext, and sig are required")
	}
	if isCallFrame(frameType) {
		if p.CallID == "" {
			return protocol.NewError(protocol.CodeInvalidPayload, "callId is required")
		}
		return nil
	}
	if !validMsgType(p.MsgType) {
		return protocol.NewError(protocol.CodeInvalidPayload, "unknown msgType %q", p.MsgType)
	}
	return nil
}

func isCallFrame(frameType string) bool {
	switch frameType {
	case protocol.TypeCallInitiate, protocol.TypeCallAnswer, protocol.TypeCallICECandidate, protocol.TypeCallEnd:
		return true
	}
	return false
}

func (v *Validator) checkRecipient(frameType string, p *protocol.SignedPayload) *protocol.Error {
	if frameType == protocol.TypeGroupSendMessage {
		if _, ok := v.groups.RoleOf(p.GroupID, p.From); !ok {
			if _, exists := v.groups.Get(p.GroupID); !exists {
				return protocol.NewError(protocol.CodeNotFound, "group not found")
			}
			return protocol.NewError(protocol.CodeForbidden, "sender is not a group member")
		}
		return nil
	}
	recipient, ok := v.identities.Lookup(p.To)
	if !ok {
		return protocol.NewError(protocol.CodeNotFound, "recipient not registered")
	}
	if recipient.Status == models.IdentityBanned {
		return protocol.NewError(protocol.CodeForbidden, "recipient unavailable")
	}
	return nil
}

func validMsgType(t string) bool {
	switch t {
	case protocol.MsgTypeText, protocol.MsgTypeImage, protocol.MsgTypeVoice, protocol.MsgTypeFile, protocol.MsgTypeSystem:
		return true
	}
	return false
}
