package protocol

import (
	"encoding/json"
)

// Protocol and crypto versions accepted by the validator. There is a
// single supported version of each; anything else is rejected.
const (
	ProtocolVersion = 1
	CryptoVersion   = 1
)

// Frame is the outer envelope of every WebSocket message in both
// directions: {"type": ..., "requestId"?: ..., "payload": {...}}.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Frame types. Signed frames carry a SignedPayload and traverse the
// full validator pipeline; the rest are session-gated only.
const (
	TypeRegisterBegin     = "register_begin"
	TypeRegisterChallenge = "register_challenge"
	TypeRegisterProof     = "register_proof"
	TypeRegisterAck       = "register_ack"
	TypeSessionRefresh    = "session_refresh"
	TypeLogout            = "logout"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeSendMessage       = "send_message"
	TypeMessageAccepted   = "message_accepted"
	TypeMessageReceived   = "message_received"
	TypeDeliveryReceipt   = "delivery_receipt"
	TypeMessageDelivered  = "message_delivered"
	TypeFetchPending      = "fetch_pending"
	TypePendingMessages   = "pending_messages"
	TypeGroupCreate       = "group_create"
	TypeGroupUpdate       = "group_update"
	TypeGroupSendMessage  = "group_send_message"
	TypeCallInitiate      = "call_initiate"
	TypeCallAnswer        = "call_answer"
	TypeCallICECandidate  = "call_ice_candidate"
	TypeCallEnd           = "call_end"
	TypeCallRinging       = "call_ringing"
	TypeCallIncoming      = "call_incoming"
	TypeCallAnswered      = "call_answered"
	TypeCallEnded         = "call_ended"
	TypeUpdateTokens      = "update_tokens"
	TypePresenceUpdate    = "presence_update"
	TypeTyping            = "typing"
	TypeError             = "error"
)

// Envelope message types carried in a send_message payload.
const (
	MsgTypeText   = "text"
	MsgTypeImage  = "image"
	MsgTypeVoice  = "voice"
	MsgTypeFile   = "file"
	MsgTypeSystem = "system"
)

// SignedPayload is the common body of every signed client frame.
// Nonce is base64 of exactly 24 bytes, Sig is base64 of a 64-byte
// Ed25519 signature over the canonical form.
type SignedPayload struct {
	ProtocolVersion int             `json:"protocolVersion"`
	CryptoVersion   int             `json:"cryptoVersion"`
	SessionToken    string          `json:"sessionToken"`
	MessageID       string          `json:"messageId"`
	From            string          `json:"from"`
	To              string          `json:"to,omitempty"`
	GroupID         string          `json:"groupId,omitempty"`
	MsgType         string          `json:"msgType,omitempty"`
	Timestamp       int64           `json:"timestamp"`
	Nonce           string          `json:"nonce"`
	Ciphertext      string          `json:"ciphertext"`
	Sig             string          `json:"sig"`
	ReplyTo         string          `json:"replyTo,omitempty"`
	Attachment      json.RawMessage `json:"attachment,omitempty"`
	CallID          string          `json:"callId,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Recipients      json.RawMessage `json:"recipients,omitempty"`
}

// GroupRecipientEntry is one member's envelope inside a
// group_send_message fanout list. Each member gets its own nonce,
// ciphertext, and signature because each decrypts with its own key.
type GroupRecipientEntry struct {
	To         string `json:"to"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Sig        string `json:"sig"`
}

// MessageReceivedPayload is the server-to-recipient delivery form of
// one envelope. It mirrors SignedPayload minus the session token and
// is also the element shape inside pending_messages pages.
type MessageReceivedPayload struct {
	MessageID  string          `json:"messageId"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	GroupID    string          `json:"groupId,omitempty"`
	MsgType    string          `json:"msgType"`
	Timestamp  int64           `json:"timestamp"`
	Nonce      string          `json:"nonce"`
	Ciphertext string          `json:"ciphertext"`
	Sig        string          `json:"sig"`
	ReplyTo    string          `json:"replyTo,omitempty"`
	Attachment json.RawMessage `json:"attachment,omitempty"`
}

// CallEventPayload is the server-to-peer form of a signaling event:
// call_incoming, call_ringing, call_answered, call_ice_candidate, and
// call_ended. Nonce/Ciphertext/Sig carry the encrypted SDP or
// candidate when the event has a body.
type CallEventPayload struct {
	CallID     string `json:"callId"`
	From       string `json:"from"`
	To         string `json:"to"`
	Timestamp  int64  `json:"timestamp"`
	Nonce      string `json:"nonce,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Sig        string `json:"sig,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// RegisterBeginPayload opens the 4-step registration handshake.
type RegisterBeginPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	WhisperID       string `json:"whisperId"`
	SignPublicKey   string `json:"signPublicKey"`
	EncPublicKey    string `json:"encPublicKey"`
	DeviceID        string `json:"deviceId"`
	Platform        string `json:"platform"`
}

// RegisterChallengePayload is emitted by the server: 32 random bytes,
// base64, single use, expiring after the challenge TTL.
type RegisterChallengePayload struct {
	ChallengeID string `json:"challengeId"`
	Challenge   string `json:"challenge"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// RegisterProofPayload carries the client's Ed25519 signature over
// SHA-256 of the challenge bytes.
type RegisterProofPayload struct {
	ChallengeID string `json:"challengeId"`
	Signature   string `json:"signature"`
}

// RegisterAckPayload completes the handshake with a session token.
type RegisterAckPayload struct {
	Success      bool   `json:"success"`
	WhisperID    string `json:"whisperId"`
	SessionToken string `json:"sessionToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	ServerTime   int64  `json:"serverTime"`
}

// SessionPayload is the body of session_refresh and logout frames.
type SessionPayload struct {
	SessionToken string `json:"sessionToken"`
}

// SessionRefreshAck returns the rotated token.
type SessionRefreshAck struct {
	SessionToken string `json:"sessionToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	ServerTime   int64  `json:"serverTime"`
}

// PongPayload carries the server clock for client alignment.
type PongPayload struct {
	ServerTime int64 `json:"serverTime"`
}

// MessageAcceptedPayload acknowledges a durable enqueue, not delivery.
type MessageAcceptedPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// DeliveryReceiptPayload flows from recipient back to sender.
// Status is "delivered" or "read".
type DeliveryReceiptPayload struct {
	SessionToken string `json:"sessionToken"`
	MessageID    string `json:"messageId"`
	From         string `json:"from"`
	To           string `json:"to"`
	Status       string `json:"status"`
	Timestamp    int64  `json:"timestamp"`
}

// FetchPendingPayload pages the recipient's pending queue.
type FetchPendingPayload struct {
	SessionToken string `json:"sessionToken"`
	Cursor       string `json:"cursor,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// PendingMessagesPayload is one fetch page. NextCursor is present iff
// more rows remain.
type PendingMessagesPayload struct {
	Messages   []json.RawMessage `json:"messages"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// UpdateTokensPayload rebinds push/voip tokens on the device record.
type UpdateTokensPayload struct {
	SessionToken string `json:"sessionToken"`
	PushToken    string `json:"pushToken,omitempty"`
	VoipToken    string `json:"voipToken,omitempty"`
}

// PresencePayload is the body of presence_update and typing frames.
// These are routed to live sessions only and never queued.
type PresencePayload struct {
	SessionToken string `json:"sessionToken"`
	From         string `json:"from"`
	To           string `json:"to"`
	State        string `json:"state,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// GroupCreatePayload creates a group owned by the caller.
type GroupCreatePayload struct {
	SessionToken string   `json:"sessionToken"`
	Name         string   `json:"name"`
	Members      []string `json:"members"`
}

// GroupUpdatePayload adds or removes members; only owners and admins
// may change membership.
type GroupUpdatePayload struct {
	SessionToken  string   `json:"sessionToken"`
	GroupID       string   `json:"groupId"`
	AddMembers    []string `json:"addMembers,omitempty"`
	RemoveMembers []string `json:"removeMembers,omitempty"`
	Name          string   `json:"name,omitempty"`
}

// GroupAckPayload confirms a group mutation.
type GroupAckPayload struct {
	GroupID string `json:"groupId"`
	Success bool   `json:"success"`
}

// MarshalFrame encodes a frame with the given payload value.
func MarshalFrame(frameType, requestID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: frameType, RequestID: requestID, Payload: raw})
}
