package models

import (
	"time"
)

// IdentityStatus is the lifecycle state of a registered identity.
type IdentityStatus string

const (
	IdentityActive IdentityStatus = "active"
	IdentityBanned IdentityStatus = "banned"
)

// Identity is the immutable key triple registered for a WhisperID.
// Both public keys are fixed for the lifetime of the identity; the
// protocol has no key rotation.
type Identity struct {
	WhisperID     string         `json:"whisper_id"`
	EncPublicKey  []byte         `json:"enc_public_key"`
	SignPublicKey []byte         `json:"sign_public_key"`
	Status        IdentityStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Device binds a client install to an identity. DeviceID is a
// client-generated UUID established once per install.
type Device struct {
	WhisperID string    `json:"whisper_id"`
	DeviceID  string    `json:"device_id"`
	Platform  string    `json:"platform"`
	PushToken string    `json:"push_token,omitempty"`
	VoipToken string    `json:"voip_token,omitempty"`
	BoundAt   time.Time `json:"bound_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session maps an opaque token to an authenticated device binding.
// The token carries no secret material; it is a random index into the
// session store.
type Session struct {
	Token            string    `json:"token"`
	WhisperID        string    `json:"whisper_id"`
	DeviceID         string    `json:"device_id"`
	ExpiresAt        time.Time `json:"expires_at"`
	ServerTimeIssued time.Time `json:"server_time_issued"`
}

// Attachment is an envelope's attachment reference. The server never
// sees plaintext bytes; FileKeyBox is the per-recipient wrapped file
// key.
type Attachment struct {
	ObjectKey   string `json:"objectKey"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	FileKeyBox  string `json:"fileKeyBox,omitempty"`
	FileNonce   string `json:"fileNonce,omitempty"`
}

// Envelope is a pending-queue row: the signed, encrypted routing
// payload awaiting delivery to one recipient.
type Envelope struct {
	MessageID  string      `json:"message_id"`
	From       string      `json:"from"`
	To         string      `json:"to"`
	MsgType    string      `json:"msg_type"`
	Timestamp  int64       `json:"timestamp"`
	Nonce      string      `json:"nonce"`
	Ciphertext string      `json:"ciphertext"`
	Sig        string      `json:"sig"`
	ReplyTo    string      `json:"reply_to,omitempty"`
	Reactions  []string    `json:"reactions,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	GroupID    string      `json:"group_id,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// AttachmentRecord is the durable metadata for an uploaded blob.
type AttachmentRecord struct {
	ObjectKey   string    `json:"object_key"`
	Owner       string    `json:"owner"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AttachmentGrant allows one recipient to fetch one blob until expiry.
type AttachmentGrant struct {
	ObjectKey string    `json:"object_key"`
	WhisperID string    `json:"whisper_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ContactBackup is the zero-knowledge contact blob, one row per
// identity, overwritten on upload. The server never reads Ciphertext.
type ContactBackup struct {
	WhisperID  string    `json:"whisper_id"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
	SizeBytes  int64     `json:"size_bytes"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// GroupRole is a member's role inside a group.
type GroupRole string

const (
	GroupRoleOwner  GroupRole = "owner"
	GroupRoleAdmin  GroupRole = "admin"
	GroupRoleMember GroupRole = "member"
)

type GroupMember struct {
	WhisperID string    `json:"whisper_id"`
	Role      GroupRole `json:"role"`
	JoinedAt  time.Time `json:"joined_at"`
}

type Group struct {
	GroupID   string        `json:"group_id"`
	Name      string        `json:"name"`
	Members   []GroupMember `json:"members"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CallState is the lifecycle of one signaling session.
type CallState string

const (
	CallIdle      CallState = "idle"
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
	CallEnded     CallState = "ended"
)

// CallSession is ephemeral signaling state for one callId. EndReason
// is set only once State is CallEnded.
type CallSession struct {
	CallID       string    `json:"call_id"`
	Caller       string    `json:"caller"`
	Callee       string    `json:"callee"`
	State        CallState `json:"state"`
	EndReason    string    `json:"end_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// TurnCredentials are ephemeral HMAC-derived TURN credentials.
type TurnCredentials struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTLSeconds int64    `json:"ttl"`
	ServerTime int64    `json:"serverTime"`
}

// MetricsSnapshot is the JSON metrics view served at /metrics.
type MetricsSnapshot struct {
	LiveConnections    int            `json:"live_connections"`
	ActiveSessions     int            `json:"active_sessions"`
	PendingQueueSize   int            `json:"pending_queue_size"`
	ActiveCalls        int            `json:"active_calls"`
	ErrorCounters      map[string]int `json:"error_counters,omitempty"`
	FramesAccepted     int64          `json:"frames_accepted"`
	FramesRejected     int64          `json:"frames_rejected"`
	EnvelopesDelivered int64          `json:"envelopes_delivered"`
	EnvelopesQueued    int64          `json:"envelopes_queued"`
	LastUpdatedAt      time.Time      `json:"last_updated_at"`
}
