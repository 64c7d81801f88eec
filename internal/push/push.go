// Package push is the boundary to platform wake-up services. The
// relay only ever hands over routing hints; message content stays
// encrypted in the pending queue.
package push

import (
	"context"
	"log/slog"
)

// Kind selects the wake-up channel.
type Kind string

const (
	KindMessage Kind = "message"
	KindCall    Kind = "call"
)

// Notification is the minimal hint a platform push may carry.
type Notification struct {
	Kind      Kind
	WhisperID string
	DeviceID  string
	PushToken string
	VoipToken string
	CallID    string
}

// Notifier wakes an offline device. Implementations must not block on
// the platform service; failures are logged, never surfaced to the
// sending client.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier is the default no-op transport: it records that a push
// would have been sent. Real APNs/FCM transports implement Notifier
// behind the same call.
type LogNotifier struct {
	Log *slog.Logger
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	if l == nil || l.Log == nil {
		return nil
	}
	l.Log.Debug("push notification suppressed",
		"kind", string(n.Kind),
		"whisper_id", n.WhisperID,
		"device_id", n.DeviceID,
		"has_push_token", n.PushToken != "",
		"has_voip_token", n.VoipToken != "",
	)
	return nil
}
