// Package privacylog keeps routing metadata out of the relay's logs.
// WhisperIDs, message ids, and call ids are fingerprinted with a
// per-boot nonce; tokens and secrets are redacted outright.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce          = randomNonce()
	disallowedPlainIDs = map[string]struct{}{
		"whisper_id":   {},
		"from":         {},
		"to":           {},
		"message_id":   {},
		"group_id":     {},
		"call_id":      {},
		"device_id":    {},
		"object_key":   {},
		"challenge_id": {},
	}
	sensitiveKeyParts = []string{"token", "secret", "password", "passphrase", "authorization", "auth", "credential", "signature", "nonce", "ciphertext"}
)

// SanitizingHandler wraps an slog.Handler and scrubs every record
// before it reaches the sink.
type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(out)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr scrubs one attribute: secrets redact, identifiers
// fingerprint, everything else passes through.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	if isSensitiveKey(lowerKey) {
		return slog.String(key, redactedValue)
	}
	if shouldFingerprintKey(lowerKey) {
		return slog.String(fingerprintKeyName(key), FingerprintID(valueToString(attr.Value)))
	}
	return attr
}

// FingerprintID hashes an identifier with the boot nonce so log lines
// correlate within one process lifetime without exposing the id.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func shouldFingerprintKey(key string) bool {
	_, ok := disallowedPlainIDs[key]
	return ok
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func valueToString(v slog.Value) string {
	if v.Kind() == slog.KindString {
		return v.String()
	}
	return fmt.Sprint(v.Any())
}

func randomNonce() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "static-fallback-nonce"
	}
	return hex.EncodeToString(raw)
}
