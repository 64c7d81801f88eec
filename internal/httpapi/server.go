// Package httpapi serves the relay's REST surface: health, metrics,
// public key lookup, contact backup, attachment presigning, and TURN
// credentials. Every endpoint except health and metrics requires a
// bearer session token.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"whisper2/go-server/internal/attachments"
	"whisper2/go-server/internal/metrics"
	"whisper2/go-server/internal/platform/ratelimiter"
	"whisper2/go-server/internal/protocol"
	"whisper2/go-server/internal/storage"
	"whisper2/go-server/internal/turnca"
	"whisper2/go-server/internal/validator"
	"whisper2/go-server/pkg/models"
)

// Server holds the REST handlers and their dependencies.
type Server struct {
	Identities  *storage.IdentityStore
	Backups     *storage.BackupStore
	Attachments *attachments.Service
	Turn        *turnca.Issuer
	Validator   *validator.Validator
	Metrics     *metrics.Registry
	Limiter     *ratelimiter.MapLimiter
	Log         *slog.Logger

	Ready func() bool
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	if s.Metrics != nil {
		mux.Handle("GET /metrics/prometheus", promhttp.HandlerFor(s.Metrics.Prometheus(), promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /users/{whisperId}/keys", s.authed("keys", s.handleUserKeys))
	mux.HandleFunc("PUT /backup/contacts", s.authed("backup", s.handleBackupPut))
	mux.HandleFunc("GET /backup/contacts", s.authed("backup", s.handleBackupGet))
	mux.HandleFunc("DELETE /backup/contacts", s.authed("backup", s.handleBackupDelete))
	mux.HandleFunc("POST /attachments/presign/upload", s.authed("attachments", s.handlePresignUpload))
	mux.HandleFunc("POST /attachments/presign/download", s.authed("attachments", s.handlePresignDownload))
	mux.HandleFunc("POST /attachments/confirm", s.authed("attachments", s.handleAttachmentConfirm))
	mux.HandleFunc("GET /turn/credentials", s.authed("turn", s.handleTurnCredentials))
	return mux
}

type authedHandler func(w http.ResponseWriter, r *http.Request, sess models.Session)

// authed resolves the bearer token and applies the per-endpoint rate
// limit before the handler runs.
func (s *Server) authed(endpoint string, next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		sess, perr := s.Validator.ResolveSession(token)
		if perr != nil {
			s.writeError(w, perr)
			return
		}
		key := ratelimiter.Key(remoteIP(r), sess.WhisperID, endpoint)
		now := time.Now()
		if !s.Limiter.Allow(key, now) {
			perr := protocol.NewError(protocol.CodeRateLimited, "rate limit exceeded")
			if delay := s.Limiter.RetryAfter(key, now); delay > 0 {
				perr.RetryAfter = int64(delay / time.Millisecond)
				w.Header().Set("Retry-After", strconv.FormatInt((int64(delay)+int64(time.Second)-1)/int64(time.Second), 10))
			}
			s.writeError(w, perr)
			return
		}
		next(w, r, sess)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.Ready != nil && !s.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.Metrics == nil {
		writeJSON(w, http.StatusOK, models.MetricsSnapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.Metrics.Snapshot())
}

type userKeysResponse struct {
	WhisperID     string `json:"whisperId"`
	SignPublicKey string `json:"signPublicKey"`
	EncPublicKey  string `json:"encPublicKey"`
}

func (s *Server) handleUserKeys(w http.ResponseWriter, r *http.Request, _ models.Session) {
	whisperID := r.PathValue("whisperId")
	if !protocol.ValidWhisperID(whisperID) {
		s.writeError(w, protocol.NewError(protocol.CodeInvalidPayload, "invalid WhisperID"))
		return
	}
	ident, ok := s.Identities.Lookup(whisperID)
	if !ok {
		s.writeError(w, protocol.NewError(protocol.CodeNotFound, "identity not found"))
		return
	}
	if ident.Status == models.IdentityBanned {
		s.writeError(w, protocol.NewError(protocol.CodeForbidden, "identity unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, userKeysResponse{
		WhisperID:     ident.WhisperID,
		SignPublicKey: base64.StdEncoding.EncodeToString(ident.SignPublicKey),
		EncPublicKey:  base64.StdEncoding.EncodeToString(ident.EncPublicKey),
	})
}

type backupBody struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	UpdatedAt  int64  `json:"updatedAt,omitempty"`
}

func (s *Server) handleBackupPut(w http.ResponseWriter, r *http.Request, sess models.Session) {
	var body backupBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, protocol.NewError(protocol.CodeInvalidPayload, "malformed backup body"))
		return
	}
	nonce, err := base64.StdEncoding.DecodeString(body.Nonce)
	if err != nil {
		s.writeError(w, protocol.NewError(protocol.CodeInvalidPayload, "nonce is not valid base64"))
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(body.Ciphertext)
	if err != nil {
		s.writeError(w, protocol.NewError(protocol.CodeInvalidPayload, "ciphertext is not valid base64"))
		return
	}
	switch err := s.Backups.Put(sess.WhisperID, nonce, ciphertext); err {
	case nil:
		w.WriteHeader(http.StatusNoContent)
	case storage.ErrBadBackupNonce, storage.ErrBackupTooLarge:
		s.writeError(w, protocol.NewError(protocol.CodeInvalidPayload, "%s", err.Error()))
	default:
		s.Log.Error("backup put failed", "error", err)
		s.writeError(w, protocol.NewError(protocol.CodeInternalError, "backup unavailable"))
	}
}

func (s *Server) handleBackupGet(w http.ResponseWriter, _ *http.Request, sess models.Session) {
	backup, err := s.Backups.Get(sess.WhisperID)
	if err != nil {
		s.writeError(w, protocol.NewError(protocol.CodeNotFound, "no backup stored"))
		return
	}
	writeJSON(w, http.StatusOK, backupBody{
		Nonce:      base64.StdEncoding.EncodeToString(backup.Nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(backup.Ciphertext),
		UpdatedAt:  backup.UpdatedAt.UnixMilli(),
	})
}

func (s *Server) handleBackupDelete(w http.ResponseWriter, _ *http.Request, sess models.Session) {
	if err := s.Backups.Delete(sess.WhisperID); err != nil {
		s.Log.Error("backup delete failed", "error", err)
		s.writeError(w, protocol.NewError(protocol.CodeInternalError, "backup unavailable"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type presignUploadBody struct {
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

func (s *Server) handlePresignUpload(w http.ResponseWriter, r *http.Request, sess models.Session) {
	var body presignUploadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, protocol.NewError(protocol.CodeInvalidPayload, "malformed presign body"))
		return
	}
	resp, perr := s.Attachments.PresignUpload(sess.WhisperID, body.ContentType, body.Size)
	if perr != nil {
		s.writeError(w, perr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type objectKeyBody struct {
	ObjectKey string `json:"objectKey"`
}

func (s *Server) handlePresignDownload(w http.ResponseWriter, r *http.Request, sess models.Session) {
	var body objectKeyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ObjectKey == "" {
		s.writeError(w, protocol.NewError(protocol.CodeInvalidPayload, "objectKey is required"))
		return
	}
	resp, perr := s.Attachments.PresignDownload(sess.WhisperID, body.ObjectKey)
	if perr != nil {
		s.writeError(w, perr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAttachmentConfirm(w http.ResponseWriter, r *http.Request, sess models.Session) {
	var body objectKeyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ObjectKey == "" {
		s.writeError(w, protocol.NewError(protocol.CodeInvalidPayload, "objectKey is required"))
		return
	}
	if perr := s.Attachments.ConfirmUpload(sess.WhisperID, body.ObjectKey); perr != nil {
		s.writeError(w, perr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTurnCredentials(w http.ResponseWriter, _ *http.Request, sess models.Session) {
	if !s.Turn.Configured() {
		s.writeError(w, protocol.NewError(protocol.CodeNotFound, "turn is not configured"))
		return
	}
	creds, err := s.Turn.Credentials(sess.WhisperID)
	if err != nil {
		s.Log.Error("turn issue failed", "error", err)
		s.writeError(w, protocol.NewError(protocol.CodeInternalError, "turn unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) writeError(w http.ResponseWriter, perr *protocol.Error) {
	if s.Metrics != nil {
		s.Metrics.FrameRejected(string(perr.Code))
	}
	writeJSON(w, protocol.HTTPStatus(perr.Code), perr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func remoteIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
