// Package attachments presigns upload and download URLs for the
// external blob store. Blob bytes never pass through the relay; it
// only mints object keys, signs time-limited URLs, and tracks who may
// fetch what.
package attachments

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"whisper2/go-server/internal/protocol"
	"whisper2/go-server/internal/storage"
	"whisper2/go-server/pkg/models"
)

// keyPrefix versions the object key format.
const keyPrefix = "att1"

// GCInterval is how often expired records and grants are swept.
const GCInterval = time.Hour

// PresignResponse is returned by both presign endpoints.
type PresignResponse struct {
	ObjectKey string `json:"objectKey"`
	URL       string `json:"url"`
	Method    string `json:"method"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Service signs URLs against one shared secret with the blob store.
type Service struct {
	store   *storage.AttachmentStore
	baseURL string
	secret  []byte
	urlTTL  time.Duration
	maxSize int64
	now     func() time.Time
	log     *slog.Logger
}

func NewService(store *storage.AttachmentStore, baseURL, secret string, urlTTL time.Duration, maxSize int64, log *slog.Logger) *Service {
	if urlTTL <= 0 {
		urlTTL = 15 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 100 << 20
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:   store,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		urlTTL:  urlTTL,
		maxSize: maxSize,
		now:     time.Now,
		log:     log,
	}
}

// PresignUpload mints a fresh object key for owner and signs a PUT
// URL. The record starts in pending state until the upload completes.
func (s *Service) PresignUpload(owner, contentType string, size int64) (PresignResponse, *protocol.Error) {
	if size <= 0 || size > s.maxSize {
		return PresignResponse{}, protocol.NewError(protocol.CodeInvalidPayload, "size must be between 1 and %d bytes", s.maxSize)
	}
	key, err := newObjectKey()
	if err != nil {
		return PresignResponse{}, protocol.NewError(protocol.CodeInternalError, "could not mint object key")
	}
	now := s.now().UTC()
	rec := models.AttachmentRecord{
		ObjectKey:   key,
		Owner:       owner,
		Size:        size,
		ContentType: contentType,
		Status:      storage.AttachmentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(storage.AttachmentTTL),
	}
	if err := s.store.SaveRecord(rec); err != nil {
		s.log.Error("attachment record save failed", "error", err)
		return PresignResponse{}, protocol.NewError(protocol.CodeInternalError, "could not record attachment")
	}
	expires := now.Add(s.urlTTL)
	return PresignResponse{
		ObjectKey: key,
		URL:       s.signURL("PUT", key, expires),
		Method:    "PUT",
		ExpiresAt: expires.UnixMilli(),
	}, nil
}

// ConfirmUpload flips the record to uploaded. Only the owner may
// confirm.
func (s *Service) ConfirmUpload(owner, objectKey string) *protocol.Error {
	switch err := s.store.MarkUploaded(objectKey, owner); err {
	case nil:
		return nil
	case storage.ErrAttachmentNotFound:
		return protocol.NewError(protocol.CodeNotFound, "attachment not found")
	case storage.ErrNotOwner:
		return protocol.NewError(protocol.CodeForbidden, "not the attachment owner")
	default:
		return protocol.NewError(protocol.CodeInternalError, "could not update attachment")
	}
}

// PresignDownload signs a GET URL. The caller must own the blob or
// hold a grant from a message that referenced it.
func (s *Service) PresignDownload(caller, objectKey string) (PresignResponse, *protocol.Error) {
	rec, ok := s.store.GetRecord(objectKey)
	if !ok {
		return PresignResponse{}, protocol.NewError(protocol.CodeNotFound, "attachment not found")
	}
	now := s.now().UTC()
	if rec.Owner != caller && !s.store.HasGrant(objectKey, caller, now) {
		return PresignResponse{}, protocol.NewError(protocol.CodeForbidden, "no access to attachment")
	}
	expires := now.Add(s.urlTTL)
	return PresignResponse{
		ObjectKey: objectKey,
		URL:       s.signURL("GET", objectKey, expires),
		Method:    "GET",
		ExpiresAt: expires.UnixMilli(),
	}, nil
}

// VerifySignedURL checks a presigned query against the shared secret.
// The blob store front-end calls this shape of check on its side; it
// lives here so both ends agree on the format.
func (s *Service) VerifySignedURL(method, objectKey string, expiresUnix int64, sig string) bool {
	if s.now().Unix() > expiresUnix {
		return false
	}
	want := s.signature(method, objectKey, expiresUnix)
	return hmac.Equal([]byte(want), []byte(sig))
}

// RunGC sweeps expired records and grants until ctx is done.
func (s *Service) RunGC(ctx context.Context) {
	ticker := time.NewTicker(GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records, grants, err := s.store.Expire(s.now())
			if err != nil {
				s.log.Error("attachment gc failed", "error", err)
				continue
			}
			if records > 0 || grants > 0 {
				s.log.Info("attachment gc", "records", records, "grants", grants)
			}
		}
	}
}

func (s *Service) signURL(method, objectKey string, expires time.Time) string {
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires.Unix(), 10))
	q.Set("sig", s.signature(method, objectKey, expires.Unix()))
	return s.baseURL + "/" + objectKey + "?" + q.Encode()
}

func (s *Service) signature(method, objectKey string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(method + "\n" + objectKey + "\n" + strconv.FormatInt(expiresUnix, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func newObjectKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return keyPrefix + base58.Encode(raw), nil
}
