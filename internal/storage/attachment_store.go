package storage

import (
	"errors"
	"sync"
	"time"

	"whisper2/go-server/internal/securestore"
	"whisper2/go-server/pkg/models"
)

// AttachmentTTL bounds both blob metadata and access grants.
const AttachmentTTL = 30 * 24 * time.Hour

const (
	AttachmentStatusPending  = "pending"
	AttachmentStatusUploaded = "uploaded"
)

var (
	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrNotOwner           = errors.New("caller does not own attachment")
)

// AttachmentStore tracks uploaded blob metadata and the per-recipient
// access grants that gate download presigning. Blob bytes live in the
// external object store; only routing metadata is held here.
type AttachmentStore struct {
	mu      sync.RWMutex
	records map[string]models.AttachmentRecord // objectKey
	grants  map[string]models.AttachmentGrant  // objectKey + "\x00" + whisperID
	path    string
	secret  string
}

type attachmentSnapshot struct {
	Records map[string]models.AttachmentRecord `json:"records"`
	Grants  map[string]models.AttachmentGrant  `json:"grants"`
}

func NewAttachmentStore() *AttachmentStore {
	return &AttachmentStore{
		records: make(map[string]models.AttachmentRecord),
		grants:  make(map[string]models.AttachmentGrant),
	}
}

func NewPersistentAttachmentStore(path, secret string) (*AttachmentStore, error) {
	s := NewAttachmentStore()
	s.path = path
	s.secret = secret
	var snap attachmentSnapshot
	ok, err := securestore.ReadSnapshot(path, secret, &snap)
	if err != nil {
		return nil, err
	}
	if ok {
		if snap.Records != nil {
			s.records = snap.Records
		}
		if snap.Grants != nil {
			s.grants = snap.Grants
		}
	}
	return s, nil
}

// SaveRecord records upload metadata when a presigned upload URL is
// issued.
func (s *AttachmentStore) SaveRecord(rec models.AttachmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(AttachmentTTL)
	}
	rec.UpdatedAt = now
	next := cloneRecordMap(s.records)
	next[rec.ObjectKey] = rec
	if err := s.persistLocked(next, s.grants); err != nil {
		return err
	}
	s.records = next
	return nil
}

// GetRecord returns blob metadata when it exists and is unexpired.
func (s *AttachmentStore) GetRecord(objectKey string) (models.AttachmentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[objectKey]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return models.AttachmentRecord{}, false
	}
	return rec, true
}

// MarkUploaded flips a record's status once the client reports the
// upload complete.
func (s *AttachmentStore) MarkUploaded(objectKey, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[objectKey]
	if !ok {
		return ErrAttachmentNotFound
	}
	if rec.Owner != owner {
		return ErrNotOwner
	}
	rec.Status = AttachmentStatusUploaded
	rec.UpdatedAt = time.Now().UTC()
	next := cloneRecordMap(s.records)
	next[objectKey] = rec
	if err := s.persistLocked(next, s.grants); err != nil {
		return err
	}
	s.records = next
	return nil
}

// Grant lets whisperID download objectKey until expiry. Granting an
// unknown or foreign object fails; a repeat grant refreshes expiry.
func (s *AttachmentStore) Grant(objectKey, owner, whisperID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[objectKey]
	if !ok {
		return ErrAttachmentNotFound
	}
	if rec.Owner != owner {
		return ErrNotOwner
	}
	next := cloneGrantMap(s.grants)
	next[grantKey(objectKey, whisperID)] = models.AttachmentGrant{
		ObjectKey: objectKey,
		WhisperID: whisperID,
		ExpiresAt: expiresAt,
	}
	if err := s.persistLocked(s.records, next); err != nil {
		return err
	}
	s.grants = next
	return nil
}

// HasGrant reports whether whisperID holds an unexpired grant for
// objectKey. Owners implicitly hold one.
func (s *AttachmentStore) HasGrant(objectKey, whisperID string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[objectKey]; ok && rec.Owner == whisperID && now.Before(rec.ExpiresAt) {
		return true
	}
	grant, ok := s.grants[grantKey(objectKey, whisperID)]
	return ok && now.Before(grant.ExpiresAt)
}

// Expire sweeps expired records and grants, returning counts removed.
func (s *AttachmentStore) Expire(now time.Time) (records, grants int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nextRecords := make(map[string]models.AttachmentRecord, len(s.records))
	for key, rec := range s.records {
		if now.After(rec.ExpiresAt) {
			records++
			continue
		}
		nextRecords[key] = rec
	}
	nextGrants := make(map[string]models.AttachmentGrant, len(s.grants))
	for key, grant := range s.grants {
		if now.After(grant.ExpiresAt) {
			grants++
			continue
		}
		if _, ok := nextRecords[grant.ObjectKey]; !ok {
			grants++
			continue
		}
		nextGrants[key] = grant
	}
	if records == 0 && grants == 0 {
		return 0, 0, nil
	}
	if err := s.persistLocked(nextRecords, nextGrants); err != nil {
		return 0, 0, err
	}
	s.records = nextRecords
	s.grants = nextGrants
	return records, grants, nil
}

func (s *AttachmentStore) persistLocked(records map[string]models.AttachmentRecord, grants map[string]models.AttachmentGrant) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteSnapshot(s.path, s.secret, attachmentSnapshot{Records: records, Grants: grants})
}

func grantKey(objectKey, whisperID string) string {
	return objectKey + "\x00" + whisperID
}

func cloneRecordMap(in map[string]models.AttachmentRecord) map[string]models.AttachmentRecord {
	out := make(map[string]models.AttachmentRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneGrantMap(in map[string]models.AttachmentGrant) map[string]models.AttachmentGrant {
	out := make(map[string]models.AttachmentGrant, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
