package storage

import (
	"errors"
	"sync"
	"time"

	"whisper2/go-server/internal/securestore"
	"whisper2/go-server/pkg/models"
)

const (
	// BackupNonceSize is enforced after base64 decode on the HTTP edge.
	BackupNonceSize = 24
	// MaxBackupCiphertext caps one contact blob.
	MaxBackupCiphertext = 1 << 20
)

var (
	ErrBackupNotFound = errors.New("contact backup not found")
	ErrBackupTooLarge = errors.New("contact backup exceeds size cap")
	ErrBadBackupNonce = errors.New("contact backup nonce must be 24 bytes")
)

// BackupStore holds one zero-knowledge contact blob per identity.
// Uploads overwrite; the server never interprets the ciphertext.
type BackupStore struct {
	mu      sync.RWMutex
	backups map[string]models.ContactBackup
	path    string
	secret  string
}

type backupSnapshot struct {
	Backups map[string]models.ContactBackup `json:"backups"`
}

func NewBackupStore() *BackupStore {
	return &BackupStore{backups: make(map[string]models.ContactBackup)}
}

func NewPersistentBackupStore(path, secret string) (*BackupStore, error) {
	s := NewBackupStore()
	s.path = path
	s.secret = secret
	var snap backupSnapshot
	ok, err := securestore.ReadSnapshot(path, secret, &snap)
	if err != nil {
		return nil, err
	}
	if ok && snap.Backups != nil {
		s.backups = snap.Backups
	}
	return s, nil
}

// Put upserts the blob for whisperID.
func (s *BackupStore) Put(whisperID string, nonce, ciphertext []byte) error {
	if len(nonce) != BackupNonceSize {
		return ErrBadBackupNonce
	}
	if len(ciphertext) == 0 || len(ciphertext) > MaxBackupCiphertext {
		return ErrBackupTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneBackupMap(s.backups)
	next[whisperID] = models.ContactBackup{
		WhisperID:  whisperID,
		Nonce:      append([]byte(nil), nonce...),
		Ciphertext: append([]byte(nil), ciphertext...),
		SizeBytes:  int64(len(ciphertext)),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.backups = next
	return nil
}

// Get returns the stored blob byte-identical to the upload.
func (s *BackupStore) Get(whisperID string) (models.ContactBackup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	backup, ok := s.backups[whisperID]
	if !ok {
		return models.ContactBackup{}, ErrBackupNotFound
	}
	return backup, nil
}

// Delete removes the blob; deleting a missing row is a no-op.
func (s *BackupStore) Delete(whisperID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backups[whisperID]; !ok {
		return nil
	}
	next := cloneBackupMap(s.backups)
	delete(next, whisperID)
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.backups = next
	return nil
}

func (s *BackupStore) persistLocked(backups map[string]models.ContactBackup) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteSnapshot(s.path, s.secret, backupSnapshot{Backups: backups})
}

func cloneBackupMap(in map[string]models.ContactBackup) map[string]models.ContactBackup {
	out := make(map[string]models.ContactBackup, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
