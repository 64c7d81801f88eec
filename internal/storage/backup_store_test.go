package storage

import (
	"bytes"
	"crypto/rand"
	"path/filepath"
	"testing"
)

func TestBackupPutGetByteIdentical(t *testing.T) {
	s := NewBackupStore()
	nonce := make([]byte, BackupNonceSize)
	ciphertext := make([]byte, 512)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	if _, err := rand.Read(ciphertext); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	const id = "WSP-AAAA-BBBB-CCCC"
	if err := s.Put(id, nonce, ciphertext); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !bytes.Equal(got.Nonce, nonce) || !bytes.Equal(got.Ciphertext, ciphertext) {
		t.Fatal("stored blob differs from upload")
	}
	if got.SizeBytes != int64(len(ciphertext)) {
		t.Fatalf("size mismatch: %d", got.SizeBytes)
	}
}

func TestBackupPutOverwrites(t *testing.T) {
	s := NewBackupStore()
	nonce := make([]byte, BackupNonceSize)
	const id = "WSP-AAAA-BBBB-CCCC"
	if err := s.Put(id, nonce, []byte("first")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Put(id, nonce, []byte("second")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got.Ciphertext) != "second" {
		t.Fatal("upload did not overwrite")
	}
}

func TestBackupValidation(t *testing.T) {
	s := NewBackupStore()
	const id = "WSP-AAAA-BBBB-CCCC"
	if err := s.Put(id, make([]byte, 12), []byte("ct")); err != ErrBadBackupNonce {
		t.Fatalf("short nonce: got %v", err)
	}
	if err := s.Put(id, make([]byte, BackupNonceSize), make([]byte, MaxBackupCiphertext+1)); err != ErrBackupTooLarge {
		t.Fatalf("oversized blob: got %v", err)
	}
	if err := s.Put(id, make([]byte, BackupNonceSize), nil); err != ErrBackupTooLarge {
		t.Fatalf("empty blob: got %v", err)
	}
	if err := s.Put(id, make([]byte, BackupNonceSize), make([]byte, MaxBackupCiphertext)); err != nil {
		t.Fatalf("blob at the cap rejected: %v", err)
	}
}

func TestBackupDeleteIdempotent(t *testing.T) {
	s := NewBackupStore()
	const id = "WSP-AAAA-BBBB-CCCC"
	if err := s.Put(id, make([]byte, BackupNonceSize), []byte("ct")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Delete(id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.Get(id); err != ErrBackupNotFound {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}
	if err := s.Delete(id); err != nil {
		t.Fatalf("repeat delete errored: %v", err)
	}
}

func TestBackupPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backups.enc")
	s, err := NewPersistentBackupStore(path, "secret")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	const id = "WSP-AAAA-BBBB-CCCC"
	if err := s.Put(id, make([]byte, BackupNonceSize), []byte("blob")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	reopened, err := NewPersistentBackupStore(path, "secret")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := reopened.Get(id)
	if err != nil || string(got.Ciphertext) != "blob" {
		t.Fatalf("backup lost across reopen: %v", err)
	}
}
