package storage

import (
	"testing"
	"time"

	"whisper2/go-server/pkg/models"
)

const (
	ownerID     = "WSP-AAAA-AAAA-AAAA"
	recipientID = "WSP-BBBB-BBBB-BBBB"
)

func savedRecord(t *testing.T, s *AttachmentStore, key string) models.AttachmentRecord {
	t.Helper()
	rec := models.AttachmentRecord{
		ObjectKey:   key,
		Owner:       ownerID,
		Size:        1024,
		ContentType: "application/octet-stream",
		Status:      AttachmentStatusPending,
	}
	if err := s.SaveRecord(rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, ok := s.GetRecord(key)
	if !ok {
		t.Fatal("record missing after save")
	}
	return got
}

func TestGrantRequiresOwnedRecord(t *testing.T) {
	s := NewAttachmentStore()
	savedRecord(t, s, "att1-key")

	if err := s.Grant("att1-missing", ownerID, recipientID, time.Now().Add(time.Hour)); err != ErrAttachmentNotFound {
		t.Fatalf("grant on missing record: got %v", err)
	}
	if err := s.Grant("att1-key", recipientID, recipientID, time.Now().Add(time.Hour)); err != ErrNotOwner {
		t.Fatalf("grant by non-owner: got %v", err)
	}
	if err := s.Grant("att1-key", ownerID, recipientID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
}

func TestHasGrantExpiryAndOwnership(t *testing.T) {
	s := NewAttachmentStore()
	savedRecord(t, s, "att1-key")
	now := time.Now()

	// Owner can always fetch its own blob while the record lives.
	if !s.HasGrant("att1-key", ownerID, now) {
		t.Fatal("owner has no implicit grant")
	}
	// No grant yet for the recipient.
	if s.HasGrant("att1-key", recipientID, now) {
		t.Fatal("grant exists before issuing")
	}
	if err := s.Grant("att1-key", ownerID, recipientID, now.Add(time.Minute)); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if !s.HasGrant("att1-key", recipientID, now) {
		t.Fatal("grant not visible")
	}
	if s.HasGrant("att1-key", recipientID, now.Add(2*time.Minute)) {
		t.Fatal("expired grant honored")
	}
}

func TestMarkUploaded(t *testing.T) {
	s := NewAttachmentStore()
	savedRecord(t, s, "att1-key")
	if err := s.MarkUploaded("att1-key", recipientID); err != ErrNotOwner {
		t.Fatalf("non-owner mark: got %v", err)
	}
	if err := s.MarkUploaded("att1-key", ownerID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	rec, _ := s.GetRecord("att1-key")
	if rec.Status != AttachmentStatusUploaded {
		t.Fatalf("status not flipped: %s", rec.Status)
	}
}

func TestExpireSweepsRecordsAndOrphanGrants(t *testing.T) {
	s := NewAttachmentStore()
	rec := models.AttachmentRecord{
		ObjectKey: "att1-old",
		Owner:     ownerID,
		CreatedAt: time.Now().Add(-31 * 24 * time.Hour),
		ExpiresAt: time.Now().Add(-24 * time.Hour),
	}
	if err := s.SaveRecord(rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	// Grant with future expiry on a record that is itself expired: the
	// sweep must drop it as an orphan.
	if err := s.Grant("att1-old", ownerID, recipientID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	savedRecord(t, s, "att1-live")

	records, grants, err := s.Expire(time.Now())
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if records != 1 || grants != 1 {
		t.Fatalf("expected 1 record and 1 grant swept, got %d/%d", records, grants)
	}
	if _, ok := s.GetRecord("att1-live"); !ok {
		t.Fatal("live record swept")
	}
}
