package httpapi

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"whisper2/go-server/internal/attachments"
	"whisper2/go-server/internal/protocol"
	"whisper2/go-server/internal/session"
	"whisper2/go-server/internal/storage"
	"whisper2/go-server/internal/turnca"
	"whisper2/go-server/internal/validator"
	"whisper2/go-server/pkg/models"
)

type apiFixture struct {
	handler    http.Handler
	identities *storage.IdentityStore
	backups    *storage.BackupStore

	whisperID string
	token     string
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	identities := storage.NewIdentityStore()
	sessions := session.NewStore(func(id string) (models.IdentityStatus, bool) {
		ident, ok := identities.Lookup(id)
		return ident.Status, ok
	})
	backups := storage.NewBackupStore()
	attachStore := storage.NewAttachmentStore()

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	whisperID := protocol.DeriveWhisperID(pub)
	if err := identities.CreateIdentity(whisperID, pub, bytes.Repeat([]byte{7}, 32)); err != nil {
		t.Fatalf("register: %v", err)
	}
	sess, err := sessions.Issue(whisperID, "dev-1", time.Hour)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	srv := &Server{
		Identities:  identities,
		Backups:     backups,
		Attachments: attachments.NewService(attachStore, "https://blobs.example.org", "sek", 10*time.Minute, 1<<20, nil),
		Turn:        turnca.NewIssuer([]string{"turn:turn.example.org:3478"}, "turn-secret", 5*time.Minute),
		Validator:   validator.New(identities, sessions, storage.NewGroupStore(), nil),
	}
	return &apiFixture{
		handler:    srv.Handler(),
		identities: identities,
		backups:    backups,
		whisperID:  whisperID,
		token:      sess.Token,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	f := newAPI(t)
	if rec := f.do(t, "GET", "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/ready", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newAPI(t)
	if rec := f.do(t, "GET", "/turn/credentials", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token = %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/turn/credentials", "bogus", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", rec.Code)
	}
}

func TestBannedTokenForbidden(t *testing.T) {
	f := newAPI(t)
	if err := f.identities.SetStatus(f.whisperID, models.IdentityBanned); err != nil {
		t.Fatalf("ban: %v", err)
	}
	rec := f.do(t, "GET", "/turn/credentials", f.token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("banned token = %d", rec.Code)
	}
	var perr protocol.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &perr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if perr.Code != protocol.CodeUserBanned {
		t.Fatalf("code = %s", perr.Code)
	}
}

func TestUserKeysLookup(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, "GET", "/users/"+f.whisperID+"/keys", f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("keys = %d: %s", rec.Code, rec.Body.String())
	}
	var resp userKeysResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode keys: %v", err)
	}
	if resp.WhisperID != f.whisperID || resp.SignPublicKey == "" || resp.EncPublicKey == "" {
		t.Fatalf("bad keys response %+v", resp)
	}

	if rec := f.do(t, "GET", "/users/WSP-ZZZZ-ZZZZ-ZZZZ/keys", f.token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id = %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/users/not-an-id/keys", f.token, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed id = %d", rec.Code)
	}
}

func TestBannedIdentityKeysForbidden(t *testing.T) {
	f := newAPI(t)
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	bannedID := protocol.DeriveWhisperID(pub)
	if err := f.identities.CreateIdentity(bannedID, pub, make([]byte, 32)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.identities.SetStatus(bannedID, models.IdentityBanned); err != nil {
		t.Fatalf("ban: %v", err)
	}

	rec := f.do(t, "GET", "/users/"+bannedID+"/keys", f.token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("banned keys = %d: %s", rec.Code, rec.Body.String())
	}
	var perr protocol.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &perr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if perr.Code != protocol.CodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %s", perr.Code)
	}
}

func TestBackupLifecycle(t *testing.T) {
	f := newAPI(t)
	nonce := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 24))
	ciphertext := base64.StdEncoding.EncodeToString([]byte("encrypted contacts"))

	if rec := f.do(t, "PUT", "/backup/contacts", f.token, backupBody{Nonce: nonce, Ciphertext: ciphertext}); rec.Code != http.StatusNoContent {
		t.Fatalf("put = %d: %s", rec.Code, rec.Body.String())
	}

	rec := f.do(t, "GET", "/backup/contacts", f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	var body backupBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode backup: %v", err)
	}
	if body.Nonce != nonce || body.Ciphertext != ciphertext {
		t.Fatal("backup bytes not identical")
	}

	if rec := f.do(t, "DELETE", "/backup/contacts", f.token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/backup/contacts", f.token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", rec.Code)
	}

	// Bad nonce length is a client error, not a server one.
	shortNonce := base64.StdEncoding.EncodeToString([]byte("short"))
	if rec := f.do(t, "PUT", "/backup/contacts", f.token, backupBody{Nonce: shortNonce, Ciphertext: ciphertext}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad nonce = %d", rec.Code)
	}
}

func TestAttachmentPresignFlow(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, "POST", "/attachments/presign/upload", f.token, presignUploadBody{ContentType: "image/jpeg", Size: 1024})
	if rec.Code != http.StatusOK {
		t.Fatalf("presign upload = %d: %s", rec.Code, rec.Body.String())
	}
	var up attachments.PresignResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &up); err != nil {
		t.Fatalf("decode presign: %v", err)
	}
	if up.ObjectKey == "" || up.Method != "PUT" {
		t.Fatalf("bad presign %+v", up)
	}

	if rec := f.do(t, "POST", "/attachments/confirm", f.token, objectKeyBody{ObjectKey: up.ObjectKey}); rec.Code != http.StatusNoContent {
		t.Fatalf("confirm = %d", rec.Code)
	}
	rec = f.do(t, "POST", "/attachments/presign/download", f.token, objectKeyBody{ObjectKey: up.ObjectKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("presign download = %d: %s", rec.Code, rec.Body.String())
	}

	if rec := f.do(t, "POST", "/attachments/presign/upload", f.token, presignUploadBody{Size: 1 << 30}); rec.Code != http.StatusBadRequest {
		t.Fatalf("oversize = %d", rec.Code)
	}
	if rec := f.do(t, "POST", "/attachments/presign/download", f.token, objectKeyBody{ObjectKey: "att1missing"}); rec.Code != http.StatusNotFound {
		t.Fatalf("missing download = %d", rec.Code)
	}
}

func TestTurnCredentialsEndpoint(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, "GET", "/turn/credentials", f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn = %d: %s", rec.Code, rec.Body.String())
	}
	var creds models.TurnCredentials
	if err := json.Unmarshal(rec.Body.Bytes(), &creds); err != nil {
		t.Fatalf("decode creds: %v", err)
	}
	if len(creds.URLs) != 1 || creds.Username == "" || creds.Credential == "" {
		t.Fatalf("bad creds %+v", creds)
	}
	if creds.TTLSeconds <= 0 || creds.TTLSeconds > 600 {
		t.Fatalf("ttl out of range: %d", creds.TTLSeconds)
	}
}

func TestMetricsSnapshotServed(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, "GET", "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	var snap models.MetricsSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
}
