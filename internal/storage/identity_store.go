// Package storage holds the relay's durable state: identities and
// device bindings, the per-recipient pending queue, attachment
// metadata and grants, contact backups, and group membership. Every
// store is a mutex-guarded map with an optional encrypted snapshot
// file; a mutation commits to memory only after the snapshot write
// succeeds.
package storage

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"sync"
	"time"

	"whisper2/go-server/internal/securestore"
	"whisper2/go-server/pkg/models"
)

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrKeyMismatch      = errors.New("signing key does not match registered identity")
	ErrBadKeyLength     = errors.New("public keys must be 32 bytes")
)

// IdentityStore is the identity and device registry. Key material is
// immutable once registered; only status, device bindings, and push
// tokens change.
type IdentityStore struct {
	mu         sync.RWMutex
	identities map[string]models.Identity
	devices    map[string]models.Device // keyed whisperID + "\x00" + deviceID
	path       string
	secret     string
}

type identitySnapshot struct {
	Identities map[string]models.Identity `json:"identities"`
	Devices    map[string]models.Device   `json:"devices"`
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		identities: make(map[string]models.Identity),
		devices:    make(map[string]models.Device),
	}
}

func NewPersistentIdentityStore(path, secret string) (*IdentityStore, error) {
	s := NewIdentityStore()
	s.path = path
	s.secret = secret
	var snap identitySnapshot
	ok, err := securestore.ReadSnapshot(path, secret, &snap)
	if err != nil {
		return nil, err
	}
	if ok {
		if snap.Identities != nil {
			s.identities = snap.Identities
		}
		if snap.Devices != nil {
			s.devices = snap.Devices
		}
	}
	return s, nil
}

// CreateIdentity registers the first key triple supplied for a
// WhisperID. A repeat call with the same signing key is a no-op; a
// different signing key is rejected, never overwritten.
func (s *IdentityStore) CreateIdentity(whisperID string, signPub, encPub []byte) error {
	if len(signPub) != ed25519.PublicKeySize || len(encPub) != 32 {
		return ErrBadKeyLength
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.identities[whisperID]; ok {
		if !bytes.Equal(existing.SignPublicKey, signPub) {
			return ErrKeyMismatch
		}
		return nil
	}
	now := time.Now().UTC()
	next := cloneIdentityMap(s.identities)
	next[whisperID] = models.Identity{
		WhisperID:     whisperID,
		EncPublicKey:  append([]byte(nil), encPub...),
		SignPublicKey: append([]byte(nil), signPub...),
		Status:        models.IdentityActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.persistLocked(next, s.devices); err != nil {
		return err
	}
	s.identities = next
	return nil
}

// Lookup returns the registered key triple.
func (s *IdentityStore) Lookup(whisperID string) (models.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[whisperID]
	return id, ok
}

// VerifyOwnership checks that signPub matches the stored signing key,
// i.e. the caller holds the same seed the identity was registered
// with.
func (s *IdentityStore) VerifyOwnership(whisperID string, signPub []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[whisperID]
	if !ok {
		return ErrIdentityNotFound
	}
	if !bytes.Equal(id.SignPublicKey, signPub) {
		return ErrKeyMismatch
	}
	return nil
}

// SetStatus flips an identity between active and banned.
func (s *IdentityStore) SetStatus(whisperID string, status models.IdentityStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[whisperID]
	if !ok {
		return ErrIdentityNotFound
	}
	id.Status = status
	id.UpdatedAt = time.Now().UTC()
	next := cloneIdentityMap(s.identities)
	next[whisperID] = id
	if err := s.persistLocked(next, s.devices); err != nil {
		return err
	}
	s.identities = next
	return nil
}

// BindDevice upserts a device binding for an existing identity.
// Single-active-device is enforced by the session store revoking the
// identity's prior sessions; the registry keeps every binding it has
// seen.
func (s *IdentityStore) BindDevice(device models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[device.WhisperID]; !ok {
		return ErrIdentityNotFound
	}
	now := time.Now().UTC()
	key := deviceKey(device.WhisperID, device.DeviceID)
	if existing, ok := s.devices[key]; ok {
		device.BoundAt = existing.BoundAt
	} else {
		device.BoundAt = now
	}
	device.UpdatedAt = now
	next := cloneDeviceMap(s.devices)
	next[key] = device
	if err := s.persistLocked(s.identities, next); err != nil {
		return err
	}
	s.devices = next
	return nil
}

// UpdateTokens replaces the push/voip tokens on a bound device.
// Empty values leave the current token in place.
func (s *IdentityStore) UpdateTokens(whisperID, deviceID, pushToken, voipToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey(whisperID, deviceID)
	device, ok := s.devices[key]
	if !ok {
		return ErrIdentityNotFound
	}
	if pushToken != "" {
		device.PushToken = pushToken
	}
	if voipToken != "" {
		device.VoipToken = voipToken
	}
	device.UpdatedAt = time.Now().UTC()
	next := cloneDeviceMap(s.devices)
	next[key] = device
	if err := s.persistLocked(s.identities, next); err != nil {
		return err
	}
	s.devices = next
	return nil
}

// DevicesFor lists bindings for an identity, most recently updated
// first.
func (s *IdentityStore) DevicesFor(whisperID string) []models.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Device
	for _, d := range s.devices {
		if d.WhisperID == whisperID {
			out = append(out, d)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].UpdatedAt.After(out[j-1].UpdatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (s *IdentityStore) persistLocked(identities map[string]models.Identity, devices map[string]models.Device) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteSnapshot(s.path, s.secret, identitySnapshot{
		Identities: identities,
		Devices:    devices,
	})
}

func deviceKey(whisperID, deviceID string) string {
	return whisperID + "\x00" + deviceID
}

func cloneIdentityMap(in map[string]models.Identity) map[string]models.Identity {
	out := make(map[string]models.Identity, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneDeviceMap(in map[string]models.Device) map[string]models.Device {
	out := make(map[string]models.Device, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
