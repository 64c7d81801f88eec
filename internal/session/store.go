// Package session holds the relay's authentication state: opaque
// session tokens and single-use registration challenges. Both live in
// TTL maps; tokens are random indexes into the store and never encode
// secret material.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"whisper2/go-server/pkg/models"
)

const (
	// DefaultTTL is the session lifetime issued on registration.
	DefaultTTL = 24 * time.Hour
	// tokenBytes gives 256-bit tokens, comfortably above the 128-bit
	// floor the protocol requires.
	tokenBytes = 32
)

var (
	ErrSessionNotFound = errors.New("session not found or expired")
	ErrIdentityBanned  = errors.New("identity is banned")
)

// StatusFunc reports an identity's status so Resolve can treat a
// session for a banned identity as invalid in the same step.
type StatusFunc func(whisperID string) (models.IdentityStatus, bool)

// Store issues and resolves session tokens.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	byOwner  map[string]map[string]struct{} // whisperID -> tokens
	status   StatusFunc
	now      func() time.Time
}

func NewStore(status StatusFunc) *Store {
	return &Store{
		sessions: make(map[string]models.Session),
		byOwner:  make(map[string]map[string]struct{}),
		status:   status,
		now:      time.Now,
	}
}

// Issue creates a session for (whisperID, deviceID) with the given
// ttl.
func (s *Store) Issue(whisperID, deviceID string, ttl time.Duration) (models.Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token, err := newToken()
	if err != nil {
		return models.Session{}, err
	}
	now := s.now().UTC()
	session := models.Session{
		Token:            token,
		WhisperID:        whisperID,
		DeviceID:         deviceID,
		ExpiresAt:        now.Add(ttl),
		ServerTimeIssued: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = session
	owned := s.byOwner[whisperID]
	if owned == nil {
		owned = make(map[string]struct{})
		s.byOwner[whisperID] = owned
	}
	owned[token] = struct{}{}
	return session, nil
}

// Resolve returns the live session for token. Expired tokens and
// tokens whose identity is banned resolve as invalid; the ban check
// happens under the same lock as the lookup.
func (s *Store) Resolve(token string) (models.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok || s.now().After(session.ExpiresAt) {
		return models.Session{}, ErrSessionNotFound
	}
	if s.status != nil {
		status, known := s.status(session.WhisperID)
		if !known {
			return models.Session{}, ErrSessionNotFound
		}
		if status == models.IdentityBanned {
			return models.Session{}, ErrIdentityBanned
		}
	}
	return session, nil
}

// Refresh rotates the token and extends expiry; expiry is monotonic,
// never pulled earlier.
func (s *Store) Refresh(token string, ttl time.Duration) (models.Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	current, err := s.Resolve(token)
	if err != nil {
		return models.Session{}, err
	}
	next, err := newToken()
	if err != nil {
		return models.Session{}, err
	}
	now := s.now().UTC()
	expires := now.Add(ttl)
	if expires.Before(current.ExpiresAt) {
		expires = current.ExpiresAt
	}
	rotated := models.Session{
		Token:            next,
		WhisperID:        current.WhisperID,
		DeviceID:         current.DeviceID,
		ExpiresAt:        expires,
		ServerTimeIssued: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[token]; !ok {
		return models.Session{}, ErrSessionNotFound
	}
	delete(s.sessions, token)
	s.sessions[next] = rotated
	owned := s.byOwner[current.WhisperID]
	if owned == nil {
		owned = make(map[string]struct{})
		s.byOwner[current.WhisperID] = owned
	}
	delete(owned, token)
	owned[next] = struct{}{}
	return rotated, nil
}

// Revoke expires a single token immediately.
func (s *Store) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[token]
	if !ok {
		return
	}
	delete(s.sessions, token)
	if owned := s.byOwner[session.WhisperID]; owned != nil {
		delete(owned, token)
		if len(owned) == 0 {
			delete(s.byOwner, session.WhisperID)
		}
	}
}

// RevokeAllFor expires every session of an identity. Called when a
// new device binds, enforcing single-active-device, and on ban.
func (s *Store) RevokeAllFor(whisperID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := s.byOwner[whisperID]
	for token := range owned {
		delete(s.sessions, token)
	}
	count := len(owned)
	delete(s.byOwner, whisperID)
	return count
}

// ActiveCount reports live (unexpired) sessions.
func (s *Store) ActiveCount() int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, session := range s.sessions {
		if now.Before(session.ExpiresAt) {
			count++
		}
	}
	return count
}

// Sweep drops expired sessions and returns the number removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, token)
			if owned := s.byOwner[session.WhisperID]; owned != nil {
				delete(owned, token)
				if len(owned) == 0 {
					delete(s.byOwner, session.WhisperID)
				}
			}
			removed++
		}
	}
	return removed
}

func newToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
