package session

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChallengeTTL bounds how long a registration challenge stays
// answerable.
const ChallengeTTL = 2 * time.Minute

const challengeBytes = 32

var ErrChallengeNotFound = errors.New("challenge not found, expired, or already used")

// Challenge is a single-use random value a registering device must
// sign to prove key possession.
type Challenge struct {
	ChallengeID   string
	Bytes         []byte
	WhisperID     string
	BoundDeviceID string
	ExpiresAt     time.Time
}

// ChallengeStore issues and consumes single-use challenges.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]Challenge
	now        func() time.Time
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{
		challenges: make(map[string]Challenge),
		now:        time.Now,
	}
}

// Issue draws 32 random bytes bound to the registering device.
func (s *ChallengeStore) Issue(whisperID, deviceID string) (Challenge, error) {
	raw := make([]byte, challengeBytes)
	if _, err := rand.Read(raw); err != nil {
		return Challenge{}, err
	}
	challenge := Challenge{
		ChallengeID:   uuid.NewString(),
		Bytes:         raw,
		WhisperID:     whisperID,
		BoundDeviceID: deviceID,
		ExpiresAt:     s.now().Add(ChallengeTTL),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[challenge.ChallengeID] = challenge
	return challenge, nil
}

// Consume removes and returns the challenge; a second call for the
// same id fails, making every challenge single-use.
func (s *ChallengeStore) Consume(challengeID string) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	challenge, ok := s.challenges[challengeID]
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	delete(s.challenges, challengeID)
	if s.now().After(challenge.ExpiresAt) {
		return Challenge{}, ErrChallengeNotFound
	}
	return challenge, nil
}

// Sweep drops expired challenges.
func (s *ChallengeStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, challenge := range s.challenges {
		if now.After(challenge.ExpiresAt) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed
}
