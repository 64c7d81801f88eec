package storage

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"whisper2/go-server/internal/securestore"
	"whisper2/go-server/pkg/models"
)

const (
	// DefaultFetchLimit applies when a fetch_pending frame omits limit.
	DefaultFetchLimit = 50
	// MaxFetchLimit is the server-side bound on one page.
	MaxFetchLimit = 200
	// PendingTTL is how long an undelivered envelope survives.
	PendingTTL = 30 * 24 * time.Hour
)

var ErrBadCursor = errors.New("invalid pending cursor")

type pendingRow struct {
	Seq      uint64          `json:"seq"`
	Envelope models.Envelope `json:"envelope"`
}

// PendingStore is the durable per-recipient FIFO of undelivered
// envelopes. Insertion order per recipient defines replay order; the
// cursor is the last seen row sequence, opaque to clients and valid
// across reconnects.
type PendingStore struct {
	mu     sync.RWMutex
	seq    uint64
	rows   map[string][]pendingRow // recipient -> rows in insertion order
	seen   map[string]struct{}     // recipient + "\x00" + messageID
	path   string
	secret string
}

type pendingSnapshot struct {
	Seq  uint64                  `json:"seq"`
	Rows map[string][]pendingRow `json:"rows"`
}

func NewPendingStore() *PendingStore {
	return &PendingStore{
		rows: make(map[string][]pendingRow),
		seen: make(map[string]struct{}),
	}
}

func NewPersistentPendingStore(path, secret string) (*PendingStore, error) {
	s := NewPendingStore()
	s.path = path
	s.secret = secret
	var snap pendingSnapshot
	ok, err := securestore.ReadSnapshot(path, secret, &snap)
	if err != nil {
		return nil, err
	}
	if ok {
		s.seq = snap.Seq
		if snap.Rows != nil {
			s.rows = snap.Rows
		}
		for recipient, rows := range s.rows {
			for _, row := range rows {
				s.seen[pendingKey(recipient, row.Envelope.MessageID)] = struct{}{}
			}
		}
	}
	return s, nil
}

// Enqueue appends an envelope to its recipient's queue. A second
// insert of the same (recipient, messageId) is ignored so sender
// retries stay idempotent; inserted reports whether a row was added.
func (s *PendingStore) Enqueue(env models.Envelope) (inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pendingKey(env.To, env.MessageID)
	if _, dup := s.seen[key]; dup {
		return false, nil
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	nextSeq := s.seq + 1
	next := clonePendingMap(s.rows)
	next[env.To] = append(append([]pendingRow(nil), next[env.To]...), pendingRow{Seq: nextSeq, Envelope: env})
	if err := s.persistLocked(nextSeq, next); err != nil {
		return false, err
	}
	s.seq = nextSeq
	s.rows = next
	s.seen[key] = struct{}{}
	return true, nil
}

// Fetch returns up to limit oldest rows after cursor, in insertion
// order. nextCursor is non-empty iff more rows remain.
func (s *PendingStore) Fetch(recipient, cursor string, limit int) ([]models.Envelope, string, error) {
	after := uint64(0)
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", ErrBadCursor
		}
		after = parsed
	}
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	if limit > MaxFetchLimit {
		limit = MaxFetchLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rows[recipient]
	out := make([]models.Envelope, 0, limit)
	lastSeq := after
	more := false
	for _, row := range rows {
		if row.Seq <= after {
			continue
		}
		if len(out) == limit {
			more = true
			break
		}
		out = append(out, row.Envelope)
		lastSeq = row.Seq
	}
	if !more {
		return out, "", nil
	}
	return out, strconv.FormatUint(lastSeq, 10), nil
}

// Ack removes a delivered row. Re-acking a row that is already gone
// is a no-op, not an error.
func (s *PendingStore) Ack(recipient, messageID string) (removed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pendingKey(recipient, messageID)
	if _, ok := s.seen[key]; !ok {
		return false, nil
	}
	rows := s.rows[recipient]
	next := clonePendingMap(s.rows)
	filtered := make([]pendingRow, 0, len(rows))
	for _, row := range rows {
		if row.Envelope.MessageID != messageID {
			filtered = append(filtered, row)
		}
	}
	if len(filtered) == 0 {
		delete(next, recipient)
	} else {
		next[recipient] = filtered
	}
	if err := s.persistLocked(s.seq, next); err != nil {
		return false, err
	}
	s.rows = next
	delete(s.seen, key)
	return true, nil
}

// Expire deletes rows enqueued before the TTL horizon and returns the
// number removed.
func (s *PendingStore) Expire(now time.Time) (int, error) {
	horizon := now.Add(-PendingTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	next := make(map[string][]pendingRow, len(s.rows))
	expired := make([]string, 0)
	for recipient, rows := range s.rows {
		kept := make([]pendingRow, 0, len(rows))
		for _, row := range rows {
			if row.Envelope.EnqueuedAt.Before(horizon) {
				removed++
				expired = append(expired, pendingKey(recipient, row.Envelope.MessageID))
				continue
			}
			kept = append(kept, row)
		}
		if len(kept) > 0 {
			next[recipient] = kept
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.persistLocked(s.seq, next); err != nil {
		return 0, err
	}
	s.rows = next
	for _, key := range expired {
		delete(s.seen, key)
	}
	return removed, nil
}

// SizeFor reports the queue depth for one recipient.
func (s *PendingStore) SizeFor(recipient string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows[recipient])
}

// TotalSize reports the number of undelivered rows across recipients.
func (s *PendingStore) TotalSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, rows := range s.rows {
		total += len(rows)
	}
	return total
}

func (s *PendingStore) persistLocked(seq uint64, rows map[string][]pendingRow) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteSnapshot(s.path, s.secret, pendingSnapshot{Seq: seq, Rows: rows})
}

func pendingKey(recipient, messageID string) string {
	return recipient + "\x00" + messageID
}

func clonePendingMap(in map[string][]pendingRow) map[string][]pendingRow {
	out := make(map[string][]pendingRow, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
