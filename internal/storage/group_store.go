package storage

import (
	"errors"
	"sync"
	"time"

	"whisper2/go-server/internal/securestore"
	"whisper2/go-server/pkg/models"
)

var (
	ErrGroupNotFound  = errors.New("group not found")
	ErrNotGroupMember = errors.New("not a group member")
	ErrNotGroupAdmin  = errors.New("membership changes require owner or admin")
)

// GroupStore holds group membership. Any active member may post;
// owners and admins gate membership changes.
type GroupStore struct {
	mu     sync.RWMutex
	groups map[string]models.Group
	path   string
	secret string
}

type groupSnapshot struct {
	Groups map[string]models.Group `json:"groups"`
}

func NewGroupStore() *GroupStore {
	return &GroupStore{groups: make(map[string]models.Group)}
}

func NewPersistentGroupStore(path, secret string) (*GroupStore, error) {
	s := NewGroupStore()
	s.path = path
	s.secret = secret
	var snap groupSnapshot
	ok, err := securestore.ReadSnapshot(path, secret, &snap)
	if err != nil {
		return nil, err
	}
	if ok && snap.Groups != nil {
		s.groups = snap.Groups
	}
	return s, nil
}

// Create registers a group with the caller as owner.
func (s *GroupStore) Create(groupID, name, owner string, members []string) (models.Group, error) {
	now := time.Now().UTC()
	group := models.Group{
		GroupID:   groupID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Members:   []models.GroupMember{{WhisperID: owner, Role: models.GroupRoleOwner, JoinedAt: now}},
	}
	for _, member := range members {
		if member == owner {
			continue
		}
		group.Members = append(group.Members, models.GroupMember{WhisperID: member, Role: models.GroupRoleMember, JoinedAt: now})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneGroupMap(s.groups)
	next[groupID] = group
	if err := s.persistLocked(next); err != nil {
		return models.Group{}, err
	}
	s.groups = next
	return group, nil
}

// Get returns a group by id.
func (s *GroupStore) Get(groupID string) (models.Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	return group, ok
}

// RoleOf returns the caller's role in the group.
func (s *GroupStore) RoleOf(groupID, whisperID string) (models.GroupRole, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	if !ok {
		return "", false
	}
	for _, member := range group.Members {
		if member.WhisperID == whisperID {
			return member.Role, true
		}
	}
	return "", false
}

// Members lists member ids in join order.
func (s *GroupStore) Members(groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	out := make([]string, 0, len(group.Members))
	for _, member := range group.Members {
		out = append(out, member.WhisperID)
	}
	return out, nil
}

// Update applies membership and name changes. caller must be owner or
// admin; the owner cannot be removed.
func (s *GroupStore) Update(groupID, caller, name string, add, remove []string) (models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return models.Group{}, ErrGroupNotFound
	}
	role, isMember := roleOfLocked(group, caller)
	if !isMember {
		return models.Group{}, ErrNotGroupMember
	}
	if role != models.GroupRoleOwner && role != models.GroupRoleAdmin {
		return models.Group{}, ErrNotGroupAdmin
	}

	now := time.Now().UTC()
	if name != "" {
		group.Name = name
	}
	removeSet := make(map[string]struct{}, len(remove))
	for _, id := range remove {
		removeSet[id] = struct{}{}
	}
	kept := make([]models.GroupMember, 0, len(group.Members))
	for _, member := range group.Members {
		if _, drop := removeSet[member.WhisperID]; drop && member.Role != models.GroupRoleOwner {
			continue
		}
		kept = append(kept, member)
	}
	group.Members = kept
	for _, id := range add {
		if _, present := roleOfLocked(group, id); present {
			continue
		}
		group.Members = append(group.Members, models.GroupMember{WhisperID: id, Role: models.GroupRoleMember, JoinedAt: now})
	}
	group.UpdatedAt = now

	next := cloneGroupMap(s.groups)
	next[groupID] = group
	if err := s.persistLocked(next); err != nil {
		return models.Group{}, err
	}
	s.groups = next
	return group, nil
}

func roleOfLocked(group models.Group, whisperID string) (models.GroupRole, bool) {
	for _, member := range group.Members {
		if member.WhisperID == whisperID {
			return member.Role, true
		}
	}
	return "", false
}

func (s *GroupStore) persistLocked(groups map[string]models.Group) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteSnapshot(s.path, s.secret, groupSnapshot{Groups: groups})
}

func cloneGroupMap(in map[string]models.Group) map[string]models.Group {
	out := make(map[string]models.Group, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
