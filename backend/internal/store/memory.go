package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"collabHub/backend/internal/oplog"
	"collabHub/backend/internal/room"
)

type membershipKey struct {
	kind room.Kind
	ref  string
	user uint64
}

// MemoryStore 本地开发和测试用，进程退出即丢失
type MemoryStore struct {
	mu      sync.RWMutex
	ops     map[string][]oplog.Operation // 每个房间按版本升序
	snaps   map[string][]oplog.Snapshot
	docs    map[string]room.Document
	members map[membershipKey]room.Permission
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops:     make(map[string][]oplog.Operation),
		snaps:   make(map[string][]oplog.Snapshot),
		docs:    make(map[string]room.Document),
		members: make(map[membershipKey]room.Permission),
	}
}

func (s *MemoryStore) PutOperation(_ context.Context, op oplog.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.ops[op.RoomID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Version >= op.Version })
	if i < len(list) && list[i].Version == op.Version {
		return fmt.Errorf("%w: op %s@%d", ErrDuplicate, op.RoomID, op.Version)
	}
	list = append(list, oplog.Operation{})
	copy(list[i+1:], list[i:])
	list[i] = op
	s.ops[op.RoomID] = list
	return nil
}

func (s *MemoryStore) GetOperations(_ context.Context, roomID string, fromVersion uint64, limit int) ([]oplog.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.ops[roomID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Version > fromVersion })
	end := len(list)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	out := make([]oplog.Operation, end-i)
	copy(out, list[i:end])
	return out, nil
}

func (s *MemoryStore) PutSnapshot(_ context.Context, snap oplog.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.snaps[snap.RoomID] {
		if existing.Version == snap.Version {
			return nil
		}
	}
	list := append(s.snaps[snap.RoomID], snap)
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	s.snaps[snap.RoomID] = list
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, roomID string) (oplog.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.snaps[roomID]
	if len(list) == 0 {
		return oplog.Snapshot{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (s *MemoryStore) LookupDocument(_ context.Context, ref string) (room.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[ref]
	return d, ok, nil
}

func (s *MemoryStore) MemberPermission(_ context.Context, kind room.Kind, ref string, userID uint64) (room.Permission, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.members[membershipKey{kind, ref, userID}]
	return p, ok, nil
}

func (s *MemoryStore) PutDocument(_ context.Context, doc room.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.Ref] = doc
	return nil
}

func (s *MemoryStore) PutMembership(_ context.Context, kind room.Kind, ref string, userID uint64, perm room.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[membershipKey{kind, ref, userID}] = perm
	return nil
}

func (s *MemoryStore) RemoveMembership(_ context.Context, kind room.Kind, ref string, userID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, membershipKey{kind, ref, userID})
	return nil
}

func (s *MemoryStore) Close() error { return nil }
