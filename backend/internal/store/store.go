package store

import (
	"context"
	"errors"

	"collabHub/backend/internal/oplog"
	"collabHub/backend/internal/room"
)

var (
	ErrDuplicate = errors.New("duplicate key")
	ErrNotFound  = errors.New("record not found")
)

// Store 协作服务需要的全部持久化能力
type Store interface {
	oplog.Store
	room.MembershipStore

	PutDocument(ctx context.Context, doc room.Document) error
	PutMembership(ctx context.Context, kind room.Kind, ref string, userID uint64, perm room.Permission) error
	RemoveMembership(ctx context.Context, kind room.Kind, ref string, userID uint64) error
	Close() error
}
