package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"collabHub/backend/internal/oplog"
	"collabHub/backend/internal/room"
)

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

func op(roomID string, v uint64) oplog.Operation {
	return oplog.Operation{
		RoomID:    roomID,
		Version:   v,
		ID:        fmt.Sprintf("op-%d", v),
		AuthorID:  1,
		Kind:      oplog.KindInsert,
		Payload:   oplog.InsertPayload{Position: 0, Text: "a"},
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestMemoryStoreOperations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	// 乱序写入也能按版本读出
	for _, v := range []uint64{3, 1, 2, 5, 4} {
		require.NoError(t, s.PutOperation(ctx, op("document:1", v)))
	}
	require.ErrorIs(t, s.PutOperation(ctx, op("document:1", 2)), ErrDuplicate)

	ops, err := s.GetOperations(ctx, "document:1", 1, 0)
	require.NoError(t, err)
	require.Len(t, ops, 4)
	for i, o := range ops {
		assert.Equal(t, uint64(i+2), o.Version)
	}

	ops, err = s.GetOperations(ctx, "document:1", 0, 2)
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	ops, err = s.GetOperations(ctx, "document:2", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestMemoryStoreSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, ok, err := s.LatestSnapshot(ctx, "document:1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutSnapshot(ctx, oplog.Snapshot{RoomID: "document:1", Version: 5, Content: "five"}))
	require.NoError(t, s.PutSnapshot(ctx, oplog.Snapshot{RoomID: "document:1", Version: 2, Content: "two"}))
	require.NoError(t, s.PutSnapshot(ctx, oplog.Snapshot{RoomID: "document:1", Version: 5, Content: "ignored"}))

	snap, ok, err := s.LatestSnapshot(ctx, "document:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), snap.Version)
	assert.Equal(t, "five", snap.Content)
}

func TestMemoryStoreMemberships(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.PutDocument(ctx, room.Document{Ref: "42", SpaceRef: "s1", OwnerID: 9}))
	doc, ok, err := s.LookupDocument(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(9), doc.OwnerID)

	require.NoError(t, s.PutMembership(ctx, room.KindSpace, "s1", 2, room.PermComment))
	p, ok, err := s.MemberPermission(ctx, room.KindSpace, "s1", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, room.PermComment, p)

	require.NoError(t, s.RemoveMembership(ctx, room.KindSpace, "s1", 2))
	_, ok, _ = s.MemberPermission(ctx, room.KindSpace, "s1", 2)
	assert.False(t, ok)
}

func TestOperationRecordRoundTrip(t *testing.T) {
	in := op("document:7", 3)
	in.ClientID, in.ClientSeq = "c1", 4
	in.Kind = oplog.KindComment
	in.Payload = oplog.CommentPayload{Position: 1, Length: 2, Text: "nice", Metadata: map[string]string{"color": "red"}}

	rec, err := toOperationRecord(in)
	require.NoError(t, err)
	assert.Equal(t, "comment", rec.Kind)

	out, err := rec.operation()
	require.NoError(t, err)
	assert.Equal(t, in, out)

	rec.Kind = "bogus"
	_, err = rec.operation()
	assert.Error(t, err)
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, isDuplicate(fmt.Errorf("insert: %w", &mysqldrv.MySQLError{Number: 1062, Message: "Duplicate entry"})))
	assert.True(t, isDuplicate(gorm.ErrDuplicatedKey))
	assert.False(t, isDuplicate(&mysqldrv.MySQLError{Number: 1205}))
	assert.False(t, isDuplicate(nil))
}
