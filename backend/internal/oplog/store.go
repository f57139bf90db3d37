package oplog

import "context"

// Store 持久化协作接口（只声明，实现在 store 包）
type Store interface {
	PutOperation(ctx context.Context, op Operation) error
	// GetOperations 返回 version > fromVersion 的操作，按版本升序；limit<=0 表示不限
	GetOperations(ctx context.Context, roomID string, fromVersion uint64, limit int) ([]Operation, error)
	PutSnapshot(ctx context.Context, snap Snapshot) error
	LatestSnapshot(ctx context.Context, roomID string) (Snapshot, bool, error)
}

type Snapshot struct {
	RoomID  string
	Version uint64
	Content string
}
