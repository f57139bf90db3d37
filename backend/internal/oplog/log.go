package oplog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabHub/backend/internal/errcode"
)

type Options struct {
	// 近期操作环形缓冲容量
	RingCapacity int
	// 每个房间 actor 的请求队列长度
	Backlog int
	Now     func() time.Time
	NewID   func() string
	// OnAppend 在房间 actor 内同步调用，保证同一房间按版本顺序触发；不得阻塞
	OnAppend func(Operation)
	Logger   *zap.Logger
}

// Log 按房间管理 sequencer
type Log struct {
	mu    sync.Mutex
	seqs  map[string]*sequencer
	store Store
	opt   Options
}

func NewLog(store Store, opt Options) *Log {
	if opt.RingCapacity <= 0 {
		opt.RingCapacity = 1024
	}
	if opt.Backlog <= 0 {
		opt.Backlog = 64
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.NewID == nil {
		opt.NewID = func() string { return uuid.NewString() }
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Log{seqs: make(map[string]*sequencer), store: store, opt: opt}
}

// SetOnAppend 只能在任何房间打开之前调用
func (l *Log) SetOnAppend(fn func(Operation)) { l.opt.OnAppend = fn }

func (l *Log) get(roomID string) *sequencer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seqs[roomID]
}

// Open 打开房间：从最近快照 + 之后的操作恢复状态并启动 actor，已打开则直接返回
func (l *Log) Open(ctx context.Context, roomID string) error {
	if l.get(roomID) != nil {
		return nil
	}
	st, err := l.recover(ctx, roomID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seqs[roomID] != nil {
		return nil
	}
	l.seqs[roomID] = startSequencer(st, l.opt.Backlog)
	l.opt.Logger.Debug("room log opened", zap.String("room", roomID), zap.Uint64("version", st.version))
	return nil
}

func (l *Log) recover(ctx context.Context, roomID string) (*roomState, error) {
	st := newRoomState(roomID, l.opt.RingCapacity)
	if l.store == nil {
		return st, nil
	}
	snap, ok, err := l.store.LatestSnapshot(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", roomID, err)
	}
	if ok {
		st.buf = NewPieceTable(snap.Content)
		st.version = snap.Version
	}
	ops, err := l.store.GetOperations(ctx, roomID, st.version, 0)
	if err != nil {
		return nil, fmt.Errorf("load ops %s: %w", roomID, err)
	}
	if err := checkContiguous(ops, st.version); err != nil {
		return nil, err
	}
	for _, op := range ops {
		st.commit(op, AsDelta(op.Payload))
	}
	st.dirty = len(ops) > 0
	return st, nil
}

// Append 在房间 sequencer 中分配下一个版本；同一房间并发提交只有一个能拿到某个版本
func (l *Log) Append(ctx context.Context, d Draft) (Operation, error) {
	if d.Payload == nil {
		return Operation{}, fmt.Errorf("%w: missing payload", errcode.ErrInvalidOperation)
	}
	if err := ValidatePayload(d.Payload); err != nil {
		return Operation{}, err
	}
	seq := l.get(d.RoomID)
	if seq == nil {
		return Operation{}, errcode.ErrRoomClosed
	}
	var (
		op     Operation
		appErr error
	)
	err := seq.do(ctx, func(st *roomState) {
		op, appErr = st.append(ctx, l.store, d, l.opt.Now(), l.opt.NewID())
		// 包括落库报错后从存储补回的操作
		for _, applied := range st.drainAnnounce() {
			if l.opt.OnAppend != nil {
				l.opt.OnAppend(applied)
			}
		}
	})
	if err != nil {
		return Operation{}, err
	}
	return op, appErr
}

// Read 返回 fromVersion+1..latest（limit<=0 不限），严格递增且无空洞
func (l *Log) Read(ctx context.Context, roomID string, fromVersion uint64, limit int) ([]Operation, error) {
	seq := l.get(roomID)
	if seq == nil {
		return l.readStore(ctx, roomID, fromVersion, limit)
	}
	var (
		ring   []Operation
		oldest uint64
		latest uint64
	)
	err := seq.do(ctx, func(st *roomState) {
		ring, oldest = st.since(fromVersion)
		latest = st.version
	})
	if errors.Is(err, errcode.ErrRoomClosed) {
		return l.readStore(ctx, roomID, fromVersion, limit)
	}
	if err != nil {
		return nil, err
	}
	return l.assemble(ctx, roomID, fromVersion, limit, ring, oldest, latest)
}

// Attach 在房间 actor 内调用 fn，传入当前版本以及 fromVersion 之后的全部操作。
// fn 返回之后追加的操作才会触发 OnAppend，订阅方据此做到补齐与实时推送之间不重不漏。
// fromVersion 为 nil 时不补齐。
func (l *Log) Attach(ctx context.Context, roomID string, fromVersion *uint64, fn func(latest uint64, missed []Operation, err error)) error {
	seq := l.get(roomID)
	if seq == nil {
		return errcode.ErrRoomClosed
	}
	return seq.do(ctx, func(st *roomState) {
		if fromVersion == nil {
			fn(st.version, nil, nil)
			return
		}
		ring, oldest := st.since(*fromVersion)
		missed, err := l.assemble(ctx, roomID, *fromVersion, 0, ring, oldest, st.version)
		fn(st.version, missed, err)
	})
}

func (l *Log) assemble(ctx context.Context, roomID string, fromVersion uint64, limit int, ring []Operation, oldest, latest uint64) ([]Operation, error) {
	if fromVersion > latest {
		return nil, fmt.Errorf("%w: version %d ahead of %d", errcode.ErrInvalidOperation, fromVersion, latest)
	}
	if fromVersion == latest {
		return nil, nil
	}

	var out []Operation
	if fromVersion+1 < oldest {
		// 环形缓冲已经淘汰，回源补齐 (from, oldest)
		if l.store == nil {
			return nil, fmt.Errorf("%w: %s before version %d", errcode.ErrHistoryUnavailable, roomID, oldest)
		}
		stored, err := l.store.GetOperations(ctx, roomID, fromVersion, int(oldest-1-fromVersion))
		if err != nil {
			return nil, fmt.Errorf("backfill %s: %w", roomID, err)
		}
		out = append(out, stored...)
	}
	out = append(out, ring...)
	if err := checkContiguous(out, fromVersion); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Log) readStore(ctx context.Context, roomID string, fromVersion uint64, limit int) ([]Operation, error) {
	if l.store == nil {
		return nil, nil
	}
	ops, err := l.store.GetOperations(ctx, roomID, fromVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", roomID, err)
	}
	if err := checkContiguous(ops, fromVersion); err != nil {
		return nil, err
	}
	return ops, nil
}

func checkContiguous(ops []Operation, fromVersion uint64) error {
	want := fromVersion + 1
	for _, op := range ops {
		if op.Version != want {
			return fmt.Errorf("%w: expected version %d, got %d", errcode.ErrHistoryUnavailable, want, op.Version)
		}
		want++
	}
	return nil
}

// Latest 返回房间当前版本
func (l *Log) Latest(ctx context.Context, roomID string) (uint64, error) {
	_, v, err := l.Content(ctx, roomID)
	return v, err
}

// Content 返回文档文本与对应版本；房间未打开时从存储临时恢复
func (l *Log) Content(ctx context.Context, roomID string) (string, uint64, error) {
	seq := l.get(roomID)
	if seq != nil {
		var (
			text string
			ver  uint64
		)
		err := seq.do(ctx, func(st *roomState) {
			text = st.buf.String()
			ver = st.version
		})
		if err == nil {
			return text, ver, nil
		}
		if !errors.Is(err, errcode.ErrRoomClosed) {
			return "", 0, err
		}
	}
	st, err := l.recover(ctx, roomID)
	if err != nil {
		return "", 0, err
	}
	return st.buf.String(), st.version, nil
}

// Snapshot 持久化当前文本；force=false 时仅在有变化时写入
func (l *Log) Snapshot(ctx context.Context, roomID string, force bool) error {
	if l.store == nil {
		return errors.New("snapshot store not initialized")
	}
	seq := l.get(roomID)
	if seq == nil {
		return errcode.ErrRoomClosed
	}
	var snapErr error
	err := seq.do(ctx, func(st *roomState) {
		snapErr = l.snapshotLocked(ctx, st, force)
	})
	if err != nil {
		return err
	}
	return snapErr
}

func (l *Log) snapshotLocked(ctx context.Context, st *roomState, force bool) error {
	if !st.dirty && !force {
		return nil
	}
	snap := Snapshot{RoomID: st.roomID, Version: st.version, Content: st.buf.String()}
	if err := l.store.PutSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot %s@%d: %w", st.roomID, st.version, err)
	}
	st.dirty = false
	return nil
}

// SnapshotAll 给定时任务用：所有已打开且有变化的房间写快照
func (l *Log) SnapshotAll(ctx context.Context) int {
	n := 0
	for _, roomID := range l.Rooms() {
		if err := l.Snapshot(ctx, roomID, false); err != nil {
			l.opt.Logger.Warn("snapshot failed", zap.String("room", roomID), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// Close 写最后一次快照并停止 actor；之后的 Append 返回 RoomClosed
func (l *Log) Close(ctx context.Context, roomID string) error {
	l.mu.Lock()
	seq := l.seqs[roomID]
	delete(l.seqs, roomID)
	l.mu.Unlock()
	if seq == nil {
		return nil
	}
	var snapErr error
	if l.store != nil {
		err := seq.do(ctx, func(st *roomState) {
			snapErr = l.snapshotLocked(ctx, st, false)
		})
		if err != nil && snapErr == nil {
			snapErr = err
		}
	}
	seq.stop()
	l.opt.Logger.Debug("room log closed", zap.String("room", roomID))
	return snapErr
}

func (l *Log) IsOpen(roomID string) bool { return l.get(roomID) != nil }

func (l *Log) Rooms() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.seqs))
	for id := range l.seqs {
		out = append(out, id)
	}
	return out
}
