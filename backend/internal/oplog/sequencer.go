package oplog

import (
	"context"
	"fmt"
	"time"

	"collabHub/backend/internal/errcode"
	"collabHub/backend/internal/ot/delta"
)

// 单条操作落库的超时，与调用方的 ctx 无关
const persistTimeout = 5 * time.Second

type clientMark struct {
	seq     uint64
	version uint64
}

// roomState 只允许 sequencer 的 goroutine 访问，无需加锁
type roomState struct {
	roomID  string
	version uint64
	// 近期操作环形缓冲（按版本升序）
	ring    []Operation
	ringCap int
	// 去重窗口：clientId -> 最近一次已应用的 clientSeq
	lastByClient map[string]clientMark
	buf          Buffer
	// 自上次快照后文本是否有变化
	dirty bool
	// 已提交、尚未通知 OnAppend 的操作
	announce []Operation
}

func newRoomState(roomID string, ringCap int) *roomState {
	return &roomState{
		roomID:       roomID,
		ring:         make([]Operation, 0, ringCap),
		ringCap:      ringCap,
		lastByClient: make(map[string]clientMark),
		buf:          NewPieceTable(""),
	}
}

func (st *roomState) append(ctx context.Context, store Store, d Draft, now time.Time, id string) (Operation, error) {
	kind := d.Payload.Kind()

	if d.ClientID != "" && d.ClientSeq > 0 {
		if m, ok := st.lastByClient[d.ClientID]; ok && d.ClientSeq <= m.seq {
			return Operation{}, &errcode.VersionError{Err: errcode.ErrDuplicateOrOutOfOrder, Latest: st.version, Applied: m.version}
		}
	}
	if d.BaseVersion > st.version {
		return Operation{}, fmt.Errorf("%w: base version %d ahead of %d", errcode.ErrInvalidOperation, d.BaseVersion, st.version)
	}
	if kind.Mutates() && d.BaseVersion != st.version {
		return Operation{}, &errcode.VersionError{Err: errcode.ErrStaleVersion, Latest: st.version}
	}

	var dl delta.Delta
	if kind.Mutates() {
		dl = AsDelta(d.Payload)
		if err := dl.Validate(st.buf.Len()); err != nil {
			return Operation{}, fmt.Errorf("%w: %v", errcode.ErrInvalidOperation, err)
		}
	}

	op := Operation{
		RoomID:    st.roomID,
		Version:   st.version + 1,
		ID:        id,
		AuthorID:  d.AuthorID,
		ConnID:    d.ConnID,
		ClientID:  d.ClientID,
		ClientSeq: d.ClientSeq,
		Kind:      kind,
		Payload:   d.Payload,
		Timestamp: now,
	}
	// 先落库再推进版本：落库失败不消耗版本号。
	// 调用方超时不能打断写入，否则可能已写入却没推进版本
	if store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		err := store.PutOperation(pctx, op)
		cancel()
		if err != nil {
			return st.reconcile(ctx, store, op, err)
		}
	}
	st.commit(op, dl)
	st.announce = append(st.announce, op)
	return op, nil
}

// reconcile 落库报错后以存储为准追上版本：写入其实已成功时按成功返回，
// 被其他写入占用时提交存储里的操作并让调用方 rebase
func (st *roomState) reconcile(ctx context.Context, store Store, op Operation, putErr error) (Operation, error) {
	failed := fmt.Errorf("persist op %s@%d: %w", st.roomID, op.Version, putErr)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	stored, err := store.GetOperations(rctx, st.roomID, st.version, 0)
	if err != nil || len(stored) == 0 {
		return Operation{}, failed
	}
	if err := checkContiguous(stored, st.version); err != nil {
		return Operation{}, fmt.Errorf("%w (reload: %v)", failed, err)
	}
	var mine *Operation
	for i := range stored {
		if stored[i].ID == op.ID {
			// 内存里的副本带着连接信息，ack 需要它
			stored[i] = op
		}
		st.commit(stored[i], AsDelta(stored[i].Payload))
		st.announce = append(st.announce, stored[i])
		if stored[i].ID == op.ID {
			mine = &stored[i]
		}
	}
	if mine != nil {
		return *mine, nil
	}
	if op.Kind.Mutates() {
		return Operation{}, &errcode.VersionError{Err: errcode.ErrStaleVersion, Latest: st.version}
	}
	return Operation{}, failed
}

// drainAnnounce 取出待通知的操作（按版本升序）
func (st *roomState) drainAnnounce() []Operation {
	out := st.announce
	st.announce = nil
	return out
}

// commit 推进版本（调用方保证已校验）
func (st *roomState) commit(op Operation, dl delta.Delta) {
	if dl != nil {
		_ = st.buf.Apply(dl)
		st.dirty = true
	}
	st.version = op.Version
	if st.ringCap > 0 {
		if len(st.ring) == st.ringCap {
			copy(st.ring[0:], st.ring[1:])
			st.ring = st.ring[:len(st.ring)-1]
		}
		st.ring = append(st.ring, op)
	}
	if op.ClientID != "" && op.ClientSeq > 0 {
		if m := st.lastByClient[op.ClientID]; op.ClientSeq > m.seq {
			st.lastByClient[op.ClientID] = clientMark{seq: op.ClientSeq, version: op.Version}
		}
	}
}

// since 返回环形缓冲中 version > from 的操作副本，以及缓冲中最老的版本
func (st *roomState) since(from uint64) (ops []Operation, oldest uint64) {
	if len(st.ring) == 0 {
		return nil, st.version + 1
	}
	oldest = st.ring[0].Version
	for _, op := range st.ring {
		if op.Version > from {
			ops = append(ops, op)
		}
	}
	return ops, oldest
}

// sequencer 每个房间一个 goroutine，串行处理该房间的所有请求
type sequencer struct {
	reqs chan func(*roomState)
	quit chan struct{}
	done chan struct{}
}

func startSequencer(st *roomState, backlog int) *sequencer {
	s := &sequencer{
		reqs: make(chan func(*roomState), backlog),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run(st)
	return s
}

func (s *sequencer) run(st *roomState) {
	defer close(s.done)
	for {
		select {
		case fn := <-s.reqs:
			fn(st)
		case <-s.quit:
			return
		}
	}
}

// do 把 fn 投递给 actor 并等待执行完成
func (s *sequencer) do(ctx context.Context, fn func(*roomState)) error {
	finished := make(chan struct{})
	task := func(st *roomState) {
		defer close(finished)
		fn(st)
	}
	select {
	case s.reqs <- task:
	case <-s.done:
		return errcode.ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		// actor 在取到 task 之前退出
		select {
		case <-finished:
			return nil
		default:
			return errcode.ErrRoomClosed
		}
	}
}

func (s *sequencer) stop() {
	close(s.quit)
	<-s.done
}
