package oplog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabHub/backend/internal/errcode"
)

// fakeStore 测试用内存存储（store 包依赖本包，这里不能反向引用）
type fakeStore struct {
	mu    sync.Mutex
	ops   map[string][]Operation
	snaps map[string]Snapshot
	fail  error
	// 非 nil 时下一次写入成功落库，但仍返回这个错误
	failAfterWrite error
}

var errDuplicateVersion = errors.New("duplicate version")

func newFakeStore() *fakeStore {
	return &fakeStore{ops: map[string][]Operation{}, snaps: map[string]Snapshot{}}
}

func (s *fakeStore) PutOperation(_ context.Context, op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	for _, existing := range s.ops[op.RoomID] {
		if existing.Version == op.Version {
			return errDuplicateVersion
		}
	}
	s.ops[op.RoomID] = append(s.ops[op.RoomID], op)
	if err := s.failAfterWrite; err != nil {
		s.failAfterWrite = nil
		return err
	}
	return nil
}

func (s *fakeStore) GetOperations(_ context.Context, roomID string, from uint64, limit int) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Operation
	for _, op := range s.ops[roomID] {
		if op.Version > from {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) PutSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.RoomID] = snap
	return nil
}

func (s *fakeStore) LatestSnapshot(_ context.Context, roomID string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[roomID]
	return snap, ok, nil
}

const room = "document:42"

func insertDraft(base uint64, pos int, text string) Draft {
	return Draft{RoomID: room, AuthorID: 1, BaseVersion: base, Payload: InsertPayload{Position: pos, Text: text}}
}

func cursorDraft(base uint64, pos int) Draft {
	return Draft{RoomID: room, AuthorID: 2, BaseVersion: base, Payload: CursorPayload{Position: pos}}
}

func TestAppendOnClosedRoom(t *testing.T) {
	l := NewLog(newFakeStore(), Options{})
	_, err := l.Append(context.Background(), insertDraft(0, 0, "a"))
	assert.ErrorIs(t, err, errcode.ErrRoomClosed)
}

func TestAppendAssignsGaplessVersionsUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	var (
		mu       sync.Mutex
		notified []uint64
	)
	l := NewLog(newFakeStore(), Options{OnAppend: func(op Operation) {
		mu.Lock()
		notified = append(notified, op.Version)
		mu.Unlock()
	}})
	require.NoError(t, l.Open(ctx, room))
	defer l.Close(ctx, room)

	const n = 50
	var wg sync.WaitGroup
	versions := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 光标操作不受版本过期限制，可以并发提交
			op, err := l.Append(ctx, cursorDraft(0, 0))
			if err == nil {
				versions <- op.Version
			}
		}()
	}
	wg.Wait()
	close(versions)

	var got []uint64
	for v := range versions {
		got = append(got, v)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Len(t, got, n)
	for i, v := range got {
		assert.Equal(t, uint64(i+1), v)
	}
	// OnAppend 按版本顺序触发
	for i, v := range notified {
		assert.Equal(t, uint64(i+1), v)
	}
	latest, err := l.Latest(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), latest)
}

func TestConcurrentEditsOnSameBaseOneWins(t *testing.T) {
	ctx := context.Background()
	l := NewLog(newFakeStore(), Options{})
	require.NoError(t, l.Open(ctx, room))
	defer l.Close(ctx, room)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	ops := make([]Operation, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ops[i], errs[i] = l.Append(ctx, insertDraft(0, 0, "x"))
		}(i)
	}
	wg.Wait()

	wins, stale := 0, 0
	for i := range errs {
		switch {
		case errs[i] == nil:
			wins++
			assert.Equal(t, uint64(1), ops[i].Version)
		case errors.Is(errs[i], errcode.ErrStaleVersion):
			stale++
			v, ok := errcode.LatestVersion(errs[i])
			assert.True(t, ok)
			assert.Equal(t, uint64(1), v)
		default:
			t.Fatalf("unexpected error: %v", errs[i])
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, stale)

	text, ver, err := l.Content(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, "x", text)
	assert.Equal(t, uint64(1), ver)
}

func TestAnnotationOnOlderBaseAccepted(t *testing.T) {
	ctx := context.Background()
	l := NewLog(nil, Options{})
	require.NoError(t, l.Open(ctx, room))
	defer l.Close(ctx, room)

	_, err := l.Append(ctx, insertDraft(0, 0, "hello"))
	require.NoError(t, err)
	op, err := l.Append(ctx, cursorDraft(0, 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), op.Version)

	_, err = l.Append(ctx, cursorDraft(5, 0))
	assert.ErrorIs(t, err, errcode.ErrInvalidOperation)
}

func TestAppendRejectsOutOfRangeEdit(t *testing.T) {
	ctx := context.Background()
	l := NewLog(nil, Options{})
	require.NoError(t, l.Open(ctx, room))
	defer l.Close(ctx, room)

	_, err := l.Append(ctx, Draft{RoomID: room, Payload: DeletePayload{Position: 0, Length: 3}})
	assert.ErrorIs(t, err, errcode.ErrInvalidOperation)
	latest, _ := l.Latest(ctx, room)
	assert.Equal(t, uint64(0), latest)
}

func TestAppendDeduplicatesClientSeq(t *testing.T) {
	ctx := context.Background()
	l := NewLog(newFakeStore(), Options{})
	require.NoError(t, l.Open(ctx, room))
	defer l.Close(ctx, room)

	d := insertDraft(0, 0, "a")
	d.ClientID, d.ClientSeq = "c1", 1
	first, err := l.Append(ctx, d)
	require.NoError(t, err)

	d.BaseVersion = 1
	_, err = l.Append(ctx, d)
	require.ErrorIs(t, err, errcode.ErrDuplicateOrOutOfOrder)
	var ve *errcode.VersionError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, first.Version, ve.Applied)

	d.ClientSeq = 2
	_, err = l.Append(ctx, d)
	assert.NoError(t, err)
}

func TestPersistFailureDoesNotConsumeVersion(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	l := NewLog(st, Options{})
	require.NoError(t, l.Open(ctx, room))
	defer l.Close(ctx, room)

	st.fail = errors.New("disk full")
	_, err := l.Append(ctx, insertDraft(0, 0, "a"))
	require.Error(t, err)

	st.mu.Lock()
	st.fail = nil
	st.mu.Unlock()
	op, err := l.Append(ctx, insertDraft(0, 0, "a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), op.Version)
}

func TestAppendSurvivesWriteThatReportedTimeout(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	var announced []uint64
	l := NewLog(st, Options{OnAppend: func(op Operation) { announced = append(announced, op.Version) }})
	require.NoError(t, l.Open(ctx, room))
	defer l.Close(ctx, room)

	// 行已写入，驱动却报告超时
	st.failAfterWrite = context.DeadlineExceeded
	d := insertDraft(0, 0, "a")
	d.ConnID = "conn-1"
	op, err := l.Append(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), op.Version)
	assert.Equal(t, "conn-1", op.ConnID)

	op, err = l.Append(ctx, insertDraft(1, 1, "b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), op.Version)
	assert.Equal(t, []uint64{1, 2}, announced)

	content, v, err := l.Content(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, "ab", content)
	assert.Equal(t, uint64(2), v)
}

func TestAppendCatchesUpWhenVersionAlreadyStored(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	var announced []uint64
	l := NewLog(st, Options{OnAppend: func(op Operation) { announced = append(announced, op.Version) }})
	require.NoError(t, l.Open(ctx, room))
	defer l.Close(ctx, room)

	// 存储里已有本实例不知道的 v1
	st.mu.Lock()
	st.ops[room] = append(st.ops[room], Operation{RoomID: room, Version: 1, ID: "elsewhere", Kind: KindInsert, Payload: InsertPayload{Position: 0, Text: "x"}})
	st.mu.Unlock()

	_, err := l.Append(ctx, insertDraft(0, 0, "a"))
	var verr *errcode.VersionError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, errcode.ErrStaleVersion)
	assert.Equal(t, uint64(1), verr.Latest)
	assert.Equal(t, []uint64{1}, announced)

	op, err := l.Append(ctx, insertDraft(1, 1, "a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), op.Version)

	content, _, err := l.Content(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, "xa", content)
}

func TestReadBackfillsFromStore(t *testing.T) {
	ctx := context.Background()
	l := NewLog(newFakeStore(), Options{RingCapacity: 3})
	require.NoError(t, l.Open(ctx, room))
	defer l.Close(ctx, room)

	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, insertDraft(uint64(i), i, "a"))
		require.NoError(t, err)
	}

	ops, err := l.Read(ctx, room, 2, 0)
	require.NoError(t, err)
	require.Len(t, ops, 8)
	for i, op := range ops {
		assert.Equal(t, uint64(i+3), op.Version)
	}

	ops, err = l.Read(ctx, room, 0, 4)
	require.NoError(t, err)
	require.Len(t, ops, 4)
	assert.Equal(t, uint64(4), ops[3].Version)

	ops, err = l.Read(ctx, room, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestReadWithoutStoreReportsTrimmedHistory(t *testing.T) {
	ctx := context.Background()
	l := NewLog(nil, Options{RingCapacity: 2})
	require.NoError(t, l.Open(ctx, room))
	defer l.Close(ctx, room)

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, cursorDraft(uint64(i), 0))
		require.NoError(t, err)
	}
	_, err := l.Read(ctx, room, 0, 0)
	assert.ErrorIs(t, err, errcode.ErrHistoryUnavailable)

	ops, err := l.Read(ctx, room, 3, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
}

func TestReopenRecoversFromSnapshotAndOps(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	l := NewLog(st, Options{})
	require.NoError(t, l.Open(ctx, room))

	_, err := l.Append(ctx, insertDraft(0, 0, "hello"))
	require.NoError(t, err)
	require.NoError(t, l.Snapshot(ctx, room, false))
	_, err = l.Append(ctx, insertDraft(1, 5, " world"))
	require.NoError(t, err)
	d := Draft{RoomID: room, ClientID: "c9", ClientSeq: 4, BaseVersion: 2, Payload: DeletePayload{Position: 0, Length: 1}}
	_, err = l.Append(ctx, d)
	require.NoError(t, err)

	// 直接停 actor，不写最终快照，模拟进程崩溃
	l.mu.Lock()
	seq := l.seqs[room]
	delete(l.seqs, room)
	l.mu.Unlock()
	seq.stop()

	_, err = l.Append(ctx, insertDraft(3, 0, "x"))
	assert.ErrorIs(t, err, errcode.ErrRoomClosed)

	// 关闭状态下仍能从存储读历史
	ops, err := l.Read(ctx, room, 0, 0)
	require.NoError(t, err)
	assert.Len(t, ops, 3)

	l2 := NewLog(st, Options{})
	require.NoError(t, l2.Open(ctx, room))
	defer l2.Close(ctx, room)
	text, ver, err := l2.Content(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, "ello world", text)
	assert.Equal(t, uint64(3), ver)

	// 去重窗口同样被恢复
	d.BaseVersion = 3
	_, err = l2.Append(ctx, d)
	assert.ErrorIs(t, err, errcode.ErrDuplicateOrOutOfOrder)
}

func TestCloseWritesSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	l := NewLog(st, Options{})
	require.NoError(t, l.Open(ctx, room))
	_, err := l.Append(ctx, insertDraft(0, 0, "abc"))
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx, room))
	assert.False(t, l.IsOpen(room))

	snap, ok, _ := st.LatestSnapshot(ctx, room)
	require.True(t, ok)
	assert.Equal(t, "abc", snap.Content)
	assert.Equal(t, uint64(1), snap.Version)
}

func TestAttachOrdersCatchUpBeforeLiveOps(t *testing.T) {
	ctx := context.Background()
	var (
		mu     sync.Mutex
		stream []uint64
	)
	attached := false
	l := NewLog(newFakeStore(), Options{RingCapacity: 2, OnAppend: func(op Operation) {
		mu.Lock()
		defer mu.Unlock()
		if attached {
			stream = append(stream, op.Version)
		}
	}})
	require.NoError(t, l.Open(ctx, room))
	defer l.Close(ctx, room)

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, cursorDraft(uint64(i), 0))
		require.NoError(t, err)
	}

	from := uint64(1)
	require.NoError(t, l.Attach(ctx, room, &from, func(latest uint64, missed []Operation, err error) {
		assert.NoError(t, err)
		assert.Equal(t, uint64(5), latest)
		mu.Lock()
		defer mu.Unlock()
		for _, op := range missed {
			stream = append(stream, op.Version)
		}
		attached = true
	}))

	for i := 5; i < 8; i++ {
		_, err := l.Append(ctx, cursorDraft(uint64(i), 0))
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{2, 3, 4, 5, 6, 7, 8}, stream)

	assert.ErrorIs(t, NewLog(nil, Options{}).Attach(ctx, room, nil, func(uint64, []Operation, error) {}), errcode.ErrRoomClosed)
}
