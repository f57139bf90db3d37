package collab

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabHub/backend/internal/auth"
	"collabHub/backend/internal/broadcast"
	"collabHub/backend/internal/cache"
	"collabHub/backend/internal/errcode"
	"collabHub/backend/internal/oplog"
	"collabHub/backend/internal/presence"
	"collabHub/backend/internal/protocol"
	"collabHub/backend/internal/room"
	"collabHub/backend/internal/signaling"
	"collabHub/backend/internal/store"
)

const docRoom = "document:42"

var (
	alice = auth.User{ID: 1, Username: "alice"}
	bob   = auth.User{ID: 2, Username: "bob"}
	carol = auth.User{ID: 3, Username: "carol"}
)

type recordingSink struct {
	mu     sync.Mutex
	events []DocOpEvent
}

func (r *recordingSink) TryEnqueue(evt DocOpEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return true
}

func (r *recordingSink) versions() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Version)
	}
	return out
}

type fixture struct {
	svc   *Service
	store *store.MemoryStore
	sink  *recordingSink
	log   *oplog.Log
	reg   *room.Registry
}

type fixtureOptions struct {
	queueSize int
	// 包一层存储，用来控制落库和快照的时机
	wrapStore func(*store.MemoryStore) oplog.Store
	directory PresenceDirectory
	mirror    presence.Mirror
}

func newFixture(t *testing.T, queueSize int) *fixture {
	return newFixtureWith(t, fixtureOptions{queueSize: queueSize})
}

func newFixtureWith(t *testing.T, opt fixtureOptions) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	// alice 拥有文档，bob 在空间内只读，carol 可编辑
	require.NoError(t, st.PutDocument(ctx, room.Document{Ref: "42", SpaceRef: "s1", OwnerID: alice.ID}))
	require.NoError(t, st.PutMembership(ctx, room.KindSpace, "s1", bob.ID, room.PermView))
	require.NoError(t, st.PutMembership(ctx, room.KindSpace, "s1", carol.ID, room.PermEdit))
	require.NoError(t, st.PutMembership(ctx, room.KindHireSession, "h1", alice.ID, room.PermEdit))
	require.NoError(t, st.PutMembership(ctx, room.KindHireSession, "h1", bob.ID, room.PermEdit))

	var logStore oplog.Store = st
	if opt.wrapStore != nil {
		logStore = opt.wrapStore(st)
	}
	lg := oplog.NewLog(logStore, oplog.Options{RingCapacity: 16})
	reg := room.NewRegistry(st, time.Minute, nil)
	bc := broadcast.New(broadcast.Options{QueueSize: opt.queueSize})
	sink := &recordingSink{}
	svc := NewService(Deps{
		Log:         lg,
		Registry:    reg,
		Presence:    presence.NewTracker(presence.Options{Mirror: opt.mirror}),
		Broadcaster: bc,
		Relay:       signaling.NewRelay(bc, nil, nil),
		Events:      sink,
		Directory:   opt.directory,
	})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return &fixture{svc: svc, store: st, sink: sink, log: lg, reg: reg}
}

// next 读取下一条指定类型的消息，跳过其他类型
func next(t *testing.T, sub *broadcast.Subscriber, typ string) protocol.ServerMessage {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case b, ok := <-sub.C():
			require.True(t, ok, "queue closed while waiting for %s", typ)
			var m protocol.ServerMessage
			require.NoError(t, json.Unmarshal(b, &m))
			if m.Type == typ {
				return m
			}
		case <-timeout:
			t.Fatalf("no %s message", typ)
		}
	}
}

// none 断言队列里没有指定类型的消息
func none(t *testing.T, sub *broadcast.Subscriber, typ string) {
	t.Helper()
	for {
		select {
		case b := <-sub.C():
			var m protocol.ServerMessage
			require.NoError(t, json.Unmarshal(b, &m))
			assert.NotEqual(t, typ, m.Type)
		default:
			return
		}
	}
}

func insert(pos int, text string) json.RawMessage {
	b, _ := json.Marshal(oplog.InsertPayload{Position: pos, Text: text})
	return b
}

func connect(t *testing.T, svc *Service, u auth.User) *broadcast.Subscriber {
	t.Helper()
	sub, err := svc.Connect(u)
	require.NoError(t, err)
	w := next(t, sub, protocol.TypeWelcome)
	assert.Equal(t, sub.ConnID, w.ConnID)
	assert.Equal(t, u.ID, w.UserID)
	return sub
}

func TestSubmitAcksSubmitterAndBroadcastsToOthers(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()

	a := connect(t, f.svc, alice)
	c := connect(t, f.svc, carol)
	res, err := f.svc.Subscribe(ctx, a.ConnID, docRoom, nil)
	require.NoError(t, err)
	assert.Equal(t, room.PermEdit, res.Permission)
	_, err = f.svc.Subscribe(ctx, c.ConnID, docRoom, nil)
	require.NoError(t, err)

	op, err := f.svc.Submit(ctx, a.ConnID, Submission{
		RoomID: docRoom, BaseVersion: 0, ClientID: "tab-1", ClientSeq: 1,
		Kind: oplog.KindInsert, Payload: insert(0, "hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), op.Version)

	ack := next(t, a, protocol.TypeOpApplied)
	assert.Equal(t, uint64(1), ack.Version)
	assert.Equal(t, "tab-1", ack.ClientID)
	assert.Equal(t, uint64(1), ack.ClientSeq)

	bcast := next(t, c, protocol.TypeOpBroadcast)
	require.NotNil(t, bcast.Op)
	assert.Equal(t, uint64(1), bcast.Op.Version)
	assert.Equal(t, alice.ID, bcast.Op.AuthorID)
	none(t, a, protocol.TypeOpBroadcast)

	assert.Equal(t, []uint64{1}, f.sink.versions())

	content, v, err := f.svc.Content(ctx, c.ConnID, docRoom)
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
	assert.Equal(t, uint64(1), v)
}

func TestSubmitPermissionAndRoomChecks(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()

	b := connect(t, f.svc, bob)

	// 房间从未打开
	_, err := f.svc.Submit(ctx, b.ConnID, Submission{RoomID: docRoom, Kind: oplog.KindInsert, Payload: insert(0, "x")})
	assert.ErrorIs(t, err, errcode.ErrRoomClosed)

	a := connect(t, f.svc, alice)
	_, err = f.svc.Subscribe(ctx, a.ConnID, docRoom, nil)
	require.NoError(t, err)

	// 房间已活跃但 bob 没订阅
	_, err = f.svc.Submit(ctx, b.ConnID, Submission{RoomID: docRoom, Kind: oplog.KindInsert, Payload: insert(0, "x")})
	assert.ErrorIs(t, err, errcode.ErrUnauthorized)

	res, err := f.svc.Subscribe(ctx, b.ConnID, docRoom, nil)
	require.NoError(t, err)
	assert.Equal(t, room.PermView, res.Permission)

	_, err = f.svc.Submit(ctx, b.ConnID, Submission{RoomID: docRoom, Kind: oplog.KindInsert, Payload: insert(0, "x")})
	assert.ErrorIs(t, err, errcode.ErrForbidden)

	// 只读用户可以同步光标
	cursor, _ := json.Marshal(oplog.CursorPayload{Position: 0})
	_, err = f.svc.Submit(ctx, b.ConnID, Submission{RoomID: docRoom, Kind: oplog.KindCursor, Payload: cursor})
	assert.NoError(t, err)

	_, err = f.svc.Submit(ctx, b.ConnID, Submission{RoomID: docRoom, Kind: "paint", Payload: cursor})
	assert.ErrorIs(t, err, errcode.ErrInvalidOperation)

	_, err = f.svc.SaveSnapshot(ctx, b.ConnID, docRoom)
	assert.ErrorIs(t, err, errcode.ErrForbidden)
	v, err := f.svc.SaveSnapshot(ctx, a.ConnID, docRoom)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	x := connect(t, f.svc, auth.User{ID: 99, Username: "mallory"})
	_, err = f.svc.Subscribe(ctx, x.ConnID, docRoom, nil)
	assert.ErrorIs(t, err, errcode.ErrForbidden)
	_, err = f.svc.Subscribe(ctx, x.ConnID, "hire-session:h1", nil)
	assert.ErrorIs(t, err, errcode.ErrUnauthorized)
	_, err = f.svc.Subscribe(ctx, x.ConnID, "nonsense", nil)
	assert.ErrorIs(t, err, errcode.ErrInvalidRoom)
}

func TestConcurrentSubmitsOnSameBase(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()
	a := connect(t, f.svc, alice)
	c := connect(t, f.svc, carol)
	for _, s := range []*broadcast.Subscriber{a, c} {
		_, err := f.svc.Subscribe(ctx, s.ConnID, docRoom, nil)
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, s := range []*broadcast.Subscriber{a, c} {
		wg.Add(1)
		go func(i int, connID string) {
			defer wg.Done()
			_, errs[i] = f.svc.Submit(ctx, connID, Submission{
				RoomID: docRoom, BaseVersion: 0, Kind: oplog.KindInsert, Payload: insert(0, "x"),
			})
		}(i, s.ConnID)
	}
	wg.Wait()

	var ok, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, errcode.ErrStaleVersion):
			stale++
			latest, has := errcode.LatestVersion(err)
			assert.True(t, has)
			assert.Equal(t, uint64(1), latest)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, stale)
	assert.Equal(t, []uint64{1}, f.sink.versions())
}

func TestReconnectCatchesUpWithoutGapsOrDuplicates(t *testing.T) {
	f := newFixture(t, 256)
	ctx := context.Background()
	a := connect(t, f.svc, alice)
	_, err := f.svc.Subscribe(ctx, a.ConnID, docRoom, nil)
	require.NoError(t, err)

	c := connect(t, f.svc, carol)
	_, err = f.svc.Subscribe(ctx, c.ConnID, docRoom, nil)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, a.ConnID, Submission{RoomID: docRoom, Kind: oplog.KindInsert, Payload: insert(0, "a")})
	require.NoError(t, err)

	// carol 断线，期间 alice 继续编辑
	f.svc.Disconnect(c.ConnID)
	for v := uint64(1); v < 4; v++ {
		_, err = f.svc.Submit(ctx, a.ConnID, Submission{RoomID: docRoom, BaseVersion: v, Kind: oplog.KindInsert, Payload: insert(0, "a")})
		require.NoError(t, err)
	}

	c2 := connect(t, f.svc, carol)
	known := uint64(1)

	// 补齐与实时推送同时进行
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := uint64(4); v < 7; v++ {
			_, err := f.svc.Submit(ctx, a.ConnID, Submission{RoomID: docRoom, BaseVersion: v, Kind: oplog.KindInsert, Payload: insert(0, "b")})
			assert.NoError(t, err)
		}
	}()
	res, err := f.svc.Subscribe(ctx, c2.ConnID, docRoom, &known)
	require.NoError(t, err)
	<-done

	subscribed := next(t, c2, protocol.TypeSubscribed)
	assert.Equal(t, res.Version, subscribed.Version)
	catchup := next(t, c2, protocol.TypeSync)
	assert.Equal(t, res.Version, catchup.Version)

	var seen []uint64
	for _, op := range catchup.Ops {
		seen = append(seen, op.Version)
	}
	for uint64(len(seen)) < 7-known {
		m := next(t, c2, protocol.TypeOpBroadcast)
		seen = append(seen, m.Op.Version)
	}
	assert.Equal(t, []uint64{2, 3, 4, 5, 6, 7}, seen)
	none(t, c2, protocol.TypeOpBroadcast)
}

func TestDisconnectIsScopedToConnection(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()

	a1 := connect(t, f.svc, alice)
	a2 := connect(t, f.svc, alice)
	c := connect(t, f.svc, carol)
	for _, s := range []*broadcast.Subscriber{c, a1, a2} {
		_, err := f.svc.Subscribe(ctx, s.ConnID, docRoom, nil)
		require.NoError(t, err)
	}
	joined := next(t, c, protocol.TypePresence)
	require.NotNil(t, joined.Event)
	assert.Equal(t, presence.UserJoined, joined.Event.Kind)
	none(t, c, protocol.TypePresence)

	f.svc.Disconnect(a1.ConnID)
	f.svc.Disconnect(a1.ConnID)

	// alice 还有一个连接，不产生 user_left
	members := f.svc.Presence(docRoom)
	require.Len(t, members, 2)
	none(t, c, protocol.TypePresence)

	_, err := f.svc.Submit(ctx, a2.ConnID, Submission{RoomID: docRoom, Kind: oplog.KindInsert, Payload: insert(0, "x")})
	require.NoError(t, err)
	next(t, c, protocol.TypeOpBroadcast)

	f.svc.Disconnect(a2.ConnID)
	left := next(t, c, protocol.TypePresence)
	require.NotNil(t, left.Event)
	assert.Equal(t, presence.UserLeft, left.Event.Kind)
	assert.Equal(t, alice.ID, left.Event.UserID)
	assert.Equal(t, 1, f.reg.Subscribers(docRoom))
}

func TestIdleRoomIsSweptAndReopened(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()
	a := connect(t, f.svc, alice)
	_, err := f.svc.Subscribe(ctx, a.ConnID, docRoom, nil)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, a.ConnID, Submission{RoomID: docRoom, Kind: oplog.KindInsert, Payload: insert(0, "kept")})
	require.NoError(t, err)

	require.NoError(t, f.svc.Unsubscribe(a.ConnID, docRoom))
	assert.Empty(t, f.svc.SweepIdleRooms(ctx, time.Now()))
	assert.Equal(t, []string{docRoom}, f.svc.SweepIdleRooms(ctx, time.Now().Add(2*time.Minute)))
	assert.Equal(t, room.StateEmpty, f.svc.RoomState(docRoom))
	assert.False(t, f.log.IsOpen(docRoom))

	// 关闭后的房间仍可通过 HTTP 读取
	ops, err := f.svc.ReadOps(ctx, alice, docRoom, 0, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	res, err := f.svc.Subscribe(ctx, a.ConnID, docRoom, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Version)
	content, _, err := f.svc.Content(ctx, a.ConnID, docRoom)
	require.NoError(t, err)
	assert.Equal(t, "kept", content)
}

func TestExpirePresenceUnsubscribes(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()
	a := connect(t, f.svc, alice)
	_, err := f.svc.Subscribe(ctx, a.ConnID, docRoom, nil)
	require.NoError(t, err)
	assert.True(t, f.svc.Heartbeat(a.ConnID, docRoom))

	assert.Equal(t, 1, f.svc.ExpirePresence(time.Now().Add(time.Hour)))
	msg := next(t, a, protocol.TypeError)
	assert.Equal(t, "HEARTBEAT_TIMEOUT", msg.Code)
	assert.Empty(t, f.svc.Presence(docRoom))
	assert.Equal(t, 0, f.reg.Subscribers(docRoom))

	_, err = f.svc.Submit(ctx, a.ConnID, Submission{RoomID: docRoom, Kind: oplog.KindInsert, Payload: insert(0, "x")})
	assert.ErrorIs(t, err, errcode.ErrUnauthorized)
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	a := connect(t, f.svc, alice)
	c := connect(t, f.svc, carol)
	for _, s := range []*broadcast.Subscriber{a, c} {
		_, err := f.svc.Subscribe(ctx, s.ConnID, docRoom, nil)
		require.NoError(t, err)
	}

	// carol 从不读取；alice 每次都取走自己的 ack
	for v := uint64(0); v < 10; v++ {
		_, err := f.svc.Submit(ctx, a.ConnID, Submission{RoomID: docRoom, BaseVersion: v, Kind: oplog.KindInsert, Payload: insert(0, "x")})
		require.NoError(t, err)
		next(t, a, protocol.TypeOpApplied)
	}

	assert.Eventually(t, func() bool {
		return f.reg.Subscribers(docRoom) == 1
	}, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Reason(), errcode.ErrTransportFailure)

	_, err := f.svc.Submit(ctx, c.ConnID, Submission{RoomID: docRoom, Kind: oplog.KindCursor, Payload: json.RawMessage(`{"position":0}`)})
	assert.ErrorIs(t, err, errcode.ErrTransportFailure)
}

func TestSignalRequiresSubscription(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()
	const hire = "hire-session:h1"
	a := connect(t, f.svc, alice)
	b := connect(t, f.svc, bob)

	ice := json.RawMessage(`{"candidate":""}`)
	assert.ErrorIs(t, f.svc.Signal(ctx, a.ConnID, hire, bob.ID, signaling.KindICE, ice), errcode.ErrRoomClosed)

	for _, s := range []*broadcast.Subscriber{a, b} {
		_, err := f.svc.Subscribe(ctx, s.ConnID, hire, nil)
		require.NoError(t, err)
	}
	require.NoError(t, f.svc.Signal(ctx, a.ConnID, hire, bob.ID, signaling.KindICE, ice))
	m := next(t, b, protocol.TypeSignal)
	require.NotNil(t, m.Signal)
	assert.Equal(t, alice.ID, m.Signal.From)

	// 文档房间不走信令
	_, err := f.svc.Subscribe(ctx, a.ConnID, docRoom, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.Signal(ctx, a.ConnID, docRoom, bob.ID, signaling.KindICE, ice), errcode.ErrInvalidSignal)
}

// gatedSnapshots 第一次写快照时停住，直到测试放行
type gatedSnapshots struct {
	*store.MemoryStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSnapshots) PutSnapshot(ctx context.Context, snap oplog.Snapshot) error {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.MemoryStore.PutSnapshot(ctx, snap)
}

func TestSubscribeDuringSweepReopensRoom(t *testing.T) {
	gate := &gatedSnapshots{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixtureWith(t, fixtureOptions{queueSize: 64, wrapStore: func(st *store.MemoryStore) oplog.Store {
		gate.MemoryStore = st
		return gate
	}})
	ctx := context.Background()
	a := connect(t, f.svc, alice)
	_, err := f.svc.Subscribe(ctx, a.ConnID, docRoom, nil)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, a.ConnID, Submission{RoomID: docRoom, Kind: oplog.KindInsert, Payload: insert(0, "kept")})
	require.NoError(t, err)
	require.NoError(t, f.svc.Unsubscribe(a.ConnID, docRoom))

	gate.armed.Store(true)
	swept := make(chan []string, 1)
	go func() { swept <- f.svc.SweepIdleRooms(ctx, time.Now().Add(2*time.Minute)) }()
	<-gate.entered

	// 关闭快照还没写完时重新订阅
	b := connect(t, f.svc, carol)
	subscribed := make(chan error, 1)
	var res SubscribeResult
	go func() {
		var err error
		res, err = f.svc.Subscribe(ctx, b.ConnID, docRoom, nil)
		subscribed <- err
	}()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, subscribed, "subscribe finished while the room was closing")
	assert.Equal(t, room.StateEmpty, f.svc.RoomState(docRoom))

	close(gate.release)
	assert.Equal(t, []string{docRoom}, <-swept)
	require.NoError(t, <-subscribed)
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, room.StateActive, f.svc.RoomState(docRoom))
	assert.True(t, f.log.IsOpen(docRoom))
	assert.Equal(t, 1, f.reg.Subscribers(docRoom))

	op, err := f.svc.Submit(ctx, b.ConnID, Submission{RoomID: docRoom, BaseVersion: 1, Kind: oplog.KindInsert, Payload: insert(4, "!")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), op.Version)
	content, _, err := f.svc.Content(ctx, b.ConnID, docRoom)
	require.NoError(t, err)
	assert.Equal(t, "kept!", content)
}

func TestRoomPresenceMergesDirectory(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	dir := cache.NewRedisPresence(rdb)

	f := newFixtureWith(t, fixtureOptions{queueSize: 64, directory: dir, mirror: dir})
	ctx := context.Background()
	a := connect(t, f.svc, alice)
	_, err := f.svc.Subscribe(ctx, a.ConnID, docRoom, nil)
	require.NoError(t, err)

	// 另一个实例上的 carol
	require.NoError(t, dir.AddMember(ctx, docRoom, carol.ID, carol.Username, time.Minute))

	members, err := f.svc.RoomPresence(ctx, bob, docRoom)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, alice.ID, members[0].UserID)
	assert.Equal(t, 1, members[0].Connections)
	assert.Equal(t, presence.Member{UserID: carol.ID, Username: carol.Username}, members[1])

	_, err = f.svc.ListRooms(ctx, bob)
	assert.ErrorIs(t, err, errcode.ErrForbidden)
	rooms, err := f.svc.ListRooms(ctx, auth.User{ID: 99, Role: auth.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, []string{docRoom}, rooms.Local)
	assert.Equal(t, []string{docRoom}, rooms.Online)

	// Redis 挂掉时只返回本实例的名单
	mr.Close()
	members, err = f.svc.RoomPresence(ctx, bob, docRoom)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, alice.ID, members[0].UserID)
}
