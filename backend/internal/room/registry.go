package room

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"collabHub/backend/internal/auth"
	"collabHub/backend/internal/errcode"
)

type Document struct {
	Ref      string
	SpaceRef string
	OwnerID  uint64
}

// MembershipStore 授权所需的只读查询
type MembershipStore interface {
	LookupDocument(ctx context.Context, ref string) (Document, bool, error)
	// MemberPermission 用户在某个房间（空间/直播课/面试）上的权限；不是成员时 ok=false
	MemberPermission(ctx context.Context, kind Kind, ref string, userID uint64) (Permission, bool, error)
}

const authorizeTimeout = 5 * time.Second

type State int

const (
	StateEmpty State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "ACTIVE"
	}
	return "EMPTY"
}

type entry struct {
	subs      int
	idleSince time.Time
	// 非 nil 表示正在回收，回收结束后关闭
	closing chan struct{}
}

// Registry 房间授权 + 生命周期
type Registry struct {
	store   MembershipStore
	group   singleflight.Group
	idleTTL time.Duration
	now     func() time.Time
	logger  *zap.Logger

	mu    sync.Mutex
	rooms map[string]*entry
}

func NewRegistry(store MembershipStore, idleTTL time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:   store,
		idleTTL: idleTTL,
		now:     time.Now,
		logger:  logger,
		rooms:   make(map[string]*entry),
	}
}

// Authorize 每次订阅都重新判定；只合并同一时刻相同的查询，不缓存结果
func (r *Registry) Authorize(ctx context.Context, roomID string, u auth.User) (Permission, error) {
	id, err := ParseID(roomID)
	if err != nil {
		return PermNone, err
	}
	key := id.String() + "|" + strconv.FormatUint(u.ID, 10) + "|" + u.Role
	// 合并后的查询不能跟随某一个调用方的 ctx 被取消
	ch := r.group.DoChan(key, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), authorizeTimeout)
		defer cancel()
		return r.authorize(lctx, id, u)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return PermNone, res.Err
		}
		return res.Val.(Permission), nil
	case <-ctx.Done():
		return PermNone, ctx.Err()
	}
}

func (r *Registry) authorize(ctx context.Context, id ID, u auth.User) (Permission, error) {
	if u.ID == 0 {
		return PermNone, errcode.ErrUnauthorized
	}
	switch id.Kind {
	case KindDocument:
		doc, ok, err := r.store.LookupDocument(ctx, id.Ref)
		if err != nil {
			return PermNone, fmt.Errorf("lookup document %s: %w", id.Ref, err)
		}
		if !ok {
			return PermNone, fmt.Errorf("%w: document %s not found", errcode.ErrInvalidRoom, id.Ref)
		}
		if doc.OwnerID == u.ID || u.IsAdmin() {
			return PermEdit, nil
		}
		if doc.SpaceRef == "" {
			return PermNone, fmt.Errorf("%w: document %s", errcode.ErrForbidden, id.Ref)
		}
		p, ok, err := r.store.MemberPermission(ctx, KindSpace, doc.SpaceRef, u.ID)
		if err != nil {
			return PermNone, fmt.Errorf("lookup space %s: %w", doc.SpaceRef, err)
		}
		if !ok || p == PermNone {
			return PermNone, fmt.Errorf("%w: document %s", errcode.ErrForbidden, id.Ref)
		}
		return p, nil

	case KindLiveClass:
		if u.IsAdmin() {
			return PermEdit, nil
		}
		return r.member(ctx, id, u)

	case KindSpace, KindHireSession:
		return r.member(ctx, id, u)
	}
	return PermNone, fmt.Errorf("%w: %s", errcode.ErrInvalidRoom, id)
}

func (r *Registry) member(ctx context.Context, id ID, u auth.User) (Permission, error) {
	p, ok, err := r.store.MemberPermission(ctx, id.Kind, id.Ref, u.ID)
	if err != nil {
		return PermNone, fmt.Errorf("lookup membership %s: %w", id, err)
	}
	if !ok || p == PermNone {
		return PermNone, fmt.Errorf("%w: not a member of %s", errcode.ErrUnauthorized, id)
	}
	return p, nil
}

// Acquire 订阅者 +1，返回房间是否从 EMPTY 变为 ACTIVE。
// 房间正在被回收时等回收结束，再当作新房间打开
func (r *Registry) Acquire(roomID string) bool {
	r.mu.Lock()
	for {
		e, ok := r.rooms[roomID]
		if ok && e.closing != nil {
			ch := e.closing
			r.mu.Unlock()
			<-ch
			r.mu.Lock()
			continue
		}
		if !ok {
			e = &entry{}
			r.rooms[roomID] = e
		}
		e.subs++
		e.idleSince = time.Time{}
		r.mu.Unlock()
		return !ok
	}
}

// Release 订阅者 -1，归零后开始计时
func (r *Registry) Release(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[roomID]
	if !ok || e.subs == 0 {
		return
	}
	e.subs--
	if e.subs == 0 {
		e.idleSince = r.now()
	}
}

// Sweep 回收空闲超过 TTL 的房间，返回被回收的房间 ID。
// closeFn 在锁外逐个调用；期间房间对外是 EMPTY，新的 Acquire 会等它返回
func (r *Registry) Sweep(now time.Time, closeFn func(roomID string)) []string {
	r.mu.Lock()
	var out []string
	for id, e := range r.rooms {
		if e.closing == nil && e.subs == 0 && !e.idleSince.IsZero() && now.Sub(e.idleSince) >= r.idleTTL {
			e.closing = make(chan struct{})
			out = append(out, id)
		}
	}
	r.mu.Unlock()

	for _, id := range out {
		if closeFn != nil {
			closeFn(id)
		}
		r.mu.Lock()
		e := r.rooms[id]
		delete(r.rooms, id)
		r.mu.Unlock()
		close(e.closing)
	}
	if len(out) > 0 {
		r.logger.Info("rooms swept", zap.Strings("rooms", out))
	}
	return out
}

func (r *Registry) State(roomID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rooms[roomID]; ok && e.closing == nil {
		return StateActive
	}
	return StateEmpty
}

func (r *Registry) Subscribers(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rooms[roomID]; ok {
		return e.subs
	}
	return 0
}

func (r *Registry) ActiveRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.rooms {
		if e.closing == nil {
			n++
		}
	}
	return n
}
