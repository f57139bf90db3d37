package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabHub/backend/internal/auth"
)

const DefaultHeartbeatTimeout = 30 * time.Second

type EventKind string

const (
	UserJoined EventKind = "user_joined"
	UserLeft   EventKind = "user_left"
)

type Event struct {
	Kind     EventKind `json:"event"`
	RoomID   string    `json:"roomId"`
	UserID   uint64    `json:"userId"`
	Username string    `json:"username"`
	ConnID   string    `json:"connId,omitempty"`
	At       time.Time `json:"at"`
}

// Entry 一个 (room, connection) 一条
type Entry struct {
	RoomID   string    `json:"roomId"`
	UserID   uint64    `json:"userId"`
	Username string    `json:"username"`
	ConnID   string    `json:"connId"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// Member 按用户聚合后的在线成员
type Member struct {
	UserID      uint64    `json:"userId"`
	Username    string    `json:"username"`
	Connections int       `json:"connections"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Mirror 跨实例共享的在线名单（Redis 实现见 cache 包）
type Mirror interface {
	AddMember(ctx context.Context, roomID string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, roomID string, userID uint64) error
}

type Options struct {
	HeartbeatTimeout time.Duration
	Mirror           Mirror
	// Listener 在释放锁之后同步调用
	Listener func(Event)
	Logger   *zap.Logger
	Now      func() time.Time
}

type Tracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Entry // roomID -> connID -> entry
	opt   Options
}

func NewTracker(opt Options) *Tracker {
	if opt.HeartbeatTimeout <= 0 {
		opt.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Tracker{rooms: make(map[string]map[string]*Entry), opt: opt}
}

// SetListener 只能在开始使用之前调用
func (t *Tracker) SetListener(fn func(Event)) { t.opt.Listener = fn }

// userConns 调用方持锁
func userConns(conns map[string]*Entry, userID uint64) int {
	n := 0
	for _, e := range conns {
		if e.UserID == userID {
			n++
		}
	}
	return n
}

// Join 同一个 (room, conn) 重复加入只刷新 lastSeen；用户第一条连接才产生 user_joined
func (t *Tracker) Join(roomID string, u auth.User, connID string) bool {
	now := t.opt.Now()
	t.mu.Lock()
	conns, ok := t.rooms[roomID]
	if !ok {
		conns = make(map[string]*Entry)
		t.rooms[roomID] = conns
	}
	if e, ok := conns[connID]; ok {
		e.LastSeen = now
		t.mu.Unlock()
		t.mirrorAdd(roomID, u.ID, u.Username)
		return false
	}
	first := userConns(conns, u.ID) == 0
	conns[connID] = &Entry{RoomID: roomID, UserID: u.ID, Username: u.Username, ConnID: connID, JoinedAt: now, LastSeen: now}
	t.mu.Unlock()

	t.mirrorAdd(roomID, u.ID, u.Username)
	if first {
		t.emit(Event{Kind: UserJoined, RoomID: roomID, UserID: u.ID, Username: u.Username, ConnID: connID, At: now})
	}
	return first
}

// Leave 用户最后一条连接离开时才产生 user_left
func (t *Tracker) Leave(roomID, connID string) bool {
	t.mu.Lock()
	e, last := t.removeLocked(roomID, connID)
	t.mu.Unlock()
	if e == nil {
		return false
	}
	if last {
		t.mirrorRemove(roomID, e.UserID)
		t.emit(Event{Kind: UserLeft, RoomID: roomID, UserID: e.UserID, Username: e.Username, ConnID: connID, At: t.opt.Now()})
	}
	return last
}

// LeaveAll 连接断开时清理它在所有房间的条目
func (t *Tracker) LeaveAll(connID string) []string {
	t.mu.Lock()
	var rooms []string
	for roomID, conns := range t.rooms {
		if _, ok := conns[connID]; ok {
			rooms = append(rooms, roomID)
		}
	}
	t.mu.Unlock()
	for _, roomID := range rooms {
		t.Leave(roomID, connID)
	}
	return rooms
}

func (t *Tracker) removeLocked(roomID, connID string) (*Entry, bool) {
	conns, ok := t.rooms[roomID]
	if !ok {
		return nil, false
	}
	e, ok := conns[connID]
	if !ok {
		return nil, false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(t.rooms, roomID)
	}
	return e, userConns(conns, e.UserID) == 0
}

// Heartbeat 刷新 lastSeen；roomID 为空时刷新该连接的所有房间
func (t *Tracker) Heartbeat(roomID, connID string) bool {
	now := t.opt.Now()
	type refreshed struct {
		roomID   string
		userID   uint64
		username string
	}
	var hits []refreshed
	t.mu.Lock()
	for rid, conns := range t.rooms {
		if roomID != "" && rid != roomID {
			continue
		}
		if e, ok := conns[connID]; ok {
			e.LastSeen = now
			hits = append(hits, refreshed{rid, e.UserID, e.Username})
		}
	}
	t.mu.Unlock()
	for _, h := range hits {
		t.mirrorAdd(h.roomID, h.userID, h.username)
	}
	return len(hits) > 0
}

// Expire 移除超时未心跳的条目并发出相应的 user_left，返回被移除的条目
func (t *Tracker) Expire(now time.Time) []Entry {
	var (
		expired []Entry
		left    []Event
	)
	t.mu.Lock()
	for roomID, conns := range t.rooms {
		for connID, e := range conns {
			if now.Sub(e.LastSeen) < t.opt.HeartbeatTimeout {
				continue
			}
			expired = append(expired, *e)
			if _, last := t.removeLocked(roomID, connID); last {
				left = append(left, Event{Kind: UserLeft, RoomID: roomID, UserID: e.UserID, Username: e.Username, ConnID: connID, At: now})
			}
		}
	}
	t.mu.Unlock()

	for _, ev := range left {
		t.mirrorRemove(ev.RoomID, ev.UserID)
		t.emit(ev)
	}
	if len(expired) > 0 {
		t.opt.Logger.Info("presence expired", zap.Int("entries", len(expired)))
	}
	return expired
}

// List 房间在线成员，按用户聚合、按加入时间排序
func (t *Tracker) List(roomID string) []Member {
	t.mu.Lock()
	byUser := make(map[uint64]*Member)
	for _, e := range t.rooms[roomID] {
		m, ok := byUser[e.UserID]
		if !ok {
			m = &Member{UserID: e.UserID, Username: e.Username, JoinedAt: e.JoinedAt}
			byUser[e.UserID] = m
		}
		m.Connections++
		if e.JoinedAt.Before(m.JoinedAt) {
			m.JoinedAt = e.JoinedAt
		}
	}
	t.mu.Unlock()

	out := make([]Member, 0, len(byUser))
	for _, m := range byUser {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (t *Tracker) Has(roomID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rooms[roomID][connID]
	return ok
}

// Count 在线连接总数
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, conns := range t.rooms {
		n += len(conns)
	}
	return n
}

func (t *Tracker) emit(ev Event) {
	if t.opt.Listener != nil {
		t.opt.Listener(ev)
	}
}

func (t *Tracker) mirrorAdd(roomID string, userID uint64, username string) {
	if t.opt.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := t.opt.Mirror.AddMember(ctx, roomID, userID, username, t.opt.HeartbeatTimeout); err != nil {
		t.opt.Logger.Warn("presence mirror add failed", zap.String("room", roomID), zap.Uint64("user", userID), zap.Error(err))
	}
}

func (t *Tracker) mirrorRemove(roomID string, userID uint64) {
	if t.opt.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := t.opt.Mirror.RemoveMember(ctx, roomID, userID); err != nil {
		t.opt.Logger.Warn("presence mirror remove failed", zap.String("room", roomID), zap.Uint64("user", userID), zap.Error(err))
	}
}
