package broadcast

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"collabHub/backend/internal/auth"
	"collabHub/backend/internal/errcode"
	"collabHub/backend/internal/metrics"
)

const DefaultQueueSize = 256

var ErrUnknownConnection = errors.New("unknown connection")

// Subscriber 一个连接的出站队列；写 goroutine 从 C() 取消息
type Subscriber struct {
	ConnID string
	User   auth.User
	seq    uint64

	mu     sync.Mutex
	queue  chan []byte
	closed bool
	reason error

	// 由 Broadcaster.mu 保护
	rooms map[string]struct{}
}

func (s *Subscriber) C() <-chan []byte { return s.queue }

// Reason 队列关闭原因；正常移除为 nil，溢出驱逐为 TransportFailure
func (s *Subscriber) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// offer 非阻塞入队，队列满返回 false
func (s *Subscriber) offer(msg []byte) (ok bool, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, true
	}
	select {
	case s.queue <- msg:
		return true, false
	default:
		return false, false
	}
}

func (s *Subscriber) close(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	close(s.queue)
	return true
}

type Options struct {
	QueueSize int
	// OnEvict 在独立 goroutine 中调用，可以安全地回调 Broadcaster
	OnEvict func(sub *Subscriber, reason error)
	Logger  *zap.Logger
}

type Broadcaster struct {
	mu    sync.RWMutex
	subs  map[string]*Subscriber
	rooms map[string]map[string]*Subscriber
	seq   uint64
	opt   Options
}

func New(opt Options) *Broadcaster {
	if opt.QueueSize <= 0 {
		opt.QueueSize = DefaultQueueSize
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:  make(map[string]*Subscriber),
		rooms: make(map[string]map[string]*Subscriber),
		opt:   opt,
	}
}

// SetOnEvict 只能在注册任何连接之前调用
func (b *Broadcaster) SetOnEvict(fn func(*Subscriber, error)) { b.opt.OnEvict = fn }

func (b *Broadcaster) Register(connID string, u auth.User) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[connID]; ok {
		return nil, fmt.Errorf("connection %s already registered", connID)
	}
	b.seq++
	s := &Subscriber{
		ConnID: connID,
		User:   u,
		seq:    b.seq,
		queue:  make(chan []byte, b.opt.QueueSize),
		rooms:  make(map[string]struct{}),
	}
	b.subs[connID] = s
	return s, nil
}

func (b *Broadcaster) Subscribe(roomID, connID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[connID]
	if !ok {
		return fmt.Errorf("%w: %w %s", errcode.ErrTransportFailure, ErrUnknownConnection, connID)
	}
	members, ok := b.rooms[roomID]
	if !ok {
		members = make(map[string]*Subscriber)
		b.rooms[roomID] = members
	}
	members[connID] = s
	s.rooms[roomID] = struct{}{}
	return nil
}

// Unsubscribe 返回连接之前是否在房间里
func (b *Broadcaster) Unsubscribe(roomID, connID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubscribeLocked(roomID, connID)
}

func (b *Broadcaster) unsubscribeLocked(roomID, connID string) bool {
	members, ok := b.rooms[roomID]
	if !ok {
		return false
	}
	s, ok := members[connID]
	if !ok {
		return false
	}
	delete(members, connID)
	delete(s.rooms, roomID)
	if len(members) == 0 {
		delete(b.rooms, roomID)
	}
	return true
}

// Remove 连接断开：退出所有房间并关闭队列，返回它所在的房间
func (b *Broadcaster) Remove(connID string) []string {
	rooms, _ := b.detach(connID, nil)
	return rooms
}

func (b *Broadcaster) detach(connID string, reason error) ([]string, *Subscriber) {
	b.mu.Lock()
	s, ok := b.subs[connID]
	if !ok {
		b.mu.Unlock()
		return nil, nil
	}
	rooms := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}
	for _, roomID := range rooms {
		b.unsubscribeLocked(roomID, connID)
	}
	delete(b.subs, connID)
	b.mu.Unlock()

	sort.Strings(rooms)
	if !s.close(reason) {
		return rooms, nil
	}
	return rooms, s
}

func (b *Broadcaster) evict(connID string) {
	_, s := b.detach(connID, errcode.ErrTransportFailure)
	if s == nil {
		return
	}
	metrics.Evictions.Inc()
	b.opt.Logger.Warn("subscriber evicted: outbound queue full",
		zap.String("conn", connID), zap.Uint64("user", s.User.ID), zap.Int("queue", b.opt.QueueSize))
	if b.opt.OnEvict != nil {
		go b.opt.OnEvict(s, errcode.ErrTransportFailure)
	}
}

// Publish 非阻塞地投递给房间内除 except 外的所有订阅者，返回成功入队的数量
func (b *Broadcaster) Publish(roomID string, msg []byte, except string) int {
	var overflow []string
	delivered := 0
	b.mu.RLock()
	for connID, s := range b.rooms[roomID] {
		if connID == except {
			continue
		}
		ok, closed := s.offer(msg)
		if ok {
			delivered++
		} else if !closed {
			overflow = append(overflow, connID)
		}
	}
	b.mu.RUnlock()

	for _, connID := range overflow {
		b.evict(connID)
	}
	return delivered
}

// SendTo 点对点发送，同样不阻塞；队列满时驱逐该连接
func (b *Broadcaster) SendTo(connID string, msg []byte) error {
	b.mu.RLock()
	s, ok := b.subs[connID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %w %s", errcode.ErrTransportFailure, ErrUnknownConnection, connID)
	}
	delivered, closed := s.offer(msg)
	if delivered {
		return nil
	}
	if !closed {
		b.evict(connID)
	}
	return fmt.Errorf("%w: connection %s", errcode.ErrTransportFailure, connID)
}

// ConnectionsOf 用户在房间内的连接，按注册先后排序（最后一个是最新的）
func (b *Broadcaster) ConnectionsOf(roomID string, userID uint64) []string {
	b.mu.RLock()
	var subs []*Subscriber
	for _, s := range b.rooms[roomID] {
		if s.User.ID == userID {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ConnID)
	}
	return out
}

func (b *Broadcaster) Connections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
