package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabHub/backend/internal/auth"
	"collabHub/backend/internal/broadcast"
	"collabHub/backend/internal/cache"
	"collabHub/backend/internal/errcode"
	"collabHub/backend/internal/metrics"
	"collabHub/backend/internal/oplog"
	"collabHub/backend/internal/presence"
	"collabHub/backend/internal/protocol"
	"collabHub/backend/internal/room"
	"collabHub/backend/internal/signaling"
)

// EventSink 接收每个已分配版本的操作（Kafka 实现见 KafkaDispatcher）
type EventSink interface {
	TryEnqueue(evt DocOpEvent) bool
}

// PresenceDirectory 跨实例在线名单的读端（cache.RedisPresence）
type PresenceDirectory interface {
	GetAliveMembersWithNames(ctx context.Context, roomID string) ([]cache.PresenceMember, error)
	Rooms(ctx context.Context) ([]string, error)
}

type Deps struct {
	Log         *oplog.Log
	Registry    *room.Registry
	Presence    *presence.Tracker
	Broadcaster *broadcast.Broadcaster
	Relay       *signaling.Relay
	Events      EventSink
	// 为空时在线名单只看本实例
	Directory PresenceDirectory
	Semaphore *SemaphoreControl
	Logger    *zap.Logger
	// 单次提交（排队 + 落库）的超时
	SubmitTimeout time.Duration
}

// session 一个连接的订阅状态
type session struct {
	user  auth.User
	perms map[string]room.Permission
}

// Service 把房间、在线状态、操作日志、广播和信令串起来
type Service struct {
	log      *oplog.Log
	registry *room.Registry
	presence *presence.Tracker
	bc       *broadcast.Broadcaster
	relay    *signaling.Relay
	events   EventSink
	dir      PresenceDirectory
	sem      *SemaphoreControl
	logger   *zap.Logger
	timeout  time.Duration

	mu    sync.Mutex
	conns map[string]*session
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Semaphore == nil {
		d.Semaphore = NewSemaphoreControl(DefaultMaxSemaphore)
	}
	if d.SubmitTimeout <= 0 {
		d.SubmitTimeout = 2 * time.Second
	}
	s := &Service{
		log:      d.Log,
		registry: d.Registry,
		presence: d.Presence,
		bc:       d.Broadcaster,
		relay:    d.Relay,
		events:   d.Events,
		dir:      d.Directory,
		sem:      d.Semaphore,
		logger:   d.Logger,
		timeout:  d.SubmitTimeout,
		conns:    make(map[string]*session),
	}
	s.log.SetOnAppend(s.onAppend)
	s.presence.SetListener(s.onPresence)
	s.bc.SetOnEvict(s.onEvict)
	return s
}

// Connect 注册一个新连接，返回它的出站队列
func (s *Service) Connect(u auth.User) (*broadcast.Subscriber, error) {
	connID := uuid.NewString()
	sub, err := s.bc.Register(connID, u)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conns[connID] = &session{user: u, perms: make(map[string]room.Permission)}
	n := len(s.conns)
	s.mu.Unlock()

	metrics.Connections.Set(float64(n))
	_ = s.bc.SendTo(connID, protocol.Encode(protocol.ServerMessage{
		Type:    protocol.TypeWelcome,
		ConnID:  connID,
		UserID:  u.ID,
		Content: "connected as " + u.Username,
	}))
	return sub, nil
}

// Disconnect 只清理这个连接自己的订阅和在线条目，可重复调用
func (s *Service) Disconnect(connID string) {
	s.mu.Lock()
	sess, ok := s.conns[connID]
	delete(s.conns, connID)
	n := len(s.conns)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.bc.Remove(connID)
	s.presence.LeaveAll(connID)
	for roomID := range sess.perms {
		s.registry.Release(roomID)
	}
	metrics.Connections.Set(float64(n))
	metrics.PresenceEntries.Set(float64(s.presence.Count()))
	s.logger.Debug("connection closed", zap.String("conn", connID), zap.Uint64("user", sess.user.ID))
}

func (s *Service) session(connID string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.conns[connID]
	if !ok {
		return nil, fmt.Errorf("%w: connection %s", errcode.ErrTransportFailure, connID)
	}
	return sess, nil
}

// permission 连接在房间内的权限；未订阅时区分房间不存在和未加入
func (s *Service) permission(connID, roomID string) (auth.User, room.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.conns[connID]
	if !ok {
		return auth.User{}, room.PermNone, fmt.Errorf("%w: connection %s", errcode.ErrTransportFailure, connID)
	}
	p, ok := sess.perms[roomID]
	if !ok {
		if s.registry.State(roomID) == room.StateEmpty {
			return sess.user, room.PermNone, fmt.Errorf("%w: %s", errcode.ErrRoomClosed, roomID)
		}
		return sess.user, room.PermNone, fmt.Errorf("%w: not subscribed to %s", errcode.ErrUnauthorized, roomID)
	}
	return sess.user, p, nil
}

type SubscribeResult struct {
	Permission room.Permission
	Version    uint64
	Missed     int
}

// Subscribe 鉴权后加入房间。lastKnownVersion 非空时，错过的操作在同一个 sequencer 步骤里
// 先于之后的实时广播入队，客户端看到的是一条连续的版本流。
func (s *Service) Subscribe(ctx context.Context, connID, roomID string, lastKnownVersion *uint64) (SubscribeResult, error) {
	sess, err := s.session(connID)
	if err != nil {
		return SubscribeResult{}, err
	}
	perm, err := s.registry.Authorize(ctx, roomID, sess.user)
	if err != nil {
		return SubscribeResult{}, err
	}

	s.mu.Lock()
	_, already := sess.perms[roomID]
	if already {
		sess.perms[roomID] = perm
	}
	s.mu.Unlock()

	if !already {
		if s.registry.Acquire(roomID) {
			metrics.ActiveRooms.Set(float64(s.registry.ActiveRooms()))
		}
		if err := s.log.Open(ctx, roomID); err != nil {
			s.registry.Release(roomID)
			return SubscribeResult{}, fmt.Errorf("open room %s: %w", roomID, err)
		}
	}

	var (
		res     = SubscribeResult{Permission: perm}
		syncErr error
	)
	err = s.log.Attach(ctx, roomID, lastKnownVersion, func(latest uint64, missed []oplog.Operation, readErr error) {
		res.Version = latest
		if !already {
			if err := s.bc.Subscribe(roomID, connID); err != nil {
				syncErr = err
				return
			}
		}
		_ = s.bc.SendTo(connID, protocol.Encode(protocol.ServerMessage{
			Type:       protocol.TypeSubscribed,
			RoomID:     roomID,
			Version:    latest,
			Permission: perm.String(),
		}))
		if lastKnownVersion == nil {
			return
		}
		if readErr != nil {
			// 历史不可用时客户端应改用 load_content 重新加载全文
			_ = s.bc.SendTo(connID, protocol.Encode(protocol.ServerMessage{
				Type: protocol.TypeError, RoomID: roomID, Version: latest,
				Code: errcode.Code(readErr), Content: readErr.Error(),
			}))
			return
		}
		res.Missed = len(missed)
		_ = s.bc.SendTo(connID, protocol.Encode(protocol.ServerMessage{
			Type: protocol.TypeSync, RoomID: roomID, Version: latest, Ops: missed,
		}))
	})
	if err == nil {
		err = syncErr
	}
	if err != nil {
		if !already {
			s.registry.Release(roomID)
		}
		return SubscribeResult{}, err
	}

	if !already {
		s.mu.Lock()
		// 订阅过程中连接可能已被驱逐
		_, alive := s.conns[connID]
		if alive {
			sess.perms[roomID] = perm
		}
		s.mu.Unlock()
		if !alive {
			s.bc.Unsubscribe(roomID, connID)
			s.registry.Release(roomID)
			return SubscribeResult{}, fmt.Errorf("%w: connection %s", errcode.ErrTransportFailure, connID)
		}
	}
	s.presence.Join(roomID, sess.user, connID)
	metrics.PresenceEntries.Set(float64(s.presence.Count()))
	return res, nil
}

func (s *Service) Unsubscribe(connID, roomID string) error {
	sess, err := s.session(connID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	_, ok := sess.perms[roomID]
	delete(sess.perms, roomID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.bc.Unsubscribe(roomID, connID)
	s.presence.Leave(roomID, connID)
	s.registry.Release(roomID)
	metrics.PresenceEntries.Set(float64(s.presence.Count()))
	_ = s.bc.SendTo(connID, protocol.Encode(protocol.ServerMessage{Type: protocol.TypeUnsubscribed, RoomID: roomID}))
	return nil
}

type Submission struct {
	RoomID      string
	BaseVersion uint64
	ClientID    string
	ClientSeq   uint64
	Kind        oplog.Kind
	Payload     json.RawMessage
}

// Submit 校验权限和载荷后交给房间 sequencer；ack 和广播在 sequencer 内发出
func (s *Service) Submit(ctx context.Context, connID string, sub Submission) (oplog.Operation, error) {
	op, err := s.submit(ctx, connID, sub)
	if err != nil {
		metrics.OpsRejected.WithLabelValues(errcode.Code(err)).Inc()
	}
	return op, err
}

func (s *Service) submit(ctx context.Context, connID string, sub Submission) (oplog.Operation, error) {
	u, perm, err := s.permission(connID, sub.RoomID)
	if err != nil {
		return oplog.Operation{}, err
	}
	payload, err := oplog.DecodePayload(sub.Kind, sub.Payload)
	if err != nil {
		return oplog.Operation{}, err
	}
	if err := perm.CanSubmit(sub.Kind); err != nil {
		return oplog.Operation{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.sem.Acquire(ctx); err != nil {
		return oplog.Operation{}, err
	}
	defer s.sem.Release()

	return s.log.Append(ctx, oplog.Draft{
		RoomID:      sub.RoomID,
		AuthorID:    u.ID,
		ConnID:      connID,
		ClientID:    sub.ClientID,
		ClientSeq:   sub.ClientSeq,
		BaseVersion: sub.BaseVersion,
		Payload:     payload,
	})
}

// onAppend 在房间 sequencer 内调用：先 ack 提交者，再广播给其他订阅者
func (s *Service) onAppend(op oplog.Operation) {
	metrics.OpsAppended.WithLabelValues(string(op.Kind)).Inc()
	if op.ConnID != "" {
		_ = s.bc.SendTo(op.ConnID, protocol.Encode(protocol.ServerMessage{
			Type:      protocol.TypeOpApplied,
			RoomID:    op.RoomID,
			Version:   op.Version,
			ClientID:  op.ClientID,
			ClientSeq: op.ClientSeq,
			Op:        &op,
		}))
	}
	s.bc.Publish(op.RoomID, protocol.Encode(protocol.ServerMessage{
		Type:    protocol.TypeOpBroadcast,
		RoomID:  op.RoomID,
		Version: op.Version,
		Op:      &op,
	}), op.ConnID)
	if s.events != nil {
		s.events.TryEnqueue(newDocOpEvent(op))
	}
}

func (s *Service) onPresence(ev presence.Event) {
	s.bc.Publish(ev.RoomID, protocol.Encode(protocol.ServerMessage{
		Type:   protocol.TypePresence,
		RoomID: ev.RoomID,
		UserID: ev.UserID,
		Event:  &ev,
	}), ev.ConnID)
}

// onEvict 出站队列溢出：连接的写循环会以 TRANSPORT_FAILURE 关闭 socket，这里清理其余状态
func (s *Service) onEvict(sub *broadcast.Subscriber, reason error) {
	s.logger.Warn("connection evicted", zap.String("conn", sub.ConnID), zap.Uint64("user", sub.User.ID), zap.Error(reason))
	s.Disconnect(sub.ConnID)
}

// Sync 显式补齐：返回 fromVersion 之后的操作
func (s *Service) Sync(ctx context.Context, connID, roomID string, fromVersion uint64, limit int) ([]oplog.Operation, uint64, error) {
	if _, _, err := s.permission(connID, roomID); err != nil {
		return nil, 0, err
	}
	ops, err := s.log.Read(ctx, roomID, fromVersion, limit)
	if err != nil {
		return nil, 0, err
	}
	latest, err := s.log.Latest(ctx, roomID)
	return ops, latest, err
}

func (s *Service) Heartbeat(connID, roomID string) bool {
	return s.presence.Heartbeat(roomID, connID)
}

// Signal 只允许房间内的连接发信令
func (s *Service) Signal(ctx context.Context, connID, roomID string, to uint64, kind signaling.Kind, payload json.RawMessage) error {
	u, _, err := s.permission(connID, roomID)
	if err != nil {
		return err
	}
	if s.relay == nil {
		return fmt.Errorf("%w: signaling disabled", errcode.ErrInvalidSignal)
	}
	return s.relay.Relay(ctx, signaling.Envelope{
		RoomID: roomID, From: u, FromConn: connID, To: to, Kind: kind, Payload: payload,
	})
}

func (s *Service) Content(ctx context.Context, connID, roomID string) (string, uint64, error) {
	if _, _, err := s.permission(connID, roomID); err != nil {
		return "", 0, err
	}
	return s.log.Content(ctx, roomID)
}

func (s *Service) SaveSnapshot(ctx context.Context, connID, roomID string) (uint64, error) {
	_, perm, err := s.permission(connID, roomID)
	if err != nil {
		return 0, err
	}
	if perm < room.PermEdit {
		return 0, fmt.Errorf("%w: snapshot needs edit", errcode.ErrForbidden)
	}
	if err := s.log.Snapshot(ctx, roomID, true); err != nil {
		return 0, err
	}
	return s.log.Latest(ctx, roomID)
}

func (s *Service) Presence(roomID string) []presence.Member {
	return s.presence.List(roomID)
}

func (s *Service) ListPresence(connID, roomID string) ([]presence.Member, error) {
	if _, _, err := s.permission(connID, roomID); err != nil {
		return nil, err
	}
	return s.presence.List(roomID), nil
}

// Reply 发给单个连接，和广播走同一个出站队列
func (s *Service) Reply(connID string, m protocol.ServerMessage) error {
	return s.bc.SendTo(connID, protocol.Encode(m))
}

// 以下供 HTTP 接口使用：没有长连接，每次请求单独鉴权

func (s *Service) ReadOps(ctx context.Context, u auth.User, roomID string, fromVersion uint64, limit int) ([]oplog.Operation, error) {
	if _, err := s.registry.Authorize(ctx, roomID, u); err != nil {
		return nil, err
	}
	return s.log.Read(ctx, roomID, fromVersion, limit)
}

func (s *Service) RoomPresence(ctx context.Context, u auth.User, roomID string) ([]presence.Member, error) {
	if _, err := s.registry.Authorize(ctx, roomID, u); err != nil {
		return nil, err
	}
	local := s.presence.List(roomID)
	if s.dir == nil {
		return local, nil
	}
	remote, err := s.dir.GetAliveMembersWithNames(ctx, roomID)
	if err != nil {
		// Redis 不可用时退回本实例名单
		s.logger.Warn("read presence directory failed", zap.String("room", roomID), zap.Error(err))
		return local, nil
	}
	return mergePresence(local, remote), nil
}

// mergePresence 本实例条目优先，其他实例的成员只带 ID 和名字
func mergePresence(local []presence.Member, remote []cache.PresenceMember) []presence.Member {
	seen := make(map[uint64]struct{}, len(local))
	for _, m := range local {
		seen[m.UserID] = struct{}{}
	}
	out := local
	for _, m := range remote {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		out = append(out, presence.Member{UserID: m.UserID, Username: m.Username})
	}
	return out
}

type RoomsOverview struct {
	// 本实例打开着日志的房间
	Local []string `json:"local"`
	// 集群内有在线成员的房间
	Online []string `json:"online,omitempty"`
}

// ListRooms 仅管理员可用
func (s *Service) ListRooms(ctx context.Context, u auth.User) (RoomsOverview, error) {
	if !u.IsAdmin() {
		return RoomsOverview{}, fmt.Errorf("%w: admin only", errcode.ErrForbidden)
	}
	out := RoomsOverview{Local: s.log.Rooms()}
	sort.Strings(out.Local)
	if s.dir == nil {
		return out, nil
	}
	online, err := s.dir.Rooms(ctx)
	if err != nil {
		return RoomsOverview{}, fmt.Errorf("read presence directory: %w", err)
	}
	sort.Strings(online)
	out.Online = online
	return out, nil
}

func (s *Service) RoomContent(ctx context.Context, u auth.User, roomID string) (string, uint64, error) {
	if _, err := s.registry.Authorize(ctx, roomID, u); err != nil {
		return "", 0, err
	}
	return s.log.Content(ctx, roomID)
}

func (s *Service) RoomState(roomID string) room.State {
	return s.registry.State(roomID)
}

// SweepIdleRooms 关闭空闲超过 TTL 的房间（写快照并停止 sequencer）
func (s *Service) SweepIdleRooms(ctx context.Context, now time.Time) []string {
	// 关闭期间同一房间的新订阅会在 Acquire 处等待，之后重新打开日志
	swept := s.registry.Sweep(now, func(roomID string) {
		if err := s.log.Close(ctx, roomID); err != nil {
			s.logger.Warn("close room failed", zap.String("room", roomID), zap.Error(err))
		}
	})
	metrics.ActiveRooms.Set(float64(s.registry.ActiveRooms()))
	return swept
}

// ExpirePresence 清理心跳超时的连接条目，并让这些连接退出对应房间
func (s *Service) ExpirePresence(now time.Time) int {
	expired := s.presence.Expire(now)
	for _, e := range expired {
		s.mu.Lock()
		sess, ok := s.conns[e.ConnID]
		if ok {
			_, ok = sess.perms[e.RoomID]
			delete(sess.perms, e.RoomID)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		s.bc.Unsubscribe(e.RoomID, e.ConnID)
		s.registry.Release(e.RoomID)
		_ = s.bc.SendTo(e.ConnID, protocol.Encode(protocol.ErrorMessage(e.RoomID, "HEARTBEAT_TIMEOUT", "presence expired, resubscribe")))
	}
	metrics.PresenceEntries.Set(float64(s.presence.Count()))
	return len(expired)
}

// RunReaper 周期性执行心跳过期检查，直到 ctx 结束
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.ExpirePresence(now)
		}
	}
}

func (s *Service) SnapshotAll(ctx context.Context) int {
	return s.log.SnapshotAll(ctx)
}

// Shutdown 关闭所有房间，最后一次写快照
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	for _, roomID := range s.log.Rooms() {
		if err := s.log.Close(ctx, roomID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
