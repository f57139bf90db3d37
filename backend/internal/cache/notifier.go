package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Notification struct {
	UserID uint64            `json:"userId"`
	Event  string            `json:"event"`
	Attrs  map[string]string `json:"attrs,omitempty"`
	At     time.Time         `json:"at"`
}

// RedisNotifier 通过 Pub/Sub 把带外通知推给用户的其他设备/实例
type RedisNotifier struct {
	rdb redis.UniversalClient
}

func NewRedisNotifier(rdb redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Notify(ctx context.Context, userID uint64, event string, attrs map[string]string) error {
	b, err := json.Marshal(Notification{UserID: userID, Event: event, Attrs: attrs, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, notifyChannel(userID), b).Err()
}

// Subscribe 订阅某个用户的通知频道，调用方负责 Close
func (n *RedisNotifier) Subscribe(ctx context.Context, userID uint64) *redis.PubSub {
	return n.rdb.Subscribe(ctx, notifyChannel(userID))
}

// LogNotifier 未配置 Redis 时只记录日志
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, userID uint64, event string, attrs map[string]string) error {
	n.logger.Info("notify", zap.Uint64("user", userID), zap.String("event", event), zap.Any("attrs", attrs))
	return nil
}
