package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
}

// RedisPresence 跨实例在线名单，实现 presence.Mirror
type RedisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient) *RedisPresence {
	return &RedisPresence{rdb: rdb, now: time.Now}
}

// 清理过期成员，返回清理数量
// KEYS[1] = roomKey  KEYS[2] = namesKey  ARGV[1] = now (unix seconds)
var expireScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember 刷新 TTL 也直接调用 AddMember
func (p *RedisPresence) AddMember(ctx context.Context, roomID string, userID uint64, username string, ttl time.Duration) error {
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := p.now().Add(ttl).Unix()
	uid := strconv.FormatUint(userID, 10)
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: uid})
	tx.HSet(ctx, namesKey(roomID), uid, username)
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	// 索引集合跨 slot，不放进事务
	return p.rdb.SAdd(ctx, roomsKey(), roomID).Err()
}

func (p *RedisPresence) RemoveMember(ctx context.Context, roomID string, userID uint64) error {
	uid := strconv.FormatUint(userID, 10)
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(roomID), uid)
	tx.HDel(ctx, namesKey(roomID), uid)
	_, err := tx.Exec(ctx)
	return err
}

// Rooms 有在线成员的房间；已经没有成员的房间顺便移出索引
func (p *RedisPresence) Rooms(ctx context.Context) ([]string, error) {
	ids, err := p.rdb.SMembers(ctx, roomsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := p.rdb.ZCard(ctx, roomKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			p.rdb.SRem(ctx, roomsKey(), id)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (p *RedisPresence) GetAliveMembersWithNames(ctx context.Context, roomID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := p.now().Unix()
	if err := expireScript.Run(ctx, p.rdb, []string{roomKey(roomID), namesKey(roomID)}, now).Err(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(roomID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		// ZRangeByScore 返回的是 member 的字符串表示，这里解析回 uint64
		uid, err := strconv.ParseUint(aliveIDs[i], 10, 64)
		if err != nil {
			return nil, err
		}
		name, _ := v.(string)
		members = append(members, PresenceMember{UserID: uid, Username: name})
	}
	return members, nil
}
