package cache

import (
	"fmt"
	"strconv"
)

// 键语义：
// - roomKey(roomID):          房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(roomID):         房间内 userId→username 映射（Hash）
// - roomsKey():               有人在线的房间索引（Set<roomID>）
// - notifyChannel(userID):    跨设备通知频道（Pub/Sub）

const (
	keyRoomFmt     = "presence:room:{%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt    = "presence:room:names:{%s}" // Hash<userId -> username>
	keyRoomsSet    = "presence:rooms"           // Set<roomID>
	notifyChanPref = "notify:user:"
)

// 花括号是 hash tag，保证同一房间的 ZSet 和 Hash 落在同一个 cluster slot，Lua 才能同时操作
func roomKey(roomID string) string  { return fmt.Sprintf(keyRoomFmt, roomID) }
func namesKey(roomID string) string { return fmt.Sprintf(keyNamesFmt, roomID) }
func roomsKey() string              { return keyRoomsSet }

func notifyChannel(userID uint64) string {
	return notifyChanPref + strconv.FormatUint(userID, 10)
}
