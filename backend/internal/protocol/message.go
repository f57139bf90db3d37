package protocol

import (
	"encoding/json"
	"time"

	"collabHub/backend/internal/oplog"
	"collabHub/backend/internal/presence"
)

// 客户端 -> 服务端
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeHeartbeat    = "heartbeat"
	TypeOpSubmit     = "op_submit"
	TypeSync         = "sync"
	TypeSignal       = "signal"
	TypeLoadContent  = "load_content"
	TypeSaveSnapshot = "save_snapshot"
	TypeListPresence = "list_presence"
)

// 服务端 -> 客户端
const (
	TypeWelcome       = "welcome"
	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypeOpApplied     = "op_applied"
	TypeOpBroadcast   = "op_broadcast"
	TypePresence      = "presence"
	TypeContent       = "content"
	TypeSnapshotSaved = "snapshot_saved"
	TypeFeedback      = "feedback"
	TypeError         = "error"
)

// 连接被驱逐时的关闭原因
const CloseReasonTransportFailure = "TRANSPORT_FAILURE"

type ClientMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
	// subscribe 时可选：客户端本地已知的最新版本，用于补齐错过的操作
	LastKnownVersion *uint64 `json:"lastKnownVersion,omitempty"`
	BaseVersion      uint64  `json:"baseVersion,omitempty"`
	// 客户端实例标识。同一用户可有多个 clientId（多端/多标签页）。
	ClientID string `json:"clientId,omitempty"`
	// 针对同一个 clientId 的“本地递增序号”
	ClientSeq   uint64          `json:"clientSeq,omitempty"`
	Kind        string          `json:"kind,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	FromVersion uint64          `json:"fromVersion,omitempty"`
	Limit       int             `json:"limit,omitempty"`
	To          uint64          `json:"to,omitempty"`
}

type ServerMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
	ConnID string `json:"connId,omitempty"`
	UserID uint64 `json:"userId,omitempty"`

	Version    uint64 `json:"version,omitempty"`
	Permission string `json:"permission,omitempty"`

	// op_applied（ack）回显客户端的 base 和序号
	BaseVersion uint64 `json:"baseVersion,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	ClientSeq   uint64 `json:"clientSeq,omitempty"`

	Op  *oplog.Operation  `json:"op,omitempty"`
	Ops []oplog.Operation `json:"ops,omitempty"`

	Event   *presence.Event   `json:"event,omitempty"`
	Members []presence.Member `json:"members,omitempty"`

	Signal *Signal `json:"signal,omitempty"`

	Code    string `json:"code,omitempty"`
	Content string `json:"content,omitempty"`
}

// Signal 转发给目标端的信令
type Signal struct {
	From     uint64          `json:"from"`
	Username string          `json:"username,omitempty"`
	To       uint64          `json:"to"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	SentAt   time.Time       `json:"sentAt"`
}

// Encode 编码一次，多个订阅者共享同一份字节
func Encode(m ServerMessage) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// 只有 payload 自身不可编码时才会走到这里
		b, _ = json.Marshal(ServerMessage{Type: TypeError, Code: "INTERNAL", Content: err.Error()})
	}
	return b
}

func ErrorMessage(roomID, code, content string) ServerMessage {
	return ServerMessage{Type: TypeError, RoomID: roomID, Code: code, Content: content}
}
