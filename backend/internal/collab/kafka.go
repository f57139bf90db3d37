package collab

import (
	"encoding/json"
	"time"

	"collabHub/backend/internal/oplog"
)

const EventOpApplied = "OP_APPLIED"

type DocOpEvent struct {
	EventType   string          `json:"eventType"` // 固定 "OP_APPLIED"
	RoomID      string          `json:"roomId"`
	OperationID string          `json:"operationId"`
	Version     uint64          `json:"version"`
	AuthorID    uint64          `json:"authorId"`
	ClientID    string          `json:"clientId,omitempty"`
	ClientSeq   uint64          `json:"clientSeq,omitempty"` // 针对同一个 clientId 的“本地递增序号”
	Kind        oplog.Kind      `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	AppliedAt   time.Time       `json:"appliedAt"`
}

func newDocOpEvent(op oplog.Operation) DocOpEvent {
	raw, _ := json.Marshal(op.Payload)
	return DocOpEvent{
		EventType:   EventOpApplied,
		RoomID:      op.RoomID,
		OperationID: op.ID,
		Version:     op.Version,
		AuthorID:    op.AuthorID,
		ClientID:    op.ClientID,
		ClientSeq:   op.ClientSeq,
		Kind:        op.Kind,
		Payload:     raw,
		AppliedAt:   op.Timestamp,
	}
}
