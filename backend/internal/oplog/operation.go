package oplog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"collabHub/backend/internal/errcode"
	"collabHub/backend/internal/ot/delta"
)

// Kind 操作类型（tagged union 的判别字段）
type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindDelta   Kind = "delta"
	KindCursor  Kind = "cursor"
	KindComment Kind = "comment"
)

// Mutates 会修改文档文本的操作，必须基于最新版本提交
func (k Kind) Mutates() bool {
	return k == KindInsert || k == KindDelete || k == KindDelta
}

type Payload interface {
	Kind() Kind
}

type InsertPayload struct {
	Position int    `json:"position" validate:"gte=0"`
	Text     string `json:"text" validate:"required,max=65536"`
}

type DeletePayload struct {
	Position int `json:"position" validate:"gte=0"`
	Length   int `json:"length" validate:"gt=0"`
}

type DeltaPayload struct {
	Ops delta.Delta `json:"ops" validate:"required,min=1,dive"`
}

// 光标/选区
type CursorPayload struct {
	Position int `json:"position" validate:"gte=0"`
	Length   int `json:"length" validate:"gte=0"`
}

type CommentPayload struct {
	Position int               `json:"position" validate:"gte=0"`
	Length   int               `json:"length" validate:"gte=0"`
	Text     string            `json:"text" validate:"required,max=4096"`
	Metadata map[string]string `json:"metadata,omitempty" validate:"max=16"`
}

func (InsertPayload) Kind() Kind  { return KindInsert }
func (DeletePayload) Kind() Kind  { return KindDelete }
func (DeltaPayload) Kind() Kind   { return KindDelta }
func (CursorPayload) Kind() Kind  { return KindCursor }
func (CommentPayload) Kind() Kind { return KindComment }

// AsDelta 把文本类操作统一转换成 delta，非文本类返回 nil
func AsDelta(p Payload) delta.Delta {
	switch v := p.(type) {
	case InsertPayload:
		return withRetain(v.Position, delta.Op{Kind: delta.KindInsert, Text: v.Text})
	case DeletePayload:
		return withRetain(v.Position, delta.Op{Kind: delta.KindDelete, Count: v.Length})
	case DeltaPayload:
		return v.Ops
	}
	return nil
}

func withRetain(pos int, op delta.Op) delta.Delta {
	if pos == 0 {
		return delta.Delta{op}
	}
	return delta.Delta{{Kind: delta.KindRetain, Count: pos}, op}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodePayload 按 kind 严格解析并校验 payload
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	var err error
	switch kind {
	case KindInsert:
		var v InsertPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindDelete:
		var v DeletePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindDelta:
		var v DeltaPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindCursor:
		var v CursorPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindComment:
		var v CommentPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", errcode.ErrInvalidOperation, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", errcode.ErrInvalidOperation, kind, err)
	}
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}
	return p, nil
}

func ValidatePayload(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: missing payload", errcode.ErrInvalidOperation)
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %v", errcode.ErrInvalidOperation, p.Kind(), err)
	}
	return nil
}

// Draft 客户端提交、尚未分配版本的操作
type Draft struct {
	RoomID      string
	AuthorID    uint64
	ConnID      string // 来源连接，用于 ack 与排除广播
	ClientID    string
	ClientSeq   uint64
	BaseVersion uint64
	Payload     Payload
}

// Operation 已分配版本，之后不可变
type Operation struct {
	RoomID    string
	Version   uint64
	ID        string
	AuthorID  uint64
	ConnID    string
	ClientID  string
	ClientSeq uint64
	Kind      Kind
	Payload   Payload
	Timestamp time.Time
}

type operationJSON struct {
	RoomID    string          `json:"roomId"`
	Version   uint64          `json:"version"`
	ID        string          `json:"id"`
	AuthorID  uint64          `json:"authorId"`
	ClientID  string          `json:"clientId,omitempty"`
	ClientSeq uint64          `json:"clientSeq,omitempty"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func (o Operation) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(o.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(operationJSON{
		RoomID:    o.RoomID,
		Version:   o.Version,
		ID:        o.ID,
		AuthorID:  o.AuthorID,
		ClientID:  o.ClientID,
		ClientSeq: o.ClientSeq,
		Kind:      o.Kind,
		Payload:   raw,
		Timestamp: o.Timestamp,
	})
}

func (o *Operation) UnmarshalJSON(b []byte) error {
	var v operationJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	p, err := DecodePayload(v.Kind, v.Payload)
	if err != nil {
		return err
	}
	*o = Operation{
		RoomID:    v.RoomID,
		Version:   v.Version,
		ID:        v.ID,
		AuthorID:  v.AuthorID,
		ClientID:  v.ClientID,
		ClientSeq: v.ClientSeq,
		Kind:      v.Kind,
		Payload:   p,
		Timestamp: v.Timestamp,
	}
	return nil
}
