package delta

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind" validate:"oneof=retain insert delete"` // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty" validate:"gte=0"`           // retain/delete 的长度
	Text  string         `json:"text,omitempty"`                             // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"`                            // 样式属性（粗体/颜色等）
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

var ErrOutOfRange = errors.New("delta exceeds document length")

// Validate 检查 delta 在长度为 docLen 的文档上是否可应用
// - retain/delete 必须 > 0
// - insert 文本不能为空
// - retain+delete 的总跨度不能超过文档长度
func (d Delta) Validate(docLen int) error {
	if len(d) == 0 {
		return errors.New("empty delta")
	}
	consumed := 0
	for i, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count <= 0 {
				return fmt.Errorf("op %d: %s count must be positive", i, op.Kind)
			}
			consumed += op.Count
			if consumed > docLen {
				return fmt.Errorf("op %d: %w (len=%d)", i, ErrOutOfRange, docLen)
			}
		case KindInsert:
			if op.Text == "" {
				return fmt.Errorf("op %d: empty insert", i)
			}
		default:
			return fmt.Errorf("op %d: unknown kind %q", i, op.Kind)
		}
	}
	return nil
}
