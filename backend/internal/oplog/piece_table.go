package oplog

import (
	"strings"

	"collabHub/backend/internal/ot/delta"
)

// Buffer 房间当前文本，只在 sequencer 内访问。Apply 前 delta 已按 Len 校验
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int
	length int
}

// PieceTable 文本只追加不原地修改：恢复时从快照全文建 original，之后的操作追加到 add，
// 每条 piece 指向其中一段
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	// 缓存总长度，避免每次遍历
	length int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.slice(p)))
	}
	return sb.String()
}

func (pt *PieceTable) slice(p piece) []rune {
	if p.buf == bufOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

// Apply 先整体校验再修改，校验失败时文档保持不变
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := d.Validate(pt.length); err != nil {
		return err
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, []rune(op.Text))
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) int {
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	np := piece{buf: bufAdd, offset: start, length: len(text)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
	} else {
		cur := pt.pieces[idx]
		left := piece{buf: cur.buf, offset: cur.offset, length: offset}
		right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

		newPieces := make([]piece, 0, len(pt.pieces)+2)
		newPieces = append(newPieces, pt.pieces[:idx]...)
		if left.length > 0 {
			newPieces = append(newPieces, left)
		}
		newPieces = append(newPieces, np)
		if right.length > 0 {
			newPieces = append(newPieces, right)
		}
		newPieces = append(newPieces, pt.pieces[idx+1:]...)
		pt.pieces = newPieces
	}
	pt.length += len(text)
	return len(text)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		can := cur.length - offset
		take := min(remain, can)

		if offset == 0 && take == cur.length {
			// 整个 piece 都删掉，idx 不动
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			// 拆成 左 / 右 两段
			var repl []piece
			if offset > 0 {
				repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: offset})
			}
			if rightLen := cur.length - offset - take; rightLen > 0 {
				repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			newPieces = append(newPieces, repl...)
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
			// 只有“删到本段末尾”才会继续循环，此时 repl 只剩左段
			idx += len(repl)
		}
		offset = 0
		remain -= take
		pt.length -= take
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
