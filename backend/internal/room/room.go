package room

import (
	"fmt"
	"strings"

	"collabHub/backend/internal/errcode"
	"collabHub/backend/internal/oplog"
)

type Kind string

const (
	KindDocument    Kind = "document"
	KindLiveClass   Kind = "live-class"
	KindHireSession Kind = "hire-session"
	KindSpace       Kind = "collaboration-space"
)

func (k Kind) valid() bool {
	switch k {
	case KindDocument, KindLiveClass, KindHireSession, KindSpace:
		return true
	}
	return false
}

// CarriesSignaling 只有面试和直播课房间走 WebRTC 信令
func (k Kind) CarriesSignaling() bool {
	return k == KindHireSession || k == KindLiveClass
}

// ID 房间标识 "<kind>:<ref>"，如 document:42
type ID struct {
	Kind Kind
	Ref  string
}

func (id ID) String() string { return string(id.Kind) + ":" + id.Ref }

func ParseID(s string) (ID, error) {
	kind, ref, ok := strings.Cut(s, ":")
	if !ok || ref == "" || strings.ContainsAny(ref, " \t\r\n") {
		return ID{}, fmt.Errorf("%w: %q", errcode.ErrInvalidRoom, s)
	}
	id := ID{Kind: Kind(kind), Ref: ref}
	if !id.Kind.valid() {
		return ID{}, fmt.Errorf("%w: unknown kind %q", errcode.ErrInvalidRoom, kind)
	}
	return id, nil
}

// Permission 权限等级，数值越大权限越高
type Permission int

const (
	PermNone Permission = iota
	PermView
	PermComment
	PermEdit
)

func (p Permission) String() string {
	switch p {
	case PermView:
		return "view"
	case PermComment:
		return "comment"
	case PermEdit:
		return "edit"
	}
	return "none"
}

func ParsePermission(s string) Permission {
	switch strings.ToLower(s) {
	case "view":
		return PermView
	case "comment":
		return PermComment
	case "edit":
		return PermEdit
	}
	return PermNone
}

// RequiredFor 每种操作需要的最低权限
func RequiredFor(k oplog.Kind) Permission {
	switch k {
	case oplog.KindInsert, oplog.KindDelete, oplog.KindDelta:
		return PermEdit
	case oplog.KindComment:
		return PermComment
	}
	return PermView
}

// CanSubmit 检查权限是否允许提交该类操作
func (p Permission) CanSubmit(k oplog.Kind) error {
	if p < RequiredFor(k) {
		return fmt.Errorf("%w: %s needs %s, have %s", errcode.ErrForbidden, k, RequiredFor(k), p)
	}
	return nil
}
