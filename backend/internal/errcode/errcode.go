package errcode

import (
	"errors"
	"fmt"
)

// 错误分类：code 字符串直接下发给客户端
var (
	ErrUnauthorized            = errors.New("UNAUTHORIZED")
	ErrForbidden               = fmt.Errorf("%w: FORBIDDEN", ErrUnauthorized)
	ErrStaleVersion            = errors.New("STALE_VERSION")
	ErrRoomClosed              = errors.New("ROOM_CLOSED")
	ErrTransportFailure        = errors.New("TRANSPORT_FAILURE")
	ErrSignalTargetUnreachable = errors.New("SIGNAL_TARGET_UNREACHABLE")

	ErrInvalidRoom           = errors.New("INVALID_ROOM")
	ErrInvalidOperation      = errors.New("INVALID_OPERATION")
	ErrInvalidSignal         = errors.New("INVALID_SIGNAL")
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrHistoryUnavailable    = errors.New("HISTORY_UNAVAILABLE")
)

// 顺序有意义：Forbidden 包装了 Unauthorized，必须先匹配
var ordered = []error{
	ErrForbidden,
	ErrUnauthorized,
	ErrStaleVersion,
	ErrRoomClosed,
	ErrTransportFailure,
	ErrSignalTargetUnreachable,
	ErrInvalidRoom,
	ErrInvalidOperation,
	ErrInvalidSignal,
	ErrDuplicateOrOutOfOrder,
	ErrHistoryUnavailable,
}

// Code 把任意（可能被 %w 包装过的）错误映射为稳定的线上错误码
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, e := range ordered {
		if errors.Is(err, e) {
			if e == ErrForbidden {
				return "FORBIDDEN"
			}
			return e.Error()
		}
	}
	return "INTERNAL"
}

// VersionError 携带服务端当前版本，客户端据此 rebase / 视为 ack
type VersionError struct {
	Err     error
	Latest  uint64
	Applied uint64
}

func (e *VersionError) Error() string {
	if e.Applied > 0 {
		return fmt.Sprintf("%v (applied=%d latest=%d)", e.Err, e.Applied, e.Latest)
	}
	return fmt.Sprintf("%v (latest=%d)", e.Err, e.Latest)
}

func (e *VersionError) Unwrap() error { return e.Err }

// LatestVersion 从错误链中取出服务端版本号
func LatestVersion(err error) (uint64, bool) {
	var ve *VersionError
	if errors.As(err, &ve) {
		return ve.Latest, true
	}
	return 0, false
}
