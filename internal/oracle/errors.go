package oracle

import "errors"

var (
	// ErrPermissionDenied 调用者不具备所需角色（governance / guardian）
	ErrPermissionDenied = errors.New("oracle: permission denied")

	// ErrInsufficientHistory 观测数量不足以支撑请求的时间窗口
	ErrInsufficientHistory = errors.New("oracle: insufficient observation history")

	// ErrWindowTooShort TWAP 窗口小于最小间隔
	ErrWindowTooShort = errors.New("oracle: twap window too short")

	// ErrBoundViolation 提议的 ceiling/floor 或 bps 参数超出允许区间
	ErrBoundViolation = errors.New("oracle: bound violation")

	// ErrZeroReserves 池子储备为零，无法计算瞬时价格
	ErrZeroReserves = errors.New("oracle: pool reserves are zero")
)
