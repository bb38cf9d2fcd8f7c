package sim

import "fmt"

// StateCorruptionError 表示账本不变量被破坏（余额为负、权益不一致等）。
// 不可恢复：runner 必须立即停止，绝不允许在不一致的账本上继续计算。
type StateCorruptionError struct {
	Detail string
}

func (e *StateCorruptionError) Error() string {
	return "ledger state corruption: " + e.Detail
}

func corrupt(format string, args ...any) error {
	return &StateCorruptionError{Detail: fmt.Sprintf(format, args...)}
}

// PersistenceError 包装持久化失败。实盘路径视为致命，回测路径记日志继续。
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("portfolio persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
