package gormstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FileLock 是账本状态文件的建议性进程锁。设计上不提供多写者冲突
// 合并，load→mutate→save 周期必须独占，第二个进程直接拒绝启动。
type FileLock struct {
	path string
}

// AcquireFileLock 以 O_EXCL 创建锁文件并写入 pid。已有锁且持有进程
// 仍存活时返回错误；持有进程已消失则视为残留锁，接管。
func AcquireFileLock(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &FileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		pid, readErr := readLockPid(path)
		if readErr == nil && pid > 0 && processAlive(pid) {
			return nil, fmt.Errorf("状态库已被进程 %d 锁定 (%s)", pid, path)
		}
		// 残留锁：持有者已退出
		if rmErr := os.Remove(path); rmErr != nil {
			return nil, fmt.Errorf("清理残留锁失败: %w", rmErr)
		}
	}
	return nil, fmt.Errorf("获取锁失败: %s", path)
}

// Release 删除锁文件。
func (l *FileLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	return os.Remove(l.path)
}

func readLockPid(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Unix 上 Signal(0) 只做存在性检查
	return proc.Signal(syscall.Signal(0)) == nil
}
