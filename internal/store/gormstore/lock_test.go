package gormstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock(t *testing.T) {
	t.Run("独占与释放", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "portfolio.lock")
		lock, err := AcquireFileLock(path)
		require.NoError(t, err)

		_, err = AcquireFileLock(path)
		assert.ErrorContains(t, err, "锁定")

		require.NoError(t, lock.Release())
		lock2, err := AcquireFileLock(path)
		require.NoError(t, err)
		_ = lock2.Release()
	})

	t.Run("接管残留锁", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "portfolio.lock")
		// 锁文件内容损坏等价于持有者不可考，按残留处理
		require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))

		lock, err := AcquireFileLock(path)
		require.NoError(t, err)
		_ = lock.Release()
	})

	t.Run("空路径报错", func(t *testing.T) {
		_, err := AcquireFileLock("")
		assert.Error(t, err)
	})
}
