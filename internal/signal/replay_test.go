package signal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sable/internal/market"
)

func historyUpTo(closeTime int64) []market.Candle {
	return []market.Candle{{OpenTime: closeTime - 3600_000, CloseTime: closeTime, Open: 100, High: 101, Low: 99, Close: 100}}
}

func TestReplayGenerate(t *testing.T) {
	sigA := Signal{Symbol: "BTCUSDT", Direction: Long, Entry: 100, StopLoss: 97}
	sigB := Signal{Symbol: "ETHUSDT", Direction: Short, Entry: 2000, StopLoss: 2100}
	sigC := Signal{Symbol: "BTCUSDT", Direction: Short, Entry: 110, StopLoss: 113}

	t.Run("按时间门控逐条投放", func(t *testing.T) {
		r := NewReplay([]TimedSignal{
			{At: 1000, Signal: sigA},
			{At: 5000, Signal: sigC},
		})

		got, err := r.Generate(context.Background(), "BTCUSDT", historyUpTo(500))
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = r.Generate(context.Background(), "BTCUSDT", historyUpTo(1000))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, sigA, *got)

		// 同一条只投放一次
		got, err = r.Generate(context.Background(), "BTCUSDT", historyUpTo(2000))
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = r.Generate(context.Background(), "BTCUSDT", historyUpTo(5000))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, sigC, *got)
	})

	t.Run("过滤非本symbol信号", func(t *testing.T) {
		r := NewReplay([]TimedSignal{
			{At: 1000, Signal: sigB},
			{At: 1000, Signal: sigA},
		})
		got, err := r.Generate(context.Background(), "btcusdt", historyUpTo(1000))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "BTCUSDT", got.Symbol)
	})

	t.Run("乱序输入按At排序", func(t *testing.T) {
		r := NewReplay([]TimedSignal{
			{At: 5000, Signal: sigC},
			{At: 1000, Signal: sigA},
		})
		got, err := r.Generate(context.Background(), "BTCUSDT", historyUpTo(1000))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, sigA, *got)
	})

	t.Run("空历史报数据缺口", func(t *testing.T) {
		r := NewReplay(nil)
		_, err := r.Generate(context.Background(), "BTCUSDT", nil)
		assert.ErrorIs(t, err, ErrDataGap)
	})
}

func TestLoadReplayFile(t *testing.T) {
	writeFile := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "signals.json")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	t.Run("正常加载", func(t *testing.T) {
		path := writeFile(t, `[
			{"at": 1000, "symbol": "btcusdt", "direction": "long", "entry": 100, "stop_loss": 97,
			 "targets": [{"price": 105, "ratio": 1}]},
			{"at": 2000, "symbol": "ETHUSDT", "direction": "short", "entry": 2000, "stop_loss": 2100}
		]`)
		r, err := LoadReplayFile(path)
		require.NoError(t, err)

		got, err := r.Generate(context.Background(), "BTCUSDT", historyUpTo(1500))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "BTCUSDT", got.Symbol)
		assert.InDelta(t, 100.0, got.Entry, 1e-9)
	})

	t.Run("at缺失报错", func(t *testing.T) {
		path := writeFile(t, `[{"symbol": "BTCUSDT", "direction": "long", "entry": 100, "stop_loss": 97}]`)
		_, err := LoadReplayFile(path)
		assert.ErrorContains(t, err, "at")
	})

	t.Run("根节点非数组报错", func(t *testing.T) {
		path := writeFile(t, `{"at": 1000}`)
		_, err := LoadReplayFile(path)
		assert.Error(t, err)
	})

	t.Run("文件不存在报错", func(t *testing.T) {
		_, err := LoadReplayFile(filepath.Join(t.TempDir(), "missing.json"))
		assert.Error(t, err)
	})
}
