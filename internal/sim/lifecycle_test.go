package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sable/internal/market"
	"sable/internal/risk"
	"sable/internal/signal"
)

func openTestPosition(t *testing.T, pf *Portfolio, sig signal.Signal, qty float64, feeRate float64) *Position {
	t.Helper()
	notional := qty * sig.Entry
	pos, err := pf.OpenPosition("test-1", sig, risk.Sizing{
		Quantity: qty,
		Notional: notional,
		EntryFee: notional * feeRate,
	}, 1000, 0)
	require.NoError(t, err)
	return pos
}

func bar(open, high, low, closePx float64, closeTime int64) market.Candle {
	return market.Candle{
		OpenTime:  closeTime - 3600_000,
		CloseTime: closeTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
	}
}

func TestLifecycleStep(t *testing.T) {
	t.Run("同根K线止损止盈都触及时判止损", func(t *testing.T) {
		pf := NewPortfolio(10000)
		sig := signal.Signal{
			Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97,
			Targets: []signal.Target{{Price: 107, Ratio: 1}},
		}
		pos := openTestPosition(t, pf, sig, 10, 0)
		lc := NewLifecycle(LifecycleConfig{})

		closed := lc.Step(pf, pos, bar(100, 107, 96, 100, 2000), 1)
		require.Len(t, closed, 1)
		assert.Equal(t, ExitStop, closed[0].Reason)
		assert.Equal(t, 97.0, closed[0].ExitPrice)
		assert.Empty(t, pf.Open)
	})

	t.Run("追踪止损抬升后触发", func(t *testing.T) {
		pf := NewPortfolio(10000)
		sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97}
		pos := openTestPosition(t, pf, sig, 10, 0)
		lc := NewLifecycle(LifecycleConfig{
			TrailingEnabled:       true,
			TrailingActivationPct: 0.02,
			TrailingDistancePct:   0.01,
		})

		// 第一根：浮盈 3% 激活追踪，止损抬到 103×0.99
		closed := lc.Step(pf, pos, bar(100, 103, 102.5, 102.8, 2000), 1)
		assert.Empty(t, closed)
		assert.True(t, pos.Trailing)
		assert.InDelta(t, 103*0.99, pos.StopLoss, 1e-9)

		// 第二根：回落打到追踪位
		closed = lc.Step(pf, pos, bar(102.8, 102.9, 101, 101.2, 3000), 2)
		require.Len(t, closed, 1)
		assert.Equal(t, ExitTrail, closed[0].Reason)
		assert.InDelta(t, 103*0.99, closed[0].ExitPrice, 1e-9)
	})

	t.Run("追踪止损只朝有利方向移动", func(t *testing.T) {
		pf := NewPortfolio(10000)
		sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97}
		pos := openTestPosition(t, pf, sig, 10, 0)
		lc := NewLifecycle(LifecycleConfig{
			TrailingEnabled:       true,
			TrailingActivationPct: 0.02,
			TrailingDistancePct:   0.01,
		})

		lc.Step(pf, pos, bar(100, 105, 104, 104.5, 2000), 1)
		raised := pos.StopLoss
		// 高点回落但未触发：止损不下调
		lc.Step(pf, pos, bar(104.5, 104.6, 104.2, 104.3, 3000), 2)
		assert.Equal(t, raised, pos.StopLoss)
	})

	t.Run("分档止盈", func(t *testing.T) {
		pf := NewPortfolio(10000)
		sig := signal.Signal{
			Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97,
			Targets: []signal.Target{{Price: 105, Ratio: 0.5}, {Price: 110, Ratio: 0.5}},
		}
		pos := openTestPosition(t, pf, sig, 10, 0)
		lc := NewLifecycle(LifecycleConfig{})

		closed := lc.Step(pf, pos, bar(100, 106, 100, 105.5, 2000), 1)
		require.Len(t, closed, 1)
		assert.Equal(t, ExitTarget, closed[0].Reason)
		assert.InDelta(t, 5.0, closed[0].Quantity, 1e-9)
		assert.InDelta(t, 5.0, pos.Quantity, 1e-9)

		// 最后一档收全部剩余
		closed = lc.Step(pf, pos, bar(105.5, 111, 105, 110.5, 3000), 2)
		require.Len(t, closed, 1)
		assert.Equal(t, 110.0, closed[0].ExitPrice)
		assert.InDelta(t, 5.0, closed[0].Quantity, 1e-9)
		assert.Empty(t, pf.Open)
	})

	t.Run("一根K线连破两档", func(t *testing.T) {
		pf := NewPortfolio(10000)
		sig := signal.Signal{
			Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97,
			Targets: []signal.Target{{Price: 105, Ratio: 0.5}, {Price: 110, Ratio: 0.5}},
		}
		pos := openTestPosition(t, pf, sig, 10, 0)
		lc := NewLifecycle(LifecycleConfig{})

		closed := lc.Step(pf, pos, bar(100, 112, 100, 111, 2000), 1)
		require.Len(t, closed, 2)
		assert.Equal(t, 105.0, closed[0].ExitPrice)
		assert.Equal(t, 110.0, closed[1].ExitPrice)
		assert.Empty(t, pf.Open)
	})

	t.Run("时间出场", func(t *testing.T) {
		pf := NewPortfolio(10000)
		sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97}
		pos := openTestPosition(t, pf, sig, 10, 0)
		lc := NewLifecycle(LifecycleConfig{MaxHoldingBars: 2})

		assert.Empty(t, lc.Step(pf, pos, bar(100, 101, 99, 100.5, 2000), 1))
		closed := lc.Step(pf, pos, bar(100.5, 101, 99, 100.2, 3000), 2)
		require.Len(t, closed, 1)
		assert.Equal(t, ExitTime, closed[0].Reason)
		assert.Equal(t, 100.2, closed[0].ExitPrice)
	})

	t.Run("空头止损用高点判定", func(t *testing.T) {
		pf := NewPortfolio(10000)
		sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Short, Entry: 100, StopLoss: 103}
		pos := openTestPosition(t, pf, sig, 10, 0)
		lc := NewLifecycle(LifecycleConfig{})

		closed := lc.Step(pf, pos, bar(100, 103.5, 99, 102, 2000), 1)
		require.Len(t, closed, 1)
		assert.Equal(t, ExitStop, closed[0].Reason)
		assert.Equal(t, 103.0, closed[0].ExitPrice)
	})

	t.Run("贴线价触发", func(t *testing.T) {
		pf := NewPortfolio(10000)
		sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97}
		pos := openTestPosition(t, pf, sig, 10, 0)
		lc := NewLifecycle(LifecycleConfig{})

		// low 恰好等于止损价
		closed := lc.Step(pf, pos, bar(100, 100.5, 97, 98, 2000), 1)
		require.Len(t, closed, 1)
		assert.Equal(t, ExitStop, closed[0].Reason)
	})
}

func TestCloseFeeExactness(t *testing.T) {
	pf := NewPortfolio(10000)
	sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100.37, StopLoss: 97}
	pos := openTestPosition(t, pf, sig, 7.123, 0.001)
	lc := NewLifecycle(LifecycleConfig{FeeRate: 0.001})

	closed := lc.Step(pf, pos, bar(100.37, 100.5, 96.5, 97.2, 2000), 1)
	require.Len(t, closed, 1)
	tr := closed[0]
	// 各字段都在平仓边界舍入过，恒等式只剩浮点表示误差
	assert.InDelta(t, tr.NetPnL, tr.GrossPnL-tr.EntryFee-tr.ExitFee, 1e-9)
	assert.Equal(t, RoundMoney(tr.GrossPnL), tr.GrossPnL)
	assert.Equal(t, RoundMoney(tr.EntryFee), tr.EntryFee)
	assert.Equal(t, RoundMoney(tr.ExitFee), tr.ExitFee)
}
