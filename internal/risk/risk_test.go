package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sable/internal/signal"
)

func longSignal(entry, stop float64) signal.Signal {
	return signal.Signal{
		Symbol:    "BTCUSDT",
		Direction: signal.Long,
		Entry:     entry,
		StopLoss:  stop,
	}
}

func TestSizerSize(t *testing.T) {
	sizer := NewSizer(Config{
		RiskPerTrade:     0.01,
		MaxPortfolioHeat: 0.06,
	})

	t.Run("风险预算定量", func(t *testing.T) {
		sz, err := sizer.Size(longSignal(100, 97), 10000, 10000, 0)
		require.NoError(t, err)
		// 风险 100 / 止损距离 3
		assert.InDelta(t, 33.3333, sz.Quantity, 0.001)
		assert.InDelta(t, 0.01, sz.RiskFraction, 1e-9)
		assert.False(t, sz.HeatScaled)
		assert.False(t, sz.BalanceLimited)
	})

	t.Run("剩余热度压缩数量", func(t *testing.T) {
		// 已消耗 5.5%，剩 0.5%，单笔预算 1% → 数量减半
		sz, err := sizer.Size(longSignal(100, 97), 10000, 10000, 0.055)
		require.NoError(t, err)
		assert.True(t, sz.HeatScaled)
		assert.InDelta(t, 33.3333/2, sz.Quantity, 0.001)
	})

	t.Run("热度耗尽拒绝", func(t *testing.T) {
		_, err := sizer.Size(longSignal(100, 97), 10000, 10000, 0.06)
		var rej *Rejection
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, ReasonHeatExhausted, rej.Reason)
	})

	t.Run("止损过近拒绝", func(t *testing.T) {
		// 距离 0.05 <= entry × 0.1%
		_, err := sizer.Size(longSignal(100, 99.95), 10000, 10000, 0)
		var rej *Rejection
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, ReasonStopTooTight, rej.Reason)
	})

	t.Run("余额收缩后仍可接受", func(t *testing.T) {
		sz, err := sizer.Size(longSignal(100, 97), 10000, 100, 0)
		require.NoError(t, err)
		assert.True(t, sz.BalanceLimited)
		assert.LessOrEqual(t, sz.Notional, 100.0)
		// 收缩只会降低风险，不会放大
		assert.Less(t, sz.RiskFraction, 0.01)
	})

	t.Run("零余额拒绝", func(t *testing.T) {
		_, err := sizer.Size(longSignal(100, 97), 10000, 0, 0)
		var rej *Rejection
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, ReasonUnaffordable, rej.Reason)
	})

	t.Run("名义价值上限", func(t *testing.T) {
		// 止损极远时数量被 max_notional_pct 截断
		tight := NewSizer(Config{RiskPerTrade: 0.05, MaxPortfolioHeat: 0.5, MaxNotionalPct: 0.5})
		sz, err := tight.Size(longSignal(100, 50), 10000, 10000, 0)
		require.NoError(t, err)
		assert.InDelta(t, 5000.0, sz.Notional, 0.001)
	})

	t.Run("非法信号拒绝", func(t *testing.T) {
		_, err := sizer.Size(longSignal(100, 103), 10000, 10000, 0)
		var rej *Rejection
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, "invalid signal", rej.Reason)
	})

	t.Run("入场费按费率计", func(t *testing.T) {
		withFee := NewSizer(Config{RiskPerTrade: 0.01, MaxPortfolioHeat: 0.06, FeeRate: 0.001})
		sz, err := withFee.Size(longSignal(100, 97), 10000, 10000, 0)
		require.NoError(t, err)
		assert.InDelta(t, sz.Notional*0.001, sz.EntryFee, 1e-9)
	})
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, 0.01, cfg.RiskPerTrade)
	assert.Equal(t, 0.06, cfg.MaxPortfolioHeat)
	assert.Equal(t, 0.10, cfg.AdverseMoveAssumption)

	// 显式值不被覆盖
	custom := Config{RiskPerTrade: 0.02}.WithDefaults()
	assert.Equal(t, 0.02, custom.RiskPerTrade)
}
