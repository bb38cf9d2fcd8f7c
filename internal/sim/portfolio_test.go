package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sable/internal/risk"
	"sable/internal/signal"
)

func TestPortfolioAccounting(t *testing.T) {
	t.Run("开仓托管本金", func(t *testing.T) {
		pf := NewPortfolio(10000)
		sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97}
		_, err := pf.OpenPosition("p1", sig, risk.Sizing{Quantity: 10, Notional: 1000, EntryFee: 1}, 1000, 0)
		require.NoError(t, err)

		assert.Equal(t, 9000.0, pf.Balance)
		// 权益 = 余额 + 本金 + 浮盈(0) − 待结算入场费
		assert.InDelta(t, 9999.0, pf.Equity(), 1e-9)
	})

	t.Run("整笔往返权益变化等于净盈亏", func(t *testing.T) {
		pf := NewPortfolio(10000)
		sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97}
		pos, err := pf.OpenPosition("p1", sig, risk.Sizing{Quantity: 10, Notional: 1000, EntryFee: 0.4}, 1000, 0)
		require.NoError(t, err)

		trade := pf.closePortion(pos, pos.Quantity, 105, 2000, ExitTarget, 0.0004)
		assert.Empty(t, pf.Open)
		assert.InDelta(t, 10000+trade.NetPnL, pf.Equity(), 1e-9)
		assert.InDelta(t, pf.Balance, pf.Equity(), 1e-9)
	})

	t.Run("部分平仓按比例结算入场费", func(t *testing.T) {
		pf := NewPortfolio(10000)
		sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97}
		pos, err := pf.OpenPosition("p1", sig, risk.Sizing{Quantity: 10, Notional: 1000, EntryFee: 1}, 1000, 0)
		require.NoError(t, err)

		trade := pf.closePortion(pos, 4, 105, 2000, ExitTarget, 0)
		assert.InDelta(t, 0.4, trade.EntryFee, 1e-9)
		assert.InDelta(t, 0.6, pos.EntryFee, 1e-9)
		assert.InDelta(t, 6.0, pos.Quantity, 1e-9)
		assert.InDelta(t, 600.0, pos.EntryNotional, 1e-9)
		require.NoError(t, pf.CheckInvariants())
	})

	t.Run("同symbol二次开仓报状态损坏", func(t *testing.T) {
		pf := NewPortfolio(10000)
		sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97}
		_, err := pf.OpenPosition("p1", sig, risk.Sizing{Quantity: 1, Notional: 100}, 1000, 0)
		require.NoError(t, err)
		_, err = pf.OpenPosition("p2", sig, risk.Sizing{Quantity: 1, Notional: 100}, 2000, 1)
		var sc *StateCorruptionError
		assert.ErrorAs(t, err, &sc)
	})

	t.Run("余额透支报状态损坏", func(t *testing.T) {
		pf := NewPortfolio(100)
		sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97}
		_, err := pf.OpenPosition("p1", sig, risk.Sizing{Quantity: 10, Notional: 1000}, 1000, 0)
		var sc *StateCorruptionError
		assert.ErrorAs(t, err, &sc)
	})

	t.Run("胜负与盈亏累计", func(t *testing.T) {
		pf := NewPortfolio(10000)
		sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97}
		pos, err := pf.OpenPosition("p1", sig, risk.Sizing{Quantity: 10, Notional: 1000}, 1000, 0)
		require.NoError(t, err)
		pf.closePortion(pos, pos.Quantity, 95, 2000, ExitStop, 0)

		assert.Equal(t, 0, pf.Wins)
		assert.Equal(t, 1, pf.Losses)
		assert.InDelta(t, 50.0, pf.GrossLoss, 1e-9)
	})
}

func TestPortfolioPeakAndDrawdown(t *testing.T) {
	pf := NewPortfolio(10000)
	sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97}
	pos, err := pf.OpenPosition("p1", sig, risk.Sizing{Quantity: 10, Notional: 1000}, 1000, 0)
	require.NoError(t, err)

	pos.Mark(bar(100, 110, 100, 110, 2000))
	pf.UpdatePeak()
	assert.InDelta(t, 10100.0, pf.PeakEquity, 1e-9)

	pos.Mark(bar(110, 110, 100, 100, 3000))
	pf.UpdatePeak()
	// 峰值只增不减
	assert.InDelta(t, 10100.0, pf.PeakEquity, 1e-9)
	assert.InDelta(t, 100.0/10100.0, pf.Drawdown(), 1e-9)
	assert.InDelta(t, 100.0/10100.0, pf.MaxDrawdown, 1e-9)
}

func TestPositionMark(t *testing.T) {
	pf := NewPortfolio(10000)
	sig := signal.Signal{Symbol: "BTCUSDT", Direction: signal.Long, Entry: 100, StopLoss: 97}
	pos, err := pf.OpenPosition("p1", sig, risk.Sizing{Quantity: 10, Notional: 1000}, 1000, 0)
	require.NoError(t, err)

	pos.Mark(bar(100, 104, 98, 103, 2000))
	assert.InDelta(t, 30.0, pos.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 40.0, pos.MaxFavorable, 1e-9)
	assert.InDelta(t, 20.0, pos.MaxAdverse, 1e-9)

	// 高水位只增不减
	pos.Mark(bar(103, 103.5, 101, 102, 3000))
	assert.InDelta(t, 40.0, pos.MaxFavorable, 1e-9)
	assert.InDelta(t, 20.0, pos.MaxAdverse, 1e-9)
}

func TestCheckInvariants(t *testing.T) {
	pf := NewPortfolio(10000)
	require.NoError(t, pf.CheckInvariants())

	pf.Balance = -1
	var sc *StateCorruptionError
	assert.ErrorAs(t, pf.CheckInvariants(), &sc)
}
