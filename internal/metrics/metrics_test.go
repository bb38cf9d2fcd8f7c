package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"sable/internal/sim"
)

func trade(netPnL float64) sim.ClosedTrade {
	return sim.ClosedTrade{NetPnL: netPnL, EntryNotional: 1000, ReturnPct: netPnL / 1000}
}

func TestAnalyze(t *testing.T) {
	t.Run("基础统计", func(t *testing.T) {
		trades := []sim.ClosedTrade{trade(-50), trade(-30), trade(-20), trade(100)}
		r := Analyze(trades, nil)

		assert.Equal(t, 4, r.TotalTrades)
		assert.Equal(t, 1, r.Wins)
		assert.Equal(t, 3, r.Losses)
		assert.InDelta(t, 0.25, r.WinRate, 1e-9)
		assert.InDelta(t, 100.0, r.GrossProfit, 1e-9)
		assert.InDelta(t, 100.0, r.GrossLoss, 1e-9)
		assert.InDelta(t, 0.0, r.NetPnL, 1e-9)
		assert.InDelta(t, 1.0, r.ProfitFactor, 1e-9)
		assert.Equal(t, 3, r.MaxConsecutiveLosses)
		assert.InDelta(t, 100.0, r.AvgWin, 1e-9)
		assert.InDelta(t, 100.0/3, r.AvgLoss, 1e-9)
		// 期望值 = 100×0.25 − 33.33×0.75 = 0
		assert.InDelta(t, 0.0, r.Expectancy, 1e-9)
	})

	t.Run("连亏被盈利打断后重新计数", func(t *testing.T) {
		trades := []sim.ClosedTrade{trade(-10), trade(-10), trade(5), trade(-10), trade(-10), trade(-10), trade(5)}
		r := Analyze(trades, nil)
		assert.Equal(t, 3, r.MaxConsecutiveLosses)
	})

	t.Run("手续费与持仓时长累计", func(t *testing.T) {
		trades := []sim.ClosedTrade{
			{NetPnL: 10, EntryFee: 1, ExitFee: 2, HoldingMs: 3600_000},
			{NetPnL: -5, EntryFee: 0.5, ExitFee: 0.5, HoldingMs: 7200_000},
		}
		r := Analyze(trades, nil)
		assert.InDelta(t, 4.0, r.TotalFees, 1e-9)
		assert.Equal(t, int64(5400_000), r.AvgHoldingMs)
	})

	t.Run("空成交日志全零", func(t *testing.T) {
		r := Analyze(nil, nil)
		assert.Zero(t, r.TotalTrades)
		assert.Zero(t, r.WinRate)
		assert.Zero(t, r.ProfitFactor)
		assert.Zero(t, r.SharpeLike)
	})
}

func TestProfitFactorSentinel(t *testing.T) {
	t.Run("只赢不亏给哨兵值", func(t *testing.T) {
		r := Analyze([]sim.ClosedTrade{trade(50), trade(30)}, nil)
		assert.Equal(t, ProfitFactorCap, r.ProfitFactor)
	})

	t.Run("超出哨兵值被截断", func(t *testing.T) {
		r := Analyze([]sim.ClosedTrade{trade(100000), trade(-0.01)}, nil)
		assert.Equal(t, ProfitFactorCap, r.ProfitFactor)
	})

	t.Run("零盈亏为零", func(t *testing.T) {
		assert.Zero(t, profitFactor(0, 0))
	})
}

func TestSharpeLike(t *testing.T) {
	t.Run("样本标准差口径", func(t *testing.T) {
		trades := []sim.ClosedTrade{{ReturnPct: 0.01}, {ReturnPct: 0.03}}
		r := Analyze(trades, nil)
		// 均值 0.02，样本标准差 0.01√2
		assert.InDelta(t, 0.02/(0.01*math.Sqrt2), r.SharpeLike, 1e-9)
	})

	t.Run("样本不足为零", func(t *testing.T) {
		r := Analyze([]sim.ClosedTrade{{ReturnPct: 0.05}}, nil)
		assert.Zero(t, r.SharpeLike)
	})

	t.Run("收益率恒定为零", func(t *testing.T) {
		trades := []sim.ClosedTrade{{ReturnPct: 0.02}, {ReturnPct: 0.02}, {ReturnPct: 0.02}}
		r := Analyze(trades, nil)
		assert.Zero(t, r.SharpeLike)
	})
}

func TestMaxDrawdown(t *testing.T) {
	curve := func(equities ...float64) []sim.EquityPoint {
		out := make([]sim.EquityPoint, len(equities))
		for i, eq := range equities {
			out[i] = sim.EquityPoint{TS: int64(i), Equity: eq}
		}
		return out
	}

	t.Run("取全程最大回撤", func(t *testing.T) {
		dd := MaxDrawdown(curve(10000, 11000, 9900, 12000, 10200, 13000))
		assert.InDelta(t, 1800.0/12000, dd, 1e-9)
	})

	t.Run("单调上行为零", func(t *testing.T) {
		assert.Zero(t, MaxDrawdown(curve(10000, 10100, 10200)))
	})

	t.Run("空曲线为零", func(t *testing.T) {
		assert.Zero(t, MaxDrawdown(nil))
	})
}
