// Package metrics 把成交日志与资金曲线折算成绩效报告。
// 纯函数，不触碰账本状态。
package metrics

import (
	"math"

	"sable/internal/sim"
)

// ProfitFactorCap 是毛亏为零时利润因子的有限哨兵值，避免 Inf 污染
// JSON 序列化与图表坐标轴。
const ProfitFactorCap = 999.0

// Report 是一次运行的绩效汇总，字段全部可直接入库/出图。
type Report struct {
	TotalTrades int `json:"total_trades"`
	Wins        int `json:"wins"`
	Losses      int `json:"losses"`

	WinRate      float64 `json:"win_rate"`
	GrossProfit  float64 `json:"gross_profit"`
	GrossLoss    float64 `json:"gross_loss"`
	NetPnL       float64 `json:"net_pnl"`
	TotalFees    float64 `json:"total_fees"`
	ProfitFactor float64 `json:"profit_factor"`

	AvgWin     float64 `json:"avg_win"`
	AvgLoss    float64 `json:"avg_loss"`
	Expectancy float64 `json:"expectancy"`

	MaxDrawdown float64 `json:"max_drawdown"`
	SharpeLike  float64 `json:"sharpe_like"`

	MaxConsecutiveLosses int `json:"max_consecutive_losses"`

	AvgHoldingMs int64 `json:"avg_holding_ms"`
}

// Analyze 对成交日志与（可选的）资金曲线计算全套指标。
// curve 为空时 MaxDrawdown 退化为 0。
func Analyze(trades []sim.ClosedTrade, curve []sim.EquityPoint) Report {
	r := Report{TotalTrades: len(trades)}

	var holdingTotal int64
	streak, maxStreak := 0, 0
	for _, t := range trades {
		r.NetPnL += t.NetPnL
		r.TotalFees += t.EntryFee + t.ExitFee
		holdingTotal += t.HoldingMs
		if t.Win() {
			r.Wins++
			r.GrossProfit += t.NetPnL
			streak = 0
		} else {
			r.Losses++
			r.GrossLoss += -t.NetPnL
			streak++
			if streak > maxStreak {
				maxStreak = streak
			}
		}
	}
	r.MaxConsecutiveLosses = maxStreak

	if r.TotalTrades > 0 {
		r.WinRate = float64(r.Wins) / float64(r.TotalTrades)
		r.AvgHoldingMs = holdingTotal / int64(r.TotalTrades)
	}
	if r.Wins > 0 {
		r.AvgWin = r.GrossProfit / float64(r.Wins)
	}
	if r.Losses > 0 {
		r.AvgLoss = r.GrossLoss / float64(r.Losses)
	}
	r.ProfitFactor = profitFactor(r.GrossProfit, r.GrossLoss)
	r.Expectancy = r.AvgWin*r.WinRate - r.AvgLoss*(1-r.WinRate)
	r.MaxDrawdown = MaxDrawdown(curve)
	r.SharpeLike = sharpeLike(trades)
	return r
}

// profitFactor 返回毛利/毛亏。毛亏为零且有毛利时返回哨兵值而非 Inf。
func profitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss <= 0 {
		if grossProfit > 0 {
			return ProfitFactorCap
		}
		return 0
	}
	pf := grossProfit / grossLoss
	if pf > ProfitFactorCap {
		return ProfitFactorCap
	}
	return pf
}

// MaxDrawdown 沿资金曲线取 (运行峰值 − 权益)/运行峰值 的最大值。
func MaxDrawdown(curve []sim.EquityPoint) float64 {
	var peak, maxDD float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// sharpeLike 对单笔收益率取 均值/标准差。样本不足 2 笔或标准差为 0
// 时返回 0。
func sharpeLike(trades []sim.ClosedTrade) float64 {
	if len(trades) < 2 {
		return 0
	}
	var sum float64
	for _, t := range trades {
		sum += t.ReturnPct
	}
	mean := sum / float64(len(trades))
	var ss float64
	for _, t := range trades {
		d := t.ReturnPct - mean
		ss += d * d
	}
	stdev := math.Sqrt(ss / float64(len(trades)-1))
	if stdev == 0 {
		return 0
	}
	return mean / stdev
}
