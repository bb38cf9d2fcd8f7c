package sim

import (
	"sable/internal/market"
	"sable/internal/signal"
)

// LifecycleConfig 控制持仓状态机的出场行为。
type LifecycleConfig struct {
	FeeRate float64 `json:"fee_rate"`

	TrailingEnabled       bool    `json:"trailing_enabled"`
	TrailingActivationPct float64 `json:"trailing_activation_pct"`
	TrailingDistancePct   float64 `json:"trailing_distance_pct"`

	// MaxHoldingBars 为 0 时禁用时间出场。
	MaxHoldingBars int `json:"max_holding_bars"`
}

// Lifecycle 把一笔在仓头寸对着一根新 K 线推进一步：
// 先更新追踪止损，再查止损/止盈触发，最后查时间出场。
// 同一根 K 线内止损与止盈都可触及时，按保守假设判止损先成交：
// K 线内部路径不可知，不得从形态反推顺序。
type Lifecycle struct {
	cfg LifecycleConfig
}

// NewLifecycle 构造状态机。
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	return &Lifecycle{cfg: cfg}
}

// Config 返回生效配置。
func (l *Lifecycle) Config() LifecycleConfig { return l.cfg }

// Step 推进一根 K 线，返回本根产生的平仓记录（可能多条：部分止盈）。
// 顺序：追踪止损更新 → 止损/止盈 → 时间出场。追踪更新在出场检查之前，
// 因此同根 K 线内可以打到刚刚抬上来的追踪位。
func (l *Lifecycle) Step(pf *Portfolio, pos *Position, bar market.Candle, barIdx int) []ClosedTrade {
	l.updateTrailing(pos, bar)

	var closed []ClosedTrade

	if priceBreachedStop(pos.Direction, stopTouchPrice(pos.Direction, bar), pos.StopLoss) {
		// 止损位只要被追踪逻辑抬升过，触发即记追踪离场：
		// 离场原因跟随实际成交的价位，而不是它最后一次移动的时间。
		reason := ExitStop
		if pos.Trailing {
			reason = ExitTrail
		}
		closed = append(closed, pf.closePortion(pos, pos.Quantity, pos.StopLoss, bar.CloseTime, reason, l.cfg.FeeRate))
		return closed
	}

	for {
		idx := pos.nextTarget()
		if idx < 0 {
			break
		}
		target := pos.Targets[idx]
		if !priceReachedTarget(pos.Direction, targetTouchPrice(pos.Direction, bar), target.Price) {
			break
		}
		pos.Targets[idx].Filled = true
		qty := pos.Quantity * target.Ratio
		if idx == len(pos.Targets)-1 || qty >= pos.Quantity {
			// 最后一档收全部剩余仓位
			qty = pos.Quantity
		}
		closed = append(closed, pf.closePortion(pos, qty, target.Price, bar.CloseTime, ExitTarget, l.cfg.FeeRate))
		if _, alive := pf.Open[pos.Symbol]; !alive {
			return closed
		}
	}

	if l.cfg.MaxHoldingBars > 0 && pos.AgeBars(barIdx) >= l.cfg.MaxHoldingBars {
		closed = append(closed, pf.closePortion(pos, pos.Quantity, bar.Close, bar.CloseTime, ExitTime, l.cfg.FeeRate))
	}
	return closed
}

// updateTrailing 抬升追踪止损（只朝有利方向移动）。
func (l *Lifecycle) updateTrailing(pos *Position, bar market.Candle) {
	if !l.cfg.TrailingEnabled || l.cfg.TrailingDistancePct <= 0 {
		return
	}
	switch pos.Direction {
	case signal.Long:
		gain := (bar.High - pos.EntryPrice) / pos.EntryPrice
		if gain < l.cfg.TrailingActivationPct {
			return
		}
		candidate := bar.High * (1 - l.cfg.TrailingDistancePct)
		if candidate > pos.StopLoss {
			pos.StopLoss = candidate
			pos.Trailing = true
		}
	case signal.Short:
		gain := (pos.EntryPrice - bar.Low) / pos.EntryPrice
		if gain < l.cfg.TrailingActivationPct {
			return
		}
		candidate := bar.Low * (1 + l.cfg.TrailingDistancePct)
		if candidate < pos.StopLoss {
			pos.StopLoss = candidate
			pos.Trailing = true
		}
	}
}

// stopTouchPrice 返回该方向上可能触发止损的极值价。
func stopTouchPrice(dir signal.Direction, bar market.Candle) float64 {
	if dir == signal.Short {
		return bar.High
	}
	return bar.Low
}

// targetTouchPrice 返回该方向上可能触发止盈的极值价。
func targetTouchPrice(dir signal.Direction, bar market.Candle) float64 {
	if dir == signal.Short {
		return bar.Low
	}
	return bar.High
}
