package sim

import (
	"math"
	"sort"

	"sable/internal/risk"
	"sable/internal/signal"
)

// Portfolio 是唯一的共享可变账本，运行期间由 Runner 独占。
//
// 记账口径：开仓把名义本金从余额移入持仓托管，入场费挂在持仓上、
// 平仓时折进净盈亏一次性结清。权益 = 余额 + Σ 持仓贡献
// （本金 + 浮动盈亏 − 待结算入场费），一笔交易的完整往返对权益的
// 影响恰好等于其净盈亏。
type Portfolio struct {
	InitialBalance float64              `json:"initial_balance"`
	Balance        float64              `json:"balance"`
	Open           map[string]*Position `json:"open"`
	Closed         []ClosedTrade        `json:"closed"`

	PeakEquity  float64 `json:"peak_equity"`
	MaxDrawdown float64 `json:"max_drawdown"`

	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	GrossProfit float64 `json:"gross_profit"`
	GrossLoss   float64 `json:"gross_loss"`

	// LastTS 是最后处理的 K 线收盘时间（毫秒），恢复运行时用于去重。
	LastTS int64 `json:"last_ts"`

	// Pending 是等待下一根开盘成交的信号。随账本一起持久化，
	// 在信号根与成交根之间中断后续跑不会丢单或改变成交时点。
	Pending *signal.Signal `json:"pending,omitempty"`
}

// NewPortfolio 以初始资金构建空账本。
func NewPortfolio(initialBalance float64) *Portfolio {
	return &Portfolio{
		InitialBalance: initialBalance,
		Balance:        initialBalance,
		Open:           make(map[string]*Position),
		PeakEquity:     initialBalance,
	}
}

// Equity 返回余额加全部持仓贡献。
func (p *Portfolio) Equity() float64 {
	eq := p.Balance
	for _, pos := range p.Open {
		eq += pos.equityContribution()
	}
	return eq
}

// Drawdown 返回当前相对峰值的回撤比例（≥0）。
func (p *Portfolio) Drawdown() float64 {
	if p.PeakEquity <= 0 {
		return 0
	}
	dd := (p.PeakEquity - p.Equity()) / p.PeakEquity
	if dd < 0 {
		return 0
	}
	return dd
}

// UpdatePeak 刷新峰值权益（只增不减）与已实现最大回撤。
func (p *Portfolio) UpdatePeak() {
	eq := p.Equity()
	if eq > p.PeakEquity {
		p.PeakEquity = eq
	}
	if dd := p.Drawdown(); dd > p.MaxDrawdown {
		p.MaxDrawdown = dd
	}
}

// Position 返回指定 symbol 的在仓头寸。
func (p *Portfolio) Position(symbol string) (*Position, bool) {
	pos, ok := p.Open[symbol]
	return pos, ok
}

// Symbols 返回在仓 symbol 的有序列表（遍历顺序确定性）。
func (p *Portfolio) Symbols() []string {
	out := make([]string, 0, len(p.Open))
	for s := range p.Open {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// OpenPosition 按 Sizer 的输出入账一笔新持仓。
// 同一 symbol 默认只允许一笔在仓。
func (p *Portfolio) OpenPosition(id string, sig signal.Signal, sz risk.Sizing, ts int64, barIdx int) (*Position, error) {
	if _, exists := p.Open[sig.Symbol]; exists {
		return nil, corrupt("open position already exists for %s", sig.Symbol)
	}
	if sz.Quantity <= 0 {
		return nil, corrupt("open with non-positive quantity %.8g for %s", sz.Quantity, sig.Symbol)
	}
	p.Balance -= sz.Notional
	if p.Balance < 0 {
		// 余额透支说明定量环节出了错，立即终止而不是悄悄截断。
		return nil, corrupt("balance %.2f negative after opening %s notional %.2f",
			p.Balance, sig.Symbol, sz.Notional)
	}
	targets := make([]TargetLevel, len(sig.Targets))
	for i, t := range sig.Targets {
		targets[i] = TargetLevel{Price: t.Price, Ratio: t.Ratio}
	}
	pos := &Position{
		ID:            id,
		Symbol:        sig.Symbol,
		Direction:     sig.Direction,
		EntryPrice:    sig.Entry,
		Quantity:      sz.Quantity,
		StopLoss:      sig.StopLoss,
		InitialStop:   sig.StopLoss,
		Targets:       targets,
		EntryTime:     ts,
		EntryBar:      barIdx,
		EntryFee:      sz.EntryFee,
		EntryNotional: sz.Notional,
		CurrentPrice:  sig.Entry,
	}
	p.Open[sig.Symbol] = pos
	return pos, nil
}

// closePortion 平掉 qty（可为全部），在边界完成一次性舍入并入账。
func (p *Portfolio) closePortion(pos *Position, qty, exitPrice float64, ts int64, reason ExitReason, feeRate float64) ClosedTrade {
	full := qty >= pos.Quantity
	if full {
		qty = pos.Quantity
	}

	grossD := decFromFloat(exitPrice).Sub(decFromFloat(pos.EntryPrice)).
		Mul(decFromFloat(qty)).Mul(decFromFloat(pos.Direction.Sign())).Round(moneyPlaces)
	exitFeeD := decFromFloat(qty).Mul(decFromFloat(exitPrice)).Mul(decFromFloat(feeRate)).Round(moneyPlaces)
	var entryFeeD = decFromFloat(pos.EntryFee)
	if !full {
		entryFeeD = entryFeeD.Mul(decFromFloat(qty)).Div(decFromFloat(pos.Quantity))
	}
	entryFeeD = entryFeeD.Round(moneyPlaces)
	netD := grossD.Sub(entryFeeD).Sub(exitFeeD)

	releasedNotional := qty * pos.EntryPrice
	net := decToFloat(netD)
	p.Balance += releasedNotional + net

	trade := ClosedTrade{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		Direction:     pos.Direction,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     exitPrice,
		Quantity:      qty,
		StopLoss:      pos.StopLoss,
		EntryNotional: releasedNotional,
		EntryTime:     pos.EntryTime,
		ExitTime:      ts,
		HoldingMs:     maxInt64(0, ts-pos.EntryTime),
		EntryFee:      decToFloat(entryFeeD),
		ExitFee:       decToFloat(exitFeeD),
		GrossPnL:      decToFloat(grossD),
		NetPnL:        net,
		Reason:        reason,
		MaxFavorable:  pos.MaxFavorable,
		MaxAdverse:    pos.MaxAdverse,
		Venue:         pos.Venue,
	}
	if releasedNotional > 0 {
		trade.ReturnPct = net / releasedNotional
	}

	if net >= 0 {
		p.Wins++
		p.GrossProfit += net
	} else {
		p.Losses++
		p.GrossLoss += -net
	}
	p.Closed = append(p.Closed, trade)

	if full {
		delete(p.Open, pos.Symbol)
	} else {
		pos.Quantity -= qty
		pos.EntryFee = decToFloat(decFromFloat(pos.EntryFee).Sub(entryFeeD))
		if pos.EntryFee < 0 {
			pos.EntryFee = 0
		}
		pos.EntryNotional -= releasedNotional
		pos.UnrealizedPnL = pos.markPnL(pos.CurrentPrice)
	}
	return trade
}

// HeatExposures 导出在仓头寸的热度输入（顺序确定性）。
func (p *Portfolio) HeatExposures() []risk.Exposure {
	symbols := p.Symbols()
	out := make([]risk.Exposure, 0, len(symbols))
	for _, s := range symbols {
		pos := p.Open[s]
		out = append(out, risk.Exposure{
			StopDistance: math.Abs(pos.EntryPrice - pos.StopLoss),
			Quantity:     pos.Quantity,
			Value:        pos.Quantity * pos.CurrentPrice,
		})
	}
	return out
}

// CheckInvariants 校验账本不变量，违反即返回 StateCorruptionError。
func (p *Portfolio) CheckInvariants() error {
	if p.Balance < 0 {
		return corrupt("balance %.4f negative", p.Balance)
	}
	if p.PeakEquity < p.InitialBalance-1e-6 {
		// 峰值以初始资金起步且只增不减
		return corrupt("peak equity %.4f below initial balance %.4f", p.PeakEquity, p.InitialBalance)
	}
	if p.MaxDrawdown < 0 {
		return corrupt("max drawdown %.6f negative", p.MaxDrawdown)
	}
	for sym, pos := range p.Open {
		if pos.Quantity <= 0 {
			return corrupt("position %s quantity %.8g not positive", sym, pos.Quantity)
		}
		if math.Abs(pos.EntryNotional-pos.Quantity*pos.EntryPrice) > 1e-6*math.Max(1, pos.EntryNotional) {
			return corrupt("position %s notional %.6f inconsistent with qty×entry %.6f",
				sym, pos.EntryNotional, pos.Quantity*pos.EntryPrice)
		}
	}
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
