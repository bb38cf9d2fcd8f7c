package sim

import (
	"encoding/json"

	"sable/internal/market"
	"sable/internal/signal"
)

// ExitReason 标记持仓的关闭方式。一旦关闭不再重开：新信号产生新持仓。
type ExitReason string

const (
	ExitStop    ExitReason = "stop_loss"
	ExitTarget  ExitReason = "take_profit"
	ExitTrail   ExitReason = "trailing_stop"
	ExitTime    ExitReason = "time_limit"
	ExitSession ExitReason = "session_end"
)

// TargetLevel 是持仓上的一档止盈。开仓后价格不可变，部分止盈按档消耗。
type TargetLevel struct {
	Price  float64 `json:"price"`
	Ratio  float64 `json:"ratio"`
	Filled bool    `json:"filled"`
}

// VenueConfirmation 是真实下单回执的不透明记录。
// 纸面模式下缺失，不影响任何账务。
type VenueConfirmation struct {
	OrderRef string          `json:"order_ref"`
	PlacedAt int64           `json:"placed_at"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// Position 是一笔在仓交易。归 Portfolio 独占所有，
// 只有 Lifecycle 允许修改止损或将其关闭。
type Position struct {
	ID        string           `json:"id"`
	Symbol    string           `json:"symbol"`
	Direction signal.Direction `json:"direction"`

	EntryPrice    float64       `json:"entry_price"`
	Quantity      float64       `json:"quantity"`
	StopLoss      float64       `json:"stop_loss"`
	InitialStop   float64       `json:"initial_stop"`
	Targets       []TargetLevel `json:"targets"`
	EntryTime     int64         `json:"entry_time"`
	EntryBar      int           `json:"entry_bar"`
	EntryFee      float64       `json:"entry_fee"`
	EntryNotional float64       `json:"entry_notional"`

	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	// MaxFavorable/MaxAdverse 是浮动盈亏的高水位（只增不减）。
	MaxFavorable float64 `json:"max_favorable"`
	MaxAdverse   float64 `json:"max_adverse"`
	// Trailing 表示止损已被追踪逻辑抬升过。
	Trailing bool `json:"trailing"`

	Venue *VenueConfirmation `json:"venue,omitempty"`
}

// markPnL 计算给定价格下的浮动盈亏。
func (p *Position) markPnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Quantity * p.Direction.Sign()
}

// Mark 以一根 K 线刷新现价、浮动盈亏与最大有利/不利波动。
func (p *Position) Mark(bar market.Candle) {
	p.CurrentPrice = bar.Close
	p.UnrealizedPnL = p.markPnL(bar.Close)

	favorableExtreme, adverseExtreme := bar.High, bar.Low
	if p.Direction == signal.Short {
		favorableExtreme, adverseExtreme = bar.Low, bar.High
	}
	if fav := p.markPnL(favorableExtreme); fav > p.MaxFavorable {
		p.MaxFavorable = fav
	}
	if adv := -p.markPnL(adverseExtreme); adv > p.MaxAdverse {
		p.MaxAdverse = adv
	}
}

// equityContribution 是持仓对权益的贡献：开仓时名义本金从余额移入持仓托管，
// 贡献 = 本金 + 浮动盈亏 − 待结算入场费。
func (p *Position) equityContribution() float64 {
	return p.EntryNotional + p.markPnL(p.CurrentPrice) - p.EntryFee
}

// nextTarget 返回最近一档未消耗止盈的下标；没有则返回 -1。
func (p *Position) nextTarget() int {
	for i := range p.Targets {
		if !p.Targets[i].Filled {
			return i
		}
	}
	return -1
}

// AgeBars 返回按 K 线数计的持仓时长。
func (p *Position) AgeBars(barIdx int) int {
	if barIdx < p.EntryBar {
		return 0
	}
	return barIdx - p.EntryBar
}
