package sim

import "sable/internal/signal"

// ClosedTrade 是平仓后的冻结记录，追加进只增不改的成交日志。
// 金额字段在平仓边界统一舍入到 2 位小数，因此
// NetPnL == GrossPnL − EntryFee − ExitFee 在存储值上严格成立。
type ClosedTrade struct {
	PositionID string           `json:"position_id"`
	Symbol     string           `json:"symbol"`
	Direction  signal.Direction `json:"direction"`

	EntryPrice    float64 `json:"entry_price"`
	ExitPrice     float64 `json:"exit_price"`
	Quantity      float64 `json:"quantity"`
	StopLoss      float64 `json:"stop_loss"`
	EntryNotional float64 `json:"entry_notional"`

	EntryTime int64 `json:"entry_time"`
	ExitTime  int64 `json:"exit_time"`
	HoldingMs int64 `json:"holding_ms"`

	EntryFee float64 `json:"entry_fee"`
	ExitFee  float64 `json:"exit_fee"`
	GrossPnL float64 `json:"gross_pnl"`
	NetPnL   float64 `json:"net_pnl"`
	// ReturnPct = NetPnL / EntryNotional。
	ReturnPct float64 `json:"return_pct"`

	Reason       ExitReason `json:"reason"`
	MaxFavorable float64    `json:"max_favorable"`
	MaxAdverse   float64    `json:"max_adverse"`

	Venue *VenueConfirmation `json:"venue,omitempty"`
}

// Win 报告该笔交易净盈亏是否非负。
func (t ClosedTrade) Win() bool {
	return t.NetPnL >= 0
}
