package market

import "time"

// Candle 是引擎消费的唯一行情单元：开高低收量 + 毫秒时间戳。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// ClosedAt 返回收盘时间。
func (c Candle) ClosedAt() time.Time {
	return time.UnixMilli(c.CloseTime)
}

// Bullish 报告该 K 线是否收阳。
func (c Candle) Bullish() bool {
	return c.Close >= c.Open
}

// SortedAscending 校验序列按 open_time 严格递增（引擎假设无回退时间）。
func SortedAscending(candles []Candle) bool {
	for i := 1; i < len(candles); i++ {
		if candles[i].OpenTime <= candles[i-1].OpenTime {
			return false
		}
	}
	return true
}
