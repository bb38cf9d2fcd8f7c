package risk

// Exposure 是单个在仓头寸对热度的贡献输入。
type Exposure struct {
	// StopDistance = |entry - stop|。
	StopDistance float64
	Quantity     float64
	// Value = quantity × current_price。
	Value float64
}

// Heat 计算组合热度（占 equity 的比例）。取两种口径的较大值：
//   - 止损口径：Σ stop_distance × qty / equity；
//   - 市值口径：Σ value / equity × adverse_move。
//
// 止损口径在趋势行情里会低估敞口：仓位浮盈后追踪止损未跟上时，
// 市值口径提供下界。
func Heat(equity float64, exposures []Exposure, adverseMove float64) float64 {
	if equity <= 0 || len(exposures) == 0 {
		return 0
	}
	if adverseMove <= 0 {
		adverseMove = 0.10
	}
	var stopRisk, value float64
	for _, e := range exposures {
		if e.Quantity <= 0 {
			continue
		}
		stopRisk += e.StopDistance * e.Quantity
		value += e.Value
	}
	byStop := stopRisk / equity
	byValue := value / equity * adverseMove
	if byValue > byStop {
		return byValue
	}
	return byStop
}
