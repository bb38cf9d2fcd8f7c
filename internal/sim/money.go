package sim

import (
	"math"

	"github.com/shopspring/decimal"
)

// 资金只在成交边界处舍入一次（2 位小数），中途一律全精度。
// 触价判断用 decimal 比较，避免 float 误差把贴线价判反。

const moneyPlaces = 2

var decimalEps = decimal.NewFromFloat(1e-9)

func decFromFloat(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

func decToFloat(v decimal.Decimal) float64 {
	f, _ := v.Float64()
	return f
}

// RoundMoney 把金额舍入到 2 位小数（边界舍入策略）。
func RoundMoney(v float64) float64 {
	return decToFloat(decFromFloat(v).Round(moneyPlaces))
}

func decimalLTE(a, b float64) bool {
	return decFromFloat(a).Cmp(decFromFloat(b).Add(decimalEps)) <= 0
}

func decimalGTE(a, b float64) bool {
	return decFromFloat(a).Cmp(decFromFloat(b).Sub(decimalEps)) >= 0
}

// priceBreachedStop 判断价格是否触发止损。
func priceBreachedStop(dir directionLike, price, stop float64) bool {
	if stop <= 0 || price <= 0 {
		return false
	}
	if dir.Sign() < 0 {
		return decimalGTE(price, stop)
	}
	return decimalLTE(price, stop)
}

// priceReachedTarget 判断价格是否触及止盈。
func priceReachedTarget(dir directionLike, price, target float64) bool {
	if target <= 0 || price <= 0 {
		return false
	}
	if dir.Sign() < 0 {
		return decimalLTE(price, target)
	}
	return decimalGTE(price, target)
}

type directionLike interface {
	Sign() float64
}
