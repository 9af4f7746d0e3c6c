package guardian

import (
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// MaxBid 返回允许的最高出价 (1 - margin) * price。
func MaxBid(margin, price decimal.Decimal) decimal.Decimal {
	return one.Sub(margin).Mul(price)
}

// PoolPrice 返回以基础资产计价的价格 base / other。other 为零时返回 false。
func PoolPrice(base, other decimal.Decimal) (decimal.Decimal, bool) {
	if !other.IsPositive() {
		return decimal.Zero, false
	}
	return base.Div(other), true
}

// SwapTarget 按恒定乘积公式计算以 supply 换出的目标数量，扣除手续费后再按滑点打折。
//
//	supplyAfterFee = supply * (1 - fee)
//	target = targetPool * supplyAfterFee / (supplyPool + supplyAfterFee) * (1 - slippage)
func SwapTarget(supply, supplyPool, targetPool, fee, slippage decimal.Decimal) (decimal.Decimal, bool) {
	if !supply.IsPositive() || !supplyPool.IsPositive() || !targetPool.IsPositive() {
		return decimal.Zero, false
	}
	afterFee := supply.Mul(one.Sub(fee))
	target := targetPool.Mul(afterFee).Div(supplyPool.Add(afterFee))
	return target.Mul(one.Sub(slippage)), true
}

// Deviation 返回 price 相对 reference 的偏离比例。
func Deviation(price, reference decimal.Decimal) decimal.Decimal {
	if reference.IsZero() {
		return decimal.Zero
	}
	return price.Sub(reference).Abs().Div(reference)
}
