package exchange

import (
	"github.com/shopspring/decimal"

	"binance-bot-fleet/internal/errs"
)

// QuantizeQuantity floors a raw quantity onto the symbol's step grid and
// checks the venue minimums. Decimal arithmetic keeps the persisted quantity
// exact; float rounding here would produce LOT_SIZE rejections.
func QuantizeQuantity(raw decimal.Decimal, price decimal.Decimal, filter *SymbolFilter) (decimal.Decimal, error) {
	qty := raw
	if filter != nil && filter.StepSize.IsPositive() {
		steps := raw.Div(filter.StepSize).Floor()
		qty = steps.Mul(filter.StepSize)
	}
	if !qty.IsPositive() {
		return decimal.Zero, errs.Newf(errs.KindInsufficientBalance,
			"quantity %s rounds to zero at step %s", raw, stepOf(filter))
	}
	if filter != nil && filter.MinQuantity.IsPositive() && qty.LessThan(filter.MinQuantity) {
		return decimal.Zero, errs.Newf(errs.KindInsufficientBalance,
			"quantity %s below venue minimum %s", qty, filter.MinQuantity)
	}
	if filter != nil && filter.MinNotional.IsPositive() {
		notional := qty.Mul(price)
		if notional.LessThan(filter.MinNotional) {
			return decimal.Zero, errs.Newf(errs.KindInsufficientBalance,
				"notional %s below venue minimum %s", notional, filter.MinNotional)
		}
	}
	return qty, nil
}

// SizeByAllocation converts a quote-currency allocation into a base quantity
// at the given price, clamped to the symbol's lot filters.
func SizeByAllocation(allocated, price float64, filter *SymbolFilter) (decimal.Decimal, error) {
	if price <= 0 {
		return decimal.Zero, errs.Newf(errs.KindInvariant, "non-positive price %.8f", price)
	}
	alloc := decimal.NewFromFloat(allocated)
	p := decimal.NewFromFloat(price)
	return QuantizeQuantity(alloc.Div(p), p, filter)
}

func stepOf(filter *SymbolFilter) decimal.Decimal {
	if filter == nil {
		return decimal.Zero
	}
	return filter.StepSize
}
