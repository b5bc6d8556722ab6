package state

import (
	"math"

	"github.com/quantgate/termsync/internal/schema"
)

// updatePositionProfit recomputes a position's derived profit fields from a
// fresh quote. Unrealized and realized profit are derived once from the raw
// profit on first sight, self-consistently with the current price at that
// moment; afterwards only price-driven recomputation touches them, keeping
// the operation idempotent for a repeated quote.
func updatePositionProfit(position *schema.Position, price *schema.SymbolPrice, spec *schema.SymbolSpecification) {
	if position == nil || price == nil {
		return
	}
	direction := 1.0
	if position.Type == schema.PositionTypeSell {
		direction = -1.0
	}
	newPrice := price.Bid
	if position.Type != schema.PositionTypeBuy {
		newPrice = price.Ask
	}

	if spec == nil || spec.TickSize <= 0 {
		// Without a usable specification the price delta cannot be converted
		// into account currency; track the quote but leave profit untouched.
		position.CurrentPrice = newPrice
		return
	}

	if position.UnrealizedProfit == nil || position.RealizedProfit == nil {
		unrealized := position.CurrentTickValue *
			(position.CurrentPrice - position.OpenPrice) * direction *
			position.Volume / spec.TickSize
		realized := position.Profit - unrealized
		position.UnrealizedProfit = &unrealized
		position.RealizedProfit = &realized
	}

	profitable := (newPrice - position.OpenPrice) * direction
	tickValue := price.ProfitTickValue
	if profitable < 0 {
		tickValue = price.LossTickValue
	}
	unrealized := tickValue * (newPrice - position.OpenPrice) * direction *
		position.Volume / spec.TickSize
	position.UnrealizedProfit = &unrealized
	position.Profit = roundToDigits(unrealized+*position.RealizedProfit, spec.Digits)
	position.CurrentPrice = newPrice
	position.CurrentTickValue = tickValue
}

// updateOrderPrice refreshes a resting order's quote-derived fields.
func updateOrderPrice(order *schema.Order, price *schema.SymbolPrice) {
	if order == nil || price == nil {
		return
	}
	if order.Type.IsBuy() {
		order.CurrentPrice = price.Ask
		order.CurrentTickValue = price.ProfitTickValue
	} else {
		order.CurrentPrice = price.Bid
		order.CurrentTickValue = price.LossTickValue
	}
}

// recomputeEquity folds rounded per-position contributions into the account
// equity. Callers must ensure every position's symbol has both a
// specification and a quote before asking for a locally computed equity.
func recomputeEquity(info *schema.AccountInformation, positions map[string]*schema.Position) {
	if info == nil {
		return
	}
	total := info.Credit + info.Balance
	for _, position := range positions {
		var unrealized float64
		if position.UnrealizedProfit != nil {
			unrealized = *position.UnrealizedProfit
		}
		total += roundCents(unrealized) + roundCents(position.Swap) + roundCents(position.Commission)
	}
	info.Equity = total
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func roundToDigits(v float64, digits int) float64 {
	if digits <= 0 {
		return math.Round(v)
	}
	multiplier := math.Pow(10, float64(digits))
	return math.Round(v*multiplier) / multiplier
}
