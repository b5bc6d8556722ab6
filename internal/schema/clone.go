// Package schema deep-copy helpers. Promotion of an instance snapshot into
// the combined view must detach every mutable structure so the two states
// never alias.
package schema

// CloneAccountInformation returns a detached copy of the account snapshot.
func CloneAccountInformation(info *AccountInformation) *AccountInformation {
	if info == nil {
		return nil
	}
	clone := *info
	return &clone
}

// ClonePosition returns a detached copy of the position.
func ClonePosition(position *Position) *Position {
	if position == nil {
		return nil
	}
	clone := *position
	if position.RealizedProfit != nil {
		v := *position.RealizedProfit
		clone.RealizedProfit = &v
	}
	if position.UnrealizedProfit != nil {
		v := *position.UnrealizedProfit
		clone.UnrealizedProfit = &v
	}
	return &clone
}

// CloneOrder returns a detached copy of the pending order.
func CloneOrder(order *Order) *Order {
	if order == nil {
		return nil
	}
	clone := *order
	return &clone
}

// CloneSpecification returns a detached copy of the symbol specification.
func CloneSpecification(spec *SymbolSpecification) *SymbolSpecification {
	if spec == nil {
		return nil
	}
	clone := *spec
	if spec.QuoteSessions != nil {
		clone.QuoteSessions = make(map[string][]SessionRange, len(spec.QuoteSessions))
		for day, ranges := range spec.QuoteSessions {
			clone.QuoteSessions[day] = append([]SessionRange(nil), ranges...)
		}
	}
	return &clone
}

// ClonePrice returns a detached copy of the quote.
func ClonePrice(price *SymbolPrice) *SymbolPrice {
	if price == nil {
		return nil
	}
	clone := *price
	return &clone
}

// ClonePositionMap deep-copies a position set keyed by position id.
func ClonePositionMap(positions map[string]*Position) map[string]*Position {
	out := make(map[string]*Position, len(positions))
	for id, position := range positions {
		out[id] = ClonePosition(position)
	}
	return out
}

// CloneOrderMap deep-copies an order set keyed by order id.
func CloneOrderMap(orders map[string]*Order) map[string]*Order {
	out := make(map[string]*Order, len(orders))
	for id, order := range orders {
		out[id] = CloneOrder(order)
	}
	return out
}

// CloneSpecificationMap deep-copies a specification map keyed by symbol.
func CloneSpecificationMap(specs map[string]*SymbolSpecification) map[string]*SymbolSpecification {
	out := make(map[string]*SymbolSpecification, len(specs))
	for symbol, spec := range specs {
		out[symbol] = CloneSpecification(spec)
	}
	return out
}

// ClonePriceMap deep-copies a quote map keyed by symbol.
func ClonePriceMap(prices map[string]*SymbolPrice) map[string]*SymbolPrice {
	out := make(map[string]*SymbolPrice, len(prices))
	for symbol, price := range prices {
		out[symbol] = ClonePrice(price)
	}
	return out
}
