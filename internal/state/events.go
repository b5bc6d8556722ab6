package state

import (
	"sort"

	"github.com/quantgate/termsync/internal/observability"
	"github.com/quantgate/termsync/internal/schema"
)

// OnConnected records that the instance's terminal link is up. The instance
// state is created lazily on first sight.
func (s *Store) OnConnected(key schema.InstanceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.instance(key)
	inst.ConnectedToTerminal = true
}

// OnDisconnected records the loss of the instance's terminal link and
// remembers the synchronization id that was current when it dropped.
func (s *Store) OnDisconnected(key schema.InstanceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.instance(key)
	inst.ConnectedToTerminal = false
	inst.ConnectedToBroker = false
	inst.LastDisconnectedSyncID = inst.LastSynchronizationID
}

// OnBrokerConnectionStatusChanged records the broker-side link status.
func (s *Store) OnBrokerConnectionStatusChanged(key schema.InstanceKey, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instance(key).ConnectedToBroker = connected
}

// OnSynchronizationStarted clears the instance snapshot selectively per the
// three update flags and prunes stale unfinished siblings of the same
// replica, guarding against unbounded growth from repeated failed reconnects.
func (s *Store) OnSynchronizationStarted(key schema.InstanceKey, specsUpdated, positionsUpdated, ordersUpdated bool, syncID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	inst := s.instance(key)

	inst.AccountInformation = nil
	inst.Prices = make(map[string]*schema.SymbolPrice)
	if positionsUpdated {
		inst.Positions = make(map[string]*schema.Position)
		inst.PositionsInitialized = false
		inst.invalidatePositionsHash()
	}
	if ordersUpdated {
		inst.Orders = make(map[string]*schema.Order)
		inst.OrdersInitialized = false
		inst.invalidateOrdersHash()
	}
	if specsUpdated {
		inst.Specifications = make(map[string]*schema.SymbolSpecification)
		inst.invalidateSpecificationsHash()
	}
	inst.LastSynchronizationID = syncID
	inst.LastSyncUpdateTime = now

	s.pruneUnfinishedSiblings(key)
}

// pruneUnfinishedSiblings deletes sibling instances of the same replica that
// never finished order synchronization, keeping only the most recently
// updated one. Callers must hold the write lock.
func (s *Store) pruneUnfinishedSiblings(current schema.InstanceKey) {
	var unfinished []*Instance
	for key, inst := range s.instances {
		if key == current {
			continue
		}
		if key.Region == current.Region && key.Number == current.Number && !inst.OrdersInitialized {
			unfinished = append(unfinished, inst)
		}
	}
	if len(unfinished) <= 1 {
		return
	}
	sort.Slice(unfinished, func(i, j int) bool {
		return unfinished[i].LastSyncUpdateTime.After(unfinished[j].LastSyncUpdateTime)
	})
	for _, stale := range unfinished[1:] {
		delete(s.instances, stale.Key)
		observability.Log().Debug("pruned stale unfinished instance state",
			observability.F("account", s.accountID),
			observability.F("instance", stale.Key.String()))
	}
}

// OnAccountInformationUpdated replaces the account snapshot on the instance
// and the combined view in lockstep.
func (s *Store) OnAccountInformationUpdated(key schema.InstanceKey, info *schema.AccountInformation) {
	if info == nil {
		observability.Log().Error("skipping account information update without payload",
			observability.F("account", s.accountID))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.instance(key)
	inst.AccountInformation = schema.CloneAccountInformation(info)
	inst.LastSyncUpdateTime = s.clock.Now()
	s.combined.AccountInformation = schema.CloneAccountInformation(info)
}

// OnPositionsReplaced replaces the instance's position set wholesale. The
// combined view is untouched until the instance finishes its sync generation.
func (s *Store) OnPositionsReplaced(key schema.InstanceKey, positions []*schema.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	inst := s.instance(key)
	inst.pruneTombstones(now, s.tombstoneTTL)
	inst.Positions = make(map[string]*schema.Position, len(positions))
	for _, position := range positions {
		if position == nil || position.ID == "" {
			observability.Log().Error("skipping malformed position in replace",
				observability.F("account", s.accountID))
			continue
		}
		if inst.positionRemoved(position.ID) {
			continue
		}
		inst.Positions[position.ID] = schema.ClonePosition(position)
	}
	inst.invalidatePositionsHash()
	inst.LastSyncUpdateTime = now
}

// OnPositionUpdated upserts one position on the instance and the combined
// view in lockstep, unless a live tombstone marks it as already removed.
func (s *Store) OnPositionUpdated(key schema.InstanceKey, position *schema.Position) {
	if position == nil || position.ID == "" {
		observability.Log().Error("skipping malformed position update",
			observability.F("account", s.accountID))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	inst := s.instance(key)
	inst.pruneTombstones(now, s.tombstoneTTL)
	s.combined.pruneTombstones(now, s.tombstoneTTL)
	if !inst.positionRemoved(position.ID) {
		inst.Positions[position.ID] = schema.ClonePosition(position)
		inst.invalidatePositionsHash()
		inst.LastSyncUpdateTime = now
	}
	if !s.combined.positionRemoved(position.ID) {
		s.combined.Positions[position.ID] = schema.ClonePosition(position)
	}
}

// OnPositionRemoved deletes one position and records a tombstone so a delayed
// duplicate upsert cannot resurrect it.
func (s *Store) OnPositionRemoved(key schema.InstanceKey, positionID string) {
	if positionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	inst := s.instance(key)
	delete(inst.Positions, positionID)
	inst.removedPositions[positionID] = now
	inst.invalidatePositionsHash()
	inst.LastSyncUpdateTime = now
	delete(s.combined.Positions, positionID)
	s.combined.removedPositions[positionID] = now
}

// OnPositionsSynchronized marks the instance's position set as fully loaded
// for the given synchronization id.
func (s *Store) OnPositionsSynchronized(key schema.InstanceKey, syncID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.instance(key)
	inst.PositionsInitialized = true
	inst.invalidatePositionsHash()
	inst.LastSyncUpdateTime = s.clock.Now()
	_ = syncID
}

// OnPendingOrdersReplaced replaces the instance's pending order set wholesale.
func (s *Store) OnPendingOrdersReplaced(key schema.InstanceKey, orders []*schema.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	inst := s.instance(key)
	inst.pruneTombstones(now, s.tombstoneTTL)
	inst.Orders = make(map[string]*schema.Order, len(orders))
	for _, order := range orders {
		if order == nil || order.ID == "" {
			observability.Log().Error("skipping malformed order in replace",
				observability.F("account", s.accountID))
			continue
		}
		if inst.orderCompleted(order.ID) {
			continue
		}
		inst.Orders[order.ID] = schema.CloneOrder(order)
	}
	inst.invalidateOrdersHash()
	inst.LastSyncUpdateTime = now
}

// OnPendingOrderUpdated upserts one pending order on the instance and the
// combined view in lockstep, unless a live tombstone marks it completed.
func (s *Store) OnPendingOrderUpdated(key schema.InstanceKey, order *schema.Order) {
	if order == nil || order.ID == "" {
		observability.Log().Error("skipping malformed order update",
			observability.F("account", s.accountID))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	inst := s.instance(key)
	inst.pruneTombstones(now, s.tombstoneTTL)
	s.combined.pruneTombstones(now, s.tombstoneTTL)
	if !inst.orderCompleted(order.ID) {
		inst.Orders[order.ID] = schema.CloneOrder(order)
		inst.invalidateOrdersHash()
		inst.LastSyncUpdateTime = now
	}
	if !s.combined.orderCompleted(order.ID) {
		s.combined.Orders[order.ID] = schema.CloneOrder(order)
	}
}

// OnPendingOrderCompleted deletes one pending order and records a tombstone.
func (s *Store) OnPendingOrderCompleted(key schema.InstanceKey, orderID string) {
	if orderID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	inst := s.instance(key)
	delete(inst.Orders, orderID)
	inst.completedOrders[orderID] = now
	inst.invalidateOrdersHash()
	inst.LastSyncUpdateTime = now
	delete(s.combined.Orders, orderID)
	s.combined.completedOrders[orderID] = now
}

// OnPendingOrdersSynchronized declares the instance fully synchronized and
// promotes its snapshot into the combined view. This is the sole bulk write
// path into the combined state, which therefore never observes a splice of
// two synchronization generations. Siblings that are not currently connected
// are discarded afterwards.
func (s *Store) OnPendingOrdersSynchronized(key schema.InstanceKey, syncID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	inst := s.instance(key)
	inst.OrdersInitialized = true
	inst.invalidateOrdersHash()
	inst.LastSyncUpdateTime = now

	promoted := inst.copyForPromotion(now)
	promoted.LastSynchronizationID = syncID
	s.combined = promoted

	for siblingKey, sibling := range s.instances {
		if siblingKey == key {
			continue
		}
		if !sibling.ConnectedToTerminal {
			delete(s.instances, siblingKey)
		}
	}

	for _, price := range s.combined.Prices {
		s.notifyPriceWaiters(price)
	}
	observability.Log().Info("instance promoted to combined state",
		observability.F("account", s.accountID),
		observability.F("instance", key.String()),
		observability.F("sync_id", syncID))
}

// OnSymbolSpecificationsUpdated applies specification upserts and removals to
// the instance and the combined view in lockstep.
func (s *Store) OnSymbolSpecificationsUpdated(key schema.InstanceKey, upserts []*schema.SymbolSpecification, removals []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.instance(key)
	for _, spec := range upserts {
		if spec == nil || spec.Symbol == "" {
			observability.Log().Error("skipping malformed specification update",
				observability.F("account", s.accountID))
			continue
		}
		inst.Specifications[spec.Symbol] = schema.CloneSpecification(spec)
		s.combined.Specifications[spec.Symbol] = schema.CloneSpecification(spec)
	}
	for _, symbol := range removals {
		delete(inst.Specifications, symbol)
		delete(s.combined.Specifications, symbol)
	}
	inst.invalidateSpecificationsHash()
	inst.LastSyncUpdateTime = s.clock.Now()
}

// OnSymbolPricesUpdated folds a quote batch into the instance and the
// combined view. Quotes older than the last known quote for their symbol are
// dropped; accepted quotes drive position profit and resting order price
// recomputation, and an equity recompute when enough specification and price
// data has arrived.
func (s *Store) OnSymbolPricesUpdated(key schema.InstanceKey, prices []*schema.SymbolPrice, margin schema.MarginSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.instance(key)
	s.applyPrices(inst, prices, margin)
	accepted := s.applyPrices(s.combined, prices, margin)
	inst.LastSyncUpdateTime = s.clock.Now()
	for _, price := range accepted {
		s.notifyPriceWaiters(price)
	}
}

// applyPrices applies a quote batch to one state. It returns the accepted
// quotes. Callers must hold the write lock.
func (s *Store) applyPrices(target *Instance, prices []*schema.SymbolPrice, margin schema.MarginSnapshot) []*schema.SymbolPrice {
	var accepted []*schema.SymbolPrice
	for _, price := range prices {
		if price == nil || price.Symbol == "" {
			observability.Log().Error("skipping malformed price update",
				observability.F("account", s.accountID))
			continue
		}
		if existing, ok := target.Prices[price.Symbol]; ok && existing.Time.After(price.Time) {
			// Out-of-order quote from a racing stream; the newer one already won.
			continue
		}
		stored := schema.ClonePrice(price)
		target.Prices[price.Symbol] = stored
		accepted = append(accepted, stored)
		if price.Time.After(target.LastQuoteTime) {
			target.LastQuoteTime = price.Time
			target.LastQuoteBrokerTime = price.BrokerTime
		}

		spec := target.Specifications[price.Symbol]
		for _, position := range target.Positions {
			if position.Symbol == price.Symbol {
				updatePositionProfit(position, stored, spec)
			}
		}
		for _, order := range target.Orders {
			if order.Symbol == price.Symbol {
				updateOrderPrice(order, stored)
			}
		}
	}
	if len(accepted) > 0 {
		target.invalidatePositionsHash()
		target.invalidateOrdersHash()
	}

	info := target.AccountInformation
	if info != nil {
		if target.PositionsInitialized && s.pricedAndSpecified(target) {
			recomputeEquity(info, target.Positions)
		} else if margin.Equity != nil {
			// Not enough local data to derive an equity figure; trust the
			// server-supplied one rather than presenting a wrong number.
			info.Equity = *margin.Equity
		}
		if margin.Margin != nil {
			info.Margin = *margin.Margin
		}
		if margin.FreeMargin != nil {
			info.FreeMargin = *margin.FreeMargin
		}
		if margin.MarginLevel != nil {
			info.MarginLevel = *margin.MarginLevel
		}
	}
	return accepted
}

// pricedAndSpecified reports whether every open position's symbol has both a
// specification and a quote, i.e. whether a locally computed equity is
// trustworthy. Callers must hold the write lock.
func (s *Store) pricedAndSpecified(target *Instance) bool {
	for _, position := range target.Positions {
		if _, ok := target.Specifications[position.Symbol]; !ok {
			return false
		}
		if _, ok := target.Prices[position.Symbol]; !ok {
			return false
		}
		if position.UnrealizedProfit == nil {
			return false
		}
	}
	return true
}

// OnStreamClosed drops the instance state only when doing so cannot lose
// position data: either the instance never finished syncing and a fresher
// sibling exists, or a connected fully-synced sibling exists.
func (s *Store) OnStreamClosed(key schema.InstanceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[key]
	if !ok {
		return
	}
	fresherUnfinishedSibling := false
	syncedConnectedSibling := false
	for siblingKey, sibling := range s.instances {
		if siblingKey == key || siblingKey.Region != key.Region || siblingKey.Number != key.Number {
			continue
		}
		if sibling.LastSyncUpdateTime.After(inst.LastSyncUpdateTime) {
			fresherUnfinishedSibling = true
		}
		if sibling.OrdersInitialized && sibling.ConnectedToTerminal {
			syncedConnectedSibling = true
		}
	}
	if (!inst.OrdersInitialized && fresherUnfinishedSibling) || syncedConnectedSibling {
		delete(s.instances, key)
	}
}

// ResetReplica discards every instance state under the region+instance-number
// prefix; a transport reconnect invalidates any in-flight synchronization.
func (s *Store) ResetReplica(region string, number int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.instances {
		if key.Region == region && key.Number == number {
			delete(s.instances, key)
		}
	}
}

// ResetRegion discards every instance state for a region, for region
// unsubscribe handling.
func (s *Store) ResetRegion(region string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.instances {
		if key.Region == region {
			delete(s.instances, key)
		}
	}
}
