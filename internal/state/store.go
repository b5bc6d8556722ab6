package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantgate/termsync/errs"
	"github.com/quantgate/termsync/internal/clock"
	"github.com/quantgate/termsync/internal/hashing"
	"github.com/quantgate/termsync/internal/schema"
)

// Store holds every InstanceState observed for one account plus the combined
// view reconciled from them. Event application methods must be invoked in
// per-instance delivery order; the transport reader goroutine is the only
// expected caller, so the internal mutex only guards concurrent readers.
type Store struct {
	accountID    string
	clock        clock.Clock
	tombstoneTTL time.Duration
	hash         *hashing.Engine

	mu            sync.RWMutex
	instances     map[schema.InstanceKey]*Instance
	combined      *Instance
	subscriptions map[string]struct{}
	priceWaiters  map[string][]chan *schema.SymbolPrice
	closed        bool
}

// NewStore constructs the state store for one account.
func NewStore(accountID string, clk clock.Clock, tombstoneTTL time.Duration, engine *hashing.Engine) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	if tombstoneTTL <= 0 {
		tombstoneTTL = 5 * time.Minute
	}
	s := new(Store)
	s.accountID = accountID
	s.clock = clk
	s.tombstoneTTL = tombstoneTTL
	s.hash = engine
	s.instances = make(map[schema.InstanceKey]*Instance)
	s.combined = newInstance(schema.InstanceKey{})
	s.subscriptions = make(map[string]struct{})
	s.priceWaiters = make(map[string][]chan *schema.SymbolPrice)
	return s
}

// AccountID returns the account this store mirrors.
func (s *Store) AccountID() string { return s.accountID }

// instance returns the InstanceState for the key, creating it lazily on first
// sight. Callers must hold the write lock.
func (s *Store) instance(key schema.InstanceKey) *Instance {
	inst, ok := s.instances[key]
	if !ok {
		inst = newInstance(key)
		s.instances[key] = inst
	}
	return inst
}

// Connected reports whether any instance is connected to the terminal.
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.instances {
		if inst.ConnectedToTerminal {
			return true
		}
	}
	return false
}

// ConnectedToBroker reports whether any connected instance also reports a
// live broker link.
func (s *Store) ConnectedToBroker() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.instances {
		if inst.ConnectedToTerminal && inst.ConnectedToBroker {
			return true
		}
	}
	return false
}

// AccountInformation returns the combined account snapshot, or nil before the
// first synchronization delivered one.
func (s *Store) AccountInformation() *schema.AccountInformation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return schema.CloneAccountInformation(s.combined.AccountInformation)
}

// Positions returns a detached copy of the combined position set.
func (s *Store) Positions() []*schema.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Position, 0, len(s.combined.Positions))
	for _, position := range s.combined.Positions {
		out = append(out, schema.ClonePosition(position))
	}
	return out
}

// Position returns the combined view of one position by id.
func (s *Store) Position(id string) (*schema.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	position, ok := s.combined.Positions[id]
	if !ok {
		return nil, false
	}
	return schema.ClonePosition(position), true
}

// Orders returns a detached copy of the combined pending order set.
func (s *Store) Orders() []*schema.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Order, 0, len(s.combined.Orders))
	for _, order := range s.combined.Orders {
		out = append(out, schema.CloneOrder(order))
	}
	return out
}

// Order returns the combined view of one pending order by id.
func (s *Store) Order(id string) (*schema.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.combined.Orders[id]
	if !ok {
		return nil, false
	}
	return schema.CloneOrder(order), true
}

// Specification returns the combined specification for a symbol.
func (s *Store) Specification(symbol string) (*schema.SymbolSpecification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.combined.Specifications[symbol]
	if !ok {
		return nil, false
	}
	return schema.CloneSpecification(spec), true
}

// Price returns the combined latest quote for a symbol.
func (s *Store) Price(symbol string) (*schema.SymbolPrice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.combined.Prices[symbol]
	if !ok {
		return nil, false
	}
	return schema.ClonePrice(price), true
}

// LastQuoteTime returns the terminal timestamp and broker timestamp of the
// most recent quote observed across all symbols.
func (s *Store) LastQuoteTime() (time.Time, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.combined.LastQuoteTime, s.combined.LastQuoteBrokerTime
}

// Instances returns the keys of all live instance states.
func (s *Store) Instances() []schema.InstanceKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]schema.InstanceKey, 0, len(s.instances))
	for key := range s.instances {
		keys = append(keys, key)
	}
	return keys
}

// InstanceSnapshot returns a promotion-grade deep copy of one instance state,
// primarily for diagnostics and tests.
func (s *Store) InstanceSnapshot(key schema.InstanceKey) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[key]
	if !ok {
		return nil, false
	}
	return inst.copyForPromotion(inst.LastSyncUpdateTime), true
}

// Hashes returns the lazily computed collection fingerprints for an instance.
func (s *Store) Hashes(key schema.InstanceKey) (HashSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[key]
	if !ok {
		return HashSnapshot{}, nil
	}
	return inst.hashes(s.hash)
}

// Subscribe registers interest in a symbol's quote stream. Subscribing to a
// symbol absent from a populated specification set is a programmer error.
func (s *Store) Subscribe(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.combined.Specifications) > 0 {
		if _, ok := s.combined.Specifications[symbol]; !ok {
			return errs.New("state/subscribe", errs.CodeInvalid,
				errs.WithMessage("unknown symbol"),
				errs.WithAccount(s.accountID),
				errs.WithDetail("symbol", symbol))
		}
	}
	s.subscriptions[symbol] = struct{}{}
	return nil
}

// Unsubscribe removes interest in a symbol's quote stream.
func (s *Store) Unsubscribe(symbol string) {
	s.mu.Lock()
	delete(s.subscriptions, symbol)
	s.mu.Unlock()
}

// SubscribedSymbols lists the currently subscribed symbols.
func (s *Store) SubscribedSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscriptions))
	for symbol := range s.subscriptions {
		out = append(out, symbol)
	}
	return out
}

// WaitForPrice blocks until a quote for the symbol is available or the
// timeout elapses. Closing the store cancels the wait deterministically.
func (s *Store) WaitForPrice(ctx context.Context, symbol string, timeout time.Duration) (*schema.SymbolPrice, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errs.New("state/wait-price", errs.CodeUnavailable,
			errs.WithMessage("store closed"), errs.WithAccount(s.accountID))
	}
	if price, ok := s.combined.Prices[symbol]; ok {
		out := schema.ClonePrice(price)
		s.mu.Unlock()
		return out, nil
	}
	waiter := make(chan *schema.SymbolPrice, 1)
	s.priceWaiters[symbol] = append(s.priceWaiters[symbol], waiter)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case price, ok := <-waiter:
		if !ok || price == nil {
			return nil, errs.New("state/wait-price", errs.CodeUnavailable,
				errs.WithMessage("connection closed while waiting for price"),
				errs.WithAccount(s.accountID), errs.WithDetail("symbol", symbol))
		}
		return price, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for price context: %w", ctx.Err())
	case <-timer.C:
		return nil, errs.New("state/wait-price", errs.CodeTimeout,
			errs.WithMessage("no price received before timeout"),
			errs.WithAccount(s.accountID), errs.WithDetail("symbol", symbol))
	}
}

// notifyPriceWaiters delivers a fresh quote to pending WaitForPrice calls.
// Callers must hold the write lock.
func (s *Store) notifyPriceWaiters(price *schema.SymbolPrice) {
	waiters := s.priceWaiters[price.Symbol]
	if len(waiters) == 0 {
		return
	}
	delete(s.priceWaiters, price.Symbol)
	for _, waiter := range waiters {
		waiter <- schema.ClonePrice(price)
		close(waiter)
	}
}

// Close cancels pending waits and drops all instance state.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for symbol, waiters := range s.priceWaiters {
		for _, waiter := range waiters {
			close(waiter)
		}
		delete(s.priceWaiters, symbol)
	}
	s.instances = make(map[schema.InstanceKey]*Instance)
	s.combined = newInstance(schema.InstanceKey{})
}
