// Package state maintains the per-instance terminal snapshots and the single
// combined view reconciled from them. All mutation entry points are keyed by
// the instance the event arrived on; the combined view only ever reflects one
// complete synchronization generation.
package state

import (
	"time"

	"github.com/quantgate/termsync/internal/hashing"
	"github.com/quantgate/termsync/internal/schema"
)

// Instance is the mutable snapshot of terminal data observed through one
// concrete connection. The combined view reuses the same shape with a zero
// instance key.
type Instance struct {
	Key schema.InstanceKey

	ConnectedToTerminal bool
	ConnectedToBroker   bool

	AccountInformation *schema.AccountInformation
	Positions          map[string]*schema.Position
	Orders             map[string]*schema.Order
	Specifications     map[string]*schema.SymbolSpecification
	Prices             map[string]*schema.SymbolPrice

	PositionsInitialized bool
	OrdersInitialized    bool

	LastSyncUpdateTime     time.Time
	LastSynchronizationID  string
	LastDisconnectedSyncID string
	LastQuoteTime          time.Time
	LastQuoteBrokerTime    time.Time

	// Tombstones absorb duplicate remove-after-upsert and upsert-after-remove
	// races from at-least-once delivery. Entries expire after the configured TTL.
	removedPositions map[string]time.Time
	completedOrders  map[string]time.Time

	positionsHash      *string
	ordersHash         *string
	specificationsHash *string
}

func newInstance(key schema.InstanceKey) *Instance {
	inst := new(Instance)
	inst.Key = key
	inst.Positions = make(map[string]*schema.Position)
	inst.Orders = make(map[string]*schema.Order)
	inst.Specifications = make(map[string]*schema.SymbolSpecification)
	inst.Prices = make(map[string]*schema.SymbolPrice)
	inst.removedPositions = make(map[string]time.Time)
	inst.completedOrders = make(map[string]time.Time)
	return inst
}

func (i *Instance) pruneTombstones(now time.Time, ttl time.Duration) {
	for id, stamped := range i.removedPositions {
		if now.Sub(stamped) > ttl {
			delete(i.removedPositions, id)
		}
	}
	for id, stamped := range i.completedOrders {
		if now.Sub(stamped) > ttl {
			delete(i.completedOrders, id)
		}
	}
}

func (i *Instance) positionRemoved(id string) bool {
	_, ok := i.removedPositions[id]
	return ok
}

func (i *Instance) orderCompleted(id string) bool {
	_, ok := i.completedOrders[id]
	return ok
}

func (i *Instance) invalidatePositionsHash()      { i.positionsHash = nil }
func (i *Instance) invalidateOrdersHash()         { i.ordersHash = nil }
func (i *Instance) invalidateSpecificationsHash() { i.specificationsHash = nil }

// HashSnapshot carries the lazily computed collection fingerprints offered to
// the remote peer during synchronization negotiation. A nil entry means "no
// hash yet" (collection not initialized, or empty for specifications).
type HashSnapshot struct {
	Specifications *string
	Positions      *string
	Orders         *string
}

// hashes computes (or returns cached) fingerprints for the instance.
func (i *Instance) hashes(engine *hashing.Engine) (HashSnapshot, error) {
	var snap HashSnapshot
	if engine == nil {
		return snap, nil
	}
	if i.specificationsHash == nil {
		digest, ok, err := engine.SpecificationsHash(i.Specifications)
		if err != nil {
			return snap, err
		}
		if ok {
			i.specificationsHash = &digest
		}
	}
	if i.PositionsInitialized && i.positionsHash == nil {
		digest, ok, err := engine.PositionsHash(i.Positions)
		if err != nil {
			return snap, err
		}
		if ok {
			i.positionsHash = &digest
		}
	}
	if i.OrdersInitialized && i.ordersHash == nil {
		digest, ok, err := engine.OrdersHash(i.Orders)
		if err != nil {
			return snap, err
		}
		if ok {
			i.ordersHash = &digest
		}
	}
	snap.Specifications = i.specificationsHash
	if i.PositionsInitialized {
		snap.Positions = i.positionsHash
	}
	if i.OrdersInitialized {
		snap.Orders = i.ordersHash
	}
	return snap, nil
}

// copyForPromotion deep-copies the instance into a detached snapshot suitable
// for promotion into the combined view.
func (i *Instance) copyForPromotion(now time.Time) *Instance {
	clone := newInstance(schema.InstanceKey{})
	clone.ConnectedToTerminal = i.ConnectedToTerminal
	clone.ConnectedToBroker = i.ConnectedToBroker
	clone.AccountInformation = schema.CloneAccountInformation(i.AccountInformation)
	clone.Positions = schema.ClonePositionMap(i.Positions)
	clone.Orders = schema.CloneOrderMap(i.Orders)
	clone.Specifications = schema.CloneSpecificationMap(i.Specifications)
	clone.Prices = schema.ClonePriceMap(i.Prices)
	clone.PositionsInitialized = i.PositionsInitialized
	clone.OrdersInitialized = i.OrdersInitialized
	clone.LastSyncUpdateTime = now
	clone.LastSynchronizationID = i.LastSynchronizationID
	clone.LastQuoteTime = i.LastQuoteTime
	clone.LastQuoteBrokerTime = i.LastQuoteBrokerTime
	for id, stamped := range i.removedPositions {
		clone.removedPositions[id] = stamped
	}
	for id, stamped := range i.completedOrders {
		clone.completedOrders[id] = stamped
	}
	return clone
}
