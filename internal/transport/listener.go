// Package transport defines the streaming event surface between the remote
// terminal and the local state engine, and the fan-out hub that delivers each
// event to every registered listener.
package transport

import "github.com/quantgate/termsync/internal/schema"

// Listener receives streaming events for a single account. Implementations
// must tolerate duplicate and out-of-order delivery; the stream guarantees
// at-least-once semantics only.
type Listener interface {
	// OnConnected fires when the stream for the given instance authenticates.
	OnConnected(key schema.InstanceKey) error
	// OnDisconnected fires when the stream for the given instance drops.
	OnDisconnected(key schema.InstanceKey) error
	// OnBrokerConnectionStatusChanged reports terminal-to-broker connectivity.
	OnBrokerConnectionStatusChanged(key schema.InstanceKey, connected bool) error

	// OnSynchronizationStarted announces the head of a state transfer. The
	// three flags report which sections the server decided to resend.
	OnSynchronizationStarted(key schema.InstanceKey, specsUpdated, positionsUpdated, ordersUpdated bool, syncID string) error

	OnAccountInformationUpdated(key schema.InstanceKey, info *schema.AccountInformation) error

	OnPositionsReplaced(key schema.InstanceKey, positions []*schema.Position) error
	OnPositionUpdated(key schema.InstanceKey, position *schema.Position) error
	OnPositionRemoved(key schema.InstanceKey, positionID string) error
	OnPositionsSynchronized(key schema.InstanceKey, syncID string) error

	OnPendingOrdersReplaced(key schema.InstanceKey, orders []*schema.Order) error
	OnPendingOrderUpdated(key schema.InstanceKey, order *schema.Order) error
	OnPendingOrderCompleted(key schema.InstanceKey, orderID string) error
	OnPendingOrdersSynchronized(key schema.InstanceKey, syncID string) error

	OnSymbolSpecificationsUpdated(key schema.InstanceKey, upserts []*schema.SymbolSpecification, removals []string) error
	OnSymbolPricesUpdated(key schema.InstanceKey, prices []*schema.SymbolPrice, margin schema.MarginSnapshot) error

	OnHistoryOrderAdded(key schema.InstanceKey, order *schema.HistoryOrder) error
	OnDealAdded(key schema.InstanceKey, deal *schema.Deal) error
	OnHistoryOrdersSynchronized(key schema.InstanceKey, syncID string) error
	OnDealsSynchronized(key schema.InstanceKey, syncID string) error

	// OnStreamClosed fires when the server ends the stream for an instance.
	OnStreamClosed(key schema.InstanceKey) error
}

// NoopListener implements Listener with no-ops. Embed it to implement only
// the events a component cares about.
type NoopListener struct{}

var _ Listener = NoopListener{}

func (NoopListener) OnConnected(schema.InstanceKey) error                           { return nil }
func (NoopListener) OnDisconnected(schema.InstanceKey) error                        { return nil }
func (NoopListener) OnBrokerConnectionStatusChanged(schema.InstanceKey, bool) error { return nil }
func (NoopListener) OnSynchronizationStarted(schema.InstanceKey, bool, bool, bool, string) error {
	return nil
}
func (NoopListener) OnAccountInformationUpdated(schema.InstanceKey, *schema.AccountInformation) error {
	return nil
}
func (NoopListener) OnPositionsReplaced(schema.InstanceKey, []*schema.Position) error { return nil }
func (NoopListener) OnPositionUpdated(schema.InstanceKey, *schema.Position) error     { return nil }
func (NoopListener) OnPositionRemoved(schema.InstanceKey, string) error               { return nil }
func (NoopListener) OnPositionsSynchronized(schema.InstanceKey, string) error         { return nil }
func (NoopListener) OnPendingOrdersReplaced(schema.InstanceKey, []*schema.Order) error {
	return nil
}
func (NoopListener) OnPendingOrderUpdated(schema.InstanceKey, *schema.Order) error { return nil }
func (NoopListener) OnPendingOrderCompleted(schema.InstanceKey, string) error      { return nil }
func (NoopListener) OnPendingOrdersSynchronized(schema.InstanceKey, string) error  { return nil }
func (NoopListener) OnSymbolSpecificationsUpdated(schema.InstanceKey, []*schema.SymbolSpecification, []string) error {
	return nil
}
func (NoopListener) OnSymbolPricesUpdated(schema.InstanceKey, []*schema.SymbolPrice, schema.MarginSnapshot) error {
	return nil
}
func (NoopListener) OnHistoryOrderAdded(schema.InstanceKey, *schema.HistoryOrder) error { return nil }
func (NoopListener) OnDealAdded(schema.InstanceKey, *schema.Deal) error                 { return nil }
func (NoopListener) OnHistoryOrdersSynchronized(schema.InstanceKey, string) error       { return nil }
func (NoopListener) OnDealsSynchronized(schema.InstanceKey, string) error               { return nil }
func (NoopListener) OnStreamClosed(schema.InstanceKey) error                            { return nil }
