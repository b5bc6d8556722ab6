package transport

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/quantgate/termsync/internal/observability"
	"github.com/quantgate/termsync/internal/schema"
)

type registration struct {
	id       string
	listener Listener
}

// Hub fans every streaming event out to all registered listeners. Listeners
// for the same event run in parallel with a bounded worker pool; a panicking
// listener is reported as an error and never takes the stream down. Hub
// itself implements Listener so it can sit directly behind a stream adapter.
type Hub struct {
	mu         sync.RWMutex
	listeners  []registration
	maxWorkers int
}

var _ Listener = (*Hub)(nil)

// NewHub constructs a fan-out hub with the provided concurrency limit.
func NewHub(maxWorkers int) *Hub {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	return &Hub{maxWorkers: maxWorkers}
}

// Add registers a listener under the given id, replacing any previous
// registration with the same id.
func (h *Hub) Add(id string, listener Listener) {
	if listener == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.listeners {
		if h.listeners[i].id == id {
			h.listeners[i].listener = listener
			return
		}
	}
	h.listeners = append(h.listeners, registration{id: id, listener: listener})
}

// Remove unregisters the listener with the given id.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.listeners {
		if h.listeners[i].id == id {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}

func (h *Hub) snapshot() []registration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]registration, len(h.listeners))
	copy(out, h.listeners)
	return out
}

func (h *Hub) dispatch(event string, key schema.InstanceKey, deliver func(Listener) error) error {
	subs := h.snapshot()
	if len(subs) == 0 {
		return nil
	}
	if len(subs) == 1 {
		return h.deliverOne(event, subs[0], deliver)
	}
	workerLimit := h.maxWorkers
	if workerLimit > len(subs) {
		workerLimit = len(subs)
	}
	var mu sync.Mutex
	var workerErrs []error
	p := pool.New().WithMaxGoroutines(workerLimit)
	for _, sub := range subs {
		sub := sub
		p.Go(func() {
			if err := h.deliverOne(event, sub, deliver); err != nil {
				mu.Lock()
				workerErrs = append(workerErrs, err)
				mu.Unlock()
			}
		})
	}
	p.Wait()
	if len(workerErrs) == 0 {
		return nil
	}
	return observability.AggregateErrors(
		"stream fan-out",
		workerErrs,
		observability.F("event", event),
		observability.F("instance", key.String()),
		observability.F("listener_count", len(subs)),
	)
}

func (h *Hub) deliverOne(event string, sub registration, deliver func(Listener) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener %s panic on %s: %v", sub.id, event, r)
		}
	}()
	if deliverErr := deliver(sub.listener); deliverErr != nil {
		return fmt.Errorf("listener %s: %w", sub.id, deliverErr)
	}
	return nil
}

func (h *Hub) OnConnected(key schema.InstanceKey) error {
	return h.dispatch("connected", key, func(l Listener) error { return l.OnConnected(key) })
}

func (h *Hub) OnDisconnected(key schema.InstanceKey) error {
	return h.dispatch("disconnected", key, func(l Listener) error { return l.OnDisconnected(key) })
}

func (h *Hub) OnBrokerConnectionStatusChanged(key schema.InstanceKey, connected bool) error {
	return h.dispatch("broker_status", key, func(l Listener) error {
		return l.OnBrokerConnectionStatusChanged(key, connected)
	})
}

func (h *Hub) OnSynchronizationStarted(key schema.InstanceKey, specsUpdated, positionsUpdated, ordersUpdated bool, syncID string) error {
	return h.dispatch("synchronization_started", key, func(l Listener) error {
		return l.OnSynchronizationStarted(key, specsUpdated, positionsUpdated, ordersUpdated, syncID)
	})
}

func (h *Hub) OnAccountInformationUpdated(key schema.InstanceKey, info *schema.AccountInformation) error {
	return h.dispatch("account_information", key, func(l Listener) error {
		return l.OnAccountInformationUpdated(key, info)
	})
}

func (h *Hub) OnPositionsReplaced(key schema.InstanceKey, positions []*schema.Position) error {
	return h.dispatch("positions_replaced", key, func(l Listener) error {
		return l.OnPositionsReplaced(key, positions)
	})
}

func (h *Hub) OnPositionUpdated(key schema.InstanceKey, position *schema.Position) error {
	return h.dispatch("position_updated", key, func(l Listener) error {
		return l.OnPositionUpdated(key, position)
	})
}

func (h *Hub) OnPositionRemoved(key schema.InstanceKey, positionID string) error {
	return h.dispatch("position_removed", key, func(l Listener) error {
		return l.OnPositionRemoved(key, positionID)
	})
}

func (h *Hub) OnPositionsSynchronized(key schema.InstanceKey, syncID string) error {
	return h.dispatch("positions_synchronized", key, func(l Listener) error {
		return l.OnPositionsSynchronized(key, syncID)
	})
}

func (h *Hub) OnPendingOrdersReplaced(key schema.InstanceKey, orders []*schema.Order) error {
	return h.dispatch("orders_replaced", key, func(l Listener) error {
		return l.OnPendingOrdersReplaced(key, orders)
	})
}

func (h *Hub) OnPendingOrderUpdated(key schema.InstanceKey, order *schema.Order) error {
	return h.dispatch("order_updated", key, func(l Listener) error {
		return l.OnPendingOrderUpdated(key, order)
	})
}

func (h *Hub) OnPendingOrderCompleted(key schema.InstanceKey, orderID string) error {
	return h.dispatch("order_completed", key, func(l Listener) error {
		return l.OnPendingOrderCompleted(key, orderID)
	})
}

func (h *Hub) OnPendingOrdersSynchronized(key schema.InstanceKey, syncID string) error {
	return h.dispatch("orders_synchronized", key, func(l Listener) error {
		return l.OnPendingOrdersSynchronized(key, syncID)
	})
}

func (h *Hub) OnSymbolSpecificationsUpdated(key schema.InstanceKey, upserts []*schema.SymbolSpecification, removals []string) error {
	return h.dispatch("specifications_updated", key, func(l Listener) error {
		return l.OnSymbolSpecificationsUpdated(key, upserts, removals)
	})
}

func (h *Hub) OnSymbolPricesUpdated(key schema.InstanceKey, prices []*schema.SymbolPrice, margin schema.MarginSnapshot) error {
	return h.dispatch("prices_updated", key, func(l Listener) error {
		return l.OnSymbolPricesUpdated(key, prices, margin)
	})
}

func (h *Hub) OnHistoryOrderAdded(key schema.InstanceKey, order *schema.HistoryOrder) error {
	return h.dispatch("history_order_added", key, func(l Listener) error {
		return l.OnHistoryOrderAdded(key, order)
	})
}

func (h *Hub) OnDealAdded(key schema.InstanceKey, deal *schema.Deal) error {
	return h.dispatch("deal_added", key, func(l Listener) error { return l.OnDealAdded(key, deal) })
}

func (h *Hub) OnHistoryOrdersSynchronized(key schema.InstanceKey, syncID string) error {
	return h.dispatch("history_orders_synchronized", key, func(l Listener) error {
		return l.OnHistoryOrdersSynchronized(key, syncID)
	})
}

func (h *Hub) OnDealsSynchronized(key schema.InstanceKey, syncID string) error {
	return h.dispatch("deals_synchronized", key, func(l Listener) error {
		return l.OnDealsSynchronized(key, syncID)
	})
}

func (h *Hub) OnStreamClosed(key schema.InstanceKey) error {
	return h.dispatch("stream_closed", key, func(l Listener) error { return l.OnStreamClosed(key) })
}
