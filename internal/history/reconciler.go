package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantgate/termsync/config"
	"github.com/quantgate/termsync/errs"
	"github.com/quantgate/termsync/internal/clock"
	"github.com/quantgate/termsync/internal/observability"
	"github.com/quantgate/termsync/internal/schema"
	"github.com/quantgate/termsync/internal/transport"
)

const flushTaskPrefix = "history-flush:"

// Reconciler folds incremental deal and order records into ordered,
// deduplicated in-memory indexes and flushes them to storage on a debounced
// schedule. It implements the transport listener surface for history events
// so it can register directly on the stream hub.
type Reconciler struct {
	transport.NoopListener

	accountID string
	storage   Storage
	sched     clock.Scheduler
	cfg       config.HistoryConfig
	ctx       context.Context

	mu        sync.Mutex
	deals     []*schema.Deal
	dealKeys  map[schema.DealKey]struct{}
	orders    []*schema.HistoryOrder
	orderKeys map[schema.HistoryOrderKey]struct{}

	dirty    bool
	inFlight bool
	waiters  []chan error
}

var _ transport.Listener = (*Reconciler)(nil)

// NewReconciler constructs a reconciler for one account. ctx bounds storage
// calls made from timer goroutines.
func NewReconciler(ctx context.Context, accountID string, storage Storage, sched clock.Scheduler, cfg config.HistoryConfig) *Reconciler {
	return &Reconciler{
		accountID: accountID,
		storage:   storage,
		sched:     sched,
		cfg:       cfg,
		ctx:       ctx,
		dealKeys:  make(map[schema.DealKey]struct{}),
		orderKeys: make(map[schema.HistoryOrderKey]struct{}),
	}
}

// Load replaces the in-memory indexes with the last flushed snapshot.
func (r *Reconciler) Load(ctx context.Context) error {
	deals, orders, err := r.storage.Load(ctx, r.accountID)
	if err != nil {
		return errs.New("history", errs.CodePersistence,
			errs.WithMessage("load history snapshot"),
			errs.WithAccount(r.accountID),
			errs.WithCause(err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deals = nil
	r.orders = nil
	r.dealKeys = make(map[schema.DealKey]struct{}, len(deals))
	r.orderKeys = make(map[schema.HistoryOrderKey]struct{}, len(orders))
	for _, deal := range deals {
		r.insertDealLocked(deal)
	}
	for _, order := range orders {
		r.insertOrderLocked(order)
	}
	return nil
}

// compareIDs orders numeric string ids by magnitude; a shorter numeric
// string is always the smaller number. Equal-length ids fall back to byte
// comparison, which matches numeric order for digits.
func compareIDs(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func dealLess(a, b *schema.Deal) bool {
	at, bt := a.Key().Time, b.Key().Time
	if at != bt {
		return at < bt
	}
	return compareIDs(a.ID, b.ID) < 0
}

func orderLess(a, b *schema.HistoryOrder) bool {
	at, bt := a.Key().DoneTime, b.Key().DoneTime
	if at != bt {
		return at < bt
	}
	return compareIDs(a.ID, b.ID) < 0
}

func (r *Reconciler) insertDealLocked(deal *schema.Deal) bool {
	if deal == nil {
		return false
	}
	key := deal.Key()
	if _, seen := r.dealKeys[key]; seen {
		return false
	}
	r.dealKeys[key] = struct{}{}
	idx := sort.Search(len(r.deals), func(i int) bool { return !dealLess(r.deals[i], deal) })
	r.deals = append(r.deals, nil)
	copy(r.deals[idx+1:], r.deals[idx:])
	r.deals[idx] = deal
	return true
}

func (r *Reconciler) insertOrderLocked(order *schema.HistoryOrder) bool {
	if order == nil {
		return false
	}
	key := order.Key()
	if _, seen := r.orderKeys[key]; seen {
		return false
	}
	r.orderKeys[key] = struct{}{}
	idx := sort.Search(len(r.orders), func(i int) bool { return !orderLess(r.orders[i], order) })
	r.orders = append(r.orders, nil)
	copy(r.orders[idx+1:], r.orders[idx:])
	r.orders[idx] = order
	return true
}

// OnDealAdded folds one deal into the index. Duplicates are absorbed.
func (r *Reconciler) OnDealAdded(_ schema.InstanceKey, deal *schema.Deal) error {
	r.mu.Lock()
	inserted := r.insertDealLocked(deal)
	if inserted {
		r.dirty = true
	}
	r.mu.Unlock()
	if inserted {
		r.scheduleFlush(r.cfg.FlushDebounce)
	}
	return nil
}

// OnHistoryOrderAdded folds one completed order into the index.
func (r *Reconciler) OnHistoryOrderAdded(_ schema.InstanceKey, order *schema.HistoryOrder) error {
	r.mu.Lock()
	inserted := r.insertOrderLocked(order)
	if inserted {
		r.dirty = true
	}
	r.mu.Unlock()
	if inserted {
		r.scheduleFlush(r.cfg.FlushDebounce)
	}
	return nil
}

// OnDealsSynchronized flushes promptly so a completed transfer is durable.
func (r *Reconciler) OnDealsSynchronized(schema.InstanceKey, string) error {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
	r.scheduleFlush(0)
	return nil
}

// OnHistoryOrdersSynchronized flushes promptly so a completed transfer is durable.
func (r *Reconciler) OnHistoryOrdersSynchronized(schema.InstanceKey, string) error {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
	r.scheduleFlush(0)
	return nil
}

func (r *Reconciler) scheduleFlush(delay time.Duration) {
	r.sched.Schedule(flushTaskPrefix+r.accountID, delay, r.flush)
}

// flush writes one snapshot to storage. Only one flush runs at a time; a
// flush that fails re-arms the retry timer without losing queued records.
func (r *Reconciler) flush() {
	r.mu.Lock()
	if r.inFlight || !r.dirty {
		r.mu.Unlock()
		return
	}
	r.inFlight = true
	r.dirty = false
	deals := make([]*schema.Deal, len(r.deals))
	copy(deals, r.deals)
	orders := make([]*schema.HistoryOrder, len(r.orders))
	copy(orders, r.orders)
	r.mu.Unlock()

	err := r.storage.Flush(r.ctx, r.accountID, deals, orders)

	r.mu.Lock()
	r.inFlight = false
	if err != nil {
		r.dirty = true
	}
	dirtyAgain := r.dirty
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()

	for _, waiter := range waiters {
		waiter <- err
	}

	if err != nil {
		observability.Log().Error("history flush failed",
			observability.F("account", r.accountID),
			observability.F("error", err.Error()))
		r.scheduleFlush(r.cfg.FlushRetry)
		return
	}
	observability.Telemetry().IncCounter("history_flushes_total", 1, nil)
	if dirtyAgain {
		r.scheduleFlush(r.cfg.FlushDebounce)
	}
}

// FlushNow forces a flush and waits for it to complete.
func (r *Reconciler) FlushNow(ctx context.Context) error {
	r.mu.Lock()
	if !r.dirty && !r.inFlight {
		r.mu.Unlock()
		return nil
	}
	waiter := make(chan error, 1)
	r.waiters = append(r.waiters, waiter)
	r.mu.Unlock()

	r.scheduleFlush(0)

	select {
	case err := <-waiter:
		if err != nil {
			return errs.New("history", errs.CodePersistence,
				errs.WithMessage("flush history snapshot"),
				errs.WithAccount(r.accountID),
				errs.WithCause(err))
		}
		return nil
	case <-ctx.Done():
		return errs.New("history", errs.CodeTimeout,
			errs.WithMessage("wait for history flush"),
			errs.WithAccount(r.accountID),
			errs.WithCause(ctx.Err()))
	}
}

// Clear drops the in-memory indexes and the stored snapshot.
func (r *Reconciler) Clear(ctx context.Context) error {
	r.sched.Cancel(flushTaskPrefix + r.accountID)
	r.mu.Lock()
	r.deals = nil
	r.orders = nil
	r.dealKeys = make(map[schema.DealKey]struct{})
	r.orderKeys = make(map[schema.HistoryOrderKey]struct{})
	r.dirty = false
	r.mu.Unlock()
	if err := r.storage.Clear(ctx, r.accountID); err != nil {
		return errs.New("history", errs.CodePersistence,
			errs.WithMessage("clear history snapshot"),
			errs.WithAccount(r.accountID),
			errs.WithCause(err))
	}
	return nil
}

// Deals returns all deals in time order.
func (r *Reconciler) Deals() []*schema.Deal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*schema.Deal, len(r.deals))
	copy(out, r.deals)
	return out
}

// DealsByTicket returns deals belonging to the given order ticket, falling
// back to the deal's own id when no order link is present.
func (r *Reconciler) DealsByTicket(id string) []*schema.Deal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*schema.Deal
	for _, deal := range r.deals {
		if deal.OrderID == id || (deal.OrderID == "" && deal.ID == id) {
			out = append(out, deal)
		}
	}
	return out
}

// DealsByPosition returns deals belonging to the given position.
func (r *Reconciler) DealsByPosition(positionID string) []*schema.Deal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*schema.Deal
	for _, deal := range r.deals {
		if deal.PositionID == positionID {
			out = append(out, deal)
		}
	}
	return out
}

// DealsByTimeRange returns deals whose time falls within [from, to].
func (r *Reconciler) DealsByTimeRange(from, to time.Time) []*schema.Deal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*schema.Deal
	for _, deal := range r.deals {
		if !deal.Time.Before(from) && !deal.Time.After(to) {
			out = append(out, deal)
		}
	}
	return out
}

// HistoryOrders returns all completed orders in done-time order.
func (r *Reconciler) HistoryOrders() []*schema.HistoryOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*schema.HistoryOrder, len(r.orders))
	copy(out, r.orders)
	return out
}

// HistoryOrdersByTicket returns completed orders with the given id.
func (r *Reconciler) HistoryOrdersByTicket(id string) []*schema.HistoryOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*schema.HistoryOrder
	for _, order := range r.orders {
		if order.ID == id {
			out = append(out, order)
		}
	}
	return out
}

// HistoryOrdersByPosition returns completed orders for the given position.
func (r *Reconciler) HistoryOrdersByPosition(positionID string) []*schema.HistoryOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*schema.HistoryOrder
	for _, order := range r.orders {
		if order.PositionID == positionID {
			out = append(out, order)
		}
	}
	return out
}

// HistoryOrdersByTimeRange returns completed orders whose done time falls
// within [from, to].
func (r *Reconciler) HistoryOrdersByTimeRange(from, to time.Time) []*schema.HistoryOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*schema.HistoryOrder
	for _, order := range r.orders {
		if !order.DoneTime.Before(from) && !order.DoneTime.After(to) {
			out = append(out, order)
		}
	}
	return out
}

// LastDealTime returns the newest deal time, for use as a since-cursor.
func (r *Reconciler) LastDealTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.deals) == 0 {
		return time.Time{}
	}
	return r.deals[len(r.deals)-1].Time
}

// LastHistoryOrderTime returns the newest done time, for use as a since-cursor.
func (r *Reconciler) LastHistoryOrderTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.orders) == 0 {
		return time.Time{}
	}
	return r.orders[len(r.orders)-1].DoneTime
}
