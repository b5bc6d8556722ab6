// Package syncer runs the per-instance synchronization protocol: it issues
// synchronize requests when streams authenticate, retries with capped
// exponential backoff, watches for stalled transfers, and tracks which
// synchronization attempts have completed.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/quantgate/termsync/config"
	"github.com/quantgate/termsync/errs"
	"github.com/quantgate/termsync/internal/clock"
	"github.com/quantgate/termsync/internal/history"
	"github.com/quantgate/termsync/internal/observability"
	"github.com/quantgate/termsync/internal/schema"
	"github.com/quantgate/termsync/internal/state"
	"github.com/quantgate/termsync/internal/transport"
)

const taskPrefix = "sync:"

// session tracks one instance's current synchronization attempt.
type session struct {
	syncID                    string
	retry                     *backoff.ExponentialBackOff
	historyOrdersSynchronized bool
	dealsSynchronized         bool
}

// Driver is the per-account synchronization state machine. It implements the
// full transport listener surface: lifecycle and data events pass through to
// the state store and history reconciler after the driver filters out events
// from superseded synchronization attempts.
type Driver struct {
	accountID string
	store     *state.Store
	history   *history.Reconciler
	requester transport.Requester
	sched     clock.Scheduler
	retryCfg  config.RetryConfig
	watchdog  time.Duration
	// historyStart floors the since-cursors for history transfers.
	historyStart time.Time
	limiter      *rate.Limiter
	ctx          context.Context

	mu       sync.Mutex
	sessions map[schema.InstanceKey]*session
	closed   bool
}

var _ transport.Listener = (*Driver)(nil)

// NewDriver constructs a driver for one account. The store receives every
// state event that survives supersession filtering; the reconciler receives
// the history events.
func NewDriver(ctx context.Context, accountID string, store *state.Store, reconciler *history.Reconciler,
	requester transport.Requester, sched clock.Scheduler, cfg config.SyncConfig, historyStart time.Time) *Driver {
	return &Driver{
		accountID:    accountID,
		store:        store,
		history:      reconciler,
		requester:    requester,
		sched:        sched,
		retryCfg:     cfg.Retry,
		watchdog:     cfg.Watchdog.Timeout,
		historyStart: historyStart,
		limiter:      rate.NewLimiter(rate.Limit(cfg.Retry.RequestsPerSecond), 1),
		ctx:          ctx,
		sessions:     make(map[schema.InstanceKey]*session),
	}
}

func (d *Driver) newRetry() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.retryCfg.InitialInterval
	bo.MaxInterval = d.retryCfg.MaxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	return bo
}

func requestTask(key schema.InstanceKey) string  { return taskPrefix + key.String() + ":request" }
func watchdogTask(key schema.InstanceKey) string { return taskPrefix + key.String() + ":watchdog" }

// OnConnected starts a fresh synchronization attempt with the retry schedule
// reset to its initial interval.
func (d *Driver) OnConnected(key schema.InstanceKey) error {
	d.store.OnConnected(key)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	sess := &session{syncID: uuid.NewString(), retry: d.newRetry()}
	d.sessions[key] = sess
	syncID := sess.syncID
	d.mu.Unlock()

	d.sched.Schedule(requestTask(key), 0, func() { d.sendSynchronize(key, syncID) })
	return nil
}

// sendSynchronize issues one synchronize request. A failure reschedules via
// backoff unless a newer attempt has superseded this one in the meantime.
func (d *Driver) sendSynchronize(key schema.InstanceKey, syncID string) {
	if !d.isCurrent(key, syncID) {
		return
	}
	if err := d.limiter.Wait(d.ctx); err != nil {
		return
	}
	req := transport.SynchronizeRequest{
		AccountID:                d.accountID,
		Region:                   key.Region,
		InstanceNumber:           key.Number,
		Host:                     key.Host,
		SyncID:                   syncID,
		StartingDealTime:         laterTime(d.historyStart, d.history.LastDealTime()),
		StartingHistoryOrderTime: laterTime(d.historyStart, d.history.LastHistoryOrderTime()),
		Hashes: func() (state.HashSnapshot, error) {
			return d.store.Hashes(key)
		},
	}
	err := d.requester.Synchronize(d.ctx, req)
	if err == nil {
		observability.Telemetry().IncCounter("sync_requests_total", 1,
			map[string]string{"result": "sent"})
		d.armWatchdog(key, syncID)
		return
	}

	observability.Telemetry().IncCounter("sync_requests_total", 1,
		map[string]string{"result": "error"})
	d.mu.Lock()
	sess, ok := d.sessions[key]
	if !ok || sess.syncID != syncID || d.closed {
		d.mu.Unlock()
		return
	}
	delay := sess.retry.NextBackOff()
	if delay == backoff.Stop || delay > d.retryCfg.MaxInterval {
		delay = d.retryCfg.MaxInterval
	}
	d.mu.Unlock()

	observability.Log().Error("synchronize request failed",
		observability.F("account", d.accountID),
		observability.F("instance", key.String()),
		observability.F("retry_in", delay.String()),
		observability.F("error", err.Error()))
	d.sched.Schedule(requestTask(key), delay, func() { d.sendSynchronize(key, syncID) })
}

func laterTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func (d *Driver) isCurrent(key schema.InstanceKey, syncID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[key]
	return ok && sess.syncID == syncID && !d.closed
}

func (d *Driver) armWatchdog(key schema.InstanceKey, syncID string) {
	d.sched.Schedule(watchdogTask(key), d.watchdog, func() { d.onWatchdog(key, syncID) })
}

// onWatchdog fires when a synchronization attempt stalls: progress events
// stopped arriving and the attempt never reached deals-synchronized. It
// re-issues synchronization under a fresh id on the existing backoff path.
func (d *Driver) onWatchdog(key schema.InstanceKey, syncID string) {
	d.mu.Lock()
	sess, ok := d.sessions[key]
	if !ok || sess.syncID != syncID || sess.dealsSynchronized || d.closed {
		d.mu.Unlock()
		return
	}
	sess.syncID = uuid.NewString()
	sess.historyOrdersSynchronized = false
	sess.dealsSynchronized = false
	newSyncID := sess.syncID
	delay := sess.retry.NextBackOff()
	if delay == backoff.Stop || delay > d.retryCfg.MaxInterval {
		delay = d.retryCfg.MaxInterval
	}
	d.mu.Unlock()

	observability.Log().Error("synchronization stalled",
		observability.F("account", d.accountID),
		observability.F("instance", key.String()),
		observability.F("sync_id", syncID),
		observability.F("retry_in", delay.String()))
	d.sched.Schedule(requestTask(key), delay, func() { d.sendSynchronize(key, newSyncID) })
}

// OnDisconnected cancels every pending timer for the instance and marks its
// attempt as desynchronized. Subscriptions survive; only the timers go.
func (d *Driver) OnDisconnected(key schema.InstanceKey) error {
	d.sched.CancelPrefix(taskPrefix + key.String())
	d.mu.Lock()
	if sess, ok := d.sessions[key]; ok {
		sess.historyOrdersSynchronized = false
		sess.dealsSynchronized = false
	}
	d.mu.Unlock()
	d.store.OnDisconnected(key)
	return nil
}

func (d *Driver) OnBrokerConnectionStatusChanged(key schema.InstanceKey, connected bool) error {
	d.store.OnBrokerConnectionStatusChanged(key, connected)
	return nil
}

// OnSynchronizationStarted accepts only the current attempt's transfer head;
// a superseded attempt's packets are discarded wholesale.
func (d *Driver) OnSynchronizationStarted(key schema.InstanceKey, specsUpdated, positionsUpdated, ordersUpdated bool, syncID string) error {
	if !d.isCurrent(key, syncID) {
		observability.Log().Debug("discarding superseded synchronization start",
			observability.F("account", d.accountID),
			observability.F("instance", key.String()),
			observability.F("sync_id", syncID))
		return nil
	}
	d.armWatchdog(key, syncID)
	d.store.OnSynchronizationStarted(key, specsUpdated, positionsUpdated, ordersUpdated, syncID)
	return nil
}

func (d *Driver) OnAccountInformationUpdated(key schema.InstanceKey, info *schema.AccountInformation) error {
	d.store.OnAccountInformationUpdated(key, info)
	return nil
}

func (d *Driver) OnPositionsReplaced(key schema.InstanceKey, positions []*schema.Position) error {
	d.store.OnPositionsReplaced(key, positions)
	return nil
}

func (d *Driver) OnPositionUpdated(key schema.InstanceKey, position *schema.Position) error {
	d.store.OnPositionUpdated(key, position)
	return nil
}

func (d *Driver) OnPositionRemoved(key schema.InstanceKey, positionID string) error {
	d.store.OnPositionRemoved(key, positionID)
	return nil
}

func (d *Driver) OnPositionsSynchronized(key schema.InstanceKey, syncID string) error {
	if !d.isCurrent(key, syncID) {
		return nil
	}
	d.armWatchdog(key, syncID)
	d.store.OnPositionsSynchronized(key, syncID)
	return nil
}

func (d *Driver) OnPendingOrdersReplaced(key schema.InstanceKey, orders []*schema.Order) error {
	d.store.OnPendingOrdersReplaced(key, orders)
	return nil
}

func (d *Driver) OnPendingOrderUpdated(key schema.InstanceKey, order *schema.Order) error {
	d.store.OnPendingOrderUpdated(key, order)
	return nil
}

func (d *Driver) OnPendingOrderCompleted(key schema.InstanceKey, orderID string) error {
	d.store.OnPendingOrderCompleted(key, orderID)
	return nil
}

func (d *Driver) OnPendingOrdersSynchronized(key schema.InstanceKey, syncID string) error {
	if !d.isCurrent(key, syncID) {
		return nil
	}
	d.armWatchdog(key, syncID)
	d.store.OnPendingOrdersSynchronized(key, syncID)
	return nil
}

func (d *Driver) OnSymbolSpecificationsUpdated(key schema.InstanceKey, upserts []*schema.SymbolSpecification, removals []string) error {
	// Specification packets arrive mid-transfer; treat them as progress.
	d.mu.Lock()
	if sess, ok := d.sessions[key]; ok && !sess.dealsSynchronized {
		syncID := sess.syncID
		d.mu.Unlock()
		d.armWatchdog(key, syncID)
	} else {
		d.mu.Unlock()
	}
	d.store.OnSymbolSpecificationsUpdated(key, upserts, removals)
	return nil
}

func (d *Driver) OnSymbolPricesUpdated(key schema.InstanceKey, prices []*schema.SymbolPrice, margin schema.MarginSnapshot) error {
	d.store.OnSymbolPricesUpdated(key, prices, margin)
	return nil
}

func (d *Driver) OnHistoryOrderAdded(key schema.InstanceKey, order *schema.HistoryOrder) error {
	return d.history.OnHistoryOrderAdded(key, order)
}

func (d *Driver) OnDealAdded(key schema.InstanceKey, deal *schema.Deal) error {
	return d.history.OnDealAdded(key, deal)
}

func (d *Driver) OnHistoryOrdersSynchronized(key schema.InstanceKey, syncID string) error {
	if !d.isCurrent(key, syncID) {
		return nil
	}
	d.mu.Lock()
	if sess, ok := d.sessions[key]; ok {
		sess.historyOrdersSynchronized = true
	}
	d.mu.Unlock()
	d.armWatchdog(key, syncID)
	return d.history.OnHistoryOrdersSynchronized(key, syncID)
}

// OnDealsSynchronized completes the attempt: the watchdog disarms and the
// retry schedule resets for the next connect.
func (d *Driver) OnDealsSynchronized(key schema.InstanceKey, syncID string) error {
	if !d.isCurrent(key, syncID) {
		return nil
	}
	d.mu.Lock()
	if sess, ok := d.sessions[key]; ok {
		sess.dealsSynchronized = true
		sess.retry.Reset()
	}
	d.mu.Unlock()
	d.sched.Cancel(watchdogTask(key))
	observability.Log().Info("synchronization complete",
		observability.F("account", d.accountID),
		observability.F("instance", key.String()),
		observability.F("sync_id", syncID))
	return d.history.OnDealsSynchronized(key, syncID)
}

func (d *Driver) OnStreamClosed(key schema.InstanceKey) error {
	d.sched.CancelPrefix(taskPrefix + key.String())
	d.mu.Lock()
	delete(d.sessions, key)
	d.mu.Unlock()
	d.store.OnStreamClosed(key)
	return nil
}

// OnReconnected handles a transport-level reconnect of one replica: every
// in-flight synchronization id under that region and instance number is
// invalidated and the replica's instance states are discarded. Fresh
// authenticated events restart the protocol.
func (d *Driver) OnReconnected(region string, number int) {
	prefix := schema.InstanceKey{Region: region, Number: number}.ReplicaPrefix()
	d.mu.Lock()
	for key := range d.sessions {
		if key.ReplicaPrefix() == prefix {
			d.sched.CancelPrefix(taskPrefix + key.String())
			delete(d.sessions, key)
		}
	}
	d.mu.Unlock()
	d.store.ResetReplica(region, number)
}

// SubscribeToMarketData registers local interest in a symbol's quotes and
// asks the terminal to stream them. The local registration happens first so
// the health monitor starts judging quote freshness as soon as the terminal
// acknowledges.
func (d *Driver) SubscribeToMarketData(ctx context.Context, symbol string, instanceNumber int) error {
	if err := d.store.Subscribe(symbol); err != nil {
		return err
	}
	if err := d.requester.SubscribeToMarketData(ctx, d.accountID, symbol, instanceNumber); err != nil {
		d.store.Unsubscribe(symbol)
		return errs.New("syncer", errs.CodeNetwork,
			errs.WithMessage("market data subscription"),
			errs.WithAccount(d.accountID),
			errs.WithDetail("symbol", symbol),
			errs.WithCause(err))
	}
	return nil
}

// UnsubscribeFromMarketData stops a symbol's quote stream. The local
// registration is dropped even when the terminal request fails, so health
// never keeps judging a stream nobody wants.
func (d *Driver) UnsubscribeFromMarketData(ctx context.Context, symbol string, instanceNumber int) error {
	d.store.Unsubscribe(symbol)
	if err := d.requester.UnsubscribeFromMarketData(ctx, d.accountID, symbol, instanceNumber); err != nil {
		return errs.New("syncer", errs.CodeNetwork,
			errs.WithMessage("market data unsubscription"),
			errs.WithAccount(d.accountID),
			errs.WithDetail("symbol", symbol),
			errs.WithCause(err))
	}
	return nil
}

// OnRegionUnsubscribed discards all synchronization sessions and instance
// states for a region after the caller unsubscribed from it.
func (d *Driver) OnRegionUnsubscribed(region string) {
	d.mu.Lock()
	for key := range d.sessions {
		if key.Region == region {
			d.sched.CancelPrefix(taskPrefix + key.String())
			delete(d.sessions, key)
		}
	}
	d.mu.Unlock()
	d.store.ResetRegion(region)
}

// OnTransportReconnected invalidates every tracked replica. It is the hook
// for transport-level reconnects, where all replicas lost their stream at
// once.
func (d *Driver) OnTransportReconnected() {
	d.mu.Lock()
	replicas := make(map[string]schema.InstanceKey)
	for key := range d.sessions {
		replicas[key.ReplicaPrefix()] = key
	}
	d.mu.Unlock()
	for _, key := range replicas {
		d.OnReconnected(key.Region, key.Number)
	}
}

// IsSynchronized reports whether any instance completed both history
// transfers for the given synchronization id, or for its current attempt
// when syncID is empty.
func (d *Driver) IsSynchronized(syncID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sess := range d.sessions {
		if syncID != "" && sess.syncID != syncID {
			continue
		}
		if sess.historyOrdersSynchronized && sess.dealsSynchronized {
			return true
		}
	}
	return false
}

// WaitSynchronized polls IsSynchronized until it reports true, then performs
// one confirmation round-trip against the transport. Exhaustion yields a
// timeout error carrying the account and synchronization id.
func (d *Driver) WaitSynchronized(ctx context.Context, syncID string, timeout, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if d.IsSynchronized(syncID) {
			confirmID := syncID
			if confirmID == "" {
				confirmID = d.currentSyncID()
			}
			if err := d.requester.ConfirmSynchronized(ctx, d.accountID, confirmID); err != nil {
				return errs.New("syncer", errs.CodeNetwork,
					errs.WithMessage("synchronization confirmation"),
					errs.WithAccount(d.accountID),
					errs.WithSyncID(confirmID),
					errs.WithCause(err))
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return errs.SynchronizationTimeout(d.accountID, syncID)
		case <-deadline.C:
			return errs.SynchronizationTimeout(d.accountID, syncID)
		case <-ticker.C:
		}
	}
}

func (d *Driver) currentSyncID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sess := range d.sessions {
		if sess.historyOrdersSynchronized && sess.dealsSynchronized {
			return sess.syncID
		}
	}
	return ""
}

// Close cancels every pending timer and rejects further work.
func (d *Driver) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.sched.CancelPrefix(taskPrefix)
}
