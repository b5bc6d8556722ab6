package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quantgate/termsync/config"
	"github.com/quantgate/termsync/errs"
	"github.com/quantgate/termsync/internal/clock"
	"github.com/quantgate/termsync/internal/hashing"
	"github.com/quantgate/termsync/internal/history"
	"github.com/quantgate/termsync/internal/schema"
	"github.com/quantgate/termsync/internal/state"
	"github.com/quantgate/termsync/internal/transport"
)

var driverKey = schema.InstanceKey{Region: "vint-hill", Number: 0, Host: "host-a"}

type fakeRequester struct {
	mu       sync.Mutex
	requests []transport.SynchronizeRequest
	confirms []string
	failures int
	subs     []string
	unsubs   []string
	subErr   error
}

func (f *fakeRequester) Synchronize(_ context.Context, req transport.SynchronizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return nil
}

func (f *fakeRequester) ConfirmSynchronized(_ context.Context, _ string, syncID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, syncID)
	return nil
}

func (f *fakeRequester) SubscribeToMarketData(_ context.Context, _ string, symbol string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.subs = append(f.subs, symbol)
	return nil
}

func (f *fakeRequester) UnsubscribeFromMarketData(_ context.Context, _ string, symbol string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, symbol)
	return nil
}

func (f *fakeRequester) sent() []transport.SynchronizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.SynchronizeRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func testSyncConfig() config.SyncConfig {
	cfg := config.DefaultSync()
	// High request budget keeps the limiter out of the way in tests.
	cfg.Retry.RequestsPerSecond = 1000
	return cfg
}

func newTestDriver(t *testing.T) (*Driver, *fakeRequester, *clock.ManualScheduler, *state.Store) {
	t.Helper()
	cfg := testSyncConfig()
	clk := clock.NewVirtual(time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC))
	engine := hashing.NewEngine(cfg.Hashing.Family("cloud"))
	store := state.NewStore("account-1", clk, cfg.Tombstone.TTL, engine)
	t.Cleanup(store.Close)

	reconciler := history.NewReconciler(context.Background(), "account-1",
		history.NewMemoryStorage(), clock.NewManualScheduler(), cfg.History)
	requester := &fakeRequester{}
	sched := clock.NewManualScheduler()
	driver := NewDriver(context.Background(), "account-1", store, reconciler, requester, sched, cfg, time.Time{})
	t.Cleanup(driver.Close)
	return driver, requester, sched, store
}

// connect authenticates the instance and fires the resulting request task,
// returning the synchronization id the driver generated.
func connect(t *testing.T, driver *Driver, requester *fakeRequester, sched *clock.ManualScheduler) string {
	t.Helper()
	if err := driver.OnConnected(driverKey); err != nil {
		t.Fatalf("OnConnected() error = %v", err)
	}
	if !sched.Fire(requestTask(driverKey)) {
		t.Fatal("no synchronize request scheduled on connect")
	}
	sent := requester.sent()
	if len(sent) == 0 {
		t.Fatal("synchronize request never sent")
	}
	return sent[len(sent)-1].SyncID
}

func TestConnectSendsSynchronizeAndArmsWatchdog(t *testing.T) {
	driver, requester, sched, _ := newTestDriver(t)
	syncID := connect(t, driver, requester, sched)

	if syncID == "" {
		t.Fatal("request carried no synchronization id")
	}
	req := requester.sent()[0]
	if req.AccountID != "account-1" || req.Region != "vint-hill" || req.Host != "host-a" {
		t.Fatalf("request coordinates wrong: %+v", req)
	}
	if req.Hashes == nil {
		t.Fatal("request missing hash supplier")
	}
	if _, err := req.Hashes(); err != nil {
		t.Fatalf("hash supplier error = %v", err)
	}
	if !sched.Pending(watchdogTask(driverKey)) {
		t.Fatal("watchdog must be armed after a sent request")
	}
	if delay, _ := sched.Delay(watchdogTask(driverKey)); delay != 2*time.Minute {
		t.Fatalf("watchdog delay = %v, want 2m", delay)
	}
}

func TestRequestFailureRetriesWithExponentialBackoff(t *testing.T) {
	driver, requester, sched, _ := newTestDriver(t)
	requester.failures = 3

	if err := driver.OnConnected(driverKey); err != nil {
		t.Fatalf("OnConnected() error = %v", err)
	}

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for _, want := range wantDelays {
		if !sched.Fire(requestTask(driverKey)) {
			t.Fatal("expected a pending request task")
		}
		delay, ok := sched.Delay(requestTask(driverKey))
		if !ok {
			t.Fatal("failed request did not schedule a retry")
		}
		if delay != want {
			t.Fatalf("retry delay = %v, want %v", delay, want)
		}
	}

	// Fourth attempt succeeds and arms the watchdog instead of retrying.
	sched.Fire(requestTask(driverKey))
	if sched.Pending(requestTask(driverKey)) {
		t.Fatal("successful request must not schedule another retry")
	}
	if !sched.Pending(watchdogTask(driverKey)) {
		t.Fatal("successful request must arm the watchdog")
	}
}

func TestSupersededEventsDiscarded(t *testing.T) {
	driver, requester, sched, store := newTestDriver(t)
	staleID := connect(t, driver, requester, sched)

	// A reconnect supersedes the first attempt.
	freshID := connect(t, driver, requester, sched)
	if freshID == staleID {
		t.Fatal("reconnect must generate a fresh synchronization id")
	}

	_ = driver.OnSynchronizationStarted(driverKey, true, true, true, staleID)
	if snapshot, ok := store.InstanceSnapshot(driverKey); ok && snapshot.LastSynchronizationID == staleID {
		t.Fatal("stale synchronization start reached the store")
	}

	_ = driver.OnSynchronizationStarted(driverKey, true, true, true, freshID)
	snapshot, ok := store.InstanceSnapshot(driverKey)
	if !ok || snapshot.LastSynchronizationID != freshID {
		t.Fatal("current synchronization start must reach the store")
	}
}

func TestWatchdogRestartsStalledSync(t *testing.T) {
	driver, requester, sched, _ := newTestDriver(t)
	staleID := connect(t, driver, requester, sched)
	_ = driver.OnSynchronizationStarted(driverKey, true, true, true, staleID)

	if !sched.Fire(watchdogTask(driverKey)) {
		t.Fatal("watchdog not armed")
	}
	delay, ok := sched.Delay(requestTask(driverKey))
	if !ok {
		t.Fatal("stalled sync must schedule a fresh request")
	}
	if delay != time.Second {
		t.Fatalf("first stall retry delay = %v, want 1s", delay)
	}

	sched.Fire(requestTask(driverKey))
	sent := requester.sent()
	if sent[len(sent)-1].SyncID == staleID {
		t.Fatal("stall restart must invalidate the old synchronization id")
	}
}

func TestWatchdogNoopAfterDealsSynchronized(t *testing.T) {
	driver, requester, sched, _ := newTestDriver(t)
	syncID := connect(t, driver, requester, sched)
	_ = driver.OnSynchronizationStarted(driverKey, true, true, true, syncID)
	_ = driver.OnHistoryOrdersSynchronized(driverKey, syncID)
	_ = driver.OnDealsSynchronized(driverKey, syncID)

	if sched.Pending(watchdogTask(driverKey)) {
		t.Fatal("completed sync must disarm the watchdog")
	}
	if sched.Pending(requestTask(driverKey)) {
		t.Fatal("completed sync must not schedule requests")
	}
}

func TestIsSynchronizedRequiresBothHistoryFlags(t *testing.T) {
	driver, requester, sched, _ := newTestDriver(t)
	syncID := connect(t, driver, requester, sched)

	if driver.IsSynchronized(syncID) {
		t.Fatal("synchronized before any completion signal")
	}
	_ = driver.OnHistoryOrdersSynchronized(driverKey, syncID)
	if driver.IsSynchronized(syncID) {
		t.Fatal("orders alone must not report synchronized")
	}
	_ = driver.OnDealsSynchronized(driverKey, syncID)
	if !driver.IsSynchronized(syncID) {
		t.Fatal("both flags set must report synchronized")
	}
	if !driver.IsSynchronized("") {
		t.Fatal("empty sync id must match the current attempt")
	}
	if driver.IsSynchronized("other") {
		t.Fatal("unknown sync id must not report synchronized")
	}
}

func TestWaitSynchronizedTimesOutWithContext(t *testing.T) {
	driver, _, _, _ := newTestDriver(t)

	err := driver.WaitSynchronized(context.Background(), "sync-x", 50*time.Millisecond, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errs.IsTimeout(err) {
		t.Fatalf("expected timeout classification, got %v", err)
	}
	if !strings.Contains(err.Error(), "account-1") || !strings.Contains(err.Error(), "sync-x") {
		t.Fatalf("timeout error missing context: %v", err)
	}
}

func TestWaitSynchronizedConfirmsOverTransport(t *testing.T) {
	driver, requester, sched, _ := newTestDriver(t)
	syncID := connect(t, driver, requester, sched)
	_ = driver.OnHistoryOrdersSynchronized(driverKey, syncID)
	_ = driver.OnDealsSynchronized(driverKey, syncID)

	if err := driver.WaitSynchronized(context.Background(), syncID, time.Second, 10*time.Millisecond); err != nil {
		t.Fatalf("WaitSynchronized() error = %v", err)
	}
	requester.mu.Lock()
	defer requester.mu.Unlock()
	if len(requester.confirms) != 1 || requester.confirms[0] != syncID {
		t.Fatalf("expected one confirmation for %s, got %v", syncID, requester.confirms)
	}
}

func TestDisconnectCancelsTimersAndDesynchronizes(t *testing.T) {
	driver, requester, sched, _ := newTestDriver(t)
	syncID := connect(t, driver, requester, sched)
	_ = driver.OnHistoryOrdersSynchronized(driverKey, syncID)
	_ = driver.OnDealsSynchronized(driverKey, syncID)

	if err := driver.OnDisconnected(driverKey); err != nil {
		t.Fatalf("OnDisconnected() error = %v", err)
	}
	if sched.Pending(watchdogTask(driverKey)) || sched.Pending(requestTask(driverKey)) {
		t.Fatal("disconnect must cancel all instance timers")
	}
	if driver.IsSynchronized(syncID) {
		t.Fatal("disconnect must desynchronize the attempt")
	}
}

func TestReconnectedDiscardsReplicaSessions(t *testing.T) {
	driver, requester, sched, store := newTestDriver(t)
	syncID := connect(t, driver, requester, sched)
	_ = driver.OnSynchronizationStarted(driverKey, true, true, true, syncID)

	driver.OnReconnected("vint-hill", 0)

	if _, ok := store.InstanceSnapshot(driverKey); ok {
		t.Fatal("replica instance states must be discarded on transport reconnect")
	}
	if driver.IsSynchronized("") {
		t.Fatal("reconnect must invalidate in-flight synchronization")
	}
	// Old-session events after the reset are superseded.
	_ = driver.OnSynchronizationStarted(driverKey, true, true, true, syncID)
	if _, ok := store.InstanceSnapshot(driverKey); ok {
		t.Fatal("stale sync events applied after replica reset")
	}
}

func TestSinceCursorsUseHistoryHighWater(t *testing.T) {
	cfg := testSyncConfig()
	clk := clock.NewVirtual(time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC))
	engine := hashing.NewEngine(cfg.Hashing.Family("cloud"))
	store := state.NewStore("account-1", clk, cfg.Tombstone.TTL, engine)
	t.Cleanup(store.Close)

	reconciler := history.NewReconciler(context.Background(), "account-1",
		history.NewMemoryStorage(), clock.NewManualScheduler(), cfg.History)
	dealTime := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	_ = reconciler.OnDealAdded(driverKey, &schema.Deal{ID: "1", Time: dealTime})

	historyStart := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	requester := &fakeRequester{}
	sched := clock.NewManualScheduler()
	driver := NewDriver(context.Background(), "account-1", store, reconciler, requester, sched, cfg, historyStart)
	t.Cleanup(driver.Close)

	connect(t, driver, requester, sched)
	req := requester.sent()[0]
	if !req.StartingDealTime.Equal(dealTime) {
		t.Fatalf("deal cursor = %v, want known high-water %v", req.StartingDealTime, dealTime)
	}
	// No known history orders, so the configured start floors the cursor.
	if !req.StartingHistoryOrderTime.Equal(historyStart) {
		t.Fatalf("order cursor = %v, want configured start %v", req.StartingHistoryOrderTime, historyStart)
	}
}

func TestRegionUnsubscribeDiscardsRegionState(t *testing.T) {
	driver, requester, sched, store := newTestDriver(t)
	connect(t, driver, requester, sched)

	otherKey := schema.InstanceKey{Region: "new-york", Number: 0, Host: "host-b"}
	if err := driver.OnConnected(otherKey); err != nil {
		t.Fatalf("OnConnected() error = %v", err)
	}

	driver.OnRegionUnsubscribed("vint-hill")

	if sched.Pending(requestTask(driverKey)) || sched.Pending(watchdogTask(driverKey)) {
		t.Fatal("unsubscribed region must have no pending timers")
	}
	for _, key := range store.Instances() {
		if key.Region == "vint-hill" {
			t.Fatalf("instance state for unsubscribed region survived: %v", key)
		}
	}
	// The other region keeps its in-flight attempt.
	if !sched.Pending(requestTask(otherKey)) {
		t.Fatal("other region's request task must survive")
	}
}

func TestMarketDataSubscriptionLifecycle(t *testing.T) {
	driver, requester, sched, store := newTestDriver(t)
	connect(t, driver, requester, sched)

	if err := driver.SubscribeToMarketData(context.Background(), "EURUSD", 0); err != nil {
		t.Fatalf("SubscribeToMarketData() error = %v", err)
	}
	if got := store.SubscribedSymbols(); len(got) != 1 || got[0] != "EURUSD" {
		t.Fatalf("subscribed symbols = %v, want [EURUSD]", got)
	}
	if len(requester.subs) != 1 || requester.subs[0] != "EURUSD" {
		t.Fatalf("terminal subscription not requested: %v", requester.subs)
	}

	if err := driver.UnsubscribeFromMarketData(context.Background(), "EURUSD", 0); err != nil {
		t.Fatalf("UnsubscribeFromMarketData() error = %v", err)
	}
	if got := store.SubscribedSymbols(); len(got) != 0 {
		t.Fatalf("subscription survived unsubscribe: %v", got)
	}
	if len(requester.unsubs) != 1 {
		t.Fatalf("terminal unsubscription not requested: %v", requester.unsubs)
	}
}

func TestMarketDataSubscribeRollsBackOnTransportFailure(t *testing.T) {
	driver, requester, sched, store := newTestDriver(t)
	connect(t, driver, requester, sched)

	requester.subErr = errors.New("connection reset")
	err := driver.SubscribeToMarketData(context.Background(), "EURUSD", 0)
	if err == nil {
		t.Fatal("expected subscription error")
	}
	if got := store.SubscribedSymbols(); len(got) != 0 {
		t.Fatalf("failed subscription left local registration: %v", got)
	}
}
