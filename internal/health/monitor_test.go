package health

import (
	"strings"
	"testing"
	"time"

	"github.com/quantgate/termsync/config"
	"github.com/quantgate/termsync/internal/clock"
	"github.com/quantgate/termsync/internal/hashing"
	"github.com/quantgate/termsync/internal/schema"
	"github.com/quantgate/termsync/internal/state"
)

var healthKey = schema.InstanceKey{Region: "vint-hill", Number: 0, Host: "host-a"}

type stubSyncer struct{ synchronized bool }

func (s stubSyncer) IsSynchronized(string) bool { return s.synchronized }

func healthConfig() config.HealthConfig {
	return config.HealthConfig{
		Windows:        []time.Duration{5 * time.Minute},
		SampleInterval: 30 * time.Second,
		QuoteFreshness: 60 * time.Second,
	}
}

// Monday 2024-06-03 12:00 UTC.
func newHealthFixture(t *testing.T, synchronized bool) (*Monitor, *state.Store, *clock.Virtual) {
	t.Helper()
	clk := clock.NewVirtual(time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC))
	engine := hashing.NewEngine(config.DefaultSync().Hashing.Family("cloud"))
	store := state.NewStore("account-1", clk, 5*time.Minute, engine)
	t.Cleanup(store.Close)
	monitor := NewMonitor(store, stubSyncer{synchronized: synchronized}, clk, healthConfig())
	return monitor, store, clk
}

func allDaySessions() map[string][]schema.SessionRange {
	sessions := make(map[string][]schema.SessionRange)
	for _, day := range []string{"MONDAY", "TUESDAY", "WEDNESDAY", "THURSDAY", "FRIDAY"} {
		sessions[day] = []schema.SessionRange{{From: "00:00:00", To: "23:59:59"}}
	}
	return sessions
}

func connectAndSync(store *state.Store) {
	store.OnConnected(healthKey)
	store.OnBrokerConnectionStatusChanged(healthKey, true)
	store.OnSynchronizationStarted(healthKey, true, true, true, "sync-1")
	store.OnPositionsSynchronized(healthKey, "sync-1")
	store.OnPendingOrdersSynchronized(healthKey, "sync-1")
}

func TestHealthyWhenAllConditionsHold(t *testing.T) {
	monitor, store, _ := newHealthFixture(t, true)
	connectAndSync(store)

	status := monitor.Check()
	if !status.Healthy {
		t.Fatalf("expected healthy, got %+v", status)
	}
	if status.Message != "connection healthy" {
		t.Fatalf("unexpected message: %q", status.Message)
	}
}

func TestMessageConcatenatesFailingConditions(t *testing.T) {
	monitor, _, _ := newHealthFixture(t, false)

	status := monitor.Check()
	if status.Healthy {
		t.Fatal("expected unhealthy with no connection")
	}
	for _, want := range []string{"connection is not active", "not connected to broker", "not synchronized"} {
		if !strings.Contains(status.Message, want) {
			t.Fatalf("message %q missing %q", status.Message, want)
		}
	}
}

func TestZeroSubscriptionsQuoteStreamingTriviallyHealthy(t *testing.T) {
	monitor, store, _ := newHealthFixture(t, true)
	connectAndSync(store)

	if !monitor.Check().QuoteStreamingHealthy {
		t.Fatal("no subscriptions must report healthy streaming")
	}
}

func TestStaleQuoteDuringSessionBreaksStreaming(t *testing.T) {
	monitor, store, clk := newHealthFixture(t, true)
	connectAndSync(store)

	store.OnSymbolSpecificationsUpdated(healthKey, []*schema.SymbolSpecification{{
		Symbol:        "EURUSD",
		QuoteSessions: allDaySessions(),
	}}, nil)
	store.OnSymbolPricesUpdated(healthKey, []*schema.SymbolPrice{{
		Symbol:     "EURUSD",
		Time:       clk.Now(),
		BrokerTime: clk.Now(),
		Bid:        1.08,
		Ask:        1.0801,
	}}, schema.MarginSnapshot{})
	if err := store.Subscribe("EURUSD"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if !monitor.Check().QuoteStreamingHealthy {
		t.Fatal("fresh quote in session must be healthy")
	}

	clk.Advance(2 * time.Minute)
	status := monitor.Check()
	if status.QuoteStreamingHealthy {
		t.Fatal("stale quote during trading session must break streaming health")
	}
	if !strings.Contains(status.Message, "quote streaming is broken") {
		t.Fatalf("message %q missing streaming failure", status.Message)
	}
}

func TestStaleQuoteOutsideSessionIsTolerated(t *testing.T) {
	monitor, store, clk := newHealthFixture(t, true)
	connectAndSync(store)

	// Calendar covers weekdays only; the fixture clock then advances into
	// Saturday where staleness must not matter.
	store.OnSymbolSpecificationsUpdated(healthKey, []*schema.SymbolSpecification{{
		Symbol:        "EURUSD",
		QuoteSessions: allDaySessions(),
	}}, nil)
	store.OnSymbolPricesUpdated(healthKey, []*schema.SymbolPrice{{
		Symbol:     "EURUSD",
		Time:       clk.Now(),
		BrokerTime: clk.Now(),
		Bid:        1.08,
		Ask:        1.0801,
	}}, schema.MarginSnapshot{})
	if err := store.Subscribe("EURUSD"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	clk.Advance(5 * 24 * time.Hour)
	if !monitor.Check().QuoteStreamingHealthy {
		t.Fatal("stale quote outside the session calendar must not break health")
	}
}

func TestUptimeAveragesSamplesInsideWindow(t *testing.T) {
	monitor, store, clk := newHealthFixture(t, true)

	// Unhealthy sample first, then a healthy one after connecting.
	monitor.recordSample(5 * time.Minute)
	clk.Advance(time.Minute)
	connectAndSync(store)
	monitor.recordSample(5 * time.Minute)

	uptime := monitor.Uptime()
	if got := uptime[5*time.Minute]; got != 50.0 {
		t.Fatalf("uptime = %v, want 50", got)
	}

	// The old sample ages out of the window.
	clk.Advance(5 * time.Minute)
	monitor.recordSample(5 * time.Minute)
	uptime = monitor.Uptime()
	if got := uptime[5*time.Minute]; got != 100.0 {
		t.Fatalf("uptime after pruning = %v, want 100", got)
	}
}
