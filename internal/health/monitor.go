// Package health samples connection health into rolling uptime windows and
// derives a human-readable status for one monitored account.
package health

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/quantgate/termsync/config"
	"github.com/quantgate/termsync/internal/clock"
	"github.com/quantgate/termsync/internal/observability"
	"github.com/quantgate/termsync/internal/schema"
	"github.com/quantgate/termsync/internal/state"
)

// Synchronizer reports whether the account's current synchronization attempt
// has completed.
type Synchronizer interface {
	IsSynchronized(syncID string) bool
}

// Status is a point-in-time health assessment.
type Status struct {
	Connected             bool
	ConnectedToBroker     bool
	Synchronized          bool
	QuoteStreamingHealthy bool
	Healthy               bool
	Message               string
}

// Monitor samples the account's health on independently jittered timers and
// maintains one rolling uptime reservoir per configured window.
type Monitor struct {
	store  *state.Store
	syncer Synchronizer
	clk    clock.Clock
	cfg    config.HealthConfig

	mu         sync.Mutex
	reservoirs map[time.Duration]*reservoir

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewMonitor constructs a monitor. Call Start to begin sampling.
func NewMonitor(store *state.Store, syncer Synchronizer, clk clock.Clock, cfg config.HealthConfig) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		store:      store,
		syncer:     syncer,
		clk:        clk,
		cfg:        cfg,
		reservoirs: make(map[time.Duration]*reservoir, len(cfg.Windows)),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, window := range cfg.Windows {
		m.reservoirs[window] = newReservoir(window)
	}
	return m
}

// Start launches one sampler goroutine per uptime window. Each sampler
// jitters its cadence independently so a fleet of monitors never ticks in
// lockstep.
func (m *Monitor) Start() {
	for window := range m.reservoirs {
		window := window
		m.wg.Go(func() { m.sample(window) })
	}
}

// Stop terminates the samplers and waits for them to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) sample(window time.Duration) {
	src := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(window)))
	base := m.cfg.SampleInterval
	if base <= 0 {
		base = 30 * time.Second
	}
	for {
		jitter := time.Duration(src.Int63n(int64(base)))
		timer := time.NewTimer(base/2 + jitter)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		m.recordSample(window)
	}
}

func (m *Monitor) recordSample(window time.Duration) {
	status := m.Check()
	value := 0.0
	if status.Healthy {
		value = 100.0
	}
	now := m.clk.Now()
	m.mu.Lock()
	if res, ok := m.reservoirs[window]; ok {
		res.record(now, value)
	}
	m.mu.Unlock()
	observability.Telemetry().SetGauge("connection_healthy", value,
		map[string]string{"window": window.String()})
}

// Uptime returns the average healthy percentage per window.
func (m *Monitor) Uptime() map[time.Duration]float64 {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[time.Duration]float64, len(m.reservoirs))
	for window, res := range m.reservoirs {
		out[window] = res.average(now)
	}
	return out
}

// Check assesses health right now without recording a sample.
func (m *Monitor) Check() Status {
	status := Status{
		Connected:             m.store.Connected(),
		ConnectedToBroker:     m.store.ConnectedToBroker(),
		Synchronized:          m.syncer.IsSynchronized(""),
		QuoteStreamingHealthy: m.quoteStreamingHealthy(),
	}
	status.Healthy = status.Connected && status.ConnectedToBroker && status.Synchronized && status.QuoteStreamingHealthy
	status.Message = m.describe(status)
	return status
}

func (m *Monitor) describe(status Status) string {
	if status.Healthy {
		return "connection healthy"
	}
	var reasons []string
	if !status.Connected {
		reasons = append(reasons, "connection is not active")
	}
	if !status.ConnectedToBroker {
		reasons = append(reasons, "terminal is not connected to broker")
	}
	if !status.Synchronized {
		reasons = append(reasons, "local state is not synchronized to broker")
	}
	if !status.QuoteStreamingHealthy {
		reasons = append(reasons, "quote streaming is broken")
	}
	return strings.Join(reasons, ", ")
}

// quoteStreamingHealthy reports whether quotes flow for every subscribed
// symbol that is currently inside its trading session. With no
// subscriptions, streaming is trivially healthy.
func (m *Monitor) quoteStreamingHealthy() bool {
	symbols := m.store.SubscribedSymbols()
	if len(symbols) == 0 {
		return true
	}

	now := m.clk.Now()
	quoteTime, brokerTime := m.store.LastQuoteTime()

	// The broker clock offset derives from the last quote pair; without any
	// quote yet there is no offset and local time stands in.
	brokerNow := now
	if !quoteTime.IsZero() && !brokerTime.IsZero() {
		brokerNow = now.Add(brokerTime.Sub(quoteTime))
	}

	freshness := m.cfg.QuoteFreshness
	for _, symbol := range symbols {
		spec, ok := m.store.Specification(symbol)
		if !ok {
			continue
		}
		if !inQuoteSession(spec.QuoteSessions, brokerNow) {
			continue
		}
		price, ok := m.store.Price(symbol)
		if !ok {
			return false
		}
		if now.Sub(price.Time) > freshness {
			return false
		}
	}
	return true
}

var weekdayNames = map[time.Weekday]string{
	time.Sunday:    "SUNDAY",
	time.Monday:    "MONDAY",
	time.Tuesday:   "TUESDAY",
	time.Wednesday: "WEDNESDAY",
	time.Thursday:  "THURSDAY",
	time.Friday:    "FRIDAY",
	time.Saturday:  "SATURDAY",
}

// inQuoteSession reports whether the broker-time instant falls inside one of
// the symbol's quote sessions. A symbol without a calendar is treated as
// always in session.
func inQuoteSession(sessions map[string][]schema.SessionRange, brokerNow time.Time) bool {
	if len(sessions) == 0 {
		return true
	}
	ranges, ok := sessions[weekdayNames[brokerNow.Weekday()]]
	if !ok {
		return false
	}
	secondOfDay := brokerNow.Hour()*3600 + brokerNow.Minute()*60 + brokerNow.Second()
	for _, r := range ranges {
		from, fromOK := parseTimeOfDay(r.From)
		to, toOK := parseTimeOfDay(r.To)
		if !fromOK || !toOK {
			continue
		}
		if secondOfDay >= from && secondOfDay <= to {
			return true
		}
	}
	return false
}

// parseTimeOfDay converts "HH:MM:SS" to a second-of-day offset.
func parseTimeOfDay(value string) (int, bool) {
	parsed, err := time.Parse("15:04:05", value)
	if err != nil {
		return 0, false
	}
	return parsed.Hour()*3600 + parsed.Minute()*60 + parsed.Second(), true
}

// reservoir keeps timestamped 0/100 samples inside one rolling window.
type reservoir struct {
	window  time.Duration
	samples []sampleEntry
}

type sampleEntry struct {
	at    time.Time
	value float64
}

func newReservoir(window time.Duration) *reservoir {
	return &reservoir{window: window}
}

func (r *reservoir) record(now time.Time, value float64) {
	r.prune(now)
	r.samples = append(r.samples, sampleEntry{at: now, value: value})
}

func (r *reservoir) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	idx := 0
	for idx < len(r.samples) && r.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		r.samples = append(r.samples[:0], r.samples[idx:]...)
	}
}

// average returns the mean sample inside the window, or 100 when no sample
// has been taken yet.
func (r *reservoir) average(now time.Time) float64 {
	r.prune(now)
	if len(r.samples) == 0 {
		return 100.0
	}
	total := 0.0
	for _, s := range r.samples {
		total += s.value
	}
	return total / float64(len(r.samples))
}
