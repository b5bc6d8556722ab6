package transport

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/quantgate/termsync/internal/schema"
)

type countingListener struct {
	NoopListener
	connected atomic.Int64
	prices    atomic.Int64
}

func (c *countingListener) OnConnected(schema.InstanceKey) error {
	c.connected.Add(1)
	return nil
}

func (c *countingListener) OnSymbolPricesUpdated(schema.InstanceKey, []*schema.SymbolPrice, schema.MarginSnapshot) error {
	c.prices.Add(1)
	return nil
}

type failingListener struct {
	NoopListener
	err error
}

func (f *failingListener) OnConnected(schema.InstanceKey) error { return f.err }

type panickingListener struct {
	NoopListener
}

func (panickingListener) OnConnected(schema.InstanceKey) error { panic("listener bug") }

func testKey() schema.InstanceKey {
	return schema.InstanceKey{Region: "new-york", Number: 1, Host: "host-a"}
}

func TestHubFansOutToAllListeners(t *testing.T) {
	hub := NewHub(4)
	first := &countingListener{}
	second := &countingListener{}
	hub.Add("first", first)
	hub.Add("second", second)

	if err := hub.OnConnected(testKey()); err != nil {
		t.Fatalf("OnConnected() error = %v", err)
	}
	if err := hub.OnSymbolPricesUpdated(testKey(), nil, schema.MarginSnapshot{}); err != nil {
		t.Fatalf("OnSymbolPricesUpdated() error = %v", err)
	}

	for _, l := range []*countingListener{first, second} {
		if l.connected.Load() != 1 || l.prices.Load() != 1 {
			t.Fatalf("listener saw connected=%d prices=%d, want 1/1", l.connected.Load(), l.prices.Load())
		}
	}
}

func TestHubAddReplacesByID(t *testing.T) {
	hub := NewHub(2)
	stale := &countingListener{}
	fresh := &countingListener{}
	hub.Add("state", stale)
	hub.Add("state", fresh)

	if err := hub.OnConnected(testKey()); err != nil {
		t.Fatalf("OnConnected() error = %v", err)
	}
	if stale.connected.Load() != 0 {
		t.Fatal("replaced listener must not receive events")
	}
	if fresh.connected.Load() != 1 {
		t.Fatal("replacement listener missed the event")
	}
}

func TestHubRemove(t *testing.T) {
	hub := NewHub(2)
	listener := &countingListener{}
	hub.Add("state", listener)
	hub.Remove("state")

	if err := hub.OnConnected(testKey()); err != nil {
		t.Fatalf("OnConnected() error = %v", err)
	}
	if listener.connected.Load() != 0 {
		t.Fatal("removed listener still received events")
	}
}

func TestHubIsolatesFailuresAndPanics(t *testing.T) {
	hub := NewHub(4)
	healthy := &countingListener{}
	hub.Add("healthy", healthy)
	hub.Add("failing", &failingListener{err: errors.New("store rejected event")})
	hub.Add("panicking", panickingListener{})

	err := hub.OnConnected(testKey())
	if err == nil {
		t.Fatal("expected aggregated error from failing listeners")
	}
	if !strings.Contains(err.Error(), "store rejected event") {
		t.Fatalf("aggregated error missing listener failure: %v", err)
	}
	if !strings.Contains(err.Error(), "panic") {
		t.Fatalf("aggregated error missing panic report: %v", err)
	}
	if healthy.connected.Load() != 1 {
		t.Fatal("healthy listener starved by a failing sibling")
	}
}
