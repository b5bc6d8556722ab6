package hashing

import (
	"testing"
	"time"

	"github.com/quantgate/termsync/config"
	"github.com/quantgate/termsync/internal/schema"
)

func cloudEngine() *Engine {
	return NewEngine(config.DefaultSync().Hashing.Family("cloud"))
}

func floatPtr(v float64) *float64 { return &v }

func samplePosition(id string) *schema.Position {
	return &schema.Position{
		ID:        id,
		Symbol:    "EURUSD",
		Type:      schema.PositionTypeBuy,
		Magic:     1000,
		Time:      time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
		OpenPrice: 1.08551,
		Volume:    0.1,
	}
}

func TestPositionsHashStableUnderExcludedFieldChanges(t *testing.T) {
	engine := cloudEngine()

	base := map[string]*schema.Position{"1": samplePosition("1")}
	first, ok, err := engine.PositionsHash(base)
	if err != nil || !ok {
		t.Fatalf("PositionsHash() = %v, ok=%v", err, ok)
	}

	mutated := samplePosition("1")
	mutated.Profit = 55.5
	mutated.UnrealizedProfit = floatPtr(40)
	mutated.RealizedProfit = floatPtr(15.5)
	mutated.CurrentPrice = 1.09
	mutated.Comment = "volatile"
	second, ok, err := engine.PositionsHash(map[string]*schema.Position{"1": mutated})
	if err != nil || !ok {
		t.Fatalf("PositionsHash() = %v, ok=%v", err, ok)
	}

	if first != second {
		t.Fatalf("hash must ignore excluded volatile fields: %s != %s", first, second)
	}
}

func TestPositionsHashChangesUnderIncludedFieldChange(t *testing.T) {
	engine := cloudEngine()

	first, _, err := engine.PositionsHash(map[string]*schema.Position{"1": samplePosition("1")})
	if err != nil {
		t.Fatalf("PositionsHash() error = %v", err)
	}

	mutated := samplePosition("1")
	mutated.OpenPrice = 1.09
	second, _, err := engine.PositionsHash(map[string]*schema.Position{"1": mutated})
	if err != nil {
		t.Fatalf("PositionsHash() error = %v", err)
	}
	if first == second {
		t.Fatal("hash must change when an included field changes")
	}
}

func TestPositionsHashNumericIDOrdering(t *testing.T) {
	engine := cloudEngine()

	// Lexicographically "10" < "9"; numerically 9 < 10. The cloud family
	// must sort numerically, so both insert orders fingerprint identically
	// and differently from the lexicographic family.
	set := map[string]*schema.Position{
		"10": samplePosition("10"),
		"9":  samplePosition("9"),
	}
	cloudHash, _, err := engine.PositionsHash(set)
	if err != nil {
		t.Fatalf("PositionsHash() error = %v", err)
	}

	lexEngine := NewEngine(config.HashFamilyConfig{
		IntegerIDs:    false,
		IntegerFields: []string{"magic", "digits"},
		IgnoredFields: config.DefaultSync().Hashing.Family("cloud").IgnoredFields,
	})
	lexHash, _, err := lexEngine.PositionsHash(set)
	if err != nil {
		t.Fatalf("PositionsHash() error = %v", err)
	}
	if cloudHash == lexHash {
		t.Fatal("numeric and lexicographic orderings must fingerprint differently")
	}
}

func TestSpecificationsHashEmptyIsNull(t *testing.T) {
	engine := cloudEngine()
	_, ok, err := engine.SpecificationsHash(nil)
	if err != nil {
		t.Fatalf("SpecificationsHash() error = %v", err)
	}
	if ok {
		t.Fatal("empty specification set must not produce a hash")
	}
}

func TestIntegerAllowListPreservedAsRawNumbers(t *testing.T) {
	engine := cloudEngine()

	spec := &schema.SymbolSpecification{Symbol: "EURUSD", TickSize: 0.00001, Digits: 5}
	withDigits, _, err := engine.SpecificationsHash(map[string]*schema.SymbolSpecification{"EURUSD": spec})
	if err != nil {
		t.Fatalf("SpecificationsHash() error = %v", err)
	}

	mutated := *spec
	mutated.Digits = 3
	withOtherDigits, _, err := engine.SpecificationsHash(map[string]*schema.SymbolSpecification{"EURUSD": &mutated})
	if err != nil {
		t.Fatalf("SpecificationsHash() error = %v", err)
	}
	if withDigits == withOtherDigits {
		t.Fatal("digits participates in the fingerprint")
	}
}

func TestOrdersHashDeterministicAcrossCalls(t *testing.T) {
	engine := cloudEngine()
	orders := map[string]*schema.Order{
		"7": {ID: "7", Symbol: "GBPUSD", Type: schema.OrderTypeBuyLimit, Volume: 0.2, OpenPrice: 1.25},
		"3": {ID: "3", Symbol: "EURUSD", Type: schema.OrderTypeSellStop, Volume: 0.1, OpenPrice: 1.07},
	}
	first, _, err := engine.OrdersHash(orders)
	if err != nil {
		t.Fatalf("OrdersHash() error = %v", err)
	}
	second, _, err := engine.OrdersHash(orders)
	if err != nil {
		t.Fatalf("OrdersHash() error = %v", err)
	}
	if first != second {
		t.Fatal("fingerprint must be stable across invocations")
	}
}
