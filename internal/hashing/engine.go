// Package hashing computes stable content fingerprints of terminal
// collections for incremental synchronization negotiation. The fingerprint is
// a change-detection device, not a security boundary: what matters is that
// canonicalization (sorting, numeric formatting, field exclusion) is applied
// identically on both sides of the wire.
package hashing

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantgate/termsync/config"
	"github.com/quantgate/termsync/internal/schema"
)

const canonicalScale = 8

// Engine fingerprints terminal collections according to one account family's
// hashing behaviour. Field-exclusion lists and the integer allow-list are
// injected configuration, never hardcoded.
type Engine struct {
	integerIDs    bool
	integerFields map[string]struct{}
	ignored       config.IgnoredFieldsConfig
}

// NewEngine constructs an engine from the account family's hashing configuration.
func NewEngine(cfg config.HashFamilyConfig) *Engine {
	e := new(Engine)
	e.integerIDs = cfg.IntegerIDs
	e.integerFields = make(map[string]struct{}, len(cfg.IntegerFields))
	for _, field := range cfg.IntegerFields {
		e.integerFields[field] = struct{}{}
	}
	e.ignored = cfg.IgnoredFields
	return e
}

// SpecificationsHash fingerprints the specification map. Empty input yields
// ok=false so callers can report "no hash yet" to the remote peer.
func (e *Engine) SpecificationsHash(specs map[string]*schema.SymbolSpecification) (string, bool, error) {
	if len(specs) == 0 {
		return "", false, nil
	}
	symbols := make([]string, 0, len(specs))
	for symbol := range specs {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	items := make([]map[string]any, 0, len(specs))
	for _, symbol := range symbols {
		item, err := e.canonicalItem(specs[symbol], e.ignored.Specification)
		if err != nil {
			return "", false, err
		}
		items = append(items, item)
	}
	digest, err := digestItems(items)
	return digest, err == nil, err
}

// PositionsHash fingerprints the position map.
func (e *Engine) PositionsHash(positions map[string]*schema.Position) (string, bool, error) {
	ids := make([]string, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	e.sortIDs(ids)

	items := make([]map[string]any, 0, len(positions))
	for _, id := range ids {
		item, err := e.canonicalItem(positions[id], e.ignored.Position)
		if err != nil {
			return "", false, err
		}
		items = append(items, item)
	}
	digest, err := digestItems(items)
	return digest, err == nil, err
}

// OrdersHash fingerprints the pending order map.
func (e *Engine) OrdersHash(orders map[string]*schema.Order) (string, bool, error) {
	ids := make([]string, 0, len(orders))
	for id := range orders {
		ids = append(ids, id)
	}
	e.sortIDs(ids)

	items := make([]map[string]any, 0, len(orders))
	for _, id := range ids {
		item, err := e.canonicalItem(orders[id], e.ignored.Order)
		if err != nil {
			return "", false, err
		}
		items = append(items, item)
	}
	digest, err := digestItems(items)
	return digest, err == nil, err
}

// sortIDs orders ids numerically ascending for integer-id account families
// and lexicographically otherwise. Non-numeric ids under integer sorting keep
// a lexicographic order among themselves after the numeric block.
func (e *Engine) sortIDs(ids []string) {
	if !e.integerIDs {
		sort.Strings(ids)
		return
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.ParseInt(ids[i], 10, 64)
		b, errB := strconv.ParseInt(ids[j], 10, 64)
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}

// canonicalItem converts an item to its canonical map form: ignored fields
// stripped, numbers outside the integer allow-list rendered in the fixed
// 8-decimal string form.
func (e *Engine) canonicalItem(item any, ignoredFields []string) (map[string]any, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal hash item: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic map[string]any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode hash item: %w", err)
	}
	for _, field := range ignoredFields {
		delete(generic, field)
	}
	canonical, err := e.canonicalValue(generic, "")
	if err != nil {
		return nil, err
	}
	out, ok := canonical.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("hash item did not canonicalize to an object")
	}
	return out, nil
}

func (e *Engine) canonicalValue(value any, field string) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, nested := range v {
			canonical, err := e.canonicalValue(nested, key)
			if err != nil {
				return nil, err
			}
			out[key] = canonical
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, nested := range v {
			canonical, err := e.canonicalValue(nested, field)
			if err != nil {
				return nil, err
			}
			out[i] = canonical
		}
		return out, nil
	case json.Number:
		if _, keep := e.integerFields[field]; keep {
			return v, nil
		}
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return nil, fmt.Errorf("canonicalize field %q: %w", field, err)
		}
		return d.StringFixed(canonicalScale), nil
	default:
		return v, nil
	}
}

// digestItems serializes the canonical items with stable key ordering and
// returns the hex MD5 digest.
func digestItems(items []map[string]any) (string, error) {
	// encoding/json-compatible marshalling sorts object keys, which supplies
	// the stable key ordering the fingerprint contract requires.
	payload, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal hash payload: %w", err)
	}
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:]), nil
}
