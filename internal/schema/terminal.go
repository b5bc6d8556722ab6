// Package schema defines the canonical terminal data model mirrored by the
// synchronization engine: account information, positions, pending orders,
// symbol specifications and quotes.
package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quantgate/termsync/errs"
)

// InstanceKey identifies one concrete connection carrying a copy of the same
// account's terminal stream: a region, a redundant instance number, and a host.
type InstanceKey struct {
	Region string
	Number int
	Host   string
}

// Validate ensures the instance key carries the mandatory coordinates.
func (k InstanceKey) Validate() error {
	if strings.TrimSpace(k.Region) == "" {
		return errs.New("schema/instance-key", errs.CodeInvalid, errs.WithMessage("region required"))
	}
	if k.Number < 0 {
		return errs.New("schema/instance-key", errs.CodeInvalid, errs.WithMessage("instance number must be non-negative"))
	}
	return nil
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%s:%d:%s", k.Region, k.Number, k.Host)
}

// ReplicaPrefix returns the region + instance-number prefix shared by all
// hosts serving the same replica.
func (k InstanceKey) ReplicaPrefix() string {
	return fmt.Sprintf("%s:%d", k.Region, k.Number)
}

// ParseInstanceKey parses the "region:number:host" wire form of an instance key.
func ParseInstanceKey(s string) (InstanceKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return InstanceKey{}, errs.New("schema/instance-key", errs.CodeInvalid,
			errs.WithMessage("expected region:number:host"), errs.WithDetail("value", s))
	}
	number, err := strconv.Atoi(parts[1])
	if err != nil {
		return InstanceKey{}, errs.New("schema/instance-key", errs.CodeInvalid,
			errs.WithMessage("instance number must be numeric"), errs.WithCause(err))
	}
	key := InstanceKey{Region: parts[0], Number: number, Host: parts[2]}
	if err := key.Validate(); err != nil {
		return InstanceKey{}, err
	}
	return key, nil
}

// AccountInformation is the broker-side snapshot of account balances and margin.
type AccountInformation struct {
	Platform    string  `json:"platform,omitempty"`
	Broker      string  `json:"broker,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	Server      string  `json:"server,omitempty"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"freeMargin"`
	MarginLevel float64 `json:"marginLevel,omitempty"`
	Credit      float64 `json:"credit,omitempty"`
	Leverage    int     `json:"leverage,omitempty"`
	MarginMode  string  `json:"marginMode,omitempty"`
	Name        string  `json:"name,omitempty"`
	Login       int64   `json:"login,omitempty"`
}

// PositionType identifies the direction of an open position.
type PositionType string

const (
	// PositionTypeBuy marks a long position.
	PositionTypeBuy PositionType = "POSITION_TYPE_BUY"
	// PositionTypeSell marks a short position.
	PositionTypeSell PositionType = "POSITION_TYPE_SELL"
)

// Position is an open trade tracked by the terminal.
//
// UnrealizedProfit and RealizedProfit are derived once from the raw Profit on
// first sight and thereafter maintained exclusively by price-driven
// recomputation; Profit always equals the rounded sum of the two.
type Position struct {
	ID                          string       `json:"id"`
	Symbol                      string       `json:"symbol"`
	Type                        PositionType `json:"type"`
	Magic                       int64        `json:"magic,omitempty"`
	Time                        time.Time    `json:"time"`
	UpdateTime                  time.Time    `json:"updateTime,omitempty"`
	OpenPrice                   float64      `json:"openPrice"`
	CurrentPrice                float64      `json:"currentPrice,omitempty"`
	CurrentTickValue            float64      `json:"currentTickValue,omitempty"`
	Volume                      float64      `json:"volume"`
	Swap                        float64      `json:"swap,omitempty"`
	Commission                  float64      `json:"commission,omitempty"`
	Profit                      float64      `json:"profit,omitempty"`
	RealizedProfit              *float64     `json:"realizedProfit,omitempty"`
	UnrealizedProfit            *float64     `json:"unrealizedProfit,omitempty"`
	StopLoss                    float64      `json:"stopLoss,omitempty"`
	TakeProfit                  float64      `json:"takeProfit,omitempty"`
	Comment                     string       `json:"comment,omitempty"`
	ClientID                    string       `json:"clientId,omitempty"`
	AccountCurrencyExchangeRate float64      `json:"accountCurrencyExchangeRate,omitempty"`
	UpdateSequenceNumber        int64        `json:"updateSequenceNumber,omitempty"`
}

// OrderType identifies the pending order trigger semantics.
type OrderType string

const (
	// OrderTypeBuyLimit marks a buy limit order.
	OrderTypeBuyLimit OrderType = "ORDER_TYPE_BUY_LIMIT"
	// OrderTypeSellLimit marks a sell limit order.
	OrderTypeSellLimit OrderType = "ORDER_TYPE_SELL_LIMIT"
	// OrderTypeBuyStop marks a buy stop order.
	OrderTypeBuyStop OrderType = "ORDER_TYPE_BUY_STOP"
	// OrderTypeSellStop marks a sell stop order.
	OrderTypeSellStop OrderType = "ORDER_TYPE_SELL_STOP"
)

// IsBuy reports whether the order buys the base instrument.
func (t OrderType) IsBuy() bool {
	return strings.HasPrefix(string(t), "ORDER_TYPE_BUY")
}

// Order is a pending (resting) order tracked by the terminal.
type Order struct {
	ID                          string    `json:"id"`
	Symbol                      string    `json:"symbol"`
	Type                        OrderType `json:"type"`
	State                       string    `json:"state,omitempty"`
	Magic                       int64     `json:"magic,omitempty"`
	Time                        time.Time `json:"time"`
	OpenPrice                   float64   `json:"openPrice,omitempty"`
	CurrentPrice                float64   `json:"currentPrice,omitempty"`
	CurrentTickValue            float64   `json:"currentTickValue,omitempty"`
	Volume                      float64   `json:"volume"`
	CurrentVolume               float64   `json:"currentVolume,omitempty"`
	StopLoss                    float64   `json:"stopLoss,omitempty"`
	TakeProfit                  float64   `json:"takeProfit,omitempty"`
	Comment                     string    `json:"comment,omitempty"`
	ClientID                    string    `json:"clientId,omitempty"`
	PositionID                  string    `json:"positionId,omitempty"`
	AccountCurrencyExchangeRate float64   `json:"accountCurrencyExchangeRate,omitempty"`
	UpdateSequenceNumber        int64     `json:"updateSequenceNumber,omitempty"`
}

// SessionRange is one trading-session interval expressed in broker time of day.
type SessionRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SymbolSpecification interprets price deltas into profit for one symbol and
// carries the quote-session calendar used by health monitoring. Weekday keys
// are the English lowercase day names.
type SymbolSpecification struct {
	Symbol        string                    `json:"symbol"`
	Description   string                    `json:"description,omitempty"`
	TickSize      float64                   `json:"tickSize"`
	TickValue     float64                   `json:"tickValue,omitempty"`
	Digits        int                       `json:"digits"`
	ContractSize  float64                   `json:"contractSize,omitempty"`
	BaseCurrency  string                    `json:"baseCurrency,omitempty"`
	QuoteCurrency string                    `json:"quoteCurrency,omitempty"`
	MinVolume     float64                   `json:"minVolume,omitempty"`
	MaxVolume     float64                   `json:"maxVolume,omitempty"`
	VolumeStep    float64                   `json:"volumeStep,omitempty"`
	QuoteSessions map[string][]SessionRange `json:"quoteSessions,omitempty"`
}

// SymbolPrice is one quote for a symbol; the sole source for last-quote time.
type SymbolPrice struct {
	Symbol                      string    `json:"symbol"`
	Time                        time.Time `json:"time"`
	BrokerTime                  time.Time `json:"brokerTime,omitempty"`
	Bid                         float64   `json:"bid"`
	Ask                         float64   `json:"ask"`
	ProfitTickValue             float64   `json:"profitTickValue,omitempty"`
	LossTickValue               float64   `json:"lossTickValue,omitempty"`
	AccountCurrencyExchangeRate float64   `json:"accountCurrencyExchangeRate,omitempty"`
}

// MarginSnapshot carries the optional server-computed margin figures attached
// to a price batch.
type MarginSnapshot struct {
	Equity      *float64
	Margin      *float64
	FreeMargin  *float64
	MarginLevel *float64
}
