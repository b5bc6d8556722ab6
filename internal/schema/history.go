package schema

import (
	"time"
)

// DealEntryType discriminates deals sharing a timestamp and id.
type DealEntryType string

const (
	// DealEntryIn marks a market-entry deal.
	DealEntryIn DealEntryType = "DEAL_ENTRY_IN"
	// DealEntryOut marks a market-exit deal.
	DealEntryOut DealEntryType = "DEAL_ENTRY_OUT"
	// DealEntryInOut marks a reversal deal.
	DealEntryInOut DealEntryType = "DEAL_ENTRY_INOUT"
)

// Deal is one immutable historical trade record.
type Deal struct {
	ID         string        `json:"id"`
	Type       string        `json:"type,omitempty"`
	EntryType  DealEntryType `json:"entryType,omitempty"`
	Symbol     string        `json:"symbol,omitempty"`
	Magic      int64         `json:"magic,omitempty"`
	Time       time.Time     `json:"time"`
	Volume     float64       `json:"volume,omitempty"`
	Price      float64       `json:"price,omitempty"`
	Commission float64       `json:"commission,omitempty"`
	Swap       float64       `json:"swap,omitempty"`
	Profit     float64       `json:"profit,omitempty"`
	PositionID string        `json:"positionId,omitempty"`
	OrderID    string        `json:"orderId,omitempty"`
	Comment    string        `json:"comment,omitempty"`
	Platform   string        `json:"platform,omitempty"`
}

// HistoryOrder is one immutable completed-order record.
type HistoryOrder struct {
	ID            string    `json:"id"`
	Type          OrderType `json:"type,omitempty"`
	State         string    `json:"state,omitempty"`
	Symbol        string    `json:"symbol,omitempty"`
	Magic         int64     `json:"magic,omitempty"`
	Time          time.Time `json:"time"`
	DoneTime      time.Time `json:"doneTime,omitempty"`
	OpenPrice     float64   `json:"openPrice,omitempty"`
	Volume        float64   `json:"volume,omitempty"`
	CurrentVolume float64   `json:"currentVolume,omitempty"`
	PositionID    string    `json:"positionId,omitempty"`
	Comment       string    `json:"comment,omitempty"`
	Platform      string    `json:"platform,omitempty"`
}

// DealKey is the composite deduplication key for deals.
type DealKey struct {
	Time  int64
	ID    string
	Entry DealEntryType
}

// Key returns the deal's composite deduplication key. Deals lacking the
// primary time field key at epoch so they sort to the front.
func (d Deal) Key() DealKey {
	var ts int64
	if !d.Time.IsZero() {
		ts = d.Time.UnixMilli()
	}
	return DealKey{Time: ts, ID: d.ID, Entry: d.EntryType}
}

// HistoryOrderKey is the composite deduplication key for history orders.
type HistoryOrderKey struct {
	DoneTime int64
	ID       string
	Type     OrderType
	State    string
}

// Key returns the order's composite deduplication key. Orders lacking a done
// time key at epoch so they sort to the front.
func (o HistoryOrder) Key() HistoryOrderKey {
	var ts int64
	if !o.DoneTime.IsZero() {
		ts = o.DoneTime.UnixMilli()
	}
	return HistoryOrderKey{DoneTime: ts, ID: o.ID, Type: o.Type, State: o.State}
}
