// Package ws streams terminal events over a websocket session and dispatches
// decoded packets into a transport.Listener.
package ws

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/quantgate/termsync/internal/schema"
	"github.com/quantgate/termsync/internal/transport"
)

// packet is the wire envelope for every inbound message. Only the fields
// relevant to the packet type are populated.
type packet struct {
	Type          string `json:"type"`
	AccountID     string `json:"accountId"`
	Region        string `json:"region"`
	InstanceIndex int    `json:"instanceIndex"`
	Host          string `json:"host"`

	SynchronizationID string `json:"synchronizationId,omitempty"`
	Connected         *bool  `json:"connected,omitempty"`

	SpecificationsUpdated *bool `json:"specificationsUpdated,omitempty"`
	PositionsUpdated      *bool `json:"positionsUpdated,omitempty"`
	OrdersUpdated         *bool `json:"ordersUpdated,omitempty"`

	AccountInformation *schema.AccountInformation `json:"accountInformation,omitempty"`

	Positions          []*schema.Position `json:"positions,omitempty"`
	UpdatedPositions   []*schema.Position `json:"updatedPositions,omitempty"`
	RemovedPositionIDs []string           `json:"removedPositionIds,omitempty"`

	Orders            []*schema.Order `json:"orders,omitempty"`
	UpdatedOrders     []*schema.Order `json:"updatedOrders,omitempty"`
	CompletedOrderIDs []string        `json:"completedOrderIds,omitempty"`

	Specifications []*schema.SymbolSpecification `json:"specifications,omitempty"`
	RemovedSymbols []string                      `json:"removedSymbols,omitempty"`

	Prices      []*schema.SymbolPrice `json:"prices,omitempty"`
	Equity      *float64              `json:"equity,omitempty"`
	Margin      *float64              `json:"margin,omitempty"`
	FreeMargin  *float64              `json:"freeMargin,omitempty"`
	MarginLevel *float64              `json:"marginLevel,omitempty"`

	HistoryOrders []*schema.HistoryOrder `json:"historyOrders,omitempty"`
	Deals         []*schema.Deal         `json:"deals,omitempty"`
}

func (p *packet) instanceKey() schema.InstanceKey {
	return schema.InstanceKey{Region: p.Region, Number: p.InstanceIndex, Host: p.Host}
}

func boolValue(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

// dispatch decodes one wire frame and routes it to the listener. Unknown
// packet types are skipped so protocol additions never break older clients.
func dispatch(data []byte, listener transport.Listener) error {
	var p packet
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode packet: %w", err)
	}
	key := p.instanceKey()
	switch p.Type {
	case "authenticated":
		return listener.OnConnected(key)
	case "disconnected":
		return listener.OnDisconnected(key)
	case "status":
		return listener.OnBrokerConnectionStatusChanged(key, boolValue(p.Connected, false))
	case "synchronizationStarted":
		return listener.OnSynchronizationStarted(key,
			boolValue(p.SpecificationsUpdated, true),
			boolValue(p.PositionsUpdated, true),
			boolValue(p.OrdersUpdated, true),
			p.SynchronizationID)
	case "accountInformation":
		return listener.OnAccountInformationUpdated(key, p.AccountInformation)
	case "positions":
		return listener.OnPositionsReplaced(key, p.Positions)
	case "positionsSynchronized":
		return listener.OnPositionsSynchronized(key, p.SynchronizationID)
	case "orders":
		return listener.OnPendingOrdersReplaced(key, p.Orders)
	case "ordersSynchronized":
		return listener.OnPendingOrdersSynchronized(key, p.SynchronizationID)
	case "specifications":
		return listener.OnSymbolSpecificationsUpdated(key, p.Specifications, p.RemovedSymbols)
	case "prices":
		margin := schema.MarginSnapshot{
			Equity:      p.Equity,
			Margin:      p.Margin,
			FreeMargin:  p.FreeMargin,
			MarginLevel: p.MarginLevel,
		}
		return listener.OnSymbolPricesUpdated(key, p.Prices, margin)
	case "update":
		return dispatchUpdate(&p, key, listener)
	case "dealSynchronizationFinished":
		return listener.OnDealsSynchronized(key, p.SynchronizationID)
	case "orderSynchronizationFinished":
		return listener.OnHistoryOrdersSynchronized(key, p.SynchronizationID)
	case "streamClosed":
		return listener.OnStreamClosed(key)
	case "keepalive":
		return nil
	default:
		return nil
	}
}

// dispatchUpdate unpacks a combined steady-state delta into individual
// listener calls, in a fixed order so dependent records land before their
// dependents.
func dispatchUpdate(p *packet, key schema.InstanceKey, listener transport.Listener) error {
	if p.AccountInformation != nil {
		if err := listener.OnAccountInformationUpdated(key, p.AccountInformation); err != nil {
			return err
		}
	}
	if len(p.Specifications) > 0 || len(p.RemovedSymbols) > 0 {
		if err := listener.OnSymbolSpecificationsUpdated(key, p.Specifications, p.RemovedSymbols); err != nil {
			return err
		}
	}
	for _, position := range p.UpdatedPositions {
		if err := listener.OnPositionUpdated(key, position); err != nil {
			return err
		}
	}
	for _, id := range p.RemovedPositionIDs {
		if err := listener.OnPositionRemoved(key, id); err != nil {
			return err
		}
	}
	for _, order := range p.UpdatedOrders {
		if err := listener.OnPendingOrderUpdated(key, order); err != nil {
			return err
		}
	}
	for _, id := range p.CompletedOrderIDs {
		if err := listener.OnPendingOrderCompleted(key, id); err != nil {
			return err
		}
	}
	for _, order := range p.HistoryOrders {
		if err := listener.OnHistoryOrderAdded(key, order); err != nil {
			return err
		}
	}
	for _, deal := range p.Deals {
		if err := listener.OnDealAdded(key, deal); err != nil {
			return err
		}
	}
	return nil
}

// synchronizeFrame is the outbound synchronize request payload.
type synchronizeFrame struct {
	Type                     string  `json:"type"`
	AccountID                string  `json:"accountId"`
	Region                   string  `json:"region"`
	InstanceIndex            int     `json:"instanceIndex"`
	Host                     string  `json:"host"`
	RequestID                string  `json:"requestId"`
	StartingDealTime         string  `json:"startingDealTime,omitempty"`
	StartingHistoryOrderTime string  `json:"startingHistoryOrderTime,omitempty"`
	SpecificationsHash       *string `json:"specificationsHash,omitempty"`
	PositionsHash            *string `json:"positionsHash,omitempty"`
	OrdersHash               *string `json:"ordersHash,omitempty"`
	Application              string  `json:"application,omitempty"`
}

// marketDataFrame is the outbound market data subscription payload.
type marketDataFrame struct {
	Type          string `json:"type"`
	AccountID     string `json:"accountId"`
	InstanceIndex int    `json:"instanceIndex"`
	Symbol        string `json:"symbol"`
}

func encodeSynchronize(req transport.SynchronizeRequest, application string) ([]byte, error) {
	frame := synchronizeFrame{
		Type:          "synchronize",
		AccountID:     req.AccountID,
		Region:        req.Region,
		InstanceIndex: req.InstanceNumber,
		Host:          req.Host,
		RequestID:     req.SyncID,
		Application:   application,
	}
	if !req.StartingDealTime.IsZero() {
		frame.StartingDealTime = req.StartingDealTime.UTC().Format(time.RFC3339Nano)
	}
	if !req.StartingHistoryOrderTime.IsZero() {
		frame.StartingHistoryOrderTime = req.StartingHistoryOrderTime.UTC().Format(time.RFC3339Nano)
	}
	if req.Hashes != nil {
		hashes, err := req.Hashes()
		if err != nil {
			return nil, fmt.Errorf("compute section hashes: %w", err)
		}
		frame.SpecificationsHash = hashes.Specifications
		frame.PositionsHash = hashes.Positions
		frame.OrdersHash = hashes.Orders
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal synchronize request: %w", err)
	}
	return payload, nil
}
