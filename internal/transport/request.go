package transport

import (
	"context"
	"time"

	"github.com/quantgate/termsync/internal/state"
)

// SynchronizeRequest asks the remote terminal to begin a state transfer for
// one instance. The since-cursors and section hashes let the server skip
// history and sections the local mirror already holds.
type SynchronizeRequest struct {
	AccountID      string
	Region         string
	InstanceNumber int
	Host           string

	// SyncID identifies this synchronization attempt. Responses carrying a
	// different id belong to a superseded attempt and are discarded.
	SyncID string

	// StartingDealTime and StartingHistoryOrderTime bound the history
	// sections to records at or after the given instants.
	StartingDealTime         time.Time
	StartingHistoryOrderTime time.Time

	// Hashes supplies the current section hashes. It is invoked at send
	// time, after any pending state mutations have settled.
	Hashes func() (state.HashSnapshot, error)
}

// Requester sends control requests upstream to the remote terminal.
type Requester interface {
	Synchronize(ctx context.Context, req SynchronizeRequest) error
	// ConfirmSynchronized performs a round-trip for the given synchronization
	// attempt, proving the session is still live after local state reports
	// synchronized.
	ConfirmSynchronized(ctx context.Context, accountID, syncID string) error
	SubscribeToMarketData(ctx context.Context, accountID, symbol string, instanceNumber int) error
	UnsubscribeFromMarketData(ctx context.Context, accountID, symbol string, instanceNumber int) error
}
