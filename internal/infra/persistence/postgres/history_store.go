// Package postgres persists account history snapshots in PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantgate/termsync/internal/history"
	"github.com/quantgate/termsync/internal/schema"
)

// HistoryStore implements history.Storage on a pgx connection pool. Records
// are append-only upserts keyed by their composite deduplication key, so a
// flush replaying already-stored records is harmless.
type HistoryStore struct {
	pool *pgxpool.Pool
}

var _ history.Storage = (*HistoryStore)(nil)

// NewHistoryStore constructs a HistoryStore backed by the provided pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

const (
	dealUpsertSQL = `
INSERT INTO deals (
    account_id,
    deal_id,
    entry_type,
    deal_time,
    symbol,
    payload,
    created_at
)
VALUES (
    @account_id,
    @deal_id,
    @entry_type,
    @deal_time,
    @symbol,
    @payload::jsonb,
    NOW()
)
ON CONFLICT (account_id, deal_id, entry_type, deal_time) DO UPDATE SET
    symbol = EXCLUDED.symbol,
    payload = EXCLUDED.payload;
`

	historyOrderUpsertSQL = `
INSERT INTO history_orders (
    account_id,
    order_id,
    order_type,
    order_state,
    done_time,
    symbol,
    payload,
    created_at
)
VALUES (
    @account_id,
    @order_id,
    @order_type,
    @order_state,
    @done_time,
    @symbol,
    @payload::jsonb,
    NOW()
)
ON CONFLICT (account_id, order_id, order_type, order_state, done_time) DO UPDATE SET
    symbol = EXCLUDED.symbol,
    payload = EXCLUDED.payload;
`

	dealSelectSQL = `
SELECT payload
FROM deals
WHERE account_id = @account_id
ORDER BY deal_time ASC, deal_id ASC;
`

	historyOrderSelectSQL = `
SELECT payload
FROM history_orders
WHERE account_id = @account_id
ORDER BY done_time ASC, order_id ASC;
`

	dealDeleteSQL         = `DELETE FROM deals WHERE account_id = @account_id;`
	historyOrderDeleteSQL = `DELETE FROM history_orders WHERE account_id = @account_id;`
)

// Load returns the stored snapshot for the account in time order.
func (s *HistoryStore) Load(ctx context.Context, accountID string) ([]*schema.Deal, []*schema.HistoryOrder, error) {
	deals, err := loadPayloads[schema.Deal](ctx, s.pool, dealSelectSQL, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("history store: load deals: %w", err)
	}
	orders, err := loadPayloads[schema.HistoryOrder](ctx, s.pool, historyOrderSelectSQL, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("history store: load orders: %w", err)
	}
	return deals, orders, nil
}

func loadPayloads[T any](ctx context.Context, pool *pgxpool.Pool, query, accountID string) ([]*T, error) {
	rows, err := pool.Query(ctx, query, pgx.NamedArgs{"account_id": accountID})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		record := new(T)
		if err := json.Unmarshal(payload, record); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Flush upserts the snapshot inside one transaction.
func (s *HistoryStore) Flush(ctx context.Context, accountID string, deals []*schema.Deal, orders []*schema.HistoryOrder) error {
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite

	tx, err := s.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("history store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, deal := range deals {
		payload, err := json.Marshal(deal)
		if err != nil {
			return fmt.Errorf("history store: encode deal %s: %w", deal.ID, err)
		}
		args := pgx.NamedArgs{
			"account_id": accountID,
			"deal_id":    deal.ID,
			"entry_type": string(deal.EntryType),
			"deal_time":  deal.Time.UTC(),
			"symbol":     deal.Symbol,
			"payload":    string(payload),
		}
		if _, err := tx.Exec(ctx, dealUpsertSQL, args); err != nil {
			return fmt.Errorf("history store: upsert deal %s: %w", deal.ID, err)
		}
	}

	for _, order := range orders {
		payload, err := json.Marshal(order)
		if err != nil {
			return fmt.Errorf("history store: encode order %s: %w", order.ID, err)
		}
		args := pgx.NamedArgs{
			"account_id":  accountID,
			"order_id":    order.ID,
			"order_type":  string(order.Type),
			"order_state": order.State,
			"done_time":   order.DoneTime.UTC(),
			"symbol":      order.Symbol,
			"payload":     string(payload),
		}
		if _, err := tx.Exec(ctx, historyOrderUpsertSQL, args); err != nil {
			return fmt.Errorf("history store: upsert order %s: %w", order.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history store: commit: %w", err)
	}
	return nil
}

// Clear removes every stored record for the account.
func (s *HistoryStore) Clear(ctx context.Context, accountID string) error {
	args := pgx.NamedArgs{"account_id": accountID}
	if _, err := s.pool.Exec(ctx, dealDeleteSQL, args); err != nil {
		return fmt.Errorf("history store: clear deals: %w", err)
	}
	if _, err := s.pool.Exec(ctx, historyOrderDeleteSQL, args); err != nil {
		return fmt.Errorf("history store: clear orders: %w", err)
	}
	return nil
}
