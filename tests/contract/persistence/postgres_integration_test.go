package persistence_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quantgate/termsync/internal/infra/persistence/migrations"
	pgstore "github.com/quantgate/termsync/internal/infra/persistence/postgres"
	"github.com/quantgate/termsync/internal/schema"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "termsync"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/termsync?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, migrationsDir()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func migrationsDir() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return filepath.Join("db", "migrations")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
	return filepath.Join(root, "db", "migrations")
}

func requireSetup(t *testing.T) {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}
}

func sampleDeals(base time.Time) []*schema.Deal {
	return []*schema.Deal{
		{
			ID:        "100",
			Type:      "DEAL_TYPE_BUY",
			EntryType: schema.DealEntryIn,
			Symbol:    "EURUSD",
			Time:      base,
			Volume:    0.1,
			Price:     1.1001,
			Profit:    0,
		},
		{
			ID:         "101",
			Type:       "DEAL_TYPE_SELL",
			EntryType:  schema.DealEntryOut,
			Symbol:     "EURUSD",
			Time:       base.Add(time.Minute),
			Volume:     0.1,
			Price:      1.1050,
			Profit:     4.9,
			PositionID: "pos-1",
			OrderID:    "500",
		},
	}
}

func sampleOrders(base time.Time) []*schema.HistoryOrder {
	return []*schema.HistoryOrder{
		{
			ID:        "500",
			Type:      schema.OrderTypeBuyLimit,
			State:     "ORDER_STATE_FILLED",
			Symbol:    "EURUSD",
			Time:      base.Add(-time.Minute),
			DoneTime:  base,
			OpenPrice: 1.1,
			Volume:    0.1,
		},
	}
}

func TestHistoryStoreFlushAndLoadRoundTrip(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewHistoryStore(testPool)
	accountID := "contract-roundtrip"
	base := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	deals := sampleDeals(base)
	orders := sampleOrders(base)
	if err := store.Flush(ctx, accountID, deals, orders); err != nil {
		t.Fatalf("flush: %v", err)
	}

	gotDeals, gotOrders, err := store.Load(ctx, accountID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(gotDeals) != 2 || len(gotOrders) != 1 {
		t.Fatalf("expected 2 deals and 1 order, got %d and %d", len(gotDeals), len(gotOrders))
	}
	if gotDeals[0].ID != "100" || gotDeals[1].ID != "101" {
		t.Fatalf("deals out of order: %s, %s", gotDeals[0].ID, gotDeals[1].ID)
	}
	if !gotDeals[1].Time.Equal(base.Add(time.Minute)) {
		t.Fatalf("deal time mismatch: %v", gotDeals[1].Time)
	}
	if gotDeals[1].PositionID != "pos-1" || gotDeals[1].OrderID != "500" {
		t.Fatalf("deal linkage lost: %+v", gotDeals[1])
	}
	if gotOrders[0].State != "ORDER_STATE_FILLED" {
		t.Fatalf("order state lost: %+v", gotOrders[0])
	}
}

func TestHistoryStoreFlushIsIdempotent(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewHistoryStore(testPool)
	accountID := "contract-idempotent"
	base := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	deals := sampleDeals(base)
	orders := sampleOrders(base)
	for i := 0; i < 3; i++ {
		if err := store.Flush(ctx, accountID, deals, orders); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}

	gotDeals, gotOrders, err := store.Load(ctx, accountID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(gotDeals) != 2 || len(gotOrders) != 1 {
		t.Fatalf("replayed flush duplicated records: %d deals, %d orders", len(gotDeals), len(gotOrders))
	}
}

func TestHistoryStoreUpsertRefreshesPayload(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewHistoryStore(testPool)
	accountID := "contract-upsert"
	base := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	deals := sampleDeals(base)
	if err := store.Flush(ctx, accountID, deals, nil); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deals[1].Comment = "amended"
	if err := store.Flush(ctx, accountID, deals, nil); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	gotDeals, _, err := store.Load(ctx, accountID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(gotDeals) != 2 {
		t.Fatalf("expected 2 deals, got %d", len(gotDeals))
	}
	if gotDeals[1].Comment != "amended" {
		t.Fatalf("payload not refreshed: %+v", gotDeals[1])
	}
}

func TestHistoryStoreClearIsScopedToAccount(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewHistoryStore(testPool)
	base := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	if err := store.Flush(ctx, "contract-clear-a", sampleDeals(base), sampleOrders(base)); err != nil {
		t.Fatalf("flush a: %v", err)
	}
	if err := store.Flush(ctx, "contract-clear-b", sampleDeals(base), sampleOrders(base)); err != nil {
		t.Fatalf("flush b: %v", err)
	}

	if err := store.Clear(ctx, "contract-clear-a"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	deals, orders, err := store.Load(ctx, "contract-clear-a")
	if err != nil {
		t.Fatalf("load cleared: %v", err)
	}
	if len(deals) != 0 || len(orders) != 0 {
		t.Fatalf("clear left records behind: %d deals, %d orders", len(deals), len(orders))
	}

	deals, orders, err = store.Load(ctx, "contract-clear-b")
	if err != nil {
		t.Fatalf("load untouched: %v", err)
	}
	if len(deals) != 2 || len(orders) != 1 {
		t.Fatalf("clear leaked across accounts: %d deals, %d orders", len(deals), len(orders))
	}
}
