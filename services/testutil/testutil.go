package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestAddressPrefix marks custodial addresses created by integration tests.
const TestAddressPrefix = "itest-"

// SetupTestDB connects to TEST_DATABASE_URL, or to a DSN assembled from the
// POSTGRES_* variables.
func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := getEnv("TEST_DATABASE_URL", "")
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			getEnv("POSTGRES_USER", "custody"),
			getEnv("POSTGRES_PASSWORD", "custody"),
			getEnv("POSTGRES_HOST", "localhost"),
			getEnv("POSTGRES_PORT", "5432"),
			getEnv("POSTGRES_DB", "custody"),
			getEnv("POSTGRES_SSLMODE", "disable"),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// CleanupTestData removes rows written by integration tests and leaves
// seeded demo data alone.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		"DELETE FROM withdrawal_saga_steps WHERE saga_id IN (SELECT id FROM withdrawal_sagas WHERE target_address LIKE '" + TestAddressPrefix + "%')",
		"DELETE FROM withdrawal_sagas WHERE target_address LIKE '" + TestAddressPrefix + "%'",
		"DELETE FROM ledger_movements WHERE subject LIKE '" + TestAddressPrefix + "%'",
		"DELETE FROM custodial_addresses WHERE address LIKE '" + TestAddressPrefix + "%'",
	}
	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
