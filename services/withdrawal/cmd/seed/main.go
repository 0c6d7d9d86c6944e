package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AfshinJalili/custody/libs/apikey"
	"github.com/AfshinJalili/custody/libs/auth"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/chain"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	demoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	secondUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func main() {
	env := getEnv("CEX_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: CEX_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "custody"),
		getEnv("POSTGRES_PASSWORD", "custody"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "custody"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := storage.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	fmt.Println("✓ Schema ready")

	store := storage.New(pool, nil, nil, 5*time.Second)

	if err := seedWallets(ctx, store); err != nil {
		log.Fatalf("seed wallets: %v", err)
	}
	fmt.Println("✓ Wallets seeded")

	addresses, err := seedAddresses(ctx, store)
	if err != nil {
		log.Fatalf("seed custodial addresses: %v", err)
	}
	fmt.Println("✓ Custodial addresses seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, store); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nCustodial addresses:")
	for _, a := range addresses {
		fmt.Printf("  %s  %s USDT\n", a.Address, a.Balance)
	}

	if env != "dev" {
		return
	}
	key, _, hash, err := apikey.Generate(env)
	if err != nil {
		log.Fatalf("generate operator key: %v", err)
	}
	fmt.Println("\nOperator API key (DEV ONLY):")
	fmt.Printf("  key:  %s\n", key)
	fmt.Printf("  CEX_ADMIN_API_KEY_HASH=%s\n", hash)

	if secret := os.Getenv("CEX_JWT_SECRET"); secret != "" {
		token, err := demoToken(demoUserID, []byte(secret))
		if err != nil {
			log.Fatalf("sign demo token: %v", err)
		}
		fmt.Println("\nDemo user bearer token (DEV ONLY, 24h):")
		fmt.Printf("  %s\n", token)
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func seedWallets(ctx context.Context, store *storage.Store) error {
	wallets := map[uuid.UUID]string{
		demoUserID:   "1000",
		secondUserID: "250.5",
	}
	for user, balance := range wallets {
		if err := store.UpsertWallet(ctx, user, money.MustParse(balance)); err != nil {
			return fmt.Errorf("wallet %s: %w", user, err)
		}
	}
	return nil
}

func seedAddresses(ctx context.Context, store *storage.Store) ([]storage.CustodialAddress, error) {
	balances := []string{"400", "300", "150", "75.25", "20"}
	out := make([]storage.CustodialAddress, 0, len(balances))
	for i, balance := range balances {
		addr := storage.CustodialAddress{
			Address:       demoAddress(fmt.Sprintf("custodial-%d", i)),
			Balance:       money.MustParse(balance),
			NativeBalance: money.MustParse("40"),
		}
		if err := store.UpsertAddress(ctx, addr); err != nil {
			return nil, fmt.Errorf("address %s: %w", addr.Address, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// demoAddress derives a well-formed Tron address from a label so reseeding
// produces the same rows.
func demoAddress(label string) string {
	digest := crypto.Keccak256([]byte("custody-seed:" + label))
	return chain.AddressFromEVM(common.BytesToAddress(digest[12:]))
}

func demoToken(user uuid.UUID, secret []byte) (string, error) {
	now := time.Now()
	claims := auth.Claims{
		Scopes: []string{"withdraw"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "custody-seed",
			Subject:   user.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
