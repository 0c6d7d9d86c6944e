package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CEX_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("CEX_JWT_SECRET", "secret")
	t.Setenv("GAS_RESERVE_ADDRESSES", "TReserveA, TReserveB")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.ServiceName != "withdrawal" {
		t.Fatalf("expected service name withdrawal, got %q", cfg.App.ServiceName)
	}
	if cfg.Chain.FeeLimit != 30_000_000 {
		t.Fatalf("expected default fee limit, got %d", cfg.Chain.FeeLimit)
	}
	if cfg.Gas.MinReserve.String() != "30" || cfg.Gas.TopUpAmount.String() != "35" {
		t.Fatalf("unexpected gas defaults %s/%s", cfg.Gas.MinReserve, cfg.Gas.TopUpAmount)
	}
	if len(cfg.Gas.ReserveAddresses) != 2 || cfg.Gas.ReserveAddresses[1] != "TReserveB" {
		t.Fatalf("unexpected reserves %v", cfg.Gas.ReserveAddresses)
	}
	if cfg.Saga.StepAttempts != 5 || !cfg.Saga.SelectionMinBalance.IsZero() {
		t.Fatalf("unexpected saga defaults %+v", cfg.Saga)
	}
	if cfg.Sweeper.StaleAfter != 15*time.Minute {
		t.Fatalf("unexpected stale-after %s", cfg.Sweeper.StaleAfter)
	}
	if cfg.Kafka.Enabled() {
		t.Fatalf("expected kafka disabled without brokers")
	}
	if cfg.Kafka.Topics.Requested != "withdrawals.requested" {
		t.Fatalf("unexpected requested topic %q", cfg.Kafka.Topics.Requested)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CEX_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SELECTION_MIN_BALANCE", "0.5")
	t.Setenv("CHAIN_RATE_LIMIT", "12.5")
	t.Setenv("POSTGRES_HOST", "db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Kafka.Enabled() || len(cfg.Kafka.Brokers) != 2 {
		t.Fatalf("expected two brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Saga.SelectionMinBalance.String() != "0.5" {
		t.Fatalf("unexpected dust floor %s", cfg.Saga.SelectionMinBalance)
	}
	if cfg.Rate.ChainPerSecond != 12.5 {
		t.Fatalf("unexpected chain rate %v", cfg.Rate.ChainPerSecond)
	}
	if !strings.Contains(cfg.DB.DSN(), "@db:5432/") {
		t.Fatalf("unexpected dsn %s", cfg.DB.DSN())
	}
}

func TestLoadRejectsBadAmounts(t *testing.T) {
	setRequired(t)
	t.Setenv("GAS_TOPUP_AMOUNT", "1.0000001")
	if _, err := Load(); err == nil {
		t.Fatalf("expected precision error")
	}
}

func TestValidate(t *testing.T) {
	setRequired(t)
	t.Setenv("CEX_JWT_SECRET", "")
	t.Setenv("GAS_RESERVE_ADDRESSES", "")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"jwt secret", "gas reserve"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}
