package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	base "github.com/AfshinJalili/custody/libs/config"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/shopspring/decimal"
)

const serviceName = "withdrawal"

type DBConfig struct {
	Host        string
	Port        int
	Name        string
	User        string
	Password    string
	SSLMode     string
	LockTimeout time.Duration
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type GRPCConfig struct {
	Host string
	Port int
}

type ChainConfig struct {
	BaseURL      string
	APIKey       string
	USDTContract string
	FeeLimit     int64
	Timeout      time.Duration
	SignerKeys   []string
}

type GasConfig struct {
	ReserveAddresses []string
	MinReserve       money.Money
	TopUpAmount      money.Money
}

type RateConfig struct {
	ChainPerSecond float64
	ChainBurst     int
	DBPerSecond    float64
	DBBurst        int
	RedisAddr      string
	RedisPrefix    string
}

type SagaConfig struct {
	Workers              int
	StepAttempts         int
	RetryInitial         time.Duration
	RetryMax             time.Duration
	StepTimeout          time.Duration
	CompensationAttempts int
	CompensationTimeout  time.Duration
	ConfirmInterval      time.Duration
	LeaseTTL             time.Duration
	ResumeInterval       time.Duration
	SelectionMinBalance  money.Money
	NotifyTimeout        time.Duration
}

type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

type KafkaTopics struct {
	Requested  string
	Completed  string
	Failed     string
	DeadLetter string
}

// KafkaConfig is optional. With no brokers the service takes requests over
// HTTP only and logs outcomes instead of publishing them.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type AuthConfig struct {
	JWTSecret        string
	AdminKeyHash     string
	AdminIPWhitelist []string
}

type Config struct {
	App     base.AppConfig
	DB      DBConfig
	GRPC    GRPCConfig
	Chain   ChainConfig
	Gas     GasConfig
	Rate    RateConfig
	Saga    SagaConfig
	Sweeper SweeperConfig
	Kafka   KafkaConfig
	Auth    AuthConfig

	TraceSampleRatio float64
}

func Load() (*Config, error) {
	path := os.Getenv("CEX_CONFIG")
	appCfg, err := base.Load(path, serviceName)
	if err != nil {
		return nil, err
	}
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.consumer_group", "withdrawal-service")
	v.SetDefault("kafka.topics.requested", "withdrawals.requested")
	v.SetDefault("kafka.topics.completed", "withdrawals.completed")
	v.SetDefault("kafka.topics.failed", "withdrawals.failed")
	v.SetDefault("kafka.topics.dead_letter", "withdrawals.dead_letter")
	v.SetDefault("tron.api_url", "https://api.trongrid.io")
	v.SetDefault("tron.usdt_contract", "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t")
	v.SetDefault("jwt_secret", "")

	var errs []error
	amount := func(key, def string) money.Money {
		d, err := base.EnvDecimal(key, decimal.RequireFromString(def))
		if err != nil {
			errs = append(errs, err)
			return money.Zero
		}
		m, err := money.FromDecimal(d)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return m
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:        base.EnvString("DB_HOST", base.EnvString("POSTGRES_HOST", "localhost")),
			Port:        base.EnvInt("DB_PORT", base.EnvInt("POSTGRES_PORT", 5432)),
			Name:        base.EnvString("DB_NAME", base.EnvString("POSTGRES_DB", "custody")),
			User:        base.EnvString("DB_USER", base.EnvString("POSTGRES_USER", "custody")),
			Password:    base.EnvString("DB_PASSWORD", base.EnvString("POSTGRES_PASSWORD", "custody")),
			SSLMode:     base.EnvString("DB_SSLMODE", base.EnvString("POSTGRES_SSLMODE", "disable")),
			LockTimeout: base.EnvDuration("DB_LOCK_TIMEOUT", 5*time.Second),
		},
		GRPC: GRPCConfig{
			Host: base.EnvString("GRPC_HOST", "0.0.0.0"),
			Port: base.EnvInt("GRPC_PORT", 9096),
		},
		Chain: ChainConfig{
			BaseURL:      base.EnvString("TRON_API_URL", v.GetString("tron.api_url")),
			APIKey:       base.EnvString("TRON_API_KEY", ""),
			USDTContract: base.EnvString("USDT_CONTRACT_ADDRESS", v.GetString("tron.usdt_contract")),
			FeeLimit:     int64(base.EnvInt("TRON_FEE_LIMIT", 30_000_000)),
			Timeout:      base.EnvDuration("TRON_HTTP_TIMEOUT", 15*time.Second),
			SignerKeys:   base.EnvCSV("TRON_SIGNER_KEYS", nil),
		},
		Gas: GasConfig{
			ReserveAddresses: base.EnvCSV("GAS_RESERVE_ADDRESSES", nil),
			MinReserve:       amount("MIN_TRX_FOR_FEES", "30"),
			TopUpAmount:      amount("GAS_TOPUP_AMOUNT", "35"),
		},
		Rate: RateConfig{
			ChainPerSecond: base.EnvFloat("CHAIN_RATE_LIMIT", 100),
			ChainBurst:     base.EnvInt("CHAIN_RATE_BURST", 100),
			DBPerSecond:    base.EnvFloat("DB_RATE_LIMIT", 1000),
			DBBurst:        base.EnvInt("DB_RATE_BURST", 1000),
			RedisAddr:      base.EnvString("RATE_LIMIT_REDIS_ADDR", ""),
			RedisPrefix:    base.EnvString("RATE_LIMIT_REDIS_PREFIX", "custody:rate:"),
		},
		Saga: SagaConfig{
			Workers:              base.EnvInt("SAGA_WORKERS", 8),
			StepAttempts:         base.EnvInt("SAGA_STEP_ATTEMPTS", 5),
			RetryInitial:         base.EnvDuration("SAGA_RETRY_INITIAL", 200*time.Millisecond),
			RetryMax:             base.EnvDuration("SAGA_RETRY_MAX", 5*time.Second),
			StepTimeout:          base.EnvDuration("SAGA_STEP_TIMEOUT", 30*time.Second),
			CompensationAttempts: base.EnvInt("SAGA_COMPENSATION_ATTEMPTS", 10),
			CompensationTimeout:  base.EnvDuration("SAGA_COMPENSATION_TIMEOUT", 2*time.Minute),
			ConfirmInterval:      base.EnvDuration("SAGA_CONFIRM_INTERVAL", 3*time.Second),
			LeaseTTL:             base.EnvDuration("SAGA_LEASE_TTL", 5*time.Minute),
			ResumeInterval:       base.EnvDuration("SAGA_RESUME_INTERVAL", time.Minute),
			SelectionMinBalance:  amount("SELECTION_MIN_BALANCE", "0"),
			NotifyTimeout:        base.EnvDuration("NOTIFY_TIMEOUT", 5*time.Second),
		},
		Sweeper: SweeperConfig{
			Interval:   base.EnvDuration("SWEEP_INTERVAL", time.Minute),
			StaleAfter: base.EnvDuration("SWEEP_STALE_AFTER", 15*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:       base.EnvCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: base.EnvString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				Requested:  base.EnvString("KAFKA_WITHDRAWALS_REQUESTED_TOPIC", v.GetString("kafka.topics.requested")),
				Completed:  base.EnvString("KAFKA_WITHDRAWALS_COMPLETED_TOPIC", v.GetString("kafka.topics.completed")),
				Failed:     base.EnvString("KAFKA_WITHDRAWALS_FAILED_TOPIC", v.GetString("kafka.topics.failed")),
				DeadLetter: base.EnvString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Auth: AuthConfig{
			JWTSecret:        base.EnvString("JWT_SECRET", v.GetString("jwt_secret")),
			AdminKeyHash:     base.EnvString("ADMIN_API_KEY_HASH", ""),
			AdminIPWhitelist: base.EnvCSV("ADMIN_IP_WHITELIST", nil),
		},
		TraceSampleRatio: base.EnvFloat("TRACE_SAMPLE_RATIO", 1),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.GRPC.Port <= 0 {
		errs = append(errs, errors.New("CEX_GRPC_PORT must be positive"))
	}
	if c.Chain.BaseURL == "" {
		errs = append(errs, errors.New("tron api url required"))
	}
	if c.Chain.USDTContract == "" {
		errs = append(errs, errors.New("usdt contract address required"))
	}
	if c.Chain.FeeLimit <= 0 {
		errs = append(errs, errors.New("tron fee limit must be positive"))
	}
	if len(c.Gas.ReserveAddresses) == 0 {
		errs = append(errs, errors.New("at least one gas reserve address required"))
	}
	if !c.Gas.TopUpAmount.IsPositive() {
		errs = append(errs, errors.New("gas top-up amount must be positive"))
	}
	if c.Gas.TopUpAmount.LessThan(c.Gas.MinReserve) {
		errs = append(errs, errors.New("gas top-up amount must cover the minimum fee reserve"))
	}
	if c.Saga.SelectionMinBalance.IsNegative() {
		errs = append(errs, errors.New("selection min balance must be non-negative"))
	}
	if c.Rate.ChainPerSecond <= 0 || c.Rate.DBPerSecond <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.Sweeper.StaleAfter <= c.Saga.LeaseTTL {
		errs = append(errs, errors.New("sweep stale-after must exceed the saga lease ttl"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, errors.New("trace sample ratio must be within [0, 1]"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret required"))
	}
	if c.Kafka.Enabled() {
		if c.Kafka.ConsumerGroup == "" {
			errs = append(errs, errors.New("kafka consumer group required"))
		}
		if c.Kafka.Topics.Requested == "" || c.Kafka.Topics.Completed == "" || c.Kafka.Topics.Failed == "" {
			errs = append(errs, errors.New("kafka topics required"))
		}
	}
	return errors.Join(errs...)
}
