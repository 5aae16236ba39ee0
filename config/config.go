// Package config handles loading and managing application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the application.
type Config struct {
	// Server configuration
	Server ServerConfig

	// Program schema and cluster
	Ledger LedgerConfig

	// Ledger RPC endpoint and retry policy
	RPC RPCConfig

	// Server signing key for merchant-authority operations
	Signer SignerConfig

	// Payment sessions
	Payment PaymentConfig

	// Protocol defaults used when the server bootstraps the global config
	Protocol ProtocolConfig

	Marketplace MarketplaceConfig

	Catalog CatalogConfig

	// Mercado Pago checkout
	Fiat FiatConfig

	// Text-completion collaborator
	Assistant AssistantConfig

	Log LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string
	GinMode         string // "debug", "release", or "test"
	ShutdownTimeout time.Duration
	// ServiceAPIKey is the Bearer token required on server-signed endpoints.
	ServiceAPIKey string
}

// LedgerConfig locates the program.
type LedgerConfig struct {
	SchemaPath string
	// ProgramID overrides the address declared by the schema.
	ProgramID string
	// Cluster is devnet, testnet, localnet or mainnet-beta; airdrops are
	// refused on mainnet-beta.
	Cluster string
}

// RPCConfig holds the ledger endpoint and its retry policy.
type RPCConfig struct {
	URL               string
	Commitment        string
	MaxRetries        int
	BaseDelay         time.Duration
	CapMultiplier     int
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	DialTimeout       time.Duration
	ConfirmTimeout    time.Duration
}

// SignerConfig holds the server keypair, inline or as a file path.
type SignerConfig struct {
	Keypair     string
	KeypairPath string
}

// PaymentConfig holds the checkout settings.
type PaymentConfig struct {
	Recipient     string
	Treasury      string
	Label         string
	Message       string
	Icon          string
	PublicBaseURL string
	SessionTTL    time.Duration
	SweepInterval time.Duration
	MaxSessions   int
}

// ProtocolConfig holds initialize_config arguments.
type ProtocolConfig struct {
	MaxResaleBps  int
	ServiceFeeBps int
}

// MarketplaceConfig bounds the order book.
type MarketplaceConfig struct {
	MaxListings int
}

// CatalogConfig locates the product catalog.
type CatalogConfig struct {
	Path string
}

// FiatConfig holds Mercado Pago settings.
type FiatConfig struct {
	AccessToken     string
	WebhookSecret   string
	NotificationURL string
	SuccessURL      string
	FailureURL      string
	PendingURL      string
	Currency        string
	PerSOL          decimal.Decimal
}

// AssistantConfig holds the OpenAI-compatible endpoint settings.
type AssistantConfig struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// LogConfig holds zap settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables, after loading a
// .env file when one exists. The path of that file can be set with
// DOTENV_PATH.
func Load() *Config {
	_ = godotenv.Load(getEnv("DOTENV_PATH", ".env"))

	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			GinMode:         getEnv("GIN_MODE", "debug"),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
			ServiceAPIKey:   getEnv("SERVICE_API_KEY", ""),
		},
		Ledger: LedgerConfig{
			SchemaPath: getEnv("LEDGER_SCHEMA_PATH", "idl/promo_targeting.json"),
			ProgramID:  getEnv("LEDGER_PROGRAM_ID", ""),
			Cluster:    getEnv("LEDGER_CLUSTER", "devnet"),
		},
		RPC: RPCConfig{
			URL:               getEnv("RPC_URL", "https://api.devnet.solana.com"),
			Commitment:        getEnv("RPC_COMMITMENT", "confirmed"),
			MaxRetries:        getEnvInt("RPC_MAX_RETRIES", 5),
			BaseDelay:         getEnvDuration("RPC_BASE_DELAY", 500*time.Millisecond),
			CapMultiplier:     getEnvInt("RPC_CAP_MULTIPLIER", 4),
			RequestsPerSecond: getEnvFloat("RPC_REQUESTS_PER_SECOND", 0),
			RequestTimeout:    getEnvDuration("RPC_TIMEOUT", 30*time.Second),
			DialTimeout:       getEnvDuration("RPC_DIAL_TIMEOUT", 10*time.Second),
			ConfirmTimeout:    getEnvDuration("RPC_CONFIRM_TIMEOUT", 60*time.Second),
		},
		Signer: SignerConfig{
			Keypair:     getEnv("SIGNER_KEYPAIR", ""),
			KeypairPath: getEnv("SIGNER_KEYPAIR_PATH", ""),
		},
		Payment: PaymentConfig{
			Recipient:     getEnv("PAYMENT_RECIPIENT", ""),
			Treasury:      getEnv("PLATFORM_TREASURY", ""),
			Label:         getEnv("PAYMENT_LABEL", "Promo Store"),
			Message:       getEnv("PAYMENT_MESSAGE", ""),
			Icon:          getEnv("PAYMENT_ICON", ""),
			PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
			SessionTTL:    getEnvDuration("PAYMENT_SESSION_TTL", 24*time.Hour),
			SweepInterval: getEnvDuration("PAYMENT_SWEEP_INTERVAL", 5*time.Minute),
			MaxSessions:   getEnvInt("PAYMENT_MAX_SESSIONS", 10_000),
		},
		Protocol: ProtocolConfig{
			MaxResaleBps:  getEnvInt("PROTOCOL_MAX_RESALE_BPS", 5000),
			ServiceFeeBps: getEnvInt("PROTOCOL_SERVICE_FEE_BPS", 500),
		},
		Marketplace: MarketplaceConfig{
			MaxListings: getEnvInt("MARKETPLACE_MAX_LISTINGS", 10_000),
		},
		Catalog: CatalogConfig{
			Path: getEnv("CATALOG_PATH", "config/catalog.yaml"),
		},
		Fiat: FiatConfig{
			AccessToken:     getEnv("MP_ACCESS_TOKEN", ""),
			WebhookSecret:   getEnv("MP_WEBHOOK_SECRET", ""),
			NotificationURL: getEnv("MP_NOTIFICATION_URL", ""),
			SuccessURL:      getEnv("MP_SUCCESS_URL", ""),
			FailureURL:      getEnv("MP_FAILURE_URL", ""),
			PendingURL:      getEnv("MP_PENDING_URL", ""),
			Currency:        getEnv("FIAT_CURRENCY", "ARS"),
			PerSOL:          getEnvDecimal("FIAT_PER_SOL", decimal.Zero),
		},
		Assistant: AssistantConfig{
			URL:     getEnv("ASSISTANT_URL", ""),
			APIKey:  getEnv("ASSISTANT_API_KEY", ""),
			Model:   getEnv("ASSISTANT_MODEL", "gpt-4o-mini"),
			Timeout: getEnvDuration("ASSISTANT_TIMEOUT", 20*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// Validate checks that required configuration values are set. Fatal
// problems come back as the error; missing optional settings that disable
// a feature come back as warnings.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.RPC.URL == "" {
		errs = append(errs, errors.New("RPC_URL is required"))
	}
	if c.RPC.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("RPC_MAX_RETRIES must be at least 1, got %d", c.RPC.MaxRetries))
	}
	if !validBps(c.Protocol.MaxResaleBps) {
		errs = append(errs, fmt.Errorf("PROTOCOL_MAX_RESALE_BPS must be within 0..10000, got %d", c.Protocol.MaxResaleBps))
	}
	if !validBps(c.Protocol.ServiceFeeBps) {
		errs = append(errs, fmt.Errorf("PROTOCOL_SERVICE_FEE_BPS must be within 0..10000, got %d", c.Protocol.ServiceFeeBps))
	}
	if c.Fiat.PerSOL.IsNegative() {
		errs = append(errs, errors.New("FIAT_PER_SOL must not be negative"))
	}

	if c.Signer.Keypair == "" && c.Signer.KeypairPath == "" {
		warnings = append(warnings, "SIGNER_KEYPAIR not set: campaign creation and minting are disabled")
	} else if c.Server.ServiceAPIKey == "" {
		warnings = append(warnings, "SERVICE_API_KEY not set: server-signed endpoints are open")
	}
	if c.Payment.Recipient == "" {
		warnings = append(warnings, "PAYMENT_RECIPIENT not set: ledger payment sessions are disabled")
	}
	if c.Payment.PublicBaseURL == "" {
		warnings = append(warnings, "PUBLIC_BASE_URL not set: transaction-request sessions are disabled")
	}
	if c.Fiat.AccessToken == "" {
		warnings = append(warnings, "MP_ACCESS_TOKEN not set: fiat checkout is disabled")
	} else if c.Fiat.WebhookSecret == "" {
		warnings = append(warnings, "MP_WEBHOOK_SECRET not set: webhook signatures are not checked")
	}
	if c.Assistant.URL == "" {
		warnings = append(warnings, "ASSISTANT_URL not set: the assistant answers with an apology")
	}
	return warnings, errors.Join(errs...)
}

// AirdropAllowed reports whether the cluster hands out test funds.
func (c LedgerConfig) AirdropAllowed() bool {
	return !strings.EqualFold(c.Cluster, "mainnet-beta") && !strings.EqualFold(c.Cluster, "mainnet")
}

func validBps(v int) bool { return v >= 0 && v <= 10_000 }

// getEnv retrieves an environment variable with a fallback default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer with a fallback.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("5m") or plain seconds ("300").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
