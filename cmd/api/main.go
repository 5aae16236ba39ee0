// Promo Bridge
//
// This is the main entry point for the promo bridge service.
// It wires up all dependencies and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/config"
	"github.com/promotarget/promo-bridge/internal/adapters/mercadopago"
	"github.com/promotarget/promo-bridge/internal/api"
	"github.com/promotarget/promo-bridge/internal/assistant"
	"github.com/promotarget/promo-bridge/internal/campaign"
	"github.com/promotarget/promo-bridge/internal/catalog"
	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/logging"
	"github.com/promotarget/promo-bridge/internal/marketplace"
	"github.com/promotarget/promo-bridge/internal/metrics"
	"github.com/promotarget/promo-bridge/internal/payment"
	"github.com/promotarget/promo-bridge/internal/promo"
	"github.com/promotarget/promo-bridge/internal/rules"
	"github.com/promotarget/promo-bridge/internal/schema"
	"github.com/promotarget/promo-bridge/internal/usage"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("promo bridge stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	warnings, err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}
	logger.Info("starting promo bridge",
		zap.String("port", cfg.Server.Port),
		zap.String("rpc_url", cfg.RPC.URL),
		zap.String("cluster", cfg.Ledger.Cluster))

	// Wire up dependencies (manual dependency injection)
	//
	// Infrastructure Layer
	m := metrics.New()
	retrier := chain.NewRetrier(chain.RetryConfig{
		MaxAttempts:       cfg.RPC.MaxRetries,
		BaseDelay:         cfg.RPC.BaseDelay,
		CapMultiplier:     cfg.RPC.CapMultiplier,
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
	}, logger, m)
	client := chain.NewClient(chain.ClientConfig{
		Endpoint:       cfg.RPC.URL,
		Commitment:     cfg.RPC.Commitment,
		RequestTimeout: cfg.RPC.RequestTimeout,
		DialTimeout:    cfg.RPC.DialTimeout,
		ConfirmTimeout: cfg.RPC.ConfirmTimeout,
	}, retrier, logger)

	schemas := schema.NewProvider(cfg.Ledger.SchemaPath, logger)
	programID, err := resolveProgramID(cfg, schemas, logger)
	if err != nil {
		return err
	}
	program := promo.NewProgram(schemas, client, programID, logger)

	products, err := catalog.LoadFromPath(cfg.Catalog.Path)
	if err != nil {
		logger.Warn("catalog unavailable, product checks are skipped", zap.String("path", cfg.Catalog.Path), zap.Error(err))
		products = catalog.Empty()
	}

	signer, err := loadSigner(cfg.Signer)
	if err != nil {
		return err
	}
	treasury, err := optionalKey("PLATFORM_TREASURY", cfg.Payment.Treasury)
	if err != nil {
		return err
	}
	recipient, err := optionalKey("PAYMENT_RECIPIENT", cfg.Payment.Recipient)
	if err != nil {
		return err
	}

	var (
		gateway  domain.FiatGateway
		verifier domain.WebhookVerifier
	)
	if cfg.Fiat.AccessToken != "" {
		adapter, err := mercadopago.NewAdapter(mercadopago.Options{
			AccessToken:     cfg.Fiat.AccessToken,
			NotificationURL: cfg.Fiat.NotificationURL,
			SuccessURL:      cfg.Fiat.SuccessURL,
			FailureURL:      cfg.Fiat.FailureURL,
			PendingURL:      cfg.Fiat.PendingURL,
			Currency:        cfg.Fiat.Currency,
		})
		if err != nil {
			return err
		}
		gateway = adapter
		if cfg.Fiat.WebhookSecret != "" {
			verifier = mercadopago.NewWebhookValidator(cfg.Fiat.WebhookSecret)
		}
	}

	// Service Layer
	used := usage.NewSet()
	engine := rules.NewEngine(program, products, used)
	campaigns := campaign.NewService(program, client, signer, campaign.Settings{
		MaxResaleBps:  uint16(cfg.Protocol.MaxResaleBps),
		ServiceFeeBps: uint16(cfg.Protocol.ServiceFeeBps),
		Treasury:      treasury,
	}, m, logger)
	payments := payment.NewService(payment.Config{
		Recipient:    recipient,
		Label:        cfg.Payment.Label,
		Message:      cfg.Payment.Message,
		Icon:         cfg.Payment.Icon,
		BaseURL:      cfg.Payment.PublicBaseURL,
		SessionTTL:   cfg.Payment.SessionTTL,
		MaxSessions:  cfg.Payment.MaxSessions,
		FiatCurrency: cfg.Fiat.Currency,
		FiatPerSOL:   cfg.Fiat.PerSOL,
	}, client, engine, program, campaigns, gateway, m, logger)
	market := marketplace.NewService(program, engine, cfg.Marketplace.MaxListings, m, logger)
	proposer := assistant.NewClient(cfg.Assistant.URL, cfg.Assistant.APIKey, cfg.Assistant.Model, cfg.Assistant.Timeout, logger)

	m.Gauge("payment_sessions_open", "Payment sessions currently held in memory.", payments.Len)
	m.Gauge("coupons_marked_used", "Coupons marked used by this process.", used.Len)

	// API Layer
	handler := api.NewHandler(api.Deps{
		Program:        program,
		Campaigns:      campaigns,
		Rules:          engine,
		Used:           used,
		Payments:       payments,
		Market:         market,
		Wallets:        client,
		Proposer:       proposer,
		Verifier:       verifier,
		AirdropAllowed: cfg.Ledger.AirdropAllowed(),
		ServiceAPIKey:  cfg.Server.ServiceAPIKey,
		Logger:         logger,
	})
	router := api.SetupRouter(handler, cfg.Server.GinMode, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go payments.Run(ctx, cfg.Payment.SweepInterval)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// resolveProgramID prefers LEDGER_PROGRAM_ID, then the address declared by
// the schema, then the deployed program.
func resolveProgramID(cfg *config.Config, schemas *schema.Provider, logger *zap.Logger) (chain.PublicKey, error) {
	if cfg.Ledger.ProgramID != "" {
		id, err := chain.ParsePublicKey(cfg.Ledger.ProgramID)
		if err != nil {
			return chain.PublicKey{}, fmt.Errorf("LEDGER_PROGRAM_ID: %w", err)
		}
		return id, nil
	}
	if s, err := schemas.Schema(); err == nil && !s.ProgramID.IsZero() {
		return s.ProgramID, nil
	}
	logger.Warn("program address not configured, using the deployed program",
		zap.Stringer("program_id", promo.DefaultProgramID))
	return promo.DefaultProgramID, nil
}

func loadSigner(cfg config.SignerConfig) (*chain.Keypair, error) {
	switch {
	case cfg.Keypair != "":
		kp, err := chain.ParseKeypair(cfg.Keypair)
		if err != nil {
			return nil, fmt.Errorf("SIGNER_KEYPAIR: %w", err)
		}
		return kp, nil
	case cfg.KeypairPath != "":
		kp, err := chain.LoadKeypairFile(cfg.KeypairPath)
		if err != nil {
			return nil, fmt.Errorf("SIGNER_KEYPAIR_PATH: %w", err)
		}
		return kp, nil
	}
	return nil, nil
}

func optionalKey(name, value string) (chain.PublicKey, error) {
	if value == "" {
		return chain.PublicKey{}, nil
	}
	pk, err := chain.ParsePublicKey(value)
	if err != nil {
		return pk, fmt.Errorf("%s: %w", name, err)
	}
	return pk, nil
}
