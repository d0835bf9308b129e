package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/privileged-access/internal/access"
	"github.com/p-blackswan/privileged-access/internal/approval"
	"github.com/p-blackswan/privileged-access/internal/audit"
	"github.com/p-blackswan/privileged-access/internal/config"
	"github.com/p-blackswan/privileged-access/internal/directory"
	"github.com/p-blackswan/privileged-access/internal/drift"
	"github.com/p-blackswan/privileged-access/internal/enforcement"
	"github.com/p-blackswan/privileged-access/internal/expiry"
	"github.com/p-blackswan/privileged-access/internal/health"
	"github.com/p-blackswan/privileged-access/internal/metrics"
	"github.com/p-blackswan/privileged-access/internal/mgmt"
	"github.com/p-blackswan/privileged-access/internal/notify"
	"github.com/p-blackswan/privileged-access/internal/policy"
	"github.com/p-blackswan/privileged-access/internal/revocation"
	"github.com/p-blackswan/privileged-access/internal/store"
	"github.com/p-blackswan/privileged-access/pkg/tokenstore"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("directory_backend", cfg.DirectoryBackend).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting privileged access orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()

	// Grant store and audit export
	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open grant store")
	}
	defer st.Close()

	if cfg.AuditExportPath != "" {
		exporter, err := audit.Open(cfg.AuditExportPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open audit export")
		}
		defer exporter.Close()
		st.SetAuditSink(exporter)
	}

	// Policy catalog
	catalog := policy.DefaultCatalog()
	if cfg.PolicyFile != "" {
		catalog, err = policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.PolicyFile).Msg("failed to load policy")
		}
	}
	pol, err := policy.New(catalog, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid policy catalog")
	}

	// WaitGroup for background loops
	var wg sync.WaitGroup

	// Directory backend
	tokens := tokenstore.NewMemoryStore()
	var backend directory.Directory
	switch cfg.DirectoryBackend {
	case config.BackendKubernetes:
		backend, err = directory.NewKubernetes(directory.KubernetesConfig{KubeconfigPath: cfg.Kubeconfig}, logger)
	case config.BackendGitHub:
		backend, err = directory.NewGitHub(directory.GitHubConfig{
			AppID:          cfg.GitHubAppID,
			InstallationID: cfg.GitHubInstallationID,
			PrivateKeyPath: cfg.GitHubPrivateKeyPath,
			Org:            cfg.GitHubOrg,
			BaseURL:        cfg.GitHubBaseURL,
		}, tokens, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweepTokens(ctx, tokens, logger)
		}()
	default:
		logger.Warn().Msg("using in-memory directory, memberships are not persisted")
		backend = directory.NewMemory()
	}
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.DirectoryBackend).Msg("failed to init directory backend")
	}
	dir := directory.NewInstrumented(backend, cfg.DirectoryBackend, cfg.DirectoryCallTimeout, m, logger)

	// Notifications: log always, Slack when configured, never blocking callers
	notifiers := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.SlackEnabled() {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannel, logger))
		logger.Info().Str("channel", cfg.SlackChannel).Msg("Slack alerts enabled")
	} else {
		logger.Info().Msg("Slack not configured, alerts go to the log only")
	}
	notifier := notify.NewAsync(notify.NewMultiNotifier(notifiers...), cfg.NotifyBuffer, m, logger)
	defer notifier.Close()

	// Services
	enfCfg := enforcement.DefaultConfig()
	enfCfg.PollInterval = cfg.EnforcementPollInterval
	enfCfg.StaleAfter = cfg.EnforcementStaleAfter
	worker := enforcement.NewWorker(st, dir, notifier, m, enfCfg, logger)

	revoker := revocation.New(st, dir, notifier, m, logger)
	engine := approval.NewEngine(st, pol, worker, m, logger)
	worker.SetAutoApprover(engine)
	svc := access.NewService(st, pol, engine, revoker, notifier, m, logger)

	expCfg := expiry.DefaultConfig()
	expCfg.Interval = cfg.ExpiryInterval
	expCfg.WarningWindow = cfg.ExpiryWarningWindow
	expirer := expiry.NewReconciler(st, revoker, notifier, m, expCfg, logger)

	driftRC := drift.NewReconciler(st, dir, pol, worker, notifier, m, cfg.DriftInterval, logger)

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("store", health.PingCheck(st))
	if roles := pol.Roles(); len(roles) > 0 {
		checker.Register("directory", health.DirectoryCheck(dir, roles[0].Name))
	}

	// Background loops
	for name, run := range map[string]func(context.Context){
		"enforcement": worker.Run,
		"expiry":      expirer.Run,
		"drift":       driftRC.Run,
	} {
		wg.Add(1)
		go func(name string, run func(context.Context)) {
			defer wg.Done()
			logger.Debug().Str("loop", name).Msg("starting loop")
			run(ctx)
		}(name, run)
	}

	// --- Management API ---
	apiKeys, err := cfg.ParseAPIKeys()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid MGMT_API_KEYS")
	}
	keys := make(map[string]mgmt.Credential, len(apiKeys))
	for _, k := range apiKeys {
		keys[k.Key] = mgmt.Credential{Role: mgmt.Role(k.Role), Principal: k.Principal}
	}
	if cfg.MgmtAuthMode == "api-key" && len(keys) == 0 {
		logger.Warn().Msg("MGMT_API_KEYS is empty, every API call will be rejected")
	}

	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode: cfg.MgmtAuthMode,
			Keys: keys,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		CORSOrigins:  cfg.CORSOrigins(),
		ReadTimeout:  cfg.MgmtReadTimeout,
		WriteTimeout: cfg.MgmtWriteTimeout,
		PolicyFile:   cfg.PolicyFile,
	}, mgmt.Deps{
		Access:  svc,
		Drift:   driftRC,
		Policy:  pol,
		Checker: checker,
		Metrics: m,
	}, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- mgmtServer.Start()
	}()

	// Wait for shutdown signal
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("management API server error")
	}

	// Cancel context to signal all goroutines
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := mgmtServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	// Wait for in-flight work to complete
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all loops stopped")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("privileged access orchestrator stopped")
}

// sweepTokens drops expired GitHub installation tokens from the cache.
func sweepTokens(ctx context.Context, tokens *tokenstore.MemoryStore, logger zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := tokens.Cleanup(ctx); err != nil {
				logger.Warn().Err(err).Msg("token cache cleanup failed")
			} else if n > 0 {
				logger.Debug().Int("removed", n).Msg("expired tokens removed")
			}
		}
	}
}
