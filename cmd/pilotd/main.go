package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/melodydashora/vecto-pilot/config"
	"github.com/melodydashora/vecto-pilot/internal/circuitbreaker"
	"github.com/melodydashora/vecto-pilot/internal/enrich"
	"github.com/melodydashora/vecto-pilot/internal/gate"
	"github.com/melodydashora/vecto-pilot/internal/geoclient"
	"github.com/melodydashora/vecto-pilot/internal/idempotency"
	"github.com/melodydashora/vecto-pilot/internal/llmrouter"
	"github.com/melodydashora/vecto-pilot/internal/logging"
	"github.com/melodydashora/vecto-pilot/internal/metrics"
	"github.com/melodydashora/vecto-pilot/internal/pipeline"
	"github.com/melodydashora/vecto-pilot/internal/provider"
	"github.com/melodydashora/vecto-pilot/internal/server"
	"github.com/melodydashora/vecto-pilot/internal/stage"
	"github.com/melodydashora/vecto-pilot/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/pilot.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	migrateOnly := flag.Bool("migrate", false, "Run database migrations and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vecto-pilot %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Local development convenience; absence is fine.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		logging.Error("Database connection failed", zap.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	if err := store.Migrate(ctx, st.DB()); err != nil {
		logging.Error("Migrations failed", zap.Error(err))
		os.Exit(1)
	}
	if *migrateOnly {
		logging.Info("Migrations applied")
		return
	}

	providers := buildProviders(cfg)
	if len(providers) == 0 {
		logging.Error("No LLM providers configured; set at least one *_API_KEY")
		os.Exit(1)
	}
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}

	m := metrics.New()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Router.BreakerThreshold,
		ResetTimeout:     cfg.Router.BreakerReset,
	})
	router := llmrouter.New(
		providers,
		gate.New(cfg.Router.MaxConcurrentPerProvider, cfg.Router.GateQueueTimeout),
		breakers,
		buildPolicies(cfg, names),
		logger, m)
	runner := stage.NewRunner(router, m, logger)

	google := geoclient.NewGoogle(cfg.Geo.GoogleAPIKey, logger)
	var tomtom *geoclient.TomTom
	if cfg.Geo.TomTomAPIKey != "" {
		tomtom = geoclient.NewTomTom(cfg.Geo.TomTomAPIKey, logger)
	}

	orch := pipeline.New(st, runner, enrich.New(google, st, logger, m), tomtom, pipeline.Config{
		TotalBudget:     cfg.Router.TotalBudget,
		PlannerDeadline: cfg.Router.PlannerDeadline,
		BriefingTimeout: cfg.Router.BriefingTimeout,
		TriadTimeout:    cfg.Router.TriadTimeout,
		Value: pipeline.ValueConfig{
			BaseRatePerMin:      cfg.Value.BaseRatePerMin,
			DefaultTripMin:      cfg.Value.DefaultTripMin,
			DefaultWaitMin:      cfg.Value.DefaultWaitMin,
			MinAcceptablePerMin: cfg.Value.MinAcceptablePerMin,
		},
		Models: pipeline.Models{
			Strategist:   roleModel(cfg.Roles.Strategist),
			Briefer:      roleModel(cfg.Roles.Briefer),
			Consolidator: roleModel(cfg.Roles.Consolidator),
			VenuePlanner: roleModel(cfg.Roles.VenuePlanner),
		},
	}, m, logger)

	guard := idempotency.New(buildIdemStore(cfg), 0)
	defer guard.Close()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(orch, st, guard, breakers, m, logger),
	}

	logging.Info("Starting vecto-pilot",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.Strings("providers", names),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	case <-ctx.Done():
	}

	logging.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Shutdown incomplete", zap.Error(err))
	}
}

func buildProviders(cfg *config.Config) map[string]provider.Provider {
	out := make(map[string]provider.Provider)
	for _, name := range provider.Names() {
		pc, ok := cfg.Providers[name]
		if !ok || pc.APIKey == "" {
			continue
		}
		p, err := provider.New(name, pc)
		if err != nil {
			logging.Warn("Provider disabled", zap.String("provider", name), zap.Error(err))
			continue
		}
		out[name] = p
	}
	return out
}

// buildPolicies derives the role table, applies the configured
// role-to-model mapping, and honors a global single-mode override.
func buildPolicies(cfg *config.Config, names []string) map[llmrouter.Role]llmrouter.Policy {
	policies := llmrouter.DefaultPolicies(cfg.Router.HedgedTimeout, cfg.Router.PlannerDeadline, names)

	assign := func(role llmrouter.Role, spec string) {
		pol := policies[role]
		if prov := roleProvider(spec); prov != "" {
			pol.Providers = frontload(pol.Providers, prov)
		}
		pol.Model = roleModel(spec)
		policies[role] = pol
	}
	assign(llmrouter.RoleStrategyCore, cfg.Roles.Strategist)
	assign(llmrouter.RoleBriefingEvents, cfg.Roles.Briefer)
	assign(llmrouter.RoleBriefingTraffic, cfg.Roles.Briefer)
	assign(llmrouter.RoleStrategyTactical, cfg.Roles.Consolidator)
	assign(llmrouter.RoleVenueScorer, cfg.Roles.VenuePlanner)

	if cfg.Router.Mode == "single" {
		for role, pol := range policies {
			pol.Mode = llmrouter.ModeSingle
			policies[role] = pol
		}
	}
	return policies
}

// Role specs look like "anthropic/claude-sonnet-4-5" or a bare model name.
func roleProvider(spec string) string {
	if i := strings.Index(spec, "/"); i > 0 {
		return spec[:i]
	}
	return ""
}

func roleModel(spec string) string {
	if i := strings.Index(spec, "/"); i >= 0 {
		return spec[i+1:]
	}
	return spec
}

// frontload moves first to the head of names so it becomes the
// role's primary candidate. Unknown providers are left out.
func frontload(names []string, first string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == first {
			out = append([]string{first}, out...)
		} else {
			out = append(out, n)
		}
	}
	return out
}

func buildIdemStore(cfg *config.Config) idempotency.Store {
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		return idempotency.NewRedisStore(client, "pilot:idem:")
	}
	return idempotency.NewMemoryStore(time.Minute)
}
