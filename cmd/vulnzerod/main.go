package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	wfsqlite "github.com/cschleiden/go-workflows/backend/sqlite"
	"github.com/cschleiden/go-workflows/client"
	"github.com/cschleiden/go-workflows/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/oness24/vulnzero-engine-sub002/internal/application"
	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
	"github.com/oness24/vulnzero-engine-sub002/internal/health"
	"github.com/oness24/vulnzero-engine-sub002/internal/infrastructure/execgateway"
	"github.com/oness24/vulnzero-engine-sub002/internal/infrastructure/goworkflows"
	"github.com/oness24/vulnzero-engine-sub002/internal/infrastructure/sqlite"
	"github.com/oness24/vulnzero-engine-sub002/internal/resilience"
	"github.com/oness24/vulnzero-engine-sub002/internal/tasks"
)

func loggerLevelFromString(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

type Config struct {
	LoggerLevel string `envconfig:"LOGGER_LEVEL,optional"`

	DatabasePath string `envconfig:"VULNZERO_DB_PATH,default=vulnzero.db"`
	WorkflowDB   string `envconfig:"VULNZERO_WORKFLOW_DB_PATH,default=vulnzero-workflows.db"`

	TaskTTL         time.Duration `envconfig:"TASK_TTL,default=24h"`
	JanitorInterval time.Duration `envconfig:"TASK_JANITOR_INTERVAL,default=1h"`

	GatewayRunner []string `envconfig:"GATEWAY_RUNNER,optional"`
	ProbeCommand  []string `envconfig:"GATEWAY_PROBE_COMMAND,optional"`

	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD,default=5"`
	BreakerRecoveryTimeout  time.Duration `envconfig:"BREAKER_RECOVERY_TIMEOUT,default=30s"`
	BulkheadMaxConcurrent   int64         `envconfig:"BULKHEAD_MAX_CONCURRENT,default=10"`
	BulkheadMaxWait         time.Duration `envconfig:"BULKHEAD_MAX_WAIT,default=5s"`
	RetryMaxRetries         uint          `envconfig:"RETRY_MAX_RETRIES,default=3"`
	RetryBaseDelay          time.Duration `envconfig:"RETRY_BASE_DELAY,default=200ms"`
	CallTimeout             time.Duration `envconfig:"CALL_TIMEOUT,default=2m"`

	HealthCadence time.Duration `envconfig:"HEALTH_SAMPLE_CADENCE,default=5s"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := Config{}
	if err := envconfig.Init(&cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to read config")
	}
	log.Logger = log.Level(loggerLevelFromString(cfg.LoggerLevel))

	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	deploymentRepo := &sqlite.DeploymentRepo{DB: db}
	recordRepo := &sqlite.AssetRecordRepo{DB: db}
	patchRepo := &sqlite.PatchRepo{DB: db}

	registry := tasks.NewRegistry(cfg.TaskTTL,
		tasks.WithStore(&sqlite.TaskRepo{DB: db}),
		tasks.WithLogger(log.Logger),
	)
	go registry.RunJanitor(ctx, cfg.JanitorInterval)

	caller := resilience.NewRegistry(resilience.Config{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		},
		Bulkhead: resilience.BulkheadConfig{
			MaxConcurrent: cfg.BulkheadMaxConcurrent,
			MaxWait:       cfg.BulkheadMaxWait,
		},
		Retry: resilience.RetryPolicy{
			MaxRetries: cfg.RetryMaxRetries,
			Backoff:    resilience.BackoffExponential,
			BaseDelay:  cfg.RetryBaseDelay,
			RetryIf:    func(err error) bool { return !domain.IsPermanent(err) },
		},
		CallTimeout: cfg.CallTimeout,
	}, log.Logger)

	gateway := execgateway.New(execgateway.Config{
		Runner:       cfg.GatewayRunner,
		ProbeCommand: cfg.ProbeCommand,
	}, log.Logger)

	wf := &domain.RemediationWorkflow{
		Deployments: deploymentRepo,
		Records:     recordRepo,
		Patches:     patchRepo,
		Gateway:     gateway,
		Health: &health.Evaluator{
			Source:  &health.GatewaySource{Gateway: gateway},
			Cadence: cfg.HealthCadence,
			Logger:  &log.Logger,
		},
		Rollback: &application.RollbackController{
			Deployments: deploymentRepo,
			Records:     recordRepo,
			Patches:     patchRepo,
			Gateway:     gateway,
			Caller:      caller,
			Logger:      &log.Logger,
		},
		Caller:     caller,
		Progress:   registry,
		Strategies: domain.DefaultStrategyFactory{},
		Logger:     &log.Logger,
	}

	backend := wfsqlite.NewSqliteBackend(cfg.WorkflowDB)
	w := worker.New(backend, nil)
	engine := &goworkflows.Engine{
		Worker:  w,
		Client:  client.New(backend),
		Timeout: 24 * time.Hour,
	}
	// Registration attaches the workflow and its activities to the
	// worker; submissions arrive from embedding clients through the
	// shared backend.
	if _, err := engine.RemediationRunner(wf); err != nil {
		log.Fatal().Err(err).Msg("failed to register remediation workflow")
	}
	if err := w.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start workflow worker")
	}

	log.Info().
		Str("db", cfg.DatabasePath).
		Str("workflow_db", cfg.WorkflowDB).
		Msg("vulnzerod started")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if err := w.WaitForCompletion(); err != nil {
		log.Error().Err(err).Msg("workflow worker drain failed")
	}
}
