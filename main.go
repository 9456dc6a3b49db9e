// Command civicrecords wires the saga coordinator to its production
// adapters and runs the recovery sweep loop. There is no HTTP, CLI, or
// auth surface here: this process exists to demonstrate the composition
// described for the platform's package map, and to give operators a
// runnable recovery daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"civicrecords.dev/platform/config"
	"civicrecords.dev/platform/contracts"
	"civicrecords.dev/platform/idempotency"
	"civicrecords.dev/platform/lock"
	"civicrecords.dev/platform/logging"
	"civicrecords.dev/platform/recovery"
	"civicrecords.dev/platform/saga"
	"civicrecords.dev/platform/sagas"
	"civicrecords.dev/platform/sagastate"
	"civicrecords.dev/platform/schema"
	"civicrecords.dev/platform/store/diskfs"
	"civicrecords.dev/platform/store/gitrepo"
	"civicrecords.dev/platform/store/postgres"
	"civicrecords.dev/platform/store/pubsub"
	"civicrecords.dev/platform/store/searchqueue"
	"civicrecords.dev/platform/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("CIVICRECORDS_CONFIG"))
	if err != nil {
		panic(err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.FromContext(ctx, logger)
	log.WithField("version", version.GetPlatformVersion()).
		WithField("go_version", version.GetBuildInfo().GoVersion).
		Info("starting civicrecords platform")

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("connect to metadata store")
	}
	defer pool.Close()
	metadata := postgres.New(pool)

	content, err := gitrepo.Open(cfg.DataRoot, "civicrecords-platform", "platform@civicrecords.dev")
	if err != nil {
		log.WithError(err).Fatal("open content repository")
	}

	filesystem := diskfs.New(cfg.DataRoot)

	searchIndex, err := searchqueue.New(ctx, searchqueue.Config{RedisURL: cfg.RedisURL})
	if err != nil {
		log.WithError(err).Fatal("connect to search queue")
	}
	defer searchIndex.Close()

	subscriber, err := pubsub.New(ctx, pubsub.Config{RedisURL: cfg.RedisURL})
	if err != nil {
		log.WithError(err).Fatal("connect to event publisher")
	}
	defer subscriber.Close()

	validator := schema.New()

	cfgSource := &config.StaticSource{
		RecordTypes:    []string{"bylaw", "ordinance", "policy", "proclamation", "resolution", "meeting-minutes"},
		RecordStatuses: []string{"draft", "active", "archived", "published"},
		Modules: []contracts.ModuleConfig{
			{
				Name:      "legal-register",
				AppliesTo: []string{"bylaw", "ordinance", "policy", "proclamation", "resolution"},
			},
		},
	}
	if err := registerSchemaModules(ctx, validator, cfgSource); err != nil {
		log.WithError(err).Fatal("load schema modules")
	}
	validator.RegisterPlugin(schema.Schema{
		Name:  "accessibility-review",
		Rules: []schema.FieldRule{{Field: "accessibility_reviewed", Required: false, Type: "string"}},
	}, func(recordType string) bool { return true })

	deps := &sagas.Deps{
		Metadata:   metadata,
		Content:    content,
		Filesystem: filesystem,
		Search:     searchIndex,
		Subscriber: subscriber,
		Schema:     validator,
		Log:        log,
	}

	state := sagastate.New(metadata)
	locks := lock.New(metadata, nil)
	idem := idempotency.New(state).WithTTL(cfg.IdempotencyTTL)
	metrics := saga.NewMetricsCollector()
	executor := saga.NewExecutor(state, locks, idem, metrics, nil, log)

	registry := &sagaRegistry{
		executor: executor,
		definitions: map[string]saga.Definition{
			"create_record":  sagas.CreateRecord(deps),
			"update_record":  sagas.UpdateRecord(deps),
			"archive_record": sagas.ArchiveRecord(deps),
			"publish_draft":  sagas.PublishDraft(deps),
		},
	}
	log.WithField("saga_types", len(registry.definitions)).Info("saga executor ready")

	recoveryMgr := recovery.New(state, 15*time.Minute, log)
	log.Info("starting recovery sweep loop")
	recoveryMgr.Run(ctx, cfg.RecoverySweep)

	log.Info("shutting down")
}

// sagaRegistry binds the executor to its known saga definitions. It is the
// composition root a future transport layer (HTTP, message consumer, CLI)
// would submit saga runs through.
type sagaRegistry struct {
	executor    *saga.Executor
	definitions map[string]saga.Definition
}

// Submit runs the named saga with values, deriving an idempotency key when
// idempotencyKey is empty. userID is also threaded into values under
// "userId" when not already present there, so every saga's context
// contract can rely on it without every caller duplicating it.
func (r *sagaRegistry) Submit(ctx context.Context, sagaType string, values map[string]interface{}, userID, idempotencyKey string) (*sagastate.SagaInstance, error) {
	def, ok := r.definitions[sagaType]
	if !ok {
		return nil, fmt.Errorf("unknown saga type %q", sagaType)
	}
	if userID != "" {
		if _, ok := values["userId"]; !ok {
			values["userId"] = userID
		}
	}
	return r.executor.Run(ctx, def, values, userID, idempotencyKey)
}

// registerSchemaModules loads the configured schema-extension modules from
// source and registers each against validator. The actual per-module
// field rules are a fixed table here until a schema-file loader exists;
// see DESIGN.md.
func registerSchemaModules(ctx context.Context, validator *schema.Validator, source contracts.ConfigSource) error {
	modules, err := source.GetModules(ctx)
	if err != nil {
		return fmt.Errorf("load schema modules: %w", err)
	}
	for _, m := range modules {
		validator.RegisterModuleSchema(schema.Schema{
			Name:  m.Name,
			Rules: []schema.FieldRule{{Field: "department", Required: true, Type: "string"}},
		}, m.AppliesTo)
	}
	return nil
}
