package runs

import (
	"context"
	"fmt"

	"github.com/synaptica-ai/eventchain/pkg/common/config"
	"github.com/synaptica-ai/eventchain/pkg/common/database"
	"github.com/synaptica-ai/eventchain/pkg/common/kafka"
	"github.com/synaptica-ai/eventchain/pkg/common/logger"
	"github.com/synaptica-ai/eventchain/pkg/output"
	"github.com/synaptica-ai/eventchain/pkg/store"
	"github.com/synaptica-ai/eventchain/pkg/terminology"
)

// FromConfig wires a runner against the configured clinical store. Every
// gateway the runner opens gets its own connection pool; the Redis cache and
// the Kafka producer are shared. The returned func releases them.
func FromConfig(cfg *config.Config) (*Runner, func(), error) {
	catalog, err := terminology.Load(cfg.TerminologyCatalog)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load terminology catalog: %w", err)
	}

	var cache store.Cache
	redisClient := database.NewRedis(cfg)
	if redisClient != nil {
		cache = redisClient
	}

	gateways := func(ctx context.Context) (store.Gateway, func() error, error) {
		db, err := database.Open(cfg)
		if err != nil {
			return nil, nil, err
		}
		gw := store.NewCachedGateway(store.NewSQLGateway(db, catalog), cache, cfg.CacheTTL)
		return gw, func() error { return database.Close(db) }, nil
	}

	var closers []func() error
	var ledger Ledger = NewMemoryLedger()
	if cfg.LedgerEnabled {
		db, err := database.Open(cfg)
		if err != nil {
			return nil, nil, err
		}
		repo := NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			database.Close(db)
			return nil, nil, fmt.Errorf("failed to migrate run ledger: %w", err)
		}
		ledger = repo
		closers = append(closers, func() error { return database.Close(db) })
	}

	var publisher Publisher
	if producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic); producer != nil {
		publisher = producer
		closers = append(closers, producer.Close)
	}
	if redisClient != nil {
		closers = append(closers, redisClient.Close)
	}

	runner := NewRunner(gateways, catalog, output.NewParquetWriter(), ledger, publisher, Options{
		OutputDir:    cfg.OutputDir,
		IncludeICD9:  cfg.IncludeICD9,
		GroupWorkers: cfg.GroupWorkers,
		EventWorkers: cfg.EventWorkers,
	})
	cleanup := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Log.WithError(err).Warn("failed to release runner resource")
			}
		}
	}
	return runner, cleanup, nil
}
