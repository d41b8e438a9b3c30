// Package main provides the entry point for the chain ledger daemon.
package main

import (
	"chain-ledger/internal/analytics"
	"chain-ledger/internal/archiver"
	"chain-ledger/internal/async"
	"chain-ledger/internal/bridge"
	"chain-ledger/internal/config"
	"chain-ledger/internal/consensus"
	"chain-ledger/internal/ingest"
	"chain-ledger/internal/keystore"
	"chain-ledger/internal/ledger"
	"chain-ledger/internal/validators"
	"context"
	"os"
	"os/signal"
	"syscall"

	dbpkg "chain-ledger/internal/db"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "ledgerd")

func main() {
	// Try to load .env from CWD if present; otherwise use environment as-is
	if _, statErr := os.Stat(".env"); statErr == nil {
		_ = godotenv.Load(".env")
	}

	cfg := config.Load()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	log.WithField("config", cfg.String()).Info("Chain ledger starting")
	if cfg.Debug {
		log.Debug(cfg.DebugString())
	}

	gormDB, err := dbpkg.Open(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect database")
	}
	if gormDB == nil {
		log.Fatal("DATABASE_URL is required")
	}
	if err := dbpkg.Migrate(gormDB); err != nil {
		log.WithError(err).Fatal("Schema migration failed")
	}
	log.Info("Migrations applied")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ledgerStore := ledger.NewStore(gormDB, cfg.GenesisSequence)
	registry := validators.NewRegistry(gormDB, uint64(cfg.UptimeWindow))
	tracker := consensus.NewTracker(gormDB)
	transfers := bridge.NewLedger(gormDB)
	keys := keystore.NewStore(gormDB, cfg.KeyAlgorithm, cfg.KeyLifetime, cfg.KeyExpiryThreshold)

	if err := ensureActiveKey(ctx, keys, cfg.ChainID); err != nil {
		log.WithError(err).Fatal("Key bootstrap failed")
	}

	rotation := keystore.NewService(ctx, keys, cfg.KeyRotateInterval)
	archive := archiver.NewService(ctx, &archiver.Config{
		Database:  gormDB,
		Interval:  cfg.ArchiveInterval,
		Retention: cfg.ArchiveRetention,
	})
	aggregates := analytics.NewService(ctx, &analytics.Config{
		Database: gormDB,
		Interval: cfg.AnalyticsInterval,
	})

	rotation.Start()
	archive.Start()
	aggregates.Start()

	// Stuck transfers are flagged, never cancelled. The timeout doubles as
	// the sweep cadence, so a stalled transfer is flagged at most two
	// timeouts after its last update.
	async.RunEvery(ctx, cfg.BridgeStuckTimeout, func() {
		if _, err := transfers.FlagStuck(ctx, cfg.BridgeStuckTimeout); err != nil {
			log.WithError(err).Error("Stuck transfer sweep failed")
		}
	})

	var ing *ingest.Ingester
	if cfg.RPCURL != "" {
		ing = ingest.NewIngester(cfg, ledgerStore, registry, tracker)
		go func() {
			if err := ing.Run(ctx); err != nil {
				log.WithError(err).Error("Ingest stopped")
				cancel()
			}
		}()
	} else {
		log.Info("RPC_URL not provided, chain ingest disabled")
	}

	<-ctx.Done()
	log.Info("Shutting down")

	// Stop services in reverse start order.
	for _, stop := range []func() error{aggregates.Stop, archive.Stop, rotation.Stop} {
		if err := stop(); err != nil {
			log.WithError(err).Error("Service stop failed")
		}
	}
	if ing != nil {
		if err := ing.Close(); err != nil {
			log.WithError(err).Error("Ingest close failed")
		}
	}

	// Ensure logs flushed in some environments
	_ = os.Stderr.Sync()
	_ = os.Stdout.Sync()
}

// ensureActiveKey generates the first key for the configured chain so the
// rotation service has something to rotate. An existing ACTIVE key is left
// alone.
func ensureActiveKey(ctx context.Context, keys *keystore.Store, chainID string) error {
	_, err := keys.ActiveKey(ctx, chainID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, keystore.ErrKeyNotFound) {
		return err
	}
	key, genErr := keys.Generate(ctx, chainID)
	if genErr != nil {
		// Two daemons racing over a fresh chain both try to generate; the
		// loser finds the winner's key.
		if errors.Is(genErr, keystore.ErrActiveKeyExists) {
			return nil
		}
		return genErr
	}
	log.WithField("chain", chainID).WithField("algorithm", key.Algorithm).
		Info("Generated initial signing key")
	return nil
}
