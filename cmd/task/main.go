package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"revledger/pkg/config"
	"revledger/pkg/db"
	"revledger/pkg/gen"
	"revledger/pkg/hashistack/secretmanager"
	"revledger/pkg/keylock"
	"revledger/pkg/logger"
	"revledger/pkg/minio"
	"revledger/pkg/otelcol"
	"revledger/pkg/profiling"
	"revledger/pkg/redis"
	"revledger/pkg/sequence"
	"revledger/pkg/task"
	"revledger/services/distribution"
	"revledger/services/investment"
	"revledger/services/ledger"
)

// task runs the mirror retry queue and the pending-mirror reconciler.
func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		minio.Client,
		gen.Module,
		sequence.Module,
		keylock.Module,
		task.Client,
		task.Server,
		ledger.Module,
		distribution.Module,
		investment.Module,
		investment.Worker,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
