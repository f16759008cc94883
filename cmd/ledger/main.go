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
	"revledger/pkg/health"
	"revledger/pkg/httpapi"
	"revledger/pkg/keylock"
	"revledger/pkg/logger"
	"revledger/pkg/minio"
	"revledger/pkg/otelcol"
	"revledger/pkg/profiling"
	"revledger/pkg/redis"
	"revledger/pkg/sequence"
	"revledger/pkg/server"
	"revledger/pkg/task"
	"revledger/services/audit"
	"revledger/services/distribution"
	"revledger/services/investment"
	"revledger/services/ledger"
	"revledger/services/settlement"
)

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
		health.Module,
		server.ProvideGRPCServer,
		health.GRPC,
		httpapi.Module,
		ledger.Module,
		distribution.Module,
		distribution.Gateway,
		settlement.Module,
		settlement.Gateway,
		investment.Module,
		investment.Gateway,
		investment.Reconciler,
		audit.Module,
		audit.Gateway,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
