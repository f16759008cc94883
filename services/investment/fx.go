package investment

import (
	"context"
	"net/http"

	"revledger/pkg/errutil"
	"revledger/pkg/httpapi"
	"revledger/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("investment.service",
	fx.Provide(
		NewService,
		NewAuditSink,
	),
)

var Gateway = fx.Module("investment.gateway",
	fx.Invoke(registerRoutes),
)

// Worker registers the mirror retry handler and the periodic reconciler.
var Worker = fx.Module("investment.worker",
	fx.Provide(NewScheduler),
	fx.Invoke(registerTasks, StartScheduler),
)

// Reconciler runs the reconciler in-process when no asynq worker can be started.
var Reconciler = fx.Module("investment.reconciler",
	fx.Provide(NewScheduler),
	fx.Invoke(startStandaloneScheduler),
)

func registerRoutes(mux *runtime.ServeMux, svc *Service) error {
	err := httpapi.HandleStatus(mux, http.MethodPost, "/v1/investments", http.StatusCreated, func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
		var req Request
		if err := httpapi.DecodeJSON(r, &req); err != nil {
			return nil, err
		}
		return svc.Invest(ctx, req)
	})
	if err != nil {
		zap.L().Error("failed to register investment routes", zap.Error(err))
		return err
	}

	return httpapi.Handle(mux, http.MethodGet, "/v1/investments/{id}", func(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
		id, err := snowflake.ParseString(params["id"])
		if err != nil {
			return nil, errutil.Validation("invalid investment id")
		}
		return svc.Get(ctx, id)
	})
}

func registerTasks(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.LedgerMirrorRetry, svc.HandleMirrorRetry)
}
