package settlement

import (
	"context"
	"net/http"

	"revledger/pkg/httpapi"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("settlement.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("settlement.gateway",
	fx.Invoke(registerRoutes),
)

func registerRoutes(mux *runtime.ServeMux, svc *Service) error {
	err := httpapi.HandleStatus(mux, http.MethodPost, "/v1/settlements", http.StatusCreated, func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
		var in Input
		if err := httpapi.DecodeJSON(r, &in); err != nil {
			return nil, err
		}
		return svc.CreateSettlementRecord(in)
	})
	if err != nil {
		zap.L().Error("failed to register settlement routes", zap.Error(err))
		return err
	}

	return httpapi.Handle(mux, http.MethodGet, "/v1/distributions/{id}/settlements", func(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
		return svc.ForDistribution(ctx, params["id"])
	})
}
