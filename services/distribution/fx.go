package distribution

import (
	"context"
	"io"
	"net/http"

	"revledger/pkg/errutil"
	"revledger/pkg/httpapi"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("distribution.service",
	fx.Provide(
		NewService,
		func(s *Service) Handler { return s },
	),
)

var Gateway = fx.Module("distribution.gateway",
	fx.Invoke(registerRoutes),
)

func registerRoutes(mux *runtime.ServeMux, svc *Service) error {
	err := httpapi.Handle(mux, http.MethodPost, "/v1/distributions/events", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return nil, errutil.Validation("unreadable request body", errutil.WithErr(err))
		}
		ev, err := ParseEvent(body)
		if err != nil {
			return nil, err
		}
		return svc.HandleEvent(ctx, ev)
	})
	if err != nil {
		zap.L().Error("failed to register distribution routes", zap.Error(err))
	}
	return err
}
