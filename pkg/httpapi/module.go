package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"revledger/pkg/errutil"
	"revledger/pkg/health"
	"revledger/pkg/logger"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("httpapi",
	fx.Invoke(registerHealthEndpoint, registerMetricsEndpoint),
)

type HandlerFunc func(ctx context.Context, r *http.Request, params map[string]string) (any, error)

// Handle registers h on the gateway mux. The returned value is written as JSON with status 200,
// errors are rendered through errutil.
func Handle(mux *runtime.ServeMux, method, path string, h HandlerFunc) error {
	return HandleStatus(mux, method, path, http.StatusOK, h)
}

func HandleStatus(mux *runtime.ServeMux, method, path string, status int, h HandlerFunc) error {
	return mux.HandlePath(method, path, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		out, err := h(r.Context(), r, params)
		if err != nil {
			WriteError(r.Context(), w, err)
			return
		}
		WriteJSON(w, status, out)
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func WriteError(ctx context.Context, w http.ResponseWriter, err error) {
	var be errutil.BaseError
	if !errors.As(err, &be) {
		logger.L(ctx).Error("unhandled error", zap.Error(err))
		be = errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error"}
	}
	WriteJSON(w, be.Code.HTTPStatus(), be.JSON())
}

// DecodeJSON decodes the request body into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errutil.Validation("invalid request body", errutil.WithErr(err))
	}
	return nil
}

type healthParams struct {
	fx.In

	Mux    *runtime.ServeMux
	Health health.HealthService
}

func registerHealthEndpoint(p healthParams) error {
	if err := Handle(p.Mux, http.MethodGet, "/healthz", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
		return p.Health.Liveness(ctx), nil
	}); err != nil {
		zap.L().Error("failed to register health endpoint", zap.Error(err))
		return err
	}

	return p.Mux.HandlePath(http.MethodGet, "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		report := p.Health.Readiness(r.Context())
		status := http.StatusOK
		if report.Status != health.StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		WriteJSON(w, status, report)
	})
}

func registerMetricsEndpoint(mux *runtime.ServeMux) error {
	handler := promhttp.Handler()
	return mux.HandlePath(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		handler.ServeHTTP(w, r)
	})
}
