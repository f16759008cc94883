package audit

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"revledger/pkg/db/pagination"
	"revledger/pkg/errutil"
	"revledger/pkg/httpapi"

	"github.com/bwmarrin/snowflake"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("audit.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("audit.gateway",
	fx.Invoke(registerRoutes),
)

func parseTime(q url.Values, key string) (*time.Time, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, errutil.Validation("invalid "+key, errutil.WithDetails(errutil.Detail{Field: key, Message: "expected RFC3339 or YYYY-MM-DD"}))
}

func parseInt(q url.Values, key string) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errutil.Validation("invalid "+key, errutil.WithDetails(errutil.Detail{Field: key, Message: "expected integer"}))
	}
	return n, nil
}

func parseID(params map[string]string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(params["id"])
	if err != nil {
		return 0, errutil.Validation("invalid transaction id")
	}
	return id, nil
}

func historyQuery(q url.Values) (Filters, pagination.Pagination, error) {
	f := Filters{
		ParticipantID: q.Get("participantId"),
		VideoID:       q.Get("videoId"),
		Type:          q.Get("type"),
		Status:        q.Get("status"),
	}
	var err error
	if f.From, err = parseTime(q, "from"); err != nil {
		return f, pagination.Pagination{}, err
	}
	if f.To, err = parseTime(q, "to"); err != nil {
		return f, pagination.Pagination{}, err
	}

	var p pagination.Pagination
	if p.Page, err = parseInt(q, "page"); err != nil {
		return f, p, err
	}
	if p.Limit, err = parseInt(q, "limit"); err != nil {
		return f, p, err
	}
	return f, p, nil
}

func registerRoutes(mux *runtime.ServeMux, svc *Service) error {
	routes := []struct {
		path string
		h    httpapi.HandlerFunc
	}{
		{"/v1/transactions", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			f, p, err := historyQuery(r.URL.Query())
			if err != nil {
				return nil, err
			}
			return svc.GetTransactionHistory(ctx, f, p)
		}},
		{"/v1/transactions/{id}", func(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
			id, err := parseID(params)
			if err != nil {
				return nil, err
			}
			return svc.GetTransactionDetail(ctx, id)
		}},
		{"/v1/transactions/{id}/integrity", func(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
			id, err := parseID(params)
			if err != nil {
				return nil, err
			}
			return svc.VerifyTransactionIntegrity(ctx, id)
		}},
		{"/v1/compliance/report", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var rng Range
			q := r.URL.Query()
			from, err := parseTime(q, "from")
			if err != nil {
				return nil, err
			}
			to, err := parseTime(q, "to")
			if err != nil {
				return nil, err
			}
			if from != nil {
				rng.From = *from
			}
			if to != nil {
				rng.To = *to
			}
			return svc.GenerateComplianceReport(ctx, rng)
		}},
		{"/v1/ledger/verify", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.VerifyLedgerChain(ctx)
		}},
	}

	for _, rt := range routes {
		if err := httpapi.Handle(mux, http.MethodGet, rt.path, rt.h); err != nil {
			zap.L().Error("failed to register audit route", zap.String("path", rt.path), zap.Error(err))
			return err
		}
	}
	return nil
}
