package health

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

var Module = fx.Module("health",
	fx.Provide(ProvideHealth),
)

// GRPC registers the standard grpc.health.v1 service on the gRPC server.
var GRPC = fx.Module("health.grpc",
	fx.Provide(grpchealth.NewServer),
	fx.Invoke(registerGRPCHealth),
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps,omitempty"`
}

// Checker reports the readiness of one dependency. Modules contribute checkers to the "health_checkers" group.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

type HealthService interface {
	Liveness(ctx context.Context) Health
	Readiness(ctx context.Context) Health
}

type health struct {
	db       *gorm.DB
	redis    *redis.Client
	checkers []Checker
}

type HealthParams struct {
	fx.In
	DB       *gorm.DB      `optional:"true"`
	Redis    *redis.Client `optional:"true"`
	Checkers []Checker     `group:"health_checkers"`
}

func ProvideHealth(p HealthParams) HealthService {
	return &health{
		db:       p.DB,
		redis:    p.Redis,
		checkers: p.Checkers,
	}
}

func (h *health) Liveness(ctx context.Context) Health {
	return Health{
		Status:  StatusHealthy,
		Message: "OK",
	}
}

func (h *health) Readiness(ctx context.Context) Health {
	this := Health{
		Status:  StatusHealthy,
		Message: "OK",
	}

	deps := make([]Dependency, 0, len(h.checkers)+2)
	if h.db != nil {
		deps = append(deps, probe("database", func() error {
			sql, err := h.db.DB()
			if err != nil {
				return err
			}
			return sql.PingContext(ctx)
		}))
	}

	if h.redis != nil {
		deps = append(deps, probe("redis", func() error {
			return h.redis.Ping(ctx).Err()
		}))
	}

	for _, c := range h.checkers {
		deps = append(deps, probe(c.Name(), func() error { return c.Check(ctx) }))
	}

	for _, d := range deps {
		if d.Status != StatusHealthy {
			this.Status = StatusUnhealthy
			this.Message = d.Name + " is not ready"
			break
		}
	}
	this.Deps = deps

	return this
}

func probe(name string, fn func() error) Dependency {
	dep := Dependency{Name: name, Status: StatusHealthy, Message: "OK"}
	if err := fn(); err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}

func registerGRPCHealth(srv *grpc.Server, hs *grpchealth.Server) {
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
}
