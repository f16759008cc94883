package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"revledger/pkg/config"
	"revledger/pkg/health"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	BackendMock       = "mock"
	BackendBlockchain = "blockchain"
	BackendDatabase   = "database"
	BackendMemory     = "memory"
)

var appendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_append_total",
	Help: "Ledger appends by backend and outcome.",
}, []string{"backend", "outcome"})

var Module = fx.Module("ledger",
	fx.Provide(
		NewPort,
		fx.Annotate(NewHealthChecker, fx.As(new(health.Checker)), fx.ResultTags(`group:"health_checkers"`)),
	),
)

type Params struct {
	fx.In

	Config *config.Config
	Node   *snowflake.Node
	DB     *gorm.DB `optional:"true"`
}

func NewPort(p Params) (Port, error) {
	port, err := New(p.Config.Ledger, p.Node, p.DB)
	if err != nil {
		zap.L().Error("failed to build ledger backend", zap.String("backend", p.Config.Ledger.Backend), zap.Error(err))
		return nil, err
	}
	zap.L().Info("ledger backend ready", zap.String("backend", p.Config.Ledger.Backend))
	return port, nil
}

// New selects the backend named by cfg.Backend. "mock" is the JSON file backend.
func New(cfg config.LedgerConfig, node *snowflake.Node, db *gorm.DB) (Port, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))

	var (
		port Port
		err  error
	)
	switch backend {
	case BackendMock, "file":
		port, err = NewFileLedger(cfg.FilePath, node)
	case BackendMemory:
		port = NewMemoryLedger(node)
	case BackendDatabase:
		if db == nil {
			return nil, errors.New("ledger: database backend requires a database connection")
		}
		port, err = NewDatabaseLedger(db, node)
	case BackendBlockchain:
		port = NewRemoteLedgerAdapter(cfg, node)
	default:
		return nil, fmt.Errorf("ledger: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	return &instrumented{Port: port, backend: backend}, nil
}

type instrumented struct {
	Port
	backend string
}

func (i *instrumented) Append(ctx context.Context, entry Entry) (Entry, error) {
	out, err := i.Port.Append(ctx, entry)
	switch {
	case err == nil:
		appendTotal.WithLabelValues(i.backend, "ok").Inc()
	case errors.Is(err, ErrDuplicateKey):
		appendTotal.WithLabelValues(i.backend, "duplicate").Inc()
	case errors.Is(err, ErrOutcomeUnknown):
		appendTotal.WithLabelValues(i.backend, "unknown").Inc()
	default:
		appendTotal.WithLabelValues(i.backend, "error").Inc()
	}
	return out, err
}

func (i *instrumented) FindByKey(ctx context.Context, key string) (*Entry, error) {
	return FindByKey(ctx, i.Port, key)
}

func (i *instrumented) Linked() bool {
	if l, ok := i.Port.(interface{ Linked() bool }); ok {
		return l.Linked()
	}
	return true
}

// Unwrap returns the backend behind the metrics decorator.
func (i *instrumented) Unwrap() Port {
	return i.Port
}

type HealthChecker struct {
	port Port
}

func NewHealthChecker(port Port) *HealthChecker {
	return &HealthChecker{port: port}
}

func (c *HealthChecker) Name() string {
	return "ledger"
}

func (c *HealthChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := c.port.ReadAll(ctx)
	return err
}
