package distribution

import (
	"context"
	"errors"
	"time"

	"revledger/pkg/config"
	"revledger/pkg/errutil"
	"revledger/pkg/logger"
	"revledger/services/ledger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "distribution_events_total",
	Help: "Distribution events by outcome (created, replayed, rejected).",
}, []string{"outcome"})

// flightTimeout bounds a shared distribution write; it is detached from any single caller.
const flightTimeout = 30 * time.Second

// Handler is the event entry point used by the investment saga and the mirror retry worker.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) (*Result, error)
}

// Service turns confirmed investments into exactly one DISTRIBUTION ledger entry per reference tx id.
type Service struct {
	ledger ledger.Port
	splits []config.Split
	group  singleflight.Group
}

type ServiceParams struct {
	fx.In
	Ledger ledger.Port
	Config *config.Config
}

func NewService(p ServiceParams) (*Service, error) {
	return New(p.Ledger, p.Config.Distribution.Splits)
}

func New(port ledger.Port, splits []config.Split) (*Service, error) {
	if err := ValidateSplits(splits); err != nil {
		zap.L().Error("invalid distribution split table", zap.Error(err))
		return nil, err
	}
	return &Service{
		ledger: port,
		splits: append([]config.Split(nil), splits...),
	}, nil
}

func (s *Service) Splits() []config.Split {
	return append([]config.Split(nil), s.splits...)
}

func validate(ev Event) error {
	if ev.EventType == "" || ev.Transaction == nil {
		return errutil.Validation("eventType and transaction are required")
	}
	if !ev.EventType.Valid() {
		return errutil.Validation("unknown event type " + string(ev.EventType))
	}
	tx := ev.Transaction
	if tx.TxID == "" || tx.VideoID == "" || tx.ToCreator == "" {
		return errutil.Validation("transaction txId, videoId and toCreator are required")
	}
	if ev.InvestmentState != InvestmentConfirmed {
		return errutil.State("Investment state must be CONFIRMED")
	}
	if ev.VideoState != VideoActive {
		return errutil.State("Video state must be ACTIVE")
	}
	return nil
}

// HandleEvent is idempotent over the reference tx id: redeliveries return the first record unchanged.
// Every precondition is checked before the ledger is touched.
func (s *Service) HandleEvent(ctx context.Context, ev Event) (*Result, error) {
	log := logger.L(ctx, zap.String("event_type", string(ev.EventType)))

	if err := validate(ev); err != nil {
		eventsTotal.WithLabelValues("rejected").Inc()
		log.Warn("distribution event rejected", zap.Error(err))
		return nil, err
	}

	distributionID := DistributionID(ev.Transaction.TxID)
	log = log.With(zap.String("distribution_id", distributionID), zap.String("reference_tx_id", ev.Transaction.TxID))

	ch := s.group.DoChan(distributionID, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flightTimeout)
		defer cancel()
		return s.distribute(flightCtx, ev, distributionID)
	})

	var flight singleflight.Result
	select {
	case flight = <-ch:
	case <-ctx.Done():
		log.Warn("caller gave up while distribution in flight", zap.Error(ctx.Err()))
		return nil, errutil.Timeout("distribution still in flight", ctx.Err())
	}
	if flight.Err != nil {
		log.Error("failed to record distribution", zap.Error(flight.Err))
		return nil, flight.Err
	}

	res := *flight.Val.(*Result)
	if res.Replayed {
		eventsTotal.WithLabelValues("replayed").Inc()
		log.Info("distribution already recorded")
	} else {
		eventsTotal.WithLabelValues("created").Inc()
		log.Info("distribution recorded", zap.String("tx_id", res.Record.TxID))
	}
	return &res, nil
}

func (s *Service) distribute(ctx context.Context, ev Event, distributionID string) (*Result, error) {
	existing, err := s.lookup(ctx, distributionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &Result{DistributionID: distributionID, Replayed: true, Record: *existing}, nil
	}

	tx := ev.Transaction
	entry := ledger.NewEntry(ledger.TypeDistribution, map[string]any{
		"videoId":        tx.VideoID,
		"fromUser":       PlatformUser,
		"toCreator":      tx.ToCreator,
		"amount":         tx.Amount.InexactFloat64(),
		"referenceTxId":  tx.TxID,
		"distributionId": distributionID,
		"eventType":      string(ev.EventType),
		"allocations":    allocations(s.splits),
	}).WithIdempotencyKey(distributionID)

	record, err := s.ledger.Append(ctx, entry)
	if errors.Is(err, ledger.ErrDuplicateKey) {
		// another writer won the race
		existing, err = s.lookup(ctx, distributionID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &Result{DistributionID: distributionID, Replayed: true, Record: *existing}, nil
		}
		return nil, errutil.LedgerUnavailable("distribution reported as duplicate but not found", ledger.ErrDuplicateKey)
	}
	if err != nil {
		return nil, err
	}

	return &Result{DistributionID: distributionID, Record: record}, nil
}

// lookup finds a DISTRIBUTION entry by idempotency key, or by its distributionId field
// for entries written without a key.
func (s *Service) lookup(ctx context.Context, distributionID string) (*ledger.Entry, error) {
	found, err := ledger.FindByKey(ctx, s.ledger, distributionID)
	if err != nil || found != nil {
		return found, err
	}
	if _, indexed := s.ledger.(ledger.KeyedReader); indexed {
		return nil, nil
	}

	entries, err := s.ledger.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Type == ledger.TypeDistribution && entries[i].GetString("distributionId") == distributionID {
			return &entries[i], nil
		}
	}
	return nil, nil
}
