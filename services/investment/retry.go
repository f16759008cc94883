package investment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"revledger/pkg/db/option"
	"revledger/pkg/logger"
	"revledger/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type MirrorRetryPayload struct {
	InvestmentID string `json:"investment_id"`
}

func NewMirrorRetryTask(id snowflake.ID) (*asynq.Task, error) {
	payload, err := json.Marshal(MirrorRetryPayload{InvestmentID: id.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.LedgerMirrorRetry, payload), nil
}

func mirrorRetryOptions(id snowflake.ID) []asynq.Option {
	return []asynq.Option{
		asynq.Queue("critical"),
		asynq.MaxRetry(12),
		asynq.TaskID(taskname.LedgerMirrorRetry + ":" + id.String()),
		asynq.Retention(24 * time.Hour),
	}
}

// HandleMirrorRetry is the asynq handler for ledger:mirror:retry. Returning an error makes asynq retry with backoff.
func (s *Service) HandleMirrorRetry(ctx context.Context, t *asynq.Task) error {
	var p MirrorRetryPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	id, err := snowflake.ParseString(p.InvestmentID)
	if err != nil {
		return fmt.Errorf("invalid investment id %q: %w", p.InvestmentID, asynq.SkipRetry)
	}
	return s.RetryMirror(ctx, id)
}

// RetryMirror mirrors a pending investment and re-drives its distribution. Already mirrored
// records only get the distribution, which is idempotent.
func (s *Service) RetryMirror(ctx context.Context, id snowflake.ID) error {
	log := logger.L(ctx, zap.String("investment_id", id.String()))

	rec, err := s.records.FindOne(ctx, &InvestmentRecord{ID: id})
	if err != nil {
		return err
	}
	if rec == nil {
		log.Warn("mirror retry for unknown investment, dropping")
		return nil
	}

	if rec.LedgerStatus != LedgerStatusConfirmed || rec.LedgerTxID == "" {
		if _, err := s.mirror(ctx, rec); err != nil {
			mirrorTotal.WithLabelValues("failed").Inc()
			log.Warn("ledger mirror retry failed", zap.Error(err))
			return err
		}
		mirrorTotal.WithLabelValues("ok").Inc()
		log.Info("ledger mirror recovered", zap.String("ledger_tx_id", rec.LedgerTxID))
	}

	if rec.DistributionID != "" {
		return nil
	}
	if err := s.distribute(ctx, rec); err != nil {
		log.Warn("distribution retry failed", zap.Error(err))
		return err
	}
	log.Info("distribution recovered", zap.String("distribution_id", rec.DistributionID))
	return nil
}

// unsettled matches records missing their ledger mirror or their distribution.
func unsettled(db *gorm.DB) *gorm.DB {
	return db.Where("(ledger_status = ? OR distribution_id = ? OR distribution_id IS NULL)", LedgerStatusPending, "")
}

// ReconcilePending re-drives every record still waiting for its ledger mirror or its
// distribution. It covers retries that could not be enqueued.
func (s *Service) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	pending, err := s.records.Find(ctx, &InvestmentRecord{},
		unsettled,
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LTE, Value: s.now().Add(-olderThan)}),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}),
		option.WithLimit(limit),
	)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, rec := range pending {
		if err := s.RetryMirror(ctx, rec.ID); err != nil {
			continue
		}
		recovered++
	}
	if len(pending) > 0 {
		logger.L(ctx).Info("reconciled unsettled investments", zap.Int("pending", len(pending)), zap.Int("recovered", recovered))
	}
	return recovered, nil
}
