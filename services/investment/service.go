package investment

import (
	"context"
	"errors"
	"time"

	"revledger/pkg/db/option"
	"revledger/pkg/errutil"
	"revledger/pkg/keylock"
	"revledger/pkg/logger"
	"revledger/pkg/repository"
	"revledger/pkg/sequence"
	"revledger/pkg/task"
	"revledger/services/distribution"
	"revledger/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	investmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "investments_total",
		Help: "Investment requests by outcome.",
	}, []string{"outcome"})
	mirrorTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "investment_ledger_mirror_total",
		Help: "Ledger mirror attempts by outcome (ok, failed, distribution_failed, enqueued, enqueue_failed).",
	}, []string{"outcome"})
)

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	ledger      ledger.Port
	distributor distribution.Handler
	locker      keylock.Locker
	enqueuer    task.Enqueuer
	sink        AuditSink
	codes       sequence.Generator
	now         func() time.Time

	records     repository.Repository[InvestmentRecord]
	transitions repository.Repository[StatusTransition]
	users       repository.Repository[User]
	videos      repository.Repository[Video]
	positions   repository.Repository[VideoInvestor]
}

type ServiceParams struct {
	fx.In

	DB          *gorm.DB
	Node        *snowflake.Node
	Ledger      ledger.Port
	Distributor distribution.Handler
	Locker      keylock.Locker
	Enqueuer    task.Enqueuer
	Sink        AuditSink
	Codes       sequence.Generator
}

func NewService(p ServiceParams) (*Service, error) {
	if err := Migrate(p.DB); err != nil {
		zap.L().Error("failed to migrate investment tables", zap.Error(err))
		return nil, err
	}

	return &Service{
		db:          p.DB,
		node:        p.Node,
		ledger:      p.Ledger,
		distributor: p.Distributor,
		locker:      p.Locker,
		enqueuer:    p.Enqueuer,
		sink:        p.Sink,
		codes:       p.Codes,
		now:         func() time.Time { return time.Now().UTC() },

		records:     repository.ProvideStore[InvestmentRecord](p.DB),
		transitions: repository.ProvideStore[StatusTransition](p.DB),
		users:       repository.ProvideStore[User](p.DB),
		videos:      repository.ProvideStore[Video](p.DB),
		positions:   repository.ProvideStore[VideoInvestor](p.DB),
	}, nil
}

func validateRequest(req Request) error {
	var details []errutil.Detail
	if req.InvestorID == "" {
		details = append(details, errutil.Detail{Field: "investorId", Message: "required"})
	}
	if req.VideoID == "" {
		details = append(details, errutil.Detail{Field: "videoId", Message: "required"})
	}
	if !req.Amount.IsPositive() {
		details = append(details, errutil.Detail{Field: "amount", Message: "must be greater than 0"})
	}
	if len(details) > 0 {
		return errutil.Validation("invalid investment request", errutil.WithDetails(details...))
	}
	return nil
}

// Invest records the investment in the primary store first, then mirrors it to the ledger
// and triggers the distribution. Ledger, distribution and audit failures never undo the
// primary write; a failed mirror is handed to the retry worker.
func (s *Service) Invest(ctx context.Context, req Request) (*Result, error) {
	log := logger.L(ctx,
		zap.String("investor_id", req.InvestorID),
		zap.String("video_id", req.VideoID),
		zap.String("amount", req.Amount.String()),
	)

	if err := validateRequest(req); err != nil {
		investmentsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, "investor:"+req.InvestorID, "video:"+req.VideoID)
	if err != nil {
		log.Warn("failed to acquire investment locks", zap.Error(err))
		return nil, err
	}
	defer unlock()

	code, err := s.codes.NextInvestmentCode(ctx)
	if err != nil {
		log.Error("failed to generate investment code", zap.Error(err))
		return nil, errutil.Internal("failed to generate investment code", err)
	}

	res, err := s.persist(ctx, req, code)
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) {
			investmentsTotal.WithLabelValues("rejected").Inc()
			log.Warn("investment rejected", zap.Error(err))
			return nil, err
		}
		investmentsTotal.WithLabelValues("failed").Inc()
		log.Error("failed to persist investment", zap.Error(err))
		return nil, errutil.Internal("failed to persist investment", err)
	}
	investmentsTotal.WithLabelValues("completed").Inc()
	log = log.With(zap.String("investment_id", res.Investment.ID.String()), zap.String("code", res.Investment.Code))
	log.Info("investment recorded")

	rec := res.Investment
	entry, err := s.mirror(ctx, &rec)
	if err != nil {
		mirrorTotal.WithLabelValues("failed").Inc()
		log.Warn("ledger mirror failed, scheduling retry", zap.Error(err))
		s.scheduleRetry(ctx, rec.ID)
	} else {
		mirrorTotal.WithLabelValues("ok").Inc()
		res.Ledger = s.snapshot(ctx, entry.TxID)

		if err := s.distribute(ctx, &rec); err != nil {
			mirrorTotal.WithLabelValues("distribution_failed").Inc()
			log.Warn("distribution failed, scheduling retry", zap.Error(err))
			s.scheduleRetry(ctx, rec.ID)
		}
		res.Investment = rec
		res.DistributionID = rec.DistributionID
	}

	if err := s.sink.Record(ctx, AuditEvent{
		Type:           "investment.completed",
		InvestmentID:   rec.ID.String(),
		Code:           rec.Code,
		InvestorID:     rec.InvestorID,
		CreatorID:      rec.CreatorID,
		VideoID:        rec.VideoID,
		Amount:         rec.Amount,
		LedgerTxID:     rec.LedgerTxID,
		DistributionID: res.DistributionID,
		At:             s.now(),
	}); err != nil {
		log.Warn("audit mirror failed", zap.Error(err))
	}

	return res, nil
}

// persist runs the primary unit of work: record, status history, per-video aggregate and balances.
func (s *Service) persist(ctx context.Context, req Request, code string) (*Result, error) {
	var res Result

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		videos := s.videos.WithTrx(tx)
		users := s.users.WithTrx(tx)
		positions := s.positions.WithTrx(tx)

		video, err := videos.FindOne(ctx, &Video{ID: req.VideoID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if video == nil {
			return errutil.NotFound("video not found", nil)
		}

		investor, err := users.FindOne(ctx, &User{ID: req.InvestorID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if investor == nil {
			return errutil.NotFound("investor not found", nil)
		}

		if req.InvestorID == video.CreatorID {
			return errutil.Forbidden("creators cannot invest in their own video", nil)
		}
		if req.CreatorID != "" && req.CreatorID != video.CreatorID {
			return errutil.Validation("creatorId does not match the video creator")
		}
		if investor.Balance.LessThan(req.Amount) {
			return errutil.InsufficientBalance("insufficient balance",
				errutil.WithDetails(errutil.Detail{Field: "amount", Message: "exceeds available balance " + investor.Balance.String()}))
		}

		creator, err := users.FindOne(ctx, &User{ID: video.CreatorID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if creator == nil {
			return errutil.NotFound("creator not found", nil)
		}

		now := s.now()
		rec := InvestmentRecord{
			ID:           s.node.Generate(),
			Code:         code,
			VideoID:      video.ID,
			InvestorID:   investor.ID,
			CreatorID:    video.CreatorID,
			Amount:       req.Amount,
			Type:         TypeInvestment,
			Status:       StatusPending,
			LedgerStatus: LedgerStatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.records.WithTrx(tx).Create(ctx, &rec); err != nil {
			return err
		}
		if err := s.recordTransition(ctx, tx, rec.ID, "", StatusPending, "investment created"); err != nil {
			return err
		}

		// position and video aggregate
		position, err := positions.FindOne(ctx, &VideoInvestor{VideoID: video.ID, InvestorID: investor.ID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		newInvestor := position == nil
		if newInvestor {
			position = &VideoInvestor{
				VideoID:         video.ID,
				InvestorID:      investor.ID,
				TotalInvested:   req.Amount,
				InvestmentCount: 1,
				LastInvestment:  now,
			}
			if err := positions.Create(ctx, position); err != nil {
				return err
			}
		} else {
			if err := tx.Model(&VideoInvestor{}).Where("id = ?", position.ID).Updates(map[string]any{
				"total_invested":   gorm.Expr("total_invested + ?", req.Amount),
				"investment_count": gorm.Expr("investment_count + 1"),
				"last_investment":  now,
			}).Error; err != nil {
				return err
			}
		}

		videoUpdates := map[string]any{
			"total_invested": gorm.Expr("total_invested + ?", req.Amount),
			"version":        gorm.Expr("version + 1"),
			"updated_at":     now,
		}
		if newInvestor {
			videoUpdates["unique_investors"] = gorm.Expr("unique_investors + 1")
		}
		if err := tx.Model(&Video{}).Where("id = ?", video.ID).Updates(videoUpdates).Error; err != nil {
			return err
		}

		// balances
		debit := tx.Model(&User{}).
			Where("id = ? AND balance >= ?", investor.ID, req.Amount).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", req.Amount),
				"version":    gorm.Expr("version + 1"),
				"updated_at": now,
			})
		if debit.Error != nil {
			return debit.Error
		}
		if debit.RowsAffected == 0 {
			return errutil.InsufficientBalance("insufficient balance")
		}
		if err := tx.Model(&User{}).Where("id = ?", creator.ID).Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", req.Amount),
			"earnings":   gorm.Expr("earnings + ?", req.Amount),
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		}).Error; err != nil {
			return err
		}

		if err := tx.Model(&InvestmentRecord{}).Where("id = ?", rec.ID).Update("status", StatusCompleted).Error; err != nil {
			return err
		}
		if err := s.recordTransition(ctx, tx, rec.ID, StatusPending, StatusCompleted, "balances settled"); err != nil {
			return err
		}
		rec.Status = StatusCompleted

		// read back the aggregates as committed by this transaction
		if video, err = videos.FindOne(ctx, &Video{ID: video.ID}); err != nil {
			return err
		}
		if position, err = positions.FindOne(ctx, &VideoInvestor{VideoID: video.ID, InvestorID: investor.ID}); err != nil {
			return err
		}
		if investor, err = users.FindOne(ctx, &User{ID: investor.ID}); err != nil {
			return err
		}

		res = Result{
			Investment: rec,
			Video:      *video,
			Position:   *position,
			Stats: Stats{
				TotalInvested:   video.TotalInvested,
				UniqueInvestors: video.UniqueInvestors,
				InvestorBalance: investor.Balance,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Service) recordTransition(ctx context.Context, tx *gorm.DB, id snowflake.ID, from, to, reason string) error {
	return s.transitions.WithTrx(tx).Create(ctx, &StatusTransition{
		TransactionID: id,
		FromStatus:    from,
		ToStatus:      to,
		Reason:        reason,
		At:            s.now(),
	})
}

// MirrorKey is the ledger idempotency key of an investment's INVESTMENT entry.
func MirrorKey(id snowflake.ID) string {
	return "investment:" + id.String()
}

// mirror appends the INVESTMENT entry and stores the ledger reference on rec.
// A replayed append resolves to the entry written earlier under the same key.
func (s *Service) mirror(ctx context.Context, rec *InvestmentRecord) (ledger.Entry, error) {
	entry := ledger.NewEntry(ledger.TypeInvestment, map[string]any{
		"investmentId": rec.ID.String(),
		"code":         rec.Code,
		"videoId":      rec.VideoID,
		"fromUser":     rec.InvestorID,
		"toCreator":    rec.CreatorID,
		"amount":       rec.Amount.InexactFloat64(),
	}).WithIdempotencyKey(MirrorKey(rec.ID))

	out, err := s.ledger.Append(ctx, entry)
	if errors.Is(err, ledger.ErrDuplicateKey) {
		found, ferr := ledger.FindByKey(ctx, s.ledger, entry.IdempotencyKey)
		if ferr != nil {
			return ledger.Entry{}, ferr
		}
		if found == nil {
			return ledger.Entry{}, err
		}
		out, err = *found, nil
	}
	if err != nil {
		return ledger.Entry{}, err
	}

	if err := s.confirmMirror(ctx, rec, out.TxID); err != nil {
		return ledger.Entry{}, err
	}
	return out, nil
}

func (s *Service) confirmMirror(ctx context.Context, rec *InvestmentRecord, ledgerTxID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		upd := tx.Model(&InvestmentRecord{}).
			Where("id = ? AND ledger_status = ?", rec.ID, LedgerStatusPending).
			Updates(map[string]any{
				"ledger_tx_id":  ledgerTxID,
				"ledger_status": LedgerStatusConfirmed,
				"updated_at":    now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		rec.LedgerTxID = ledgerTxID
		rec.LedgerStatus = LedgerStatusConfirmed
		if upd.RowsAffected == 0 {
			return nil
		}
		rec.UpdatedAt = now
		return s.recordTransition(ctx, tx, rec.ID, StateLedgerPending, StateLedgerConfirmed, "ledger tx "+ledgerTxID)
	})
}

// distribute books the revenue split for a mirrored record and stores its distribution id.
// The engine is idempotent, so a re-drive after a lost update only replays.
func (s *Service) distribute(ctx context.Context, rec *InvestmentRecord) error {
	res, err := s.distributor.HandleEvent(ctx, distribution.Event{
		EventType:       distribution.EventInvestmentConfirmed,
		InvestmentState: distribution.InvestmentConfirmed,
		VideoState:      distribution.VideoActive,
		Transaction: &distribution.Transaction{
			TxID:      rec.LedgerTxID,
			VideoID:   rec.VideoID,
			ToCreator: rec.CreatorID,
			Amount:    rec.Amount,
		},
	})
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Model(&InvestmentRecord{}).
		Where("id = ? AND (distribution_id = ? OR distribution_id IS NULL)", rec.ID, "").
		Updates(map[string]any{
			"distribution_id": res.DistributionID,
			"updated_at":      s.now(),
		}).Error
	if err != nil {
		return err
	}
	rec.DistributionID = res.DistributionID
	return nil
}

func (s *Service) snapshot(ctx context.Context, txID string) LedgerSnapshot {
	snap := LedgerSnapshot{TxID: txID, Mirrored: true}

	report, err := ledger.Verify(ctx, s.ledger)
	if err != nil {
		logger.L(ctx).Warn("failed to read ledger snapshot", zap.Error(err))
		return snap
	}
	snap.Entries = report.Entries
	snap.Verified = report.Valid
	return snap
}

func (s *Service) scheduleRetry(ctx context.Context, id snowflake.ID) {
	t, err := NewMirrorRetryTask(id)
	if err != nil {
		logger.L(ctx).Error("failed to build mirror retry task", zap.Error(err))
		return
	}
	if _, err := s.enqueuer.Enqueue(ctx, t, mirrorRetryOptions(id)...); err != nil {
		mirrorTotal.WithLabelValues("enqueue_failed").Inc()
		logger.L(ctx).Warn("failed to enqueue mirror retry, reconciler will pick it up",
			zap.String("investment_id", id.String()), zap.Error(err))
		return
	}
	mirrorTotal.WithLabelValues("enqueued").Inc()
}

// Get returns one investment record.
func (s *Service) Get(ctx context.Context, id snowflake.ID) (*InvestmentRecord, error) {
	rec, err := s.records.FindOne(ctx, &InvestmentRecord{ID: id})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errutil.NotFound("investment not found", nil)
	}
	return rec, nil
}
