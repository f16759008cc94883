package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"revledger/pkg/celengine"
	"revledger/pkg/config"
	"revledger/pkg/db/option"
	"revledger/pkg/db/pagination"
	"revledger/pkg/errutil"
	"revledger/pkg/logger"
	"revledger/pkg/repository"
	"revledger/services/investment"
	"revledger/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	duplicateWindow     = time.Hour
	defaultReportPeriod = 30 * 24 * time.Hour
	certifiedBy         = "revledger integrity auditor"
	attestationSource   = "placeholder"
)

// Service is the read side over the primary store and the ledger.
type Service struct {
	db          *gorm.DB
	ledger      ledger.Port
	engine      *celengine.Engine
	rules       []Rule
	now         func() time.Time
	records     repository.Repository[investment.InvestmentRecord]
	transitions repository.Repository[investment.StatusTransition]
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Ledger ledger.Port
	Config *config.Config
}

func NewService(p ServiceParams) (*Service, error) {
	if err := investment.Migrate(p.DB); err != nil {
		return nil, err
	}
	return New(p.DB, p.Ledger, RulesFromConfig(p.Config.Risk))
}

func New(db *gorm.DB, port ledger.Port, rules []Rule) (*Service, error) {
	engine, err := celengine.New(factSchema)
	if err != nil {
		return nil, err
	}
	if err := compileRules(engine, rules); err != nil {
		zap.L().Error("invalid risk rules", zap.Error(err))
		return nil, err
	}
	return &Service{
		db:          db,
		ledger:      port,
		engine:      engine,
		rules:       rules,
		now:         func() time.Time { return time.Now().UTC() },
		records:     repository.ProvideStore[investment.InvestmentRecord](db),
		transitions: repository.ProvideStore[investment.StatusTransition](db),
	}, nil
}

// RecordHash is SHA-256 over "id|amount|createdAt".
func RecordHash(rec investment.InvestmentRecord) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", rec.ID.String(), rec.Amount.String(), rec.CreatedAt.UTC().Format(time.RFC3339Nano))))
	return hex.EncodeToString(sum[:])
}

func ledgerVerified(rec investment.InvestmentRecord) bool {
	return rec.LedgerTxID != "" && rec.LedgerStatus == investment.LedgerStatusConfirmed
}

func filterOptions(f Filters) []option.QueryOption {
	var opts []option.QueryOption
	if f.ParticipantID != "" {
		id := f.ParticipantID
		opts = append(opts, func(db *gorm.DB) *gorm.DB {
			return db.Where("(investor_id = ? OR creator_id = ?)", id, id)
		})
	}
	if f.VideoID != "" {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "video_id", Operator: option.EQ, Value: f.VideoID}))
	}
	if f.Type != "" {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "type", Operator: option.EQ, Value: f.Type}))
	}
	if f.Status != "" {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: f.Status}))
	}
	if f.From != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.GTE, Value: f.From.UTC()}))
	}
	if f.To != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LTE, Value: f.To.UTC()}))
	}
	return opts
}

// GetTransactionHistory pages through records matching f. The summary covers the returned page only.
func (s *Service) GetTransactionHistory(ctx context.Context, f Filters, page pagination.Pagination) (*History, error) {
	page = page.Normalize()
	opts := filterOptions(f)

	total, err := s.records.Count(ctx, &investment.InvestmentRecord{}, opts...)
	if err != nil {
		logger.L(ctx).Error("failed to count transactions", zap.Error(err))
		return nil, err
	}

	rows, err := s.records.Find(ctx, &investment.InvestmentRecord{}, append(opts,
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		option.WithLimit(page.Limit),
		option.WithOffset(page.Offset()),
	)...)
	if err != nil {
		logger.L(ctx).Error("failed to list transactions", zap.Error(err))
		return nil, err
	}

	items := make([]HistoryItem, 0, len(rows))
	sum := decimal.Zero
	for _, r := range rows {
		items = append(items, HistoryItem{
			InvestmentRecord: *r,
			LedgerVerified:   ledgerVerified(*r),
			Hash:             RecordHash(*r),
		})
		sum = sum.Add(r.Amount)
	}

	summary := Summary{TotalAmount: sum, Count: len(items), AverageAmount: decimal.Zero}
	if len(items) > 0 {
		summary.AverageAmount = sum.Div(decimal.NewFromInt(int64(len(items)))).Round(2)
	}

	return &History{
		Items:      items,
		Summary:    summary,
		Pagination: pagination.BuildPageInfo(page, total),
	}, nil
}

func (s *Service) load(ctx context.Context, id snowflake.ID) (*investment.InvestmentRecord, error) {
	rec, err := s.records.FindOne(ctx, &investment.InvestmentRecord{ID: id})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errutil.NotFound("transaction not found", nil)
	}
	return rec, nil
}

func (s *Service) GetTransactionDetail(ctx context.Context, id snowflake.ID) (*Detail, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	fee := decimal.Zero
	if rec.Type == investment.TypeInvestment {
		fee = rec.Amount.Mul(decimal.RequireFromString(FeeRate)).Round(2)
	}

	history, err := s.transitions.Find(ctx, &investment.StatusTransition{TransactionID: rec.ID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
	)
	if err != nil {
		return nil, err
	}
	statusHistory := make([]investment.StatusTransition, 0, len(history))
	for _, h := range history {
		statusHistory = append(statusHistory, *h)
	}

	return &Detail{
		Transaction:   *rec,
		Fee:           fee,
		NetAmount:     rec.Amount.Sub(fee),
		Hash:          RecordHash(*rec),
		Verification:  s.verify(ctx, *rec),
		StatusHistory: statusHistory,
	}, nil
}

// verify cross-checks the record against its ledger entry. Ledger failures degrade to unverified.
func (s *Service) verify(ctx context.Context, rec investment.InvestmentRecord) Verification {
	v := Verification{Timelock: !rec.CreatedAt.After(s.now())}
	log := logger.L(ctx, zap.String("transaction_id", rec.ID.String()))

	report, err := ledger.Verify(ctx, s.ledger)
	if err != nil {
		log.Warn("ledger unavailable during verification", zap.Error(err))
		return v
	}
	v.Integrity = report.Valid

	if rec.LedgerTxID == "" {
		return v
	}
	entry, err := ledger.FindByKey(ctx, s.ledger, investment.MirrorKey(rec.ID))
	if err != nil {
		log.Warn("failed to load ledger record", zap.Error(err))
		return v
	}
	if entry == nil {
		return v
	}
	v.LedgerRecord = entry
	v.Verified = ledgerVerified(rec) &&
		entry.TxID == rec.LedgerTxID &&
		decimal.NewFromFloat(entry.GetFloat("amount")).Equal(rec.Amount) &&
		entry.Hash == entry.GenerateHash()
	return v
}

func (s *Service) facts(ctx context.Context, rec investment.InvestmentRecord) (map[string]any, error) {
	now := s.now()

	window, err := s.records.Find(ctx, &investment.InvestmentRecord{
		InvestorID: rec.InvestorID,
		CreatorID:  rec.CreatorID,
		VideoID:    rec.VideoID,
	},
		option.ApplyOperator(option.Condition{Field: "id", Operator: option.NEQ, Value: rec.ID}),
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.GTE, Value: rec.CreatedAt.Add(-duplicateWindow)}),
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LTE, Value: rec.CreatedAt.Add(duplicateWindow)}),
	)
	if err != nil {
		return nil, err
	}
	duplicates := 0
	for _, w := range window {
		if w.Amount.Equal(rec.Amount) {
			duplicates++
		}
	}

	past, err := s.records.Find(ctx, &investment.InvestmentRecord{InvestorID: rec.InvestorID},
		option.ApplyOperator(option.Condition{Field: "id", Operator: option.NEQ, Value: rec.ID}),
	)
	if err != nil {
		return nil, err
	}
	average := decimal.Zero
	if len(past) > 0 {
		total := decimal.Zero
		for _, p := range past {
			total = total.Add(p.Amount)
		}
		average = total.Div(decimal.NewFromInt(int64(len(past))))
	}

	return map[string]any{
		"amount":            rec.Amount.InexactFloat64(),
		"ageSeconds":        int64(now.Sub(rec.CreatedAt) / time.Second),
		"future":            rec.CreatedAt.After(now),
		"duplicateCount":    int64(duplicates),
		"historicalAverage": average.InexactFloat64(),
		"historyCount":      int64(len(past)),
		"ledgerConfirmed":   ledgerVerified(rec),
	}, nil
}

// VerifyTransactionIntegrity scores a record against the risk rules table.
// A BLOCK recommendation carries an IntegrityViolation warning and is not an error.
func (s *Service) VerifyTransactionIntegrity(ctx context.Context, id snowflake.ID) (*RiskReport, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	facts, err := s.facts(ctx, *rec)
	if err != nil {
		logger.L(ctx).Error("failed to collect risk facts", zap.Error(err))
		return nil, err
	}

	report := &RiskReport{TxID: rec.ID.String(), Flags: []Flag{}, CheckedAt: s.now()}
	for _, rule := range s.rules {
		hit, err := s.engine.Evaluate(rule.Expression, facts)
		if err != nil {
			return nil, errutil.Internal("risk rule "+rule.Name+" failed", err)
		}
		if !hit {
			continue
		}
		report.Flags = append(report.Flags, Flag{Rule: rule.Name, Severity: rule.Severity, Score: rule.Score, Message: rule.Message})
		report.RiskScore += rule.Score
	}
	if report.RiskScore > maxRiskScore {
		report.RiskScore = maxRiskScore
	}
	report.RiskLevel = riskLevel(report.RiskScore)
	report.Recommendation = recommendation(report.RiskLevel)

	if report.Recommendation == RecommendBlock {
		var be errutil.BaseError
		if errors.As(errutil.IntegrityViolation(fmt.Sprintf("transaction %s should be blocked (risk score %d)", report.TxID, report.RiskScore)), &be) {
			report.Warning = &be
		}
		logger.L(ctx).Warn("integrity check recommends block",
			zap.String("transaction_id", report.TxID), zap.Int("risk_score", report.RiskScore))
	}
	return report, nil
}

// GenerateComplianceReport aggregates r, defaulting to the last 30 days.
// The compliance block counts are local placeholders for external attestations.
func (s *Service) GenerateComplianceReport(ctx context.Context, r Range) (*ComplianceReport, error) {
	now := s.now()
	if r.To.IsZero() {
		r.To = now
	}
	if r.From.IsZero() {
		r.From = r.To.Add(-defaultReportPeriod)
	}
	if r.From.After(r.To) {
		return nil, errutil.Validation("from must not be after to")
	}

	inRange := []option.QueryOption{
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.GTE, Value: r.From.UTC()}),
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LTE, Value: r.To.UTC()}),
	}

	var (
		summary    ComplianceSummary
		compliance = ComplianceBlock{AttestationSource: attestationSource}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := s.records.Find(gctx, &investment.InvestmentRecord{}, inRange...)
		if err != nil {
			return err
		}
		total := decimal.Zero
		parties := map[string]struct{}{}
		for _, row := range rows {
			total = total.Add(row.Amount)
			parties[row.InvestorID] = struct{}{}
			parties[row.CreatorID] = struct{}{}
		}
		summary.TotalTransactions = int64(len(rows))
		summary.TotalValue = total
		summary.UniqueParties = len(parties)
		return nil
	})
	g.Go(func() error {
		pending, err := s.records.Count(gctx, &investment.InvestmentRecord{LedgerStatus: investment.LedgerStatusPending}, inRange...)
		if err != nil {
			return err
		}
		invalid, err := s.records.Count(gctx, &investment.InvestmentRecord{}, append(inRange,
			option.ApplyOperator(option.Condition{Field: "amount", Operator: option.LTE, Value: 0}))...)
		if err != nil {
			return err
		}
		compliance.UnreconciledMirrors = pending
		compliance.SuspiciousActivityReports = invalid
		return nil
	})
	g.Go(func() error {
		report, err := ledger.Verify(gctx, s.ledger)
		if err != nil {
			logger.L(ctx).Warn("ledger unavailable for compliance report", zap.Error(err))
			return nil
		}
		compliance.BackupsVerified = report.Valid
		compliance.LedgerEntries = report.Entries
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.L(ctx).Error("failed to build compliance report", zap.Error(err))
		return nil, err
	}
	compliance.AMLScreensPerformed = summary.TotalTransactions

	out := &ComplianceReport{
		Summary:    summary,
		Compliance: compliance,
		Certification: Certification{
			GeneratedAt: now,
			Period:      Range{From: r.From.UTC(), To: r.To.UTC()},
			CertifiedBy: certifiedBy,
		},
	}

	body, err := json.Marshal(struct {
		Summary    ComplianceSummary `json:"summary"`
		Compliance ComplianceBlock   `json:"compliance"`
		Period     Range             `json:"period"`
	}{out.Summary, out.Compliance, out.Certification.Period})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	out.Certification.ReportHash = hex.EncodeToString(sum[:])
	return out, nil
}

// VerifyLedgerChain recomputes every entry hash and the previous-hash links.
func (s *Service) VerifyLedgerChain(ctx context.Context) (*ledger.ChainReport, error) {
	report, err := ledger.Verify(ctx, s.ledger)
	if err != nil {
		logger.L(ctx).Error("failed to read ledger", zap.Error(err))
		return nil, err
	}
	return &report, nil
}
