package audit

import (
	"context"
	"testing"
	"time"

	"revledger/pkg/config"
	"revledger/pkg/db/pagination"
	"revledger/pkg/errutil"
	"revledger/services/investment"
	"revledger/services/ledger"
	"revledger/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	svc  *Service
	db   *gorm.DB
	node *snowflake.Node
	port *ledger.MemoryLedger
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	db := testutil.NewTestDB(t, investment.Models()...)
	node := testutil.NewNode(t)
	port := ledger.NewMemoryLedger(node)

	svc, err := New(db, port, DefaultRules())
	require.NoError(t, err)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	return &fixture{svc: svc, db: db, node: node, port: port, now: now}
}

// record inserts a transaction; a positive amount is also mirrored to the ledger.
func (f *fixture) record(t *testing.T, investor, video string, amount int64, at time.Time) investment.InvestmentRecord {
	rec := investment.InvestmentRecord{
		ID:           f.node.Generate(),
		Code:         "INV-" + f.node.Generate().String(),
		VideoID:      video,
		InvestorID:   investor,
		CreatorID:    "B",
		Amount:       decimal.NewFromInt(amount),
		Type:         investment.TypeInvestment,
		Status:       investment.StatusCompleted,
		LedgerStatus: investment.LedgerStatusPending,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	if amount > 0 {
		entry, err := f.port.Append(context.Background(), ledger.NewEntry(ledger.TypeInvestment, map[string]any{
			"investmentId": rec.ID.String(),
			"amount":       float64(amount),
		}).WithIdempotencyKey(investment.MirrorKey(rec.ID)))
		require.NoError(t, err)
		rec.LedgerTxID = entry.TxID
		rec.LedgerStatus = investment.LedgerStatusConfirmed
	}
	require.NoError(t, f.db.Create(&rec).Error)
	return rec
}

func flagNames(r *RiskReport) map[string]Flag {
	out := map[string]Flag{}
	for _, fl := range r.Flags {
		out[fl.Rule] = fl
	}
	return out
}

func TestIntegrityNegativeAmountIsBlocked(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "A", "V", -10, f.now.Add(-time.Hour))

	report, err := f.svc.VerifyTransactionIntegrity(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, RiskHigh, report.RiskLevel)
	require.Equal(t, RecommendBlock, report.Recommendation)
	require.Equal(t, 70, report.RiskScore)
	require.Contains(t, flagNames(report), "invalid_amount")
	require.NotNil(t, report.Warning)
	require.Equal(t, errutil.StatusIntegrityViolation, report.Warning.Code)
}

func TestIntegrityFutureTimestampIsCritical(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "A", "V", 100, f.now.Add(time.Hour))

	report, err := f.svc.VerifyTransactionIntegrity(context.Background(), rec.ID)
	require.NoError(t, err)

	flag, ok := flagNames(report)["future_timestamp"]
	require.True(t, ok)
	require.Equal(t, SeverityCritical, flag.Severity)
	require.Equal(t, RiskHigh, report.RiskLevel)
}

func TestIntegrityDuplicatesFlagEachOther(t *testing.T) {
	f := newFixture(t)
	first := f.record(t, "A", "V", 100, f.now.Add(-30*time.Minute))
	second := f.record(t, "A", "V", 100, f.now.Add(-20*time.Minute))
	// different amount, same parties
	f.record(t, "A", "V", 90, f.now.Add(-25*time.Minute))
	// outside the window
	f.record(t, "A", "V", 100, f.now.Add(-3*time.Hour))

	for _, id := range []snowflake.ID{first.ID, second.ID} {
		report, err := f.svc.VerifyTransactionIntegrity(context.Background(), id)
		require.NoError(t, err)

		flag, ok := flagNames(report)["duplicate"]
		require.True(t, ok)
		require.Equal(t, SeverityHigh, flag.Severity)
		require.Equal(t, 30, report.RiskScore)
		require.Equal(t, RiskMedium, report.RiskLevel)
		require.Equal(t, RecommendReview, report.Recommendation)
		require.Nil(t, report.Warning)
	}
}

func TestIntegrityCleanTransactionIsApproved(t *testing.T) {
	f := newFixture(t)
	f.record(t, "A", "W", 80, f.now.Add(-48*time.Hour))
	rec := f.record(t, "A", "V", 100, f.now.Add(-time.Hour))

	report, err := f.svc.VerifyTransactionIntegrity(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Empty(t, report.Flags)
	require.Zero(t, report.RiskScore)
	require.Equal(t, RiskLow, report.RiskLevel)
	require.Equal(t, RecommendApprove, report.Recommendation)
}

func TestIntegrityUnusualAmount(t *testing.T) {
	f := newFixture(t)
	f.record(t, "A", "W", 10, f.now.Add(-72*time.Hour))
	f.record(t, "A", "W", 20, f.now.Add(-48*time.Hour))
	rec := f.record(t, "A", "V", 100, f.now.Add(-time.Hour))

	report, err := f.svc.VerifyTransactionIntegrity(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Contains(t, flagNames(report), "unusual_amount")
	require.Equal(t, 15, report.RiskScore)
	require.Equal(t, RiskLow, report.RiskLevel)
}

func TestIntegrityScoreIsCapped(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "A", "V", -10, f.now.Add(time.Hour))
	f.record(t, "A", "V", -10, f.now.Add(50*time.Minute))

	report, err := f.svc.VerifyTransactionIntegrity(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, 100, report.RiskScore)
	require.Len(t, report.Flags, 5)
}

func TestConfiguredRulesReplaceDefaults(t *testing.T) {
	f := newFixture(t)
	rules := RulesFromConfig(config.RiskConfig{Rules: []config.RiskRule{
		{Name: "large", Severity: "high", Score: 60, Expression: "amount > 50.0", Message: "large"},
	}})
	svc, err := New(f.db, f.port, rules)
	require.NoError(t, err)
	svc.now = f.svc.now

	rec := f.record(t, "A", "V", 100, f.now.Add(-time.Hour))
	report, err := svc.VerifyTransactionIntegrity(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, 60, report.RiskScore)
	require.Equal(t, RecommendBlock, report.Recommendation)

	_, err = New(f.db, f.port, []Rule{{Name: "bad", Severity: SeverityLow, Expression: "amount +"}})
	require.Error(t, err)
	_, err = New(f.db, f.port, []Rule{{Name: "bad", Severity: "SEVERE", Expression: "future"}})
	require.Error(t, err)
	require.Len(t, RulesFromConfig(config.RiskConfig{}), 5)
}

func TestTransactionHistory(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.record(t, "A", "V", int64(10*(i+1)), f.now.Add(-time.Duration(i+1)*time.Hour))
	}
	f.record(t, "C", "W", 500, f.now.Add(-time.Hour))
	f.record(t, "A", "V", -5, f.now.Add(-10*time.Hour))

	ctx := context.Background()

	hist, err := f.svc.GetTransactionHistory(ctx, Filters{VideoID: "V"}, pagination.Pagination{Page: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, hist.Items, 2)
	require.Equal(t, int64(6), hist.Pagination.Total)
	require.Equal(t, 3, hist.Pagination.TotalPages)
	// newest first, summary over the page only
	require.True(t, hist.Items[0].Amount.Equal(decimal.NewFromInt(10)))
	require.True(t, hist.Summary.TotalAmount.Equal(decimal.NewFromInt(30)))
	require.Equal(t, 2, hist.Summary.Count)
	require.True(t, hist.Summary.AverageAmount.Equal(decimal.NewFromInt(15)))
	require.True(t, hist.Items[0].LedgerVerified)
	require.Equal(t, RecordHash(hist.Items[0].InvestmentRecord), hist.Items[0].Hash)

	// participant matches the creator role too
	hist, err = f.svc.GetTransactionHistory(ctx, Filters{ParticipantID: "B"}, pagination.Pagination{})
	require.NoError(t, err)
	require.Equal(t, int64(7), hist.Pagination.Total)
	require.Equal(t, 20, hist.Pagination.Limit)

	from := f.now.Add(-150 * time.Minute)
	hist, err = f.svc.GetTransactionHistory(ctx, Filters{ParticipantID: "A", From: &from}, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, hist.Items, 2)

	hist, err = f.svc.GetTransactionHistory(ctx, Filters{Status: "REFUNDED"}, pagination.Pagination{})
	require.NoError(t, err)
	require.Empty(t, hist.Items)
	require.True(t, hist.Summary.AverageAmount.IsZero())
}

func TestTransactionDetail(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "A", "V", 100, f.now.Add(-time.Hour))
	require.NoError(t, f.db.Create(&[]investment.StatusTransition{
		{TransactionID: rec.ID, FromStatus: "", ToStatus: investment.StatusPending, At: rec.CreatedAt},
		{TransactionID: rec.ID, FromStatus: investment.StatusPending, ToStatus: investment.StatusCompleted, At: rec.CreatedAt},
	}).Error)

	detail, err := f.svc.GetTransactionDetail(context.Background(), rec.ID)
	require.NoError(t, err)
	require.True(t, detail.Fee.Equal(decimal.NewFromInt(30)))
	require.True(t, detail.NetAmount.Equal(decimal.NewFromInt(70)))
	require.True(t, detail.Verification.Verified)
	require.True(t, detail.Verification.Integrity)
	require.True(t, detail.Verification.Timelock)
	require.NotNil(t, detail.Verification.LedgerRecord)
	require.Equal(t, rec.LedgerTxID, detail.Verification.LedgerRecord.TxID)
	require.Len(t, detail.StatusHistory, 2)
	require.Equal(t, investment.StatusCompleted, detail.StatusHistory[1].ToStatus)

	pending := f.record(t, "A", "V", -1, f.now.Add(time.Hour))
	detail, err = f.svc.GetTransactionDetail(context.Background(), pending.ID)
	require.NoError(t, err)
	require.False(t, detail.Verification.Verified)
	require.False(t, detail.Verification.Timelock)
	require.Empty(t, detail.StatusHistory)

	_, err = f.svc.GetTransactionDetail(context.Background(), f.node.Generate())
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestComplianceReport(t *testing.T) {
	f := newFixture(t)
	f.record(t, "A", "V", 100, f.now.Add(-24*time.Hour))
	f.record(t, "C", "V", 50, f.now.Add(-48*time.Hour))
	f.record(t, "A", "V", -5, f.now.Add(-time.Hour))
	f.record(t, "A", "V", 999, f.now.Add(-60*24*time.Hour))

	report, err := f.svc.GenerateComplianceReport(context.Background(), Range{})
	require.NoError(t, err)
	require.Equal(t, int64(3), report.Summary.TotalTransactions)
	require.True(t, report.Summary.TotalValue.Equal(decimal.NewFromInt(145)))
	require.Equal(t, 3, report.Summary.UniqueParties)

	require.Equal(t, int64(3), report.Compliance.AMLScreensPerformed)
	require.Equal(t, int64(1), report.Compliance.SuspiciousActivityReports)
	require.Equal(t, int64(1), report.Compliance.UnreconciledMirrors)
	require.True(t, report.Compliance.BackupsVerified)
	require.Equal(t, "placeholder", report.Compliance.AttestationSource)

	require.Equal(t, f.now, report.Certification.GeneratedAt)
	require.Equal(t, f.now.Add(-30*24*time.Hour), report.Certification.Period.From)
	require.Len(t, report.Certification.ReportHash, 64)

	again, err := f.svc.GenerateComplianceReport(context.Background(), Range{})
	require.NoError(t, err)
	require.Equal(t, report.Certification.ReportHash, again.Certification.ReportHash)

	_, err = f.svc.GenerateComplianceReport(context.Background(), Range{From: f.now, To: f.now.Add(-time.Hour)})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestVerifyLedgerChain(t *testing.T) {
	f := newFixture(t)
	f.record(t, "A", "V", 100, f.now)
	f.record(t, "A", "V", 50, f.now)

	report, err := f.svc.VerifyLedgerChain(context.Background())
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 2, report.Entries)
}
