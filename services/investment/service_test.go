package investment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"revledger/pkg/config"
	"revledger/pkg/errutil"
	"revledger/pkg/keylock"
	"revledger/pkg/sequence"
	"revledger/pkg/taskname"
	"revledger/services/distribution"
	"revledger/services/ledger"
	"revledger/services/testutil"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type enqueuerMock struct {
	mu    sync.Mutex
	err   error
	tasks []*asynq.Task
}

func (m *enqueuerMock) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, t)
	if m.err != nil {
		return nil, m.err
	}
	return &asynq.TaskInfo{ID: "1", Type: t.Type()}, nil
}

type sinkMock struct {
	mu     sync.Mutex
	err    error
	events []AuditEvent
}

func (m *sinkMock) Record(_ context.Context, ev AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

// flakyPort fails every Append while down is set, or only appends of failType.
type flakyPort struct {
	ledger.Port
	mu       sync.Mutex
	down     bool
	failType string
}

func (p *flakyPort) setDown(v bool) {
	p.mu.Lock()
	p.down = v
	p.mu.Unlock()
}

func (p *flakyPort) failOnly(entryType string) {
	p.mu.Lock()
	p.failType = entryType
	p.mu.Unlock()
}

func (p *flakyPort) Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	p.mu.Lock()
	down := p.down || (p.failType != "" && p.failType == e.Type)
	p.mu.Unlock()
	if down {
		return ledger.Entry{}, errutil.LedgerUnavailable("ledger offline", errors.New("connection refused"))
	}
	return p.Port.Append(ctx, e)
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	port     *flakyPort
	enqueuer *enqueuerMock
	sink     *sinkMock
}

func newFixture(t *testing.T) *fixture {
	db := testutil.NewTestDB(t)
	node := testutil.NewNode(t)
	port := &flakyPort{Port: ledger.NewMemoryLedger(node)}

	engine, err := distribution.New(port, []config.Split{
		{Beneficiary: "creator", Percentage: 70},
		{Beneficiary: "platform", Percentage: 30},
	})
	require.NoError(t, err)

	f := &fixture{db: db, port: port, enqueuer: &enqueuerMock{}, sink: &sinkMock{}}
	f.svc, err = NewService(ServiceParams{
		DB:          db,
		Node:        node,
		Ledger:      port,
		Distributor: engine,
		Locker:      keylock.NewLocal(),
		Enqueuer:    f.enqueuer,
		Sink:        f.sink,
		Codes:       sequence.NewLocalGenerator(),
	})
	require.NoError(t, err)

	require.NoError(t, db.Create(&[]User{
		{ID: "A", Balance: decimal.NewFromInt(500)},
		{ID: "B"},
		{ID: "C", Balance: decimal.NewFromInt(50)},
	}).Error)
	require.NoError(t, db.Create(&Video{ID: "V", CreatorID: "B", Status: VideoActive}).Error)
	return f
}

func (f *fixture) user(t *testing.T, id string) User {
	var u User
	require.NoError(t, f.db.First(&u, "id = ?", id).Error)
	return u
}

func (f *fixture) entries(t *testing.T, entryType string) []ledger.Entry {
	all, err := f.port.ReadAll(context.Background())
	require.NoError(t, err)
	var out []ledger.Entry
	for _, e := range all {
		if e.Type == entryType {
			out = append(out, e)
		}
	}
	return out
}

func invest(investor string, amount int64) Request {
	return Request{InvestorID: investor, VideoID: "V", Amount: decimal.NewFromInt(amount)}
}

func TestInvestEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Invest(ctx, Request{InvestorID: "A", VideoID: "V", CreatorID: "B", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	rec := res.Investment
	require.Equal(t, StatusCompleted, rec.Status)
	require.Equal(t, LedgerStatusConfirmed, rec.LedgerStatus)
	require.NotEmpty(t, rec.LedgerTxID)
	require.Equal(t, "B", rec.CreatorID)
	require.Regexp(t, `^INV-\d{6}-`, rec.Code)

	require.True(t, res.Ledger.Mirrored)
	require.True(t, res.Ledger.Verified)
	require.Equal(t, 2, res.Ledger.Entries)
	require.Equal(t, distribution.DistributionID(rec.LedgerTxID), res.DistributionID)

	require.True(t, res.Stats.TotalInvested.Equal(decimal.NewFromInt(100)))
	require.Equal(t, int64(1), res.Stats.UniqueInvestors)
	require.True(t, res.Stats.InvestorBalance.Equal(decimal.NewFromInt(400)))
	require.Equal(t, int64(1), res.Position.InvestmentCount)

	investor, creator := f.user(t, "A"), f.user(t, "B")
	require.True(t, investor.Balance.Equal(decimal.NewFromInt(400)))
	require.True(t, creator.Balance.Equal(decimal.NewFromInt(100)))
	require.True(t, creator.Earnings.Equal(decimal.NewFromInt(100)))
	require.Equal(t, int64(1), investor.Version)

	investments := f.entries(t, ledger.TypeInvestment)
	require.Len(t, investments, 1)
	require.Equal(t, rec.LedgerTxID, investments[0].TxID)
	require.Equal(t, rec.ID.String(), investments[0].GetString("investmentId"))
	require.Len(t, f.entries(t, ledger.TypeDistribution), 1)

	var history []StatusTransition
	require.NoError(t, f.db.Where("transaction_id = ?", rec.ID).Order("id").Find(&history).Error)
	require.Len(t, history, 3)
	require.Equal(t, StatusPending, history[0].ToStatus)
	require.Equal(t, StatusCompleted, history[1].ToStatus)
	require.Equal(t, StateLedgerConfirmed, history[2].ToStatus)

	require.Len(t, f.sink.events, 1)
	require.Equal(t, res.DistributionID, f.sink.events[0].DistributionID)
	require.Empty(t, f.enqueuer.tasks)
}

func TestInvestUpdatesExistingPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Invest(ctx, invest("A", 100))
	require.NoError(t, err)
	_, err = f.svc.Invest(ctx, invest("C", 20))
	require.NoError(t, err)
	res, err := f.svc.Invest(ctx, invest("A", 50))
	require.NoError(t, err)

	require.Equal(t, int64(2), res.Position.InvestmentCount)
	require.True(t, res.Position.TotalInvested.Equal(decimal.NewFromInt(150)))
	require.Equal(t, int64(2), res.Video.UniqueInvestors)
	require.True(t, res.Video.TotalInvested.Equal(decimal.NewFromInt(170)))
	require.Len(t, f.entries(t, ledger.TypeDistribution), 3)
}

func TestInvestRejections(t *testing.T) {
	cases := []struct {
		name   string
		req    Request
		status errutil.CoreStatus
	}{
		{"zero amount", invest("A", 0), errutil.StatusValidationFailed},
		{"negative amount", invest("A", -10), errutil.StatusValidationFailed},
		{"missing investor", invest("", 10), errutil.StatusValidationFailed},
		{"unknown video", Request{InvestorID: "A", VideoID: "X", Amount: decimal.NewFromInt(10)}, errutil.StatusNotFound},
		{"unknown investor", invest("Z", 10), errutil.StatusNotFound},
		{"self investment", invest("B", 10), errutil.StatusForbidden},
		{"creator mismatch", Request{InvestorID: "A", VideoID: "V", CreatorID: "C", Amount: decimal.NewFromInt(10)}, errutil.StatusValidationFailed},
		{"insufficient balance", invest("C", 51), errutil.StatusInsufficientBalance},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.svc.Invest(context.Background(), tc.req)
			require.Error(t, err)
			require.True(t, errutil.Is(err, tc.status), err.Error())

			var count int64
			require.NoError(t, f.db.Model(&InvestmentRecord{}).Count(&count).Error)
			require.Zero(t, count)
			require.NoError(t, f.db.Model(&StatusTransition{}).Count(&count).Error)
			require.Zero(t, count)
			require.True(t, f.user(t, "A").Balance.Equal(decimal.NewFromInt(500)))
			require.True(t, f.user(t, "C").Balance.Equal(decimal.NewFromInt(50)))
			require.Empty(t, f.entries(t, ledger.TypeInvestment))
		})
	}
}

func TestInvestSurvivesLedgerOutage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.port.setDown(true)

	res, err := f.svc.Invest(ctx, invest("A", 100))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Investment.Status)
	require.Equal(t, LedgerStatusPending, res.Investment.LedgerStatus)
	require.Empty(t, res.Investment.LedgerTxID)
	require.False(t, res.Ledger.Mirrored)
	require.Empty(t, res.DistributionID)
	require.True(t, f.user(t, "A").Balance.Equal(decimal.NewFromInt(400)))

	require.Len(t, f.enqueuer.tasks, 1)
	require.Equal(t, taskname.LedgerMirrorRetry, f.enqueuer.tasks[0].Type())

	// worker retries while the ledger is still down
	err = f.svc.HandleMirrorRetry(ctx, f.enqueuer.tasks[0])
	require.Error(t, err)

	f.port.setDown(false)
	require.NoError(t, f.svc.HandleMirrorRetry(ctx, f.enqueuer.tasks[0]))

	rec, err := f.svc.Get(ctx, res.Investment.ID)
	require.NoError(t, err)
	require.Equal(t, LedgerStatusConfirmed, rec.LedgerStatus)
	require.NotEmpty(t, rec.LedgerTxID)

	dists := f.entries(t, ledger.TypeDistribution)
	require.Len(t, dists, 1)
	require.Equal(t, rec.LedgerTxID, dists[0].GetString("referenceTxId"))

	// redelivery is a no-op
	require.NoError(t, f.svc.HandleMirrorRetry(ctx, f.enqueuer.tasks[0]))
	require.Len(t, f.entries(t, ledger.TypeInvestment), 1)
	require.Len(t, f.entries(t, ledger.TypeDistribution), 1)
}

func TestReconcilePendingWithoutBroker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueuer.err = errors.New("no broker")
	f.port.setDown(true)

	res, err := f.svc.Invest(ctx, invest("A", 100))
	require.NoError(t, err)
	require.Equal(t, LedgerStatusPending, res.Investment.LedgerStatus)

	f.port.setDown(false)
	f.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	n, err := f.svc.ReconcilePending(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := f.svc.Get(ctx, res.Investment.ID)
	require.NoError(t, err)
	require.Equal(t, LedgerStatusConfirmed, rec.LedgerStatus)
	require.Len(t, f.entries(t, ledger.TypeDistribution), 1)

	n, err = f.svc.ReconcilePending(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDistributionFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.port.failOnly(ledger.TypeDistribution)

	res, err := f.svc.Invest(ctx, invest("A", 100))
	require.NoError(t, err)
	require.Equal(t, LedgerStatusConfirmed, res.Investment.LedgerStatus)
	require.Empty(t, res.DistributionID)
	require.Empty(t, res.Investment.DistributionID)
	require.Len(t, f.entries(t, ledger.TypeInvestment), 1)
	require.Empty(t, f.entries(t, ledger.TypeDistribution))

	require.Len(t, f.enqueuer.tasks, 1)
	require.Equal(t, taskname.LedgerMirrorRetry, f.enqueuer.tasks[0].Type())

	require.Error(t, f.svc.HandleMirrorRetry(ctx, f.enqueuer.tasks[0]))

	f.port.failOnly("")
	require.NoError(t, f.svc.HandleMirrorRetry(ctx, f.enqueuer.tasks[0]))

	rec, err := f.svc.Get(ctx, res.Investment.ID)
	require.NoError(t, err)
	require.Equal(t, distribution.DistributionID(rec.LedgerTxID), rec.DistributionID)
	require.Len(t, f.entries(t, ledger.TypeInvestment), 1)
	require.Len(t, f.entries(t, ledger.TypeDistribution), 1)

	require.NoError(t, f.svc.HandleMirrorRetry(ctx, f.enqueuer.tasks[0]))
	require.Len(t, f.entries(t, ledger.TypeDistribution), 1)
}

func TestReconcileSweepsUndistributedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueuer.err = errors.New("no broker")
	f.port.failOnly(ledger.TypeDistribution)

	res, err := f.svc.Invest(ctx, invest("A", 100))
	require.NoError(t, err)
	require.Equal(t, LedgerStatusConfirmed, res.Investment.LedgerStatus)
	require.Empty(t, res.DistributionID)

	f.port.failOnly("")
	f.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	n, err := f.svc.ReconcilePending(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := f.svc.Get(ctx, res.Investment.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rec.DistributionID)
	require.Len(t, f.entries(t, ledger.TypeInvestment), 1)
	require.Len(t, f.entries(t, ledger.TypeDistribution), 1)

	n, err = f.svc.ReconcilePending(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestInvestRollsBackWhenCompletionFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Invest(ctx, invest("A", 100))
	require.NoError(t, err)

	// fail the final status update, after the record insert and position upsert
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:fail_completion", func(tx *gorm.DB) {
		if tx.Statement.Table == "transactions" {
			tx.AddError(errors.New("disk full"))
		}
	}))

	_, err = f.svc.Invest(ctx, invest("A", 50))
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.StatusInternal), err.Error())

	var count int64
	require.NoError(t, f.db.Model(&InvestmentRecord{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
	require.NoError(t, f.db.Model(&StatusTransition{}).Where("transaction_id <> ?", first.Investment.ID).Count(&count).Error)
	require.Zero(t, count)

	var positions []VideoInvestor
	require.NoError(t, f.db.Find(&positions).Error)
	require.Len(t, positions, 1)
	require.Equal(t, int64(1), positions[0].InvestmentCount)
	require.True(t, positions[0].TotalInvested.Equal(decimal.NewFromInt(100)))

	investor, creator := f.user(t, "A"), f.user(t, "B")
	require.True(t, investor.Balance.Equal(decimal.NewFromInt(400)))
	require.Equal(t, int64(1), investor.Version)
	require.True(t, creator.Balance.Equal(decimal.NewFromInt(100)))
	require.True(t, creator.Earnings.Equal(decimal.NewFromInt(100)))

	var video Video
	require.NoError(t, f.db.First(&video, "id = ?", "V").Error)
	require.True(t, video.TotalInvested.Equal(decimal.NewFromInt(100)))
	require.Equal(t, int64(1), video.UniqueInvestors)

	require.Len(t, f.entries(t, ledger.TypeInvestment), 1)
	require.Len(t, f.entries(t, ledger.TypeDistribution), 1)
	require.Empty(t, f.enqueuer.tasks)
}

func TestInvestIgnoresAuditSinkFailure(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("bucket unavailable")

	res, err := f.svc.Invest(context.Background(), invest("A", 10))
	require.NoError(t, err)
	require.Equal(t, LedgerStatusConfirmed, res.Investment.LedgerStatus)
}

func TestConcurrentInvestmentsDoNotLoseUpdates(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Invest(context.Background(), invest("A", 10)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.True(t, f.user(t, "A").Balance.Equal(decimal.NewFromInt(400)))
	require.True(t, f.user(t, "B").Earnings.Equal(decimal.NewFromInt(100)))

	var video Video
	require.NoError(t, f.db.First(&video, "id = ?", "V").Error)
	require.True(t, video.TotalInvested.Equal(decimal.NewFromInt(100)))
	require.Equal(t, int64(1), video.UniqueInvestors)
	require.Len(t, f.entries(t, ledger.TypeDistribution), 10)
}

func TestHandleMirrorRetryRejectsBadPayload(t *testing.T) {
	f := newFixture(t)

	err := f.svc.HandleMirrorRetry(context.Background(), asynq.NewTask(taskname.LedgerMirrorRetry, []byte(`nope`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = f.svc.HandleMirrorRetry(context.Background(), asynq.NewTask(taskname.LedgerMirrorRetry, []byte(`{"investment_id":"abc"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
