package distribution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"revledger/pkg/config"
	"revledger/pkg/errutil"
	"revledger/services/ledger"
	"revledger/services/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testSplits = []config.Split{
	{Beneficiary: "creator", Percentage: 70},
	{Beneficiary: "platform", Percentage: 30},
}

// portMock records appends and delegates to an in-memory ledger.
type portMock struct {
	ledger.Port
	mu      sync.Mutex
	appends int
}

func (m *portMock) Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	m.mu.Lock()
	m.appends++
	m.mu.Unlock()
	return m.Port.Append(ctx, e)
}

func newService(t *testing.T) (*Service, *portMock) {
	port := &portMock{Port: ledger.NewMemoryLedger(testutil.NewNode(t))}
	svc, err := New(port, testSplits)
	require.NoError(t, err)
	return svc, port
}

func confirmedEvent(txID string) Event {
	return Event{
		EventType:       EventLedgerWriteConfirmed,
		InvestmentState: InvestmentConfirmed,
		VideoState:      VideoActive,
		Transaction: &Transaction{
			TxID:      txID,
			VideoID:   "V",
			ToCreator: "B",
			Amount:    decimal.NewFromInt(100),
		},
	}
}

func distributionEntries(t *testing.T, port ledger.Port) []ledger.Entry {
	entries, err := port.ReadAll(context.Background())
	require.NoError(t, err)
	var out []ledger.Entry
	for _, e := range entries {
		if e.Type == ledger.TypeDistribution {
			out = append(out, e)
		}
	}
	return out
}

func TestHandleEventIsIdempotent(t *testing.T) {
	svc, port := newService(t)
	ctx := context.Background()

	first, err := svc.HandleEvent(ctx, confirmedEvent("T1"))
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.Equal(t, DistributionID("T1"), first.DistributionID)
	require.Equal(t, first.DistributionID, first.Record.IdempotencyKey)

	// replay after a simulated crash
	second, err := svc.HandleEvent(ctx, confirmedEvent("T1"))
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.DistributionID, second.DistributionID)
	require.Equal(t, first.Record, second.Record)

	entries := distributionEntries(t, port)
	require.Len(t, entries, 1)
	require.Equal(t, 1, port.appends)

	record := entries[0]
	require.Equal(t, "V", record.GetString("videoId"))
	require.Equal(t, "platform", record.GetString("fromUser"))
	require.Equal(t, "B", record.GetString("toCreator"))
	require.Equal(t, "T1", record.GetString("referenceTxId"))
	require.Equal(t, "LedgerWriteConfirmed", record.GetString("eventType"))
	require.Equal(t, float64(100), record.GetFloat("amount"))
	require.Len(t, record.Get("allocations"), 2)
}

func TestDistributionIDIsSHA256OfReference(t *testing.T) {
	sum := sha256.Sum256([]byte("T1"))
	require.Equal(t, hex.EncodeToString(sum[:]), DistributionID("T1"))
	require.Len(t, DistributionID("T1"), 64)
	require.NotEqual(t, DistributionID("T1"), DistributionID("T2"))
}

func TestHandleEventRejectsWrongInvestmentState(t *testing.T) {
	svc, port := newService(t)

	for _, videoState := range []string{VideoActive, "DRAFT", ""} {
		ev := confirmedEvent("T1")
		ev.InvestmentState = "PENDING"
		ev.VideoState = videoState

		_, err := svc.HandleEvent(context.Background(), ev)
		require.Error(t, err)
		require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))
		require.Contains(t, err.Error(), "Investment state must be CONFIRMED")
	}
	require.Equal(t, 0, port.appends)
}

func TestHandleEventRejectsInactiveVideo(t *testing.T) {
	svc, port := newService(t)

	ev := confirmedEvent("T1")
	ev.VideoState = "SUSPENDED"

	_, err := svc.HandleEvent(context.Background(), ev)
	require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))
	require.Contains(t, err.Error(), "Video state must be ACTIVE")
	require.Equal(t, 0, port.appends)
}

func TestHandleEventValidation(t *testing.T) {
	svc, port := newService(t)

	cases := map[string]Event{
		"missing transaction": {EventType: EventInvestmentConfirmed, InvestmentState: InvestmentConfirmed, VideoState: VideoActive},
		"missing type":        {Transaction: &Transaction{TxID: "T", VideoID: "V", ToCreator: "B"}},
		"missing creator":     {EventType: EventInvestmentConfirmed, InvestmentState: InvestmentConfirmed, VideoState: VideoActive, Transaction: &Transaction{TxID: "T", VideoID: "V"}},
		"unknown type":        {EventType: "Refund", InvestmentState: InvestmentConfirmed, VideoState: VideoActive, Transaction: &Transaction{TxID: "T", VideoID: "V", ToCreator: "B"}},
	}

	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.HandleEvent(context.Background(), ev)
			require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
		})
	}
	require.Equal(t, 0, port.appends)
}

func TestHandleEventConcurrentDeliveries(t *testing.T) {
	svc, port := newService(t)

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.HandleEvent(context.Background(), confirmedEvent("T9"))
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = res.Record.TxID
		}(i)
	}
	wg.Wait()

	require.Len(t, distributionEntries(t, port), 1)
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestHandleEventResolvesDuplicateKeyRace(t *testing.T) {
	mem := ledger.NewMemoryLedger(testutil.NewNode(t))
	// a competing process already wrote the distribution
	winner, err := mem.Append(context.Background(), ledger.NewEntry(ledger.TypeDistribution, map[string]any{
		"distributionId": DistributionID("T3"),
	}).WithIdempotencyKey(DistributionID("T3")))
	require.NoError(t, err)

	svc, err := New(&blindPort{Port: mem}, testSplits)
	require.NoError(t, err)

	res, err := svc.HandleEvent(context.Background(), confirmedEvent("T3"))
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, winner.TxID, res.Record.TxID)
}

// blindPort misses the first lookup, as if the competing write landed just after it.
type blindPort struct {
	ledger.Port
	calls int
}

func (b *blindPort) FindByKey(ctx context.Context, key string) (*ledger.Entry, error) {
	b.calls++
	if b.calls == 1 {
		return nil, nil
	}
	return ledger.FindByKey(ctx, b.Port, key)
}

// gatedPort blocks the first Append until released, honouring the write's own context.
type gatedPort struct {
	ledger.Port
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *gatedPort) Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	p.once.Do(func() { close(p.entered) })
	select {
	case <-p.release:
	case <-ctx.Done():
		return ledger.Entry{}, ctx.Err()
	}
	return p.Port.Append(ctx, e)
}

func TestHandleEventSurvivesCancelledFirstCaller(t *testing.T) {
	port := &gatedPort{
		Port:    ledger.NewMemoryLedger(testutil.NewNode(t)),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc, err := New(port, testSplits)
	require.NoError(t, err)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.HandleEvent(firstCtx, confirmedEvent("T9"))
		firstErr <- err
	}()
	<-port.entered

	type outcome struct {
		res *Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := svc.HandleEvent(context.Background(), confirmedEvent("T9"))
		second <- outcome{res, err}
	}()

	cancelFirst()
	err = <-firstErr
	require.True(t, errutil.Is(err, errutil.StatusTimeout), err.Error())

	time.Sleep(20 * time.Millisecond)
	close(port.release)

	got := <-second
	require.NoError(t, got.err)
	require.Equal(t, DistributionID("T9"), got.res.DistributionID)
	require.Len(t, distributionEntries(t, port), 1)
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"eventType":"InvestmentConfirmed","investmentState":"CONFIRMED","videoState":"ACTIVE","transaction":{"txId":"T1","videoId":"V","toCreator":"B","amount":"12.50"}}`))
	require.NoError(t, err)
	require.Equal(t, EventInvestmentConfirmed, ev.EventType)
	require.True(t, ev.Transaction.Amount.Equal(decimal.RequireFromString("12.5")))

	_, err = ParseEvent([]byte(`{"eventType":"Whatever","transaction":{}}`))
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = ParseEvent([]byte(`{"eventType":"VideoActivated"}`))
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = ParseEvent([]byte(`not json`))
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestValidateSplits(t *testing.T) {
	require.NoError(t, ValidateSplits(testSplits))
	require.Error(t, ValidateSplits(nil))
	require.Error(t, ValidateSplits([]config.Split{{Beneficiary: "creator", Percentage: 0}}))
	require.Error(t, ValidateSplits([]config.Split{{Beneficiary: "creator", Percentage: 80}, {Beneficiary: "platform", Percentage: 30}}))

	_, err := New(ledger.NewMemoryLedger(testutil.NewNode(t)), nil)
	require.Error(t, err)
}
