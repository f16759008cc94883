package investment

import (
	"context"
	"errors"
	"testing"
	"time"

	"revledger/pkg/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

func TestStandaloneSchedulerReconcilesWithoutRedis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueuer.err = errors.New("no broker")
	f.port.setDown(true)

	res, err := f.svc.Invest(ctx, invest("A", 100))
	require.NoError(t, err)
	require.Equal(t, LedgerStatusPending, res.Investment.LedgerStatus)

	f.port.setDown(false)
	f.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	s := NewScheduler(f.svc)
	s.interval = 10 * time.Millisecond

	lc := fxtest.NewLifecycle(t)
	startStandaloneScheduler(lc, &config.Config{}, s)
	lc.RequireStart()
	defer lc.RequireStop()

	require.Eventually(t, func() bool {
		rec, err := f.svc.Get(ctx, res.Investment.ID)
		return err == nil && rec.LedgerStatus == LedgerStatusConfirmed && rec.DistributionID != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStandaloneSchedulerDefersToWorker(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.svc)

	cfg := &config.Config{}
	cfg.Redis.Addr = "localhost:6379"

	lc := fxtest.NewLifecycle(t)
	startStandaloneScheduler(lc, cfg, s)
	lc.RequireStart()
	lc.RequireStop()

	select {
	case <-s.done:
		t.Fatal("reconciler started alongside the task worker")
	default:
	}
}
