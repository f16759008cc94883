package task

import (
	"context"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestNewEnqueuerWithoutBroker(t *testing.T) {
	enq := NewEnqueuer(nil)

	info, err := enq.Enqueue(context.Background(), asynq.NewTask("ledger:mirror:retry", []byte(`{}`)))
	require.Nil(t, info)
	require.ErrorIs(t, err, ErrBrokerUnavailable)
}
