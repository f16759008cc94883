package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"revledger/pkg/config"
	"revledger/pkg/errutil"
	"revledger/services/testutil"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type sessionMock struct {
	submitFn   func(ctx context.Context, name string, opts ...client.ProposalOption) ([]byte, error)
	evaluateFn func(ctx context.Context, name string, opts ...client.ProposalOption) ([]byte, error)
	closed     int
}

func (m *sessionMock) SubmitWithContext(ctx context.Context, name string, opts ...client.ProposalOption) ([]byte, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, name, opts...)
	}
	return nil, nil
}

func (m *sessionMock) EvaluateWithContext(ctx context.Context, name string, opts ...client.ProposalOption) ([]byte, error) {
	if m.evaluateFn != nil {
		return m.evaluateFn(ctx, name, opts...)
	}
	return []byte("[]"), nil
}

func (m *sessionMock) Close() error {
	m.closed++
	return nil
}

func newRemote(t *testing.T, sess *sessionMock, timeout time.Duration) *RemoteLedgerAdapter {
	a := NewRemoteLedgerAdapter(config.LedgerConfig{Channel: "mychannel", Contract: "revenue", Timeout: timeout}, testutil.NewNode(t))
	a.dial = func(ctx context.Context) (session, error) { return sess, nil }
	return a
}

func TestRemoteAppendSubmitsAndCloses(t *testing.T) {
	var submitted string
	sess := &sessionMock{
		submitFn: func(ctx context.Context, name string, opts ...client.ProposalOption) ([]byte, error) {
			submitted = name
			return nil, nil
		},
	}
	a := newRemote(t, sess, time.Second)

	entry, err := a.Append(context.Background(), NewEntry(TypeInvestment, map[string]any{"amount": 100}))
	require.NoError(t, err)
	require.NotEmpty(t, entry.TxID)
	require.Equal(t, "CreateTransaction", submitted)
	require.Equal(t, 1, sess.closed)
	require.False(t, a.Linked())
}

func TestRemoteReadAllDecodesAndCloses(t *testing.T) {
	stored := Entry{TxID: "1", Type: TypeInvestment, Timestamp: time.Now().UTC(), Fields: map[string]any{"amount": float64(5)}}
	stored.Hash = stored.GenerateHash()
	body, err := json.Marshal([]Entry{stored})
	require.NoError(t, err)

	sess := &sessionMock{
		evaluateFn: func(ctx context.Context, name string, opts ...client.ProposalOption) ([]byte, error) {
			require.Equal(t, "GetAllTransactions", name)
			return body, nil
		},
	}
	a := newRemote(t, sess, time.Second)

	entries, err := a.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "1", entries[0].TxID)
	require.Equal(t, 1, sess.closed)

	report, err := Verify(context.Background(), a)
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.False(t, report.Linked)
}

func TestRemoteTimeoutIsOutcomeUnknown(t *testing.T) {
	sess := &sessionMock{
		submitFn: func(ctx context.Context, name string, opts ...client.ProposalOption) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	a := newRemote(t, sess, 20*time.Millisecond)

	_, err := a.Append(context.Background(), NewEntry(TypeInvestment, nil))
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	require.True(t, errutil.Is(err, errutil.StatusServiceUnavailable))
	require.Equal(t, 1, sess.closed)
}

func TestRemoteRejectionIsChaincodeError(t *testing.T) {
	sess := &sessionMock{
		submitFn: func(ctx context.Context, name string, opts ...client.ProposalOption) ([]byte, error) {
			return nil, status.Error(codes.Aborted, "chaincode response 500, asset already exists")
		},
	}
	a := newRemote(t, sess, time.Second)

	_, err := a.Append(context.Background(), NewEntry(TypeInvestment, nil))
	var cc *ChaincodeError
	require.True(t, errors.As(err, &cc))
	require.Equal(t, "CreateTransaction", cc.Transaction)
	require.Equal(t, 1, sess.closed)
}

func TestRemoteMissingIdentity(t *testing.T) {
	dir := t.TempDir()
	profile := filepath.Join(dir, "connection.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("mspId: Org1MSP\npeer:\n  endpoint: localhost:7051\n  tlsCACert: ca.pem\n"), 0o644))

	a := NewRemoteLedgerAdapter(config.LedgerConfig{
		ConnectionProfile: profile,
		WalletPath:        filepath.Join(dir, "wallet"),
		Identity:          "appUser",
		Timeout:           time.Second,
	}, testutil.NewNode(t))

	_, err := a.Append(context.Background(), NewEntry(TypeInvestment, nil))
	require.ErrorIs(t, err, ErrIdentityNotFound)

	_, err = a.ReadAll(context.Background())
	require.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestLoadConnectionProfileResolvesRelativeCA(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connection.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mspId: Org1MSP\npeer:\n  endpoint: peer0:7051\n  hostOverride: peer0.org1.example.com\n  tlsCACert: tls/ca.pem\n"), 0o644))

	profile, err := LoadConnectionProfile(path)
	require.NoError(t, err)
	require.Equal(t, "Org1MSP", profile.MSPID)
	require.Equal(t, "peer0.org1.example.com", profile.Peer.HostOverride)
	require.Equal(t, filepath.Join(dir, "tls", "ca.pem"), profile.Peer.TLSCACert)

	require.NoError(t, os.WriteFile(path, []byte("mspId: Org1MSP\n"), 0o644))
	_, err = LoadConnectionProfile(path)
	require.Error(t, err)
}
