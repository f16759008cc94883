package ledger

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"revledger/pkg/config"
	"revledger/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

const (
	txCreate = "CreateTransaction"
	txGetAll = "GetAllTransactions"
)

type contract interface {
	SubmitWithContext(ctx context.Context, name string, opts ...client.ProposalOption) ([]byte, error)
	EvaluateWithContext(ctx context.Context, name string, opts ...client.ProposalOption) ([]byte, error)
}

// session is one gateway connection scoped to a single call.
type session interface {
	contract
	Close() error
}

type dialFunc func(ctx context.Context) (session, error)

// RemoteLedgerAdapter talks to a Hyperledger Fabric network through the gateway.
// Each call opens its own session and closes it on every exit path.
type RemoteLedgerAdapter struct {
	cfg     config.LedgerConfig
	node    *snowflake.Node
	timeout time.Duration
	dial    dialFunc
	now     func() time.Time
}

func NewRemoteLedgerAdapter(cfg config.LedgerConfig, node *snowflake.Node) *RemoteLedgerAdapter {
	a := &RemoteLedgerAdapter{
		cfg:     cfg,
		node:    node,
		timeout: cfg.Timeout,
		now:     time.Now,
	}
	if a.timeout <= 0 {
		a.timeout = 10 * time.Second
	}
	a.dial = a.dialGateway
	return a
}

// Linked is false: ordering and tamper evidence belong to the network, entries are not chained locally.
func (a *RemoteLedgerAdapter) Linked() bool {
	return false
}

func (a *RemoteLedgerAdapter) Append(ctx context.Context, entry Entry) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	sealed, err := seal(entry, a.node.Generate().String(), a.now(), "")
	if err != nil {
		return Entry{}, err
	}
	payload, err := json.Marshal(sealed)
	if err != nil {
		return Entry{}, err
	}

	sess, err := a.dial(ctx)
	if err != nil {
		return Entry{}, a.mapErr(ctx, txCreate, err)
	}
	defer a.close(sess)

	if _, err := sess.SubmitWithContext(ctx, txCreate, client.WithArguments(string(payload))); err != nil {
		return Entry{}, a.mapErr(ctx, txCreate, err)
	}

	return sealed, nil
}

func (a *RemoteLedgerAdapter) ReadAll(ctx context.Context) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	sess, err := a.dial(ctx)
	if err != nil {
		return nil, a.mapErr(ctx, txGetAll, err)
	}
	defer a.close(sess)

	result, err := sess.EvaluateWithContext(ctx, txGetAll)
	if err != nil {
		return nil, a.mapErr(ctx, txGetAll, err)
	}

	var entries []Entry
	if len(result) > 0 {
		if err := json.Unmarshal(result, &entries); err != nil {
			return nil, errutil.LedgerUnavailable("failed to decode remote ledger", err)
		}
	}
	return entries, nil
}

func (a *RemoteLedgerAdapter) close(sess session) {
	if err := sess.Close(); err != nil {
		zap.L().Warn("failed to close ledger gateway", zap.Error(err))
	}
}

func (a *RemoteLedgerAdapter) mapErr(ctx context.Context, tx string, err error) error {
	switch {
	case errors.Is(err, ErrIdentityNotFound):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded), status.Code(err) == codes.DeadlineExceeded:
		if tx == txCreate {
			return errutil.LedgerUnavailable("remote ledger write timed out", fmt.Errorf("%w: %v", ErrOutcomeUnknown, err))
		}
		return errutil.LedgerUnavailable("remote ledger read timed out", err)
	case status.Code(err) == codes.Unavailable:
		return errutil.LedgerUnavailable("remote ledger unreachable", err)
	case status.Code(err) == codes.Aborted, status.Code(err) == codes.FailedPrecondition:
		return &ChaincodeError{Transaction: tx, Err: err}
	}

	var (
		endorse *client.EndorseError
		submit  *client.SubmitError
		commit  *client.CommitError
	)
	if errors.As(err, &endorse) || errors.As(err, &submit) || errors.As(err, &commit) {
		return &ChaincodeError{Transaction: tx, Err: err}
	}

	return errutil.LedgerUnavailable("remote ledger call failed", err)
}

type gatewaySession struct {
	*client.Contract
	gw   *client.Gateway
	conn *grpc.ClientConn
}

func (s *gatewaySession) Close() error {
	return errors.Join(s.gw.Close(), s.conn.Close())
}

func (a *RemoteLedgerAdapter) dialGateway(ctx context.Context) (session, error) {
	profile, err := LoadConnectionProfile(a.cfg.ConnectionProfile)
	if err != nil {
		return nil, err
	}

	wallet, err := LoadWalletIdentity(a.cfg.WalletPath, a.cfg.Identity)
	if err != nil {
		return nil, err
	}

	mspID := wallet.MSPID
	if mspID == "" {
		mspID = profile.MSPID
	}

	cert, err := identity.CertificateFromPEM([]byte(wallet.Credentials.Certificate))
	if err != nil {
		return nil, err
	}
	id, err := identity.NewX509Identity(mspID, cert)
	if err != nil {
		return nil, err
	}
	key, err := identity.PrivateKeyFromPEM([]byte(wallet.Credentials.PrivateKey))
	if err != nil {
		return nil, err
	}
	sign, err := identity.NewPrivateKeySign(key)
	if err != nil {
		return nil, err
	}

	creds, err := transportCredentials(profile)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(profile.Peer.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}

	gw, err := client.Connect(id,
		client.WithSign(sign),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(a.timeout),
		client.WithEndorseTimeout(a.timeout),
		client.WithSubmitTimeout(a.timeout),
		client.WithCommitStatusTimeout(a.timeout),
	)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	contract := gw.GetNetwork(a.cfg.Channel).GetContract(a.cfg.Contract)
	return &gatewaySession{Contract: contract, gw: gw, conn: conn}, nil
}

func transportCredentials(profile *ConnectionProfile) (credentials.TransportCredentials, error) {
	pem, err := os.ReadFile(profile.Peer.TLSCACert)
	if err != nil {
		return nil, fmt.Errorf("read peer tls ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("peer tls ca: no certificates found")
	}
	return credentials.NewClientTLSFromCert(pool, profile.Peer.HostOverride), nil
}
