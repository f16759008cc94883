package investment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"revledger/pkg/config"
	"revledger/pkg/logger"
	miniostore "revledger/pkg/minio"

	"github.com/minio/minio-go/v7"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type AuditEvent struct {
	Type           string          `json:"type"`
	InvestmentID   string          `json:"investmentId"`
	Code           string          `json:"code"`
	InvestorID     string          `json:"investorId"`
	CreatorID      string          `json:"creatorId"`
	VideoID        string          `json:"videoId"`
	Amount         decimal.Decimal `json:"amount"`
	LedgerTxID     string          `json:"ledgerTxId,omitempty"`
	DistributionID string          `json:"distributionId,omitempty"`
	At             time.Time       `json:"at"`
}

// AuditSink receives a copy of every completed investment. Failures never affect the investment.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent) error
}

type SinkParams struct {
	fx.In

	Config *config.Config
	Minio  *minio.Client `optional:"true"`
}

func NewAuditSink(p SinkParams) AuditSink {
	if strings.EqualFold(p.Config.Audit.Sink, "minio") {
		if p.Minio == nil {
			zap.L().Warn("audit sink minio requested but MinIO is not configured, using log sink")
			return LogSink{}
		}
		return NewMinioSink(p.Minio, p.Config.Audit.Bucket)
	}
	return LogSink{}
}

type LogSink struct{}

func (LogSink) Record(ctx context.Context, ev AuditEvent) error {
	logger.L(ctx).Info("audit event",
		zap.String("type", ev.Type),
		zap.String("investment_id", ev.InvestmentID),
		zap.String("investor_id", ev.InvestorID),
		zap.String("creator_id", ev.CreatorID),
		zap.String("video_id", ev.VideoID),
		zap.String("amount", ev.Amount.String()),
		zap.String("ledger_tx_id", ev.LedgerTxID),
	)
	return nil
}

type MinioSink struct {
	client *minio.Client
	bucket string

	mu    sync.Mutex
	ready bool
}

func NewMinioSink(client *minio.Client, bucket string) *MinioSink {
	return &MinioSink{client: client, bucket: bucket}
}

func (s *MinioSink) Record(ctx context.Context, ev AuditEvent) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}

	key := fmt.Sprintf("investments/%s/%s.json", ev.At.UTC().Format("2006/01/02"), ev.InvestmentID)
	_, err := miniostore.PutJSON(ctx, s.client, s.bucket, key, ev)
	return err
}

func (s *MinioSink) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}
	if err := miniostore.EnsureBucket(ctx, s.client, s.bucket); err != nil {
		return err
	}
	s.ready = true
	return nil
}
