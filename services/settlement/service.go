package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"revledger/pkg/errutil"
	"revledger/pkg/logger"
	"revledger/services/ledger"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service builds settlement records. Nothing is persisted.
type Service struct {
	ledger ledger.Port
	now    func() time.Time
}

type ServiceParams struct {
	fx.In

	Ledger ledger.Port
}

func NewService(p ServiceParams) *Service {
	return New(p.Ledger)
}

func New(port ledger.Port) *Service {
	return &Service{
		ledger: port,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateSettlementRecord(in Input) (*Record, error) {
	if in.DistributionID == "" || in.BeneficiaryType == "" || in.BeneficiaryID == "" {
		return nil, errutil.Validation("distributionId, beneficiaryType, and beneficiaryId are required")
	}
	if in.Amount.IsNegative() {
		return nil, errutil.Validation("amount must not be negative")
	}

	now := s.now()
	return &Record{
		SettlementID:    SettlementID(in.DistributionID, in.BeneficiaryID),
		DistributionID:  in.DistributionID,
		SourceTxIDs:     append([]string{}, in.SourceTxIDs...),
		BeneficiaryType: in.BeneficiaryType,
		BeneficiaryID:   in.BeneficiaryID,
		Amount:          in.Amount,
		State:           StateUnsettled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// BuildFromDistribution fans a DISTRIBUTION entry out into one record per allocation.
// Each share is amount * percentage / 100, rounded to 2 decimal places.
func (s *Service) BuildFromDistribution(entry ledger.Entry) ([]Record, error) {
	if entry.Type != ledger.TypeDistribution {
		return nil, errutil.Validation(fmt.Sprintf("entry %s is not a distribution", entry.TxID))
	}

	distributionID := entry.GetString("distributionId")
	if distributionID == "" {
		distributionID = entry.IdempotencyKey
	}
	amount := decimal.NewFromFloat(entry.GetFloat("amount"))

	var sources []string
	if ref := entry.GetString("referenceTxId"); ref != "" {
		sources = append(sources, ref)
	}

	allocs, ok := entry.Get("allocations").([]any)
	if !ok || len(allocs) == 0 {
		return nil, errutil.Validation("distribution has no allocations")
	}

	out := make([]Record, 0, len(allocs))
	for _, raw := range allocs {
		alloc, ok := raw.(map[string]any)
		if !ok {
			return nil, errutil.Validation("malformed allocation")
		}
		beneficiary, _ := alloc["beneficiary"].(string)
		percentage, _ := alloc["percentage"].(float64)

		beneficiaryType, beneficiaryID := resolveBeneficiary(beneficiary, entry)
		rec, err := s.CreateSettlementRecord(Input{
			DistributionID:  distributionID,
			SourceTxIDs:     sources,
			BeneficiaryType: beneficiaryType,
			BeneficiaryID:   beneficiaryID,
			Amount:          amount.Mul(decimal.NewFromFloat(percentage)).Div(decimal.NewFromInt(100)).Round(2),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// resolveBeneficiary maps a split-table role onto the concrete party of a distribution.
func resolveBeneficiary(role string, entry ledger.Entry) (string, string) {
	switch strings.ToLower(role) {
	case "creator":
		return BeneficiaryCreator, entry.GetString("toCreator")
	case "platform":
		return BeneficiaryPlatform, entry.GetString("fromUser")
	default:
		return strings.ToUpper(role), role
	}
}

// ForDistribution loads the distribution by id from the ledger and builds its settlements.
func (s *Service) ForDistribution(ctx context.Context, distributionID string) ([]Record, error) {
	entry, err := ledger.FindByKey(ctx, s.ledger, distributionID)
	if err != nil {
		logger.L(ctx).Error("failed to read ledger", zap.String("distribution_id", distributionID), zap.Error(err))
		return nil, err
	}
	if entry == nil {
		return nil, errutil.NotFound("distribution not found", nil)
	}
	return s.BuildFromDistribution(*entry)
}
