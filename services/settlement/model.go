package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

const StateUnsettled = "UNSETTLED"

const (
	BeneficiaryCreator  = "CREATOR"
	BeneficiaryPlatform = "PLATFORM"
)

type Input struct {
	DistributionID  string          `json:"distributionId"`
	SourceTxIDs     []string        `json:"sourceTxIds"`
	BeneficiaryType string          `json:"beneficiaryType"`
	BeneficiaryID   string          `json:"beneficiaryId"`
	Amount          decimal.Decimal `json:"amount"`
}

type Record struct {
	SettlementID    string          `json:"settlementId"`
	DistributionID  string          `json:"distributionId"`
	SourceTxIDs     []string        `json:"sourceTxIds"`
	BeneficiaryType string          `json:"beneficiaryType"`
	BeneficiaryID   string          `json:"beneficiaryId"`
	Amount          decimal.Decimal `json:"amount"`
	State           string          `json:"state"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// SettlementID is hex(SHA-256(distributionId + ":" + beneficiaryId)).
func SettlementID(distributionID, beneficiaryID string) string {
	sum := sha256.Sum256([]byte(distributionID + ":" + beneficiaryID))
	return hex.EncodeToString(sum[:])
}
