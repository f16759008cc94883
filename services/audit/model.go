package audit

import (
	"time"

	"revledger/pkg/db/pagination"
	"revledger/pkg/errutil"
	"revledger/services/investment"
	"revledger/services/ledger"

	"github.com/shopspring/decimal"
)

const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"

	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"

	RecommendApprove = "APPROVE"
	RecommendReview  = "REVIEW"
	RecommendBlock   = "BLOCK"

	// FeeRate is the platform fee taken from INVESTMENT records.
	FeeRate = "0.30"

	maxRiskScore = 100
)

type Filters struct {
	ParticipantID string
	VideoID       string
	Type          string
	Status        string
	From          *time.Time
	To            *time.Time
}

type HistoryItem struct {
	investment.InvestmentRecord
	LedgerVerified bool   `json:"ledgerVerified"`
	Hash           string `json:"hash"`
}

type Summary struct {
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Count         int             `json:"count"`
	AverageAmount decimal.Decimal `json:"averageAmount"`
}

type History struct {
	Items      []HistoryItem       `json:"items"`
	Summary    Summary             `json:"summary"`
	Pagination pagination.PageInfo `json:"pagination"`
}

type Verification struct {
	Verified     bool          `json:"verified"`
	Integrity    bool          `json:"integrity"`
	Timelock     bool          `json:"timelock"`
	LedgerRecord *ledger.Entry `json:"ledgerRecord,omitempty"`
}

type Detail struct {
	Transaction   investment.InvestmentRecord   `json:"transaction"`
	Fee           decimal.Decimal               `json:"fee"`
	NetAmount     decimal.Decimal               `json:"netAmount"`
	Hash          string                        `json:"hash"`
	Verification  Verification                  `json:"verification"`
	StatusHistory []investment.StatusTransition `json:"statusHistory"`
}

type Flag struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Score    int    `json:"score"`
	Message  string `json:"message"`
}

type RiskReport struct {
	TxID           string             `json:"txId"`
	RiskScore      int                `json:"riskScore"`
	RiskLevel      string             `json:"riskLevel"`
	Flags          []Flag             `json:"flags"`
	Recommendation string             `json:"recommendation"`
	Warning        *errutil.BaseError `json:"warning,omitempty"`
	CheckedAt      time.Time          `json:"checkedAt"`
}

type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type ComplianceSummary struct {
	TotalTransactions int64           `json:"totalTransactions"`
	TotalValue        decimal.Decimal `json:"totalValue"`
	UniqueParties     int             `json:"uniqueParties"`
}

// ComplianceBlock values are derived locally; AttestationSource says so.
type ComplianceBlock struct {
	AMLScreensPerformed       int64  `json:"amlScreensPerformed"`
	SuspiciousActivityReports int64  `json:"suspiciousActivityReports"`
	UnreconciledMirrors       int64  `json:"unreconciledMirrors"`
	BackupsVerified           bool   `json:"backupsVerified"`
	LedgerEntries             int    `json:"ledgerEntries"`
	AttestationSource         string `json:"attestationSource"`
}

type Certification struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Period      Range     `json:"period"`
	CertifiedBy string    `json:"certifiedBy"`
	ReportHash  string    `json:"reportHash"`
}

type ComplianceReport struct {
	Summary       ComplianceSummary `json:"summary"`
	Compliance    ComplianceBlock   `json:"compliance"`
	Certification Certification     `json:"certification"`
}
