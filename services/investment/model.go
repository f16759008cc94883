package investment

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	TypeInvestment = "INVESTMENT"

	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"

	LedgerStatusPending   = "PENDING"
	LedgerStatusConfirmed = "CONFIRMED"

	// transition states for the ledger mirror
	StateLedgerPending   = "LEDGER_PENDING"
	StateLedgerConfirmed = "LEDGER_CONFIRMED"

	VideoActive = "ACTIVE"
)

// InvestmentRecord is the primary record of an investment. The ledger only mirrors it.
type InvestmentRecord struct {
	ID             snowflake.ID    `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	Code           string          `gorm:"column:code;uniqueIndex" json:"code"`
	VideoID        string          `gorm:"column:video_id;index;not null" json:"videoId"`
	InvestorID     string          `gorm:"column:investor_id;index;not null" json:"investorId"`
	CreatorID      string          `gorm:"column:creator_id;index;not null" json:"creatorId"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(20,2);not null" json:"amount"`
	Type           string          `gorm:"column:type;index;default:'INVESTMENT'" json:"type"`
	Status         string          `gorm:"column:status;index" json:"status"`
	LedgerTxID     string          `gorm:"column:ledger_tx_id" json:"ledgerTxId,omitempty"`
	LedgerStatus   string          `gorm:"column:ledger_status;index" json:"ledgerStatus"`
	// DistributionID is empty until the revenue split is on the ledger.
	DistributionID string          `gorm:"column:distribution_id;index" json:"distributionId,omitempty"`
	CreatedAt      time.Time       `gorm:"column:created_at;index" json:"createdAt"`
	UpdatedAt      time.Time       `gorm:"column:updated_at" json:"updatedAt"`
}

func (InvestmentRecord) TableName() string {
	return "transactions"
}

type StatusTransition struct {
	ID            uint         `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	TransactionID snowflake.ID `gorm:"column:transaction_id;index;not null" json:"transactionId"`
	FromStatus    string       `gorm:"column:from_status" json:"from"`
	ToStatus      string       `gorm:"column:to_status" json:"to"`
	Reason        string       `gorm:"column:reason" json:"reason,omitempty"`
	At            time.Time    `gorm:"column:at" json:"at"`
}

func (StatusTransition) TableName() string {
	return "transaction_status_transitions"
}

type User struct {
	ID        string          `gorm:"column:id;primaryKey" json:"id"`
	Balance   decimal.Decimal `gorm:"column:balance;type:decimal(20,2);not null;default:0" json:"balance"`
	Earnings  decimal.Decimal `gorm:"column:earnings;type:decimal(20,2);not null;default:0" json:"earnings"`
	Version   int64           `gorm:"column:version;not null;default:0" json:"version"`
	UpdatedAt time.Time       `gorm:"column:updated_at" json:"updatedAt"`
}

func (User) TableName() string {
	return "users"
}

type Video struct {
	ID              string          `gorm:"column:id;primaryKey" json:"id"`
	CreatorID       string          `gorm:"column:creator_id;index;not null" json:"creatorId"`
	Status          string          `gorm:"column:status" json:"status"`
	TotalInvested   decimal.Decimal `gorm:"column:total_invested;type:decimal(20,2);not null;default:0" json:"totalInvested"`
	UniqueInvestors int64           `gorm:"column:unique_investors;not null;default:0" json:"uniqueInvestors"`
	Version         int64           `gorm:"column:version;not null;default:0" json:"version"`
	UpdatedAt       time.Time       `gorm:"column:updated_at" json:"updatedAt"`
}

func (Video) TableName() string {
	return "videos"
}

// VideoInvestor aggregates one investor's position in one video.
type VideoInvestor struct {
	ID              uint            `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	VideoID         string          `gorm:"column:video_id;uniqueIndex:idx_video_investor;not null" json:"videoId"`
	InvestorID      string          `gorm:"column:investor_id;uniqueIndex:idx_video_investor;not null" json:"investorId"`
	TotalInvested   decimal.Decimal `gorm:"column:total_invested;type:decimal(20,2);not null;default:0" json:"totalInvested"`
	InvestmentCount int64           `gorm:"column:investment_count;not null;default:0" json:"investmentCount"`
	LastInvestment  time.Time       `gorm:"column:last_investment" json:"lastInvestment"`
}

func (VideoInvestor) TableName() string {
	return "video_investors"
}

func Models() []any {
	return []any{&InvestmentRecord{}, &StatusTransition{}, &User{}, &Video{}, &VideoInvestor{}}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

type Request struct {
	InvestorID string          `json:"investorId"`
	VideoID    string          `json:"videoId"`
	CreatorID  string          `json:"creatorId,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
}

type LedgerSnapshot struct {
	TxID     string `json:"txId,omitempty"`
	Entries  int    `json:"entries"`
	Verified bool   `json:"verified"`
	Mirrored bool   `json:"mirrored"`
}

type Stats struct {
	TotalInvested   decimal.Decimal `json:"totalInvested"`
	UniqueInvestors int64           `json:"uniqueInvestors"`
	InvestorBalance decimal.Decimal `json:"investorBalance"`
}

type Result struct {
	Investment     InvestmentRecord `json:"investment"`
	Video          Video            `json:"video"`
	Position       VideoInvestor    `json:"position"`
	Ledger         LedgerSnapshot   `json:"ledger"`
	Stats          Stats            `json:"stats"`
	DistributionID string           `json:"distributionId,omitempty"`
}
