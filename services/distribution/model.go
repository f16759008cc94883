package distribution

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"revledger/pkg/config"
	"revledger/pkg/errutil"
	"revledger/services/ledger"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventInvestmentConfirmed  EventType = "InvestmentConfirmed"
	EventLedgerWriteConfirmed EventType = "LedgerWriteConfirmed"
	EventVideoActivated       EventType = "VideoActivated"
)

func (t EventType) Valid() bool {
	switch t {
	case EventInvestmentConfirmed, EventLedgerWriteConfirmed, EventVideoActivated:
		return true
	}
	return false
}

const (
	InvestmentConfirmed = "CONFIRMED"
	VideoActive         = "ACTIVE"

	PlatformUser = "platform"
)

type Transaction struct {
	TxID      string          `json:"txId"`
	VideoID   string          `json:"videoId"`
	ToCreator string          `json:"toCreator"`
	Amount    decimal.Decimal `json:"amount"`
}

type Event struct {
	EventType       EventType    `json:"eventType"`
	InvestmentState string       `json:"investmentState"`
	VideoState      string       `json:"videoState"`
	Transaction     *Transaction `json:"transaction"`
}

// ParseEvent decodes an event payload at the system boundary. Only the closed set of event types is accepted.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, errutil.Validation("malformed distribution event", errutil.WithErr(err))
	}
	if ev.EventType == "" || ev.Transaction == nil {
		return Event{}, errutil.Validation("eventType and transaction are required")
	}
	if !ev.EventType.Valid() {
		return Event{}, errutil.Validation(fmt.Sprintf("unknown event type %q", ev.EventType))
	}
	return ev, nil
}

type Result struct {
	DistributionID string       `json:"distributionId"`
	Replayed       bool         `json:"replayed"`
	Record         ledger.Entry `json:"record"`
}

// DistributionID is hex(SHA-256(referenceTxId)); stable across retries of the same investment.
func DistributionID(referenceTxID string) string {
	sum := sha256.Sum256([]byte(referenceTxID))
	return hex.EncodeToString(sum[:])
}

// ValidateSplits requires a non-empty table, each share in (0,100] and a total of at most 100.
func ValidateSplits(splits []config.Split) error {
	if len(splits) == 0 {
		return errutil.Validation("distribution split table is empty")
	}

	total := decimal.Zero
	for _, s := range splits {
		if s.Beneficiary == "" {
			return errutil.Validation("split beneficiary is required")
		}
		p := decimal.NewFromFloat(s.Percentage)
		if p.LessThanOrEqual(decimal.Zero) || p.GreaterThan(decimal.NewFromInt(100)) {
			return errutil.Validation(fmt.Sprintf("split %s: percentage must be in (0,100]", s.Beneficiary))
		}
		total = total.Add(p)
	}
	if total.GreaterThan(decimal.NewFromInt(100)) {
		return errutil.Validation(fmt.Sprintf("split percentages total %s, exceeds 100", total.String()))
	}
	return nil
}

func allocations(splits []config.Split) []map[string]any {
	out := make([]map[string]any, 0, len(splits))
	for _, s := range splits {
		out = append(out, map[string]any{
			"beneficiary": s.Beneficiary,
			"percentage":  s.Percentage,
		})
	}
	return out
}
