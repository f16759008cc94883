package audit

import (
	"fmt"
	"strings"

	"revledger/pkg/celengine"
	"revledger/pkg/config"

	"github.com/google/cel-go/cel"
)

// Rule is one row of the risk table: when Expression holds, Score is added and a flag raised.
type Rule struct {
	Name       string
	Severity   string
	Score      int
	Expression string
	Message    string
}

// factSchema lists the variables a rule expression can use.
var factSchema = celengine.Schema{
	"amount":            cel.DoubleType,
	"ageSeconds":        cel.IntType,
	"future":            cel.BoolType,
	"duplicateCount":    cel.IntType,
	"historicalAverage": cel.DoubleType,
	"historyCount":      cel.IntType,
	"ledgerConfirmed":   cel.BoolType,
}

func DefaultRules() []Rule {
	return []Rule{
		{Name: "invalid_amount", Severity: SeverityCritical, Score: 50, Expression: "amount <= 0.0", Message: "amount must be positive"},
		{Name: "future_timestamp", Severity: SeverityCritical, Score: 50, Expression: "future", Message: "transaction timestamp is in the future"},
		{Name: "duplicate", Severity: SeverityHigh, Score: 30, Expression: "duplicateCount > 0", Message: "matching transaction within one hour"},
		{Name: "unusual_amount", Severity: SeverityMedium, Score: 15, Expression: "historyCount > 0 && amount > historicalAverage * 5.0", Message: "amount exceeds 5x the investor's average"},
		{Name: "ledger_unverified", Severity: SeverityMedium, Score: 20, Expression: "!ledgerConfirmed", Message: "ledger confirmation missing or pending"},
	}
}

// RulesFromConfig returns the configured table, or the defaults when none is configured.
func RulesFromConfig(cfg config.RiskConfig) []Rule {
	if len(cfg.Rules) == 0 {
		return DefaultRules()
	}
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, Rule{
			Name:       r.Name,
			Severity:   strings.ToUpper(r.Severity),
			Score:      r.Score,
			Expression: r.Expression,
			Message:    r.Message,
		})
	}
	return rules
}

func compileRules(engine *celengine.Engine, rules []Rule) error {
	for _, r := range rules {
		if r.Name == "" {
			return fmt.Errorf("risk rule without name")
		}
		switch r.Severity {
		case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		default:
			return fmt.Errorf("risk rule %s: unknown severity %q", r.Name, r.Severity)
		}
		if r.Score < 0 {
			return fmt.Errorf("risk rule %s: negative score", r.Name)
		}
		if err := engine.Validate(r.Expression); err != nil {
			return fmt.Errorf("risk rule %s: %w", r.Name, err)
		}
	}
	return nil
}

func riskLevel(score int) string {
	switch {
	case score < 20:
		return RiskLow
	case score < 50:
		return RiskMedium
	default:
		return RiskHigh
	}
}

func recommendation(level string) string {
	switch level {
	case RiskLow:
		return RecommendApprove
	case RiskMedium:
		return RecommendReview
	default:
		return RecommendBlock
	}
}
