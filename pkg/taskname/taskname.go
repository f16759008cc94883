package taskname

const (
	// Ledger tasks
	LedgerMirrorRetry = "ledger:mirror:retry"
)
