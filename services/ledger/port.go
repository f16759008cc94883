package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDuplicateKey is returned by Append when the idempotency key is already present. Nothing is written.
	ErrDuplicateKey = errors.New("ledger: idempotency key already exists")
	// ErrOutcomeUnknown means a remote write timed out and may or may not have been committed.
	ErrOutcomeUnknown   = errors.New("ledger: write outcome unknown")
	ErrIdentityNotFound = errors.New("ledger: identity not found")
)

// Port is the append-only ledger contract. Backends assign TxID, Timestamp and hashes on Append
// and return entries in insertion order from ReadAll.
type Port interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	ReadAll(ctx context.Context) ([]Entry, error)
}

// KeyedReader is implemented by backends that index idempotency keys.
type KeyedReader interface {
	FindByKey(ctx context.Context, key string) (*Entry, error)
}

// ChaincodeError is a rejection returned by the remote ledger network.
type ChaincodeError struct {
	Transaction string
	Err         error
}

func (e *ChaincodeError) Error() string {
	return fmt.Sprintf("ledger: chaincode %s rejected: %v", e.Transaction, e.Err)
}

func (e *ChaincodeError) Unwrap() error {
	return e.Err
}

// FindByKey looks an entry up by idempotency key, using the backend index when there is one
// and a linear scan otherwise. It returns (nil, nil) when the key is unknown.
func FindByKey(ctx context.Context, p Port, key string) (*Entry, error) {
	if kr, ok := p.(KeyedReader); ok {
		return kr.FindByKey(ctx, key)
	}

	entries, err := p.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].IdempotencyKey == key {
			return &entries[i], nil
		}
	}
	return nil, nil
}

type ChainReport struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	Linked   bool   `json:"linked"`
	BrokenAt string `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain recomputes every hash and, when linked is set, checks that each previousHash
// points at its predecessor starting from GENESIS.
func VerifyChain(entries []Entry, linked bool) ChainReport {
	report := ChainReport{Valid: true, Entries: len(entries), Linked: linked}

	previous := GenesisHash
	for _, entry := range entries {
		if entry.Hash != entry.GenerateHash() {
			report.Valid = false
			report.BrokenAt = entry.TxID
			report.Reason = "hash mismatch"
			return report
		}
		if linked && entry.PreviousHash != previous {
			report.Valid = false
			report.BrokenAt = entry.TxID
			report.Reason = "previous hash mismatch"
			return report
		}
		previous = entry.Hash
	}

	return report
}

// Verify reads the whole ledger and verifies it. Backends that do not chain locally report Linked() == false.
func Verify(ctx context.Context, p Port) (ChainReport, error) {
	entries, err := p.ReadAll(ctx)
	if err != nil {
		return ChainReport{}, err
	}

	linked := true
	if l, ok := p.(interface{ Linked() bool }); ok {
		linked = l.Linked()
	}

	return VerifyChain(entries, linked), nil
}
