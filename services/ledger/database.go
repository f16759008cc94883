package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"revledger/pkg/db/option"
	"revledger/pkg/errutil"
	"revledger/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type LedgerRecord struct {
	TxID           string         `gorm:"column:tx_id;primaryKey"`
	Seq            int64          `gorm:"column:seq;uniqueIndex"`
	Type           string         `gorm:"column:type;index"`
	IdempotencyKey *string        `gorm:"column:idempotency_key;uniqueIndex"`
	PreviousHash   string         `gorm:"column:previous_hash"`
	Hash           string         `gorm:"column:hash"`
	Payload        datatypes.JSON `gorm:"column:payload"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
}

func (LedgerRecord) TableName() string {
	return "ledger_entries"
}

func (r *LedgerRecord) Entry() (Entry, error) {
	var e Entry
	if err := json.Unmarshal(r.Payload, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// DatabaseLedger is an append-only table. Appends are serialised by locking the tail row
// and by the unique seq index.
type DatabaseLedger struct {
	db      *gorm.DB
	node    *snowflake.Node
	records repository.Repository[LedgerRecord]
	now     func() time.Time
}

const maxAppendAttempts = 3

func NewDatabaseLedger(db *gorm.DB, node *snowflake.Node) (*DatabaseLedger, error) {
	if err := db.AutoMigrate(&LedgerRecord{}); err != nil {
		return nil, err
	}
	return &DatabaseLedger{
		db:      db,
		node:    node,
		records: repository.ProvideStore[LedgerRecord](db),
		now:     time.Now,
	}, nil
}

func bySeq(order string) option.QueryOption {
	return option.WithSortBy(option.QuerySortBy{
		SortBy:  "seq",
		OrderBy: order,
		Allow:   map[string]bool{"seq": true},
	})
}

func (l *DatabaseLedger) Append(ctx context.Context, entry Entry) (Entry, error) {
	var (
		sealed Entry
		err    error
	)
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		sealed, err = l.append(ctx, entry)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}

		// lost the race for either the seq slot or the idempotency key
		if entry.IdempotencyKey != "" {
			existing, ferr := l.FindByKey(ctx, entry.IdempotencyKey)
			if ferr == nil && existing != nil {
				return Entry{}, ErrDuplicateKey
			}
		}
		zap.L().Warn("ledger append conflict, retrying", zap.Int("attempt", attempt))
	}

	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return Entry{}, err
		}
		return Entry{}, errutil.LedgerUnavailable("failed to append ledger entry", err)
	}
	return sealed, nil
}

func (l *DatabaseLedger) append(ctx context.Context, entry Entry) (Entry, error) {
	var sealed Entry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		records := l.records.WithTrx(tx)

		if entry.IdempotencyKey != "" {
			key := entry.IdempotencyKey
			existing, err := records.FindOne(ctx, &LedgerRecord{IdempotencyKey: &key})
			if err != nil {
				return err
			}
			if existing != nil {
				return ErrDuplicateKey
			}
		}

		last, err := records.FindOne(ctx, &LedgerRecord{}, bySeq("desc"), option.WithLockingUpdate())
		if err != nil {
			return err
		}

		previousHash, seq := GenesisHash, int64(1)
		if last != nil {
			previousHash, seq = last.Hash, last.Seq+1
		}

		sealed, err = seal(entry, l.node.Generate().String(), l.now(), previousHash)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(sealed)
		if err != nil {
			return err
		}

		record := &LedgerRecord{
			TxID:         sealed.TxID,
			Seq:          seq,
			Type:         sealed.Type,
			PreviousHash: sealed.PreviousHash,
			Hash:         sealed.Hash,
			Payload:      datatypes.JSON(payload),
			CreatedAt:    sealed.Timestamp,
		}
		if sealed.IdempotencyKey != "" {
			key := sealed.IdempotencyKey
			record.IdempotencyKey = &key
		}

		return records.Create(ctx, record)
	})
	return sealed, err
}

func (l *DatabaseLedger) ReadAll(ctx context.Context) ([]Entry, error) {
	records, err := l.records.Find(ctx, &LedgerRecord{}, bySeq("asc"))
	if err != nil {
		return nil, errutil.LedgerUnavailable("failed to read ledger entries", err)
	}

	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		e, err := r.Entry()
		if err != nil {
			return nil, errutil.LedgerUnavailable("corrupt ledger payload", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (l *DatabaseLedger) FindByKey(ctx context.Context, key string) (*Entry, error) {
	record, err := l.records.FindOne(ctx, &LedgerRecord{IdempotencyKey: &key})
	if err != nil {
		return nil, errutil.LedgerUnavailable("failed to query ledger entry", err)
	}
	if record == nil {
		return nil, nil
	}
	e, err := record.Entry()
	if err != nil {
		return nil, err
	}
	return &e, nil
}
