package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// MemoryLedger keeps entries in process memory. Used by tests and by LEDGER.BACKEND=memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	node    *snowflake.Node
	entries []Entry
	index   map[string]int
	now     func() time.Time
}

func NewMemoryLedger(node *snowflake.Node) *MemoryLedger {
	return &MemoryLedger{
		node:  node,
		index: make(map[string]int),
		now:   time.Now,
	}
}

func (l *MemoryLedger) Append(ctx context.Context, entry Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.IdempotencyKey != "" {
		if _, ok := l.index[entry.IdempotencyKey]; ok {
			return Entry{}, ErrDuplicateKey
		}
	}

	sealed, err := seal(entry, l.node.Generate().String(), l.now(), lastHash(l.entries))
	if err != nil {
		return Entry{}, err
	}

	l.entries = append(l.entries, sealed)
	if sealed.IdempotencyKey != "" {
		l.index[sealed.IdempotencyKey] = len(l.entries) - 1
	}

	return sealed.clone(), nil
}

func (l *MemoryLedger) ReadAll(ctx context.Context) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.clone())
	}
	return out, nil
}

func (l *MemoryLedger) FindByKey(ctx context.Context, key string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.index[key]
	if !ok {
		return nil, nil
	}
	entry := l.entries[i].clone()
	return &entry, nil
}
