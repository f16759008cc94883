package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"revledger/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// one writer lock per ledger file for the whole process
var fileLocks sync.Map

func fileLock(path string) *sync.Mutex {
	mu, _ := fileLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

const fileLockRetry = 5 * time.Millisecond

// FileLedger stores the whole ledger as one JSON array. Every Append reads the full array,
// appends, and replaces the file through a temp file + rename. Writers in other processes
// are excluded by an advisory lock on "<path>.lock".
type FileLedger struct {
	path  string
	node  *snowflake.Node
	mu    *sync.Mutex
	flock *flock.Flock
	now   func() time.Time

	index map[string]int
}

func NewFileLedger(path string, node *snowflake.Node) (*FileLedger, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &FileLedger{
		path:  abs,
		node:  node,
		mu:    fileLock(abs),
		flock: flock.New(abs + ".lock"),
		now:   time.Now,
	}, nil
}

// lock takes the process mutex, then the OS file lock.
func (l *FileLedger) lock(ctx context.Context) (func(), error) {
	l.mu.Lock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.mu.Unlock()
		return nil, errutil.LedgerUnavailable("failed to create ledger directory", err)
	}
	ok, err := l.flock.TryLockContext(ctx, fileLockRetry)
	if err != nil || !ok {
		l.mu.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, errutil.LedgerUnavailable("failed to lock ledger file", err)
	}

	return func() {
		if err := l.flock.Unlock(); err != nil {
			zap.L().Warn("failed to release ledger file lock", zap.String("path", l.path), zap.Error(err))
		}
		l.mu.Unlock()
	}, nil
}

func (l *FileLedger) Path() string {
	return l.path
}

func (l *FileLedger) Append(ctx context.Context, entry Entry) (Entry, error) {
	unlock, err := l.lock(ctx)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	entries, err := l.load()
	if err != nil {
		return Entry{}, err
	}

	if entry.IdempotencyKey != "" {
		if _, ok := l.index[entry.IdempotencyKey]; ok {
			return Entry{}, ErrDuplicateKey
		}
	}

	sealed, err := seal(entry, l.node.Generate().String(), l.now(), lastHash(entries))
	if err != nil {
		return Entry{}, err
	}

	if err := l.write(append(entries, sealed)); err != nil {
		zap.L().Error("failed to write ledger file", zap.String("path", l.path), zap.Error(err))
		return Entry{}, errutil.LedgerUnavailable("failed to write ledger file", err)
	}

	if sealed.IdempotencyKey != "" {
		l.index[sealed.IdempotencyKey] = len(entries)
	}

	return sealed, nil
}

func (l *FileLedger) ReadAll(ctx context.Context) ([]Entry, error) {
	unlock, err := l.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return l.load()
}

func (l *FileLedger) FindByKey(ctx context.Context, key string) (*Entry, error) {
	unlock, err := l.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries, err := l.load()
	if err != nil {
		return nil, err
	}

	i, ok := l.index[key]
	if !ok {
		return nil, nil
	}
	entry := entries[i]
	return &entry, nil
}

// load ensures the file exists, parses it and refreshes the key index. Callers hold the lock.
func (l *FileLedger) load() ([]Entry, error) {
	if err := l.ensure(); err != nil {
		return nil, errutil.LedgerUnavailable("failed to initialise ledger file", err)
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, errutil.LedgerUnavailable("failed to read ledger file", err)
	}

	var entries []Entry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, errutil.LedgerUnavailable("failed to parse ledger file", err)
		}
	}

	l.index = make(map[string]int, len(entries))
	for i, e := range entries {
		if e.IdempotencyKey != "" {
			l.index[e.IdempotencyKey] = i
		}
	}

	return entries, nil
}

func (l *FileLedger) ensure() error {
	_, err := os.Stat(l.path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return l.write([]Entry{})
}

func (l *FileLedger) write(entries []Entry) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), l.path)
}
