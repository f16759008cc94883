package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"revledger/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewGenerator),
)

// Generator hands out human readable, day scoped codes such as INV-261018-00AK7.
type Generator interface {
	NextInvestmentCode(ctx context.Context) (string, error)
}

type Params struct {
	fx.In

	Redis *redis.Client `optional:"true"`
}

func NewGenerator(p Params) Generator {
	if p.Redis == nil {
		return NewLocalGenerator()
	}
	return &RedisGenerator{rdb: p.Redis}
}

type RedisGenerator struct {
	rdb *redis.Client
}

func (g *RedisGenerator) NextInvestmentCode(ctx context.Context) (string, error) {
	today := time.Now().UTC().Format("060102")
	key := rediskey.BuildSequenceKey("INV", today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		_ = g.rdb.Expire(ctx, key, 25*time.Hour).Err()
	}

	return format("INV", today, seq)
}

// LocalGenerator is the single-process counterpart of RedisGenerator.
type LocalGenerator struct {
	mu  sync.Mutex
	day string
	seq int64
}

func NewLocalGenerator() *LocalGenerator {
	return &LocalGenerator{}
}

func (g *LocalGenerator) NextInvestmentCode(ctx context.Context) (string, error) {
	today := time.Now().UTC().Format("060102")

	g.mu.Lock()
	if g.day != today {
		g.day, g.seq = today, 0
	}
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	return format("INV", today, seq)
}

func format(prefix, day string, seq int64) (string, error) {
	encodedSeq := strings.ToUpper(fmt.Sprintf("%03s", strconv.FormatInt(seq, 36)))

	randSuffix, err := randomAlphaNumeric(2)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s%s", prefix, day, encodedSeq, randSuffix), nil
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
