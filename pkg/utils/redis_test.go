package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterScripter evaluates the cap scripts against an in-memory counter.
type counterScripter struct {
	counts map[string]int
	ttls   map[string]int64
}

func newCounterScripter() *counterScripter {
	return &counterScripter{counts: map[string]int{}, ttls: map[string]int64{}}
}

func (s *counterScripter) run(sha string, keys []string, args ...any) *redis.Cmd {
	key := keys[0]
	switch sha {
	case concurrencyAcquireScript.Hash():
		limit := args[0].(int)
		s.counts[key]++
		if s.counts[key] == 1 {
			s.ttls[key] = args[1].(int64)
		}
		if s.counts[key] > limit {
			s.counts[key]--
			return redis.NewCmdResult(int64(0), nil)
		}
		return redis.NewCmdResult(int64(1), nil)
	case concurrencyReleaseScript.Hash():
		s.counts[key]--
		if s.counts[key] <= 0 {
			delete(s.counts, key)
		}
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(nil, errors.New("NOSCRIPT"))
}

func (s *counterScripter) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("unexpected EVAL"))
}

func (s *counterScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	return s.run(sha1, keys, args...)
}

func (s *counterScripter) EvalRO(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return s.Eval(ctx, script, keys, args...)
}

func (s *counterScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	return s.EvalSha(ctx, sha1, keys, args...)
}

func (s *counterScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (s *counterScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func TestConcurrencyCap_AcquireUntilLimit(t *testing.T) {
	ctx := context.Background()
	rdb := newCounterScripter()
	key := "callbridge:agent_calls:agent-1"

	for i := 0; i < 2; i++ {
		ok, err := AcquireConcurrencyCap(ctx, rdb, key, 2, time.Hour)
		if err != nil || !ok {
			t.Fatalf("acquire %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := AcquireConcurrencyCap(ctx, rdb, key, 2, time.Hour); ok {
		t.Fatalf("third acquire should be rejected")
	}
	if rdb.ttls[key] != time.Hour.Milliseconds() {
		t.Fatalf("expected ttl in ms, got %d", rdb.ttls[key])
	}

	if err := ReleaseConcurrencyCap(ctx, rdb, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := AcquireConcurrencyCap(ctx, rdb, key, 2, time.Hour); !ok {
		t.Fatalf("acquire after release should succeed")
	}
}

func TestConcurrencyCap_Validation(t *testing.T) {
	ctx := context.Background()
	if _, err := AcquireConcurrencyCap(ctx, nil, "k", 1, time.Minute); !errors.Is(err, ErrNilRedis) {
		t.Fatalf("expected ErrNilRedis, got %v", err)
	}
	if _, err := AcquireConcurrencyCap(ctx, newCounterScripter(), "k", 0, time.Minute); !errors.Is(err, ErrInvalidCap) {
		t.Fatalf("expected ErrInvalidCap for zero limit, got %v", err)
	}
	if err := ReleaseConcurrencyCap(ctx, newCounterScripter(), ""); !errors.Is(err, ErrInvalidCap) {
		t.Fatalf("expected ErrInvalidCap for empty key, got %v", err)
	}
}
