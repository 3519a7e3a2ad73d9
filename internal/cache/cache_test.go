package cache

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, "expiring", []byte("temp"), 10*time.Millisecond)

		// Should be available immediately
		val, _ := cache.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		// Wait for expiration
		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("ZeroTTLNeverExpires", func(t *testing.T) {
		_ = cache.Set(ctx, "forever", []byte("v"), 0)
		time.Sleep(5 * time.Millisecond)

		if val, _ := cache.Get(ctx, "forever"); val == nil {
			t.Error("expected value with zero ttl to stay")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		// 'b' should be evicted
		val, _ := smallCache.Get(ctx, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		// 'a' should still be there
		val, _ = smallCache.Get(ctx, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		// Cache should be empty after close
		val, _ := testCache.Get(ctx, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	remote := NewLRUCache(100)
	cache := NewTwoPhaseCacheWith(NewLRUCache(10), remote, time.Minute)

	t.Run("WritesBothLayers", func(t *testing.T) {
		if err := cache.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if val, _ := remote.Get(ctx, "k"); string(val) != "v" {
			t.Errorf("expected L2 to hold 'v', got %q", val)
		}
	})

	t.Run("PopulatesL1FromL2", func(t *testing.T) {
		_ = remote.Set(ctx, "only-remote", []byte("r"), time.Hour)

		val, err := cache.Get(ctx, "only-remote")
		if err != nil || string(val) != "r" {
			t.Fatalf("expected 'r', got %q (%v)", val, err)
		}

		_ = remote.Delete(ctx, "only-remote")
		if val, _ := cache.Get(ctx, "only-remote"); string(val) != "r" {
			t.Errorf("expected L1 to serve 'r' after L2 delete, got %q", val)
		}
	})

	t.Run("DeleteBothLayers", func(t *testing.T) {
		_ = cache.Set(ctx, "gone", []byte("x"), time.Hour)
		_ = cache.Delete(ctx, "gone")
		if val, _ := cache.Get(ctx, "gone"); val != nil {
			t.Errorf("expected miss after delete, got %q", val)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("NoneType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "none"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if cache != nil {
			t.Errorf("expected nil cache, got %T", cache)
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

// brokenCache fails every operation.
type brokenCache struct{}

var errBroken = errors.New("connection refused")

func (brokenCache) Get(context.Context, string) ([]byte, error) { return nil, errBroken }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errBroken
}
func (brokenCache) Delete(context.Context, string) error { return errBroken }
func (brokenCache) Ping(context.Context) error           { return errBroken }
func (brokenCache) Close() error                         { return nil }

func sampleTx() *domain.Transaction {
	return &domain.Transaction{
		ID:                    42,
		Amount:                decimal.NewFromInt(5200),
		CustomerTxn30d:        1,
		Hour:                  23,
		ProductType:           "digital",
		LatencyMs:             180,
		UserReputation:        "new",
		DeviceFingerprintRisk: "low",
		IPRisk:                "medium",
		EmailRisk:             "new_domain",
		BINCountry:            "MX",
		IPCountry:             "MX",
	}
}

func TestResultCache(t *testing.T) {
	ctx := context.Background()
	result := domain.EvaluationResult{
		TransactionID: 42,
		Decision:      domain.DecisionInReview,
		RiskScore:     8,
		Reasons:       []string{"amount_elevated", "new_user"},
	}

	t.Run("RoundTrip", func(t *testing.T) {
		rc := NewResultCache(NewLRUCache(10), "fp1", time.Minute)
		if _, ok := rc.Get(ctx, sampleTx()); ok {
			t.Fatal("expected miss on empty cache")
		}

		rc.Put(ctx, sampleTx(), result)
		got, ok := rc.Get(ctx, sampleTx())
		if !ok {
			t.Fatal("expected hit after put")
		}
		if !reflect.DeepEqual(got, result) {
			t.Errorf("expected %+v, got %+v", result, got)
		}
	})

	t.Run("FingerprintIsolation", func(t *testing.T) {
		store := NewLRUCache(10)
		NewResultCache(store, "fp1", time.Minute).Put(ctx, sampleTx(), result)

		if _, ok := NewResultCache(store, "fp2", time.Minute).Get(ctx, sampleTx()); ok {
			t.Error("result leaked across configurations")
		}
	})

	t.Run("DifferentTransactionsDifferentKeys", func(t *testing.T) {
		other := sampleTx()
		other.Hour = 22
		if ResultKey("fp", sampleTx()) == ResultKey("fp", other) {
			t.Error("expected distinct keys")
		}
	})

	t.Run("FailuresAreMisses", func(t *testing.T) {
		rc := NewResultCache(brokenCache{}, "fp1", time.Minute)
		rc.Put(ctx, sampleTx(), result)
		if _, ok := rc.Get(ctx, sampleTx()); ok {
			t.Error("expected miss from a failing store")
		}
	})

	t.Run("NilIsAlwaysMiss", func(t *testing.T) {
		var rc *ResultCache
		rc.Put(ctx, sampleTx(), result)
		if _, ok := rc.Get(ctx, sampleTx()); ok {
			t.Error("expected miss from nil cache")
		}
		if _, ok := NewResultCache(nil, "fp", time.Minute).Get(ctx, sampleTx()); ok {
			t.Error("expected miss from nil store")
		}
	})
}
