package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ResultCache memoizes evaluation results for one engine configuration.
// Keys embed the configuration fingerprint, so results computed under a
// different configuration are never served. Cache failures are logged and
// reported as misses; they never affect a decision.
//
// A nil *ResultCache, or one over a nil store, always misses.
type ResultCache struct {
	store       domain.Cache
	fingerprint string
	ttl         time.Duration
}

// NewResultCache creates a result cache over store.
func NewResultCache(store domain.Cache, fingerprint string, ttl time.Duration) *ResultCache {
	return &ResultCache{store: store, fingerprint: fingerprint, ttl: ttl}
}

// ResultKey derives the cache key for a transaction under a configuration.
func ResultKey(fingerprint string, tx *domain.Transaction) string {
	data, _ := json.Marshal(tx)
	sum := sha256.Sum256(data)
	return "eval:" + fingerprint + ":" + hex.EncodeToString(sum[:])
}

// Get returns the memoized result for tx, if any.
func (r *ResultCache) Get(ctx context.Context, tx *domain.Transaction) (domain.EvaluationResult, bool) {
	if r == nil || r.store == nil {
		return domain.EvaluationResult{}, false
	}

	key := ResultKey(r.fingerprint, tx)
	data, err := r.store.Get(ctx, key)
	if err != nil {
		slog.Warn("result cache read failed", "key", key, "error", err)
		return domain.EvaluationResult{}, false
	}
	if data == nil {
		return domain.EvaluationResult{}, false
	}

	var result domain.EvaluationResult
	if err := json.Unmarshal(data, &result); err != nil {
		slog.Warn("result cache entry corrupt", "key", key, "error", err)
		_ = r.store.Delete(ctx, key)
		return domain.EvaluationResult{}, false
	}
	if result.Reasons == nil {
		result.Reasons = []string{}
	}
	return result, true
}

// Put memoizes result for tx.
func (r *ResultCache) Put(ctx context.Context, tx *domain.Transaction, result domain.EvaluationResult) {
	if r == nil || r.store == nil {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		return
	}

	key := ResultKey(r.fingerprint, tx)
	if err := r.store.Set(ctx, key, data, r.ttl); err != nil {
		slog.Warn("result cache write failed", "key", key, "error", err)
	}
}
