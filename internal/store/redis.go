package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Units of work go to the primary store and invalidate the user's
// cached entries once they commit; reads check Redis first then fall back
// to the primary.
//
// Fills are fenced by a per-user generation counter that every invalidation
// bumps. A reader that loaded from the primary before a commit landed does
// not write its result back, so a slow read cannot reinstate a stale wallet
// for the length of the TTL.
//
// The cross-user open position scan used by the sweep is never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Atomically(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if err := s.primary.Atomically(ctx, userID, fn); err != nil {
		return err
	}
	s.invalidate(context.WithoutCancel(ctx), userID)
	return nil
}

func (s *CachedStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	if err := s.primary.CreateWallet(ctx, w); err != nil {
		return err
	}
	s.invalidate(ctx, w.UserID)
	return nil
}

func (s *CachedStore) SetFundingRate(ctx context.Context, pair string, rate decimal.Decimal) error {
	w, ok := s.primary.(FundingRateWriter)
	if !ok {
		return fmt.Errorf("store: primary cannot write funding rates")
	}
	if err := w.SetFundingRate(ctx, pair, rate); err != nil {
		return err
	}
	s.rdb.Del(ctx, fundingRatesKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	data, err := s.rdb.Get(ctx, walletKey(userID)).Bytes()
	if err == nil {
		var w model.Wallet
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	gen := s.generation(ctx, userID)
	w, err := s.primary.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(w); err == nil {
		s.fill(ctx, userID, gen, func(pipe redis.Pipeliner) {
			pipe.Set(ctx, walletKey(userID), data, s.ttl)
		})
	}
	return w, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string, filter PositionFilter) ([]model.Position, error) {
	// Every filter variant lives in one hash so a single DEL invalidates them all.
	data, err := s.rdb.HGet(ctx, positionsKey(userID), filter.key()).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	gen := s.generation(ctx, userID)
	positions, err := s.primary.ListPositions(ctx, userID, filter)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.fill(ctx, userID, gen, func(pipe redis.Pipeliner) {
			pipe.HSet(ctx, positionsKey(userID), filter.key(), data)
			pipe.Expire(ctx, positionsKey(userID), s.ttl)
		})
	}
	return positions, nil
}

func (s *CachedStore) FundingRates(ctx context.Context) ([]model.FundingRate, error) {
	data, err := s.rdb.Get(ctx, fundingRatesKey).Bytes()
	if err == nil {
		var rates []model.FundingRate
		if json.Unmarshal(data, &rates) == nil {
			return rates, nil
		}
	}

	rates, err := s.primary.FundingRates(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(rates); err == nil {
		s.rdb.Set(ctx, fundingRatesKey, data, s.ttl)
	}
	return rates, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListOpenPositions(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, genKey(userID))
	pipe.Del(ctx, walletKey(userID), positionsKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("cache invalidation failed", "user", userID, "err", err)
	}
}

// generation returns the user's invalidation counter, or "" when Redis cannot
// be read, in which case fill writes nothing.
func (s *CachedStore) generation(ctx context.Context, userID string) string {
	gen, err := s.rdb.Get(ctx, genKey(userID)).Result()
	switch {
	case err == redis.Nil:
		return "0"
	case err != nil:
		return ""
	}
	return gen
}

// fill runs write only if no invalidation has happened since gen was read.
// WATCH turns an invalidation racing the write itself into an aborted EXEC.
func (s *CachedStore) fill(ctx context.Context, userID, gen string, write func(pipe redis.Pipeliner)) {
	if gen == "" {
		return
	}
	key := genKey(userID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			cur, err = "0", nil
		}
		if err != nil || cur != gen {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			write(pipe)
			return nil
		})
		return err
	}, key)
	if err != nil && err != redis.TxFailedErr {
		slog.Debug("cache fill", "user", userID, "err", err)
	}
}

const fundingRatesKey = "funding_rates"

func walletKey(uid string) string    { return fmt.Sprintf("wallet:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
func genKey(uid string) string       { return fmt.Sprintf("cachegen:%s", uid) }
