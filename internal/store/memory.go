package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Units of work hold a per-user mutex for their whole duration and stage
// their writes; staged writes are applied under the map lock on success.
type MemoryStore struct {
	mu        sync.RWMutex
	wallets   map[string]*model.Wallet
	positions map[string]*model.Position
	rates     map[string]decimal.Decimal

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*model.Wallet),
		positions: make(map[string]*model.Position),
		rates:     make(map[string]decimal.Decimal),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) userLock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

func (s *MemoryStore) Atomically(ctx context.Context, userID string, fn func(tx Tx) error) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{store: s, userID: userID, staged: make(map[string]*model.Position)}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[w.UserID]; ok {
		return fmt.Errorf("%w: %s", ErrWalletExists, w.UserID)
	}
	c := w.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	s.wallets[w.UserID] = c
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, userID)
	}
	return w.Clone(), nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string, filter PositionFilter) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && filter.Match(p) {
			result = append(result, *p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.IsOpen() {
			result = append(result, *p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) FundingRates(_ context.Context) ([]model.FundingRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rates := make([]model.FundingRate, 0, len(s.rates))
	for pair, rate := range s.rates {
		rates = append(rates, model.FundingRate{Pair: pair, Rate: rate})
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Pair < rates[j].Pair })
	return rates, nil
}

func (s *MemoryStore) SetFundingRate(_ context.Context, pair string, rate decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[pair] = rate
	return nil
}

// memoryTx stages writes until the unit of work succeeds.
type memoryTx struct {
	store       *MemoryStore
	userID      string
	wallet      *model.Wallet
	walletDirty bool
	staged      map[string]*model.Position
}

func (tx *memoryTx) Wallet(_ context.Context) (*model.Wallet, error) {
	if tx.wallet != nil {
		return tx.wallet.Clone(), nil
	}

	tx.store.mu.RLock()
	w, ok := tx.store.wallets[tx.userID]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, tx.userID)
	}
	tx.wallet = w.Clone()
	return tx.wallet.Clone(), nil
}

func (tx *memoryTx) SaveWallet(ctx context.Context, w *model.Wallet) error {
	if w.UserID != tx.userID {
		return fmt.Errorf("store: wallet %s outside unit of work for %s", w.UserID, tx.userID)
	}
	if _, err := tx.Wallet(ctx); err != nil {
		return err
	}
	tx.wallet = w.Clone()
	tx.wallet.UpdatedAt = time.Now().UTC()
	tx.walletDirty = true
	return nil
}

func (tx *memoryTx) Position(_ context.Context, id string) (*model.Position, error) {
	if p, ok := tx.staged[id]; ok {
		return p.Clone(), nil
	}

	tx.store.mu.RLock()
	p, ok := tx.store.positions[id]
	tx.store.mu.RUnlock()
	if !ok || p.UserID != tx.userID {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return p.Clone(), nil
}

func (tx *memoryTx) OpenPositions(_ context.Context) ([]model.Position, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	var result []model.Position
	for id, p := range tx.store.positions {
		if _, ok := tx.staged[id]; ok || p.UserID != tx.userID {
			continue
		}
		if p.IsOpen() {
			result = append(result, *p.Clone())
		}
	}
	for _, p := range tx.staged {
		if p.IsOpen() {
			result = append(result, *p.Clone())
		}
	}
	return result, nil
}

func (tx *memoryTx) InsertPosition(_ context.Context, p *model.Position) error {
	if p.UserID != tx.userID {
		return fmt.Errorf("store: position for %s outside unit of work for %s", p.UserID, tx.userID)
	}
	tx.store.mu.RLock()
	_, exists := tx.store.positions[p.ID]
	tx.store.mu.RUnlock()
	if _, staged := tx.staged[p.ID]; exists || staged {
		return fmt.Errorf("store: position %s already exists", p.ID)
	}
	tx.staged[p.ID] = p.Clone()
	return nil
}

func (tx *memoryTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	if _, err := tx.Position(ctx, p.ID); err != nil {
		return err
	}
	tx.staged[p.ID] = p.Clone()
	return nil
}

func (tx *memoryTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.walletDirty {
		s.wallets[tx.userID] = tx.wallet
	}
	for id, p := range tx.staged {
		s.positions[id] = p
	}
}
