package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// A unit of work is one transaction that first takes a transaction-scoped
// advisory lock on the user, so units for the same user queue behind each
// other while different users proceed in parallel.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) Atomically(ctx context.Context, userID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return classify(fmt.Errorf("lock user %s: %w", userID, err))
	}

	if err := fn(&pgTx{tx: tx, userID: userID}); err != nil {
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

// classify tags retryable PostgreSQL failures with ErrTransient:
// serialization_failure, deadlock_detected and lock_not_available.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
	}
	return err
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO wallets (user_id, spot_balance, futures_balance, perpetual_balance, exchange_balance, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, now())
		 ON CONFLICT (user_id) DO NOTHING`,
		w.UserID,
		w.SpotBalance.String(), w.FuturesBalance.String(),
		w.PerpetualBalance.String(), w.ExchangeBalance.String(),
	)
	if err != nil {
		return fmt.Errorf("create wallet %s: %w", w.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWalletExists, w.UserID)
	}

	for _, h := range w.Holdings {
		if _, err := tx.Exec(ctx,
			`INSERT INTO wallet_holdings (user_id, asset, quantity) VALUES ($1, $2, $3::NUMERIC)`,
			w.UserID, h.Asset, h.Quantity.String()); err != nil {
			return fmt.Errorf("create holding %s/%s: %w", w.UserID, h.Asset, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return getWallet(ctx, s.pool, userID, false)
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string, filter PositionFilter) ([]model.Position, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions
		 WHERE user_id = $1
		   AND (cardinality($2::TEXT[]) = 0 OR status = ANY($2::TEXT[]))
		   AND ($3::TEXT = '' OR market_kind = $3::TEXT)
		 ORDER BY created_at DESC`,
		userID, statuses, string(filter.MarketKind))
	if err != nil {
		return nil, fmt.Errorf("list positions %s: %w", userID, err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE status = 'open' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) FundingRates(ctx context.Context) ([]model.FundingRate, error) {
	rows, err := s.pool.Query(ctx, `SELECT pair, rate::TEXT FROM funding_rates ORDER BY pair`)
	if err != nil {
		return nil, fmt.Errorf("list funding rates: %w", err)
	}
	defer rows.Close()

	var rates []model.FundingRate
	for rows.Next() {
		var r model.FundingRate
		var rateS string
		if err := rows.Scan(&r.Pair, &rateS); err != nil {
			return nil, err
		}
		r.Rate, _ = decimal.NewFromString(rateS)
		rates = append(rates, r)
	}
	return rates, rows.Err()
}

func (s *PostgresStore) SetFundingRate(ctx context.Context, pair string, rate decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO funding_rates (pair, rate, updated_at) VALUES ($1, $2::NUMERIC, now())
		 ON CONFLICT (pair) DO UPDATE SET rate = EXCLUDED.rate, updated_at = now()`,
		pair, rate.String())
	return err
}

// pgTx is the Tx view of one PostgreSQL transaction.
type pgTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgTx) Wallet(ctx context.Context) (*model.Wallet, error) {
	return getWallet(ctx, t.tx, t.userID, true)
}

func (t *pgTx) SaveWallet(ctx context.Context, w *model.Wallet) error {
	if w.UserID != t.userID {
		return fmt.Errorf("store: wallet %s outside unit of work for %s", w.UserID, t.userID)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallets
		 SET spot_balance = $2::NUMERIC, futures_balance = $3::NUMERIC,
		     perpetual_balance = $4::NUMERIC, exchange_balance = $5::NUMERIC,
		     updated_at = now()
		 WHERE user_id = $1`,
		w.UserID,
		w.SpotBalance.String(), w.FuturesBalance.String(),
		w.PerpetualBalance.String(), w.ExchangeBalance.String(),
	)
	if err != nil {
		return fmt.Errorf("save wallet %s: %w", w.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWalletNotFound, w.UserID)
	}
	return nil
}

func (t *pgTx) Position(ctx context.Context, id string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE id = $1 AND user_id = $2 FOR UPDATE`, id, t.userID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (t *pgTx) OpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 AND status = 'open'
		 ORDER BY created_at FOR UPDATE`, t.userID)
	if err != nil {
		return nil, fmt.Errorf("list open positions %s: %w", t.userID, err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	if p.UserID != t.userID {
		return fmt.Errorf("store: position for %s outside unit of work for %s", p.UserID, t.userID)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, pair, market_kind, side, order_kind,
		                        leverage, entry_price, quantity, margin_used, liquidation_price, assets_amount_pct,
		                        status, is_expired, funding_accrued, last_funding_at,
		                        close_price, profit_loss, created_at, closed_at, expiry_time)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13, $14, $15::NUMERIC, $16,
		         $17::NUMERIC, $18::NUMERIC, $19, $20, $21)`,
		p.ID, p.UserID, p.Pair, string(p.MarketKind), string(p.Side), string(p.OrderKind),
		p.Leverage.String(), p.EntryPrice.String(), p.Quantity.String(),
		p.MarginUsed.String(), p.LiquidationPrice.String(), p.AssetsAmountPct.String(),
		string(p.Status), p.IsExpired, p.FundingAccrued.String(), p.LastFundingAt,
		nullDecimal(p.ClosePrice), nullDecimal(p.ProfitLoss), p.CreatedAt, p.ClosedAt, p.ExpiryTime,
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func (t *pgTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE positions
		 SET status = $3, is_expired = $4, funding_accrued = $5::NUMERIC, last_funding_at = $6,
		     close_price = $7::NUMERIC, profit_loss = $8::NUMERIC, closed_at = $9
		 WHERE id = $1 AND user_id = $2`,
		p.ID, t.userID,
		string(p.Status), p.IsExpired, p.FundingAccrued.String(), p.LastFundingAt,
		nullDecimal(p.ClosePrice), nullDecimal(p.ProfitLoss), p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, p.ID)
	}
	return nil
}

// --- Scan helpers ---

const positionColumns = `id, user_id, pair, market_kind, side, order_kind,
		leverage::TEXT, entry_price::TEXT, quantity::TEXT, margin_used::TEXT,
		liquidation_price::TEXT, assets_amount_pct::TEXT,
		status, is_expired, funding_accrued::TEXT, last_funding_at,
		close_price::TEXT, profit_loss::TEXT, created_at, closed_at, expiry_time`

func getWallet(ctx context.Context, q querier, userID string, lock bool) (*model.Wallet, error) {
	query := `SELECT user_id, spot_balance::TEXT, futures_balance::TEXT,
		        perpetual_balance::TEXT, exchange_balance::TEXT, updated_at
		 FROM wallets WHERE user_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var w model.Wallet
	var spot, futures, perpetual, exchange string
	err := q.QueryRow(ctx, query, userID).
		Scan(&w.UserID, &spot, &futures, &perpetual, &exchange, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}

	w.SpotBalance, _ = decimal.NewFromString(spot)
	w.FuturesBalance, _ = decimal.NewFromString(futures)
	w.PerpetualBalance, _ = decimal.NewFromString(perpetual)
	w.ExchangeBalance, _ = decimal.NewFromString(exchange)

	rows, err := q.Query(ctx,
		`SELECT asset, quantity::TEXT FROM wallet_holdings WHERE user_id = $1 ORDER BY asset`, userID)
	if err != nil {
		return nil, fmt.Errorf("get holdings %s: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var h model.Holding
		var qty string
		if err := rows.Scan(&h.Asset, &qty); err != nil {
			return nil, err
		}
		h.Quantity, _ = decimal.NewFromString(qty)
		w.Holdings = append(w.Holdings, h)
	}
	return &w, rows.Err()
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var marketKind, side, orderKind, status string
	var leverage, entry, qty, margin, liq, pct, funding string
	var closePrice, pnl *string

	if err := row.Scan(&p.ID, &p.UserID, &p.Pair, &marketKind, &side, &orderKind,
		&leverage, &entry, &qty, &margin, &liq, &pct,
		&status, &p.IsExpired, &funding, &p.LastFundingAt,
		&closePrice, &pnl, &p.CreatedAt, &p.ClosedAt, &p.ExpiryTime); err != nil {
		return nil, err
	}

	p.MarketKind = model.MarketKind(marketKind)
	p.Side = model.Side(side)
	p.OrderKind = model.OrderKind(orderKind)
	p.Status = model.Status(status)
	p.Leverage, _ = decimal.NewFromString(leverage)
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.Quantity, _ = decimal.NewFromString(qty)
	p.MarginUsed, _ = decimal.NewFromString(margin)
	p.LiquidationPrice, _ = decimal.NewFromString(liq)
	p.AssetsAmountPct, _ = decimal.NewFromString(pct)
	p.FundingAccrued, _ = decimal.NewFromString(funding)
	p.ClosePrice = parseNullDecimal(closePrice)
	p.ProfitLoss = parseNullDecimal(pnl)

	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func nullDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseNullDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
