package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/secretpredictions/engine/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

var _ domain.MarketStore = (*MarketStore)(nil)

const marketCols = `id, question, description, end_time, oracle, state, outcome,
	enc_yes_pool, enc_no_pool, revealed_yes_pool, revealed_no_pool,
	yes_reveal, no_reveal, bet_count, bettor_count,
	created_at, resolved_at, updated_at`

// Create inserts a new market.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (` + marketCols + `) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18
		)`

	_, err := s.pool.Exec(ctx, query, marketArgs(m)...)
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// Update rewrites an existing market row.
func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	const query = `
		UPDATE markets SET
			question          = $2,
			description       = $3,
			end_time          = $4,
			oracle            = $5,
			state             = $6,
			outcome           = $7,
			enc_yes_pool      = $8,
			enc_no_pool       = $9,
			revealed_yes_pool = $10,
			revealed_no_pool  = $11,
			yes_reveal        = $12,
			no_reveal         = $13,
			bet_count         = $14,
			bettor_count      = $15,
			created_at        = $16,
			resolved_at       = $17,
			updated_at        = $18
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, marketArgs(m)...)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// List returns markets with optional state and time filtering.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryMarkets(ctx, query, args...)
}

// ListEnded returns open markets whose end time has passed.
func (s *MarketStore) ListEnded(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets
		WHERE state = 'open' AND end_time <= $1
		ORDER BY end_time ASC LIMIT $2`
	return s.queryMarkets(ctx, query, now, limit)
}

// ListRevealPending returns terminal markets whose pools are not yet public.
func (s *MarketStore) ListRevealPending(ctx context.Context, limit int) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets
		WHERE state IN ('resolved', 'cancelled')
		  AND (revealed_yes_pool IS NULL OR revealed_no_pool IS NULL)
		ORDER BY resolved_at ASC LIMIT $1`
	return s.queryMarkets(ctx, query, limit)
}

// ListSettledBefore returns resolved or cancelled markets settled strictly
// before the cutoff, for the cold-storage archiver.
func (s *MarketStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets
		WHERE state IN ('resolved', 'cancelled')
		  AND resolved_at IS NOT NULL AND resolved_at < $1
		ORDER BY resolved_at ASC`
	return s.queryMarkets(ctx, query, before)
}

// Count returns the total number of markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}

func (s *MarketStore) queryMarkets(ctx context.Context, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query markets rows: %w", err)
	}
	return markets, nil
}

// marketArgs orders a market's fields to match marketCols.
func marketArgs(m domain.Market) []any {
	var revealedYes, revealedNo *int64
	if m.RevealedYesPool != nil {
		v := int64(*m.RevealedYesPool)
		revealedYes = &v
	}
	if m.RevealedNoPool != nil {
		v := int64(*m.RevealedNoPool)
		revealedNo = &v
	}
	return []any{
		m.ID, m.Question, m.Description, m.EndTime, m.Oracle.Hex(),
		string(m.State), m.Outcome,
		m.EncYesPool[:], m.EncNoPool[:], revealedYes, revealedNo,
		string(m.YesReveal), string(m.NoReveal),
		m.BetCount, m.BettorCount,
		m.CreatedAt, m.ResolvedAt, m.UpdatedAt,
	}
}

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                        domain.Market
		oracle, state            string
		encYes, encNo            []byte
		revealedYes, revealedNo  *int64
		yesReveal, noReveal      string
	)
	err := row.Scan(
		&m.ID, &m.Question, &m.Description, &m.EndTime, &oracle,
		&state, &m.Outcome,
		&encYes, &encNo, &revealedYes, &revealedNo,
		&yesReveal, &noReveal,
		&m.BetCount, &m.BettorCount,
		&m.CreatedAt, &m.ResolvedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}

	m.Oracle = common.HexToAddress(oracle)
	m.State = domain.MarketState(state)
	copy(m.EncYesPool[:], encYes)
	copy(m.EncNoPool[:], encNo)
	if revealedYes != nil {
		v := uint64(*revealedYes)
		m.RevealedYesPool = &v
	}
	if revealedNo != nil {
		v := uint64(*revealedNo)
		m.RevealedNoPool = &v
	}
	m.YesReveal = domain.RevealHandle(yesReveal)
	m.NoReveal = domain.RevealHandle(noReveal)
	return m, nil
}
