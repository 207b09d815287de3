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

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ domain.PositionStore = (*PositionStore)(nil)

const positionCols = `market_id, account, enc_yes_amount, enc_no_amount,
	has_position, has_claimed, bet_count, created_at, updated_at`

// Upsert inserts or updates a position keyed by (market, account).
func (s *PositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	const query = `
		INSERT INTO positions (` + positionCols + `) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (market_id, account) DO UPDATE SET
			enc_yes_amount = EXCLUDED.enc_yes_amount,
			enc_no_amount  = EXCLUDED.enc_no_amount,
			has_position   = EXCLUDED.has_position,
			has_claimed    = EXCLUDED.has_claimed,
			bet_count      = EXCLUDED.bet_count,
			updated_at     = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		pos.MarketID, pos.Account.Hex(),
		pos.EncYesAmount[:], pos.EncNoAmount[:],
		pos.HasPosition, pos.HasClaimed, pos.BetCount,
		pos.CreatedAt, pos.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s/%s: %w", pos.MarketID, pos.Account.Hex(), err)
	}
	return nil
}

// Get retrieves one account's position in a market.
func (s *PositionStore) Get(ctx context.Context, marketID string, account common.Address) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 AND account = $2`,
		marketID, account.Hex())
	pos, err := scanPosition(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s/%s: %w", marketID, account.Hex(), err)
	}
	return pos, nil
}

// ListByMarket returns positions in one market.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE market_id = $1 ORDER BY created_at ASC`
	args := []any{marketID}
	if opts.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET $3"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", marketID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return positions, nil
}

// MarkClaimed flips the claimed flag and records the receipt in one
// transaction. The conditional UPDATE makes concurrent claims collapse to a
// single winner; losers get ErrAlreadyClaimed.
func (s *PositionStore) MarkClaimed(ctx context.Context, r domain.ClaimReceipt) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE positions SET has_claimed = TRUE, updated_at = $3
		WHERE market_id = $1 AND account = $2 AND NOT has_claimed`,
		r.MarketID, r.Account.Hex(), r.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark claimed %s/%s: %w", r.MarketID, r.Account.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM positions WHERE market_id = $1 AND account = $2)`,
			r.MarketID, r.Account.Hex(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check position %s/%s: %w", r.MarketID, r.Account.Hex(), err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrAlreadyClaimed
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO claims (market_id, account, winning_stake, payout, fee, refund, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.MarketID, r.Account.Hex(),
		int64(r.WinningStake), int64(r.Payout), int64(r.Fee),
		r.Refund, r.ClaimedAt,
	); err != nil {
		return fmt.Errorf("postgres: insert claim %s/%s: %w", r.MarketID, r.Account.Hex(), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit claim tx: %w", err)
	}
	return nil
}

// ListClaims returns recorded claims for a market.
func (s *PositionStore) ListClaims(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.ClaimReceipt, error) {
	query := `SELECT market_id, account, winning_stake, payout, fee, refund, claimed_at
		FROM claims WHERE market_id = $1 ORDER BY claimed_at ASC`
	args := []any{marketID}
	if opts.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list claims for %s: %w", marketID, err)
	}
	defer rows.Close()

	var claims []domain.ClaimReceipt
	for rows.Next() {
		var (
			r                  domain.ClaimReceipt
			account            string
			stake, payout, fee int64
		)
		if err := rows.Scan(&r.MarketID, &account, &stake, &payout, &fee, &r.Refund, &r.ClaimedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan claim: %w", err)
		}
		r.Account = common.HexToAddress(account)
		r.WinningStake = uint64(stake)
		r.Payout = uint64(payout)
		r.Fee = uint64(fee)
		claims = append(claims, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list claims rows: %w", err)
	}
	return claims, nil
}

// ListClaimsBefore returns claims recorded strictly before the cutoff, for
// the cold-storage archiver.
func (s *PositionStore) ListClaimsBefore(ctx context.Context, before time.Time) ([]domain.ClaimReceipt, error) {
	query := `SELECT market_id, account, winning_stake, payout, fee, refund, claimed_at
		FROM claims WHERE claimed_at < $1 ORDER BY claimed_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list claims before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	var claims []domain.ClaimReceipt
	for rows.Next() {
		var (
			r                  domain.ClaimReceipt
			account            string
			stake, payout, fee int64
		)
		if err := rows.Scan(&r.MarketID, &account, &stake, &payout, &fee, &r.Refund, &r.ClaimedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan claim: %w", err)
		}
		r.Account = common.HexToAddress(account)
		r.WinningStake = uint64(stake)
		r.Payout = uint64(payout)
		r.Fee = uint64(fee)
		claims = append(claims, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list claims rows: %w", err)
	}
	return claims, nil
}

// scanPosition scans a single position row into a domain.Position.
func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		pos           domain.Position
		account       string
		encYes, encNo []byte
	)
	err := row.Scan(
		&pos.MarketID, &account, &encYes, &encNo,
		&pos.HasPosition, &pos.HasClaimed, &pos.BetCount,
		&pos.CreatedAt, &pos.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	pos.Account = common.HexToAddress(account)
	copy(pos.EncYesAmount[:], encYes)
	copy(pos.EncNoAmount[:], encNo)
	return pos, nil
}
