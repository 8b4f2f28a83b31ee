package economy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"rarecandy/internal/reward"
)

// Service is the authoritative store: it owns balances, levels and the
// collection, and is the only judge of affordability.
type Service struct {
	db  *pgxpool.Pool
	log *slog.Logger

	maxCommitDelta decimal.Decimal
}

type Option func(*Service)

// WithMaxCommitDelta caps a single positive commit. Zero disables the cap.
func WithMaxCommitDelta(limit decimal.Decimal) Option {
	return func(s *Service) {
		s.maxCommitDelta = limit
	}
}

func NewService(db *pgxpool.Pool, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{db: db, log: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreatePlayer(ctx context.Context, username string) (Profile, error) {
	username, err := ValidateUsername(username)
	if err != nil {
		return Profile{}, err
	}
	levels, err := encodeLevels(nil)
	if err != nil {
		return Profile{}, err
	}
	playerID := uuid.NewString()
	_, err = s.db.Exec(ctx, `
		INSERT INTO candy.players (id, username, balance, levels)
		VALUES ($1, $2, 0, $3::jsonb)
	`, playerID, username, string(levels))
	if err != nil {
		if isUniqueViolation(err) {
			return Profile{}, ErrUsernameTaken
		}
		return Profile{}, err
	}
	s.log.Info("player created", "player_id", playerID, "username", username)
	return s.Profile(ctx, playerID)
}

func (s *Service) Profile(ctx context.Context, playerID string) (Profile, error) {
	if _, err := uuid.Parse(playerID); err != nil {
		return Profile{}, ErrPlayerNotFound
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Profile{}, err
	}
	defer tx.Rollback(ctx)
	return loadProfileTx(ctx, tx, playerID, false)
}

// Commit applies a signed delta from a client ledger flush.
func (s *Service) Commit(ctx context.Context, in CommitInput) (Profile, error) {
	var out Profile
	err := s.serializable(ctx, in.PlayerID, func(tx pgx.Tx) error {
		p, err := loadProfileTx(ctx, tx, in.PlayerID, true)
		if err != nil {
			return err
		}
		if err := claimIdempotency(ctx, tx, in.PlayerID, in.IdempotencyKey, "commit"); err != nil {
			return err
		}
		next, err := applyDelta(p.Balance, in.Delta, s.maxCommitDelta)
		if err != nil {
			return err
		}
		if err := saveBalanceTx(ctx, tx, in.PlayerID, next, nil); err != nil {
			return err
		}
		if err := appendLedgerEntry(ctx, tx, in.PlayerID, "commit", in.Delta, next, nil); err != nil {
			return err
		}
		out, err = loadProfileTx(ctx, tx, in.PlayerID, false)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return Profile{}, err
	}
	s.log.Debug("commit applied", "player_id", in.PlayerID, "delta", in.Delta.String(), "balance", out.Balance.String())
	return out, nil
}

// Upgrade raises one upgrade kind by a level and charges its cost.
func (s *Service) Upgrade(ctx context.Context, in UpgradeInput) (Profile, error) {
	if !reward.ValidKind(in.Kind) {
		return Profile{}, fmt.Errorf("%w: %q", reward.ErrUnknownKind, in.Kind)
	}
	var out Profile
	err := s.serializable(ctx, in.PlayerID, func(tx pgx.Tx) error {
		p, err := loadProfileTx(ctx, tx, in.PlayerID, true)
		if err != nil {
			return err
		}
		if err := claimIdempotency(ctx, tx, in.PlayerID, in.IdempotencyKey, "upgrade"); err != nil {
			return err
		}
		current := p.Levels.Level(in.Kind)
		price, err := reward.UpgradeCost(in.Kind, current)
		if err != nil {
			return err
		}
		next, err := debit(p.Balance, price)
		if err != nil {
			return err
		}
		p.Levels[in.Kind] = current + 1
		if err := saveBalanceTx(ctx, tx, in.PlayerID, next, p.Levels); err != nil {
			return err
		}
		meta := map[string]any{"kind": string(in.Kind), "level": current + 1}
		if err := appendLedgerEntry(ctx, tx, in.PlayerID, "upgrade", price.Neg(), next, meta); err != nil {
			return err
		}
		out, err = loadProfileTx(ctx, tx, in.PlayerID, false)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return Profile{}, err
	}
	s.log.Info("upgrade purchased", "player_id", in.PlayerID, "kind", in.Kind, "level", out.Levels.Level(in.Kind))
	return out, nil
}

// Purchase adds a collection item and charges its tier price.
func (s *Service) Purchase(ctx context.Context, in PurchaseInput) (Profile, error) {
	price, err := reward.ItemCost(in.ItemID)
	if err != nil {
		return Profile{}, err
	}
	var out Profile
	err = s.serializable(ctx, in.PlayerID, func(tx pgx.Tx) error {
		p, err := loadProfileTx(ctx, tx, in.PlayerID, true)
		if err != nil {
			return err
		}
		if err := claimIdempotency(ctx, tx, in.PlayerID, in.IdempotencyKey, "purchase"); err != nil {
			return err
		}
		if p.Owns(in.ItemID) {
			return ErrAlreadyOwned
		}
		next, err := debit(p.Balance, price)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO candy.owned_items (player_id, item_id)
			VALUES ($1, $2)
		`, in.PlayerID, in.ItemID); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyOwned
			}
			return err
		}
		if err := saveBalanceTx(ctx, tx, in.PlayerID, next, nil); err != nil {
			return err
		}
		if err := appendLedgerEntry(ctx, tx, in.PlayerID, "purchase", price.Neg(), next, map[string]any{"item_id": in.ItemID}); err != nil {
			return err
		}
		out, err = loadProfileTx(ctx, tx, in.PlayerID, false)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return Profile{}, err
	}
	s.log.Info("item purchased", "player_id", in.PlayerID, "item_id", in.ItemID, "owned", len(out.OwnedItems))
	return out, nil
}

// PruneIdempotency deletes keys older than maxAge and reports how many went.
func (s *Service) PruneIdempotency(ctx context.Context, maxAge time.Duration) (int64, error) {
	cmd, err := s.db.Exec(ctx, `
		DELETE FROM candy.idempotency_keys
		WHERE created_at < now() - make_interval(secs => $1)
	`, maxAge.Seconds())
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (s *Service) serializable(ctx context.Context, playerID string, fn func(tx pgx.Tx) error) error {
	if _, err := uuid.Parse(playerID); err != nil {
		return ErrPlayerNotFound
	}
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			return fn(tx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		s.log.Debug("serialization conflict, retrying", "player_id", playerID, "attempt", attempt+1)
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ErrTxConflict
}

func loadProfileTx(ctx context.Context, tx pgx.Tx, playerID string, forUpdate bool) (Profile, error) {
	query := `
		SELECT id::text, username, balance::text, levels, revision
		FROM candy.players
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var (
		p       Profile
		balance string
		levels  []byte
	)
	if err := tx.QueryRow(ctx, query, playerID).Scan(&p.PlayerID, &p.Username, &balance, &levels, &p.Revision); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrPlayerNotFound
		}
		return Profile{}, err
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return Profile{}, fmt.Errorf("decode balance %q: %w", balance, err)
	}
	p.Balance = b
	p.Levels = decodeLevels(levels)

	rows, err := tx.Query(ctx, `
		SELECT item_id
		FROM candy.owned_items
		WHERE player_id = $1
		ORDER BY item_id
	`, playerID)
	if err != nil {
		return Profile{}, err
	}
	items, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return Profile{}, err
	}
	p.OwnedItems = sortedItems(items)
	return p, nil
}

// saveBalanceTx writes the balance and, when levels is non-nil, the levels.
func saveBalanceTx(ctx context.Context, tx pgx.Tx, playerID string, balance decimal.Decimal, levels reward.Levels) error {
	if levels == nil {
		_, err := tx.Exec(ctx, `
			UPDATE candy.players
			SET balance = $1::numeric, revision = revision + 1, updated_at = now()
			WHERE id = $2
		`, balance.String(), playerID)
		return err
	}
	raw, err := encodeLevels(levels)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE candy.players
		SET balance = $1::numeric, levels = $2::jsonb, revision = revision + 1, updated_at = now()
		WHERE id = $3
	`, balance.String(), string(raw), playerID)
	return err
}

func appendLedgerEntry(ctx context.Context, tx pgx.Tx, playerID, action string, delta, balanceAfter decimal.Decimal, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["action"] = action
	raw, _ := json.Marshal(meta)
	_, err := tx.Exec(ctx, `
		INSERT INTO candy.ledger_entries (tx_group_id, player_id, action, delta, balance_after, metadata)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::jsonb)
	`, uuid.NewString(), playerID, action, delta.String(), balanceAfter.String(), string(raw))
	return err
}

func claimIdempotency(ctx context.Context, tx pgx.Tx, playerID, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	cmd, err := tx.Exec(ctx, `
		INSERT INTO candy.idempotency_keys (player_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (player_id, key) DO NOTHING
	`, playerID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDuplicateIdempotency
	}
	return nil
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
