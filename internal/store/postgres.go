package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ithaca/custody-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates all tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// mapErr translates pgx errors into store sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

// --- Access control ---

func (s *PostgresStore) CreateAccessController(ctx context.Context, ac *model.AccessController) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO access_controllers (id, admin, created_at) VALUES ($1, $2, $3)`,
		ac.ID, ac.Admin, ac.CreatedAt,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetAccessController(ctx context.Context, id string) (*model.AccessController, error) {
	var ac model.AccessController
	err := s.pool.QueryRow(ctx,
		`SELECT id, admin, created_at FROM access_controllers WHERE id = $1`, id).
		Scan(&ac.ID, &ac.Admin, &ac.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &ac, nil
}

func (s *PostgresStore) PutRole(ctx context.Context, role *model.Role) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO roles (id, controller_id, name, member_count)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET member_count = EXCLUDED.member_count`,
		role.ID, role.ControllerID, role.Name, role.MemberCount,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetRole(ctx context.Context, id string) (*model.Role, error) {
	var r model.Role
	err := s.pool.QueryRow(ctx,
		`SELECT id, controller_id, name, member_count FROM roles WHERE id = $1`, id).
		Scan(&r.ID, &r.ControllerID, &r.Name, &r.MemberCount)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s *PostgresStore) CreateMember(ctx context.Context, m *model.Member) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO members (id, role_id, member, granted_at) VALUES ($1, $2, $3, $4)`,
		m.ID, m.RoleID, m.Member, m.GrantedAt,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetMember(ctx context.Context, id string) (*model.Member, error) {
	var m model.Member
	err := s.pool.QueryRow(ctx,
		`SELECT id, role_id, member, granted_at FROM members WHERE id = $1`, id).
		Scan(&m.ID, &m.RoleID, &m.Member, &m.GrantedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (s *PostgresStore) DeleteMember(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM members WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Token whitelist ---

func (s *PostgresStore) CreateTokenValidator(ctx context.Context, tv *model.TokenValidator) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO token_validators (id, controller_id) VALUES ($1, $2)`,
		tv.ID, tv.ControllerID,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetTokenValidator(ctx context.Context, id string) (*model.TokenValidator, error) {
	var tv model.TokenValidator
	err := s.pool.QueryRow(ctx,
		`SELECT id, controller_id FROM token_validators WHERE id = $1`, id).
		Scan(&tv.ID, &tv.ControllerID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &tv, nil
}

func (s *PostgresStore) PutWhitelistedToken(ctx context.Context, wt *model.WhitelistedToken) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO whitelisted_tokens (id, validator_id, mint, decimals, token_precision)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET decimals = EXCLUDED.decimals, token_precision = EXCLUDED.token_precision`,
		wt.ID, wt.ValidatorID, wt.Mint, wt.Decimals, wt.Precision,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetWhitelistedToken(ctx context.Context, id string) (*model.WhitelistedToken, error) {
	var wt model.WhitelistedToken
	err := s.pool.QueryRow(ctx,
		`SELECT id, validator_id, mint, decimals, token_precision FROM whitelisted_tokens WHERE id = $1`, id).
		Scan(&wt.ID, &wt.ValidatorID, &wt.Mint, &wt.Decimals, &wt.Precision)
	if err != nil {
		return nil, mapErr(err)
	}
	return &wt, nil
}

func (s *PostgresStore) DeleteWhitelistedToken(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM whitelisted_tokens WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Fundlock custody ---

func (s *PostgresStore) CreateFundlock(ctx context.Context, fl *model.Fundlock) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fundlocks (id, controller_id, validator_id, trade_lock_seconds, release_lock_seconds)
		 VALUES ($1, $2, $3, $4, $5)`,
		fl.ID, fl.ControllerID, fl.ValidatorID,
		int64(fl.TradeLock.Seconds()), int64(fl.ReleaseLock.Seconds()),
	)
	return mapErr(err)
}

func (s *PostgresStore) GetFundlock(ctx context.Context, id string) (*model.Fundlock, error) {
	var fl model.Fundlock
	var tradeLockSec, releaseLockSec int64
	err := s.pool.QueryRow(ctx,
		`SELECT id, controller_id, validator_id, trade_lock_seconds, release_lock_seconds
		 FROM fundlocks WHERE id = $1`, id).
		Scan(&fl.ID, &fl.ControllerID, &fl.ValidatorID, &tradeLockSec, &releaseLockSec)
	if err != nil {
		return nil, mapErr(err)
	}
	fl.TradeLock = time.Duration(tradeLockSec) * time.Second
	fl.ReleaseLock = time.Duration(releaseLockSec) * time.Second
	return &fl, nil
}

func (s *PostgresStore) PutVault(ctx context.Context, v *model.Vault) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vaults (id, fundlock_id, mint, balance)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance`,
		v.ID, v.FundlockID, v.Mint, v.Balance.String(),
	)
	return mapErr(err)
}

func (s *PostgresStore) GetVault(ctx context.Context, id string) (*model.Vault, error) {
	var v model.Vault
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT id, fundlock_id, mint, balance::TEXT FROM vaults WHERE id = $1`, id).
		Scan(&v.ID, &v.FundlockID, &v.Mint, &balance)
	if err != nil {
		return nil, mapErr(err)
	}
	v.Balance, _ = decimal.NewFromString(balance)
	return &v, nil
}

func (s *PostgresStore) PutTokenAccount(ctx context.Context, ta *model.TokenAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO token_accounts (id, owner, mint, balance)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance`,
		ta.ID, ta.Owner, ta.Mint, ta.Balance.String(),
	)
	return mapErr(err)
}

func (s *PostgresStore) GetTokenAccount(ctx context.Context, id string) (*model.TokenAccount, error) {
	var ta model.TokenAccount
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, mint, balance::TEXT FROM token_accounts WHERE id = $1`, id).
		Scan(&ta.ID, &ta.Owner, &ta.Mint, &balance)
	if err != nil {
		return nil, mapErr(err)
	}
	ta.Balance, _ = decimal.NewFromString(balance)
	return &ta, nil
}

func (s *PostgresStore) PutClientBalance(ctx context.Context, cb *model.ClientBalance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO client_balances (id, vault_id, client, client_account, mint, amount, collateral_amount)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET amount = EXCLUDED.amount, collateral_amount = EXCLUDED.collateral_amount`,
		cb.ID, cb.VaultID, cb.Client, cb.ClientAccount, cb.Mint,
		cb.Amount.String(), cb.CollateralAmount.String(),
	)
	return mapErr(err)
}

func (s *PostgresStore) GetClientBalance(ctx context.Context, id string) (*model.ClientBalance, error) {
	var cb model.ClientBalance
	var amount, collateral string
	err := s.pool.QueryRow(ctx,
		`SELECT id, vault_id, client, client_account, mint, amount::TEXT, collateral_amount::TEXT
		 FROM client_balances WHERE id = $1`, id).
		Scan(&cb.ID, &cb.VaultID, &cb.Client, &cb.ClientAccount, &cb.Mint, &amount, &collateral)
	if err != nil {
		return nil, mapErr(err)
	}
	cb.Amount, _ = decimal.NewFromString(amount)
	cb.CollateralAmount, _ = decimal.NewFromString(collateral)
	return &cb, nil
}

func (s *PostgresStore) PutWithdrawals(ctx context.Context, w *model.Withdrawals) error {
	queue, err := json.Marshal(w.Queue)
	if err != nil {
		return fmt.Errorf("store: marshal withdrawal queue: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO withdrawals (id, fundlock_id, balance_id, client, active_amount, queue)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		 ON CONFLICT (id) DO UPDATE SET active_amount = EXCLUDED.active_amount, queue = EXCLUDED.queue`,
		w.ID, w.FundlockID, w.BalanceID, w.Client, w.ActiveAmount.String(), queue,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetWithdrawals(ctx context.Context, id string) (*model.Withdrawals, error) {
	var w model.Withdrawals
	var active string
	var queue []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, fundlock_id, balance_id, client, active_amount::TEXT, queue
		 FROM withdrawals WHERE id = $1`, id).
		Scan(&w.ID, &w.FundlockID, &w.BalanceID, &w.Client, &active, &queue)
	if err != nil {
		return nil, mapErr(err)
	}
	w.ActiveAmount, _ = decimal.NewFromString(active)
	if err := json.Unmarshal(queue, &w.Queue); err != nil {
		return nil, fmt.Errorf("store: unmarshal withdrawal queue: %w", err)
	}
	return &w, nil
}

// --- Ledger markets ---

func (s *PostgresStore) CreateLedger(ctx context.Context, l *model.Ledger) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledgers (id, controller_id, validator_id, fundlock_id,
		                      underlying_mint, strike_mint, underlying_multiplier, strike_multiplier)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC)`,
		l.ID, l.ControllerID, l.ValidatorID, l.FundlockID,
		l.UnderlyingMint, l.StrikeMint,
		l.UnderlyingMultiplier.String(), l.StrikeMultiplier.String(),
	)
	return mapErr(err)
}

func (s *PostgresStore) GetLedger(ctx context.Context, id string) (*model.Ledger, error) {
	var l model.Ledger
	var um, sm string
	err := s.pool.QueryRow(ctx,
		`SELECT id, controller_id, validator_id, fundlock_id,
		        underlying_mint, strike_mint, underlying_multiplier::TEXT, strike_multiplier::TEXT
		 FROM ledgers WHERE id = $1`, id).
		Scan(&l.ID, &l.ControllerID, &l.ValidatorID, &l.FundlockID,
			&l.UnderlyingMint, &l.StrikeMint, &um, &sm)
	if err != nil {
		return nil, mapErr(err)
	}
	l.UnderlyingMultiplier, _ = decimal.NewFromString(um)
	l.StrikeMultiplier, _ = decimal.NewFromString(sm)
	return &l, nil
}

func (s *PostgresStore) PutContract(ctx context.Context, c *model.Contract) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contracts (id, ledger_id, contract_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.LedgerID, c.ContractID,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	var c model.Contract
	err := s.pool.QueryRow(ctx,
		`SELECT id, ledger_id, contract_id FROM contracts WHERE id = $1`, id).
		Scan(&c.ID, &c.LedgerID, &c.ContractID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *PostgresStore) PutPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, contract_id, client, size)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET size = EXCLUDED.size`,
		p.ID, p.ContractID, p.Client, p.Size.String(),
	)
	return mapErr(err)
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	var p model.Position
	var size string
	err := s.pool.QueryRow(ctx,
		`SELECT id, contract_id, client, size::TEXT FROM positions WHERE id = $1`, id).
		Scan(&p.ID, &p.ContractID, &p.Client, &size)
	if err != nil {
		return nil, mapErr(err)
	}
	p.Size, _ = decimal.NewFromString(size)
	return &p, nil
}

// --- Settlement journal ---

func (s *PostgresStore) InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO journal_entries (id, backend_id, client, mint, delta, source, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		e.ID, e.BackendID, e.Client, e.Mint, e.Delta.String(), e.Source, e.Timestamp,
	)
	return mapErr(err)
}

func (s *PostgresStore) ListJournalEntries(ctx context.Context, backendID uint64) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, backend_id, client, mint, delta::TEXT, source, timestamp
		 FROM journal_entries WHERE backend_id = $1 ORDER BY timestamp`, backendID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var delta string
		if err := rows.Scan(&e.ID, &e.BackendID, &e.Client, &e.Mint, &delta, &e.Source, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Delta, _ = decimal.NewFromString(delta)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

