package store

// schemaSQL creates every table the PostgresStore needs. All monetary
// columns are NUMERIC for exact decimal precision; withdrawal queues are
// stored as JSONB because entries are always read and written as a unit.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS access_controllers (
	id TEXT PRIMARY KEY,
	admin TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS roles (
	id TEXT PRIMARY KEY,
	controller_id TEXT NOT NULL,
	name TEXT NOT NULL,
	member_count INT NOT NULL DEFAULT 0,

	CONSTRAINT roles_member_count_nonneg CHECK (member_count >= 0)
);

CREATE TABLE IF NOT EXISTS members (
	id TEXT PRIMARY KEY,
	role_id TEXT NOT NULL,
	member TEXT NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS token_validators (
	id TEXT PRIMARY KEY,
	controller_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS whitelisted_tokens (
	id TEXT PRIMARY KEY,
	validator_id TEXT NOT NULL,
	mint TEXT NOT NULL,
	decimals INT NOT NULL,
	token_precision INT NOT NULL,

	CONSTRAINT whitelisted_decimals_positive CHECK (decimals > 0)
);

CREATE TABLE IF NOT EXISTS fundlocks (
	id TEXT PRIMARY KEY,
	controller_id TEXT NOT NULL,
	validator_id TEXT NOT NULL,
	trade_lock_seconds BIGINT NOT NULL,
	release_lock_seconds BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS vaults (
	id TEXT PRIMARY KEY,
	fundlock_id TEXT NOT NULL,
	mint TEXT NOT NULL,
	balance NUMERIC NOT NULL DEFAULT 0,

	CONSTRAINT vault_balance_nonneg CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS token_accounts (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	mint TEXT NOT NULL,
	balance NUMERIC NOT NULL DEFAULT 0,

	CONSTRAINT token_account_balance_nonneg CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS client_balances (
	id TEXT PRIMARY KEY,
	vault_id TEXT NOT NULL,
	client TEXT NOT NULL,
	client_account TEXT NOT NULL,
	mint TEXT NOT NULL,
	amount NUMERIC NOT NULL DEFAULT 0,
	collateral_amount NUMERIC NOT NULL DEFAULT 0,

	CONSTRAINT client_balance_nonneg CHECK (amount >= 0),
	CONSTRAINT client_collateral_nonneg CHECK (collateral_amount >= 0)
);

CREATE TABLE IF NOT EXISTS withdrawals (
	id TEXT PRIMARY KEY,
	fundlock_id TEXT NOT NULL,
	balance_id TEXT NOT NULL,
	client TEXT NOT NULL,
	active_amount NUMERIC NOT NULL DEFAULT 0,
	queue JSONB NOT NULL DEFAULT '[]',

	CONSTRAINT withdrawals_active_nonneg CHECK (active_amount >= 0)
);

CREATE TABLE IF NOT EXISTS ledgers (
	id TEXT PRIMARY KEY,
	controller_id TEXT NOT NULL,
	validator_id TEXT NOT NULL,
	fundlock_id TEXT NOT NULL,
	underlying_mint TEXT NOT NULL,
	strike_mint TEXT NOT NULL,
	underlying_multiplier NUMERIC NOT NULL,
	strike_multiplier NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS contracts (
	id TEXT PRIMARY KEY,
	ledger_id TEXT NOT NULL,
	contract_id BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	contract_id TEXT NOT NULL,
	client TEXT NOT NULL,
	size NUMERIC NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS journal_entries (
	id TEXT PRIMARY KEY,
	backend_id BIGINT NOT NULL,
	client TEXT NOT NULL,
	mint TEXT NOT NULL,
	delta NUMERIC NOT NULL,
	source TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS journal_entries_backend_idx ON journal_entries (backend_id, timestamp);
`
