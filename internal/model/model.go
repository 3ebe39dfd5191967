// Package model defines the core domain types shared across the custody engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role names recognized by the access controller. Any other name is rejected.
const (
	RoleAdmin      = "DEFAULT_ADMIN_ROLE"
	RoleUtility    = "UTILITY_ACCOUNT_ROLE"
	RoleLiquidator = "LIQUIDATOR_ROLE"
)

// ValidRole reports whether name is one of the recognized role names.
func ValidRole(name string) bool {
	return name == RoleAdmin || name == RoleUtility || name == RoleLiquidator
}

// WithdrawalQueueLimit is the maximum number of pending withdrawals per
// client/token pair.
const WithdrawalQueueLimit = 5

// AccessController roots the permission graph for one deployment.
// The admin identity is set at creation and never changes.
type AccessController struct {
	ID        string    `json:"id" db:"id"`
	Admin     string    `json:"admin" db:"admin"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Role is a named role under an access controller. MemberCount tracks the
// number of live Member records and must equal it at all times.
type Role struct {
	ID           string `json:"id" db:"id"`
	ControllerID string `json:"controller_id" db:"controller_id"`
	Name         string `json:"name" db:"name"`
	MemberCount  int    `json:"member_count" db:"member_count"`
}

// Member records one identity holding one role. Existence is membership;
// deletion is revocation.
type Member struct {
	ID        string    `json:"id" db:"id"`
	RoleID    string    `json:"role_id" db:"role_id"`
	Member    string    `json:"member" db:"member"`
	GrantedAt time.Time `json:"granted_at" db:"granted_at"`
}

// TokenValidator is the whitelist root for one access controller.
type TokenValidator struct {
	ID           string `json:"id" db:"id"`
	ControllerID string `json:"controller_id" db:"controller_id"`
}

// WhitelistedToken is a (mint, decimals, precision) tuple the deployment
// accepts. Precision is the whitelisted sub-unit precision used for
// settlement; the multiplier 10^(decimals-precision) bridges the two.
type WhitelistedToken struct {
	ID          string `json:"id" db:"id"`
	ValidatorID string `json:"validator_id" db:"validator_id"`
	Mint        string `json:"mint" db:"mint"`
	Decimals    int    `json:"decimals" db:"decimals"`
	Precision   int    `json:"precision" db:"precision"`
}

// Fundlock is the custody vault set for one (controller, validator) pair.
// TradeLock and ReleaseLock are the two timing policies.
type Fundlock struct {
	ID           string        `json:"id" db:"id"`
	ControllerID string        `json:"controller_id" db:"controller_id"`
	ValidatorID  string        `json:"validator_id" db:"validator_id"`
	TradeLock    time.Duration `json:"trade_lock" db:"trade_lock"`
	ReleaseLock  time.Duration `json:"release_lock" db:"release_lock"`
}

// Vault is the pooled custody account for one accepted mint. It holds all
// clients' deposited funds; clients never hold vault funds directly.
type Vault struct {
	ID         string          `json:"id" db:"id"`
	FundlockID string          `json:"fundlock_id" db:"fundlock_id"`
	Mint       string          `json:"mint" db:"mint"`
	Balance    decimal.Decimal `json:"balance" db:"balance"`
}

// TokenAccount is a client-owned external token account. Deposits draw from
// it and releases pay back into it.
type TokenAccount struct {
	ID      string          `json:"id" db:"id"`
	Owner   string          `json:"owner" db:"owner"`
	Mint    string          `json:"mint" db:"mint"`
	Balance decimal.Decimal `json:"balance" db:"balance"`
}

// ClientBalance tracks one client's share of a pooled vault. Amount includes
// funds queued for withdrawal (the queue is paid out of it at release);
// CollateralAmount mirrors receipt tokens held at the external reserve.
type ClientBalance struct {
	ID               string          `json:"id" db:"id"`
	VaultID          string          `json:"vault_id" db:"vault_id"`
	Client           string          `json:"client" db:"client"`
	ClientAccount    string          `json:"client_account" db:"client_account"`
	Mint             string          `json:"mint" db:"mint"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	CollateralAmount decimal.Decimal `json:"collateral_amount" db:"collateral_amount"`
}

// Withdrawal is one queued withdrawal request.
type Withdrawal struct {
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// Withdrawals is the per-client withdrawal queue for one fundlock/balance.
// ActiveAmount must equal the sum of queue entry amounts at every point.
type Withdrawals struct {
	ID           string          `json:"id" db:"id"`
	FundlockID   string          `json:"fundlock_id" db:"fundlock_id"`
	BalanceID    string          `json:"balance_id" db:"balance_id"`
	Client       string          `json:"client" db:"client"`
	ActiveAmount decimal.Decimal `json:"active_amount" db:"active_amount"`
	Queue        []Withdrawal    `json:"queue" db:"queue"`
}

// Ledger is a per (underlying, strike) token-pair market. Multipliers
// normalize each side's whitelisted precision against its native decimals:
// multiplier = 10^(decimals - precision).
type Ledger struct {
	ID                   string          `json:"id" db:"id"`
	ControllerID         string          `json:"controller_id" db:"controller_id"`
	ValidatorID          string          `json:"validator_id" db:"validator_id"`
	FundlockID           string          `json:"fundlock_id" db:"fundlock_id"`
	UnderlyingMint       string          `json:"underlying_mint" db:"underlying_mint"`
	StrikeMint           string          `json:"strike_mint" db:"strike_mint"`
	UnderlyingMultiplier decimal.Decimal `json:"underlying_multiplier" db:"underlying_multiplier"`
	StrikeMultiplier     decimal.Decimal `json:"strike_multiplier" db:"strike_multiplier"`
}

// Contract is one tradable contract under a ledger, created on demand.
type Contract struct {
	ID         string `json:"id" db:"id"`
	LedgerID   string `json:"ledger_id" db:"ledger_id"`
	ContractID uint64 `json:"contract_id" db:"contract_id"`
}

// Position is one client's size in one contract.
type Position struct {
	ID         string          `json:"id" db:"id"`
	ContractID string          `json:"contract_id" db:"contract_id"`
	Client     string          `json:"client" db:"client"`
	Size       decimal.Decimal `json:"size" db:"size"`
}

// JournalEntry is an immutable record of one settlement delta applied to a
// client balance. BackendID is the caller's audit correlation token.
type JournalEntry struct {
	ID        string          `json:"id" db:"id"`
	BackendID uint64          `json:"backend_id" db:"backend_id"`
	Client    string          `json:"client" db:"client"`
	Mint      string          `json:"mint" db:"mint"`
	Delta     decimal.Decimal `json:"delta" db:"delta"`
	Source    string          `json:"source" db:"source"` // "balances" or "fund_movements"
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
