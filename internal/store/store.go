// Package store defines the persistence interface for the custody engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/ithaca/custody-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist (or was closed).
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Access control ---

	// CreateAccessController persists a new controller. Fails if one already
	// exists for the same admin.
	CreateAccessController(ctx context.Context, ac *model.AccessController) error

	// GetAccessController retrieves a controller by its derived address.
	GetAccessController(ctx context.Context, id string) (*model.AccessController, error)

	// PutRole creates or updates a role record.
	PutRole(ctx context.Context, role *model.Role) error

	// GetRole retrieves a role by its derived address.
	GetRole(ctx context.Context, id string) (*model.Role, error)

	// CreateMember persists a membership record. Fails if it already exists.
	CreateMember(ctx context.Context, m *model.Member) error

	// GetMember retrieves a membership record.
	GetMember(ctx context.Context, id string) (*model.Member, error)

	// DeleteMember closes a membership record. Fails if it does not exist.
	DeleteMember(ctx context.Context, id string) error

	// --- Token whitelist ---

	// CreateTokenValidator persists the whitelist root for a controller.
	CreateTokenValidator(ctx context.Context, tv *model.TokenValidator) error

	// GetTokenValidator retrieves a validator by its derived address.
	GetTokenValidator(ctx context.Context, id string) (*model.TokenValidator, error)

	// PutWhitelistedToken creates or updates a whitelist entry.
	PutWhitelistedToken(ctx context.Context, wt *model.WhitelistedToken) error

	// GetWhitelistedToken retrieves a whitelist entry.
	GetWhitelistedToken(ctx context.Context, id string) (*model.WhitelistedToken, error)

	// DeleteWhitelistedToken removes a mint from the whitelist.
	DeleteWhitelistedToken(ctx context.Context, id string) error

	// --- Fundlock custody ---

	// CreateFundlock persists a fundlock. Fails if it already exists.
	CreateFundlock(ctx context.Context, fl *model.Fundlock) error

	// GetFundlock retrieves a fundlock by its derived address.
	GetFundlock(ctx context.Context, id string) (*model.Fundlock, error)

	// PutVault creates or updates a pooled vault.
	PutVault(ctx context.Context, v *model.Vault) error

	// GetVault retrieves a pooled vault.
	GetVault(ctx context.Context, id string) (*model.Vault, error)

	// PutTokenAccount creates or updates a client-owned token account.
	PutTokenAccount(ctx context.Context, ta *model.TokenAccount) error

	// GetTokenAccount retrieves a client-owned token account.
	GetTokenAccount(ctx context.Context, id string) (*model.TokenAccount, error)

	// PutClientBalance creates or updates a client balance.
	PutClientBalance(ctx context.Context, cb *model.ClientBalance) error

	// GetClientBalance retrieves a client balance.
	GetClientBalance(ctx context.Context, id string) (*model.ClientBalance, error)

	// PutWithdrawals creates or updates a withdrawal queue.
	PutWithdrawals(ctx context.Context, w *model.Withdrawals) error

	// GetWithdrawals retrieves a withdrawal queue.
	GetWithdrawals(ctx context.Context, id string) (*model.Withdrawals, error)

	// --- Ledger markets ---

	// CreateLedger persists a ledger market. Fails if it already exists.
	CreateLedger(ctx context.Context, l *model.Ledger) error

	// GetLedger retrieves a ledger market.
	GetLedger(ctx context.Context, id string) (*model.Ledger, error)

	// PutContract creates or updates a contract.
	PutContract(ctx context.Context, c *model.Contract) error

	// GetContract retrieves a contract.
	GetContract(ctx context.Context, id string) (*model.Contract, error)

	// PutPosition creates or updates a position.
	PutPosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// --- Settlement journal ---

	// InsertJournalEntry appends an immutable settlement record.
	InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error

	// ListJournalEntries returns settlement records for one backend id,
	// oldest first.
	ListJournalEntries(ctx context.Context, backendID uint64) ([]model.JournalEntry, error)
}
