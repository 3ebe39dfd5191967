// Package fundlock implements the custody core: pooled per-mint vaults,
// per-client balances, the deposit/withdraw/release state machine, the
// administrative settlement path, and the external collateral bridge.
package fundlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ithaca/custody-engine/internal/addr"
	"github.com/ithaca/custody-engine/internal/events"
	"github.com/ithaca/custody-engine/internal/lending"
	"github.com/ithaca/custody-engine/internal/metrics"
	"github.com/ithaca/custody-engine/internal/model"
	"github.com/ithaca/custody-engine/internal/store"
)

var (
	// ErrAmountZero is returned for zero or negative instruction amounts.
	ErrAmountZero = errors.New("fundlock: amount must be positive")

	// ErrInsufficientBalance is returned when a withdraw or debit exceeds
	// the client's available (un-queued) balance.
	ErrInsufficientBalance = errors.New("fundlock: insufficient balance")

	// ErrQueueFull is returned when the withdrawal queue is at capacity.
	ErrQueueFull = errors.New("fundlock: withdrawal queue full")

	// ErrInvalidIndex is returned for a release index outside the queue.
	ErrInvalidIndex = errors.New("fundlock: invalid withdrawal index")

	// ErrReleaseLockActive is returned when releasing before the lock elapses.
	ErrReleaseLockActive = errors.New("fundlock: release lock active")

	// ErrInsufficientVault is returned when the pooled vault cannot cover a payout.
	ErrInsufficientVault = errors.New("fundlock: insufficient funds in vault")

	// ErrInsufficientFunds is returned when a settlement debit cannot be
	// covered by the free balance plus the eligible withdrawal queue.
	ErrInsufficientFunds = errors.New("fundlock: insufficient funds for settlement")

	// ErrAccountOrder is returned when a batch's account list does not line
	// up with its logical entries.
	ErrAccountOrder = errors.New("fundlock: account order violated")

	// ErrEmptyBatch is returned for a settlement batch with no entries.
	ErrEmptyBatch = errors.New("fundlock: empty settlement batch")

	// ErrNotClientAccount is returned when the source/destination token
	// account is not owned by the client or holds a different mint.
	ErrNotClientAccount = errors.New("fundlock: token account does not belong to client")
)

// RoleChecker verifies role membership. Satisfied by accesscontrol.Service.
type RoleChecker interface {
	CheckRole(ctx context.Context, controllerID, roleName, member string) error
}

// TokenLookup resolves mints against the whitelist. Satisfied by
// tokenvalidator.Service.
type TokenLookup interface {
	Lookup(ctx context.Context, validatorID, mint string) (*model.WhitelistedToken, error)
}

// Service handles custody operations. Uses a mutex for serialized state
// transitions (single-instance). For horizontal scaling, replace with
// distributed locking or database-level optimistic concurrency.
type Service struct {
	store   store.Store
	roles   RoleChecker
	tokens  TokenLookup
	reserve lending.Reserve
	pub     events.Publisher
	hub     *WSHub // optional WebSocket hub for real-time broadcasts
	mu      sync.Mutex
	now     func() time.Time
}

// NewService creates a new fundlock service.
// Pass nil for pub/hub if event publishing or broadcasting is not needed.
func NewService(st store.Store, roles RoleChecker, tokens TokenLookup, reserve lending.Reserve, pub events.Publisher, hub *WSHub) *Service {
	return &Service{
		store:   st,
		roles:   roles,
		tokens:  tokens,
		reserve: reserve,
		pub:     pub,
		hub:     hub,
		now:     time.Now,
	}
}

// SetClock overrides the service clock. Intended for tests exercising the
// trade/release lock windows.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Init creates the fundlock for a (controller, validator) pair with the two
// timing policies. Admin only; one per pair.
func (s *Service) Init(ctx context.Context, controllerID, caller string, tradeLock, releaseLock time.Duration) (*model.Fundlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.roles.CheckRole(ctx, controllerID, model.RoleAdmin, caller); err != nil {
		return nil, err
	}

	validatorID := addr.TokenValidator(controllerID)
	if _, err := s.store.GetTokenValidator(ctx, validatorID); err != nil {
		return nil, fmt.Errorf("get token validator: %w", err)
	}

	fl := &model.Fundlock{
		ID:           addr.Fundlock(controllerID, validatorID),
		ControllerID: controllerID,
		ValidatorID:  validatorID,
		TradeLock:    tradeLock,
		ReleaseLock:  releaseLock,
	}
	if err := s.store.CreateFundlock(ctx, fl); err != nil {
		return nil, fmt.Errorf("create fundlock: %w", err)
	}

	slog.Info("fundlock initialized",
		"fundlock", fl.ID,
		"controller", controllerID,
		"trade_lock", tradeLock.String(),
		"release_lock", releaseLock.String(),
	)
	return fl, nil
}

// CreateTokenAccount provisions a client's external token account, funded
// with an opening balance. Accounts are external to custody: they model the
// client-side wallet the vault pays into and out of.
func (s *Service) CreateTokenAccount(ctx context.Context, owner, mint string, balance decimal.Decimal) (*model.TokenAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if balance.IsNegative() {
		return nil, ErrAmountZero
	}

	acct := &model.TokenAccount{
		ID:      addr.Derive(owner, mint, "token_account"),
		Owner:   owner,
		Mint:    mint,
		Balance: balance,
	}
	if err := s.store.PutTokenAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("create token account: %w", err)
	}

	slog.Info("token account created", "account", acct.ID, "owner", owner, "mint", mint)
	return acct, nil
}

// Deposit transfers amount from the client's token account into the pooled
// vault for that mint, creating the client balance and withdrawal queue
// records on first use. The mint must be whitelisted; a failed whitelist
// check creates nothing.
func (s *Service) Deposit(ctx context.Context, fundlockID, client, accountID, mint string, amount decimal.Decimal) (*model.ClientBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount.Sign() <= 0 {
		return nil, ErrAmountZero
	}

	fl, err := s.store.GetFundlock(ctx, fundlockID)
	if err != nil {
		return nil, fmt.Errorf("get fundlock: %w", err)
	}
	if _, err := s.tokens.Lookup(ctx, fl.ValidatorID, mint); err != nil {
		return nil, err
	}

	acct, err := s.store.GetTokenAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get token account: %w", err)
	}
	if acct.Owner != client || acct.Mint != mint {
		return nil, ErrNotClientAccount
	}
	if acct.Balance.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}

	vaultID := addr.Vault(fundlockID, mint)
	vault, err := s.store.GetVault(ctx, vaultID)
	if errors.Is(err, store.ErrNotFound) {
		vault = &model.Vault{ID: vaultID, FundlockID: fundlockID, Mint: mint}
	} else if err != nil {
		return nil, fmt.Errorf("get vault: %w", err)
	}

	balanceID := addr.ClientBalance(vaultID, accountID)
	bal, err := s.store.GetClientBalance(ctx, balanceID)
	if errors.Is(err, store.ErrNotFound) {
		bal = &model.ClientBalance{
			ID:            balanceID,
			VaultID:       vaultID,
			Client:        client,
			ClientAccount: accountID,
			Mint:          mint,
		}
	} else if err != nil {
		return nil, fmt.Errorf("get client balance: %w", err)
	}

	withdrawalsID := addr.Withdrawals(fundlockID, balanceID)
	wd, err := s.store.GetWithdrawals(ctx, withdrawalsID)
	if errors.Is(err, store.ErrNotFound) {
		wd = &model.Withdrawals{
			ID:         withdrawalsID,
			FundlockID: fundlockID,
			BalanceID:  balanceID,
			Client:     client,
		}
	} else if err != nil {
		return nil, fmt.Errorf("get withdrawals: %w", err)
	}

	acct.Balance = acct.Balance.Sub(amount)
	vault.Balance = vault.Balance.Add(amount)
	bal.Amount = bal.Amount.Add(amount)

	if err := s.store.PutTokenAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("debit token account: %w", err)
	}
	if err := s.store.PutVault(ctx, vault); err != nil {
		return nil, fmt.Errorf("credit vault: %w", err)
	}
	if err := s.store.PutClientBalance(ctx, bal); err != nil {
		return nil, fmt.Errorf("credit client balance: %w", err)
	}
	if err := s.store.PutWithdrawals(ctx, wd); err != nil {
		return nil, fmt.Errorf("ensure withdrawals: %w", err)
	}

	metrics.DepositsTotal.WithLabelValues(mint).Inc()
	events.Emit(ctx, s.pub, events.Event{
		Type:   events.TypeDeposit,
		Client: client,
		Mint:   mint,
		Amount: amount.String(),
	})
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:    "deposit",
			Client:  client,
			Mint:    mint,
			Amount:  amount.String(),
			Balance: bal.Amount.String(),
		})
	}

	slog.Info("deposit accepted",
		"fundlock", fundlockID,
		"client", client,
		"mint", mint,
		"amount", amount.String(),
		"balance", bal.Amount.String(),
	)
	return bal, nil
}

// Withdraw appends a withdrawal request to the client's queue. The amount
// must fit inside the available (un-queued) balance and the queue must have
// a free slot. Funds stay in the vault until release.
func (s *Service) Withdraw(ctx context.Context, fundlockID, client, accountID, mint string, amount decimal.Decimal) (*model.Withdrawals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount.Sign() <= 0 {
		return nil, ErrAmountZero
	}

	fl, err := s.store.GetFundlock(ctx, fundlockID)
	if err != nil {
		return nil, fmt.Errorf("get fundlock: %w", err)
	}
	if _, err := s.tokens.Lookup(ctx, fl.ValidatorID, mint); err != nil {
		return nil, err
	}

	vaultID := addr.Vault(fundlockID, mint)
	balanceID := addr.ClientBalance(vaultID, accountID)
	bal, err := s.store.GetClientBalance(ctx, balanceID)
	if err != nil {
		return nil, fmt.Errorf("get client balance: %w", err)
	}
	if bal.Client != client {
		return nil, ErrNotClientAccount
	}

	wd, err := s.store.GetWithdrawals(ctx, addr.Withdrawals(fundlockID, balanceID))
	if err != nil {
		return nil, fmt.Errorf("get withdrawals: %w", err)
	}

	if len(wd.Queue) >= model.WithdrawalQueueLimit {
		metrics.QueueRejections.Inc()
		return nil, ErrQueueFull
	}
	available := bal.Amount.Sub(wd.ActiveAmount)
	if available.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}

	wd.Queue = append(wd.Queue, model.Withdrawal{
		Amount:    amount,
		Timestamp: s.now().UTC(),
	})
	wd.ActiveAmount = wd.ActiveAmount.Add(amount)

	if err := s.store.PutWithdrawals(ctx, wd); err != nil {
		return nil, fmt.Errorf("queue withdrawal: %w", err)
	}

	metrics.WithdrawalsQueuedTotal.WithLabelValues(mint).Inc()
	events.Emit(ctx, s.pub, events.Event{
		Type:   events.TypeWithdraw,
		Client: client,
		Mint:   mint,
		Amount: amount.String(),
	})

	slog.Info("withdrawal queued",
		"fundlock", fundlockID,
		"client", client,
		"mint", mint,
		"amount", amount.String(),
		"index", len(wd.Queue)-1,
		"active", wd.ActiveAmount.String(),
	)
	return wd, nil
}

// Release pays out the queue entry at index once its release lock has
// elapsed: the entry is removed (compacting the queue), the client balance
// and active amount drop by its amount, and the vault pays the client's
// token account.
func (s *Service) Release(ctx context.Context, fundlockID, client, accountID, mint string, index int) (*model.Withdrawals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fl, err := s.store.GetFundlock(ctx, fundlockID)
	if err != nil {
		return nil, fmt.Errorf("get fundlock: %w", err)
	}

	vaultID := addr.Vault(fundlockID, mint)
	vault, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("get vault: %w", err)
	}

	balanceID := addr.ClientBalance(vaultID, accountID)
	bal, err := s.store.GetClientBalance(ctx, balanceID)
	if err != nil {
		return nil, fmt.Errorf("get client balance: %w", err)
	}
	if bal.Client != client {
		return nil, ErrNotClientAccount
	}

	wd, err := s.store.GetWithdrawals(ctx, addr.Withdrawals(fundlockID, balanceID))
	if err != nil {
		return nil, fmt.Errorf("get withdrawals: %w", err)
	}

	if index < 0 || index >= len(wd.Queue) {
		return nil, ErrInvalidIndex
	}
	entry := wd.Queue[index]
	if s.now().Sub(entry.Timestamp) < fl.ReleaseLock {
		return nil, ErrReleaseLockActive
	}
	if vault.Balance.LessThan(entry.Amount) {
		return nil, ErrInsufficientVault
	}

	acct, err := s.store.GetTokenAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get token account: %w", err)
	}

	wd.Queue = append(wd.Queue[:index], wd.Queue[index+1:]...)
	wd.ActiveAmount = wd.ActiveAmount.Sub(entry.Amount)
	bal.Amount = bal.Amount.Sub(entry.Amount)
	vault.Balance = vault.Balance.Sub(entry.Amount)
	acct.Balance = acct.Balance.Add(entry.Amount)

	if err := s.store.PutWithdrawals(ctx, wd); err != nil {
		return nil, fmt.Errorf("update withdrawals: %w", err)
	}
	if err := s.store.PutClientBalance(ctx, bal); err != nil {
		return nil, fmt.Errorf("update client balance: %w", err)
	}
	if err := s.store.PutVault(ctx, vault); err != nil {
		return nil, fmt.Errorf("debit vault: %w", err)
	}
	if err := s.store.PutTokenAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("credit token account: %w", err)
	}

	metrics.ReleasesTotal.WithLabelValues(mint).Inc()
	events.Emit(ctx, s.pub, events.Event{
		Type:   events.TypeRelease,
		Client: client,
		Mint:   mint,
		Amount: entry.Amount.String(),
	})
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:    "release",
			Client:  client,
			Mint:    mint,
			Amount:  entry.Amount.String(),
			Balance: bal.Amount.String(),
		})
	}

	slog.Info("withdrawal released",
		"fundlock", fundlockID,
		"client", client,
		"mint", mint,
		"amount", entry.Amount.String(),
		"index", index,
		"active", wd.ActiveAmount.String(),
	)
	return wd, nil
}

// BalanceSheet is the read-only reporting view of one client/token pair.
type BalanceSheet struct {
	Client           string             `json:"client"`
	Mint             string             `json:"mint"`
	Amount           decimal.Decimal    `json:"amount"`
	CollateralAmount decimal.Decimal    `json:"collateral_amount"`
	ActiveAmount     decimal.Decimal    `json:"active_withdrawals_amount"`
	Queue            []model.Withdrawal `json:"withdrawal_queue"`
}

// Sheet reports the current balances for one client/token pair. No state
// mutation; callable by any identity.
func (s *Service) Sheet(ctx context.Context, fundlockID, accountID, mint string) (*BalanceSheet, error) {
	vaultID := addr.Vault(fundlockID, mint)
	balanceID := addr.ClientBalance(vaultID, accountID)
	bal, err := s.store.GetClientBalance(ctx, balanceID)
	if err != nil {
		return nil, fmt.Errorf("get client balance: %w", err)
	}
	wd, err := s.store.GetWithdrawals(ctx, addr.Withdrawals(fundlockID, balanceID))
	if err != nil {
		return nil, fmt.Errorf("get withdrawals: %w", err)
	}

	slog.Info("balance sheet",
		"fundlock", fundlockID,
		"client", bal.Client,
		"mint", mint,
		"balance", bal.Amount.String(),
		"collateral", bal.CollateralAmount.String(),
		"active", wd.ActiveAmount.String(),
	)
	return &BalanceSheet{
		Client:           bal.Client,
		Mint:             mint,
		Amount:           bal.Amount,
		CollateralAmount: bal.CollateralAmount,
		ActiveAmount:     wd.ActiveAmount,
		Queue:            wd.Queue,
	}, nil
}
