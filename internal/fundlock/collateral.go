package fundlock

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/ithaca/custody-engine/internal/addr"
	"github.com/ithaca/custody-engine/internal/events"
	"github.com/ithaca/custody-engine/internal/metrics"
	"github.com/ithaca/custody-engine/internal/model"
)

// DepositCollateral moves amount of a client's free balance out of the vault
// and into the external lending reserve. The returned receipt amount is
// tracked on the client balance until redeemed.
func (s *Service) DepositCollateral(ctx context.Context, fundlockID, client, accountID, mint string, amount decimal.Decimal) (*model.ClientBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount.Sign() <= 0 {
		return nil, ErrAmountZero
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

	free := bal.Amount.Sub(wd.ActiveAmount)
	if free.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}
	if vault.Balance.LessThan(amount) {
		return nil, ErrInsufficientVault
	}

	receipt, err := s.reserve.Deposit(ctx, mint, amount)
	if err != nil {
		return nil, fmt.Errorf("reserve deposit: %w", err)
	}

	vault.Balance = vault.Balance.Sub(amount)
	bal.Amount = bal.Amount.Sub(amount)
	bal.CollateralAmount = bal.CollateralAmount.Add(receipt)

	if err := s.store.PutVault(ctx, vault); err != nil {
		return nil, fmt.Errorf("debit vault: %w", err)
	}
	if err := s.store.PutClientBalance(ctx, bal); err != nil {
		return nil, fmt.Errorf("update client balance: %w", err)
	}

	metrics.CollateralDepositsTotal.WithLabelValues("deposit").Inc()
	events.Emit(ctx, s.pub, events.Event{
		Type:   events.TypeCollateral,
		Client: client,
		Mint:   mint,
		Amount: amount.String(),
	})

	slog.Info("collateral deposited",
		"fundlock", fundlockID,
		"client", client,
		"mint", mint,
		"amount", amount.String(),
		"receipt", receipt.String(),
		"collateral", bal.CollateralAmount.String(),
	)
	return bal, nil
}

// RedeemCollateral returns receipt tokens to the lending reserve and credits
// the redeemed amount back to the vault and the client balance.
func (s *Service) RedeemCollateral(ctx context.Context, fundlockID, client, accountID, mint string, receipt decimal.Decimal) (*model.ClientBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if receipt.Sign() <= 0 {
		return nil, ErrAmountZero
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
	if bal.CollateralAmount.LessThan(receipt) {
		return nil, ErrInsufficientBalance
	}

	redeemed, err := s.reserve.Redeem(ctx, mint, receipt)
	if err != nil {
		return nil, fmt.Errorf("reserve redeem: %w", err)
	}

	vault.Balance = vault.Balance.Add(redeemed)
	bal.Amount = bal.Amount.Add(redeemed)
	bal.CollateralAmount = bal.CollateralAmount.Sub(receipt)

	if err := s.store.PutVault(ctx, vault); err != nil {
		return nil, fmt.Errorf("credit vault: %w", err)
	}
	if err := s.store.PutClientBalance(ctx, bal); err != nil {
		return nil, fmt.Errorf("update client balance: %w", err)
	}

	metrics.CollateralDepositsTotal.WithLabelValues("redeem").Inc()
	events.Emit(ctx, s.pub, events.Event{
		Type:   events.TypeCollateral,
		Client: client,
		Mint:   mint,
		Amount: redeemed.String(),
	})

	slog.Info("collateral redeemed",
		"fundlock", fundlockID,
		"client", client,
		"mint", mint,
		"receipt", receipt.String(),
		"redeemed", redeemed.String(),
		"collateral", bal.CollateralAmount.String(),
	)
	return bal, nil
}
