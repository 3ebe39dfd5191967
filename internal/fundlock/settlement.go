package fundlock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ithaca/custody-engine/internal/addr"
	"github.com/ithaca/custody-engine/internal/events"
	"github.com/ithaca/custody-engine/internal/metrics"
	"github.com/ithaca/custody-engine/internal/model"
)

// BalanceUpdate is one signed settlement delta against a client balance.
// Positive amounts credit; negative amounts debit.
type BalanceUpdate struct {
	Client        string          `json:"client"`
	ClientAccount string          `json:"client_account"`
	Mint          string          `json:"mint"`
	Amount        decimal.Decimal `json:"amount"`
}

// settlementState is the staged working copy for one client balance during a
// batch. All deltas apply to the copies; nothing persists until every entry
// in the batch has validated.
type settlementState struct {
	bal *model.ClientBalance
	wd  *model.Withdrawals
}

// UpdateBalances applies an admin-signed settlement batch. The whole batch
// validates before anything persists: a single failing entry rejects the
// batch with no state change.
func (s *Service) UpdateBalances(ctx context.Context, fundlockID, controllerID, caller string, backendID uint64, updates []BalanceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.roles.CheckRole(ctx, controllerID, model.RoleAdmin, caller); err != nil {
		return err
	}
	return s.applyBatch(ctx, fundlockID, backendID, updates, "balances")
}

// ApplyFundMovements applies a settlement batch on behalf of the ledger.
// Role checks are the ledger's responsibility; this entry point only runs
// the balance mechanics.
func (s *Service) ApplyFundMovements(ctx context.Context, fundlockID string, backendID uint64, updates []BalanceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyBatch(ctx, fundlockID, backendID, updates, "fund_movements")
}

func (s *Service) applyBatch(ctx context.Context, fundlockID string, backendID uint64, updates []BalanceUpdate, source string) error {
	if len(updates) == 0 {
		return ErrEmptyBatch
	}

	fl, err := s.store.GetFundlock(ctx, fundlockID)
	if err != nil {
		return fmt.Errorf("get fundlock: %w", err)
	}
	now := s.now().UTC()

	// Phase 1: load and stage. Every delta runs against in-memory copies so
	// a late failure leaves the store untouched.
	staged := make(map[string]*settlementState, len(updates))
	order := make([]string, 0, len(updates))
	for i, u := range updates {
		if u.Client == "" || u.ClientAccount == "" || u.Mint == "" {
			return fmt.Errorf("entry %d: %w", i, ErrAccountOrder)
		}

		vaultID := addr.Vault(fundlockID, u.Mint)
		balanceID := addr.ClientBalance(vaultID, u.ClientAccount)

		st, ok := staged[balanceID]
		if !ok {
			bal, err := s.store.GetClientBalance(ctx, balanceID)
			if err != nil {
				return fmt.Errorf("entry %d: get client balance: %w", i, err)
			}
			wd, err := s.store.GetWithdrawals(ctx, addr.Withdrawals(fundlockID, balanceID))
			if err != nil {
				return fmt.Errorf("entry %d: get withdrawals: %w", i, err)
			}
			st = &settlementState{bal: bal, wd: wd}
			staged[balanceID] = st
			order = append(order, balanceID)
		}
		if st.bal.Client != u.Client || st.bal.Mint != u.Mint {
			return fmt.Errorf("entry %d: %w", i, ErrAccountOrder)
		}

		switch u.Amount.Sign() {
		case 0:
			continue
		case 1:
			st.bal.Amount = st.bal.Amount.Add(u.Amount)
		default:
			if err := debitStaged(st, u.Amount.Neg(), now, fl.TradeLock); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
	}

	// Phase 2: persist staged state, then journal each delta.
	for _, id := range order {
		st := staged[id]
		if err := s.store.PutClientBalance(ctx, st.bal); err != nil {
			return fmt.Errorf("persist client balance: %w", err)
		}
		if err := s.store.PutWithdrawals(ctx, st.wd); err != nil {
			return fmt.Errorf("persist withdrawals: %w", err)
		}
	}
	for _, u := range updates {
		if u.Amount.IsZero() {
			continue
		}
		entry := &model.JournalEntry{
			ID:        uuid.NewString(),
			BackendID: backendID,
			Client:    u.Client,
			Mint:      u.Mint,
			Delta:     u.Amount,
			Source:    source,
			Timestamp: now,
		}
		if err := s.store.InsertJournalEntry(ctx, entry); err != nil {
			return fmt.Errorf("journal settlement: %w", err)
		}
		events.Emit(ctx, s.pub, events.Event{
			Type:      events.TypeSettlement,
			Client:    u.Client,
			Mint:      u.Mint,
			Amount:    u.Amount.String(),
			BackendID: backendID,
		})
		if s.hub != nil {
			st := staged[addr.ClientBalance(addr.Vault(fundlockID, u.Mint), u.ClientAccount)]
			s.hub.Broadcast(WSMessage{
				Type:      "settlement",
				Client:    u.Client,
				Mint:      u.Mint,
				Amount:    u.Amount.String(),
				Balance:   st.bal.Amount.String(),
				BackendID: backendID,
			})
		}
	}

	metrics.SettlementBatchesTotal.WithLabelValues(source).Inc()
	slog.Info("settlement batch applied",
		"fundlock", fundlockID,
		"backend_id", backendID,
		"source", source,
		"entries", len(updates),
	)
	return nil
}

// debitStaged removes amount from a staged balance. The free balance (total
// minus queued) absorbs the debit first; any remainder raids queue entries
// still inside their trade lock, oldest first. Entries past the trade lock
// are committed to withdrawal and never raided. The shortfall case fails the
// whole batch.
func debitStaged(st *settlementState, amount decimal.Decimal, now time.Time, tradeLock time.Duration) error {
	free := st.bal.Amount.Sub(st.wd.ActiveAmount)
	if free.IsNegative() {
		free = decimal.Zero
	}

	remaining := amount.Sub(free)
	if remaining.Sign() > 0 {
		// Not coverable from the free balance: consume trade-locked queue
		// entries in FIFO order.
		kept := st.wd.Queue[:0]
		for _, entry := range st.wd.Queue {
			if remaining.Sign() <= 0 || !entry.Timestamp.Add(tradeLock).After(now) {
				kept = append(kept, entry)
				continue
			}
			if entry.Amount.GreaterThan(remaining) {
				entry.Amount = entry.Amount.Sub(remaining)
				st.wd.ActiveAmount = st.wd.ActiveAmount.Sub(remaining)
				remaining = decimal.Zero
				kept = append(kept, entry)
				continue
			}
			remaining = remaining.Sub(entry.Amount)
			st.wd.ActiveAmount = st.wd.ActiveAmount.Sub(entry.Amount)
		}
		st.wd.Queue = kept
		if remaining.Sign() > 0 {
			return ErrInsufficientFunds
		}
	}

	st.bal.Amount = st.bal.Amount.Sub(amount)
	return nil
}

// Journal returns the settlement records for one backend correlation id.
func (s *Service) Journal(ctx context.Context, backendID uint64) ([]model.JournalEntry, error) {
	entries, err := s.store.ListJournalEntries(ctx, backendID)
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	return entries, nil
}
