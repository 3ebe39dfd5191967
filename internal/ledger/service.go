// Package ledger manages per token-pair settlement markets: contract
// registration, client positions, and the fund-movement path that turns
// normalized trade amounts into custody balance deltas.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ithaca/custody-engine/internal/accesscontrol"
	"github.com/ithaca/custody-engine/internal/addr"
	"github.com/ithaca/custody-engine/internal/fundlock"
	"github.com/ithaca/custody-engine/internal/httpapi"
	"github.com/ithaca/custody-engine/internal/model"
	"github.com/ithaca/custody-engine/internal/store"
	"github.com/ithaca/custody-engine/internal/tokenvalidator"
)

var (
	// ErrSameMint is returned when the underlying and strike mints match.
	ErrSameMint = errors.New("ledger: underlying and strike mints must differ")

	// ErrEmptyBatch is returned for a batch instruction with no entries.
	ErrEmptyBatch = errors.New("ledger: empty batch")
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

// Mover applies settlement deltas to custody balances. Satisfied by
// fundlock.Service.
type Mover interface {
	ApplyFundMovements(ctx context.Context, fundlockID string, backendID uint64, updates []fundlock.BalanceUpdate) error
}

// Service manages ledgers, contracts, positions, and fund movements.
type Service struct {
	store  store.Store
	roles  RoleChecker
	tokens TokenLookup
	mover  Mover
	mu     sync.Mutex
}

// NewService creates a new ledger service.
func NewService(st store.Store, roles RoleChecker, tokens TokenLookup, mover Mover) *Service {
	return &Service{store: st, roles: roles, tokens: tokens, mover: mover}
}

// InitLedger creates the settlement market for one (underlying, strike)
// token pair. Both mints must be whitelisted. The stored multipliers scale
// normalized amounts back to native token units:
// multiplier = 10^(decimals - precision).
func (s *Service) InitLedger(ctx context.Context, controllerID, caller, underlyingMint, strikeMint string) (*model.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.roles.CheckRole(ctx, controllerID, model.RoleAdmin, caller); err != nil {
		return nil, err
	}
	if underlyingMint == strikeMint {
		return nil, ErrSameMint
	}

	validatorID := addr.TokenValidator(controllerID)
	underlying, err := s.tokens.Lookup(ctx, validatorID, underlyingMint)
	if err != nil {
		return nil, err
	}
	strike, err := s.tokens.Lookup(ctx, validatorID, strikeMint)
	if err != nil {
		return nil, err
	}

	fundlockID := addr.Fundlock(controllerID, validatorID)
	if _, err := s.store.GetFundlock(ctx, fundlockID); err != nil {
		return nil, fmt.Errorf("get fundlock: %w", err)
	}

	led := &model.Ledger{
		ID:                   addr.Ledger(controllerID, validatorID, underlyingMint, strikeMint),
		ControllerID:         controllerID,
		ValidatorID:          validatorID,
		FundlockID:           fundlockID,
		UnderlyingMint:       underlyingMint,
		StrikeMint:           strikeMint,
		UnderlyingMultiplier: multiplier(underlying),
		StrikeMultiplier:     multiplier(strike),
	}
	if err := s.store.CreateLedger(ctx, led); err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}

	slog.Info("ledger initialized",
		"ledger", led.ID,
		"underlying", underlyingMint,
		"strike", strikeMint,
		"underlying_multiplier", led.UnderlyingMultiplier.String(),
		"strike_multiplier", led.StrikeMultiplier.String(),
	)
	return led, nil
}

// multiplier converts a whitelisted token's precision gap to a power of ten.
func multiplier(t *model.WhitelistedToken) decimal.Decimal {
	return decimal.New(1, int32(t.Decimals-t.Precision))
}

// PositionEntry is one (contract, client, size) tuple in a position batch.
type PositionEntry struct {
	ContractID uint64          `json:"contract_id"`
	Client     string          `json:"client"`
	Size       decimal.Decimal `json:"size"`
}

// CreateContractsAndPositions registers contracts on demand and accumulates
// client position sizes. Utility-account role only. Contract creation is
// idempotent; repeated position entries add to the existing size.
func (s *Service) CreateContractsAndPositions(ctx context.Context, ledgerID, caller string, entries []PositionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	led, err := s.store.GetLedger(ctx, ledgerID)
	if err != nil {
		return fmt.Errorf("get ledger: %w", err)
	}
	if err := s.roles.CheckRole(ctx, led.ControllerID, model.RoleUtility, caller); err != nil {
		return err
	}
	if len(entries) == 0 {
		return ErrEmptyBatch
	}

	for i, e := range entries {
		contractKey := addr.Contract(ledgerID, e.ContractID)
		if _, err := s.store.GetContract(ctx, contractKey); errors.Is(err, store.ErrNotFound) {
			c := &model.Contract{ID: contractKey, LedgerID: ledgerID, ContractID: e.ContractID}
			if err := s.store.PutContract(ctx, c); err != nil {
				return fmt.Errorf("entry %d: create contract: %w", i, err)
			}
		} else if err != nil {
			return fmt.Errorf("entry %d: get contract: %w", i, err)
		}

		posKey := addr.Position(contractKey, e.Client)
		pos, err := s.store.GetPosition(ctx, posKey)
		if errors.Is(err, store.ErrNotFound) {
			pos = &model.Position{ID: posKey, ContractID: contractKey, Client: e.Client}
		} else if err != nil {
			return fmt.Errorf("entry %d: get position: %w", i, err)
		}
		pos.Size = pos.Size.Add(e.Size)
		if err := s.store.PutPosition(ctx, pos); err != nil {
			return fmt.Errorf("entry %d: update position: %w", i, err)
		}
	}

	slog.Info("contracts and positions updated", "ledger", ledgerID, "entries", len(entries))
	return nil
}

// Movement is one normalized settlement instruction: per-client deltas in
// the ledger's underlying and strike tokens. Positive credits, negative
// debits; the ledger multipliers scale each side to native units.
type Movement struct {
	Client            string          `json:"client"`
	UnderlyingAccount string          `json:"underlying_account"`
	StrikeAccount     string          `json:"strike_account"`
	UnderlyingAmount  decimal.Decimal `json:"underlying_amount"`
	StrikeAmount      decimal.Decimal `json:"strike_amount"`
}

// UpdateFundMovements scales a batch of normalized movements by the ledger
// multipliers and applies the resulting deltas atomically to custody
// balances. Utility-account role only.
func (s *Service) UpdateFundMovements(ctx context.Context, ledgerID, caller string, backendID uint64, movements []Movement) error {
	led, err := s.store.GetLedger(ctx, ledgerID)
	if err != nil {
		return fmt.Errorf("get ledger: %w", err)
	}
	if err := s.roles.CheckRole(ctx, led.ControllerID, model.RoleUtility, caller); err != nil {
		return err
	}
	if len(movements) == 0 {
		return ErrEmptyBatch
	}

	updates := make([]fundlock.BalanceUpdate, 0, len(movements)*2)
	for _, m := range movements {
		if !m.UnderlyingAmount.IsZero() {
			updates = append(updates, fundlock.BalanceUpdate{
				Client:        m.Client,
				ClientAccount: m.UnderlyingAccount,
				Mint:          led.UnderlyingMint,
				Amount:        m.UnderlyingAmount.Mul(led.UnderlyingMultiplier),
			})
		}
		if !m.StrikeAmount.IsZero() {
			updates = append(updates, fundlock.BalanceUpdate{
				Client:        m.Client,
				ClientAccount: m.StrikeAccount,
				Mint:          led.StrikeMint,
				Amount:        m.StrikeAmount.Mul(led.StrikeMultiplier),
			})
		}
	}
	if len(updates) == 0 {
		return ErrEmptyBatch
	}

	if err := s.mover.ApplyFundMovements(ctx, led.FundlockID, backendID, updates); err != nil {
		return err
	}

	slog.Info("fund movements applied",
		"ledger", ledgerID,
		"backend_id", backendID,
		"movements", len(movements),
	)
	return nil
}

type InitLedgerRequest struct {
	ControllerID   string `json:"controller_id"`
	Caller         string `json:"caller"`
	UnderlyingMint string `json:"underlying_mint"`
	StrikeMint     string `json:"strike_mint"`
}

type PositionsRequest struct {
	Caller  string          `json:"caller"`
	Entries []PositionEntry `json:"entries"`
}

type MovementsRequest struct {
	Caller    string     `json:"caller"`
	BackendID uint64     `json:"backend_id"`
	Movements []Movement `json:"movements"`
}

// HandleInitLedger handles POST /api/v1/ledgers
func (s *Service) HandleInitLedger(w http.ResponseWriter, r *http.Request) {
	var req InitLedgerRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ControllerID == "" || req.Caller == "" || req.UnderlyingMint == "" || req.StrikeMint == "" {
		httpapi.WriteError(w, "controller_id, caller, underlying_mint and strike_mint are required", http.StatusBadRequest)
		return
	}

	led, err := s.InitLedger(r.Context(), req.ControllerID, req.Caller, req.UnderlyingMint, req.StrikeMint)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, led)
}

// HandleGetLedger handles GET /api/v1/ledgers/{ledgerID}
func (s *Service) HandleGetLedger(w http.ResponseWriter, r *http.Request) {
	led, err := s.store.GetLedger(r.Context(), chi.URLParam(r, "ledgerID"))
	if err != nil {
		httpapi.WriteError(w, "ledger not found", http.StatusNotFound)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, led)
}

// HandlePositions handles POST /api/v1/ledgers/{ledgerID}/positions
func (s *Service) HandlePositions(w http.ResponseWriter, r *http.Request) {
	ledgerID := chi.URLParam(r, "ledgerID")

	var req PositionsRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.CreateContractsAndPositions(r.Context(), ledgerID, req.Caller, req.Entries); err != nil {
		writeLedgerError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "applied",
		"entries": len(req.Entries),
	})
}

// HandleGetPosition handles GET /api/v1/ledgers/{ledgerID}/positions/{contractID}?client=
func (s *Service) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	ledgerID := chi.URLParam(r, "ledgerID")
	client := r.URL.Query().Get("client")

	var contractID uint64
	if _, err := fmt.Sscanf(chi.URLParam(r, "contractID"), "%d", &contractID); err != nil {
		httpapi.WriteError(w, "invalid contract id", http.StatusBadRequest)
		return
	}

	pos, err := s.store.GetPosition(r.Context(), addr.Position(addr.Contract(ledgerID, contractID), client))
	if err != nil {
		httpapi.WriteError(w, "position not found", http.StatusNotFound)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, pos)
}

// HandleFundMovements handles POST /api/v1/ledgers/{ledgerID}/fund-movements
func (s *Service) HandleFundMovements(w http.ResponseWriter, r *http.Request) {
	ledgerID := chi.URLParam(r, "ledgerID")

	var req MovementsRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.UpdateFundMovements(r.Context(), ledgerID, req.Caller, req.BackendID, req.Movements); err != nil {
		writeLedgerError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "applied",
		"backend_id": req.BackendID,
	})
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, accesscontrol.ErrUnauthorized), errors.Is(err, accesscontrol.ErrNoRole):
		httpapi.WriteError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, tokenvalidator.ErrTokenNotWhitelisted):
		httpapi.WriteError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound):
		httpapi.WriteError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyExists):
		httpapi.WriteError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrSameMint), errors.Is(err, ErrEmptyBatch):
		httpapi.WriteError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, fundlock.ErrInsufficientFunds), errors.Is(err, fundlock.ErrAccountOrder):
		httpapi.WriteError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		httpapi.WriteError(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
