package fundlock

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ithaca/custody-engine/internal/accesscontrol"
	"github.com/ithaca/custody-engine/internal/httpapi"
	"github.com/ithaca/custody-engine/internal/store"
	"github.com/ithaca/custody-engine/internal/tokenvalidator"
)

type InitRequest struct {
	ControllerID       string `json:"controller_id"`
	Caller             string `json:"caller"`
	TradeLockSeconds   int64  `json:"trade_lock_seconds"`
	ReleaseLockSeconds int64  `json:"release_lock_seconds"`
}

type FundsRequest struct {
	Client        string          `json:"client"`
	ClientAccount string          `json:"client_account"`
	Mint          string          `json:"mint"`
	Amount        decimal.Decimal `json:"amount"`
}

type ReleaseRequest struct {
	Client        string `json:"client"`
	ClientAccount string `json:"client_account"`
	Mint          string `json:"mint"`
	Index         int    `json:"index"`
}

type SettlementRequest struct {
	ControllerID string          `json:"controller_id"`
	Caller       string          `json:"caller"`
	BackendID    uint64          `json:"backend_id"`
	Updates      []BalanceUpdate `json:"updates"`
}

type AccountRequest struct {
	Owner   string          `json:"owner"`
	Mint    string          `json:"mint"`
	Balance decimal.Decimal `json:"balance"`
}

// HandleCreateAccount handles POST /api/v1/accounts
func (s *Service) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" || req.Mint == "" {
		httpapi.WriteError(w, "owner and mint are required", http.StatusBadRequest)
		return
	}

	acct, err := s.CreateTokenAccount(r.Context(), req.Owner, req.Mint, req.Balance)
	if err != nil {
		writeFundsError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, acct)
}

// HandleGetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.store.GetTokenAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		httpapi.WriteError(w, "token account not found", http.StatusNotFound)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, acct)
}

// HandleInit handles POST /api/v1/fundlocks
func (s *Service) HandleInit(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ControllerID == "" || req.Caller == "" {
		httpapi.WriteError(w, "controller_id and caller are required", http.StatusBadRequest)
		return
	}
	if req.TradeLockSeconds < 0 || req.ReleaseLockSeconds < 0 {
		httpapi.WriteError(w, "lock durations must be non-negative", http.StatusBadRequest)
		return
	}

	fl, err := s.Init(r.Context(), req.ControllerID, req.Caller,
		time.Duration(req.TradeLockSeconds)*time.Second,
		time.Duration(req.ReleaseLockSeconds)*time.Second,
	)
	if err != nil {
		writeFundsError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, fl)
}

// HandleDeposit handles POST /api/v1/fundlocks/{fundlockID}/deposit
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	fundlockID := chi.URLParam(r, "fundlockID")

	var req FundsRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bal, err := s.Deposit(r.Context(), fundlockID, req.Client, req.ClientAccount, req.Mint, req.Amount)
	if err != nil {
		writeFundsError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, bal)
}

// HandleWithdraw handles POST /api/v1/fundlocks/{fundlockID}/withdraw
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	fundlockID := chi.URLParam(r, "fundlockID")

	var req FundsRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wd, err := s.Withdraw(r.Context(), fundlockID, req.Client, req.ClientAccount, req.Mint, req.Amount)
	if err != nil {
		writeFundsError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, wd)
}

// HandleRelease handles POST /api/v1/fundlocks/{fundlockID}/release
func (s *Service) HandleRelease(w http.ResponseWriter, r *http.Request) {
	fundlockID := chi.URLParam(r, "fundlockID")

	var req ReleaseRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wd, err := s.Release(r.Context(), fundlockID, req.Client, req.ClientAccount, req.Mint, req.Index)
	if err != nil {
		writeFundsError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, wd)
}

// HandleSheet handles GET /api/v1/fundlocks/{fundlockID}/balance-sheet?client_account=&mint=
func (s *Service) HandleSheet(w http.ResponseWriter, r *http.Request) {
	fundlockID := chi.URLParam(r, "fundlockID")
	accountID := r.URL.Query().Get("client_account")
	mint := r.URL.Query().Get("mint")

	if accountID == "" || mint == "" {
		httpapi.WriteError(w, "client_account and mint are required", http.StatusBadRequest)
		return
	}

	sheet, err := s.Sheet(r.Context(), fundlockID, accountID, mint)
	if err != nil {
		writeFundsError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, sheet)
}

// HandleUpdateBalances handles POST /api/v1/fundlocks/{fundlockID}/balances
func (s *Service) HandleUpdateBalances(w http.ResponseWriter, r *http.Request) {
	fundlockID := chi.URLParam(r, "fundlockID")

	var req SettlementRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.UpdateBalances(r.Context(), fundlockID, req.ControllerID, req.Caller, req.BackendID, req.Updates); err != nil {
		writeFundsError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "applied",
		"backend_id": req.BackendID,
		"entries":    len(req.Updates),
	})
}

// HandleJournal handles GET /api/v1/fundlocks/{fundlockID}/journal?backend_id=
func (s *Service) HandleJournal(w http.ResponseWriter, r *http.Request) {
	backendID, err := strconv.ParseUint(r.URL.Query().Get("backend_id"), 10, 64)
	if err != nil {
		httpapi.WriteError(w, "backend_id is required", http.StatusBadRequest)
		return
	}

	entries, err := s.Journal(r.Context(), backendID)
	if err != nil {
		writeFundsError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, entries)
}

// HandleDepositCollateral handles POST /api/v1/fundlocks/{fundlockID}/collateral/deposit
func (s *Service) HandleDepositCollateral(w http.ResponseWriter, r *http.Request) {
	fundlockID := chi.URLParam(r, "fundlockID")

	var req FundsRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bal, err := s.DepositCollateral(r.Context(), fundlockID, req.Client, req.ClientAccount, req.Mint, req.Amount)
	if err != nil {
		writeFundsError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, bal)
}

// HandleRedeemCollateral handles POST /api/v1/fundlocks/{fundlockID}/collateral/redeem
func (s *Service) HandleRedeemCollateral(w http.ResponseWriter, r *http.Request) {
	fundlockID := chi.URLParam(r, "fundlockID")

	var req FundsRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bal, err := s.RedeemCollateral(r.Context(), fundlockID, req.Client, req.ClientAccount, req.Mint, req.Amount)
	if err != nil {
		writeFundsError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, bal)
}

func writeFundsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, accesscontrol.ErrUnauthorized), errors.Is(err, accesscontrol.ErrNoRole):
		httpapi.WriteError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, tokenvalidator.ErrTokenNotWhitelisted):
		httpapi.WriteError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound):
		httpapi.WriteError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyExists):
		httpapi.WriteError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrAmountZero),
		errors.Is(err, ErrInvalidIndex),
		errors.Is(err, ErrEmptyBatch),
		errors.Is(err, ErrAccountOrder):
		httpapi.WriteError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInsufficientVault),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrReleaseLockActive),
		errors.Is(err, ErrNotClientAccount):
		httpapi.WriteError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		httpapi.WriteError(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
