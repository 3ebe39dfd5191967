// Package tokenvalidator maintains the whitelist of (mint, decimals,
// precision) tuples a deployment accepts. Every fundlock and ledger operation
// that references a mint resolves it here first.
package tokenvalidator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ithaca/custody-engine/internal/addr"
	"github.com/ithaca/custody-engine/internal/httpapi"
	"github.com/ithaca/custody-engine/internal/model"
	"github.com/ithaca/custody-engine/internal/store"
)

var (
	// ErrTokenNotWhitelisted is returned when a mint is absent from the whitelist.
	ErrTokenNotWhitelisted = errors.New("tokenvalidator: token not whitelisted")

	// ErrNonFungibleToken is returned for mints with zero decimals.
	ErrNonFungibleToken = errors.New("tokenvalidator: token is not fungible")

	// ErrInvalidPrecision is returned when precision exceeds the mint's decimals.
	ErrInvalidPrecision = errors.New("tokenvalidator: precision exceeds token decimals")
)

// RoleChecker verifies role membership. Satisfied by accesscontrol.Service.
type RoleChecker interface {
	CheckRole(ctx context.Context, controllerID, roleName, member string) error
}

// Service handles whitelist operations, admin-gated through the role checker.
type Service struct {
	store store.Store
	roles RoleChecker
	mu    sync.Mutex
}

// NewService creates a new token validator service.
func NewService(st store.Store, roles RoleChecker) *Service {
	return &Service{store: st, roles: roles}
}

// InitValidator creates the whitelist root for a controller. Admin only;
// one per controller.
func (s *Service) InitValidator(ctx context.Context, controllerID, caller string) (*model.TokenValidator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.roles.CheckRole(ctx, controllerID, model.RoleAdmin, caller); err != nil {
		return nil, err
	}

	tv := &model.TokenValidator{
		ID:           addr.TokenValidator(controllerID),
		ControllerID: controllerID,
	}
	if err := s.store.CreateTokenValidator(ctx, tv); err != nil {
		return nil, fmt.Errorf("create token validator: %w", err)
	}

	slog.Info("token validator initialized", "controller", controllerID, "validator", tv.ID)
	return tv, nil
}

// AddToken whitelists a mint with its native decimals and the precision the
// deployment settles at. Admin only.
func (s *Service) AddToken(ctx context.Context, controllerID, caller, mint string, decimals, precision int) (*model.WhitelistedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.roles.CheckRole(ctx, controllerID, model.RoleAdmin, caller); err != nil {
		return nil, err
	}
	if decimals <= 0 {
		return nil, ErrNonFungibleToken
	}
	if precision < 0 || precision > decimals {
		return nil, ErrInvalidPrecision
	}

	validatorID := addr.TokenValidator(controllerID)
	if _, err := s.store.GetTokenValidator(ctx, validatorID); err != nil {
		return nil, fmt.Errorf("get token validator: %w", err)
	}

	wt := &model.WhitelistedToken{
		ID:          addr.WhitelistedToken(validatorID, mint),
		ValidatorID: validatorID,
		Mint:        mint,
		Decimals:    decimals,
		Precision:   precision,
	}
	if err := s.store.PutWhitelistedToken(ctx, wt); err != nil {
		return nil, fmt.Errorf("put whitelisted token: %w", err)
	}

	slog.Info("token whitelisted",
		"validator", validatorID,
		"mint", mint,
		"decimals", decimals,
		"precision", precision,
	)
	return wt, nil
}

// RemoveToken deletes a mint from the whitelist. Admin only. Any subsequent
// operation referencing the mint fails.
func (s *Service) RemoveToken(ctx context.Context, controllerID, caller, mint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.roles.CheckRole(ctx, controllerID, model.RoleAdmin, caller); err != nil {
		return err
	}

	validatorID := addr.TokenValidator(controllerID)
	if err := s.store.DeleteWhitelistedToken(ctx, addr.WhitelistedToken(validatorID, mint)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTokenNotWhitelisted
		}
		return fmt.Errorf("delete whitelisted token: %w", err)
	}

	slog.Info("token removed from whitelist", "validator", validatorID, "mint", mint)
	return nil
}

// Lookup resolves a mint against the whitelist under a validator.
func (s *Service) Lookup(ctx context.Context, validatorID, mint string) (*model.WhitelistedToken, error) {
	wt, err := s.store.GetWhitelistedToken(ctx, addr.WhitelistedToken(validatorID, mint))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTokenNotWhitelisted
		}
		return nil, fmt.Errorf("get whitelisted token: %w", err)
	}
	return wt, nil
}

// --- Request types ---

// InitValidatorRequest is the JSON body for validator creation.
type InitValidatorRequest struct {
	Caller string `json:"caller"`
}

// AddTokenRequest is the JSON body for whitelisting a mint.
type AddTokenRequest struct {
	Caller    string `json:"caller"`
	Mint      string `json:"mint"`
	Decimals  int    `json:"decimals"`
	Precision int    `json:"precision"`
}

// RemoveTokenRequest is the JSON body for delisting a mint.
type RemoveTokenRequest struct {
	Caller string `json:"caller"`
	Mint   string `json:"mint"`
}

// --- HTTP Handlers ---

// HandleInitValidator handles POST /api/v1/access-controllers/{controllerID}/token-validator
func (s *Service) HandleInitValidator(w http.ResponseWriter, r *http.Request) {
	controllerID := chi.URLParam(r, "controllerID")

	var req InitValidatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tv, err := s.InitValidator(r.Context(), controllerID, req.Caller)
	if err != nil {
		writeValidatorError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, tv)
}

// HandleAddToken handles POST /api/v1/access-controllers/{controllerID}/token-validator/tokens
func (s *Service) HandleAddToken(w http.ResponseWriter, r *http.Request) {
	controllerID := chi.URLParam(r, "controllerID")

	var req AddTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Mint == "" {
		httpapi.WriteError(w, "mint is required", http.StatusBadRequest)
		return
	}

	wt, err := s.AddToken(r.Context(), controllerID, req.Caller, req.Mint, req.Decimals, req.Precision)
	if err != nil {
		writeValidatorError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, wt)
}

// HandleRemoveToken handles DELETE /api/v1/access-controllers/{controllerID}/token-validator/tokens
func (s *Service) HandleRemoveToken(w http.ResponseWriter, r *http.Request) {
	controllerID := chi.URLParam(r, "controllerID")

	var req RemoveTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.RemoveToken(r.Context(), controllerID, req.Caller, req.Mint); err != nil {
		writeValidatorError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func writeValidatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenNotWhitelisted):
		httpapi.WriteError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyExists):
		httpapi.WriteError(w, "already exists", http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		httpapi.WriteError(w, "not found", http.StatusNotFound)
	case errors.Is(err, ErrNonFungibleToken), errors.Is(err, ErrInvalidPrecision):
		httpapi.WriteError(w, err.Error(), http.StatusBadRequest)
	default:
		// Role failures surface as forbidden.
		httpapi.WriteError(w, err.Error(), http.StatusForbidden)
	}
}
