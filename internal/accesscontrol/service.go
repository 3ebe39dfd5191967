// Package accesscontrol owns the admin identity and the role registry: named
// roles under an access controller, membership grants, and the role checks
// every other component calls before mutating state.
package accesscontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ithaca/custody-engine/internal/addr"
	"github.com/ithaca/custody-engine/internal/httpapi"
	"github.com/ithaca/custody-engine/internal/model"
	"github.com/ithaca/custody-engine/internal/store"
)

var (
	// ErrUnauthorized is returned when the caller is not the controller admin.
	ErrUnauthorized = errors.New("accesscontrol: caller is not the admin")

	// ErrInvalidRole is returned for a role name outside the fixed set.
	ErrInvalidRole = errors.New("accesscontrol: unknown role name")

	// ErrLastMember is returned when renouncing would leave the admin role empty.
	ErrLastMember = errors.New("accesscontrol: cannot remove the last admin member")

	// ErrNoRole is returned when a member does not hold the checked role.
	ErrNoRole = errors.New("accesscontrol: member does not hold this role")

	// ErrAlreadyGranted is returned when granting a role the member already holds.
	ErrAlreadyGranted = errors.New("accesscontrol: member already holds this role")
)

// Service handles access-controller and role-registry operations. A mutex
// serializes mutations so member counts never drift from the member records.
type Service struct {
	store store.Store
	mu    sync.Mutex
	now   func() time.Time
}

// NewService creates a new access control service.
func NewService(st store.Store) *Service {
	return &Service{
		store: st,
		now:   time.Now,
	}
}

// InitController creates the controller for an admin identity and provisions
// the admin role with the creator as its sole member.
func (s *Service) InitController(ctx context.Context, admin string) (*model.AccessController, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac := &model.AccessController{
		ID:        addr.AccessController(admin),
		Admin:     admin,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateAccessController(ctx, ac); err != nil {
		return nil, fmt.Errorf("create access controller: %w", err)
	}

	role := &model.Role{
		ID:           addr.Role(ac.ID, model.RoleAdmin),
		ControllerID: ac.ID,
		Name:         model.RoleAdmin,
		MemberCount:  1,
	}
	if err := s.store.PutRole(ctx, role); err != nil {
		return nil, fmt.Errorf("provision admin role: %w", err)
	}

	member := &model.Member{
		ID:        addr.Member(role.ID, admin),
		RoleID:    role.ID,
		Member:    admin,
		GrantedAt: ac.CreatedAt,
	}
	if err := s.store.CreateMember(ctx, member); err != nil {
		return nil, fmt.Errorf("provision admin member: %w", err)
	}

	slog.Info("access controller initialized", "controller", ac.ID, "admin", admin)
	return ac, nil
}

// GrantRole makes member a holder of roleName. Admin only. Creates the Role
// record on first grant.
func (s *Service) GrantRole(ctx context.Context, controllerID, caller, roleName, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, err := s.store.GetAccessController(ctx, controllerID)
	if err != nil {
		return fmt.Errorf("get access controller: %w", err)
	}
	if ac.Admin != caller {
		return ErrUnauthorized
	}
	if !model.ValidRole(roleName) {
		return ErrInvalidRole
	}

	roleID := addr.Role(controllerID, roleName)
	role, err := s.store.GetRole(ctx, roleID)
	if errors.Is(err, store.ErrNotFound) {
		role = &model.Role{
			ID:           roleID,
			ControllerID: controllerID,
			Name:         roleName,
		}
	} else if err != nil {
		return fmt.Errorf("get role: %w", err)
	}

	m := &model.Member{
		ID:        addr.Member(roleID, member),
		RoleID:    roleID,
		Member:    member,
		GrantedAt: s.now().UTC(),
	}
	if err := s.store.CreateMember(ctx, m); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return ErrAlreadyGranted
		}
		return fmt.Errorf("create member: %w", err)
	}

	role.MemberCount++
	if err := s.store.PutRole(ctx, role); err != nil {
		return fmt.Errorf("update role count: %w", err)
	}

	slog.Info("role granted", "controller", controllerID, "role", roleName, "member", member)
	return nil
}

// RenounceRole closes the member record for (roleName, member) and decrements
// the role count. The caller must be the member themselves or the admin
// (revocation). The last admin member cannot be removed.
func (s *Service) RenounceRole(ctx context.Context, controllerID, caller, roleName, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, err := s.store.GetAccessController(ctx, controllerID)
	if err != nil {
		return fmt.Errorf("get access controller: %w", err)
	}
	if caller != member && caller != ac.Admin {
		return ErrUnauthorized
	}
	if !model.ValidRole(roleName) {
		return ErrInvalidRole
	}

	roleID := addr.Role(controllerID, roleName)
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoRole
		}
		return fmt.Errorf("get role: %w", err)
	}
	if roleName == model.RoleAdmin && role.MemberCount <= 1 {
		return ErrLastMember
	}

	if err := s.store.DeleteMember(ctx, addr.Member(roleID, member)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoRole
		}
		return fmt.Errorf("delete member: %w", err)
	}

	role.MemberCount--
	if err := s.store.PutRole(ctx, role); err != nil {
		return fmt.Errorf("update role count: %w", err)
	}

	slog.Info("role renounced", "controller", controllerID, "role", roleName, "member", member)
	return nil
}

// CheckRole verifies that member holds roleName under the controller.
// Used as a guard by the other components, not merely a query.
func (s *Service) CheckRole(ctx context.Context, controllerID, roleName, member string) error {
	if !model.ValidRole(roleName) {
		return ErrInvalidRole
	}
	roleID := addr.Role(controllerID, roleName)
	if _, err := s.store.GetMember(ctx, addr.Member(roleID, member)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoRole
		}
		return fmt.Errorf("get member: %w", err)
	}
	return nil
}

// --- Request types ---

// InitControllerRequest is the JSON body for controller creation.
type InitControllerRequest struct {
	Admin string `json:"admin"`
}

// RoleRequest is the JSON body for grant/renounce calls.
type RoleRequest struct {
	Caller string `json:"caller"`
	Role   string `json:"role"`
	Member string `json:"member"`
}

// --- HTTP Handlers ---

// HandleInitController handles POST /api/v1/access-controllers
func (s *Service) HandleInitController(w http.ResponseWriter, r *http.Request) {
	var req InitControllerRequest
	if err := decodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Admin == "" {
		httpapi.WriteError(w, "admin is required", http.StatusBadRequest)
		return
	}

	ac, err := s.InitController(r.Context(), req.Admin)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			httpapi.WriteError(w, "access controller already exists", http.StatusConflict)
			return
		}
		httpapi.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, ac)
}

// HandleGrantRole handles POST /api/v1/access-controllers/{controllerID}/roles/grant
func (s *Service) HandleGrantRole(w http.ResponseWriter, r *http.Request) {
	controllerID := chi.URLParam(r, "controllerID")

	var req RoleRequest
	if err := decodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.GrantRole(r.Context(), controllerID, req.Caller, req.Role, req.Member); err != nil {
		writeRoleError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

// HandleRenounceRole handles POST /api/v1/access-controllers/{controllerID}/roles/renounce
func (s *Service) HandleRenounceRole(w http.ResponseWriter, r *http.Request) {
	controllerID := chi.URLParam(r, "controllerID")

	var req RoleRequest
	if err := decodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.RenounceRole(r.Context(), controllerID, req.Caller, req.Role, req.Member); err != nil {
		writeRoleError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "renounced"})
}

// HandleCheckRole handles GET /api/v1/access-controllers/{controllerID}/roles/check?role=&member=
func (s *Service) HandleCheckRole(w http.ResponseWriter, r *http.Request) {
	controllerID := chi.URLParam(r, "controllerID")
	roleName := r.URL.Query().Get("role")
	member := r.URL.Query().Get("member")

	if err := s.CheckRole(r.Context(), controllerID, roleName, member); err != nil {
		writeRoleError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleGetRole handles GET /api/v1/access-controllers/{controllerID}/roles/{roleName}
func (s *Service) HandleGetRole(w http.ResponseWriter, r *http.Request) {
	controllerID := chi.URLParam(r, "controllerID")
	roleName := chi.URLParam(r, "roleName")

	role, err := s.store.GetRole(r.Context(), addr.Role(controllerID, roleName))
	if err != nil {
		httpapi.WriteError(w, "role not found", http.StatusNotFound)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, role)
}

func writeRoleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		httpapi.WriteError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrNoRole), errors.Is(err, store.ErrNotFound):
		httpapi.WriteError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrAlreadyGranted):
		httpapi.WriteError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidRole), errors.Is(err, ErrLastMember):
		httpapi.WriteError(w, err.Error(), http.StatusConflict)
	default:
		httpapi.WriteError(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
