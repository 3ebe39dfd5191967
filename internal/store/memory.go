package store

import (
	"context"
	"sync"

	"github.com/ithaca/custody-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	controllers map[string]*model.AccessController
	roles       map[string]*model.Role
	members     map[string]*model.Member
	validators  map[string]*model.TokenValidator
	whitelist   map[string]*model.WhitelistedToken
	fundlocks   map[string]*model.Fundlock
	vaults      map[string]*model.Vault
	accounts    map[string]*model.TokenAccount
	balances    map[string]*model.ClientBalance
	withdrawals map[string]*model.Withdrawals
	ledgers     map[string]*model.Ledger
	contracts   map[string]*model.Contract
	positions   map[string]*model.Position
	journal     []model.JournalEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		controllers: make(map[string]*model.AccessController),
		roles:       make(map[string]*model.Role),
		members:     make(map[string]*model.Member),
		validators:  make(map[string]*model.TokenValidator),
		whitelist:   make(map[string]*model.WhitelistedToken),
		fundlocks:   make(map[string]*model.Fundlock),
		vaults:      make(map[string]*model.Vault),
		accounts:    make(map[string]*model.TokenAccount),
		balances:    make(map[string]*model.ClientBalance),
		withdrawals: make(map[string]*model.Withdrawals),
		ledgers:     make(map[string]*model.Ledger),
		contracts:   make(map[string]*model.Contract),
		positions:   make(map[string]*model.Position),
	}
}

// --- Access control ---

func (s *MemoryStore) CreateAccessController(_ context.Context, ac *model.AccessController) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.controllers[ac.ID]; ok {
		return ErrAlreadyExists
	}
	copy := *ac
	s.controllers[ac.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccessController(_ context.Context, id string) (*model.AccessController, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ac, ok := s.controllers[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *ac
	return &copy, nil
}

func (s *MemoryStore) PutRole(_ context.Context, role *model.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *role
	s.roles[role.ID] = &copy
	return nil
}

func (s *MemoryStore) GetRole(_ context.Context, id string) (*model.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) CreateMember(_ context.Context, m *model.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[m.ID]; ok {
		return ErrAlreadyExists
	}
	copy := *m
	s.members[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMember(_ context.Context, id string) (*model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) DeleteMember(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[id]; !ok {
		return ErrNotFound
	}
	delete(s.members, id)
	return nil
}

// --- Token whitelist ---

func (s *MemoryStore) CreateTokenValidator(_ context.Context, tv *model.TokenValidator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.validators[tv.ID]; ok {
		return ErrAlreadyExists
	}
	copy := *tv
	s.validators[tv.ID] = &copy
	return nil
}

func (s *MemoryStore) GetTokenValidator(_ context.Context, id string) (*model.TokenValidator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tv, ok := s.validators[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *tv
	return &copy, nil
}

func (s *MemoryStore) PutWhitelistedToken(_ context.Context, wt *model.WhitelistedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *wt
	s.whitelist[wt.ID] = &copy
	return nil
}

func (s *MemoryStore) GetWhitelistedToken(_ context.Context, id string) (*model.WhitelistedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wt, ok := s.whitelist[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *wt
	return &copy, nil
}

func (s *MemoryStore) DeleteWhitelistedToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.whitelist[id]; !ok {
		return ErrNotFound
	}
	delete(s.whitelist, id)
	return nil
}

// --- Fundlock custody ---

func (s *MemoryStore) CreateFundlock(_ context.Context, fl *model.Fundlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fundlocks[fl.ID]; ok {
		return ErrAlreadyExists
	}
	copy := *fl
	s.fundlocks[fl.ID] = &copy
	return nil
}

func (s *MemoryStore) GetFundlock(_ context.Context, id string) (*model.Fundlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fl, ok := s.fundlocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *fl
	return &copy, nil
}

func (s *MemoryStore) PutVault(_ context.Context, v *model.Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *v
	s.vaults[v.ID] = &copy
	return nil
}

func (s *MemoryStore) GetVault(_ context.Context, id string) (*model.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *v
	return &copy, nil
}

func (s *MemoryStore) PutTokenAccount(_ context.Context, ta *model.TokenAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *ta
	s.accounts[ta.ID] = &copy
	return nil
}

func (s *MemoryStore) GetTokenAccount(_ context.Context, id string) (*model.TokenAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ta, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *ta
	return &copy, nil
}

func (s *MemoryStore) PutClientBalance(_ context.Context, cb *model.ClientBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *cb
	s.balances[cb.ID] = &copy
	return nil
}

func (s *MemoryStore) GetClientBalance(_ context.Context, id string) (*model.ClientBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cb, ok := s.balances[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *cb
	return &copy, nil
}

func (s *MemoryStore) PutWithdrawals(_ context.Context, w *model.Withdrawals) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *w
	copy.Queue = append([]model.Withdrawal(nil), w.Queue...)
	s.withdrawals[w.ID] = &copy
	return nil
}

func (s *MemoryStore) GetWithdrawals(_ context.Context, id string) (*model.Withdrawals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *w
	copy.Queue = append([]model.Withdrawal(nil), w.Queue...)
	return &copy, nil
}

// --- Ledger markets ---

func (s *MemoryStore) CreateLedger(_ context.Context, l *model.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ledgers[l.ID]; ok {
		return ErrAlreadyExists
	}
	copy := *l
	s.ledgers[l.ID] = &copy
	return nil
}

func (s *MemoryStore) GetLedger(_ context.Context, id string) (*model.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) PutContract(_ context.Context, c *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *c
	s.contracts[c.ID] = &copy
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) PutPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *p
	return &copy, nil
}

// --- Settlement journal ---

func (s *MemoryStore) InsertJournalEntry(_ context.Context, e *model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, *e)
	return nil
}

func (s *MemoryStore) ListJournalEntries(_ context.Context, backendID uint64) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.BackendID == backendID {
			result = append(result, e)
		}
	}
	return result, nil
}
