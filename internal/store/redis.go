package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ithaca/custody-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: client balances, pooled vaults, and the
// token whitelist. Writes go to the primary store and invalidate the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Cached reads ---

func (s *CachedStore) GetClientBalance(ctx context.Context, id string) (*model.ClientBalance, error) {
	data, err := s.rdb.Get(ctx, balanceKey(id)).Bytes()
	if err == nil {
		var cb model.ClientBalance
		if json.Unmarshal(data, &cb) == nil {
			return &cb, nil
		}
	}

	cb, err := s.primary.GetClientBalance(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(cb); err == nil {
		s.rdb.Set(ctx, balanceKey(id), data, s.ttl)
	}
	return cb, nil
}

func (s *CachedStore) GetVault(ctx context.Context, id string) (*model.Vault, error) {
	data, err := s.rdb.Get(ctx, vaultKey(id)).Bytes()
	if err == nil {
		var v model.Vault
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	v, err := s.primary.GetVault(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, vaultKey(id), data, s.ttl)
	}
	return v, nil
}

func (s *CachedStore) GetWhitelistedToken(ctx context.Context, id string) (*model.WhitelistedToken, error) {
	data, err := s.rdb.Get(ctx, whitelistKey(id)).Bytes()
	if err == nil {
		var wt model.WhitelistedToken
		if json.Unmarshal(data, &wt) == nil {
			return &wt, nil
		}
	}

	wt, err := s.primary.GetWhitelistedToken(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(wt); err == nil {
		s.rdb.Set(ctx, whitelistKey(id), data, s.ttl)
	}
	return wt, nil
}

// --- Invalidating writes ---

func (s *CachedStore) PutClientBalance(ctx context.Context, cb *model.ClientBalance) error {
	if err := s.primary.PutClientBalance(ctx, cb); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(cb.ID))
	return nil
}

func (s *CachedStore) PutVault(ctx context.Context, v *model.Vault) error {
	if err := s.primary.PutVault(ctx, v); err != nil {
		return err
	}
	s.rdb.Del(ctx, vaultKey(v.ID))
	return nil
}

func (s *CachedStore) PutWhitelistedToken(ctx context.Context, wt *model.WhitelistedToken) error {
	if err := s.primary.PutWhitelistedToken(ctx, wt); err != nil {
		return err
	}
	s.rdb.Del(ctx, whitelistKey(wt.ID))
	return nil
}

func (s *CachedStore) DeleteWhitelistedToken(ctx context.Context, id string) error {
	if err := s.primary.DeleteWhitelistedToken(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, whitelistKey(id))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccessController(ctx context.Context, ac *model.AccessController) error {
	return s.primary.CreateAccessController(ctx, ac)
}

func (s *CachedStore) GetAccessController(ctx context.Context, id string) (*model.AccessController, error) {
	return s.primary.GetAccessController(ctx, id)
}

func (s *CachedStore) PutRole(ctx context.Context, role *model.Role) error {
	return s.primary.PutRole(ctx, role)
}

func (s *CachedStore) GetRole(ctx context.Context, id string) (*model.Role, error) {
	return s.primary.GetRole(ctx, id)
}

func (s *CachedStore) CreateMember(ctx context.Context, m *model.Member) error {
	return s.primary.CreateMember(ctx, m)
}

func (s *CachedStore) GetMember(ctx context.Context, id string) (*model.Member, error) {
	return s.primary.GetMember(ctx, id)
}

func (s *CachedStore) DeleteMember(ctx context.Context, id string) error {
	return s.primary.DeleteMember(ctx, id)
}

func (s *CachedStore) CreateTokenValidator(ctx context.Context, tv *model.TokenValidator) error {
	return s.primary.CreateTokenValidator(ctx, tv)
}

func (s *CachedStore) GetTokenValidator(ctx context.Context, id string) (*model.TokenValidator, error) {
	return s.primary.GetTokenValidator(ctx, id)
}

func (s *CachedStore) CreateFundlock(ctx context.Context, fl *model.Fundlock) error {
	return s.primary.CreateFundlock(ctx, fl)
}

func (s *CachedStore) GetFundlock(ctx context.Context, id string) (*model.Fundlock, error) {
	return s.primary.GetFundlock(ctx, id)
}

func (s *CachedStore) PutTokenAccount(ctx context.Context, ta *model.TokenAccount) error {
	return s.primary.PutTokenAccount(ctx, ta)
}

func (s *CachedStore) GetTokenAccount(ctx context.Context, id string) (*model.TokenAccount, error) {
	return s.primary.GetTokenAccount(ctx, id)
}

func (s *CachedStore) PutWithdrawals(ctx context.Context, w *model.Withdrawals) error {
	return s.primary.PutWithdrawals(ctx, w)
}

func (s *CachedStore) GetWithdrawals(ctx context.Context, id string) (*model.Withdrawals, error) {
	return s.primary.GetWithdrawals(ctx, id)
}

func (s *CachedStore) CreateLedger(ctx context.Context, l *model.Ledger) error {
	return s.primary.CreateLedger(ctx, l)
}

func (s *CachedStore) GetLedger(ctx context.Context, id string) (*model.Ledger, error) {
	return s.primary.GetLedger(ctx, id)
}

func (s *CachedStore) PutContract(ctx context.Context, c *model.Contract) error {
	return s.primary.PutContract(ctx, c)
}

func (s *CachedStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	return s.primary.GetContract(ctx, id)
}

func (s *CachedStore) PutPosition(ctx context.Context, p *model.Position) error {
	return s.primary.PutPosition(ctx, p)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error {
	return s.primary.InsertJournalEntry(ctx, e)
}

func (s *CachedStore) ListJournalEntries(ctx context.Context, backendID uint64) ([]model.JournalEntry, error) {
	return s.primary.ListJournalEntries(ctx, backendID)
}

// --- Cache keys ---

func balanceKey(id string) string   { return fmt.Sprintf("balance:%s", id) }
func vaultKey(id string) string     { return fmt.Sprintf("vault:%s", id) }
func whitelistKey(id string) string { return fmt.Sprintf("whitelist:%s", id) }
