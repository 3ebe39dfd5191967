package fundlock_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ithaca/custody-engine/internal/accesscontrol"
	"github.com/ithaca/custody-engine/internal/addr"
	"github.com/ithaca/custody-engine/internal/fundlock"
	"github.com/ithaca/custody-engine/internal/lending"
	"github.com/ithaca/custody-engine/internal/model"
	"github.com/ithaca/custody-engine/internal/store"
	"github.com/ithaca/custody-engine/internal/tokenvalidator"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const (
	mintUSDC = "mint-usdc"
	mintWETH = "mint-weth"
)

// testEnv bundles the provisioned custody stack used across tests.
type testEnv struct {
	svc        *fundlock.Service
	ms         *store.MemoryStore
	reserve    *lending.MemoryReserve
	router     chi.Router
	controller string
	validator  string
	fundlockID string
	clock      *fakeClock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// newTestEnv provisions controller, validator, whitelisted mints, and a
// fundlock with a one-hour trade lock and one-hour release lock.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	ms := store.NewMemoryStore()
	access := accesscontrol.NewService(ms)
	validator := tokenvalidator.NewService(ms, access)
	reserve := lending.NewMemoryReserve()
	svc := fundlock.NewService(ms, access, validator, reserve, nil, nil)

	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc.SetClock(clock.now)

	ac, err := access.InitController(ctx, "admin-1")
	if err != nil {
		t.Fatalf("init controller: %v", err)
	}
	tv, err := validator.InitValidator(ctx, ac.ID, "admin-1")
	if err != nil {
		t.Fatalf("init validator: %v", err)
	}
	if _, err := validator.AddToken(ctx, ac.ID, "admin-1", mintUSDC, 6, 3); err != nil {
		t.Fatalf("whitelist usdc: %v", err)
	}
	if _, err := validator.AddToken(ctx, ac.ID, "admin-1", mintWETH, 9, 4); err != nil {
		t.Fatalf("whitelist weth: %v", err)
	}
	fl, err := svc.Init(ctx, ac.ID, "admin-1", time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("init fundlock: %v", err)
	}

	r := chi.NewRouter()
	r.Post("/api/v1/accounts", svc.HandleCreateAccount)
	r.Post("/api/v1/fundlocks/{fundlockID}/deposit", svc.HandleDeposit)
	r.Post("/api/v1/fundlocks/{fundlockID}/withdraw", svc.HandleWithdraw)
	r.Post("/api/v1/fundlocks/{fundlockID}/release", svc.HandleRelease)
	r.Get("/api/v1/fundlocks/{fundlockID}/balance-sheet", svc.HandleSheet)
	r.Post("/api/v1/fundlocks/{fundlockID}/balances", svc.HandleUpdateBalances)
	r.Get("/api/v1/fundlocks/{fundlockID}/journal", svc.HandleJournal)

	return &testEnv{
		svc:        svc,
		ms:         ms,
		reserve:    reserve,
		router:     r,
		controller: ac.ID,
		validator:  tv.ID,
		fundlockID: fl.ID,
		clock:      clock,
	}
}

// fundAccount provisions a client token account with an opening balance.
func (e *testEnv) fundAccount(t *testing.T, owner, mint string, balance decimal.Decimal) string {
	t.Helper()
	acct, err := e.svc.CreateTokenAccount(context.Background(), owner, mint, balance)
	if err != nil {
		t.Fatalf("fund account: %v", err)
	}
	return acct.ID
}

func (e *testEnv) deposit(t *testing.T, client, account, mint string, amount decimal.Decimal) *model.ClientBalance {
	t.Helper()
	bal, err := e.svc.Deposit(context.Background(), e.fundlockID, client, account, mint, amount)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return bal
}

func TestDeposit(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))

	bal := env.deposit(t, "alice", acct, mintUSDC, d(400))

	if !bal.Amount.Equal(d(400)) {
		t.Errorf("client balance should be 400, got %s", bal.Amount)
	}

	vault, err := env.ms.GetVault(context.Background(), addr.Vault(env.fundlockID, mintUSDC))
	if err != nil {
		t.Fatalf("vault should exist: %v", err)
	}
	if !vault.Balance.Equal(d(400)) {
		t.Errorf("vault should hold 400, got %s", vault.Balance)
	}

	got, _ := env.ms.GetTokenAccount(context.Background(), acct)
	if !got.Balance.Equal(d(600)) {
		t.Errorf("token account should drop to 600, got %s", got.Balance)
	}
}

func TestDeposit_PoolsAcrossClients(t *testing.T) {
	env := newTestEnv(t)
	a := env.fundAccount(t, "alice", mintUSDC, d(500))
	b := env.fundAccount(t, "bob", mintUSDC, d(500))

	env.deposit(t, "alice", a, mintUSDC, d(300))
	env.deposit(t, "bob", b, mintUSDC, d(200))

	vault, _ := env.ms.GetVault(context.Background(), addr.Vault(env.fundlockID, mintUSDC))
	if !vault.Balance.Equal(d(500)) {
		t.Errorf("vault should pool both deposits, got %s", vault.Balance)
	}

	balA, _ := env.ms.GetClientBalance(context.Background(),
		addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), a))
	if !balA.Amount.Equal(d(300)) {
		t.Errorf("alice balance should be 300, got %s", balA.Amount)
	}
}

func TestDeposit_NotWhitelisted(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", "mint-shady", d(1000))

	_, err := env.svc.Deposit(context.Background(), env.fundlockID, "alice", acct, "mint-shady", d(100))
	if !errors.Is(err, tokenvalidator.ErrTokenNotWhitelisted) {
		t.Fatalf("non-whitelisted deposit should be refused, got %v", err)
	}

	// Refusal must not create any custody records.
	vaultID := addr.Vault(env.fundlockID, "mint-shady")
	if _, err := env.ms.GetVault(context.Background(), vaultID); !errors.Is(err, store.ErrNotFound) {
		t.Error("refused deposit must not create a vault")
	}
	if _, err := env.ms.GetClientBalance(context.Background(), addr.ClientBalance(vaultID, acct)); !errors.Is(err, store.ErrNotFound) {
		t.Error("refused deposit must not create a client balance")
	}
	got, _ := env.ms.GetTokenAccount(context.Background(), acct)
	if !got.Balance.Equal(d(1000)) {
		t.Errorf("token account must be untouched, got %s", got.Balance)
	}
}

func TestDeposit_Validation(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(100))

	if _, err := env.svc.Deposit(context.Background(), env.fundlockID, "alice", acct, mintUSDC, decimal.Zero); !errors.Is(err, fundlock.ErrAmountZero) {
		t.Errorf("zero deposit should be rejected, got %v", err)
	}
	if _, err := env.svc.Deposit(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(500)); !errors.Is(err, fundlock.ErrInsufficientBalance) {
		t.Errorf("deposit above wallet balance should fail, got %v", err)
	}
	if _, err := env.svc.Deposit(context.Background(), env.fundlockID, "mallory", acct, mintUSDC, d(50)); !errors.Is(err, fundlock.ErrNotClientAccount) {
		t.Errorf("deposit from someone else's account should fail, got %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(1000))

	wd, err := env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(250))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if len(wd.Queue) != 1 {
		t.Fatalf("queue should have one entry, got %d", len(wd.Queue))
	}
	if !wd.ActiveAmount.Equal(d(250)) {
		t.Errorf("active amount should be 250, got %s", wd.ActiveAmount)
	}

	// Balance is inclusive of queued amounts: the withdraw must not change it.
	bal, _ := env.ms.GetClientBalance(context.Background(),
		addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), acct))
	if !bal.Amount.Equal(d(1000)) {
		t.Errorf("balance must be unchanged at queue time, got %s", bal.Amount)
	}

	// Vault untouched until release.
	vault, _ := env.ms.GetVault(context.Background(), addr.Vault(env.fundlockID, mintUSDC))
	if !vault.Balance.Equal(d(1000)) {
		t.Errorf("vault must be unchanged at queue time, got %s", vault.Balance)
	}
}

func TestWithdraw_ActiveEqualsQueueSum(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(1000))

	amounts := []float64{100, 200, 50}
	for _, a := range amounts {
		if _, err := env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(a)); err != nil {
			t.Fatalf("withdraw %v: %v", a, err)
		}
	}

	wd, _ := env.ms.GetWithdrawals(context.Background(),
		addr.Withdrawals(env.fundlockID, addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), acct)))
	sum := decimal.Zero
	for _, e := range wd.Queue {
		sum = sum.Add(e.Amount)
	}
	if !wd.ActiveAmount.Equal(sum) {
		t.Errorf("active %s must equal queue sum %s", wd.ActiveAmount, sum)
	}
}

func TestWithdraw_ExceedsAvailable(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(1000))

	if _, err := env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(800)); err != nil {
		t.Fatalf("first withdraw: %v", err)
	}
	// Only 200 remains available; queued funds cannot be double-requested.
	_, err := env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(300))
	if !errors.Is(err, fundlock.ErrInsufficientBalance) {
		t.Errorf("withdraw over available should fail, got %v", err)
	}
}

func TestWithdraw_QueueLimit(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(30_000_000))
	env.deposit(t, "alice", acct, mintUSDC, d(30_000_000))

	for i := 0; i < model.WithdrawalQueueLimit; i++ {
		if _, err := env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(6_000_000)); err != nil {
			t.Fatalf("withdraw %d: %v", i+1, err)
		}
	}

	_, err := env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(6_000_000))
	if !errors.Is(err, fundlock.ErrQueueFull) {
		t.Fatalf("sixth withdrawal should hit the queue limit, got %v", err)
	}

	// State must be untouched by the refused request.
	wd, _ := env.ms.GetWithdrawals(context.Background(),
		addr.Withdrawals(env.fundlockID, addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), acct)))
	if len(wd.Queue) != model.WithdrawalQueueLimit {
		t.Errorf("queue length should stay at %d, got %d", model.WithdrawalQueueLimit, len(wd.Queue))
	}
	if !wd.ActiveAmount.Equal(d(30_000_000)) {
		t.Errorf("active amount should stay at 30M, got %s", wd.ActiveAmount)
	}

	// After the release lock, releasing the first entry pays out 6M and
	// frees one queue slot.
	env.clock.advance(2 * time.Hour)
	wd, err = env.svc.Release(context.Background(), env.fundlockID, "alice", acct, mintUSDC, 0)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(wd.Queue) != 4 {
		t.Errorf("queue length should drop to 4, got %d", len(wd.Queue))
	}
	if !wd.ActiveAmount.Equal(d(24_000_000)) {
		t.Errorf("active amount should drop to 24M, got %s", wd.ActiveAmount)
	}
	got, _ := env.ms.GetTokenAccount(context.Background(), acct)
	if !got.Balance.Equal(d(6_000_000)) {
		t.Errorf("token account should receive 6M, got %s", got.Balance)
	}
}

func TestRelease(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(1000))
	env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(250))

	env.clock.advance(2 * time.Hour)

	wd, err := env.svc.Release(context.Background(), env.fundlockID, "alice", acct, mintUSDC, 0)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(wd.Queue) != 0 {
		t.Errorf("queue should be empty after release, got %d entries", len(wd.Queue))
	}
	if !wd.ActiveAmount.IsZero() {
		t.Errorf("active amount should be zero, got %s", wd.ActiveAmount)
	}

	bal, _ := env.ms.GetClientBalance(context.Background(),
		addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), acct))
	if !bal.Amount.Equal(d(750)) {
		t.Errorf("balance should drop to 750, got %s", bal.Amount)
	}
	vault, _ := env.ms.GetVault(context.Background(), addr.Vault(env.fundlockID, mintUSDC))
	if !vault.Balance.Equal(d(750)) {
		t.Errorf("vault should drop to 750, got %s", vault.Balance)
	}
	got, _ := env.ms.GetTokenAccount(context.Background(), acct)
	if !got.Balance.Equal(d(250)) {
		t.Errorf("token account should receive 250, got %s", got.Balance)
	}
}

func TestRelease_LockActive(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(1000))
	env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(250))

	env.clock.advance(30 * time.Minute)

	_, err := env.svc.Release(context.Background(), env.fundlockID, "alice", acct, mintUSDC, 0)
	if !errors.Is(err, fundlock.ErrReleaseLockActive) {
		t.Fatalf("release inside the lock window should fail, got %v", err)
	}

	// Nothing moved.
	wd, _ := env.ms.GetWithdrawals(context.Background(),
		addr.Withdrawals(env.fundlockID, addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), acct)))
	if len(wd.Queue) != 1 || !wd.ActiveAmount.Equal(d(250)) {
		t.Error("refused release must leave the queue untouched")
	}
	vault, _ := env.ms.GetVault(context.Background(), addr.Vault(env.fundlockID, mintUSDC))
	if !vault.Balance.Equal(d(1000)) {
		t.Errorf("refused release must leave the vault untouched, got %s", vault.Balance)
	}
}

func TestRelease_InvalidIndex(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(1000))
	env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(250))

	if _, err := env.svc.Release(context.Background(), env.fundlockID, "alice", acct, mintUSDC, 3); !errors.Is(err, fundlock.ErrInvalidIndex) {
		t.Errorf("out-of-range index should fail, got %v", err)
	}
	if _, err := env.svc.Release(context.Background(), env.fundlockID, "alice", acct, mintUSDC, -1); !errors.Is(err, fundlock.ErrInvalidIndex) {
		t.Errorf("negative index should fail, got %v", err)
	}
}

func TestRelease_CompactsQueue(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(1000))

	for _, a := range []float64{100, 200, 300} {
		env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(a))
	}
	env.clock.advance(2 * time.Hour)

	// Release the middle entry; the others keep their order.
	wd, err := env.svc.Release(context.Background(), env.fundlockID, "alice", acct, mintUSDC, 1)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(wd.Queue) != 2 {
		t.Fatalf("queue should compact to 2 entries, got %d", len(wd.Queue))
	}
	if !wd.Queue[0].Amount.Equal(d(100)) || !wd.Queue[1].Amount.Equal(d(300)) {
		t.Errorf("remaining entries out of order: %s, %s", wd.Queue[0].Amount, wd.Queue[1].Amount)
	}
	if !wd.ActiveAmount.Equal(d(400)) {
		t.Errorf("active should drop to 400, got %s", wd.ActiveAmount)
	}
}

func TestSheet(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(600))
	env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(100))

	sheet, err := env.svc.Sheet(context.Background(), env.fundlockID, acct, mintUSDC)
	if err != nil {
		t.Fatalf("sheet: %v", err)
	}
	if !sheet.Amount.Equal(d(600)) || !sheet.ActiveAmount.Equal(d(100)) {
		t.Errorf("unexpected sheet: %+v", sheet)
	}
	if len(sheet.Queue) != 1 {
		t.Errorf("sheet should include the queue, got %d entries", len(sheet.Queue))
	}
}

// --- HTTP tests ---

func postJSON(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleDepositWithdrawRelease(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))

	w := postJSON(t, env.router, "/api/v1/fundlocks/"+env.fundlockID+"/deposit", fundlock.FundsRequest{
		Client: "alice", ClientAccount: acct, Mint: mintUSDC, Amount: d(500),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = postJSON(t, env.router, "/api/v1/fundlocks/"+env.fundlockID+"/withdraw", fundlock.FundsRequest{
		Client: "alice", ClientAccount: acct, Mint: mintUSDC, Amount: d(200),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Release before the lock elapses is refused.
	w = postJSON(t, env.router, "/api/v1/fundlocks/"+env.fundlockID+"/release", fundlock.ReleaseRequest{
		Client: "alice", ClientAccount: acct, Mint: mintUSDC, Index: 0,
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("early release: expected 422, got %d: %s", w.Code, w.Body.String())
	}

	env.clock.advance(2 * time.Hour)
	w = postJSON(t, env.router, "/api/v1/fundlocks/"+env.fundlockID+"/release", fundlock.ReleaseRequest{
		Client: "alice", ClientAccount: acct, Mint: mintUSDC, Index: 0,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest("GET",
		"/api/v1/fundlocks/"+env.fundlockID+"/balance-sheet?client_account="+acct+"&mint="+mintUSDC, nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("sheet: expected 200, got %d", rec.Code)
	}
	var sheet fundlock.BalanceSheet
	json.Unmarshal(rec.Body.Bytes(), &sheet)
	if !sheet.Amount.Equal(d(300)) {
		t.Errorf("sheet balance should be 300 after release, got %s", sheet.Amount)
	}
}

func TestHandleDeposit_NotWhitelisted(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", "mint-shady", d(1000))

	w := postJSON(t, env.router, "/api/v1/fundlocks/"+env.fundlockID+"/deposit", fundlock.FundsRequest{
		Client: "alice", ClientAccount: acct, Mint: "mint-shady", Amount: d(100),
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-whitelisted mint, got %d", w.Code)
	}
}

func TestHandleWithdraw_QueueFull(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(30_000_000))
	env.deposit(t, "alice", acct, mintUSDC, d(30_000_000))

	for i := 0; i < model.WithdrawalQueueLimit; i++ {
		env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(6_000_000))
	}

	w := postJSON(t, env.router, "/api/v1/fundlocks/"+env.fundlockID+"/withdraw", fundlock.FundsRequest{
		Client: "alice", ClientAccount: acct, Mint: mintUSDC, Amount: d(6_000_000),
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for full queue, got %d: %s", w.Code, w.Body.String())
	}
}
