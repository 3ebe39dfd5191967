package fundlock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ithaca/custody-engine/internal/addr"
	"github.com/ithaca/custody-engine/internal/fundlock"
)

func TestUpdateBalances_Credit(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(500))

	err := env.svc.UpdateBalances(context.Background(), env.fundlockID, env.controller, "admin-1", 42,
		[]fundlock.BalanceUpdate{
			{Client: "alice", ClientAccount: acct, Mint: mintUSDC, Amount: d(150)},
		})
	if err != nil {
		t.Fatalf("update balances: %v", err)
	}

	bal, _ := env.ms.GetClientBalance(context.Background(),
		addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), acct))
	if !bal.Amount.Equal(d(650)) {
		t.Errorf("credit should raise balance to 650, got %s", bal.Amount)
	}

	// Settlement never touches the vault.
	vault, _ := env.ms.GetVault(context.Background(), addr.Vault(env.fundlockID, mintUSDC))
	if !vault.Balance.Equal(d(500)) {
		t.Errorf("vault must be unchanged by settlement, got %s", vault.Balance)
	}
}

func TestUpdateBalances_DebitFromFreeBalance(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(500))

	err := env.svc.UpdateBalances(context.Background(), env.fundlockID, env.controller, "admin-1", 43,
		[]fundlock.BalanceUpdate{
			{Client: "alice", ClientAccount: acct, Mint: mintUSDC, Amount: d(-200)},
		})
	if err != nil {
		t.Fatalf("update balances: %v", err)
	}

	bal, _ := env.ms.GetClientBalance(context.Background(),
		addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), acct))
	if !bal.Amount.Equal(d(300)) {
		t.Errorf("debit should lower balance to 300, got %s", bal.Amount)
	}
}

func TestUpdateBalances_DebitRaidsLockedQueue(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(500))

	// Queue 400; free balance is 100. The entry stays inside the one-hour
	// trade lock, so it is raidable.
	if _, err := env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(400)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	err := env.svc.UpdateBalances(context.Background(), env.fundlockID, env.controller, "admin-1", 44,
		[]fundlock.BalanceUpdate{
			{Client: "alice", ClientAccount: acct, Mint: mintUSDC, Amount: d(-250)},
		})
	if err != nil {
		t.Fatalf("update balances: %v", err)
	}

	bal, _ := env.ms.GetClientBalance(context.Background(),
		addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), acct))
	if !bal.Amount.Equal(d(250)) {
		t.Errorf("balance should be 250 after debit, got %s", bal.Amount)
	}

	// 100 came from the free balance, 150 out of the queued entry.
	wd, _ := env.ms.GetWithdrawals(context.Background(),
		addr.Withdrawals(env.fundlockID, addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), acct)))
	if len(wd.Queue) != 1 {
		t.Fatalf("partially raided entry should remain, got %d entries", len(wd.Queue))
	}
	if !wd.Queue[0].Amount.Equal(d(250)) {
		t.Errorf("queued entry should shrink to 250, got %s", wd.Queue[0].Amount)
	}
	if !wd.ActiveAmount.Equal(d(250)) {
		t.Errorf("active should shrink to 250, got %s", wd.ActiveAmount)
	}
}

func TestUpdateBalances_ExpiredEntriesNotRaidable(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(500))
	env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(400))

	// Past the trade lock the entry is committed to withdrawal: only the
	// free 100 remains debitable.
	env.clock.advance(2 * time.Hour)

	err := env.svc.UpdateBalances(context.Background(), env.fundlockID, env.controller, "admin-1", 45,
		[]fundlock.BalanceUpdate{
			{Client: "alice", ClientAccount: acct, Mint: mintUSDC, Amount: d(-250)},
		})
	if !errors.Is(err, fundlock.ErrInsufficientFunds) {
		t.Fatalf("debit beyond free balance plus locked queue should fail, got %v", err)
	}

	// The failed batch must leave everything untouched.
	bal, _ := env.ms.GetClientBalance(context.Background(),
		addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), acct))
	if !bal.Amount.Equal(d(500)) {
		t.Errorf("balance must be unchanged, got %s", bal.Amount)
	}
	wd, _ := env.ms.GetWithdrawals(context.Background(),
		addr.Withdrawals(env.fundlockID, addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), acct)))
	if len(wd.Queue) != 1 || !wd.Queue[0].Amount.Equal(d(400)) {
		t.Error("queue must be unchanged after a failed batch")
	}
}

func TestUpdateBalances_FullyRaidedEntryRemoved(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(500))
	env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(100))
	env.svc.Withdraw(context.Background(), env.fundlockID, "alice", acct, mintUSDC, d(200))

	// Free 200 + first entry 100 + 50 of the second.
	err := env.svc.UpdateBalances(context.Background(), env.fundlockID, env.controller, "admin-1", 46,
		[]fundlock.BalanceUpdate{
			{Client: "alice", ClientAccount: acct, Mint: mintUSDC, Amount: d(-350)},
		})
	if err != nil {
		t.Fatalf("update balances: %v", err)
	}

	wd, _ := env.ms.GetWithdrawals(context.Background(),
		addr.Withdrawals(env.fundlockID, addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), acct)))
	if len(wd.Queue) != 1 {
		t.Fatalf("fully consumed entry should be removed, got %d entries", len(wd.Queue))
	}
	if !wd.Queue[0].Amount.Equal(d(150)) {
		t.Errorf("second entry should shrink to 150, got %s", wd.Queue[0].Amount)
	}
	if !wd.ActiveAmount.Equal(d(150)) {
		t.Errorf("active should be 150, got %s", wd.ActiveAmount)
	}
}

func TestUpdateBalances_AtomicAcrossClients(t *testing.T) {
	env := newTestEnv(t)
	a := env.fundAccount(t, "alice", mintUSDC, d(1000))
	b := env.fundAccount(t, "bob", mintUSDC, d(1000))
	env.deposit(t, "alice", a, mintUSDC, d(500))
	env.deposit(t, "bob", b, mintUSDC, d(100))

	// Bob's debit fails, so Alice's credit must not land either.
	err := env.svc.UpdateBalances(context.Background(), env.fundlockID, env.controller, "admin-1", 47,
		[]fundlock.BalanceUpdate{
			{Client: "alice", ClientAccount: a, Mint: mintUSDC, Amount: d(300)},
			{Client: "bob", ClientAccount: b, Mint: mintUSDC, Amount: d(-300)},
		})
	if !errors.Is(err, fundlock.ErrInsufficientFunds) {
		t.Fatalf("expected shortfall failure, got %v", err)
	}

	balA, _ := env.ms.GetClientBalance(context.Background(),
		addr.ClientBalance(addr.Vault(env.fundlockID, mintUSDC), a))
	if !balA.Amount.Equal(d(500)) {
		t.Errorf("alice must be unchanged after failed batch, got %s", balA.Amount)
	}
}

func TestUpdateBalances_Authorization(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(500))

	err := env.svc.UpdateBalances(context.Background(), env.fundlockID, env.controller, "stranger", 48,
		[]fundlock.BalanceUpdate{
			{Client: "alice", ClientAccount: acct, Mint: mintUSDC, Amount: d(100)},
		})
	if err == nil {
		t.Error("settlement from a non-admin must be refused")
	}
}

func TestUpdateBalances_EmptyBatch(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.UpdateBalances(context.Background(), env.fundlockID, env.controller, "admin-1", 49, nil)
	if !errors.Is(err, fundlock.ErrEmptyBatch) {
		t.Errorf("empty batch should be rejected, got %v", err)
	}
}

func TestUpdateBalances_AccountOrder(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(500))

	// Entry claims bob but points at alice's balance account.
	err := env.svc.UpdateBalances(context.Background(), env.fundlockID, env.controller, "admin-1", 50,
		[]fundlock.BalanceUpdate{
			{Client: "bob", ClientAccount: acct, Mint: mintUSDC, Amount: d(100)},
		})
	if !errors.Is(err, fundlock.ErrAccountOrder) {
		t.Errorf("mismatched client/account should be rejected, got %v", err)
	}
}

func TestUpdateBalances_JournalRows(t *testing.T) {
	env := newTestEnv(t)
	acct := env.fundAccount(t, "alice", mintUSDC, d(1000))
	env.deposit(t, "alice", acct, mintUSDC, d(500))

	const backendID = 777
	err := env.svc.UpdateBalances(context.Background(), env.fundlockID, env.controller, "admin-1", backendID,
		[]fundlock.BalanceUpdate{
			{Client: "alice", ClientAccount: acct, Mint: mintUSDC, Amount: d(120)},
			{Client: "alice", ClientAccount: acct, Mint: mintUSDC, Amount: d(-20)},
		})
	if err != nil {
		t.Fatalf("update balances: %v", err)
	}

	entries, err := env.svc.Journal(context.Background(), backendID)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 journal rows, got %d", len(entries))
	}
	net := decimal.Zero
	for _, e := range entries {
		if e.BackendID != backendID {
			t.Errorf("row carries wrong backend id: %d", e.BackendID)
		}
		if e.ID == "" {
			t.Error("journal rows need ids")
		}
		net = net.Add(e.Delta)
	}
	if !net.Equal(d(100)) {
		t.Errorf("journal deltas should net to 100, got %s", net)
	}
}
