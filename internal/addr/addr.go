// Package addr derives deterministic account addresses from fixed string
// seeds combined with parent addresses and identities. Every stateful record
// in the engine is keyed by a derived address, so a given (seed, parents)
// combination always resolves to the same account.
package addr

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Seed prefixes for each account kind.
const (
	SeedAccessController = "access_controller"
	SeedRole             = "role"
	SeedMember           = "member"
	SeedTokenValidator   = "token_validator"
	SeedWhitelistedToken = "whitelisted_token"
	SeedFundlock         = "fundlock"
	SeedVault            = "fundlock_token_vault"
	SeedClientBalance    = "client_balance"
	SeedWithdrawals      = "withdrawals"
	SeedCollateralVault  = "fundlock_collateral_vault"
	SeedLedger           = "ledger"
	SeedContract         = "contract"
	SeedPosition         = "position"
)

// Derive hashes the seed parts into a hex address. Parts are length-prefixed
// so no two distinct part sequences collide on concatenation.
func Derive(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(strconv.Itoa(len(p))))
		h.Write([]byte{':'})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AccessController derives the controller address for an admin identity.
func AccessController(admin string) string {
	return Derive(SeedAccessController, admin)
}

// Role derives the role address for a controller and role name.
func Role(controllerID, name string) string {
	return Derive(SeedRole, controllerID, name)
}

// Member derives the member address for a role and member identity.
func Member(roleID, member string) string {
	return Derive(SeedMember, roleID, member)
}

// TokenValidator derives the validator address for a controller.
func TokenValidator(controllerID string) string {
	return Derive(SeedTokenValidator, controllerID)
}

// WhitelistedToken derives the whitelist entry address for a validator and mint.
func WhitelistedToken(validatorID, mint string) string {
	return Derive(SeedWhitelistedToken, validatorID, mint)
}

// Fundlock derives the fundlock address for a controller and validator.
func Fundlock(controllerID, validatorID string) string {
	return Derive(SeedFundlock, controllerID, validatorID)
}

// Vault derives the pooled vault address for a fundlock and mint.
func Vault(fundlockID, mint string) string {
	return Derive(SeedVault, fundlockID, mint)
}

// ClientBalance derives the balance address for a vault and client account.
func ClientBalance(vaultID, clientAccount string) string {
	return Derive(SeedClientBalance, vaultID, clientAccount)
}

// Withdrawals derives the withdrawal-queue address for a fundlock and balance.
func Withdrawals(fundlockID, balanceID string) string {
	return Derive(SeedWithdrawals, fundlockID, balanceID)
}

// CollateralVault derives the receipt-token vault address for a vault and
// receipt mint.
func CollateralVault(vaultID, receiptMint string) string {
	return Derive(SeedCollateralVault, vaultID, receiptMint)
}

// Ledger derives the ledger address for its four parents.
func Ledger(controllerID, validatorID, underlyingMint, strikeMint string) string {
	return Derive(SeedLedger, controllerID, validatorID, underlyingMint, strikeMint)
}

// Contract derives the contract address for a ledger and contract id.
func Contract(ledgerID string, contractID uint64) string {
	return Derive(SeedContract, ledgerID, strconv.FormatUint(contractID, 10))
}

// Position derives the position address for a contract and client.
func Position(contractID, client string) string {
	return Derive(SeedPosition, contractID, client)
}
