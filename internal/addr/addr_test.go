package addr_test

import (
	"testing"

	"github.com/ithaca/custody-engine/internal/addr"
)

func TestDeriveDeterministic(t *testing.T) {
	a := addr.Derive("access_controller", "admin-1")
	b := addr.Derive("access_controller", "admin-1")
	if a != b {
		t.Errorf("same inputs must derive the same id: %s vs %s", a, b)
	}
	if a == "" {
		t.Error("derived id should not be empty")
	}
}

func TestDeriveDistinctInputs(t *testing.T) {
	if addr.Derive("role", "a") == addr.Derive("role", "b") {
		t.Error("different inputs must derive different ids")
	}
	// Length-prefixing prevents concatenation collisions.
	if addr.Derive("ab", "c") == addr.Derive("a", "bc") {
		t.Error("part boundaries must affect the derived id")
	}
}

func TestHelpersDistinctNamespaces(t *testing.T) {
	controller := addr.AccessController("admin-1")
	validator := addr.TokenValidator(controller)
	fl := addr.Fundlock(controller, validator)

	seen := map[string]string{
		"controller": controller,
		"validator":  validator,
		"fundlock":   fl,
		"role":       addr.Role(controller, "DEFAULT_ADMIN_ROLE"),
		"vault":      addr.Vault(fl, "mint-usdc"),
	}
	values := map[string]bool{}
	for name, id := range seen {
		if values[id] {
			t.Errorf("duplicate id for %s: %s", name, id)
		}
		values[id] = true
	}
}

func TestContractAndPositionKeys(t *testing.T) {
	led := addr.Ledger("ctrl", "val", "underlying", "strike")
	c1 := addr.Contract(led, 1)
	c2 := addr.Contract(led, 2)
	if c1 == c2 {
		t.Error("contract ids must be distinct per numeric id")
	}
	if addr.Position(c1, "alice") == addr.Position(c1, "bob") {
		t.Error("position ids must be distinct per client")
	}
	if addr.Position(c1, "alice") != addr.Position(c1, "alice") {
		t.Error("position derivation must be deterministic")
	}
}
