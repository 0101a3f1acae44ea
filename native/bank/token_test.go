package bank

import (
	"errors"
	"math/big"
	"testing"

	"stakepool/crypto"
)

type mockState struct {
	token      *Token
	balances   map[string]*big.Int
	allowances map[string]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]*big.Int),
	}
}

func (m *mockState) GetToken() (*Token, error)    { return m.token.Clone(), nil }
func (m *mockState) PutToken(token *Token) error { m.token = token.Clone(); return nil }

func (m *mockState) GetBalance(addr crypto.Address) (*big.Int, error) {
	return m.balances[string(addr.Bytes())], nil
}

func (m *mockState) PutBalance(addr crypto.Address, amount *big.Int) error {
	m.balances[string(addr.Bytes())] = amount
	return nil
}

func (m *mockState) GetAllowance(owner, spender crypto.Address) (*big.Int, error) {
	return m.allowances[string(owner.Bytes())+string(spender.Bytes())], nil
}

func (m *mockState) PutAllowance(owner, spender crypto.Address, amount *big.Int) error {
	m.allowances[string(owner.Bytes())+string(spender.Bytes())] = amount
	return nil
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[len(raw)-1] = suffix
	return crypto.MustNewAddress(crypto.StakePrefix, raw)
}

func newTestLedger(t *testing.T) (*Ledger, crypto.Address) {
	t.Helper()
	authority := makeAddress(0x01)
	ledger := NewLedger(newMockState())
	if _, err := ledger.Register("mock", "Mock", 18, authority); err != nil {
		t.Fatalf("register: %v", err)
	}
	return ledger, authority
}

func TestMintRequiresAuthority(t *testing.T) {
	ledger, authority := newTestLedger(t)
	alice := makeAddress(0x02)

	if err := ledger.Mint(alice, alice, big.NewInt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := ledger.Mint(authority, alice, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	balance, _ := ledger.BalanceOf(alice)
	if balance.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}
	token, _ := ledger.Token()
	if token.TotalSupply.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected supply %s", token.TotalSupply)
	}
	if token.Symbol != "MOCK" {
		t.Fatalf("symbol not normalised: %s", token.Symbol)
	}
}

func TestRegisterNormalisesSymbol(t *testing.T) {
	ledger := NewLedger(newMockState())
	token, err := ledger.Register(" \uff53\uff54\uff4b ", "Stake\u00a0Token", 18, makeAddress(0x01))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if token.Symbol != "STK" {
		t.Fatalf("fullwidth symbol not folded: %q", token.Symbol)
	}
	if token.Name != "Stake Token" {
		t.Fatalf("name not normalised: %q", token.Name)
	}
	if _, err := ledger.Register(" ", "", 18, makeAddress(0x01)); err != nil {
		t.Fatalf("re-registering must return the existing token: %v", err)
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	ledger, authority := newTestLedger(t)
	alice := makeAddress(0x02)
	pool := makeAddress(0x03)
	if err := ledger.Mint(authority, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := ledger.TransferFrom(pool, alice, pool, big.NewInt(40)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected allowance error, got %v", err)
	}
	if err := ledger.Approve(alice, pool, big.NewInt(50)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := ledger.TransferFrom(pool, alice, pool, big.NewInt(40)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	remaining, _ := ledger.Allowance(alice, pool)
	if remaining.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected allowance %s", remaining)
	}
	aliceBalance, _ := ledger.BalanceOf(alice)
	poolBalance, _ := ledger.BalanceOf(pool)
	if aliceBalance.Cmp(big.NewInt(60)) != 0 || poolBalance.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected balances alice=%s pool=%s", aliceBalance, poolBalance)
	}
}

func TestTransferRejectsOverdraft(t *testing.T) {
	ledger, authority := newTestLedger(t)
	alice := makeAddress(0x02)
	bob := makeAddress(0x04)
	if err := ledger.Mint(authority, alice, big.NewInt(5)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer(alice, bob, big.NewInt(6)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := ledger.Transfer(alice, bob, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestTokenMissing(t *testing.T) {
	ledger := NewLedger(newMockState())
	if _, err := ledger.Token(); !errors.Is(err, ErrTokenNotConfigured) {
		t.Fatalf("expected token not configured, got %v", err)
	}
}
