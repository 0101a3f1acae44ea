package bank

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/text/unicode/norm"

	"stakepool/crypto"
)

var (
	ErrTokenNotConfigured    = errors.New("bank: token not configured")
	ErrInvalidAmount         = errors.New("bank: amount must be positive")
	ErrInsufficientBalance   = errors.New("bank: insufficient balance")
	ErrInsufficientAllowance = errors.New("bank: insufficient allowance")
	ErrUnauthorized          = errors.New("bank: caller is not the mint authority")
	ErrInvalidAddress        = errors.New("bank: address required")
)

// Token describes the single fungible asset handled by the ledger.
type Token struct {
	Symbol        string
	Name          string
	Decimals      uint8
	MintAuthority crypto.Address
	TotalSupply   *big.Int
}

// Clone returns a deep copy of the token metadata.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	clone.TotalSupply = cloneAmount(t.TotalSupply)
	return &clone
}

// State is the persistence surface used by the ledger. Implementations are
// expected to stage writes in the caller's transaction.
type State interface {
	GetToken() (*Token, error)
	PutToken(token *Token) error
	GetBalance(addr crypto.Address) (*big.Int, error)
	PutBalance(addr crypto.Address, amount *big.Int) error
	GetAllowance(owner, spender crypto.Address) (*big.Int, error)
	PutAllowance(owner, spender crypto.Address, amount *big.Int) error
}

// Ledger implements transfer/approve/transferFrom/balanceOf semantics on top
// of a State.
type Ledger struct {
	state State
}

// NewLedger wraps the supplied state.
func NewLedger(state State) *Ledger {
	return &Ledger{state: state}
}

// Register initialises the token metadata. It is a no-op when the token is
// already present. Symbol and name are NFKC-normalised; the symbol is also
// upper-cased.
func (l *Ledger) Register(symbol, name string, decimals uint8, authority crypto.Address) (*Token, error) {
	existing, err := l.state.GetToken()
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	normalized := strings.ToUpper(norm.NFKC.String(strings.TrimSpace(symbol)))
	if normalized == "" {
		return nil, fmt.Errorf("bank: token symbol must not be empty")
	}
	if authority.IsZero() {
		return nil, fmt.Errorf("bank: mint authority required")
	}
	token := &Token{
		Symbol:        normalized,
		Name:          norm.NFKC.String(strings.TrimSpace(name)),
		Decimals:      decimals,
		MintAuthority: authority,
		TotalSupply:   big.NewInt(0),
	}
	if err := l.state.PutToken(token); err != nil {
		return nil, err
	}
	return token, nil
}

// Token returns the registered token metadata.
func (l *Ledger) Token() (*Token, error) {
	token, err := l.state.GetToken()
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, ErrTokenNotConfigured
	}
	return token, nil
}

// BalanceOf returns the balance held by addr.
func (l *Ledger) BalanceOf(addr crypto.Address) (*big.Int, error) {
	balance, err := l.state.GetBalance(addr)
	if err != nil {
		return nil, err
	}
	return cloneAmount(balance), nil
}

// Allowance returns how much spender may pull from owner.
func (l *Ledger) Allowance(owner, spender crypto.Address) (*big.Int, error) {
	allowance, err := l.state.GetAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	return cloneAmount(allowance), nil
}

// Approve overwrites the allowance granted by owner to spender. A zero amount
// revokes it.
func (l *Ledger) Approve(owner, spender crypto.Address, amount *big.Int) error {
	if owner.IsZero() || spender.IsZero() {
		return ErrInvalidAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return l.state.PutAllowance(owner, spender, new(big.Int).Set(amount))
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to crypto.Address, amount *big.Int) error {
	if from.IsZero() || to.IsZero() {
		return ErrInvalidAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromBalance, err := l.state.GetBalance(from)
	if err != nil {
		return err
	}
	if cloneAmount(fromBalance).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if from.Equal(to) {
		return nil
	}
	toBalance, err := l.state.GetBalance(to)
	if err != nil {
		return err
	}
	if err := l.state.PutBalance(from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.state.PutBalance(to, new(big.Int).Add(cloneAmount(toBalance), amount))
}

// TransferFrom lets spender move amount out of from's balance, consuming the
// allowance from has granted.
func (l *Ledger) TransferFrom(spender, from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	allowance, err := l.state.GetAllowance(from, spender)
	if err != nil {
		return err
	}
	allowance = cloneAmount(allowance)
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.Transfer(from, to, amount); err != nil {
		return err
	}
	return l.state.PutAllowance(from, spender, allowance.Sub(allowance, amount))
}

// Mint credits new supply to the recipient. Only the mint authority may mint.
func (l *Ledger) Mint(caller, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to.IsZero() {
		return ErrInvalidAddress
	}
	token, err := l.Token()
	if err != nil {
		return err
	}
	if !token.MintAuthority.Equal(caller) {
		return ErrUnauthorized
	}
	balance, err := l.state.GetBalance(to)
	if err != nil {
		return err
	}
	if err := l.state.PutBalance(to, new(big.Int).Add(cloneAmount(balance), amount)); err != nil {
		return err
	}
	token = token.Clone()
	token.TotalSupply = new(big.Int).Add(token.TotalSupply, amount)
	return l.state.PutToken(token)
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
