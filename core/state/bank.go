package state

import (
	"math/big"

	"stakepool/crypto"
	"stakepool/native/bank"
)

type storedToken struct {
	Symbol        string
	Name          string
	Decimals      uint8
	MintAuthority []byte
	TotalSupply   *big.Int
}

// GetToken returns the registered token, or nil when none exists yet.
func (t *Txn) GetToken() (*bank.Token, error) {
	var stored storedToken
	ok, err := t.KVGet(tokenKey, &stored)
	if err != nil || !ok {
		return nil, err
	}
	authority, err := crypto.NewAddress(crypto.StakePrefix, stored.MintAuthority)
	if err != nil {
		return nil, err
	}
	return &bank.Token{
		Symbol:        stored.Symbol,
		Name:          stored.Name,
		Decimals:      stored.Decimals,
		MintAuthority: authority,
		TotalSupply:   amountOrZero(stored.TotalSupply),
	}, nil
}

// PutToken persists the token metadata.
func (t *Txn) PutToken(token *bank.Token) error {
	return t.KVPut(tokenKey, &storedToken{
		Symbol:        token.Symbol,
		Name:          token.Name,
		Decimals:      token.Decimals,
		MintAuthority: token.MintAuthority.Bytes(),
		TotalSupply:   amountOrZero(token.TotalSupply),
	})
}

// GetBalance returns the token balance of addr; unknown accounts hold zero.
func (t *Txn) GetBalance(addr crypto.Address) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := t.KVGet(balanceKey(addr.Bytes()), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// PutBalance stores the balance of addr. A zero balance removes the entry.
func (t *Txn) PutBalance(addr crypto.Address, amount *big.Int) error {
	key := balanceKey(addr.Bytes())
	if amount == nil || amount.Sign() == 0 {
		return t.KVDelete(key)
	}
	return t.KVPut(key, amount)
}

// GetAllowance returns how much spender may pull from owner.
func (t *Txn) GetAllowance(owner, spender crypto.Address) (*big.Int, error) {
	allowance := new(big.Int)
	ok, err := t.KVGet(allowanceKey(owner.Bytes(), spender.Bytes()), allowance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return allowance, nil
}

// PutAllowance stores an allowance. A zero allowance removes the entry.
func (t *Txn) PutAllowance(owner, spender crypto.Address, amount *big.Int) error {
	key := allowanceKey(owner.Bytes(), spender.Bytes())
	if amount == nil || amount.Sign() == 0 {
		return t.KVDelete(key)
	}
	return t.KVPut(key, amount)
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
