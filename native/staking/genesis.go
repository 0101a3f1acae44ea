package staking

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/BurntSushi/toml"

	"stakepool/crypto"
	"stakepool/native/bank"
)

// TokenGenesis describes the staked token registered at genesis.
type TokenGenesis struct {
	Symbol   string `toml:"symbol"`
	Name     string `toml:"name"`
	Decimals uint8  `toml:"decimals"`
}

// Allocation pre-mints a balance to an address at genesis.
type Allocation struct {
	Address string `toml:"address"`
	Amount  string `toml:"amount"`
}

// Genesis is the TOML document that bootstraps the pool.
type Genesis struct {
	Owner       string       `toml:"owner"`
	RewardRate  string       `toml:"rewardRate"`
	Token       TokenGenesis `toml:"token"`
	Allocations []Allocation `toml:"allocations"`
}

type resolvedAllocation struct {
	address crypto.Address
	amount  *big.Int
}

type resolvedGenesis struct {
	owner       crypto.Address
	rate        *big.Int
	token       TokenGenesis
	allocations []resolvedAllocation
}

// LoadGenesis reads and validates a genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	var g Genesis
	if _, err := toml.DecodeFile(path, &g); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	if _, err := g.resolve(); err != nil {
		return nil, err
	}
	return &g, nil
}

// ParseGenesis decodes a genesis document held in memory.
func ParseGenesis(data string) (*Genesis, error) {
	var g Genesis
	if _, err := toml.Decode(data, &g); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	if _, err := g.resolve(); err != nil {
		return nil, err
	}
	return &g, nil
}

func (g *Genesis) resolve() (*resolvedGenesis, error) {
	if g == nil {
		return nil, fmt.Errorf("genesis: document required")
	}
	owner, err := crypto.DecodeAddress(g.Owner)
	if err != nil {
		return nil, fmt.Errorf("genesis: owner: %w", err)
	}
	rate := big.NewInt(0)
	if strings.TrimSpace(g.RewardRate) != "" {
		rate, err = bank.ParseAmount(g.RewardRate)
		if err != nil {
			return nil, fmt.Errorf("genesis: rewardRate: %w", err)
		}
	}
	token := g.Token
	if strings.TrimSpace(token.Symbol) == "" {
		return nil, fmt.Errorf("genesis: token symbol required")
	}
	if token.Decimals == 0 {
		token.Decimals = 18
	}
	out := &resolvedGenesis{owner: owner, rate: rate, token: token}
	for i, alloc := range g.Allocations {
		addr, err := crypto.DecodeAddress(alloc.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis: allocation %d: %w", i, err)
		}
		amount, err := bank.ParseAmount(alloc.Amount)
		if err != nil {
			return nil, fmt.Errorf("genesis: allocation %d: %w", i, err)
		}
		if amount.Sign() == 0 {
			continue
		}
		out.allocations = append(out.allocations, resolvedAllocation{address: addr, amount: amount})
	}
	return out, nil
}
