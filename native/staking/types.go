package staking

import (
	"math/big"

	"stakepool/crypto"
)

// RateSegment opens a constant-rate interval of the reward schedule. The
// cumulative index at Start is cached so later lookups never re-integrate the
// full history.
type RateSegment struct {
	Start        uint64
	Rate         *big.Int
	IndexAtStart *big.Int
}

// Clone returns a deep copy of the segment.
func (s RateSegment) Clone() RateSegment {
	return RateSegment{
		Start:        s.Start,
		Rate:         cloneAmount(s.Rate),
		IndexAtStart: cloneAmount(s.IndexAtStart),
	}
}

// Pool is the ledger-wide staking state.
type Pool struct {
	Owner             crypto.Address
	TotalStaked       *big.Int
	RewardPoolBalance *big.Int
	Forfeited         *big.Int
	LastUpdate        uint64
	Schedule          Schedule
	Paused            bool
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalStaked = cloneAmount(p.TotalStaked)
	clone.RewardPoolBalance = cloneAmount(p.RewardPoolBalance)
	clone.Forfeited = cloneAmount(p.Forfeited)
	clone.Schedule = p.Schedule.Clone()
	return &clone
}

// RewardRate returns the rate of the open schedule segment.
func (p *Pool) RewardRate() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	return p.Schedule.Current().Rate
}

// IsPaused implements common.PauseView for the staking module.
func (p *Pool) IsPaused(module string) bool {
	return p != nil && p.Paused && module == moduleName
}

// StakeAccount tracks a single participant's principal and settlement point.
type StakeAccount struct {
	Amount          *big.Int
	IndexCheckpoint *big.Int
	LastSettledAt   uint64
	Unclaimed       *big.Int
}

// Clone returns a deep copy of the account.
func (a *StakeAccount) Clone() *StakeAccount {
	if a == nil {
		return nil
	}
	return &StakeAccount{
		Amount:          cloneAmount(a.Amount),
		IndexCheckpoint: cloneAmount(a.IndexCheckpoint),
		LastSettledAt:   a.LastSettledAt,
		Unclaimed:       cloneAmount(a.Unclaimed),
	}
}

func (a *StakeAccount) ensureDefaults() {
	if a.Amount == nil {
		a.Amount = big.NewInt(0)
	}
	if a.IndexCheckpoint == nil {
		a.IndexCheckpoint = big.NewInt(0)
	}
	if a.Unclaimed == nil {
		a.Unclaimed = big.NewInt(0)
	}
}

// Position is the read model returned by Stakes.
type Position struct {
	Address         crypto.Address
	Amount          *big.Int
	IndexCheckpoint *big.Int
	LastSettledAt   uint64
	Unclaimed       *big.Int
	Pending         *big.Int
}

// PoolSnapshot summarises the pool at a point in time.
type PoolSnapshot struct {
	Owner             crypto.Address
	TotalStaked       *big.Int
	RewardPoolBalance *big.Int
	RewardRate        *big.Int
	Forfeited         *big.Int
	LastUpdate        uint64
	Paused            bool
}

// Payout describes a settled reward transfer.
type Payout struct {
	Principal *big.Int
	Reward    *big.Int
	Shortfall *big.Int
}

// Total is the amount transferred to the caller.
func (p Payout) Total() *big.Int {
	return new(big.Int).Add(cloneAmount(p.Principal), cloneAmount(p.Reward))
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
