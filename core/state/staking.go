package state

import (
	"fmt"
	"math/big"

	"stakepool/crypto"
	"stakepool/native/staking"
)

type storedSegment struct {
	Start        uint64
	Rate         *big.Int
	IndexAtStart *big.Int
}

type storedPool struct {
	Owner             []byte
	TotalStaked       *big.Int
	RewardPoolBalance *big.Int
	Forfeited         *big.Int
	LastUpdate        uint64
	Schedule          []storedSegment
	Paused            bool
}

type storedStakeAccount struct {
	Address         []byte
	Amount          *big.Int
	IndexCheckpoint *big.Int
	LastSettledAt   uint64
	Unclaimed       *big.Int
}

// GetStakingPool returns the pool record, or nil before genesis.
func (t *Txn) GetStakingPool() (*staking.Pool, error) {
	var stored storedPool
	ok, err := t.KVGet(stakingPoolKey, &stored)
	if err != nil || !ok {
		return nil, err
	}
	owner, err := crypto.NewAddress(crypto.StakePrefix, stored.Owner)
	if err != nil {
		return nil, fmt.Errorf("staking pool owner: %w", err)
	}
	schedule := make(staking.Schedule, 0, len(stored.Schedule))
	for _, seg := range stored.Schedule {
		schedule = append(schedule, staking.RateSegment{
			Start:        seg.Start,
			Rate:         amountOrZero(seg.Rate),
			IndexAtStart: amountOrZero(seg.IndexAtStart),
		})
	}
	return &staking.Pool{
		Owner:             owner,
		TotalStaked:       amountOrZero(stored.TotalStaked),
		RewardPoolBalance: amountOrZero(stored.RewardPoolBalance),
		Forfeited:         amountOrZero(stored.Forfeited),
		LastUpdate:        stored.LastUpdate,
		Schedule:          schedule,
		Paused:            stored.Paused,
	}, nil
}

// PutStakingPool persists the pool record.
func (t *Txn) PutStakingPool(pool *staking.Pool) error {
	if pool == nil {
		return fmt.Errorf("staking pool must not be nil")
	}
	if pool.RewardPoolBalance != nil && pool.RewardPoolBalance.Sign() < 0 {
		return fmt.Errorf("staking pool balance must not be negative")
	}
	stored := &storedPool{
		Owner:             pool.Owner.Bytes(),
		TotalStaked:       amountOrZero(pool.TotalStaked),
		RewardPoolBalance: amountOrZero(pool.RewardPoolBalance),
		Forfeited:         amountOrZero(pool.Forfeited),
		LastUpdate:        pool.LastUpdate,
		Schedule:          make([]storedSegment, 0, len(pool.Schedule)),
		Paused:            pool.Paused,
	}
	for _, seg := range pool.Schedule {
		stored.Schedule = append(stored.Schedule, storedSegment{
			Start:        seg.Start,
			Rate:         amountOrZero(seg.Rate),
			IndexAtStart: amountOrZero(seg.IndexAtStart),
		})
	}
	return t.KVPut(stakingPoolKey, stored)
}

// GetStakeAccount returns the stake record of addr, or nil when the address
// never staked.
func (t *Txn) GetStakeAccount(addr crypto.Address) (*staking.StakeAccount, error) {
	var stored storedStakeAccount
	ok, err := t.KVGet(StakingAccountKey(addr.Bytes()), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return stored.toAccount(), nil
}

// PutStakeAccount persists the stake record of addr. Records are retained
// with zero principal so their history stays addressable.
func (t *Txn) PutStakeAccount(addr crypto.Address, account *staking.StakeAccount) error {
	if account == nil {
		return fmt.Errorf("stake account must not be nil")
	}
	return t.KVPut(StakingAccountKey(addr.Bytes()), &storedStakeAccount{
		Address:         addr.Bytes(),
		Amount:          amountOrZero(account.Amount),
		IndexCheckpoint: amountOrZero(account.IndexCheckpoint),
		LastSettledAt:   account.LastSettledAt,
		Unclaimed:       amountOrZero(account.Unclaimed),
	})
}

// StakeAccounts lists every address holding a stake record.
func (t *Txn) StakeAccounts() ([]crypto.Address, error) {
	keys, err := t.Keys(stakingAccountPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(keys))
	for _, key := range keys {
		var stored storedStakeAccount
		ok, err := t.KVGet(key, &stored)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		addr, err := crypto.NewAddress(crypto.StakePrefix, stored.Address)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func (s *storedStakeAccount) toAccount() *staking.StakeAccount {
	return &staking.StakeAccount{
		Amount:          amountOrZero(s.Amount),
		IndexCheckpoint: amountOrZero(s.IndexCheckpoint),
		LastSettledAt:   s.LastSettledAt,
		Unclaimed:       amountOrZero(s.Unclaimed),
	}
}

// StakingBackend adapts a Manager to the staking engine's Backend contract.
type StakingBackend struct {
	mgr *Manager
}

// NewStakingBackend wraps mgr.
func NewStakingBackend(mgr *Manager) *StakingBackend {
	return &StakingBackend{mgr: mgr}
}

// Update runs fn in a committed transaction.
func (b *StakingBackend) Update(fn func(staking.Session) error) error {
	return b.mgr.Update(func(tx *Txn) error { return fn(tx) })
}

// View runs fn in a read-only transaction.
func (b *StakingBackend) View(fn func(staking.Session) error) error {
	return b.mgr.View(func(tx *Txn) error { return fn(tx) })
}

var _ staking.Session = (*Txn)(nil)
