package staking

import "math/big"

// Settle advances account to now against schedule. It returns the updated
// account together with the reward accrued since the previous checkpoint.
// Unclaimed is left untouched; callers decide whether the accrual is credited
// or paid out. The input account is not modified.
func Settle(account *StakeAccount, schedule Schedule, now uint64) (*StakeAccount, *big.Int) {
	next := account.Clone()
	if next == nil {
		next = &StakeAccount{}
	}
	next.ensureDefaults()

	index := schedule.IndexAt(now)
	reward := accrued(next.Amount, next.IndexCheckpoint, index)
	if index.Cmp(next.IndexCheckpoint) > 0 {
		next.IndexCheckpoint = index
	}
	if now > next.LastSettledAt {
		next.LastSettledAt = now
	}
	return next, reward
}

// Pending returns the unclaimed residue plus everything accrued up to now.
func Pending(account *StakeAccount, schedule Schedule, now uint64) *big.Int {
	settled, reward := Settle(account, schedule, now)
	return reward.Add(reward, settled.Unclaimed)
}
