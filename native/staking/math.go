package staking

import "math/big"

// RateScale is the fixed-point scale of reward rates and the reward index.
// A rate of 1e16 pays 0.01 token per staked token per second.
var RateScale = big.NewInt(1_000_000_000_000_000_000)

// accrued returns amount × (index − checkpoint) / RateScale, floored. A
// checkpoint ahead of index yields zero.
func accrued(amount, checkpoint, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil {
		return big.NewInt(0)
	}
	delta := new(big.Int).Sub(index, cloneAmount(checkpoint))
	if delta.Sign() <= 0 {
		return big.NewInt(0)
	}
	reward := new(big.Int).Mul(amount, delta)
	return reward.Quo(reward, RateScale)
}

func minAmount(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
