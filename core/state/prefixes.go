package state

var (
	tokenKey             = []byte("bank/token")
	balancePrefix        = []byte("bank/balance/")
	allowancePrefix      = []byte("bank/allowance/")
	stakingPoolKey       = []byte("staking/pool")
	stakingAccountPrefix = []byte("staking/account/")
)

func balanceKey(addr []byte) []byte {
	return namespacedKey(balancePrefix, addr)
}

func allowanceKey(owner, spender []byte) []byte {
	buf := make([]byte, 0, len(owner)+1+len(spender))
	buf = append(buf, owner...)
	buf = append(buf, ':')
	buf = append(buf, spender...)
	return namespacedKey(allowancePrefix, buf)
}

// StakingAccountKey returns the storage key of a stake record.
func StakingAccountKey(addr []byte) []byte {
	return namespacedKey(stakingAccountPrefix, addr)
}
