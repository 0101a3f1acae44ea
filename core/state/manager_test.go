package state

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stakepool/crypto"
	"stakepool/native/staking"
	"stakepool/storage"
)

func testAddress(suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[len(raw)-1] = suffix
	return crypto.MustNewAddress(crypto.StakePrefix, raw)
}

func TestUpdateCommitsAtomically(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	alice := testAddress(1)

	require.NoError(t, mgr.Update(func(tx *Txn) error {
		return tx.PutBalance(alice, big.NewInt(42))
	}))

	boom := errors.New("boom")
	err := mgr.Update(func(tx *Txn) error {
		require.NoError(t, tx.PutBalance(alice, big.NewInt(7)))
		balance, err := tx.GetBalance(alice)
		require.NoError(t, err)
		require.Equal(t, int64(7), balance.Int64(), "writes are visible inside the transaction")
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, mgr.View(func(tx *Txn) error {
		balance, err := tx.GetBalance(alice)
		require.NoError(t, err)
		require.Equal(t, int64(42), balance.Int64())
		return nil
	}))
}

func TestTxnClosedAfterCommit(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	tx := mgr.Begin()
	require.NoError(t, tx.KVPut([]byte("k"), uint64(1)))
	require.NoError(t, tx.Commit())
	require.ErrorIs(t, tx.Commit(), ErrTxnClosed)
	require.ErrorIs(t, tx.KVPut([]byte("k"), uint64(2)), ErrTxnClosed)
}

func TestKeysMergeOverlay(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	a, b, c := testAddress(1), testAddress(2), testAddress(3)
	require.NoError(t, mgr.Update(func(tx *Txn) error {
		require.NoError(t, tx.PutStakeAccount(a, &staking.StakeAccount{Amount: big.NewInt(1)}))
		return tx.PutStakeAccount(b, &staking.StakeAccount{Amount: big.NewInt(2)})
	}))

	require.NoError(t, mgr.View(func(tx *Txn) error {
		require.NoError(t, tx.PutStakeAccount(c, &staking.StakeAccount{Amount: big.NewInt(3)}))
		require.NoError(t, tx.KVDelete(StakingAccountKey(a.Bytes())))
		addrs, err := tx.StakeAccounts()
		require.NoError(t, err)
		require.Len(t, addrs, 2)
		found := map[string]bool{}
		for _, addr := range addrs {
			found[addr.String()] = true
		}
		require.True(t, found[b.String()])
		require.True(t, found[c.String()])
		return nil
	}))

	require.NoError(t, mgr.View(func(tx *Txn) error {
		addrs, err := tx.StakeAccounts()
		require.NoError(t, err)
		require.Len(t, addrs, 2, "view writes are never committed")
		return nil
	}))
}

func TestZeroBalanceRemovesEntry(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	alice := testAddress(1)
	require.NoError(t, mgr.Update(func(tx *Txn) error { return tx.PutBalance(alice, big.NewInt(5)) }))
	keys, err := db.Keys(balancePrefix)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, mgr.Update(func(tx *Txn) error { return tx.PutBalance(alice, big.NewInt(0)) }))
	keys, err = db.Keys(balancePrefix)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestStakingPoolRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	owner := testAddress(9)
	pool := &staking.Pool{
		Owner:             owner,
		TotalStaked:       big.NewInt(100),
		RewardPoolBalance: big.NewInt(50),
		Forfeited:         big.NewInt(3),
		LastUpdate:        77,
		Schedule:          staking.Schedule(nil).WithRate(10, big.NewInt(4), 0).WithRate(20, big.NewInt(6), 0),
		Paused:            true,
	}
	require.NoError(t, mgr.Update(func(tx *Txn) error { return tx.PutStakingPool(pool) }))
	require.NoError(t, mgr.View(func(tx *Txn) error {
		loaded, err := tx.GetStakingPool()
		require.NoError(t, err)
		require.True(t, loaded.Owner.Equal(owner))
		require.Equal(t, "100", loaded.TotalStaked.String())
		require.Equal(t, "50", loaded.RewardPoolBalance.String())
		require.Equal(t, "3", loaded.Forfeited.String())
		require.Equal(t, uint64(77), loaded.LastUpdate)
		require.True(t, loaded.Paused)
		require.Len(t, loaded.Schedule, 2)
		require.Equal(t, "40", loaded.Schedule[1].IndexAtStart.String())
		return nil
	}))

	negative := pool.Clone()
	negative.RewardPoolBalance = big.NewInt(-1)
	require.Error(t, mgr.Update(func(tx *Txn) error { return tx.PutStakingPool(negative) }))
}

func TestStakingEngineOnLevelDB(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	owner, alice := testAddress(1), testAddress(2)
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	unit := big.NewInt(1_000_000_000_000_000_000)
	tokens := func(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), unit) }

	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	engine := staking.NewEngine(NewStakingBackend(NewManager(db)))
	engine.SetClock(clock)
	_, err = engine.InitGenesis(&staking.Genesis{
		Owner:      owner.String(),
		RewardRate: "10000000000000000",
		Token:      staking.TokenGenesis{Symbol: "STK", Decimals: 18},
		Allocations: []staking.Allocation{
			{Address: owner.String(), Amount: tokens(5000).String()},
			{Address: alice.String(), Amount: tokens(1000).String()},
		},
	})
	require.NoError(t, err)
	require.NoError(t, engine.Approve(owner, tokens(1000)))
	require.NoError(t, engine.FundRewards(owner, tokens(1000)))
	require.NoError(t, engine.Approve(alice, tokens(100)))
	_, err = engine.Stake(alice, tokens(100))
	require.NoError(t, err)
	db.Close()

	now = now.Add(12 * time.Second)
	db, err = storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()
	engine = staking.NewEngine(NewStakingBackend(NewManager(db)))
	engine.SetClock(clock)
	created, err := engine.InitGenesis(&staking.Genesis{Owner: owner.String(), Token: staking.TokenGenesis{Symbol: "STK"}})
	require.NoError(t, err)
	require.False(t, created)

	pending, err := engine.PendingReward(alice)
	require.NoError(t, err)
	require.Equal(t, tokens(12).String(), pending.String())

	payout, err := engine.Unstake(alice, tokens(100))
	require.NoError(t, err)
	require.Equal(t, tokens(112).String(), payout.Total().String())

	balance, err := engine.BalanceOf(alice)
	require.NoError(t, err)
	require.Equal(t, tokens(1012).String(), balance.String())
	total, err := engine.TotalStaked()
	require.NoError(t, err)
	require.Zero(t, total.Sign())
}
