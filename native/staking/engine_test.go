package staking

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"stakepool/core/events"
	"stakepool/crypto"
	"stakepool/native/bank"
	nativecommon "stakepool/native/common"
)

var testRate = big.NewInt(10_000_000_000_000_000)

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

// centiTokens returns n hundredths of a token.
func centiTokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(10_000_000_000_000_000))
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[len(raw)-1] = suffix
	return crypto.MustNewAddress(crypto.StakePrefix, raw)
}

type fixture struct {
	engine  *Engine
	backend *mockBackend
	clock   *testClock
	emitter *recordingEmitter
	owner   crypto.Address
	alice   crypto.Address
	bob     crypto.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: newMockBackend(),
		clock:   &testClock{now: time.Unix(1_700_000_000, 0)},
		emitter: &recordingEmitter{},
		owner:   makeAddress(0x01),
		alice:   makeAddress(0x02),
		bob:     makeAddress(0x03),
	}
	f.engine = NewEngine(f.backend)
	f.engine.SetClock(f.clock.Now)
	f.engine.SetEmitter(f.emitter)

	genesis := &Genesis{
		Owner:      f.owner.String(),
		RewardRate: testRate.String(),
		Token:      TokenGenesis{Symbol: "stk", Name: "Stake Token", Decimals: 18},
		Allocations: []Allocation{
			{Address: f.owner.String(), Amount: tokens(100000).String()},
			{Address: f.alice.String(), Amount: tokens(1000).String()},
			{Address: f.bob.String(), Amount: tokens(1000).String()},
		},
	}
	created, err := f.engine.InitGenesis(genesis)
	if err != nil {
		t.Fatalf("init genesis: %v", err)
	}
	if !created {
		t.Fatalf("expected pool to be created")
	}
	for _, addr := range []crypto.Address{f.owner, f.alice, f.bob} {
		if err := f.engine.Approve(addr, tokens(1_000_000)); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	if err := f.engine.FundRewards(f.owner, tokens(1000)); err != nil {
		t.Fatalf("fund rewards: %v", err)
	}
	f.emitter.events = nil
	return f
}

func (f *fixture) balance(t *testing.T, addr crypto.Address) *big.Int {
	t.Helper()
	balance, err := f.engine.BalanceOf(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

func (f *fixture) pending(t *testing.T, addr crypto.Address) *big.Int {
	t.Helper()
	pending, err := f.engine.PendingReward(addr)
	if err != nil {
		t.Fatalf("pending reward: %v", err)
	}
	return pending
}

func (f *fixture) stake(t *testing.T, addr crypto.Address, amount *big.Int) {
	t.Helper()
	if _, err := f.engine.Stake(addr, amount); err != nil {
		t.Fatalf("stake: %v", err)
	}
}

func requireClose(t *testing.T, got, want, tolerance *big.Int) {
	t.Helper()
	diff := new(big.Int).Sub(got, want)
	if diff.Abs(diff).Cmp(tolerance) > 0 {
		t.Fatalf("got %s want %s (±%s)", got, want, tolerance)
	}
}

func TestGenesisIsIdempotent(t *testing.T) {
	f := newFixture(t)
	created, err := f.engine.InitGenesis(&Genesis{Owner: f.alice.String(), Token: TokenGenesis{Symbol: "X"}})
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if created {
		t.Fatalf("second init must not recreate the pool")
	}
	snapshot, err := f.engine.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if !snapshot.Owner.Equal(f.owner) {
		t.Fatalf("owner replaced by second genesis")
	}
	if snapshot.RewardRate.Cmp(testRate) != 0 {
		t.Fatalf("unexpected rate %s", snapshot.RewardRate)
	}
	if snapshot.RewardPoolBalance.Cmp(tokens(1000)) != 0 {
		t.Fatalf("unexpected pool balance %s", snapshot.RewardPoolBalance)
	}
}

func TestOperationsRequireInitialisedPool(t *testing.T) {
	engine := NewEngine(newMockBackend())
	if _, err := engine.Stake(makeAddress(1), tokens(1)); !errors.Is(err, ErrNotInitialised) {
		t.Fatalf("expected not initialised, got %v", err)
	}
	if _, err := engine.Pool(); !errors.Is(err, ErrNotInitialised) {
		t.Fatalf("expected not initialised, got %v", err)
	}
}

func TestStakeMovesPrincipalIntoCustody(t *testing.T) {
	f := newFixture(t)
	account, err := f.engine.Stake(f.alice, tokens(100))
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if account.Amount.Cmp(tokens(100)) != 0 {
		t.Fatalf("unexpected principal %s", account.Amount)
	}
	total, _ := f.engine.TotalStaked()
	if total.Cmp(tokens(100)) != 0 {
		t.Fatalf("unexpected total staked %s", total)
	}
	if got := f.balance(t, f.alice); got.Cmp(tokens(900)) != 0 {
		t.Fatalf("unexpected alice balance %s", got)
	}
	custody := f.balance(t, f.engine.ModuleAddress())
	if custody.Cmp(tokens(1100)) != 0 {
		t.Fatalf("custody must hold stake plus pool, got %s", custody)
	}
	if types := f.emitter.types(); len(types) != 1 || types[0] != events.TypeStaked {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestStakeZeroRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Stake(f.alice, big.NewInt(0))
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if !strings.Contains(err.Error(), "stake 0") {
		t.Fatalf("unexpected reason %q", err)
	}
}

func TestPendingRewardAccruesLinearly(t *testing.T) {
	f := newFixture(t)
	f.stake(t, f.alice, tokens(100))
	f.clock.Advance(12)
	requireClose(t, f.pending(t, f.alice), tokens(12), centiTokens(2))
}

func TestClaimPaysRewardFromPool(t *testing.T) {
	f := newFixture(t)
	f.stake(t, f.alice, tokens(100))
	f.clock.Advance(11)
	before := f.balance(t, f.alice)

	payout, err := f.engine.Claim(f.alice)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	requireClose(t, payout.Reward, tokens(11), centiTokens(2))
	after := f.balance(t, f.alice)
	if new(big.Int).Sub(after, before).Cmp(payout.Reward) != 0 {
		t.Fatalf("balance delta does not match payout")
	}
	pool, _ := f.engine.RewardPoolBalance()
	if new(big.Int).Add(pool, payout.Reward).Cmp(tokens(1000)) != 0 {
		t.Fatalf("pool not debited by payout: %s", pool)
	}
	if f.pending(t, f.alice).Sign() != 0 {
		t.Fatalf("pending must reset after claim")
	}
}

func TestClaimWithoutRewardSucceeds(t *testing.T) {
	f := newFixture(t)
	payout, err := f.engine.Claim(f.bob)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if payout.Reward.Sign() != 0 || payout.Shortfall.Sign() != 0 {
		t.Fatalf("expected empty payout, got %+v", payout)
	}
}

func TestUnstakeReturnsPrincipalAndReward(t *testing.T) {
	f := newFixture(t)
	f.stake(t, f.alice, tokens(100))
	f.clock.Advance(10)
	before := f.balance(t, f.alice)

	payout, err := f.engine.Unstake(f.alice, tokens(50))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	received := new(big.Int).Sub(f.balance(t, f.alice), before)
	expected := new(big.Int).Add(tokens(50), payout.Reward)
	requireClose(t, received, expected, centiTokens(1))
	if received.Cmp(tokens(50)) <= 0 {
		t.Fatalf("expected principal plus reward, got %s", received)
	}
	requireClose(t, payout.Reward, tokens(10), centiTokens(1))

	position, _ := f.engine.Stakes(f.alice)
	if position.Amount.Cmp(tokens(50)) != 0 {
		t.Fatalf("unexpected remaining principal %s", position.Amount)
	}
	total, _ := f.engine.TotalStaked()
	if total.Cmp(tokens(50)) != 0 {
		t.Fatalf("unexpected total staked %s", total)
	}
}

func TestUnstakeBadAmount(t *testing.T) {
	f := newFixture(t)
	f.stake(t, f.alice, tokens(100))
	for _, amount := range []*big.Int{big.NewInt(0), tokens(101)} {
		_, err := f.engine.Unstake(f.alice, amount)
		if !errors.Is(err, ErrInvalidAmount) || !strings.Contains(err.Error(), "bad amount") {
			t.Fatalf("amount %s: expected bad amount, got %v", amount, err)
		}
	}
}

func TestPartialRewardWhenPoolIsShort(t *testing.T) {
	f := newFixture(t)
	f.stake(t, f.alice, tokens(400))
	f.clock.Advance(240)
	if _, err := f.engine.Claim(f.alice); err != nil {
		t.Fatalf("claim: %v", err)
	}
	pool, _ := f.engine.RewardPoolBalance()
	if pool.Cmp(tokens(50)) > 0 || pool.Sign() < 0 {
		t.Fatalf("pool should be nearly drained, got %s", pool)
	}
}

func TestShortfallIsForfeited(t *testing.T) {
	f := newFixture(t)
	f.stake(t, f.alice, tokens(400))
	f.clock.Advance(300)

	payout, err := f.engine.Claim(f.alice)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if payout.Reward.Cmp(tokens(1000)) != 0 {
		t.Fatalf("payout must clamp to pool, got %s", payout.Reward)
	}
	if payout.Shortfall.Cmp(tokens(200)) != 0 {
		t.Fatalf("unexpected shortfall %s", payout.Shortfall)
	}
	snapshot, _ := f.engine.Pool()
	if snapshot.RewardPoolBalance.Sign() != 0 {
		t.Fatalf("pool must be empty, got %s", snapshot.RewardPoolBalance)
	}
	if snapshot.Forfeited.Cmp(tokens(200)) != 0 {
		t.Fatalf("unexpected forfeited total %s", snapshot.Forfeited)
	}
	if f.pending(t, f.alice).Sign() != 0 {
		t.Fatalf("forfeited reward must not be carried as debt")
	}
	claimed := f.emitter.events[len(f.emitter.events)-1].Event()
	if claimed.Attributes["shortfall"] != tokens(200).String() {
		t.Fatalf("missing shortfall attribute: %v", claimed.Attributes)
	}

	f.clock.Advance(10)
	payout, err = f.engine.Unstake(f.alice, tokens(400))
	if err != nil {
		t.Fatalf("unstake with empty pool: %v", err)
	}
	if payout.Reward.Sign() != 0 || payout.Total().Cmp(tokens(400)) != 0 {
		t.Fatalf("principal must be returned in full, got %+v", payout)
	}
}

func TestRateChangeSegmentsAccrual(t *testing.T) {
	f := newFixture(t)
	f.stake(t, f.alice, tokens(100))
	f.clock.Advance(10)
	if err := f.engine.SetRewardRate(f.owner, new(big.Int).Mul(testRate, big.NewInt(2))); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	f.clock.Advance(16)
	requireClose(t, f.pending(t, f.alice), tokens(42), centiTokens(2))

	history, err := f.engine.RateHistory()
	if err != nil {
		t.Fatalf("rate history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected two segments, got %d", len(history))
	}
}

func TestTopUpSettlesIntoUnclaimed(t *testing.T) {
	f := newFixture(t)
	f.stake(t, f.alice, tokens(100))
	f.clock.Advance(10)
	account, err := f.engine.Stake(f.alice, tokens(100))
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	if account.Unclaimed.Cmp(tokens(10)) != 0 {
		t.Fatalf("expected 10 tokens settled, got %s", account.Unclaimed)
	}
	f.clock.Advance(5)
	if got := f.pending(t, f.alice); got.Cmp(tokens(20)) != 0 {
		t.Fatalf("unexpected pending %s", got)
	}
}

func TestOwnerOnlyOperations(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.SetRewardRate(f.alice, testRate); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized rate change, got %v", err)
	}
	if err := f.engine.WithdrawExcessRewards(f.alice, tokens(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized withdrawal, got %v", err)
	}
	if err := f.engine.SetPaused(f.alice, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized pause, got %v", err)
	}
	if err := f.engine.Mint(f.alice, f.alice, tokens(1)); !errors.Is(err, bank.ErrUnauthorized) {
		t.Fatalf("expected unauthorized mint, got %v", err)
	}
	if len(f.emitter.events) != 0 {
		t.Fatalf("failed operations must not emit events")
	}
}

func TestOwnerCheckPrecedesAmountValidation(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.SetRewardRate(f.alice, big.NewInt(-1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for negative rate from non-owner, got %v", err)
	}
	if err := f.engine.SetRewardRate(f.alice, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for nil rate from non-owner, got %v", err)
	}
	if err := f.engine.WithdrawExcessRewards(f.alice, big.NewInt(0)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for zero withdrawal from non-owner, got %v", err)
	}
	if err := f.engine.SetRewardRate(f.owner, big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for owner, got %v", err)
	}
	if len(f.emitter.events) != 0 {
		t.Fatalf("rejected operations must not emit events")
	}
}

func TestWithdrawExcessRewards(t *testing.T) {
	f := newFixture(t)
	before := f.balance(t, f.owner)
	if err := f.engine.WithdrawExcessRewards(f.owner, tokens(1001)); !errors.Is(err, ErrInsufficientPool) {
		t.Fatalf("expected insufficient pool, got %v", err)
	}
	if err := f.engine.WithdrawExcessRewards(f.owner, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if err := f.engine.WithdrawExcessRewards(f.owner, tokens(1000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	pool, _ := f.engine.RewardPoolBalance()
	if pool.Sign() != 0 {
		t.Fatalf("pool must be empty, got %s", pool)
	}
	if delta := new(big.Int).Sub(f.balance(t, f.owner), before); delta.Cmp(tokens(1000)) != 0 {
		t.Fatalf("owner received %s", delta)
	}
}

func TestFailedOperationLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	carol := makeAddress(0x04)
	if err := f.engine.Mint(f.owner, carol, tokens(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := f.engine.Stake(carol, tokens(5)); !errors.Is(err, bank.ErrInsufficientAllowance) {
		t.Fatalf("expected allowance error, got %v", err)
	}
	if err := f.engine.Approve(carol, tokens(100)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.engine.Stake(carol, tokens(20)); !errors.Is(err, bank.ErrInsufficientBalance) {
		t.Fatalf("expected balance error, got %v", err)
	}
	total, _ := f.engine.TotalStaked()
	if total.Sign() != 0 {
		t.Fatalf("failed stake leaked into total: %s", total)
	}
	positions, _ := f.engine.Positions()
	if len(positions) != 0 {
		t.Fatalf("failed stake created a record")
	}
	if got := f.balance(t, carol); got.Cmp(tokens(10)) != 0 {
		t.Fatalf("balance changed by failed stake: %s", got)
	}
}

func TestTotalStakedMatchesPrincipals(t *testing.T) {
	f := newFixture(t)
	f.stake(t, f.alice, tokens(100))
	f.clock.Advance(3)
	f.stake(t, f.bob, tokens(250))
	f.clock.Advance(7)
	if _, err := f.engine.Unstake(f.alice, tokens(30)); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	f.stake(t, f.bob, tokens(1))

	positions, err := f.engine.Positions()
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	sum := big.NewInt(0)
	for _, position := range positions {
		sum.Add(sum, position.Amount)
	}
	total, _ := f.engine.TotalStaked()
	if sum.Cmp(total) != 0 {
		t.Fatalf("total staked %s differs from principals %s", total, sum)
	}
	pool, _ := f.engine.RewardPoolBalance()
	custody := f.balance(t, f.engine.ModuleAddress())
	if new(big.Int).Add(total, pool).Cmp(custody) != 0 {
		t.Fatalf("custody %s does not cover stake %s plus pool %s", custody, total, pool)
	}
}

func TestPauseBlocksParticipantOperations(t *testing.T) {
	f := newFixture(t)
	f.stake(t, f.alice, tokens(10))
	if err := f.engine.SetPaused(f.owner, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.engine.Stake(f.alice, tokens(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused stake, got %v", err)
	}
	if _, err := f.engine.Claim(f.alice); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused claim, got %v", err)
	}
	if err := f.engine.FundRewards(f.owner, tokens(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused funding, got %v", err)
	}
	if err := f.engine.SetRewardRate(f.owner, big.NewInt(0)); err != nil {
		t.Fatalf("owner operations stay available while paused: %v", err)
	}
	if err := f.engine.SetPaused(f.owner, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := f.engine.Unstake(f.alice, tokens(10)); err != nil {
		t.Fatalf("unstake after unpause: %v", err)
	}
}

func TestClockRegressionDoesNotReduceRewards(t *testing.T) {
	f := newFixture(t)
	f.stake(t, f.alice, tokens(100))
	f.clock.Advance(20)
	if _, err := f.engine.Claim(f.alice); err != nil {
		t.Fatalf("claim: %v", err)
	}
	f.clock.Advance(-15)
	if got := f.pending(t, f.alice); got.Sign() != 0 {
		t.Fatalf("regressed clock produced reward %s", got)
	}
	f.clock.Advance(25)
	if got := f.pending(t, f.alice); got.Cmp(tokens(10)) != 0 {
		t.Fatalf("expected accrual to resume from last update, got %s", got)
	}
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.stake(t, f.alice, tokens(10))
	f.clock.Advance(1)
	if _, err := f.engine.Claim(f.alice); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.engine.SetRewardRate(f.owner, testRate); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if err := f.engine.WithdrawExcessRewards(f.owner, tokens(1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := f.engine.Unstake(f.alice, tokens(10)); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	want := []string{
		events.TypeStaked,
		events.TypeRewardsClaimed,
		events.TypeRewardRateUpdated,
		events.TypeExcessWithdrawn,
		events.TypeUnstaked,
	}
	got := f.emitter.types()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestParseGenesis(t *testing.T) {
	owner := makeAddress(0x09)
	doc := `
owner = "` + owner.String() + `"
rewardRate = "10000000000000000"

[token]
symbol = "STK"
name = "Stake Token"

[[allocations]]
address = "` + owner.String() + `"
amount = "5"
`
	genesis, err := ParseGenesis(doc)
	if err != nil {
		t.Fatalf("parse genesis: %v", err)
	}
	resolved, err := genesis.resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.token.Decimals != 18 {
		t.Fatalf("decimals should default to 18, got %d", resolved.token.Decimals)
	}
	if len(resolved.allocations) != 1 || resolved.allocations[0].amount.Int64() != 5 {
		t.Fatalf("unexpected allocations %+v", resolved.allocations)
	}
	if _, err := ParseGenesis(`owner = "nope"`); err == nil {
		t.Fatalf("expected invalid owner error")
	}
}
