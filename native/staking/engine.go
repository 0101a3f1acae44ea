package staking

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"stakepool/core/events"
	"stakepool/crypto"
	"stakepool/native/bank"
	nativecommon "stakepool/native/common"
)

const moduleName = "staking"

var (
	ErrNilBackend       = errors.New("staking: backend not configured")
	ErrNotInitialised   = errors.New("staking: pool not initialised")
	ErrInvalidAmount    = errors.New("staking: invalid amount")
	ErrInvalidAddress   = errors.New("staking: address required")
	ErrUnauthorized     = errors.New("staking: caller is not the owner")
	ErrInsufficientPool = errors.New("staking: insufficient reward pool")

	errStakeZero = fmt.Errorf("%w: stake 0", ErrInvalidAmount)
	errBadAmount = fmt.Errorf("%w: bad amount", ErrInvalidAmount)
)

// Session is the transactional view an operation runs against. Writes become
// visible only when the surrounding Backend call returns without error.
type Session interface {
	bank.State
	GetStakingPool() (*Pool, error)
	PutStakingPool(pool *Pool) error
	GetStakeAccount(addr crypto.Address) (*StakeAccount, error)
	PutStakeAccount(addr crypto.Address, account *StakeAccount) error
	StakeAccounts() ([]crypto.Address, error)
}

// Backend runs fn inside a transaction. Update commits when fn succeeds and
// discards every write otherwise; View never commits.
type Backend interface {
	Update(fn func(Session) error) error
	View(fn func(Session) error) error
}

// Engine executes staking operations one at a time against a Backend.
type Engine struct {
	mu           sync.Mutex
	backend      Backend
	module       crypto.Address
	clock        func() time.Time
	emitter      events.Emitter
	historyLimit int
}

// NewEngine constructs an engine whose custody account is derived from the
// module name.
func NewEngine(backend Backend) *Engine {
	return &Engine{
		backend:      backend,
		module:       crypto.ModuleAddress(moduleName),
		clock:        time.Now,
		emitter:      events.NoopEmitter{},
		historyLimit: DefaultHistoryLimit,
	}
}

// SetClock overrides the time source used for accrual.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// SetEmitter configures where committed events are published.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetHistoryLimit bounds the number of retained rate segments.
func (e *Engine) SetHistoryLimit(limit int) {
	if e == nil || limit <= 0 {
		return
	}
	e.historyLimit = limit
}

// ModuleAddress returns the custody account holding principal and rewards.
// Participants approve this address before staking or funding.
func (e *Engine) ModuleAddress() crypto.Address { return e.module }

type operation struct {
	session Session
	ledger  *bank.Ledger
	pool    *Pool
	now     uint64
}

func (op *operation) account(addr crypto.Address) (*StakeAccount, error) {
	account, err := op.session.GetStakeAccount(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &StakeAccount{}
	}
	account.ensureDefaults()
	return account, nil
}

func (e *Engine) timestamp(pool *Pool) uint64 {
	now := e.clock().Unix()
	if now < 0 {
		now = 0
	}
	ts := uint64(now)
	if pool != nil && ts < pool.LastUpdate {
		return pool.LastUpdate
	}
	return ts
}

func (e *Engine) loadPool(s Session) (*Pool, error) {
	pool, err := s.GetStakingPool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, ErrNotInitialised
	}
	return pool, nil
}

// mutate runs fn in a write transaction, persists the pool and publishes the
// returned event once the transaction has committed.
func (e *Engine) mutate(guarded bool, fn func(op *operation) (events.Event, error)) error {
	if e == nil || e.backend == nil {
		return ErrNilBackend
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var evt events.Event
	err := e.backend.Update(func(s Session) error {
		pool, err := e.loadPool(s)
		if err != nil {
			return err
		}
		if guarded {
			if err := nativecommon.Guard(pool, moduleName); err != nil {
				return err
			}
		}
		op := &operation{session: s, ledger: bank.NewLedger(s), pool: pool, now: e.timestamp(pool)}
		evt, err = fn(op)
		if err != nil {
			return err
		}
		op.pool.LastUpdate = op.now
		return s.PutStakingPool(op.pool)
	})
	if err != nil {
		return err
	}
	if evt != nil {
		e.emitter.Emit(evt)
	}
	return nil
}

func (e *Engine) view(fn func(s Session, pool *Pool, now uint64) error) error {
	if e == nil || e.backend == nil {
		return ErrNilBackend
	}
	return e.backend.View(func(s Session) error {
		pool, err := e.loadPool(s)
		if err != nil {
			return err
		}
		return fn(s, pool, e.timestamp(pool))
	})
}

// InitGenesis registers the token, mints the genesis allocations and opens the
// pool at the configured rate. It is a no-op when the pool already exists.
func (e *Engine) InitGenesis(g *Genesis) (bool, error) {
	if e == nil || e.backend == nil {
		return false, ErrNilBackend
	}
	resolved, err := g.resolve()
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	created := false
	err = e.backend.Update(func(s Session) error {
		existing, err := s.GetStakingPool()
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		ledger := bank.NewLedger(s)
		if _, err := ledger.Register(resolved.token.Symbol, resolved.token.Name, resolved.token.Decimals, resolved.owner); err != nil {
			return err
		}
		for _, alloc := range resolved.allocations {
			if err := ledger.Mint(resolved.owner, alloc.address, alloc.amount); err != nil {
				return fmt.Errorf("genesis mint %s: %w", alloc.address, err)
			}
		}
		now := e.timestamp(nil)
		pool := &Pool{
			Owner:             resolved.owner,
			TotalStaked:       big.NewInt(0),
			RewardPoolBalance: big.NewInt(0),
			Forfeited:         big.NewInt(0),
			LastUpdate:        now,
			Schedule:          Schedule(nil).WithRate(now, resolved.rate, e.historyLimit),
		}
		created = true
		return s.PutStakingPool(pool)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// FundRewards pulls amount from caller into the reward pool. The caller must
// have approved the module address.
func (e *Engine) FundRewards(caller crypto.Address, amount *big.Int) error {
	if caller.IsZero() {
		return ErrInvalidAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return e.mutate(true, func(op *operation) (events.Event, error) {
		if err := op.ledger.TransferFrom(e.module, caller, e.module, amount); err != nil {
			return nil, err
		}
		op.pool.RewardPoolBalance = new(big.Int).Add(cloneAmount(op.pool.RewardPoolBalance), amount)
		return events.RewardsFunded{
			Funder:      caller,
			Amount:      new(big.Int).Set(amount),
			PoolBalance: cloneAmount(op.pool.RewardPoolBalance),
			At:          op.now,
		}, nil
	})
}

// Stake settles the caller's pending reward into Unclaimed and adds amount to
// their principal.
func (e *Engine) Stake(caller crypto.Address, amount *big.Int) (*StakeAccount, error) {
	if caller.IsZero() {
		return nil, ErrInvalidAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errStakeZero
	}
	var result *StakeAccount
	err := e.mutate(true, func(op *operation) (events.Event, error) {
		account, err := op.account(caller)
		if err != nil {
			return nil, err
		}
		settled, reward := Settle(account, op.pool.Schedule, op.now)
		settled.Unclaimed.Add(settled.Unclaimed, reward)

		if err := op.ledger.TransferFrom(e.module, caller, e.module, amount); err != nil {
			return nil, err
		}
		settled.Amount.Add(settled.Amount, amount)
		op.pool.TotalStaked = new(big.Int).Add(cloneAmount(op.pool.TotalStaked), amount)
		if err := op.session.PutStakeAccount(caller, settled); err != nil {
			return nil, err
		}
		result = settled.Clone()
		return events.Staked{
			Account:   caller,
			Amount:    new(big.Int).Set(amount),
			NewAmount: cloneAmount(settled.Amount),
			Settled:   reward,
			At:        op.now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// payReward clamps owed to the reward pool, forfeiting the remainder.
func (op *operation) payReward(owed *big.Int) Payout {
	balance := cloneAmount(op.pool.RewardPoolBalance)
	paid := minAmount(owed, balance)
	shortfall := new(big.Int).Sub(owed, paid)
	op.pool.RewardPoolBalance = balance.Sub(balance, paid)
	if shortfall.Sign() > 0 {
		op.pool.Forfeited = new(big.Int).Add(cloneAmount(op.pool.Forfeited), shortfall)
	}
	return Payout{Principal: big.NewInt(0), Reward: paid, Shortfall: shortfall}
}

// Unstake settles the caller, withdraws amount of principal and pays the
// principal together with the settled reward in one transfer.
func (e *Engine) Unstake(caller crypto.Address, amount *big.Int) (Payout, error) {
	if caller.IsZero() {
		return Payout{}, ErrInvalidAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return Payout{}, errBadAmount
	}
	var payout Payout
	err := e.mutate(true, func(op *operation) (events.Event, error) {
		account, err := op.account(caller)
		if err != nil {
			return nil, err
		}
		if account.Amount.Cmp(amount) < 0 {
			return nil, errBadAmount
		}
		settled, reward := Settle(account, op.pool.Schedule, op.now)
		owed := reward.Add(reward, settled.Unclaimed)
		payout = op.payReward(owed)
		payout.Principal = new(big.Int).Set(amount)

		settled.Unclaimed = big.NewInt(0)
		settled.Amount.Sub(settled.Amount, amount)
		op.pool.TotalStaked = new(big.Int).Sub(cloneAmount(op.pool.TotalStaked), amount)
		if err := op.ledger.Transfer(e.module, caller, payout.Total()); err != nil {
			return nil, err
		}
		if err := op.session.PutStakeAccount(caller, settled); err != nil {
			return nil, err
		}
		return events.Unstaked{
			Account:   caller,
			Amount:    new(big.Int).Set(amount),
			NewAmount: cloneAmount(settled.Amount),
			Reward:    cloneAmount(payout.Reward),
			Shortfall: cloneAmount(payout.Shortfall),
			At:        op.now,
		}, nil
	})
	if err != nil {
		return Payout{}, err
	}
	return payout, nil
}

// Claim settles the caller and pays min(reward, pool). A zero reward succeeds
// without moving funds.
func (e *Engine) Claim(caller crypto.Address) (Payout, error) {
	if caller.IsZero() {
		return Payout{}, ErrInvalidAddress
	}
	var payout Payout
	err := e.mutate(true, func(op *operation) (events.Event, error) {
		account, err := op.account(caller)
		if err != nil {
			return nil, err
		}
		settled, reward := Settle(account, op.pool.Schedule, op.now)
		owed := reward.Add(reward, settled.Unclaimed)
		payout = op.payReward(owed)
		settled.Unclaimed = big.NewInt(0)
		if payout.Reward.Sign() > 0 {
			if err := op.ledger.Transfer(e.module, caller, payout.Reward); err != nil {
				return nil, err
			}
		}
		if err := op.session.PutStakeAccount(caller, settled); err != nil {
			return nil, err
		}
		return events.RewardsClaimed{
			Account:   caller,
			Reward:    cloneAmount(payout.Reward),
			Shortfall: cloneAmount(payout.Shortfall),
			At:        op.now,
		}, nil
	})
	if err != nil {
		return Payout{}, err
	}
	return payout, nil
}

func (op *operation) requireOwner(caller crypto.Address) error {
	if caller.IsZero() || !op.pool.Owner.Equal(caller) {
		return ErrUnauthorized
	}
	return nil
}

// SetRewardRate opens a new schedule segment at the current time. Accounts
// settle lazily across the boundary.
func (e *Engine) SetRewardRate(caller crypto.Address, rate *big.Int) error {
	return e.mutate(false, func(op *operation) (events.Event, error) {
		if err := op.requireOwner(caller); err != nil {
			return nil, err
		}
		if rate == nil || rate.Sign() < 0 {
			return nil, ErrInvalidAmount
		}
		previous := op.pool.RewardRate()
		op.pool.Schedule = op.pool.Schedule.WithRate(op.now, rate, e.historyLimit)
		return events.RewardRateUpdated{
			Owner:   caller,
			OldRate: previous,
			NewRate: new(big.Int).Set(rate),
			At:      op.now,
		}, nil
	})
}

// WithdrawExcessRewards transfers unused reward funds back to the owner.
func (e *Engine) WithdrawExcessRewards(caller crypto.Address, amount *big.Int) error {
	return e.mutate(false, func(op *operation) (events.Event, error) {
		if err := op.requireOwner(caller); err != nil {
			return nil, err
		}
		if amount == nil || amount.Sign() <= 0 {
			return nil, ErrInvalidAmount
		}
		balance := cloneAmount(op.pool.RewardPoolBalance)
		if balance.Cmp(amount) < 0 {
			return nil, ErrInsufficientPool
		}
		op.pool.RewardPoolBalance = balance.Sub(balance, amount)
		if err := op.ledger.Transfer(e.module, caller, amount); err != nil {
			return nil, err
		}
		return events.ExcessWithdrawn{
			Owner:       caller,
			Amount:      new(big.Int).Set(amount),
			PoolBalance: cloneAmount(op.pool.RewardPoolBalance),
			At:          op.now,
		}, nil
	})
}

// SetPaused toggles the pause guard on stake, unstake, claim and funding.
func (e *Engine) SetPaused(caller crypto.Address, paused bool) error {
	return e.mutate(false, func(op *operation) (events.Event, error) {
		if err := op.requireOwner(caller); err != nil {
			return nil, err
		}
		op.pool.Paused = paused
		return events.PauseToggled{Owner: caller, Paused: paused, At: op.now}, nil
	})
}

// Approve lets the module address pull up to amount from caller.
func (e *Engine) Approve(caller crypto.Address, amount *big.Int) error {
	if e == nil || e.backend == nil {
		return ErrNilBackend
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend.Update(func(s Session) error {
		return bank.NewLedger(s).Approve(caller, e.module, amount)
	})
}

// Mint credits new tokens; only the token's mint authority may call it.
func (e *Engine) Mint(caller, to crypto.Address, amount *big.Int) error {
	if e == nil || e.backend == nil {
		return ErrNilBackend
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend.Update(func(s Session) error {
		return bank.NewLedger(s).Mint(caller, to, amount)
	})
}

// Token returns the registered token metadata.
func (e *Engine) Token() (*bank.Token, error) {
	var token *bank.Token
	err := e.view(func(s Session, _ *Pool, _ uint64) error {
		var err error
		token, err = bank.NewLedger(s).Token()
		return err
	})
	return token, err
}

// BalanceOf returns the token balance of addr.
func (e *Engine) BalanceOf(addr crypto.Address) (*big.Int, error) {
	var balance *big.Int
	err := e.view(func(s Session, _ *Pool, _ uint64) error {
		var err error
		balance, err = bank.NewLedger(s).BalanceOf(addr)
		return err
	})
	return balance, err
}

// Allowance returns how much the module may still pull from addr.
func (e *Engine) Allowance(addr crypto.Address) (*big.Int, error) {
	var allowance *big.Int
	err := e.view(func(s Session, _ *Pool, _ uint64) error {
		var err error
		allowance, err = bank.NewLedger(s).Allowance(addr, e.module)
		return err
	})
	return allowance, err
}

// Pool returns a snapshot of the pool totals.
func (e *Engine) Pool() (*PoolSnapshot, error) {
	var snapshot *PoolSnapshot
	err := e.view(func(_ Session, pool *Pool, _ uint64) error {
		snapshot = &PoolSnapshot{
			Owner:             pool.Owner,
			TotalStaked:       cloneAmount(pool.TotalStaked),
			RewardPoolBalance: cloneAmount(pool.RewardPoolBalance),
			RewardRate:        pool.RewardRate(),
			Forfeited:         cloneAmount(pool.Forfeited),
			LastUpdate:        pool.LastUpdate,
			Paused:            pool.Paused,
		}
		return nil
	})
	return snapshot, err
}

// TotalStaked returns the sum of all principals.
func (e *Engine) TotalStaked() (*big.Int, error) {
	snapshot, err := e.Pool()
	if err != nil {
		return nil, err
	}
	return snapshot.TotalStaked, nil
}

// RewardPoolBalance returns the funds available for reward payouts.
func (e *Engine) RewardPoolBalance() (*big.Int, error) {
	snapshot, err := e.Pool()
	if err != nil {
		return nil, err
	}
	return snapshot.RewardPoolBalance, nil
}

// RewardRate returns the rate currently in force.
func (e *Engine) RewardRate() (*big.Int, error) {
	snapshot, err := e.Pool()
	if err != nil {
		return nil, err
	}
	return snapshot.RewardRate, nil
}

// RateHistory returns the retained rate schedule, oldest first.
func (e *Engine) RateHistory() (Schedule, error) {
	var schedule Schedule
	err := e.view(func(_ Session, pool *Pool, _ uint64) error {
		schedule = pool.Schedule.Clone()
		return nil
	})
	return schedule, err
}

// Stakes returns the stake record of addr together with its pending reward.
// Unknown addresses yield a zero position.
func (e *Engine) Stakes(addr crypto.Address) (*Position, error) {
	var position *Position
	err := e.view(func(s Session, pool *Pool, now uint64) error {
		var err error
		position, err = positionOf(s, pool, addr, now)
		return err
	})
	return position, err
}

// PendingReward returns what Claim would owe addr right now, before clamping
// to the reward pool.
func (e *Engine) PendingReward(addr crypto.Address) (*big.Int, error) {
	position, err := e.Stakes(addr)
	if err != nil {
		return nil, err
	}
	return position.Pending, nil
}

// Positions lists every stake record ever created.
func (e *Engine) Positions() ([]*Position, error) {
	var positions []*Position
	err := e.view(func(s Session, pool *Pool, now uint64) error {
		addrs, err := s.StakeAccounts()
		if err != nil {
			return err
		}
		positions = make([]*Position, 0, len(addrs))
		for _, addr := range addrs {
			position, err := positionOf(s, pool, addr, now)
			if err != nil {
				return err
			}
			positions = append(positions, position)
		}
		return nil
	})
	return positions, err
}

func positionOf(s Session, pool *Pool, addr crypto.Address, now uint64) (*Position, error) {
	account, err := s.GetStakeAccount(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &StakeAccount{}
	}
	account.ensureDefaults()
	return &Position{
		Address:         addr,
		Amount:          cloneAmount(account.Amount),
		IndexCheckpoint: cloneAmount(account.IndexCheckpoint),
		LastSettledAt:   account.LastSettledAt,
		Unclaimed:       cloneAmount(account.Unclaimed),
		Pending:         Pending(account, pool.Schedule, now),
	}, nil
}
