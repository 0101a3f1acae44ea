package events

import (
	"math/big"
	"strconv"

	"stakepool/core/types"
	"stakepool/crypto"
)

const (
	// TypeRewardsFunded is emitted when the reward pool receives funds.
	TypeRewardsFunded = "staking.funded"
	// TypeStaked captures a principal top-up.
	TypeStaked = "staking.staked"
	// TypeUnstaked captures a principal withdrawal together with its reward payout.
	TypeUnstaked = "staking.unstaked"
	// TypeRewardsClaimed is emitted when accrued rewards are paid out.
	TypeRewardsClaimed = "staking.claimed"
	// TypeRewardRateUpdated records an owner rate change.
	TypeRewardRateUpdated = "staking.rateUpdated"
	// TypeExcessWithdrawn records the owner recovering unused reward funds.
	TypeExcessWithdrawn = "staking.excessWithdrawn"
	// TypePauseToggled records the owner pausing or resuming mutations.
	TypePauseToggled = "staking.pauseToggled"
)

// RewardsFunded captures a reward pool top-up.
type RewardsFunded struct {
	Funder      crypto.Address
	Amount      *big.Int
	PoolBalance *big.Int
	At          uint64
}

// EventType satisfies the Event interface.
func (RewardsFunded) EventType() string { return TypeRewardsFunded }

// Event converts the structured payload into a broadcastable event.
func (e RewardsFunded) Event() *types.Event {
	return &types.Event{Type: TypeRewardsFunded, Timestamp: int64(e.At), Attributes: map[string]string{
		"addr":        e.Funder.String(),
		"amount":      formatAmount(e.Amount),
		"poolBalance": formatAmount(e.PoolBalance),
	}}
}

// Staked captures principal added to an account.
type Staked struct {
	Account   crypto.Address
	Amount    *big.Int
	NewAmount *big.Int
	Settled   *big.Int
	At        uint64
}

// EventType satisfies the Event interface.
func (Staked) EventType() string { return TypeStaked }

// Event converts the structured payload into a broadcastable event.
func (e Staked) Event() *types.Event {
	attrs := map[string]string{
		"addr":      e.Account.String(),
		"amount":    formatAmount(e.Amount),
		"newAmount": formatAmount(e.NewAmount),
	}
	if e.Settled != nil && e.Settled.Sign() > 0 {
		attrs["settled"] = e.Settled.String()
	}
	return &types.Event{Type: TypeStaked, Timestamp: int64(e.At), Attributes: attrs}
}

// Unstaked captures principal leaving an account and the reward paid with it.
type Unstaked struct {
	Account   crypto.Address
	Amount    *big.Int
	NewAmount *big.Int
	Reward    *big.Int
	Shortfall *big.Int
	At        uint64
}

// EventType satisfies the Event interface.
func (Unstaked) EventType() string { return TypeUnstaked }

// Event converts the structured payload into a broadcastable event.
func (e Unstaked) Event() *types.Event {
	attrs := map[string]string{
		"addr":      e.Account.String(),
		"amount":    formatAmount(e.Amount),
		"newAmount": formatAmount(e.NewAmount),
		"reward":    formatAmount(e.Reward),
	}
	addShortfall(attrs, e.Shortfall)
	return &types.Event{Type: TypeUnstaked, Timestamp: int64(e.At), Attributes: attrs}
}

// RewardsClaimed captures a reward-only payout.
type RewardsClaimed struct {
	Account   crypto.Address
	Reward    *big.Int
	Shortfall *big.Int
	At        uint64
}

// EventType satisfies the Event interface.
func (RewardsClaimed) EventType() string { return TypeRewardsClaimed }

// Event converts the structured payload into a broadcastable event.
func (e RewardsClaimed) Event() *types.Event {
	attrs := map[string]string{
		"addr":   e.Account.String(),
		"reward": formatAmount(e.Reward),
	}
	addShortfall(attrs, e.Shortfall)
	return &types.Event{Type: TypeRewardsClaimed, Timestamp: int64(e.At), Attributes: attrs}
}

// RewardRateUpdated captures an owner rate change and the boundary it opened.
type RewardRateUpdated struct {
	Owner   crypto.Address
	OldRate *big.Int
	NewRate *big.Int
	At      uint64
}

// EventType satisfies the Event interface.
func (RewardRateUpdated) EventType() string { return TypeRewardRateUpdated }

// Event converts the structured payload into a broadcastable event.
func (e RewardRateUpdated) Event() *types.Event {
	return &types.Event{Type: TypeRewardRateUpdated, Timestamp: int64(e.At), Attributes: map[string]string{
		"addr":    e.Owner.String(),
		"oldRate": formatAmount(e.OldRate),
		"newRate": formatAmount(e.NewRate),
		"start":   strconv.FormatUint(e.At, 10),
	}}
}

// ExcessWithdrawn captures the owner pulling unused funds out of the pool.
type ExcessWithdrawn struct {
	Owner       crypto.Address
	Amount      *big.Int
	PoolBalance *big.Int
	At          uint64
}

// EventType satisfies the Event interface.
func (ExcessWithdrawn) EventType() string { return TypeExcessWithdrawn }

// Event converts the structured payload into a broadcastable event.
func (e ExcessWithdrawn) Event() *types.Event {
	return &types.Event{Type: TypeExcessWithdrawn, Timestamp: int64(e.At), Attributes: map[string]string{
		"addr":        e.Owner.String(),
		"amount":      formatAmount(e.Amount),
		"poolBalance": formatAmount(e.PoolBalance),
	}}
}

// PauseToggled captures the owner switching the pause guard.
type PauseToggled struct {
	Owner  crypto.Address
	Paused bool
	At     uint64
}

// EventType satisfies the Event interface.
func (PauseToggled) EventType() string { return TypePauseToggled }

// Event converts the structured payload into a broadcastable event.
func (e PauseToggled) Event() *types.Event {
	return &types.Event{Type: TypePauseToggled, Timestamp: int64(e.At), Attributes: map[string]string{
		"addr":   e.Owner.String(),
		"paused": strconv.FormatBool(e.Paused),
	}}
}

func addShortfall(attrs map[string]string, shortfall *big.Int) {
	if shortfall != nil && shortfall.Sign() > 0 {
		attrs["shortfall"] = shortfall.String()
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
