package dispenser

import (
	"math"
	"time"
)

// EvaluateLockout decides whether the device must refuse dispensing after counters
// have been merged. A lockout end time, once set, is kept until it expires or the cycle rolls over.
func EvaluateLockout(state *State, now time.Time) Action {
	if state.LidStatus && state.ConsumptionCount >= state.ConsumptionLimit {
		if state.LockoutEndTime == nil {
			end := lockoutTarget(*state)
			state.LockoutEndTime = &end
		}
		state.LockoutRemainingSeconds = remainingSeconds(*state.LockoutEndTime, now)
		return ActionLock
	}

	if state.LockoutRemainingSeconds >= 1 {
		return ActionLock
	}

	state.clearLockout()
	return ActionUnlock
}

// DecayLockout recomputes the remaining lockout against now, clearing the end time once it elapses.
func DecayLockout(state *State, now time.Time) {
	if state.LockoutRemainingSeconds < 1 || state.LockoutEndTime == nil {
		state.clearLockout()
		return
	}
	state.LockoutRemainingSeconds = remainingSeconds(*state.LockoutEndTime, now)
	if state.LockoutRemainingSeconds == 0 {
		state.LockoutEndTime = nil
	}
}

// LockoutRemaining returns the seconds left on the active lockout at now without mutating state.
func LockoutRemaining(state State, now time.Time) int64 {
	if state.LockoutEndTime == nil {
		return 0
	}
	return remainingSeconds(*state.LockoutEndTime, now)
}

// lockoutTarget anchors punitive lockouts to the cycle start; reaching the limit
// exactly only locks until the cycle ends.
func lockoutTarget(state State) time.Time {
	penalty := state.ConsumptionCount - state.ConsumptionLimit
	if penalty < 1 {
		return state.CycleEndTime
	}
	extended := float64(state.CycleDurationSeconds) * state.PenaltyMultiplier
	return state.CycleStartTime.Add(time.Duration(math.Round(extended * float64(time.Second))))
}

func remainingSeconds(end, now time.Time) int64 {
	remaining := int64(end.Sub(now) / time.Second)
	if remaining < 0 {
		return 0
	}
	return remaining
}
