package dispenser

import "time"

// Rollover describes a completed cycle.
type Rollover struct {
	Closure LogClosure
}

// AdvanceIfExpired closes the current cycle when now has reached its end time.
// It updates the streak, starts a new cycle at now and returns the ledger closure
// for the cycle that ended. The second return value is false when the cycle is still open.
func AdvanceIfExpired(state *State, now time.Time) (Rollover, bool) {
	if now.Before(state.CycleEndTime) {
		return Rollover{}, false
	}

	exceeded := state.ConsumptionCount > state.ConsumptionLimit
	updateStreak(state, exceeded)

	rollover := Rollover{
		Closure: LogClosure{
			CycleStart:       state.CycleStartTime,
			CycleEnd:         state.CycleEndTime,
			Count:            state.ConsumptionCount,
			ConsumptionLimit: state.ConsumptionLimit,
			LimitExceeded:    exceeded,
		},
	}

	state.startCycle(now)
	return rollover, true
}

func updateStreak(state *State, exceeded bool) {
	if exceeded {
		state.CurrentStreak = 0
		return
	}
	state.CurrentStreak++
	if state.CurrentStreak > state.HighestStreak {
		state.HighestStreak = state.CurrentStreak
	}
}
