package dispenser

import "time"

const humanTimeLayout = "01/02/2006, 03:04:05 PM"

// Status is the dashboard view of the device, broadcast on every state change.
type Status struct {
	AddedCount        int64   `json:"added_count"`
	ConsumptionCount  int64   `json:"consumption_count"`
	InventoryCount    int64   `json:"inventory_count"`
	LockStatus        bool    `json:"lock_status"`
	LidStatus         bool    `json:"lid_status"`
	LockoutRemaining  int64   `json:"lockout_remaining"`
	LockoutTimer      int64   `json:"lockout_timer"`
	ConsumptionLimit  int64   `json:"consumption_limit"`
	CycleDuration     int64   `json:"cycle_duration"`
	PenaltyMultiplier float64 `json:"penalty_multiplier"`
	CycleEndTime      string  `json:"cycle_end_time"`
	CycleEndTimeISO   string  `json:"cycle_end_time_iso"`
	CycleStartTime    string  `json:"cycle_start_time"`
	CurrentStreak     int64   `json:"current_streak"`
	HighestStreak     int64   `json:"highest_streak"`

	// Revision orders snapshots taken by one Service. Later snapshots carry
	// a higher value; zero means unordered.
	Revision uint64 `json:"-"`
}

// NewStatus renders the state as seen at now. Human-readable times use location.
func NewStatus(state State, now time.Time, location *time.Location) Status {
	if location == nil {
		location = time.UTC
	}
	remaining := LockoutRemaining(state, now)
	return Status{
		AddedCount:        state.AddedCount,
		ConsumptionCount:  state.ConsumptionCount,
		InventoryCount:    state.InventoryCount,
		LockStatus:        state.LockStatus,
		LidStatus:         state.LidStatus,
		LockoutRemaining:  remaining,
		LockoutTimer:      remaining,
		ConsumptionLimit:  state.ConsumptionLimit,
		CycleDuration:     state.CycleDurationSeconds,
		PenaltyMultiplier: state.PenaltyMultiplier,
		CycleEndTime:      state.CycleEndTime.In(location).Format(humanTimeLayout),
		CycleEndTimeISO:   state.CycleEndTime.UTC().Format(time.RFC3339),
		CycleStartTime:    state.CycleStartTime.UTC().Format(time.RFC3339),
		CurrentStreak:     state.CurrentStreak,
		HighestStreak:     state.HighestStreak,
	}
}

// HistoryEntry is one completed cycle in the history view.
type HistoryEntry struct {
	CycleStart       string `json:"cycle_start"`
	CycleEnd         string `json:"cycle_end"`
	Count            int64  `json:"count"`
	LimitExceeded    bool   `json:"limit_exceeded"`
	ConsumptionLimit int64  `json:"consumption_limit"`
}

// History lists recent completed cycles, newest first, with the streak summary.
type History struct {
	Entries                 []HistoryEntry `json:"history"`
	CurrentStreak           int64          `json:"current_streak"`
	HighestStreak           int64          `json:"highest_streak"`
	CurrentConsumptionLimit int64          `json:"current_consumption_limit"`
}

func newHistory(state State, entries []LogEntry) History {
	history := History{
		Entries:                 make([]HistoryEntry, 0, len(entries)),
		CurrentStreak:           state.CurrentStreak,
		HighestStreak:           state.HighestStreak,
		CurrentConsumptionLimit: state.ConsumptionLimit,
	}
	for _, entry := range entries {
		history.Entries = append(history.Entries, HistoryEntry{
			CycleStart:       entry.CycleStart.UTC().Format(time.RFC3339),
			CycleEnd:         entry.CycleEnd.UTC().Format(time.RFC3339),
			Count:            entry.Count,
			LimitExceeded:    entry.LimitExceeded,
			ConsumptionLimit: entry.ConsumptionLimit,
		})
	}
	return history
}
