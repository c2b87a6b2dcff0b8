package dispenser

import (
	"time"
)

// deviceStateID pins the singleton device row.
const deviceStateID uint = 1

// State is the persisted record of the device's current cycle, counters, lock status and streak.
type State struct {
	ID                      uint       `gorm:"column:id;primaryKey"`
	AddedCount              int64      `gorm:"column:added_count;not null;default:0"`
	ConsumptionCount        int64      `gorm:"column:consumption_count;not null;default:0"`
	InventoryCount          int64      `gorm:"column:inventory_count;not null;default:0"`
	LockStatus              bool       `gorm:"column:lock_status;not null;default:false"`
	LidStatus               bool       `gorm:"column:lid_status;not null;default:false"`
	ConsumptionLimit        int64      `gorm:"column:consumption_limit;not null"`
	CycleDurationSeconds    int64      `gorm:"column:cycle_duration;not null"`
	PenaltyMultiplier       float64    `gorm:"column:penalty_multiplier;not null"`
	CycleStartTime          time.Time  `gorm:"column:cycle_start_time;not null"`
	CycleEndTime            time.Time  `gorm:"column:cycle_end_time;not null"`
	LockoutEndTime          *time.Time `gorm:"column:lockout_end_time"`
	LockoutRemainingSeconds int64      `gorm:"column:lockout_remaining;not null;default:0"`
	CurrentStreak           int64      `gorm:"column:current_streak;not null;default:0"`
	HighestStreak           int64      `gorm:"column:highest_streak;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (State) TableName() string {
	return "device_states"
}

// CycleDuration returns the nominal cycle length.
func (s State) CycleDuration() time.Duration {
	return time.Duration(s.CycleDurationSeconds) * time.Second
}

// LockoutActive reports whether a lockout end time is set.
func (s State) LockoutActive() bool {
	return s.LockoutEndTime != nil
}

// newState builds a fresh device record whose cycle starts at now.
func newState(settings Settings, now time.Time) State {
	state := State{
		ID:                   deviceStateID,
		ConsumptionLimit:     settings.ConsumptionLimit,
		CycleDurationSeconds: settings.CycleDurationSeconds,
		PenaltyMultiplier:    settings.PenaltyMultiplier,
	}
	state.startCycle(now)
	return state
}

// startCycle restarts the accounting window at now and clears counters and lockout.
// Streak and settings are preserved.
func (s *State) startCycle(now time.Time) {
	s.CycleStartTime = now
	s.CycleEndTime = now.Add(s.CycleDuration())
	s.ConsumptionCount = 0
	s.AddedCount = 0
	s.LockStatus = false
	s.clearLockout()
}

func (s *State) clearLockout() {
	s.LockoutEndTime = nil
	s.LockoutRemainingSeconds = 0
}

// LogEntry is the consumption ledger row for one cycle, keyed by its start time.
type LogEntry struct {
	EntryID          string    `gorm:"column:entry_id;primaryKey;size:64;not null"`
	CycleStart       time.Time `gorm:"column:cycle_start;not null;uniqueIndex:idx_consumption_logs_cycle_start"`
	CycleEnd         time.Time `gorm:"column:cycle_end;not null"`
	Count            int64     `gorm:"column:count;not null;default:0"`
	ConsumptionLimit int64     `gorm:"column:consumption_limit;not null;default:0"`
	LimitExceeded    bool      `gorm:"column:limit_exceeded;not null;default:false"`
	Closed           bool      `gorm:"column:closed;not null;default:false;index:idx_consumption_logs_closed"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (LogEntry) TableName() string {
	return "consumption_logs"
}

// Action is the instruction returned to the hardware controller.
type Action string

const (
	ActionLock   Action = "lock"
	ActionUnlock Action = "unlock"
	ActionReset  Action = "reset"
	ActionNone   Action = "none"
)

// Report is one hardware status message. Counters are cumulative since the
// controller's last reset.
type Report struct {
	AddedCount       int64
	ConsumptionCount int64
	InventoryCount   int64
	LockState        bool
	LidClosed        bool
}

// LogClosure finalizes the ledger entry of a cycle that just ended.
type LogClosure struct {
	CycleStart       time.Time
	CycleEnd         time.Time
	Count            int64
	ConsumptionLimit int64
	LimitExceeded    bool
}

// LogDelta merges consumption observed since the previous report into the open cycle's entry.
type LogDelta struct {
	CycleStart       time.Time
	CycleEnd         time.Time
	Delta            int64
	ConsumptionLimit int64
}

// Mutation is the unit of durable change: the full state plus any ledger work, committed together.
type Mutation struct {
	State   State
	Closure *LogClosure
	Delta   *LogDelta
}
