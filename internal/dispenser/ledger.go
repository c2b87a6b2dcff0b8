package dispenser

// applyDelta merges newly observed consumption into the cycle's ledger entry.
// A nil entry means this is the first consumption of the cycle.
// The entry keeps the limit captured at creation; the exceeded flag follows the current limit.
func applyDelta(entry *LogEntry, delta LogDelta, entryID string) LogEntry {
	if entry == nil {
		created := LogEntry{
			EntryID:          entryID,
			CycleStart:       delta.CycleStart,
			CycleEnd:         delta.CycleEnd,
			Count:            delta.Delta,
			ConsumptionLimit: delta.ConsumptionLimit,
		}
		created.LimitExceeded = created.Count > delta.ConsumptionLimit
		return created
	}

	updated := *entry
	updated.Count += delta.Delta
	updated.LimitExceeded = updated.Count > delta.ConsumptionLimit
	return updated
}

// applyClosure finalizes the ledger entry of an ended cycle, creating it when the
// cycle saw no consumption.
func applyClosure(entry *LogEntry, closure LogClosure, entryID string) LogEntry {
	if entry == nil {
		return LogEntry{
			EntryID:          entryID,
			CycleStart:       closure.CycleStart,
			CycleEnd:         closure.CycleEnd,
			Count:            closure.Count,
			ConsumptionLimit: closure.ConsumptionLimit,
			LimitExceeded:    closure.LimitExceeded,
			Closed:           true,
		}
	}

	updated := *entry
	updated.CycleEnd = closure.CycleEnd
	updated.Count = closure.Count
	updated.LimitExceeded = closure.LimitExceeded
	updated.Closed = true
	if updated.ConsumptionLimit == 0 {
		updated.ConsumptionLimit = closure.ConsumptionLimit
	}
	return updated
}
