package dispenser

import (
	"testing"
	"time"
)

func TestApplyDeltaCreatesThenMerges(t *testing.T) {
	delta := LogDelta{
		CycleStart:       cycleEpoch,
		CycleEnd:         cycleEpoch.Add(time.Hour),
		Delta:            1,
		ConsumptionLimit: 2,
	}

	created := applyDelta(nil, delta, "entry-1")
	if created.EntryID != "entry-1" || created.Count != 1 || created.LimitExceeded {
		t.Fatalf("unexpected created entry %#v", created)
	}

	delta.Delta = 2
	merged := applyDelta(&created, delta, "ignored")
	if merged.EntryID != "entry-1" {
		t.Fatalf("merge must keep the entry id, got %s", merged.EntryID)
	}
	if merged.Count != 3 || !merged.LimitExceeded {
		t.Fatalf("expected count 3 exceeding limit 2, got %#v", merged)
	}
}

func TestApplyDeltaKeepsCapturedLimit(t *testing.T) {
	entry := LogEntry{EntryID: "entry-1", CycleStart: cycleEpoch, Count: 2, ConsumptionLimit: 2}
	merged := applyDelta(&entry, LogDelta{CycleStart: cycleEpoch, Delta: 1, ConsumptionLimit: 5}, "")
	if merged.ConsumptionLimit != 2 {
		t.Fatalf("captured limit must not change, got %d", merged.ConsumptionLimit)
	}
	if merged.LimitExceeded {
		t.Fatalf("exceeded flag must follow the current limit of 5")
	}
}

func TestApplyClosureFinalizesEntry(t *testing.T) {
	closure := LogClosure{
		CycleStart:       cycleEpoch,
		CycleEnd:         cycleEpoch.Add(time.Hour),
		Count:            4,
		ConsumptionLimit: 3,
		LimitExceeded:    true,
	}

	entry := LogEntry{EntryID: "entry-1", CycleStart: cycleEpoch, Count: 2}
	closed := applyClosure(&entry, closure, "")
	if !closed.Closed || closed.Count != 4 || !closed.LimitExceeded {
		t.Fatalf("unexpected closed entry %#v", closed)
	}
	if closed.ConsumptionLimit != 3 {
		t.Fatalf("missing limit must be backfilled from the closure, got %d", closed.ConsumptionLimit)
	}

	created := applyClosure(nil, closure, "entry-2")
	if created.EntryID != "entry-2" || !created.Closed || created.Count != 4 {
		t.Fatalf("closure must create an absent entry, got %#v", created)
	}
}
