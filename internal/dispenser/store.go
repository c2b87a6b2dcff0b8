package dispenser

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryCycleStart  = "cycle_start = ?"
	queryClosed      = "closed = ?"
	orderCycleDesc   = "cycle_start DESC"
	maxHistoryLength = 30
)

// Store persists the device state and its consumption ledger.
type Store interface {
	// LoadOrCreate returns the singleton device state, creating it with a fresh
	// cycle starting at now when absent.
	LoadOrCreate(ctx context.Context, defaults Settings, now time.Time) (State, error)
	// Commit writes the mutation atomically.
	Commit(ctx context.Context, mutation Mutation) error
	// RecentClosedEntries returns completed cycles, newest first.
	RecentClosedEntries(ctx context.Context, limit int) ([]LogEntry, error)
}

// IDProvider issues ledger entry identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// GormStore implements Store on top of a GORM database handle.
type GormStore struct {
	db         *gorm.DB
	idProvider IDProvider
}

// NewGormStore constructs a GORM-backed store.
func NewGormStore(db *gorm.DB, idProvider IDProvider) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if idProvider == nil {
		return nil, errMissingIDProvider
	}
	return &GormStore{db: db, idProvider: idProvider}, nil
}

func (s *GormStore) LoadOrCreate(ctx context.Context, defaults Settings, now time.Time) (State, error) {
	var state State
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", deviceStateID).Limit(1).Find(&state)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
		state = newState(defaults, now)
		return tx.Create(&state).Error
	})
	if err != nil {
		return State{}, err
	}
	return state, nil
}

func (s *GormStore) Commit(ctx context.Context, mutation Mutation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state := mutation.State
		state.ID = deviceStateID
		if err := tx.Save(&state).Error; err != nil {
			return err
		}

		if mutation.Closure != nil {
			existing, err := s.findEntry(tx, mutation.Closure.CycleStart)
			if err != nil {
				return err
			}
			entryID, err := s.entryID(existing)
			if err != nil {
				return err
			}
			closed := applyClosure(existing, *mutation.Closure, entryID)
			if err := saveEntry(tx, &closed, existing == nil); err != nil {
				return err
			}
		}

		if mutation.Delta != nil {
			existing, err := s.findEntry(tx, mutation.Delta.CycleStart)
			if err != nil {
				return err
			}
			entryID, err := s.entryID(existing)
			if err != nil {
				return err
			}
			merged := applyDelta(existing, *mutation.Delta, entryID)
			if err := saveEntry(tx, &merged, existing == nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) RecentClosedEntries(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 || limit > maxHistoryLength {
		limit = maxHistoryLength
	}
	var entries []LogEntry
	if err := s.db.WithContext(ctx).
		Where(queryClosed, true).
		Order(orderCycleDesc).
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *GormStore) findEntry(tx *gorm.DB, cycleStart time.Time) (*LogEntry, error) {
	var entry LogEntry
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryCycleStart, cycleStart).
		Limit(1).
		Find(&entry)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &entry, nil
}

func saveEntry(tx *gorm.DB, entry *LogEntry, create bool) error {
	if create {
		return tx.Create(entry).Error
	}
	return tx.Save(entry).Error
}

func (s *GormStore) entryID(existing *LogEntry) (string, error) {
	if existing != nil {
		return existing.EntryID, nil
	}
	return s.idProvider.NewID()
}
