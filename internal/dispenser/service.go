package dispenser

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

// Broadcaster fans status snapshots out to dashboard observers. Publish must not block.
type Broadcaster interface {
	Publish(status Status)
}

// MetricsRecorder observes state machine outcomes.
type MetricsRecorder interface {
	ObserveAction(action Action)
	ObserveRollover(limitExceeded bool)
	ObserveReset()
	ObserveStatus(status Status)
}

// ServiceConfig describes the dependencies of the device service.
type ServiceConfig struct {
	Store              Store
	Clock              func() time.Time
	Broadcaster        Broadcaster
	Metrics            MetricsRecorder
	Logger             *zap.Logger
	Defaults           Settings
	ConfirmationPhrase string
	DisplayLocation    *time.Location
}

// Service owns the in-memory device state and serializes every read-decide-write
// against it. The durable store is written through on each mutation.
type Service struct {
	store       Store
	clock       func() time.Time
	broadcaster Broadcaster
	metrics     MetricsRecorder
	logger      *zap.Logger
	defaults    Settings
	phrase      string
	location    *time.Location

	mu           sync.Mutex
	loaded       bool
	state        State
	resetPending bool
	revision     uint64
}

// NewService validates the configuration and returns a service. State is loaded on first use.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissing, ErrMissingStore)
	}

	defaults := cfg.Defaults
	if defaults == (Settings{}) {
		defaults = DefaultSettings()
	}
	if err := defaults.Validate(); err != nil {
		return nil, newServiceError(opServiceNew, reasonInvalid, err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	location := cfg.DisplayLocation
	if location == nil {
		location = time.UTC
	}

	return &Service{
		store:       cfg.Store,
		clock:       clock,
		broadcaster: cfg.Broadcaster,
		metrics:     cfg.Metrics,
		logger:      logger,
		defaults:    defaults,
		phrase:      cfg.ConfirmationPhrase,
		location:    location,
		revision:    1,
	}, nil
}

// Ingest processes one complete hardware report and returns the reply for the device.
func (s *Service) Ingest(ctx context.Context, report Report) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, err := s.loadLocked(ctx, now, opIngest)
	if err != nil {
		return ActionNone, err
	}

	next := current
	rollover, rolled := AdvanceIfExpired(&next, now)
	if rolled || s.resetPending {
		return s.deliverResetLocked(ctx, next, rollover, rolled, opIngest)
	}

	mutation := Mutation{}
	previousConsumption := next.ConsumptionCount
	next.AddedCount = report.AddedCount
	next.ConsumptionCount = report.ConsumptionCount
	next.InventoryCount = report.InventoryCount
	next.LockStatus = report.LockState
	next.LidStatus = report.LidClosed

	DecayLockout(&next, now)

	if next.ConsumptionCount > previousConsumption {
		mutation.Delta = &LogDelta{
			CycleStart:       next.CycleStartTime,
			CycleEnd:         next.CycleEndTime,
			Delta:            next.ConsumptionCount - previousConsumption,
			ConsumptionLimit: next.ConsumptionLimit,
		}
	}

	action := EvaluateLockout(&next, now)

	mutation.State = next
	if err := s.commitLocked(ctx, mutation, opIngest); err != nil {
		return ActionNone, err
	}
	s.publishLocked(now)
	s.observeAction(action)
	return action, nil
}

// Heartbeat handles a device message that carried no usable report. The cycle
// engine still runs and a pending reset is still delivered.
func (s *Service) Heartbeat(ctx context.Context) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, err := s.loadLocked(ctx, now, opHeartbeat)
	if err != nil {
		return ActionNone, err
	}

	next := current
	rollover, rolled := AdvanceIfExpired(&next, now)
	if rolled || s.resetPending {
		return s.deliverResetLocked(ctx, next, rollover, rolled, opHeartbeat)
	}
	s.observeAction(ActionNone)
	return ActionNone, nil
}

// Sweep runs the cycle engine without a device report. A rollover leaves a reset
// pending for the next device message. It reports whether a rollover happened.
func (s *Service) Sweep(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, err := s.loadLocked(ctx, now, opSweep)
	if err != nil {
		return false, err
	}

	next := current
	rollover, rolled := AdvanceIfExpired(&next, now)
	if !rolled {
		return false, nil
	}
	if err := s.commitLocked(ctx, Mutation{State: next, Closure: &rollover.Closure}, opSweep); err != nil {
		return false, err
	}
	s.resetPending = true
	s.observeRollover(rollover)
	s.publishLocked(now)
	return true, nil
}

// ApplySettings authorizes the confirmation phrase, then parses and applies raw dashboard input.
func (s *Service) ApplySettings(ctx context.Context, phrase string, input SettingsInput) (Status, error) {
	if err := s.authorize(phrase); err != nil {
		return Status{}, newServiceError(opUpdateSettings, reasonPhrase, err)
	}
	update, err := ParseSettingsUpdate(input)
	if err != nil {
		return Status{}, newServiceError(opUpdateSettings, reasonInvalid, err)
	}
	return s.UpdateSettings(ctx, phrase, update)
}

// UpdateSettings changes the limit, cycle duration and optionally the penalty multiplier.
// The current cycle keeps its start time; its end time follows the new duration.
func (s *Service) UpdateSettings(ctx context.Context, phrase string, update SettingsUpdate) (Status, error) {
	if err := s.authorize(phrase); err != nil {
		return Status{}, newServiceError(opUpdateSettings, reasonPhrase, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, err := s.loadLocked(ctx, now, opUpdateSettings)
	if err != nil {
		return Status{}, err
	}

	settings := update.applyTo(settingsOf(current))
	if err := settings.Validate(); err != nil {
		return Status{}, newServiceError(opUpdateSettings, reasonInvalid, err)
	}

	next := current
	next.ConsumptionLimit = settings.ConsumptionLimit
	next.CycleDurationSeconds = settings.CycleDurationSeconds
	next.PenaltyMultiplier = settings.PenaltyMultiplier
	next.CycleEndTime = next.CycleStartTime.Add(next.CycleDuration())

	if err := s.commitLocked(ctx, Mutation{State: next}, opUpdateSettings); err != nil {
		return Status{}, err
	}
	s.logger.Info("device settings updated",
		zap.Int64("consumption_limit", next.ConsumptionLimit),
		zap.Int64("cycle_duration_s", next.CycleDurationSeconds),
		zap.Float64("penalty_multiplier", next.PenaltyMultiplier))
	return s.publishLocked(now), nil
}

// Reset restarts the cycle at now with zeroed counters and no lockout, keeping
// streaks and settings, and leaves a reset pending for the device.
func (s *Service) Reset(ctx context.Context, phrase string) (Status, error) {
	if err := s.authorize(phrase); err != nil {
		return Status{}, newServiceError(opReset, reasonPhrase, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, err := s.loadLocked(ctx, now, opReset)
	if err != nil {
		return Status{}, err
	}

	mutation := Mutation{}
	if current.ConsumptionCount > 0 {
		mutation.Closure = &LogClosure{
			CycleStart:       current.CycleStartTime,
			CycleEnd:         now,
			Count:            current.ConsumptionCount,
			ConsumptionLimit: current.ConsumptionLimit,
			LimitExceeded:    current.ConsumptionCount > current.ConsumptionLimit,
		}
	}

	next := current
	next.startCycle(now)
	mutation.State = next

	if err := s.commitLocked(ctx, mutation, opReset); err != nil {
		return Status{}, err
	}
	s.resetPending = true
	if s.metrics != nil {
		s.metrics.ObserveReset()
	}
	s.logger.Info("device reset requested", zap.Time("cycle_start", now))
	return s.publishLocked(now), nil
}

// Status returns the current dashboard view.
func (s *Service) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, err := s.loadLocked(ctx, now, opStatus)
	if err != nil {
		return Status{}, err
	}
	status := NewStatus(current, now, s.location)
	status.Revision = s.revision
	return status, nil
}

// History returns the most recent completed cycles, newest first.
func (s *Service) History(ctx context.Context) (History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, err := s.loadLocked(ctx, now, opHistory)
	if err != nil {
		return History{}, err
	}
	entries, err := s.store.RecentClosedEntries(ctx, maxHistoryLength)
	if err != nil {
		s.logError(opHistory, reasonQueryFailed, err)
		return History{}, newServiceError(opHistory, reasonQueryFailed, err)
	}
	return newHistory(current, entries), nil
}

// ResetPending reports whether a reset is waiting to be delivered to the device.
func (s *Service) ResetPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetPending
}

// deliverResetLocked commits a rollover when one happened and consumes the
// pending reset slot. Normal report processing is skipped.
func (s *Service) deliverResetLocked(ctx context.Context, next State, rollover Rollover, rolled bool, operation string) (Action, error) {
	now := s.now()
	if rolled {
		if err := s.commitLocked(ctx, Mutation{State: next, Closure: &rollover.Closure}, operation); err != nil {
			return ActionNone, err
		}
		s.observeRollover(rollover)
		s.publishLocked(now)
	}
	s.resetPending = false
	s.observeAction(ActionReset)
	return ActionReset, nil
}

func (s *Service) loadLocked(ctx context.Context, now time.Time, operation string) (State, error) {
	if s.loaded {
		return s.state, nil
	}
	state, err := s.store.LoadOrCreate(ctx, s.defaults, now)
	if err != nil {
		s.logError(operation, reasonLoadFailed, err)
		return State{}, newServiceError(operation, reasonLoadFailed, err)
	}
	s.state = normalizeTimes(state)
	s.loaded = true
	return s.state, nil
}

func (s *Service) commitLocked(ctx context.Context, mutation Mutation, operation string) error {
	if err := s.store.Commit(ctx, mutation); err != nil {
		s.logError(operation, reasonCommit, err)
		return newServiceError(operation, reasonCommit, err)
	}
	s.state = mutation.State
	return nil
}

func (s *Service) publishLocked(now time.Time) Status {
	s.revision++
	status := NewStatus(s.state, now, s.location)
	status.Revision = s.revision
	if s.broadcaster != nil {
		s.broadcaster.Publish(status)
	}
	if s.metrics != nil {
		s.metrics.ObserveStatus(status)
	}
	return status
}

func (s *Service) authorize(phrase string) error {
	if s.phrase == "" || subtle.ConstantTimeCompare([]byte(phrase), []byte(s.phrase)) != 1 {
		return ErrAuthorization
	}
	return nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) observeAction(action Action) {
	if s.metrics != nil {
		s.metrics.ObserveAction(action)
	}
}

func (s *Service) observeRollover(rollover Rollover) {
	if s.metrics != nil {
		s.metrics.ObserveRollover(rollover.Closure.LimitExceeded)
	}
	s.logger.Info("consumption cycle closed",
		zap.Time("cycle_start", rollover.Closure.CycleStart),
		zap.Int64("count", rollover.Closure.Count),
		zap.Bool("limit_exceeded", rollover.Closure.LimitExceeded))
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("dispenser service error", attrs...)
}

func normalizeTimes(state State) State {
	state.CycleStartTime = state.CycleStartTime.UTC()
	state.CycleEndTime = state.CycleEndTime.UTC()
	if state.LockoutEndTime != nil {
		end := state.LockoutEndTime.UTC()
		state.LockoutEndTime = &end
	}
	return state
}
