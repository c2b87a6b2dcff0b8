package dispenser

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrValidation indicates that settings input is non-numeric or out of range.
	ErrValidation = errors.New("dispenser: invalid settings")
	// ErrAuthorization indicates that the confirmation phrase did not match.
	ErrAuthorization = errors.New("dispenser: confirmation phrase is incorrect")
)

const (
	defaultConsumptionLimit     = 2
	defaultCycleDurationSeconds = 24 * 60 * 60
	defaultPenaltyMultiplier    = 1.5

	// MaxCycleDurationSeconds caps a cycle at one leap year.
	MaxCycleDurationSeconds = 366 * 24 * 60 * 60
	// MaxPenaltyMultiplier caps how far a punitive lockout may extend past the cycle start.
	MaxPenaltyMultiplier = 100.0
)

// Settings holds the operator-controlled limits of the device.
type Settings struct {
	ConsumptionLimit     int64
	CycleDurationSeconds int64
	PenaltyMultiplier    float64
}

// DefaultSettings returns the limits a freshly created device starts with.
func DefaultSettings() Settings {
	return Settings{
		ConsumptionLimit:     defaultConsumptionLimit,
		CycleDurationSeconds: defaultCycleDurationSeconds,
		PenaltyMultiplier:    defaultPenaltyMultiplier,
	}
}

// Validate checks that every limit is usable by the cycle engine and lockout policy.
func (s Settings) Validate() error {
	if s.ConsumptionLimit <= 0 {
		return fmt.Errorf("%w: consumption limit must be a positive integer", ErrValidation)
	}
	if s.CycleDurationSeconds <= 0 {
		return fmt.Errorf("%w: cycle duration must be a positive integer", ErrValidation)
	}
	if s.CycleDurationSeconds > MaxCycleDurationSeconds {
		return fmt.Errorf("%w: cycle duration must not exceed %d seconds", ErrValidation, MaxCycleDurationSeconds)
	}
	if math.IsNaN(s.PenaltyMultiplier) || math.IsInf(s.PenaltyMultiplier, 0) || s.PenaltyMultiplier < 1 {
		return fmt.Errorf("%w: penalty multiplier must be at least 1.0", ErrValidation)
	}
	if s.PenaltyMultiplier > MaxPenaltyMultiplier {
		return fmt.Errorf("%w: penalty multiplier must not exceed %g", ErrValidation, MaxPenaltyMultiplier)
	}
	return nil
}

// SettingsUpdate is a validated request to change the device limits.
// A nil PenaltyMultiplier keeps the current value.
type SettingsUpdate struct {
	ConsumptionLimit     int64
	CycleDurationSeconds int64
	PenaltyMultiplier    *float64
}

// SettingsInput carries raw dashboard form values before validation.
type SettingsInput struct {
	ConsumptionLimit  string
	CycleDuration     string
	PenaltyMultiplier string
}

// ParseSettingsUpdate converts raw dashboard values into a SettingsUpdate.
func ParseSettingsUpdate(input SettingsInput) (SettingsUpdate, error) {
	limit, err := parsePositiveInteger(input.ConsumptionLimit, "consumption limit")
	if err != nil {
		return SettingsUpdate{}, err
	}
	duration, err := parsePositiveInteger(input.CycleDuration, "cycle duration")
	if err != nil {
		return SettingsUpdate{}, err
	}

	update := SettingsUpdate{
		ConsumptionLimit:     limit,
		CycleDurationSeconds: duration,
	}

	if raw := strings.TrimSpace(input.PenaltyMultiplier); raw != "" {
		multiplier, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr != nil {
			return SettingsUpdate{}, fmt.Errorf("%w: penalty multiplier must be a number", ErrValidation)
		}
		update.PenaltyMultiplier = &multiplier
	}

	return update, nil
}

func parsePositiveInteger(raw, field string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a whole number", ErrValidation, field)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", ErrValidation, field)
	}
	return value, nil
}

// applyTo returns the settings that result from applying the update to current.
func (u SettingsUpdate) applyTo(current Settings) Settings {
	next := Settings{
		ConsumptionLimit:     u.ConsumptionLimit,
		CycleDurationSeconds: u.CycleDurationSeconds,
		PenaltyMultiplier:    current.PenaltyMultiplier,
	}
	if u.PenaltyMultiplier != nil {
		next.PenaltyMultiplier = *u.PenaltyMultiplier
	}
	return next
}

func settingsOf(state State) Settings {
	return Settings{
		ConsumptionLimit:     state.ConsumptionLimit,
		CycleDurationSeconds: state.CycleDurationSeconds,
		PenaltyMultiplier:    state.PenaltyMultiplier,
	}
}
