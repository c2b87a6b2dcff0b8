package hardware

import (
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/dispenser"
)

var (
	// ErrMalformedReport indicates a device message that is not valid JSON.
	ErrMalformedReport = errors.New("hardware: malformed report")
	// ErrIncompleteReport indicates well-formed JSON that lacks a usable report.
	ErrIncompleteReport = errors.New("hardware: incomplete report")
)

// wireReport mirrors the controller firmware's status message.
type wireReport struct {
	TotalAddCount *int64 `json:"totalAddCount"`
	TotalRemCount *int64 `json:"totalRemCount"`
	DrinkCount    *int64 `json:"drinkCount"`
	LockState     *bool  `json:"lockState"`
	LidClosed     *bool  `json:"lidClosed"`
}

// Reply is the single message sent back for every device message.
type Reply struct {
	Action dispenser.Action `json:"action"`
}

// DecodeReport parses one device message. Every field must be present and
// every counter non-negative for the message to count as a report.
func DecodeReport(payload []byte) (dispenser.Report, error) {
	var wire wireReport
	if err := json.Unmarshal(payload, &wire); err != nil {
		return dispenser.Report{}, errors.Join(ErrMalformedReport, err)
	}
	if wire.TotalAddCount == nil || wire.TotalRemCount == nil || wire.DrinkCount == nil ||
		wire.LockState == nil || wire.LidClosed == nil {
		return dispenser.Report{}, ErrIncompleteReport
	}
	if *wire.TotalAddCount < 0 || *wire.TotalRemCount < 0 || *wire.DrinkCount < 0 {
		return dispenser.Report{}, ErrIncompleteReport
	}
	return dispenser.Report{
		AddedCount:       *wire.TotalAddCount,
		ConsumptionCount: *wire.TotalRemCount,
		InventoryCount:   *wire.DrinkCount,
		LockState:        *wire.LockState,
		LidClosed:        *wire.LidClosed,
	}, nil
}
