package dispenser

import (
	"fmt"

	"github.com/google/uuid"
)

// EntryIDFunc adapts a plain function to IDProvider.
type EntryIDFunc func() (string, error)

func (f EntryIDFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider issues UUIDv7 ledger entry ids, which sort by creation time.
func NewUUIDProvider() IDProvider {
	return EntryIDFunc(newLedgerEntryID)
}

func newLedgerEntryID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("ledger entry id: %w", err)
	}
	return id.String(), nil
}
