package dispenser

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrMissingStore indicates that the service was constructed without a store.
	ErrMissingStore = errors.New("dispenser: store is required")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "dispenser.service.new"
	opIngest          = "dispenser.ingest"
	opHeartbeat       = "dispenser.heartbeat"
	opSweep           = "dispenser.sweep"
	opUpdateSettings  = "dispenser.update_settings"
	opReset           = "dispenser.reset"
	opHistory         = "dispenser.history"
	opStatus          = "dispenser.status"
	reasonLoadFailed  = "load_failed"
	reasonCommit      = "commit_failed"
	reasonQueryFailed = "query_failed"
	reasonMissing     = "missing_store"
	reasonInvalid     = "invalid_settings"
	reasonPhrase      = "confirmation_mismatch"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
