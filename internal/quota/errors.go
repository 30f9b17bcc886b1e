package quota

import (
	"errors"
	"fmt"
)

// Domain errors surfaced to callers. All of them are raised either
// before any mutation or inside a transaction that is then aborted,
// so the store is never left in a partial state.
var (
	ErrNoActiveAccount     = errors.New("no active quota account")
	ErrAccountExpired      = errors.New("quota account expired")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationExpired  = errors.New("reservation expired")
	ErrDuplicateKey        = errors.New("duplicate idempotency key")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// InsufficientQuotaError reports a failed decrement or reservation
// along with what was asked for and what was actually available.
type InsufficientQuotaError struct {
	AccountID string
	Required  int64
	Available int64
}

func (e *InsufficientQuotaError) Error() string {
	return fmt.Sprintf("insufficient quota for account %s: required %d, available %d",
		e.AccountID, e.Required, e.Available)
}

// IsInsufficientQuota reports whether err is an InsufficientQuotaError.
func IsInsufficientQuota(err error) bool {
	var iq *InsufficientQuotaError
	return errors.As(err, &iq)
}
