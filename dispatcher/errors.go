package dispatcher

import (
	"errors"
	"strings"
)

var (
	// ErrNoAvailableAccount is returned by the scheduler when every account
	// is quarantined. Admission still persists the intent; scheduling is
	// deferred until an account returns to rotation.
	ErrNoAvailableAccount = errors.New("no available account")

	// ErrNotAccepting is returned by the admission operations once shutdown
	// has begun.
	ErrNotAccepting = errors.New("dispatcher is not accepting intents")

	// ErrUnknownAccount is returned when an account index is out of range.
	ErrUnknownAccount = errors.New("unknown account index")
)

func isNonceTooHigh(err error) bool {
	return containsErr(err, "nonce too high")
}

func isNonceTooLow(err error) bool {
	return containsErr(err, "nonce too low")
}

func isAlreadyKnown(err error) bool {
	return containsErr(err, "already known")
}

// isNonceMismatch groups the provider answers that mean the chosen nonce is
// stale. The head is kept and retried after a resync from the chain.
func isNonceMismatch(err error) bool {
	return isNonceTooLow(err) || isNonceTooHigh(err)
}

func containsErr(err error, sub string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), strings.ToLower(sub))
}
