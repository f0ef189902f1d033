package credit

import (
	"errors"
	"fmt"

	"estate-credits/pkg/errutil"
)

var (
	ErrInsufficientCredits    = errors.New("credit: insufficient credits")
	ErrInvalidAmount          = errors.New("credit: amount must be positive")
	ErrOwnerNotFound          = errors.New("credit: owner not found")
	ErrConcurrentModification = errors.New("credit: concurrent modification")
	ErrTerminalState          = errors.New("credit: transaction already in a terminal state")
	ErrTransactionNotFound    = errors.New("credit: transaction not found")
	ErrUnknownPackage         = errors.New("credit: unknown credit package")
	ErrIdempotencyConflict    = errors.New("credit: idempotency key already used")
)

// IsRetryable reports whether the caller may retry the same call later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

func insufficientCredits(owner Owner, required, available int64) error {
	return errutil.UnprocessableEntity(
		fmt.Sprintf("insufficient credits: required %d, available %d", required, available),
		ErrInsufficientCredits,
		errutil.WithDetails(errutil.Detail{Field: "owner", Message: owner.String()}),
	)
}

func invalidAmount(amount int64) error {
	return errutil.BadRequest(fmt.Sprintf("amount must be > 0, got %d", amount), ErrInvalidAmount)
}

func ownerNotFound(owner Owner) error {
	return errutil.NotFound(fmt.Sprintf("owner %s not found", owner), ErrOwnerNotFound)
}

func transientConflict(subject string) error {
	return errutil.Conflict(fmt.Sprintf("ledger of %s is busy, retry later", subject), ErrConcurrentModification)
}
