package entitlement

import (
	"errors"
	"fmt"

	"estate-credits/pkg/errutil"
	"estate-credits/services/credit"
)

var (
	ErrUnknownEntitlement     = errors.New("entitlement: unknown entitlement")
	ErrTargetNotFound         = errors.New("entitlement: target not found")
	ErrEntitlementUnavailable = errors.New("entitlement: not available for this owner")
)

// ActivationError reports a debit that succeeded while applying its windows
// failed. Transaction is the charge; Compensation is set when it was refunded.
type ActivationError struct {
	Transaction  *credit.Transaction
	Compensation *credit.Transaction
	Err          error
}

func (e *ActivationError) Error() string {
	if e.Transaction == nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("transaction %s charged but not applied: %v", e.Transaction.ID, e.Err)
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}

// Charged reports whether the owner is left paying for nothing.
func (e *ActivationError) Charged() bool {
	return e.Transaction != nil && e.Compensation == nil
}

func TargetNotFound(target Target) error {
	return errutil.NotFound(fmt.Sprintf("%s %s not found", target.Type, target.ID), ErrTargetNotFound)
}

func unknownEntitlement(code string) error {
	return errutil.NotFound(fmt.Sprintf("unknown entitlement %q", code), ErrUnknownEntitlement)
}

func unavailable(code, reason string) error {
	return errutil.Forbidden(fmt.Sprintf("%s is not available: %s", code, reason), ErrEntitlementUnavailable)
}
