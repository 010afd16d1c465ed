package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/consent"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/fpstore"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/invariant"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/redact"
)

// Degradation reasons stamped on the decision record.
const (
	ReasonL0Violation      = "L0_VIOLATION"
	ReasonCircuitBreaker   = "CIRCUIT_BREAKER"
	ReasonTimeout          = "TIMEOUT"
	ReasonStoreUnavailable = "STORE_UNAVAILABLE"
)

// DegradedError reports that infrastructure is unavailable. CanProceed
// reflects policy: community tier proceeds with a distinct exit code, paid
// tier fails closed.
type DegradedError struct {
	Reason     string
	CanProceed bool
	Err        error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("oracle: degraded (%s): %v", e.Reason, e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// classify maps an error to the degradation reason the pipeline records.
// Expected kinds (duplicates, missing consent) are recovered locally and
// never reach here.
func classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return ReasonTimeout
	default:
		var (
			l0Err    *invariant.Violation
			storeErr *fpstore.StoreError
			nonceErr *redact.NonceValidationError
		)
		switch {
		case errors.As(err, &l0Err):
			return ReasonL0Violation
		case errors.As(err, &storeErr):
			return ReasonStoreUnavailable
		case errors.As(err, &nonceErr):
			return ReasonStoreUnavailable
		}
		return ReasonStoreUnavailable
	}
}

// recoverable reports whether the error is an expected kind the pipeline
// tolerates without degrading.
func recoverable(err error) bool {
	return errors.Is(err, fpstore.ErrDuplicateEvent) || errors.Is(err, consent.ErrConsentMissing)
}
