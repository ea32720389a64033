package workflow

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/go-playground/validator/v10"
	"github.com/go-sql-driver/mysql"

	"bitbucket.org/mmdatafocus/kaspi_backend/kaspifeed"
)

// ErrInsufficientStock aborts fulfillment with nothing written. It is not
// transient: stock only changes through other orders or restocking.
var ErrInsufficientStock = errors.New("insufficient stock")

// ValidationError marks a payload problem retrying can never fix.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// IsValidationError also covers validator.ValidationErrors coming from
// feed payload struct tags.
func IsValidationError(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var fieldErrs validator.ValidationErrors
	return errors.As(err, &fieldErrs)
}

// IsTransient reports whether err is worth retrying: a flaky remote
// (timeouts, resets, 429/5xx) or contended storage. Validation problems
// and dead contexts never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsValidationError(err) {
		return false
	}
	var apiErr *kaspifeed.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return isRetryableStorage(err)
}

// isRetryableStorage matches MySQL contention (1205 lock wait timeout,
// 1213 deadlock) and driver connectivity failures.
func isRetryableStorage(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1205 || mysqlErr.Number == 1213
	}
	return errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn)
}
