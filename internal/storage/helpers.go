package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/roman-kulish/vibration-monitor/internal/motion"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

// classify wraps err with ErrTransient or ErrFatal. Errors that are already
// classified are returned unchanged.
func classify(err error, transient func(error) bool) error {
	if err == nil || errors.Is(err, ErrTransient) || errors.Is(err, ErrFatal) {
		return err
	}
	if isTransientCommon(err) || (transient != nil && transient(err)) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// isTransientCommon recognises connectivity failures independent of the engine
func isTransientCommon(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// batchArgs flattens the batch into insert arguments in column order
func batchArgs(batch motion.Batch) []any {
	args := make([]any, 0, len(batch)*insertColumns)
	for _, s := range batch {
		args = append(args, s.X, s.Y, s.Z, s.Change)
	}
	return args
}
