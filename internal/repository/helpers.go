package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/campuslib/ebook-delivery/internal/model"
)

var (
	// ErrCartFull is returned when an add would exceed the per-session limit.
	ErrCartFull = errors.New("cart is full")

	// ErrIllegalTransition is returned for a status change that does not
	// move a download session forward.
	ErrIllegalTransition = errors.New("illegal download session transition")
)

// CheckTransition rejects params that Allowed refuses.
func CheckTransition(params model.TransitionParams) error {
	if !params.Allowed() {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, params.From, params.To)
	}
	return nil
}

// ThrottledError is returned when a challenge for the same tuple was issued
// too recently.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("challenge throttled, retry after %s", e.RetryAfter)
}

// HandleNotFound processes a database query result, converting sql.ErrNoRows
// to a nil result without error. This is a common pattern for Find* operations
// where a missing row is not an error condition.
//
// Usage:
//
//	var item model.CatalogItem
//	err := r.db.GetContext(ctx, &item, query, args...)
//	return HandleNotFound(&item, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// rowsAffected unwraps an Exec result into its affected row count.
func rowsAffected(result sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
