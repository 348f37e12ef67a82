package errors

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MapDBError maps driver and context errors to AppError. Unrecognised errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, ErrCodeTimeout, "database operation timed out")
	case errors.Is(err, context.Canceled):
		return Wrap(err, ErrCodeCanceled, "database operation canceled")
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, sql.ErrNoRows):
		return Wrap(err, ErrCodeNotFound, "resource not found")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch {
	case pgErr.Code == pgerrcode.UniqueViolation:
		return &AppError{Code: ErrCodeConflict, Message: "resource already exists", Field: pgErr.ColumnName, Cause: pgErr}
	case pgErr.Code == pgerrcode.ForeignKeyViolation:
		return &AppError{Code: ErrCodeNotFound, Message: "referenced resource does not exist", Cause: pgErr}
	case pgErr.Code == pgerrcode.CheckViolation, pgErr.Code == pgerrcode.NotNullViolation,
		pgErr.Code == pgerrcode.InvalidTextRepresentation:
		return &AppError{Code: ErrCodeValidation, Message: "invalid value", Field: pgErr.ColumnName, Cause: pgErr}
	case pgErr.Code == pgerrcode.SerializationFailure, pgErr.Code == pgerrcode.DeadlockDetected:
		return &AppError{Code: ErrCodeConflict, Message: "concurrent update, retry the operation", Cause: pgErr}
	case pgerrcode.IsConnectionException(pgErr.Code), pgErr.Code == pgerrcode.AdminShutdown,
		pgErr.Code == pgerrcode.CannotConnectNow:
		return &AppError{Code: ErrCodeUnavailable, Message: "database unavailable", Cause: pgErr}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "a database error occurred", Cause: pgErr}
	}
}
