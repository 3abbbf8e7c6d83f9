package postgres

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/platform/guard"
)

// PostgreSQL error codes
const (
	uniqueViolationCode  = "23505"
	checkViolationCode   = "23514"
	notNullViolationCode = "23502"

	// invalidTextRepresentationCode is raised for malformed UUIDs among others
	invalidTextRepresentationCode = "22P02"

	// Connection exceptions (class 08) and operator intervention (class 57)
	// mean the server went away rather than that the query was wrong.
	connectionExceptionClass  = "08"
	operatorInterventionClass = "57"
)

// MapError maps a database error to the matching job error, keeping the
// original error in the chain for logging.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", job.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolationCode:
			return fmt.Errorf("%w: duplicate job (%s): %v", job.ErrInvalidJob, pgErr.ConstraintName, err)
		case checkViolationCode:
			return fmt.Errorf("%w: check constraint violation (%s): %v",
				job.ErrInvalidJob, pgErr.ConstraintName, err)
		case notNullViolationCode:
			return fmt.Errorf("%w: not null violation (%s): %v",
				job.ErrInvalidJob, pgErr.ColumnName, err)
		case invalidTextRepresentationCode:
			return fmt.Errorf("%w: %v", job.ErrNotFound, err)
		}
	}

	return err
}

// IsTransient extends guard.IsTransient with PostgreSQL connection errors.
func IsTransient(err error) bool {
	if guard.IsTransient(err) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, connectionExceptionClass) ||
			strings.HasPrefix(pgErr.Code, operatorInterventionClass)
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}
