package postgres

import (
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"audittrail/pkg/platform/sentinel"
)

// classify marks errors worth retrying with sentinel.ErrUnavailable. Everything
// else (constraint violations, syntax errors, missing tables) is returned as is
// and treated as permanent by the recorder.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return sentinel.Unavailable(err)
	}
	return err
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLState(pgErr.Code)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// transientSQLState reports whether a SQLSTATE describes a condition that can
// clear on its own: connection exceptions (08), insufficient resources (53),
// operator intervention such as admin shutdown (57P01-57P03) and
// serialization or deadlock failures.
func transientSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		return true
	case code == "57P01", code == "57P02", code == "57P03":
		return true
	case code == "40001", code == "40P01":
		return true
	}
	return false
}
