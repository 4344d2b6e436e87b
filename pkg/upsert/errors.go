package upsert

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
)

var (
	// ErrNotPersisted marks a transient, systemic failure: nothing was written
	// and the book is only not-yet-persisted, not unavailable.
	ErrNotPersisted = errors.New("upsert: not persisted")
	// ErrPersistenceFailed marks a non-systemic failure that will not succeed on retry.
	ErrPersistenceFailed = errors.New("upsert: persistence failed")
	ErrSlugExhausted     = errors.New("upsert: no free slug")
	ErrInvalidAggregate  = errors.New("upsert: invalid aggregate")
)

// IsSystemic walks the cause chain for connectivity and resource failures.
func IsSystemic(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		// 08 connection exception, 53 insufficient resources, 57P0x operator intervention.
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") || strings.HasPrefix(code, "57P0")
	}
	return false
}
