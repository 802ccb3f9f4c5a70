/*
source.go - External entitlement source contract and error types

PURPOSE:
  The resolver consumes the entitlement system through this interface: for
  a user identity, the set of securities whose visibility flag is enabled.
  The production implementation in store/sqlite mirrors the upstream
  client/fund mapping; a remote client would satisfy the same interface.

SEE ALSO:
  - resolver.go: Caching consumer
  - store/sqlite/sqlite.go: SQL-backed implementation
*/
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/date-engine/dateindex"
)

// Source is the external entitlement system. A user the source has never
// heard of yields an empty slice and a nil error.
type Source interface {
	FetchSecurities(ctx context.Context, userID string) ([]dateindex.SecurityKey, error)
}

// ErrUnavailable is returned when the source is unreachable and no cached
// entitlement set is usable. The request cannot be answered.
var ErrUnavailable = errors.New("entitlement source unavailable")

// UnavailableError carries the user and the underlying fetch failure.
type UnavailableError struct {
	UserID string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("entitlements unavailable for %s: %v", e.UserID, e.Err)
}

// Unwrap exposes both the sentinel and the underlying fetch failure, so
// errors.Is matches either.
func (e *UnavailableError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUnavailable, e.Err}
	}
	return []error{ErrUnavailable}
}

// IsUnavailable reports whether err means "could not determine visibility",
// as opposed to a valid empty result.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
