// Package directory resolves group membership from the external directory
// store. Membership is fetched fresh on every group operation unless the
// optional cache decorator is enabled, so changes take effect immediately.
package directory

import (
	"context"
	"errors"
)

// ErrStoreUnavailable marks a failed round trip to the directory store. The
// triggering relay operation is abandoned; nothing is surfaced to clients.
var ErrStoreUnavailable = errors.New("directory: store unavailable")

type Client interface {
	// GroupMembers returns the user IDs belonging to groupID. Order is not
	// significant. A missing group resolves to an empty membership.
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
}
