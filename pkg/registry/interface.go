package registry

import "github.com/google/uuid"

// Handle is one live client socket. Send either enqueues the payload for
// delivery or fails if the underlying transport is closed or saturated.
type Handle interface {
	ID() uuid.UUID
	Send(msg []byte) error
	Close(err error)
}

type Registry interface {
	// Bind inserts or replaces the entry for userID. It never fails. When the
	// identity was already bound to a different connection, that previous
	// handle is returned so the caller can apply its replacement policy.
	Bind(userID string, conn Handle) (replaced Handle)

	// Lookup returns the handle currently bound to userID.
	Lookup(userID string) (Handle, bool)

	// Unbind removes the entry owned by conn, if any, and reports which
	// identity it was bound to. Used on disconnect.
	Unbind(conn Handle) (userID string, ok bool)

	// IdentityOf reports the identity a connection is bound to without
	// mutating anything.
	IdentityOf(conn Handle) (userID string, ok bool)

	// BroadcastAll sends payload to every registered handle, best-effort.
	// Individual send failures are swallowed; dead entries are reaped lazily
	// by the disconnect path, not here.
	BroadcastAll(payload []byte)

	// Len reports the number of currently bound identities.
	Len() int
}
