package registry

import "time"

// Entry binds a user identity to its single live connection.
type Entry struct {
	UserID  string
	Conn    Handle
	BoundAt time.Time
}
