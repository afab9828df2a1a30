package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for the messaging core. Only durability-step failures
// propagate to callers; push failures are swallowed and counted.
var (
	// ErrUnauthenticated rejects a handshake with a bad or expired
	// credential. Fatal to that connection attempt; not retried with the
	// same credential.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotAParticipant rejects a thread operation by a non-member.
	ErrNotAParticipant = errors.New("not a participant of thread")

	// ErrClientInStaffThread guards the membership invariant: a STAFF
	// thread's participant set never includes a CLIENT-role identity.
	ErrClientInStaffThread = errors.New("staff thread cannot include a client participant")
)

// PersistenceError wraps a durable-write failure. Retryable by the caller;
// triggers optimistic-state rollback where applicable.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
