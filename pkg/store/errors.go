package store

import (
	"errors"
	"fmt"
)

// ErrCorrupt is the sentinel wrapped by every CorruptionError, so callers
// can test with errors.Is without caring about the specific violation.
var ErrCorrupt = errors.New("session corrupt")

// CorruptionError reports an invariant violation found while loading or
// verifying a session. It is never raised mid-run: append-time checks keep
// a live session from writing an inconsistent entry in the first place.
type CorruptionError struct {
	SessionID string
	EntryID   string
	Reason    string
}

func (e *CorruptionError) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("session %s corrupt at entry %s: %s", e.SessionID, e.EntryID, e.Reason)
	}
	return fmt.Sprintf("session %s corrupt: %s", e.SessionID, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrCorrupt }

// Corruptf builds a CorruptionError. entryID may be empty when the
// violation is not tied to a single entry.
func Corruptf(sessionID, entryID, format string, args ...any) error {
	return &CorruptionError{
		SessionID: sessionID,
		EntryID:   entryID,
		Reason:    fmt.Sprintf(format, args...),
	}
}
