package model

import "time"

// Side identifies one of the two backends being reconciled.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideLeft {
		return SideRight
	}
	return SideLeft
}

// Identity is the stable, cross-backend identifier of an envelope,
// derived from the normalized Message-ID header. Backend-native
// identifiers (IMAP UIDs, Maildir keys) never leave their adapter.
type Identity string

// Envelope is the metadata record for one message: identity, flags and
// content digest, independent of the full body.
type Envelope struct {
	// Identity matches envelopes across sides.
	Identity Identity

	// InternalID is the backend-native identifier (IMAP UID, Maildir
	// key, notmuch message id) scoped to (backend, folder). Only the
	// owning adapter interprets it.
	InternalID string

	// Flags is the envelope's current flag set.
	Flags FlagSet

	// ContentHash is a digest of the message content; two envelopes
	// with equal hashes are considered byte-equivalent.
	ContentHash string

	// Date is the message date when the backend exposes one. It is
	// used only as a conflict tie-breaker and may be zero.
	Date time.Time
}

// Folder is a mailbox name with its per-side existence.
type Folder struct {
	Name  string
	Left  bool
	Right bool
}

// On reports whether the folder exists on the given side.
func (f Folder) On(side Side) bool {
	if side == SideLeft {
		return f.Left
	}
	return f.Right
}
