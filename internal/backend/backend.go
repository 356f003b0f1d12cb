// Package backend defines the capability interface every mailbox
// store adapter implements. The sync engine is written once against
// this interface; wire protocols, filesystem layouts and search
// indexes stay inside their adapters.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
)

// Backend is one side of a synchronization: a mailbox store that can
// enumerate folders and envelopes and apply atomic mutations. Every
// operation may block on network or filesystem I/O and must honor the
// context.
type Backend interface {
	// Name identifies the backend kind, for reports and logs.
	Name() string

	// ListFolders enumerates the folder names the store currently has.
	ListFolders(ctx context.Context) ([]string, error)

	// CreateFolder creates a folder. Creating an existing folder is
	// not an error.
	CreateFolder(ctx context.Context, folder string) error

	// DeleteFolder removes a folder and its contents.
	DeleteFolder(ctx context.Context, folder string) error

	// ListEnvelopes enumerates the envelopes of a folder: identity,
	// flags and content digest, without transferring bodies.
	ListEnvelopes(ctx context.Context, folder string) ([]model.Envelope, error)

	// PeekMessage returns the raw content of a message without
	// mutating its flags.
	PeekMessage(ctx context.Context, folder string, id model.Identity) ([]byte, error)

	// AddMessage stores a message with the given flags. If an
	// envelope with the same identity already exists in the folder it
	// is replaced, as a delete followed by a create, in one call.
	AddMessage(ctx context.Context, folder string, raw []byte, flags model.FlagSet) error

	// DeleteMessage removes a message by identity.
	DeleteMessage(ctx context.Context, folder string, id model.Identity) error

	// SetFlags replaces the flag set of a message.
	SetFlags(ctx context.Context, folder string, id model.Identity, flags model.FlagSet) error

	Close() error
}

// ErrNotFound reports that a folder or message does not exist on the
// backend. It is fatal for the operation but the diff engine treats
// the next run's observation as authoritative.
var ErrNotFound = errors.New("not found")

// Error wraps a failed backend operation with its retry
// classification. Retryable errors are transient (network hiccups,
// temporary server state) and eligible for one immediate in-run
// retry; fatal errors skip the affected folder's remaining hunks.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s: %s backend error: %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RetryableError classifies err as transient.
func RetryableError(op string, err error) *Error {
	return &Error{Op: op, Retryable: true, Err: err}
}

// FatalError classifies err as permanent for this run.
func FatalError(op string, err error) *Error {
	return &Error{Op: op, Retryable: false, Err: err}
}

// IsRetryable reports whether err (or any error in its chain) is a
// backend error classified as transient.
func IsRetryable(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Retryable
}
