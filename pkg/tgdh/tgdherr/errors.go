// Package tgdherr defines the sentinel error kinds shared across the
// TGDH core (spec.md §7), so callers can distinguish them with
// errors.Is regardless of which layer wrapped them.
package tgdherr

import "errors"

var (
	// ErrGroupEmpty signals that only one member remains after a
	// leave; terminal for the observing MemberSession.
	ErrGroupEmpty = errors.New("tgdh: group is empty")

	// ErrInvalidMember signals a leave requested for an unknown
	// member ID.
	ErrInvalidMember = errors.New("tgdh: invalid member")

	// ErrProtocolState signals a message that does not match the
	// expected level or target node; the caller should discard it.
	ErrProtocolState = errors.New("tgdh: unexpected protocol state")

	// ErrBadKeyMaterial signals a blind value outside (0, p); the
	// current refresh round must be aborted and rolled back.
	ErrBadKeyMaterial = errors.New("tgdh: bad key material")

	// ErrTransportFailure wraps a failure surfaced from the
	// Messenger.
	ErrTransportFailure = errors.New("tgdh: transport failure")
)
