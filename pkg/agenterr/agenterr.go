// Package agenterr defines the closed set of error kinds every subsystem
// wraps its failures with, following the plain fmt.Errorf("...: %w", err)
// style used throughout the teacher's codebase rather than a custom error
// framework. Callers compare with errors.Is; subsystems attach context with
// fmt.Errorf and %w.
package agenterr

import "errors"

// Sentinel kinds, matching the taxonomy in the source's error handling
// design. These are kinds, not concrete error types: subsystems wrap one of
// these with operation-specific context.
var (
	// ErrTransientNetwork covers DNS failures, timeouts, and 5xx responses.
	// Policy: queue-for-offline in telemetry/command loop, skip-tick in the
	// sync worker, warn-and-continue in the alert dispatcher.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrAuthRejected covers 401/403 responses. Policy: log, do not retry
	// this tick; registration is re-attempted on next process start.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrStoreBusy covers lock contention on the local store. Policy: retry
	// with a small backoff.
	ErrStoreBusy = errors.New("store busy")

	// ErrStoreCorrupt covers an unreadable row or bucket. Fatal at startup,
	// best-effort (skip the row, log) at runtime.
	ErrStoreCorrupt = errors.New("store corrupt")

	// ErrCryptoFailure covers a decryption or authentication-tag mismatch
	// during restore. Policy: abort the restore, surface via command
	// result, never produce partial output.
	ErrCryptoFailure = errors.New("cryptographic failure")

	// ErrChecksumMismatch is fatal for restore; elsewhere it is a warning.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrValidationFailure covers bad command parameters or missing source
	// paths. Policy: fail the command with a structured error, never crash
	// the loop.
	ErrValidationFailure = errors.New("validation failure")

	// ErrResourceUnavailable covers a missing file or permission denial.
	// Policy: log-and-skip in the backup walk, log-and-continue in process
	// enumeration.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrUnknownCommand is returned by the command dispatcher for a type not
	// in its handler table. It is reported as a failed command result, not
	// propagated further.
	ErrUnknownCommand = errors.New("unknown command type")
)
