// Package errors defines the shared error taxonomy for the durable-state
// substrate. Errors are grouped by the component that raises them so
// callers can use errors.Is against a stable, documented sentinel set.
package errors

import "errors"

// Resilient store errors.
var (
	// ErrSizeBoundExceeded is returned when a write would exceed the configured
	// maximum document size.
	ErrSizeBoundExceeded = errors.New("store: size bound exceeded")

	// ErrMissingMigration is returned when the recovered schema version has no
	// registered migration path to the configured current version.
	ErrMissingMigration = errors.New("store: missing schema migration")

	// ErrNotFound is returned by get when no document exists and no recoverable
	// candidate was found.
	ErrNotFound = errors.New("store: document not found")

	// ErrQuarantined is returned when every candidate (primary, backup, tmp) failed
	// to parse and was moved aside for forensic inspection.
	ErrQuarantined = errors.New("store: document quarantined, no recoverable copy")
)

// WAL errors.
var (
	// ErrPathTraversal is returned when an append targets a path outside the
	// configured root (e.g. containing "..").
	ErrPathTraversal = errors.New("wal: path escapes configured root")

	// ErrChecksumMismatch is returned by replay when a write record's checksum
	// does not match its payload. The record is skipped, not fatal.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrSegmentClosed is returned when an append is attempted after Close.
	ErrSegmentClosed = errors.New("wal: segment closed")

	// ErrUnknownOp is returned for a record whose op is not write/delete/mkdir.
	ErrUnknownOp = errors.New("wal: unknown operation")
)

// Audit trail errors.
var (
	// ErrChainBroken is returned by chain verification when prevHash linkage or
	// a record hash fails to match.
	ErrChainBroken = errors.New("audit: hash chain broken")

	// ErrHMACMismatch is returned by chain verification when a recorded HMAC does
	// not match the recomputed value under the configured key.
	ErrHMACMismatch = errors.New("audit: hmac verification failed")

	// ErrShortWrite is returned when an append could not make progress after
	// the bounded number of retries.
	ErrShortWrite = errors.New("audit: short write exhausted retries")

	// ErrNoIntent is returned when a result/denied record references an
	// intentSeq that was never recorded as an intent.
	ErrNoIntent = errors.New("audit: no matching intent for result")
)

// Idempotency errors.
var (
	// ErrTerminalTransition is returned when a caller attempts to transition an
	// entry out of a terminal (failed) state, or to overwrite a terminal entry
	// via markPending.
	ErrTerminalTransition = errors.New("idempotency: terminal entries cannot transition")

	// ErrUnknownKey is returned when markCompleted/markFailed target a key with
	// no existing entry.
	ErrUnknownKey = errors.New("idempotency: unknown key")
)

// Scheduler errors.
var (
	// ErrUnknownTask is returned by control operations referencing an
	// unregistered task id.
	ErrUnknownTask = errors.New("scheduler: unknown task")

	// ErrCircuitOpen is returned internally when a tick is skipped because the
	// task's circuit breaker is open.
	ErrCircuitOpen = errors.New("scheduler: circuit open")

	// ErrAlreadyRunning is returned when start is called on a scheduler that is
	// already running.
	ErrAlreadyRunning = errors.New("scheduler: already running")
)

// Mutex errors.
var (
	// ErrMutexClosed is returned when acquire is attempted on a closed scoped
	// mutex (e.g. during shutdown).
	ErrMutexClosed = errors.New("mutex: closed")
)

// Redactor errors.
var (
	// ErrInvalidPattern is returned when a user-supplied redaction rule fails to
	// compile.
	ErrInvalidPattern = errors.New("redact: invalid pattern")
)
