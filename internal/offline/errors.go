package offline

import "errors"

var (
	// ErrStorage wraps every cache read/write failure. It is never retried here.
	ErrStorage = errors.New("offline: storage failure")

	// ErrQuotaExceeded is returned when a write would grow the store past storage.disk.max.
	ErrQuotaExceeded = errStorageKind("offline: storage quota exceeded")

	// ErrNetwork marks a transport-level failure. HTTP error statuses are not network failures.
	ErrNetwork = errors.New("offline: network failure")

	// ErrInstall is returned when a precache manifest resource could not be fetched.
	ErrInstall = errors.New("offline: install failed")

	// ErrUnhandledRejection is returned for non-API requests that failed with no
	// navigational fallback to serve. The host sees it as a generic network error.
	ErrUnhandledRejection = errors.New("offline: unhandled fetch rejection")

	// ErrClosed is returned for events that arrive after the registration was closed.
	ErrClosed = errors.New("offline: registration closed")

	// ErrUnknownEvent is returned by Dispatch for event kinds without a handler.
	ErrUnknownEvent = errors.New("offline: unknown event")
)

type storageKind struct{ msg string }

func errStorageKind(msg string) error { return &storageKind{msg: msg} }

func (e *storageKind) Error() string { return e.msg }

func (e *storageKind) Unwrap() error { return ErrStorage }
