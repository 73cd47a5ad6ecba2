package discovery

import "errors"

var (
	// ErrScanInProgress is returned by Scan when another pass on the same
	// Service has not finished yet. Scans are single-flight and never queue.
	ErrScanInProgress = errors.New("discovery: scan already in progress")

	// ErrPortEnumerationFailed matches any *PortEnumerationError.
	ErrPortEnumerationFailed = errors.New("discovery: port enumeration failed")
)

// PortEnumerationError wraps the enumerator's failure. It matches both
// ErrPortEnumerationFailed and the underlying cause with errors.Is.
type PortEnumerationError struct {
	Err error
}

func (e *PortEnumerationError) Error() string {
	return ErrPortEnumerationFailed.Error() + ": " + e.Err.Error()
}

func (e *PortEnumerationError) Unwrap() []error {
	return []error{ErrPortEnumerationFailed, e.Err}
}
