package traffic

import (
	"fmt"
	"net/http"
)

// ErrorKind tags a fetch failure so the retry policy can decide what to do with it
type ErrorKind int

const (
	// KindTransient covers non-200 responses and connection failures
	KindTransient ErrorKind = iota
	// KindMalformed is a 200 response whose body could not be decoded
	KindMalformed
	// KindTerminal stops retrying immediately
	KindTerminal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	case KindTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FetchError is the error type returned by every Fetcher in this package
type FetchError struct {
	Kind       ErrorKind
	Repo       string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d %s): %v", e.Repo, e.Kind, e.StatusCode, http.StatusText(e.StatusCode), e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.Repo, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed
func (e *FetchError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindMalformed
}
