package mining

import (
	"errors"
	"fmt"
)

// ErrProfileNotFound is the only failure surfaced to callers as a failed
// invocation; everything else is absorbed into profile state.
var ErrProfileNotFound = errors.New("mining: profile not found")

// FetchError is a failed page fetch. It is soft: the profile is re-queued
// and retried by a later invocation.
type FetchError struct {
	Page int
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
