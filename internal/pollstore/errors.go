package pollstore

import "errors"

var (
	// ErrPollNotFound indicates the poll is not (or no longer) in the store
	ErrPollNotFound = errors.New("poll not found")

	// ErrOptionNotFound indicates the option id does not belong to the poll
	ErrOptionNotFound = errors.New("option not found")

	// ErrClosed indicates the store was torn down
	ErrClosed = errors.New("poll store closed")
)
