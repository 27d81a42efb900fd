package drip

import "github.com/pkg/errors"

var (
	ErrItemNotFound = errors.New("queue item not found")
	ErrEmptyPhone   = errors.New("queue item phone is empty")
	ErrEmptyMessage = errors.New("queue item message is empty")
	ErrNotRetryable = errors.New("queue item is not in failed state")
)
