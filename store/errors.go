package store

import (
	"errors"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateEvent is returned when a webhook event was already claimed
	// by an earlier delivery.
	ErrDuplicateEvent = errors.New("webhook event already claimed")
)
