package storage

import (
	"errors"
	"time"
)

// ErrInvalidArgument marks boundary validation failures: empty identifiers,
// malformed ranges, negative timeouts. Raised before any store access and
// never worth retrying. Check with errors.Is.
var ErrInvalidArgument = errors.New("invalid argument")

// NoExpiration is the TTL sentinel returned when a key has no rows or none
// of its rows carry an expiration timestamp. Every TTL accessor returns the
// same sentinel so callers can test for it uniformly.
const NoExpiration time.Duration = -time.Second
