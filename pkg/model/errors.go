package model

import "errors"

// ErrInvalidMessage is returned for malformed messages. They are rejected at
// the boundary and never queued.
var ErrInvalidMessage = errors.New("invalid message")
