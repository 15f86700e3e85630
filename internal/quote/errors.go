package quote

import (
	"context"
	"errors"
)

// Failure classes. Fetchers wrap these so callers can tell a request that
// never completed from one that completed with an unusable answer.
var (
	ErrTransport   = errors.New("transport failure")
	ErrApplication = errors.New("application failure")
)

// Class is the failure class of a fetch error.
type Class int

const (
	ClassNone Class = iota
	ClassTransport
	ClassApplication
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransport:
		return "transport"
	case ClassApplication:
		return "application"
	}
	return "unknown"
}

// Classify maps err onto a failure class. Unrecognized errors count as
// transport failures: the request did not produce a usable response.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrApplication):
		return ClassApplication
	case errors.Is(err, ErrTransport),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransport
	}
	return ClassTransport
}
