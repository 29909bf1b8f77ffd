// Package errs classifies errors for the operator. An *Error carries a
// user-facing message, the friendly name of its source and whether it
// should put the system into the fatal state. Anything else reaching the
// system is treated as fatal.
package errs

import (
	"errors"
	"sync"
)

type Error struct {
	Message string
	Source  string
	Fatal   bool
	// Err is the original cause, logged but not shown.
	Err error
}

// New returns a non-fatal error.
func New(message, source string) *Error {
	return &Error{Message: message, Source: source}
}

// Fatal returns an error that marks the system fatal.
func Fatal(message, source string, cause error) *Error {
	return &Error{Message: message, Source: source, Fatal: true, Err: cause}
}

func (e *Error) Error() string {
	if e.Source == "" {
		return e.Message
	}
	return e.Source + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NonFatal downgrades e in place and returns it.
func (e *Error) NonFatal() *Error {
	e.Fatal = false
	return e
}

// Downgrade returns err with any *Error in its chain marked non-fatal. It
// reports false when err is not classified, in which case it stays fatal.
func Downgrade(err error) (error, bool) {
	var e *Error
	if errors.As(err, &e) {
		e.NonFatal()
		return err, true
	}
	return err, false
}

type Reporter interface {
	Report(err error)
}

// Sink fans reported errors in to one subscriber. Errors reported before
// Subscribe is called are held and delivered on subscription.
type Sink struct {
	mu      sync.Mutex
	fn      func(error)
	backlog []error
}

func NewSink() *Sink { return &Sink{} }

func (s *Sink) Report(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	fn := s.fn
	if fn == nil {
		s.backlog = append(s.backlog, err)
	}
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (s *Sink) Subscribe(fn func(error)) {
	s.mu.Lock()
	s.fn = fn
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()
	for _, err := range backlog {
		fn(err)
	}
}
