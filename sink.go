package amq

import (
	"sync"
)

// errorSink keeps the last recorded failure of an Instance. It is written
// from the caller, the exception listener and the delivery goroutine.
type errorSink struct {
	mu   sync.RWMutex
	last *Error

	onRecord func(*Error)
}

func (s *errorSink) record(e *Error) *Error {
	s.mu.Lock()
	s.last = e
	s.mu.Unlock()

	if s.onRecord != nil {
		s.onRecord(e)
	}
	return e
}

func (s *errorSink) lastErr() *Error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *errorSink) String() string {
	if e := s.lastErr(); e != nil {
		return e.Error()
	}
	return ""
}
