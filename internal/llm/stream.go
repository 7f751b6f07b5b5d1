package llm

import (
	"context"
	"iter"
)

// Stream pulls text fragments from a backend sequence. It is consumed by a
// single goroutine and cannot be restarted.
type Stream struct {
	next   func() (string, error, bool)
	stop   func()
	cancel context.CancelFunc
	onDone func(error)

	text string
	err  error
	done bool
}

func newStream(seq iter.Seq2[string, error], cancel context.CancelFunc, onDone func(error)) *Stream {
	next, stop := iter.Pull2(seq)
	return &Stream{next: next, stop: stop, cancel: cancel, onDone: onDone}
}

// Next advances to the next fragment. It returns false once the reply is
// complete, an error occurred, or the stream was closed.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	for {
		text, err, ok := s.next()
		if !ok {
			s.finish(nil)
			return false
		}
		if err != nil {
			s.finish(err)
			return false
		}
		if text == "" {
			continue
		}
		s.text = text
		return true
	}
}

// Text returns the current fragment.
func (s *Stream) Text() string { return s.text }

// Err returns the terminal error, if any.
func (s *Stream) Err() error { return s.err }

// Close stops the underlying request. It is safe to call more than once.
func (s *Stream) Close() error {
	if !s.done {
		s.finish(nil)
	}
	return nil
}

// All adapts the stream to a range-over-func sequence.
func (s *Stream) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.text, nil) {
				return
			}
		}
		if s.err != nil {
			yield("", s.err)
		}
	}
}

func (s *Stream) finish(err error) {
	s.done = true
	s.err = err
	s.text = ""
	s.stop()
	if s.cancel != nil {
		s.cancel()
	}
	if s.onDone != nil {
		s.onDone(err)
		s.onDone = nil
	}
}
