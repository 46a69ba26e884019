package stream

import (
	"fmt"
)

// Session aggregates every stream recorded during one recording occasion.
// It is owned by a single conversion run and is never shared between workers.
type Session struct {
	Metadata Metadata

	order   []string
	streams map[string]*Stream
}

// NewSession creates an empty session
func NewSession(metadata Metadata) *Session {
	return &Session{
		Metadata: metadata,
		streams:  make(map[string]*Stream),
	}
}

// Add registers a stream. Stream names must be unique within a session.
func (s *Session) Add(st *Stream) error {
	if st == nil {
		return fmt.Errorf("cannot add nil stream")
	}
	if _, exists := s.streams[st.Name]; exists {
		return fmt.Errorf("stream %q already registered in session %s", st.Name, s.Metadata.SessionID)
	}
	s.streams[st.Name] = st
	s.order = append(s.order, st.Name)
	return nil
}

// Get returns the named stream or ErrNotFound
func (s *Session) Get(name string) (*Stream, error) {
	st, ok := s.streams[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return st, nil
}

// Has reports whether the session contains the named stream
func (s *Session) Has(name string) bool {
	_, ok := s.streams[name]
	return ok
}

// Streams returns the streams in registration order
func (s *Session) Streams() []*Stream {
	out := make([]*Stream, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.streams[name])
	}
	return out
}

// Names returns the stream names in registration order
func (s *Session) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Clone returns a deep copy of the session and all of its streams
func (s *Session) Clone() *Session {
	c := NewSession(s.Metadata)
	for _, name := range s.order {
		st := s.streams[name].Clone()
		c.streams[name] = st
		c.order = append(c.order, name)
	}
	return c
}
