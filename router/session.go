package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/viant/mcpbridge/envelope"
)

// SessionState is the lifecycle state of a session.
type SessionState int32

const (
	Admitted SessionState = iota
	Active
	Closing
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Admitted:
		return "admitted"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type pushResult int

const (
	pushed pushResult = iota
	pushClosed
	pushFull
)

// Session is one logical client connection.
type Session struct {
	Id       string
	Identity string
	Created  time.Time

	lastActivity atomic.Int64

	mux        sync.Mutex
	state      SessionState
	subscribed bool
	err        error
	outbox     chan *envelope.Envelope
	done       chan struct{}

	// pending is guarded by Router.mux.
	pending map[uint64]*pendingRequest
}

// State returns the session state.
func (s *Session) State() SessionState {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.state
}

// Subscribed reports whether a stream is attached to the session.
func (s *Session) Subscribed() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.subscribed
}

// Messages returns the stream of responses and notifications addressed to
// the session. The channel is never closed; select on Done as well.
func (s *Session) Messages() <-chan *envelope.Envelope {
	return s.outbox
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session was closed, if any.
func (s *Session) Err() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.err
}

// LastActivity returns the time of the last client submission.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) activate(subscribe bool) SessionState {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.state == Admitted {
		s.state = Active
	}
	if s.state == Active && subscribe {
		s.subscribed = true
	}
	return s.state
}

// beginClose moves an open session to Closing and reports whether it did.
func (s *Session) beginClose() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.state >= Closing {
		return false
	}
	s.state = Closing
	return true
}

// finish moves the session to Closed and reports whether this call did it.
func (s *Session) finish(err error) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.state == Closed {
		return false
	}
	s.state = Closed
	s.err = err
	close(s.done)
	return true
}

func (s *Session) push(msg *envelope.Envelope) pushResult {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.state == Closed {
		return pushClosed
	}
	select {
	case s.outbox <- msg:
		return pushed
	default:
		return pushFull
	}
}

// streaming reports whether the session takes broadcast notifications.
func (s *Session) streaming() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.state == Active && s.subscribed
}

func newSession(id, identity string, outboxSize int, now time.Time) *Session {
	ret := &Session{
		Id:       id,
		Identity: identity,
		Created:  now,
		outbox:   make(chan *envelope.Envelope, outboxSize),
		done:     make(chan struct{}),
		pending:  make(map[uint64]*pendingRequest),
	}
	ret.touch(now)
	return ret
}
