// Package terminal runs interactive shell sessions, either over SSH to a
// registered device or as a local process on a pseudo-terminal, and streams
// their output to a consumer-supplied Sink.
package terminal

import (
	"sync"

	"github.com/and161185/nodex/internal/model"
)

// Sink receives the output of one session. OnClose is called exactly once
// and no other method is called after it.
type Sink interface {
	OnData(sessionID string, data []byte)
	OnError(sessionID string, err error)
	OnClose(sessionID string, details model.CloseDetails)
}

// SinkFuncs adapts plain functions to Sink; nil fields are ignored.
type SinkFuncs struct {
	Data  func(sessionID string, data []byte)
	Error func(sessionID string, err error)
	Close func(sessionID string, details model.CloseDetails)
}

func (f SinkFuncs) OnData(id string, data []byte) {
	if f.Data != nil {
		f.Data(id, data)
	}
}

func (f SinkFuncs) OnError(id string, err error) {
	if f.Error != nil {
		f.Error(id, err)
	}
}

func (f SinkFuncs) OnClose(id string, d model.CloseDetails) {
	if f.Close != nil {
		f.Close(id, d)
	}
}

// EventKind tags an Event.
type EventKind string

const (
	EventData   EventKind = "data"
	EventError  EventKind = "error"
	EventClosed EventKind = "closed"
)

// Event is one message delivered through a ChanSink.
type Event struct {
	Kind      EventKind
	SessionID string
	Data      []byte
	Err       error
	Close     model.CloseDetails
}

// ChanSink turns session callbacks into a channel of Events. It serves one
// session; the channel is closed after the closed event. Once detached, events
// are dropped so a departed consumer never blocks the session's readers.
type ChanSink struct {
	ch       chan Event
	detached chan struct{}
	once     sync.Once
}

// NewChanSink returns a ChanSink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{ch: make(chan Event, buffer), detached: make(chan struct{})}
}

// Events returns the event channel.
func (s *ChanSink) Events() <-chan Event { return s.ch }

// Detach stops delivery. Safe to call more than once.
func (s *ChanSink) Detach() { s.once.Do(func() { close(s.detached) }) }

func (s *ChanSink) send(ev Event) {
	select {
	case <-s.detached:
		return
	default:
	}
	select {
	case s.ch <- ev:
	case <-s.detached:
	}
}

func (s *ChanSink) OnData(id string, data []byte) {
	s.send(Event{Kind: EventData, SessionID: id, Data: data})
}

func (s *ChanSink) OnError(id string, err error) {
	s.send(Event{Kind: EventError, SessionID: id, Err: err})
}

func (s *ChanSink) OnClose(id string, d model.CloseDetails) {
	s.send(Event{Kind: EventClosed, SessionID: id, Close: d})
	close(s.ch)
}
