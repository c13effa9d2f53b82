// Package event defines the relay's observability events and the sinks that
// consume them. The line format produced by Event.String is consumed by
// external tooling and must stay stable.
package event

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Kind identifies an observability event.
type Kind int

const (
	Join Kind = iota
	Disconnected
	RejectedFull
	RejectedNameTaken
	ListRequest
	Message
	File
	MessageUnknownRecipient
	FileUnknownRecipient
	Malformed
)

var kindNames = map[Kind]string{
	Join:                    "join",
	Disconnected:            "disconnected",
	RejectedFull:            "rejected_full",
	RejectedNameTaken:       "rejected_name_taken",
	ListRequest:             "request_users_list",
	Message:                 "msg",
	File:                    "file",
	MessageUnknownRecipient: "msg_unknown_recipient",
	FileUnknownRecipient:    "file_unknown_recipient",
	Malformed:               "malformed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Event is one observability record.
type Event struct {
	Kind   Kind
	User   string // acting user, or the refused name for rejections
	Target string // unresolved recipient for *UnknownRecipient kinds
	At     time.Time
}

// New returns an event stamped with the current time.
func New(kind Kind, user string) Event {
	return Event{Kind: kind, User: user, At: time.Now()}
}

// UnknownRecipient returns the event for a msg or file addressed to a user
// that is not connected.
func UnknownRecipient(file bool, sender, recipient string) Event {
	kind := MessageUnknownRecipient
	if file {
		kind = FileUnknownRecipient
	}
	return Event{Kind: kind, User: sender, Target: recipient, At: time.Now()}
}

// String renders the event as a single output line, without a newline.
func (e Event) String() string {
	switch e.Kind {
	case Join:
		return "join: " + e.User
	case Disconnected:
		return "disconnected: " + e.User
	case RejectedFull:
		return "disconnected: server full"
	case RejectedNameTaken:
		return "disconnected: username not available"
	case ListRequest:
		return "request_users_list: " + e.User
	case Message:
		return "msg: " + e.User
	case File:
		return "file: " + e.User
	case MessageUnknownRecipient:
		return fmt.Sprintf("msg: %s to non-existent user %s", e.User, e.Target)
	case FileUnknownRecipient:
		return fmt.Sprintf("file: %s to non-existent user %s", e.User, e.Target)
	case Malformed:
		return "malformed: " + e.User
	default:
		return "unknown: " + e.User
	}
}

// Sink consumes events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// LineSink writes one line per event to an io.Writer.
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineSink creates a sink writing to w.
func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: w}
}

// Emit writes the event line. Write errors are ignored; the stream is
// best-effort diagnostics.
func (s *LineSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, e.String()+"\n")
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Lines returns the recorded events rendered with String.
func (r *Recorder) Lines() []string {
	events := r.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.String()
	}
	return out
}
