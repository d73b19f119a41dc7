package protocol

import "fmt"

// Tag is the one-byte wire discriminant of a message variant.
type Tag uint8

// Tag values are part of the wire contract and must never be renumbered.
const (
	TagProvide     Tag = 0
	TagRevoke      Tag = 1
	TagSubscribe   Tag = 2
	TagUnsubscribe Tag = 3
	TagEvent       Tag = 4

	maxTag = TagEvent
)

// Tags lists every valid tag in wire order.
var Tags = []Tag{TagProvide, TagRevoke, TagSubscribe, TagUnsubscribe, TagEvent}

func (t Tag) String() string {
	switch t {
	case TagProvide:
		return "provide"
	case TagRevoke:
		return "revoke"
	case TagSubscribe:
		return "subscribe"
	case TagUnsubscribe:
		return "unsubscribe"
	case TagEvent:
		return "event"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// IsValidTag reports whether b names one of the message variants.
func IsValidTag(b byte) bool {
	return Tag(b) <= maxTag
}

// Message is one of Provide, Revoke, Subscribe, Unsubscribe or Event.
// Values are comparable with ==.
type Message interface {
	Namespace() Pattern
	Tag() Tag
	isMessage()
}

// Provide announces that the sender publishes under a namespace.
type Provide struct {
	Pattern Pattern
}

// Revoke withdraws an earlier Provide.
type Revoke struct {
	Pattern Pattern
}

// Subscribe asks for events published under a namespace.
type Subscribe struct {
	Pattern Pattern
}

// Unsubscribe withdraws an earlier Subscribe.
type Unsubscribe struct {
	Pattern Pattern
}

// Event carries a payload published under a namespace.
type Event struct {
	Pattern Pattern
	Data    string
}

func (m Provide) Namespace() Pattern     { return m.Pattern }
func (m Revoke) Namespace() Pattern      { return m.Pattern }
func (m Subscribe) Namespace() Pattern   { return m.Pattern }
func (m Unsubscribe) Namespace() Pattern { return m.Pattern }
func (m Event) Namespace() Pattern       { return m.Pattern }

func (Provide) Tag() Tag     { return TagProvide }
func (Revoke) Tag() Tag      { return TagRevoke }
func (Subscribe) Tag() Tag   { return TagSubscribe }
func (Unsubscribe) Tag() Tag { return TagUnsubscribe }
func (Event) Tag() Tag       { return TagEvent }

func (Provide) isMessage()     {}
func (Revoke) isMessage()      {}
func (Subscribe) isMessage()   {}
func (Unsubscribe) isMessage() {}
func (Event) isMessage()       {}

// FromTag builds the variant named by tag. The caller must have checked the
// tag with IsValidTag, and must supply data when tag is TagEvent; violating
// either is a programming error and panics.
func FromTag(tag Tag, namespace Pattern, data *string) Message {
	switch tag {
	case TagProvide:
		return Provide{Pattern: namespace}
	case TagRevoke:
		return Revoke{Pattern: namespace}
	case TagSubscribe:
		return Subscribe{Pattern: namespace}
	case TagUnsubscribe:
		return Unsubscribe{Pattern: namespace}
	case TagEvent:
		if data == nil {
			panic("protocol: data must be present for event messages")
		}
		return Event{Pattern: namespace, Data: *data}
	default:
		panic(fmt.Sprintf("protocol: invalid tag %d", uint8(tag)))
	}
}

// Contains reports whether a and b are the same variant and a's namespace
// contains b's. Event data is not compared.
func Contains(a, b Message) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Tag() == b.Tag() && a.Namespace().Contains(b.Namespace())
}

// Payload returns the event data and true for events, and "" and false for
// every other variant.
func Payload(m Message) (string, bool) {
	switch ev := m.(type) {
	case Event:
		return ev.Data, true
	case *Event:
		if ev == nil {
			return "", false
		}
		return ev.Data, true
	default:
		return "", false
	}
}
