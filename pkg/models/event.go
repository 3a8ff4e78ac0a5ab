package models

// EventType discriminates the two kinds of event the agent loop yields to
// the SSE transport.
type EventType string

const (
	EventMessage EventType = "message"
	EventUsage   EventType = "usage"
)

// Event is one item of the totally-ordered sequence the agent loop produces
// for a single user turn. Exactly one of Message/CumulativeTokens is
// populated, selected by Type. Sequence counts the events of one turn,
// starting at 1 and increasing with each event, so a consumer can assert
// ordering within a turn independent of arrival timing over SSE.
type Event struct {
	Type     EventType `json:"type"`
	Sequence uint64    `json:"sequence"`

	Message *Message `json:"message,omitempty"`

	// CumulativeTokens is populated for Type == EventUsage.
	CumulativeTokens int `json:"cumulative_tokens,omitempty"`
}

// NewMessageEvent builds a message event.
func NewMessageEvent(seq uint64, msg Message) Event {
	return Event{Type: EventMessage, Sequence: seq, Message: &msg}
}

// NewUsageEvent builds a usage event.
func NewUsageEvent(seq uint64, cumulativeTokens int) Event {
	return Event{Type: EventUsage, Sequence: seq, CumulativeTokens: cumulativeTokens}
}
