// Package wire defines the event stream pushed to consumers of an exchange
// and its Server-Sent Events framing.
package wire

import "github.com/dusk-indust/consensus/internal/chat"

// Type tags an Event.
type Type string

const (
	// TypeUpdate carries a fragment for one model slot.
	TypeUpdate Type = "update"
	// TypeModelComplete marks one model slot as complete.
	TypeModelComplete Type = "model_complete"
	// TypeModelError marks one model slot as failed. Sibling slots continue.
	TypeModelError Type = "model_error"
	// TypeTitleUpdate carries a generated conversation title.
	TypeTitleUpdate Type = "title_update"
	// TypeFinal ends a successful exchange with the aggregate and the
	// persisted record.
	TypeFinal Type = "final"
	// TypeError ends an exchange that failed as a whole.
	TypeError Type = "error"
)

// Done is the sentinel payload of the last SSE frame.
const Done = "[DONE]"

// Event is one server-to-client push message. Fields not relevant to Type
// are omitted on the wire.
type Event struct {
	Type           Type   `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	ExchangeID     string `json:"exchangeId,omitempty"`

	ModelIndex int    `json:"modelIndex"`
	Model      string `json:"model,omitempty"`
	// Delta is the fragment carried by an update; Content is the slot's
	// accumulated text so far, or the final text on a final event.
	Delta        string `json:"delta,omitempty"`
	Content      string `json:"content,omitempty"`
	Status       string `json:"status,omitempty"`
	ResponseTime int64  `json:"responseTime,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`

	Title string `json:"title,omitempty"`

	Responses []chat.ConsensusResponse `json:"responses,omitempty"`
	Message   *chat.Message            `json:"message,omitempty"`
	// Notice is set on a final event whose persistence failed: the content
	// stands but the record was not stored.
	Notice string `json:"notice,omitempty"`
}

// Known reports whether t is a type this version understands. Consumers
// ignore unknown types.
func (t Type) Known() bool {
	switch t {
	case TypeUpdate, TypeModelComplete, TypeModelError, TypeTitleUpdate, TypeFinal, TypeError:
		return true
	}
	return false
}

// Terminal reports whether t ends the stream of an exchange.
func (t Type) Terminal() bool {
	return t == TypeFinal || t == TypeError
}

// ErrorEvent builds a terminal error event from err.
func ErrorEvent(conversationID string, err error) Event {
	ce := chat.AsError(err)
	return Event{
		Type:           TypeError,
		ConversationID: conversationID,
		Error:          ce.Error(),
		ErrorKind:      ce.Kind.String(),
	}
}
