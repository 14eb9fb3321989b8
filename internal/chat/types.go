package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// --- Enums ---

// Status is the lifecycle state of one model slot.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true if no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// rank orders statuses so transitions can be checked for monotonicity.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusStreaming:
		return 1
	case StatusComplete, StatusFailed:
		return 2
	}
	return -1
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// EventKind tags a multiplexed event.
type EventKind string

const (
	EventUpdate   EventKind = "update"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// DefaultTitle is the title given to conversations before the first exchange
// has produced one.
const DefaultTitle = "New Chat"

// consensusPrefix marks a conversation model string that lists several models.
const consensusPrefix = "consensus:"

// --- Request ---

// Attachment references a file stored by the attachment collaborator.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	FileType string `json:"file_type"`
	FileSize int64  `json:"file_size,omitempty"`
	URL      string `json:"file_url,omitempty"`
}

// IsImage reports whether the attachment is an image the model can see.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.FileType, "image/")
}

// Request is one dispatch: a prompt sent to one or more models.
type Request struct {
	ConversationID string
	UserID         string
	Prompt         string
	Models         []string
	Attachments    []Attachment
}

// Consensus reports whether the request targets more than one model.
func (r Request) Consensus() bool {
	return len(r.Models) > 1
}

// Validate checks the request invariants. maxModels <= 0 disables the limit.
func (r Request) Validate(maxModels int) error {
	if len(r.Models) == 0 {
		return &Error{Kind: KindInvalidRequest, Op: "validate", Err: errors.New("at least one model is required")}
	}
	if maxModels > 0 && len(r.Models) > maxModels {
		return &Error{Kind: KindInvalidRequest, Op: "validate", Err: fmt.Errorf("at most %d models per request, got %d", maxModels, len(r.Models))}
	}
	for i, m := range r.Models {
		if strings.TrimSpace(m) == "" {
			return &Error{Kind: KindInvalidRequest, Op: "validate", Err: fmt.Errorf("model %d is empty", i)}
		}
	}
	if strings.TrimSpace(r.Prompt) == "" && len(r.Attachments) == 0 {
		return &Error{Kind: KindInvalidRequest, Op: "validate", Err: errors.New("prompt or attachment is required")}
	}
	return nil
}

// ModelString encodes the target models the way conversations record them:
// the bare id for one model, "consensus:m1,m2" for several.
func ModelString(models []string) string {
	if len(models) == 1 {
		return models[0]
	}
	return consensusPrefix + strings.Join(models, ",")
}

// ParseModelString is the inverse of ModelString.
func ParseModelString(s string) (models []string, consensus bool) {
	if rest, ok := strings.CutPrefix(s, consensusPrefix); ok {
		if rest == "" {
			return nil, true
		}
		return strings.Split(rest, ","), true
	}
	if s == "" {
		return nil, false
	}
	return []string{s}, false
}

// --- Slots and events ---

// ModelSlot tracks one model's output within an exchange.
type ModelSlot struct {
	Model   string        `json:"model"`
	Content string        `json:"content"`
	Status  Status        `json:"status"`
	Err     *Error        `json:"-"`
	Elapsed time.Duration `json:"-"`
}

// CanTransition reports whether moving the slot to next keeps the status
// monotonic. Terminal slots never move.
func (s ModelSlot) CanTransition(next Status) bool {
	if s.Status.IsTerminal() {
		return false
	}
	return next.rank() >= s.Status.rank()
}

// Response converts the slot into its wire and storage form.
func (s ModelSlot) Response() ConsensusResponse {
	r := ConsensusResponse{
		Model:        s.Model,
		Content:      s.Content,
		ResponseTime: s.Elapsed.Milliseconds(),
	}
	if s.Err != nil {
		r.Error = s.Err.Error()
		r.ErrorKind = s.Err.Kind.String()
	}
	return r
}

// Event is one tagged item on the multiplexed stream.
type Event struct {
	Index   int
	Kind    EventKind
	Payload string
	Elapsed time.Duration
	Err     error
}

// AggregateResult is the finalized, immutable outcome of an exchange.
type AggregateResult struct {
	slots []ModelSlot
}

// NewAggregateResult copies slots into a new result.
func NewAggregateResult(slots []ModelSlot) AggregateResult {
	out := make([]ModelSlot, len(slots))
	copy(out, slots)
	return AggregateResult{slots: out}
}

// Slots returns a copy of the slots in request order.
func (r AggregateResult) Slots() []ModelSlot {
	out := make([]ModelSlot, len(r.slots))
	copy(out, r.slots)
	return out
}

// Len returns the number of slots.
func (r AggregateResult) Len() int { return len(r.slots) }

// Responses returns the ordered consensus payload.
func (r AggregateResult) Responses() []ConsensusResponse {
	out := make([]ConsensusResponse, len(r.slots))
	for i, s := range r.slots {
		out[i] = s.Response()
	}
	return out
}

// EncodedResponses returns Responses in the form stored as message content.
func (r AggregateResult) EncodedResponses() string {
	return EncodeResponses(r.Responses())
}

// Text returns the first slot's text, which is the whole answer of a
// single-model exchange.
func (r AggregateResult) Text() string {
	if len(r.slots) == 0 {
		return ""
	}
	return r.slots[0].Content
}

// HasContent reports whether any slot produced text.
func (r AggregateResult) HasContent() bool {
	for _, s := range r.slots {
		if s.Content != "" {
			return true
		}
	}
	return false
}

// AllFailed reports whether every slot failed.
func (r AggregateResult) AllFailed() bool {
	for _, s := range r.slots {
		if s.Status != StatusFailed {
			return false
		}
	}
	return len(r.slots) > 0
}

// --- Persistence records ---

// ConsensusResponse is one model's entry in a consensus message.
type ConsensusResponse struct {
	Model        string `json:"model"`
	Content      string `json:"content"`
	Error        string `json:"error,omitempty"`
	ErrorKind    string `json:"errorKind,omitempty"`
	ResponseTime int64  `json:"responseTime"`
}

// Message is a durable message record.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	Role           Role                `json:"role"`
	Content        string              `json:"content"`
	Consensus      []ConsensusResponse `json:"consensus,omitempty"`
	Attachments    []Attachment        `json:"attachments,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// IsConsensus reports whether the message carries per-model responses.
func (m Message) IsConsensus() bool {
	return len(m.Consensus) > 0
}

// Conversation is a durable conversation record.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EncodeResponses renders a consensus payload as the JSON text stored in a
// message's content column.
func EncodeResponses(rs []ConsensusResponse) string {
	if rs == nil {
		rs = []ConsensusResponse{}
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return "[]"
	}
	return string(b)
}
