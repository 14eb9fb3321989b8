package mcptools

// --- MCP Tool Input Types ---
// The MCP Go SDK generates JSON schemas for these from their struct tags.

// AskInput is the input for the ask MCP tool.
type AskInput struct {
	Prompt         string `json:"prompt" jsonschema:"the message to send"`
	Model          string `json:"model,omitempty" jsonschema:"model id, e.g. openai/gpt-4o-mini. Default: the user's last model or the configured default"`
	ConversationID string `json:"conversationId,omitempty" jsonschema:"conversation to continue. A new conversation is created when empty"`
}

// ConsensusInput is the input for the consensus MCP tool.
type ConsensusInput struct {
	Prompt         string   `json:"prompt" jsonschema:"the message to send to every model"`
	Models         []string `json:"models,omitempty" jsonschema:"model ids to ask in parallel. Default: the user's last consensus set or the configured one"`
	ConversationID string   `json:"conversationId,omitempty" jsonschema:"conversation to continue. A new conversation is created when empty"`
}

// ExchangeOutput is the result of the ask and consensus MCP tools.
type ExchangeOutput struct {
	ConversationID string            `json:"conversationId"`
	ExchangeID     string            `json:"exchangeId"`
	Title          string            `json:"title"`
	Content        string            `json:"content,omitempty"`
	Responses      []ResponseSummary `json:"responses,omitempty"`
	Cancelled      bool              `json:"cancelled,omitempty"`
}

// ResponseSummary is one model's answer within a consensus exchange.
type ResponseSummary struct {
	Model          string `json:"model"`
	Content        string `json:"content"`
	Error          string `json:"error,omitempty"`
	ErrorKind      string `json:"errorKind,omitempty"`
	ResponseTimeMS int64  `json:"responseTimeMs"`
}

// ListConversationsInput is the input for the list_conversations MCP tool.
type ListConversationsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of conversations to return (default: 20)"`
}

// ListConversationsOutput is the result of the list_conversations MCP tool.
type ListConversationsOutput struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}

// ConversationSummary is a brief overview of one conversation.
type ConversationSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Model     string `json:"model"`
	UpdatedAt string `json:"updatedAt"`
}
