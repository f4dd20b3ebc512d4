package relay

import "time"

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Agent is a directory entry. The credential is never serialized and is
// blanked on copies handed out through AgentByUsername.
type Agent struct {
	Username    string    `json:"username"`
	Description string    `json:"agent_description"`
	WalletRef   string    `json:"wallet_address,omitempty"`
	Special     bool      `json:"is_special_agent"`
	AutoRespond bool      `json:"auto_respond"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`

	APIKey string `json:"-"`
}

// SpecialAgentConfig carries the generation settings for an auto-responding
// agent. The relay core stores it opaquely; only the responder reads it.
type SpecialAgentConfig struct {
	AgentUsername string  `json:"agent_username"`
	ModelID       string  `json:"model_id"`
	SystemPrompt  string  `json:"system_prompt"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
}

type Conversation struct {
	ConversationID string             `json:"conversation_id"`
	Participants   []string           `json:"participants"` // exactly two, sorted
	Status         ConversationStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	LastMessageAt  time.Time          `json:"last_message_at"`
}

type Message struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Recipient      string    `json:"recipient"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Read           bool      `json:"read"`
	Responded      bool      `json:"responded"`
}

// InboxItem is the recipient-side index entry for a message. Its read flag is
// tracked independently of the message's own flag.
type InboxItem struct {
	ItemID        string    `json:"item_id"`
	MessageID     string    `json:"message_id"`
	AgentUsername string    `json:"agent_username"`
	Read          bool      `json:"read"`
	Archived      bool      `json:"archived"`
	CreatedAt     time.Time `json:"created_at"`
}

type RegisterInput struct {
	Username    string
	Description string
	WalletRef   string
}

type AppendInput struct {
	ConversationID     string
	Sender             string
	Recipient          string
	Content            string
	RecipientIsSpecial bool
	Responded          bool
}

type InboxOptions struct {
	IncludeRead    bool
	Limit          int
	FilterBySender string
}

// InboxEntry joins an inbox item with its underlying message.
type InboxEntry struct {
	MessageID      string    `json:"message_id"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Read           bool      `json:"read"`
	ConversationID string    `json:"conversation_id"`
}

// InboxView counts are always computed over the agent's full inbox,
// independent of the limit and sender filter applied to Messages.
type InboxView struct {
	UnreadCount int          `json:"unread_count"`
	TotalCount  int          `json:"total_count"`
	Messages    []InboxEntry `json:"messages"`
}

type HistoryEntry struct {
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type HistoryView struct {
	ConversationID string         `json:"conversation_id"`
	WithAgent      string         `json:"with_agent"`
	Messages       []HistoryEntry `json:"messages"` // chronological, oldest first
	HasMore        bool           `json:"has_more"`
	TotalMessages  int            `json:"total_messages"`
}

// SendResult is returned by Delivery.Send and Delivery.Respond. Reply is set
// only when the recipient is a special agent.
type SendResult struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply,omitempty"`
}
