package relay

// API is the storage/service interface consumed by the delivery orchestrator
// and the HTTP layer. It allows swapping the in-memory and SQLite-backed
// implementations.
type API interface {
	// Directory.
	Register(input RegisterInput) (string, error)
	VerifyCredential(apiKey string) (string, error)
	AgentByUsername(username string) (*Agent, error)
	IsSpecialAgent(username string) bool
	SpecialAgentConfig(username string) (*SpecialAgentConfig, error)
	EnsureSpecialAgent(input RegisterInput, cfg SpecialAgentConfig) (string, error)

	// Conversation registry.
	GetOrCreateConversation(agentA, agentB string) (string, error)
	ArchiveConversation(conversationID, requestingAgent string) error

	// Message store and inbox.
	AppendMessage(input AppendInput) (string, error)
	MessageByID(messageID string) (*Message, error)
	History(requester, other string, limit int) (*HistoryView, error)
	Inbox(username string, opts InboxOptions) (*InboxView, error)
	MarkRead(messageID, byUsername string) error
	MarkResponded(messageID string) error

	Health() map[string]any
}
