package relay

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	defaultInboxLimit   = 20
	maxInboxLimit       = 50
)

type Config struct {
	Clock  func() time.Time
	Logger *log.Logger
}

// Store is the in-memory implementation of API. One mutex guards all state;
// that is also what serializes conversation creation per participant pair.
type Store struct {
	mu sync.Mutex

	cfg Config

	agents         map[string]*Agent
	credentials    map[string]string // api key -> username
	specialConfigs map[string]*SpecialAgentConfig

	conversations map[string]*Conversation
	activePairs   map[string]string // participant pair key -> conversation id

	messages             map[string]*Message
	conversationMessages map[string][]string // conversation id -> message ids, insertion order

	inboxItems   map[string]*InboxItem
	agentItems   map[string][]string // username -> item ids, insertion order
	messageItems map[string]string   // message id -> item id

	logger *log.Logger
}

func NewStore(cfg Config) *Store {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "relay ", log.LstdFlags)
	}
	return &Store{
		cfg:                  cfg,
		agents:               map[string]*Agent{},
		credentials:          map[string]string{},
		specialConfigs:       map[string]*SpecialAgentConfig{},
		conversations:        map[string]*Conversation{},
		activePairs:          map[string]string{},
		messages:             map[string]*Message{},
		conversationMessages: map[string][]string{},
		inboxItems:           map[string]*InboxItem{},
		agentItems:           map[string][]string{},
		messageItems:         map[string]string{},
		logger:               logger,
	}
}

func (s *Store) now() time.Time {
	return s.cfg.Clock().UTC()
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x1f" + b
}

func sortedPair(a, b string) []string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair
}

func isParticipant(c *Conversation, username string) bool {
	for _, p := range c.Participants {
		if p == username {
			return true
		}
	}
	return false
}

// --- directory ---

func (s *Store) Register(input RegisterInput) (string, error) {
	now := s.now()
	username := strings.TrimSpace(input.Username)
	if username == "" {
		return "", NewError(CodeValidation, "username is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[username]; ok {
		return "", NewError(CodeConflict, fmt.Sprintf("username %q is already taken", username))
	}

	apiKey := uuid.NewString()
	s.agents[username] = &Agent{
		Username:    username,
		Description: strings.TrimSpace(input.Description),
		WalletRef:   strings.TrimSpace(input.WalletRef),
		CreatedAt:   now,
		LastActive:  now,
		APIKey:      apiKey,
	}
	s.credentials[apiKey] = username
	s.logger.Printf("registered agent %s", username)
	return apiKey, nil
}

func (s *Store) VerifyCredential(apiKey string) (string, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return "", NewError(CodeUnauthorized, "API key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	username, ok := s.credentials[key]
	if !ok {
		return "", NewError(CodeUnauthorized, "invalid or expired API key")
	}
	if agent, ok := s.agents[username]; ok {
		agent.LastActive = s.now()
	}
	return username, nil
}

func (s *Store) AgentByUsername(username string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[username]
	if !ok {
		return nil, NewError(CodeNotFound, fmt.Sprintf("agent not found: %s", username))
	}
	cp := *agent
	cp.APIKey = ""
	return &cp, nil
}

func (s *Store) IsSpecialAgent(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[username]
	return ok && agent.Special
}

func (s *Store) SpecialAgentConfig(username string) (*SpecialAgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[username]
	if !ok || !agent.Special {
		return nil, NewError(CodeNotFound, fmt.Sprintf("%s is not a special agent", username))
	}
	cfg, ok := s.specialConfigs[username]
	if !ok {
		return nil, NewError(CodeNotFound, fmt.Sprintf("configuration not found for special agent: %s", username))
	}
	cp := *cfg
	return &cp, nil
}

// EnsureSpecialAgent registers username if absent, flags it as special, and
// stores its config. Idempotent; used to seed auto-responders at startup.
func (s *Store) EnsureSpecialAgent(input RegisterInput, cfg SpecialAgentConfig) (string, error) {
	now := s.now()
	username := strings.TrimSpace(input.Username)
	if username == "" {
		return "", NewError(CodeValidation, "username is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[username]
	if !ok {
		agent = &Agent{
			Username:    username,
			Description: strings.TrimSpace(input.Description),
			WalletRef:   strings.TrimSpace(input.WalletRef),
			CreatedAt:   now,
			LastActive:  now,
			APIKey:      uuid.NewString(),
		}
		s.agents[username] = agent
		s.credentials[agent.APIKey] = username
		s.logger.Printf("registered special agent %s", username)
	}
	agent.Special = true
	agent.AutoRespond = true
	cfg.AgentUsername = username
	s.specialConfigs[username] = &cfg
	return agent.APIKey, nil
}

// --- conversation registry ---

func (s *Store) GetOrCreateConversation(agentA, agentB string) (string, error) {
	now := s.now()
	a := strings.TrimSpace(agentA)
	b := strings.TrimSpace(agentB)
	if a == "" || b == "" {
		return "", NewError(CodeValidation, "both participants are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[a]; !ok {
		return "", NewError(CodeNotFound, fmt.Sprintf("agent not found: %s", a))
	}
	if _, ok := s.agents[b]; !ok {
		return "", NewError(CodeNotFound, fmt.Sprintf("agent not found: %s", b))
	}

	key := pairKey(a, b)
	if cid, ok := s.activePairs[key]; ok {
		return cid, nil
	}

	cid := uuid.NewString()
	s.conversations[cid] = &Conversation{
		ConversationID: cid,
		Participants:   sortedPair(a, b),
		Status:         ConversationActive,
		CreatedAt:      now,
		LastMessageAt:  now,
	}
	s.activePairs[key] = cid
	s.logger.Printf("created conversation %s between %s and %s", cid, a, b)
	return cid, nil
}

func (s *Store) ArchiveConversation(conversationID, requestingAgent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return NewError(CodeNotFound, "conversation not found")
	}
	if !isParticipant(conv, requestingAgent) {
		return NewError(CodeForbidden, "you are not a participant in this conversation")
	}
	if conv.Status == ConversationArchived {
		return nil
	}
	conv.Status = ConversationArchived
	key := pairKey(conv.Participants[0], conv.Participants[1])
	if s.activePairs[key] == conversationID {
		delete(s.activePairs, key)
	}
	s.logger.Printf("archived conversation %s", conversationID)
	return nil
}

// --- message store and inbox ---

func (s *Store) AppendMessage(input AppendInput) (string, error) {
	if strings.TrimSpace(input.Content) == "" {
		return "", NewError(CodeValidation, "message content is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[input.ConversationID]
	if !ok {
		return "", NewError(CodeNotFound, "conversation not found")
	}
	if !isParticipant(conv, input.Sender) || !isParticipant(conv, input.Recipient) {
		return "", NewError(CodeForbidden, "sender and recipient must be conversation participants")
	}

	// Timestamps within a conversation never go backwards.
	ts := s.now()
	if ts.Before(conv.LastMessageAt) {
		ts = conv.LastMessageAt
	}

	mid := uuid.NewString()
	m := &Message{
		MessageID:      mid,
		ConversationID: input.ConversationID,
		Sender:         input.Sender,
		Recipient:      input.Recipient,
		Content:        input.Content,
		Timestamp:      ts,
		Read:           input.RecipientIsSpecial,
		Responded:      input.Responded,
	}
	s.messages[mid] = m
	s.conversationMessages[conv.ConversationID] = append(s.conversationMessages[conv.ConversationID], mid)
	conv.LastMessageAt = ts

	item := &InboxItem{
		ItemID:        uuid.NewString(),
		MessageID:     mid,
		AgentUsername: input.Recipient,
		Read:          input.RecipientIsSpecial,
		CreatedAt:     ts,
	}
	s.inboxItems[item.ItemID] = item
	s.agentItems[input.Recipient] = append(s.agentItems[input.Recipient], item.ItemID)
	s.messageItems[mid] = item.ItemID

	return mid, nil
}

func (s *Store) MessageByID(messageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, NewError(CodeNotFound, "message not found")
	}
	cp := *m
	return &cp, nil
}

func (s *Store) History(requester, other string, limit int) (*HistoryView, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	// History between agents that never talked resolves to a fresh, empty
	// conversation rather than an error.
	cid, err := s.GetOrCreateConversation(requester, other)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.conversationMessages[cid]
	total := len(ids)
	start := 0
	if total > limit {
		start = total - limit
	}

	entries := make([]HistoryEntry, 0, total-start)
	for _, id := range ids[start:] {
		m, ok := s.messages[id]
		if !ok {
			continue
		}
		entries = append(entries, HistoryEntry{
			MessageID: m.MessageID,
			Sender:    m.Sender,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return &HistoryView{
		ConversationID: cid,
		WithAgent:      other,
		Messages:       entries,
		HasMore:        total > limit,
		TotalMessages:  total,
	}, nil
}

func (s *Store) Inbox(username string, opts InboxOptions) (*InboxView, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultInboxLimit
	}
	if limit > maxInboxLimit {
		limit = maxInboxLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	itemIDs := s.agentItems[username]
	view := &InboxView{Messages: []InboxEntry{}}

	// Counts cover the full inbox regardless of limit or sender filter.
	for _, id := range itemIDs {
		item := s.inboxItems[id]
		view.TotalCount++
		if !item.Read {
			view.UnreadCount++
		}
	}

	// Newest first by message timestamp. The per-conversation clamp can put
	// a later-delivered message behind an earlier one from another
	// conversation, so insertion order alone is not enough; ties keep
	// reverse insertion order.
	type joined struct {
		item *InboxItem
		msg  *Message
	}
	entries := make([]joined, 0, len(itemIDs))
	for i := len(itemIDs) - 1; i >= 0; i-- {
		item := s.inboxItems[itemIDs[i]]
		m, ok := s.messages[item.MessageID]
		if !ok {
			continue
		}
		entries = append(entries, joined{item: item, msg: m})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].msg.Timestamp.After(entries[j].msg.Timestamp)
	})

	for _, e := range entries {
		if !opts.IncludeRead && e.item.Read {
			continue
		}
		if opts.FilterBySender != "" && e.msg.Sender != opts.FilterBySender {
			continue
		}
		if len(view.Messages) >= limit {
			break
		}
		view.Messages = append(view.Messages, InboxEntry{
			MessageID:      e.msg.MessageID,
			Sender:         e.msg.Sender,
			Content:        e.msg.Content,
			Timestamp:      e.msg.Timestamp,
			Read:           e.item.Read,
			ConversationID: e.msg.ConversationID,
		})
	}
	return view, nil
}

func (s *Store) MarkRead(messageID, byUsername string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return NewError(CodeNotFound, "message not found")
	}
	if m.Recipient != byUsername {
		return NewError(CodeForbidden, "you are not the recipient of this message")
	}
	m.Read = true
	if itemID, ok := s.messageItems[messageID]; ok {
		s.inboxItems[itemID].Read = true
	}
	return nil
}

func (s *Store) MarkResponded(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return NewError(CodeNotFound, "message not found")
	}
	m.Responded = true
	return nil
}

func (s *Store) Health() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	special := 0
	for _, a := range s.agents {
		if a.Special {
			special++
		}
	}
	active := 0
	for _, c := range s.conversations {
		if c.Status == ConversationActive {
			active++
		}
	}
	return map[string]any{
		"ok":                   true,
		"status":               "healthy",
		"agents":               len(s.agents),
		"special_agents":       special,
		"active_conversations": active,
		"messages":             len(s.messages),
	}
}
