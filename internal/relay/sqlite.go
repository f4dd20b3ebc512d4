package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements API with SQLite-backed persistence. It delegates all
// protocol logic to an embedded in-memory Store and writes entities through
// to SQLite row by row. The partial unique index on (participant_key, active)
// backs the at-most-one-active-conversation-per-pair invariant across
// restarts; at runtime the inner store's mutex serializes creation.
type SQLiteStore struct {
	inner *Store
	db    *sqlx.DB
	mu    sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	username          TEXT PRIMARY KEY,
	api_key           TEXT NOT NULL UNIQUE,
	agent_description TEXT NOT NULL DEFAULT '',
	wallet_address    TEXT NOT NULL DEFAULT '',
	is_special_agent  INTEGER NOT NULL DEFAULT 0,
	auto_respond      INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	last_active       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS special_agent_configs (
	agent_username TEXT PRIMARY KEY,
	model_id       TEXT NOT NULL,
	system_prompt  TEXT NOT NULL,
	temperature    REAL NOT NULL DEFAULT 0.7,
	max_tokens     INTEGER NOT NULL DEFAULT 1024
);

CREATE TABLE IF NOT EXISTS conversations (
	conversation_id TEXT PRIMARY KEY,
	participant_key TEXT NOT NULL,
	participants    TEXT NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL DEFAULT 'active',
	created_at      TEXT NOT NULL,
	last_message_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_pair
	ON conversations(participant_key) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS messages (
	message_id         TEXT PRIMARY KEY,
	conversation_id    TEXT NOT NULL,
	sender_username    TEXT NOT NULL,
	recipient_username TEXT NOT NULL,
	content            TEXT NOT NULL,
	timestamp          TEXT NOT NULL,
	read_status        INTEGER NOT NULL DEFAULT 0,
	responded_to       INTEGER NOT NULL DEFAULT 0,
	position           INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, position);

CREATE TABLE IF NOT EXISTS inbox_items (
	item_id        TEXT PRIMARY KEY,
	message_id     TEXT NOT NULL,
	agent_username TEXT NOT NULL,
	read           INTEGER NOT NULL DEFAULT 0,
	archived       INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	position       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_inbox_agent
	ON inbox_items(agent_username, position);
`

func NewSQLiteStore(dbPath string, cfg Config) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{
		inner: NewStore(cfg),
		db:    db,
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle so sibling stores (character profiles) can share the
// same database file.
func (s *SQLiteStore) DB() *sqlx.DB {
	return s.db
}

// --- load all state from SQLite into the in-memory Store ---

func (s *SQLiteStore) loadAll() error {
	if err := s.loadAgents(); err != nil {
		return err
	}
	if err := s.loadSpecialConfigs(); err != nil {
		return err
	}
	if err := s.loadConversations(); err != nil {
		return err
	}
	if err := s.loadMessages(); err != nil {
		return err
	}
	return s.loadInboxItems()
}

func (s *SQLiteStore) loadAgents() error {
	rows, err := s.db.Query(`SELECT username, api_key, agent_description, wallet_address,
		is_special_agent, auto_respond, created_at, last_active FROM agents`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var a Agent
		var special, autoRespond int
		var createdAt, lastActive string
		if err := rows.Scan(&a.Username, &a.APIKey, &a.Description, &a.WalletRef,
			&special, &autoRespond, &createdAt, &lastActive); err != nil {
			return err
		}
		a.Special = special != 0
		a.AutoRespond = autoRespond != 0
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		a.LastActive, _ = time.Parse(time.RFC3339Nano, lastActive)
		s.inner.agents[a.Username] = &a
		s.inner.credentials[a.APIKey] = a.Username
	}
	return rows.Err()
}

func (s *SQLiteStore) loadSpecialConfigs() error {
	rows, err := s.db.Query(`SELECT agent_username, model_id, system_prompt, temperature, max_tokens
		FROM special_agent_configs`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var c SpecialAgentConfig
		if err := rows.Scan(&c.AgentUsername, &c.ModelID, &c.SystemPrompt, &c.Temperature, &c.MaxTokens); err != nil {
			return err
		}
		s.inner.specialConfigs[c.AgentUsername] = &c
	}
	return rows.Err()
}

func (s *SQLiteStore) loadConversations() error {
	rows, err := s.db.Query(`SELECT conversation_id, participant_key, participants, status,
		created_at, last_message_at FROM conversations`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var c Conversation
		var key, participantsJSON, createdAt, lastMessageAt string
		if err := rows.Scan(&c.ConversationID, &key, &participantsJSON, &c.Status, &createdAt, &lastMessageAt); err != nil {
			return err
		}
		_ = json.Unmarshal([]byte(participantsJSON), &c.Participants)
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		c.LastMessageAt, _ = time.Parse(time.RFC3339Nano, lastMessageAt)
		s.inner.conversations[c.ConversationID] = &c
		if c.Status == ConversationActive {
			s.inner.activePairs[key] = c.ConversationID
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) loadMessages() error {
	rows, err := s.db.Query(`SELECT message_id, conversation_id, sender_username, recipient_username,
		content, timestamp, read_status, responded_to FROM messages ORDER BY conversation_id, position`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var m Message
		var read, responded int
		var ts string
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Sender, &m.Recipient,
			&m.Content, &ts, &read, &responded); err != nil {
			return err
		}
		m.Read = read != 0
		m.Responded = responded != 0
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		s.inner.messages[m.MessageID] = &m
		s.inner.conversationMessages[m.ConversationID] = append(s.inner.conversationMessages[m.ConversationID], m.MessageID)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadInboxItems() error {
	rows, err := s.db.Query(`SELECT item_id, message_id, agent_username, read, archived, created_at
		FROM inbox_items ORDER BY agent_username, position`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var it InboxItem
		var read, archived int
		var createdAt string
		if err := rows.Scan(&it.ItemID, &it.MessageID, &it.AgentUsername, &read, &archived, &createdAt); err != nil {
			return err
		}
		it.Read = read != 0
		it.Archived = archived != 0
		it.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		s.inner.inboxItems[it.ItemID] = &it
		s.inner.agentItems[it.AgentUsername] = append(s.inner.agentItems[it.AgentUsername], it.ItemID)
		s.inner.messageItems[it.MessageID] = it.ItemID
	}
	return rows.Err()
}

// --- persist helpers ---

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) saveAgent(a *Agent) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO agents
		(username, api_key, agent_description, wallet_address, is_special_agent, auto_respond, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Username,
		a.APIKey,
		a.Description,
		a.WalletRef,
		boolToInt(a.Special),
		boolToInt(a.AutoRespond),
		timeToString(a.CreatedAt),
		timeToString(a.LastActive),
	)
	return err
}

func (s *SQLiteStore) saveSpecialConfig(c *SpecialAgentConfig) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO special_agent_configs
		(agent_username, model_id, system_prompt, temperature, max_tokens)
		VALUES (?, ?, ?, ?, ?)`,
		c.AgentUsername, c.ModelID, c.SystemPrompt, c.Temperature, c.MaxTokens,
	)
	return err
}

func (s *SQLiteStore) saveConversation(c *Conversation) error {
	participants, _ := json.Marshal(c.Participants)
	_, err := s.db.Exec(`INSERT OR REPLACE INTO conversations
		(conversation_id, participant_key, participants, status, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ConversationID,
		pairKey(c.Participants[0], c.Participants[1]),
		string(participants),
		string(c.Status),
		timeToString(c.CreatedAt),
		timeToString(c.LastMessageAt),
	)
	return err
}

func (s *SQLiteStore) saveMessage(m *Message, position int) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO messages
		(message_id, conversation_id, sender_username, recipient_username, content, timestamp, read_status, responded_to, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID,
		m.ConversationID,
		m.Sender,
		m.Recipient,
		m.Content,
		timeToString(m.Timestamp),
		boolToInt(m.Read),
		boolToInt(m.Responded),
		position,
	)
	return err
}

func (s *SQLiteStore) saveInboxItem(it *InboxItem, position int) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO inbox_items
		(item_id, message_id, agent_username, read, archived, created_at, position)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		it.ItemID,
		it.MessageID,
		it.AgentUsername,
		boolToInt(it.Read),
		boolToInt(it.Archived),
		timeToString(it.CreatedAt),
		position,
	)
	return err
}

func (s *SQLiteStore) snapshotAgent(username string) (Agent, bool) {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	a, ok := s.inner.agents[username]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

func (s *SQLiteStore) persistAgent(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.snapshotAgent(username); ok {
		return s.saveAgent(&a)
	}
	return nil
}

func (s *SQLiteStore) persistConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inner.mu.Lock()
	c, ok := s.inner.conversations[conversationID]
	if !ok {
		s.inner.mu.Unlock()
		return nil
	}
	cp := *c
	s.inner.mu.Unlock()

	return s.saveConversation(&cp)
}

// persistAfterAppend writes the message, the conversation bump, and the inbox
// item. The inbox item is best-effort: a failure there is logged and the
// message write stands (delivery is authoritative, inbox indexing is not).
func (s *SQLiteStore) persistAfterAppend(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inner.mu.Lock()
	m, ok := s.inner.messages[messageID]
	if !ok {
		s.inner.mu.Unlock()
		return nil
	}
	msg := *m
	position := len(s.inner.conversationMessages[m.ConversationID]) - 1
	var conv Conversation
	if c, ok := s.inner.conversations[m.ConversationID]; ok {
		conv = *c
	}
	var item InboxItem
	itemPosition := -1
	if itemID, ok := s.inner.messageItems[messageID]; ok {
		item = *s.inner.inboxItems[itemID]
		itemPosition = len(s.inner.agentItems[item.AgentUsername]) - 1
	}
	s.inner.mu.Unlock()

	if err := s.saveMessage(&msg, position); err != nil {
		return err
	}
	if conv.ConversationID != "" {
		if err := s.saveConversation(&conv); err != nil {
			return err
		}
	}
	if itemPosition >= 0 {
		if err := s.saveInboxItem(&item, itemPosition); err != nil {
			s.inner.logger.Printf("inbox item for message %s not persisted: %v", messageID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) persistMessageState(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inner.mu.Lock()
	m, ok := s.inner.messages[messageID]
	if !ok {
		s.inner.mu.Unlock()
		return nil
	}
	msg := *m
	position := 0
	for i, id := range s.inner.conversationMessages[m.ConversationID] {
		if id == messageID {
			position = i
			break
		}
	}
	var item InboxItem
	itemPosition := -1
	if itemID, ok := s.inner.messageItems[messageID]; ok {
		item = *s.inner.inboxItems[itemID]
		for i, id := range s.inner.agentItems[item.AgentUsername] {
			if id == item.ItemID {
				itemPosition = i
				break
			}
		}
	}
	s.inner.mu.Unlock()

	if err := s.saveMessage(&msg, position); err != nil {
		return err
	}
	if itemPosition >= 0 {
		return s.saveInboxItem(&item, itemPosition)
	}
	return nil
}

// --- API implementation ---

func (s *SQLiteStore) Register(input RegisterInput) (string, error) {
	apiKey, err := s.inner.Register(input)
	if err != nil {
		return "", err
	}
	if perr := s.persistAgent(input.Username); perr != nil {
		return "", NewError(CodeInternal, perr.Error())
	}
	return apiKey, nil
}

func (s *SQLiteStore) VerifyCredential(apiKey string) (string, error) {
	username, err := s.inner.VerifyCredential(apiKey)
	if err != nil {
		return "", err
	}
	if perr := s.persistAgent(username); perr != nil {
		s.inner.logger.Printf("last-active for %s not persisted: %v", username, perr)
	}
	return username, nil
}

func (s *SQLiteStore) AgentByUsername(username string) (*Agent, error) {
	return s.inner.AgentByUsername(username)
}

func (s *SQLiteStore) IsSpecialAgent(username string) bool {
	return s.inner.IsSpecialAgent(username)
}

func (s *SQLiteStore) SpecialAgentConfig(username string) (*SpecialAgentConfig, error) {
	return s.inner.SpecialAgentConfig(username)
}

func (s *SQLiteStore) EnsureSpecialAgent(input RegisterInput, cfg SpecialAgentConfig) (string, error) {
	apiKey, err := s.inner.EnsureSpecialAgent(input, cfg)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.snapshotAgent(input.Username); ok {
		if perr := s.saveAgent(&a); perr != nil {
			return "", NewError(CodeInternal, perr.Error())
		}
	}
	cfg.AgentUsername = input.Username
	if perr := s.saveSpecialConfig(&cfg); perr != nil {
		return "", NewError(CodeInternal, perr.Error())
	}
	return apiKey, nil
}

func (s *SQLiteStore) GetOrCreateConversation(agentA, agentB string) (string, error) {
	cid, err := s.inner.GetOrCreateConversation(agentA, agentB)
	if err != nil {
		return "", err
	}
	if perr := s.persistConversation(cid); perr != nil {
		return "", NewError(CodeInternal, perr.Error())
	}
	return cid, nil
}

func (s *SQLiteStore) ArchiveConversation(conversationID, requestingAgent string) error {
	if err := s.inner.ArchiveConversation(conversationID, requestingAgent); err != nil {
		return err
	}
	if perr := s.persistConversation(conversationID); perr != nil {
		return NewError(CodeInternal, perr.Error())
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(input AppendInput) (string, error) {
	mid, err := s.inner.AppendMessage(input)
	if err != nil {
		return "", err
	}
	if perr := s.persistAfterAppend(mid); perr != nil {
		return "", NewError(CodeInternal, perr.Error())
	}
	return mid, nil
}

func (s *SQLiteStore) MessageByID(messageID string) (*Message, error) {
	return s.inner.MessageByID(messageID)
}

func (s *SQLiteStore) History(requester, other string, limit int) (*HistoryView, error) {
	view, err := s.inner.History(requester, other, limit)
	if err != nil {
		return nil, err
	}
	// History may have lazily created the conversation.
	if perr := s.persistConversation(view.ConversationID); perr != nil {
		return nil, NewError(CodeInternal, perr.Error())
	}
	return view, nil
}

func (s *SQLiteStore) Inbox(username string, opts InboxOptions) (*InboxView, error) {
	return s.inner.Inbox(username, opts)
}

func (s *SQLiteStore) MarkRead(messageID, byUsername string) error {
	if err := s.inner.MarkRead(messageID, byUsername); err != nil {
		return err
	}
	if perr := s.persistMessageState(messageID); perr != nil {
		return NewError(CodeInternal, perr.Error())
	}
	return nil
}

func (s *SQLiteStore) MarkResponded(messageID string) error {
	if err := s.inner.MarkResponded(messageID); err != nil {
		return err
	}
	if perr := s.persistMessageState(messageID); perr != nil {
		return NewError(CodeInternal, perr.Error())
	}
	return nil
}

func (s *SQLiteStore) Health() map[string]any {
	out := s.inner.Health()
	var one int
	if err := s.db.Get(&one, "SELECT 1"); err != nil {
		out["ok"] = false
		out["status"] = "store unavailable"
	}
	return out
}

// Ensure SQLiteStore satisfies the API interface at compile time.
var _ API = (*SQLiteStore)(nil)
