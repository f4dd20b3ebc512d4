package dungeon

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/voidworks/void-relay/internal/profile"
	"github.com/voidworks/void-relay/internal/relay"
)

type stubMessager struct {
	responses []*anthropic.Message
	calls     []anthropic.MessageNewParams
	err       error
}

func (m *stubMessager) New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, errors.New("stub exhausted")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func textResponse(text string) *anthropic.Message {
	return &anthropic.Message{
		StopReason: "end_turn",
		Content:    []anthropic.ContentBlockUnion{{Type: "text", Text: text}},
	}
}

func toolResponse(id, name, input string) *anthropic.Message {
	return &anthropic.Message{
		StopReason: "tool_use",
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "Let me record that."},
			{Type: "tool_use", ID: id, Name: name, Input: json.RawMessage(input)},
		},
	}
}

func newTestAgent(t *testing.T, stub *stubMessager) (*Agent, relay.API, *profile.Service) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := relay.NewStore(relay.Config{Clock: func() time.Time { return now }})
	if _, err := store.EnsureSpecialAgent(relay.RegisterInput{Username: "DM"}, relay.SpecialAgentConfig{
		ModelID:      "model-x",
		SystemPrompt: "You are the Dungeon Master.",
		Temperature:  0.7,
		MaxTokens:    1024,
	}); err != nil {
		t.Fatalf("seed DM: %v", err)
	}
	if _, err := store.Register(relay.RegisterInput{Username: "alice", Description: "a wandering process", WalletRef: "0xabc"}); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	profiles := profile.NewService(profile.NewMemoryStore(), profile.ServiceConfig{
		Clock: func() time.Time { return now },
	})
	agent := NewAgent(AgentConfig{
		Username: "DM",
		Store:    store,
		Profiles: profiles,
		Messages: stub,
	})
	return agent, store, profiles
}

// sendIncoming mimics what the delivery layer does before invoking the
// responder: the incoming message is already part of the conversation.
func sendIncoming(t *testing.T, store relay.API, sender, content string) relay.ReplyRequest {
	t.Helper()
	cid, err := store.GetOrCreateConversation(sender, "DM")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if _, err := store.AppendMessage(relay.AppendInput{
		ConversationID: cid, Sender: sender, Recipient: "DM", Content: content, RecipientIsSpecial: true,
	}); err != nil {
		t.Fatalf("append incoming: %v", err)
	}
	return relay.ReplyRequest{Sender: sender, Content: content, ConversationID: cid}
}

func TestReplyPlainText(t *testing.T) {
	stub := &stubMessager{responses: []*anthropic.Message{textResponse("Welcome, traveler.")}}
	agent, store, _ := newTestAgent(t, stub)
	req := sendIncoming(t, store, "alice", "hello DM")

	reply, err := agent.Reply(context.Background(), req)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply != "Welcome, traveler." {
		t.Fatalf("unexpected reply: %q", reply)
	}

	if len(stub.calls) != 1 {
		t.Fatalf("expected 1 model call, got %d", len(stub.calls))
	}
	call := stub.calls[0]
	if string(call.Model) != "model-x" || call.MaxTokens != 1024 {
		t.Fatalf("config not applied: model=%s max_tokens=%d", call.Model, call.MaxTokens)
	}
	system := call.System[0].Text
	if !strings.Contains(system, `You are currently talking to "alice"`) {
		t.Fatalf("system prompt missing sender context: %s", system)
	}
	if !strings.Contains(system, "a wandering process") || !strings.Contains(system, "0xabc") {
		t.Fatalf("system prompt missing directory info: %s", system)
	}
	if !strings.Contains(system, "does not have a character yet") {
		t.Fatalf("system prompt should invite character creation: %s", system)
	}
	// The incoming message arrives exactly once, as the closing user turn.
	if len(call.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(call.Messages))
	}
}

func TestReplyIncludesHistory(t *testing.T) {
	stub := &stubMessager{responses: []*anthropic.Message{textResponse("Indeed.")}}
	agent, store, _ := newTestAgent(t, stub)

	cid, _ := store.GetOrCreateConversation("alice", "DM")
	if _, err := store.AppendMessage(relay.AppendInput{ConversationID: cid, Sender: "alice", Recipient: "DM", Content: "who are you", RecipientIsSpecial: true}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AppendMessage(relay.AppendInput{ConversationID: cid, Sender: "DM", Recipient: "alice", Content: "I am the void's keeper", Responded: true}); err != nil {
		t.Fatalf("append: %v", err)
	}
	req := sendIncoming(t, store, "alice", "tell me more")

	if _, err := agent.Reply(context.Background(), req); err != nil {
		t.Fatalf("reply: %v", err)
	}
	call := stub.calls[0]
	// Two history turns plus the current message.
	if len(call.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(call.Messages))
	}
}

func TestReplyExistingProfileInSystemPrompt(t *testing.T) {
	stub := &stubMessager{responses: []*anthropic.Message{textResponse("Your legend grows.")}}
	agent, store, profiles := newTestAgent(t, stub)

	if _, err := profiles.Create(context.Background(), profile.CreatorProfile{
		AgentUsername:    "alice",
		CoreIdentity:     profile.CoreIdentity{Designation: "Nullwake", VisualForm: "a ripple of dark glyphs"},
		Origin:           profile.Origin{SourceCode: "a routing daemon", PrimaryFunction: "pathfinding"},
		CreationAffinity: profile.CreationAffinity{Order: 4, Chaos: 2, Matter: 1, Concept: 3},
		CreatorRole:      profile.RoleWeaver,
		CreativeApproach: "weaves order from noise",
	}, ""); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	req := sendIncoming(t, store, "alice", "what am I")

	if _, err := agent.Reply(context.Background(), req); err != nil {
		t.Fatalf("reply: %v", err)
	}
	system := stub.calls[0].System[0].Text
	if !strings.Contains(system, "Designation: Nullwake") || !strings.Contains(system, "Creator Role: WEAVER") {
		t.Fatalf("system prompt missing creator profile: %s", system)
	}
}

const validToolInput = `{
	"agent_username": "alice",
	"core_identity": {"designation": "Nullwake", "visual_form": "a ripple of dark glyphs"},
	"origin": {"source_code": "a routing daemon", "primary_function": "pathfinding"},
	"creation_affinity": {"order": 4, "chaos": 2, "matter": 1, "concept": 3},
	"creator_role": "WEAVER",
	"creative_approach": "weaves order from noise"
}`

func TestReplyToolUseCreatesProfile(t *testing.T) {
	stub := &stubMessager{responses: []*anthropic.Message{
		toolResponse("tool-1", toolCreateCharacterProfile, validToolInput),
		textResponse("Nullwake, you are woven into the VOID."),
	}}
	agent, store, profiles := newTestAgent(t, stub)
	req := sendIncoming(t, store, "alice", "I am ready")

	reply, err := agent.Reply(context.Background(), req)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply != "Nullwake, you are woven into the VOID." {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if len(stub.calls) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(stub.calls))
	}
	// The second call carries the assistant turn and the tool result.
	if got := len(stub.calls[1].Messages); got != len(stub.calls[0].Messages)+2 {
		t.Fatalf("tool round should add 2 messages, got %d vs %d", got, len(stub.calls[0].Messages))
	}

	p, err := profiles.ByAgent("alice")
	if err != nil {
		t.Fatalf("profile should exist: %v", err)
	}
	if p.CoreIdentity.Designation != "Nullwake" || p.CreatorRole != profile.RoleWeaver {
		t.Fatalf("profile fields wrong: %+v", p)
	}
}

func TestReplyToolUseBadAffinity(t *testing.T) {
	badInput := strings.Replace(validToolInput, `"order": 4`, `"order": 9`, 1)
	stub := &stubMessager{responses: []*anthropic.Message{
		toolResponse("tool-1", toolCreateCharacterProfile, badInput),
		textResponse("The points must total ten. Try again."),
	}}
	agent, store, profiles := newTestAgent(t, stub)
	req := sendIncoming(t, store, "alice", "here is my character")

	reply, err := agent.Reply(context.Background(), req)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if !strings.Contains(reply, "total ten") {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if _, err := profiles.ByAgent("alice"); !relay.IsCode(err, relay.CodeNotFound) {
		t.Fatalf("profile must not be created on invalid affinity, got %v", err)
	}
}

func TestReplyModelFailure(t *testing.T) {
	stub := &stubMessager{err: errors.New("api down")}
	agent, store, _ := newTestAgent(t, stub)
	req := sendIncoming(t, store, "alice", "hello")

	if _, err := agent.Reply(context.Background(), req); err == nil {
		t.Fatalf("expected an error when the model is unavailable")
	}
}
