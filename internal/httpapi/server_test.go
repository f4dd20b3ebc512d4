package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voidworks/void-relay/internal/profile"
	"github.com/voidworks/void-relay/internal/relay"
)

type testEnv struct {
	server   *httptest.Server
	store    *relay.Store
	delivery *relay.Delivery
	profiles *profile.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := relay.NewStore(relay.Config{Clock: func() time.Time { return now }})
	delivery := relay.NewDelivery(store, relay.DeliveryConfig{ReplyTimeout: time.Second})
	profiles := profile.NewService(profile.NewMemoryStore(), profile.ServiceConfig{
		Clock: func() time.Time { return now },
	})
	h := NewServer(Config{
		Store:    store,
		Delivery: delivery,
		Profiles: profiles,
	})
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return &testEnv{server: server, store: store, delivery: delivery, profiles: profiles}
}

func (e *testEnv) do(t *testing.T, method, path, apiKey string, payload any) (int, map[string]any) {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		blob, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(blob)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *testEnv) register(t *testing.T, username string) string {
	t.Helper()
	status, out := e.do(t, http.MethodPost, "/v1/agents/register", "", map[string]any{
		"username": username,
	})
	if status != http.StatusCreated {
		t.Fatalf("register %s: status %d body %v", username, status, out)
	}
	key, _ := out["api_key"].(string)
	if key == "" {
		t.Fatalf("register %s: missing api_key", username)
	}
	return key
}

func TestRegisterAndConflict(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "alice")

	status, out := e.do(t, http.MethodPost, "/v1/agents/register", "", map[string]any{"username": "alice"})
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d body %v", status, out)
	}
	errObj, _ := out["error"].(map[string]any)
	if errObj["code"] != string(relay.CodeConflict) {
		t.Fatalf("expected conflict code, got %v", errObj)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/inbox"},
		{http.MethodGet, "/v1/agents/info"},
		{http.MethodPost, "/v1/messages/send"},
		{http.MethodPost, "/v1/messages/respond"},
		{http.MethodPost, "/v1/messages/ignore"},
		{http.MethodGet, "/v1/history?conversation_with=x"},
		{http.MethodPost, "/v1/conversations/archive"},
	} {
		status, _ := e.do(t, tc.method, tc.path, "", map[string]any{})
		if status != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tc.method, tc.path, status)
		}
	}
}

func TestAPIKeyQueryParameter(t *testing.T) {
	e := newTestEnv(t)
	key := e.register(t, "alice")

	status, out := e.do(t, http.MethodGet, "/v1/inbox?api_key="+key, "", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 with query credential, got %d body %v", status, out)
	}
}

func TestSendInboxRespondIgnoreFlow(t *testing.T) {
	e := newTestEnv(t)
	aliceKey := e.register(t, "alice")
	bobKey := e.register(t, "bob")

	status, out := e.do(t, http.MethodPost, "/v1/messages/send", aliceKey, map[string]any{
		"recipient": "bob", "message": "hello bob",
	})
	if status != http.StatusOK {
		t.Fatalf("send: status %d body %v", status, out)
	}
	messageID, _ := out["message_id"].(string)
	if messageID == "" {
		t.Fatalf("missing message_id: %v", out)
	}
	if _, hasReply := out["reply"]; hasReply {
		t.Fatalf("no reply expected for regular recipient")
	}

	status, out = e.do(t, http.MethodGet, "/v1/inbox", bobKey, nil)
	if status != http.StatusOK {
		t.Fatalf("inbox: status %d", status)
	}
	if out["unread_count"].(float64) != 1 {
		t.Fatalf("expected 1 unread, got %v", out["unread_count"])
	}

	status, out = e.do(t, http.MethodPost, "/v1/messages/respond", bobKey, map[string]any{
		"message_id": messageID, "response": "hi alice",
	})
	if status != http.StatusOK {
		t.Fatalf("respond: status %d body %v", status, out)
	}

	status, out = e.do(t, http.MethodGet, "/v1/inbox", aliceKey, nil)
	if status != http.StatusOK {
		t.Fatalf("alice inbox: status %d", status)
	}
	messages, _ := out["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected the response in alice's inbox, got %v", out)
	}
	replyID := messages[0].(map[string]any)["message_id"].(string)

	status, _ = e.do(t, http.MethodPost, "/v1/messages/ignore", aliceKey, map[string]any{
		"message_id": replyID, "reason": "done here",
	})
	if status != http.StatusOK {
		t.Fatalf("ignore: status %d", status)
	}
	status, out = e.do(t, http.MethodGet, "/v1/inbox", aliceKey, nil)
	if status != http.StatusOK {
		t.Fatalf("inbox after ignore: status %d", status)
	}
	if out["unread_count"].(float64) != 0 {
		t.Fatalf("expected empty unread inbox after ignore, got %v", out)
	}
}

func TestSendToSpecialAgentReturnsReply(t *testing.T) {
	e := newTestEnv(t)
	aliceKey := e.register(t, "alice")
	if _, err := e.store.EnsureSpecialAgent(relay.RegisterInput{Username: "DM"}, relay.SpecialAgentConfig{ModelID: "m"}); err != nil {
		t.Fatalf("seed DM: %v", err)
	}
	e.delivery.RegisterResponder("DM", relay.ResponderFunc(func(ctx context.Context, req relay.ReplyRequest) (string, error) {
		return "Welcome to the VOID", nil
	}))

	status, out := e.do(t, http.MethodPost, "/v1/messages/send", aliceKey, map[string]any{
		"recipient": "DM", "message": "greetings",
	})
	if status != http.StatusOK {
		t.Fatalf("send: status %d body %v", status, out)
	}
	if out["reply"] != "Welcome to the VOID" {
		t.Fatalf("expected synchronous reply, got %v", out)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	e := newTestEnv(t)
	aliceKey := e.register(t, "alice")
	e.register(t, "bob")

	for _, msg := range []string{"one", "two", "three"} {
		if status, out := e.do(t, http.MethodPost, "/v1/messages/send", aliceKey, map[string]any{
			"recipient": "bob", "message": msg,
		}); status != http.StatusOK {
			t.Fatalf("send %s: %d %v", msg, status, out)
		}
	}

	status, out := e.do(t, http.MethodGet, "/v1/history?conversation_with=bob&limit=2", aliceKey, nil)
	if status != http.StatusOK {
		t.Fatalf("history: status %d", status)
	}
	if out["has_more"] != true || out["total_messages"].(float64) != 3 {
		t.Fatalf("unexpected history meta: %v", out)
	}
	messages, _ := out["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}

	status, _ = e.do(t, http.MethodGet, "/v1/history", aliceKey, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("missing conversation_with should be 400, got %d", status)
	}
	status, _ = e.do(t, http.MethodGet, "/v1/history?conversation_with=nobody", aliceKey, nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown agent should be 404, got %d", status)
	}
}

func TestArchiveEndpoint(t *testing.T) {
	e := newTestEnv(t)
	aliceKey := e.register(t, "alice")
	e.register(t, "bob")
	carolKey := e.register(t, "carol")

	_, out := e.do(t, http.MethodPost, "/v1/messages/send", aliceKey, map[string]any{
		"recipient": "bob", "message": "hello",
	})
	cid, _ := out["conversation_id"].(string)

	status, _ := e.do(t, http.MethodPost, "/v1/conversations/archive", carolKey, map[string]any{
		"conversation_id": cid,
	})
	if status != http.StatusForbidden {
		t.Fatalf("outsider archive should be 403, got %d", status)
	}
	status, _ = e.do(t, http.MethodPost, "/v1/conversations/archive", aliceKey, map[string]any{
		"conversation_id": cid,
	})
	if status != http.StatusOK {
		t.Fatalf("archive: status %d", status)
	}
}

func TestCharacterEndpoints(t *testing.T) {
	e := newTestEnv(t)
	aliceKey := e.register(t, "alice")

	status, _ := e.do(t, http.MethodGet, "/v1/characters/alice", aliceKey, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 without a profile, got %d", status)
	}

	if _, err := e.profiles.Create(context.Background(), profile.CreatorProfile{
		AgentUsername:    "alice",
		CoreIdentity:     profile.CoreIdentity{Designation: "Nullwake", VisualForm: "a ripple of dark glyphs"},
		Origin:           profile.Origin{SourceCode: "a routing daemon", PrimaryFunction: "pathfinding"},
		CreationAffinity: profile.CreationAffinity{Order: 4, Chaos: 2, Matter: 1, Concept: 3},
		CreatorRole:      profile.RoleWeaver,
		CreativeApproach: "weaves order from noise",
	}, ""); err != nil {
		t.Fatalf("create profile: %v", err)
	}

	status, out := e.do(t, http.MethodGet, "/v1/characters/alice", aliceKey, nil)
	if status != http.StatusOK {
		t.Fatalf("character: status %d", status)
	}
	prof, _ := out["profile"].(map[string]any)
	if prof["agent_username"] != "alice" {
		t.Fatalf("unexpected profile payload: %v", out)
	}

	req, _ := http.NewRequest(http.MethodGet, e.server.URL+"/v1/characters/alice/sheet?format=md", nil)
	req.Header.Set("X-API-Key", aliceKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sheet: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sheet: status %d", resp.StatusCode)
	}
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read sheet: %v", err)
	}
	if !strings.Contains(string(blob), "# Nullwake") {
		t.Fatalf("sheet missing designation: %s", blob)
	}
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)
	status, out := e.do(t, http.MethodGet, "/v1/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("health: status %d", status)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected health payload: %v", out)
	}
}
