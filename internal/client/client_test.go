package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendCarriesCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages/send" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("X-API-Key"); got != "key-1" {
			t.Errorf("missing api key header, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "message_id": "m-1", "conversation_id": "c-1", "reply": "pong",
		})
	}))
	defer server.Close()

	c := New(server.URL, "key-1")
	result, err := c.Send(context.Background(), "DM", "ping")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.MessageID != "m-1" || result.Reply != "pong" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestErrorEnvelopeSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":    "conflict",
				"message": "username \"alice\" is already taken",
			},
		})
	}))
	defer server.Close()

	c := New(server.URL, "")
	_, err := c.Register(context.Background(), "alice", "", "")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "conflict") || !strings.Contains(err.Error(), "already taken") {
		t.Fatalf("error should carry the server envelope, got %v", err)
	}
}

func TestRegisterInstallsKey(t *testing.T) {
	var sawKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/agents/register":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "username": "alice", "api_key": "fresh-key"})
		case "/v1/inbox":
			sawKey = r.Header.Get("X-API-Key")
			_ = json.NewEncoder(w).Encode(map[string]any{"unread_count": 0, "total_count": 0, "messages": []any{}})
		}
	}))
	defer server.Close()

	c := New(server.URL, "")
	key, err := c.Register(context.Background(), "alice", "", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if key != "fresh-key" {
		t.Fatalf("unexpected key: %s", key)
	}
	if _, err := c.Inbox(context.Background(), false, 0, ""); err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if sawKey != "fresh-key" {
		t.Fatalf("registered key should be used for later calls, got %q", sawKey)
	}
}
