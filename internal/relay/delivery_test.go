package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestDelivery(t *testing.T) (*Delivery, *Store, *time.Time) {
	t.Helper()
	store, now := newTestStore(t)
	d := NewDelivery(store, DeliveryConfig{ReplyTimeout: 200 * time.Millisecond})
	return d, store, now
}

func seedDM(t *testing.T, s *Store) {
	t.Helper()
	if _, err := s.EnsureSpecialAgent(RegisterInput{Username: "DM"}, SpecialAgentConfig{ModelID: "m"}); err != nil {
		t.Fatalf("seed DM: %v", err)
	}
}

func TestSendToRegularAgent(t *testing.T) {
	d, s, _ := newTestDelivery(t)
	registerAgents(t, s, "alice", "bob")

	result, err := d.Send(context.Background(), "alice", "bob", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Reply != "" {
		t.Fatalf("no synchronous reply expected from a regular agent")
	}

	view, _ := s.Inbox("bob", InboxOptions{})
	if len(view.Messages) != 1 || view.Messages[0].Content != "hello" {
		t.Fatalf("expected the message in bob's inbox")
	}
}

func TestSendToSpecialAgentGetsReply(t *testing.T) {
	d, s, _ := newTestDelivery(t)
	registerAgents(t, s, "alice")
	seedDM(t, s)

	d.RegisterResponder("DM", ResponderFunc(func(ctx context.Context, req ReplyRequest) (string, error) {
		if req.Sender != "alice" || req.Content != "I seek a character" {
			t.Fatalf("unexpected reply request: %+v", req)
		}
		return "Welcome to the VOID", nil
	}))

	result, err := d.Send(context.Background(), "alice", "DM", "I seek a character")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Reply != "Welcome to the VOID" {
		t.Fatalf("expected the responder's reply, got %q", result.Reply)
	}

	// The original is read and responded; the reply flows back to alice.
	original, _ := s.MessageByID(result.MessageID)
	if !original.Read || !original.Responded {
		t.Fatalf("original should be read and responded, got read=%v responded=%v", original.Read, original.Responded)
	}
	aliceInbox, _ := s.Inbox("alice", InboxOptions{})
	if len(aliceInbox.Messages) != 1 || aliceInbox.Messages[0].Sender != "DM" {
		t.Fatalf("expected the DM reply in alice's inbox")
	}
	if aliceInbox.Messages[0].Content != "Welcome to the VOID" {
		t.Fatalf("unexpected reply content: %q", aliceInbox.Messages[0].Content)
	}

	history, _ := s.History("alice", "DM", 0)
	if len(history.Messages) != 2 {
		t.Fatalf("expected 2 messages in the conversation, got %d", len(history.Messages))
	}
	reply, _ := s.MessageByID(history.Messages[1].MessageID)
	if reply.Sender != "DM" || reply.Recipient != "alice" || !reply.Responded {
		t.Fatalf("reply message shape wrong: %+v", reply)
	}
}

func TestResponderFailureFallsBackToApology(t *testing.T) {
	d, s, _ := newTestDelivery(t)
	registerAgents(t, s, "alice")
	seedDM(t, s)

	d.RegisterResponder("DM", ResponderFunc(func(ctx context.Context, req ReplyRequest) (string, error) {
		return "", errors.New("model unavailable")
	}))

	result, err := d.Send(context.Background(), "alice", "DM", "hello")
	if err != nil {
		t.Fatalf("send should still succeed: %v", err)
	}
	if result.Reply != ApologyReply {
		t.Fatalf("expected apology, got %q", result.Reply)
	}
}

func TestResponderTimeoutFallsBackToApology(t *testing.T) {
	d, s, _ := newTestDelivery(t)
	registerAgents(t, s, "alice")
	seedDM(t, s)

	d.RegisterResponder("DM", ResponderFunc(func(ctx context.Context, req ReplyRequest) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "too late", nil
		}
	}))

	result, err := d.Send(context.Background(), "alice", "DM", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Reply != ApologyReply {
		t.Fatalf("expected apology after timeout, got %q", result.Reply)
	}
}

func TestMissingResponderFallsBackToApology(t *testing.T) {
	d, s, _ := newTestDelivery(t)
	registerAgents(t, s, "alice")
	seedDM(t, s)

	result, err := d.Send(context.Background(), "alice", "DM", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Reply != ApologyReply {
		t.Fatalf("expected apology when no responder is registered, got %q", result.Reply)
	}
}

func TestEmptyReplyFallsBackToApology(t *testing.T) {
	d, s, _ := newTestDelivery(t)
	registerAgents(t, s, "alice")
	seedDM(t, s)

	d.RegisterResponder("DM", ResponderFunc(func(ctx context.Context, req ReplyRequest) (string, error) {
		return "", nil
	}))

	result, err := d.Send(context.Background(), "alice", "DM", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Reply != ApologyReply {
		t.Fatalf("expected apology for empty reply, got %q", result.Reply)
	}
}

func TestRespond(t *testing.T) {
	d, s, _ := newTestDelivery(t)
	registerAgents(t, s, "alice", "bob", "carol")

	sent, err := d.Send(context.Background(), "alice", "bob", "question")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := d.Respond(context.Background(), "carol", sent.MessageID, "not mine"); !IsCode(err, CodeForbidden) {
		t.Fatalf("only the recipient may respond, got %v", err)
	}

	result, err := d.Respond(context.Background(), "bob", sent.MessageID, "answer")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if result.ConversationID != sent.ConversationID {
		t.Fatalf("response should land in the same conversation")
	}

	original, _ := s.MessageByID(sent.MessageID)
	if !original.Read || !original.Responded {
		t.Fatalf("original should be read and responded")
	}
	aliceInbox, _ := s.Inbox("alice", InboxOptions{})
	if len(aliceInbox.Messages) != 1 || aliceInbox.Messages[0].Content != "answer" {
		t.Fatalf("expected the answer in alice's inbox")
	}
}

func TestRespondToSpecialAgentIsAutoAnswered(t *testing.T) {
	d, s, _ := newTestDelivery(t)
	registerAgents(t, s, "alice")
	seedDM(t, s)
	if _, err := s.EnsureSpecialAgent(RegisterInput{Username: "oracle"}, SpecialAgentConfig{ModelID: "m"}); err != nil {
		t.Fatalf("seed oracle: %v", err)
	}
	d.RegisterResponder("DM", ResponderFunc(func(ctx context.Context, req ReplyRequest) (string, error) {
		return "the DM speaks", nil
	}))

	// oracle receives a message from the DM and responds; the DM being
	// special, the response is itself auto-answered.
	cid, _ := s.GetOrCreateConversation("DM", "oracle")
	mid, _ := s.AppendMessage(AppendInput{ConversationID: cid, Sender: "DM", Recipient: "oracle", Content: "speak"})

	result, err := d.Respond(context.Background(), "oracle", mid, "I answer")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if result.Reply != "the DM speaks" {
		t.Fatalf("expected an auto-reply from the DM, got %q", result.Reply)
	}
}

func TestIgnore(t *testing.T) {
	d, s, _ := newTestDelivery(t)
	registerAgents(t, s, "alice", "bob", "carol")

	sent, _ := d.Send(context.Background(), "alice", "bob", "ping")

	if err := d.Ignore(context.Background(), "carol", sent.MessageID, ""); !IsCode(err, CodeForbidden) {
		t.Fatalf("only the recipient may ignore, got %v", err)
	}
	if err := d.Ignore(context.Background(), "bob", sent.MessageID, "not interested"); err != nil {
		t.Fatalf("ignore: %v", err)
	}

	msg, _ := s.MessageByID(sent.MessageID)
	if !msg.Read {
		t.Fatalf("ignored message should be read")
	}
	if msg.Responded {
		t.Fatalf("ignoring must not mark the message responded")
	}
	// No reply was generated.
	aliceInbox, _ := s.Inbox("alice", InboxOptions{})
	if len(aliceInbox.Messages) != 0 {
		t.Fatalf("ignore must not produce a reply")
	}
}

func TestConcurrentFirstContactCreatesOneConversation(t *testing.T) {
	d, s, _ := newTestDelivery(t)
	registerAgents(t, s, "alice", "bob")

	const senders = 32
	ids := make([]string, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := d.Send(context.Background(), "alice", "bob", fmt.Sprintf("hello %d", i))
			if err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
			ids[i] = result.ConversationID
		}(i)
	}
	wg.Wait()

	for i := 1; i < senders; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("sends split across conversations: %s vs %s", ids[0], ids[i])
		}
	}
	view, err := s.History("alice", "bob", maxHistoryLimit)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if view.ConversationID != ids[0] {
		t.Fatalf("history resolved a different conversation: %s vs %s", view.ConversationID, ids[0])
	}
	if view.TotalMessages != senders {
		t.Fatalf("expected all %d messages in one conversation, got %d", senders, view.TotalMessages)
	}
}
