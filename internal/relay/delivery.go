package relay

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ApologyReply is the in-band fallback when a special agent's responder
// fails, times out, or produces nothing. Delivery still succeeds.
const ApologyReply = "I'm sorry, I'm experiencing some technical difficulties. Please try again later."

const defaultReplyTimeout = 60 * time.Second

// ReplyRequest is the per-call context handed to a Responder. Responders are
// stateless; everything they need arrives here or is read through the store.
type ReplyRequest struct {
	Sender         string
	Content        string
	ConversationID string
}

// Responder generates a special agent's reply. Returning an error (or an
// empty reply) makes the orchestrator substitute ApologyReply.
type Responder interface {
	Reply(ctx context.Context, req ReplyRequest) (string, error)
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, req ReplyRequest) (string, error)

func (f ResponderFunc) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	return f(ctx, req)
}

type DeliveryConfig struct {
	// ReplyTimeout bounds a single responder invocation; expiry falls back
	// to ApologyReply instead of failing the send.
	ReplyTimeout time.Duration
	Logger       *log.Logger
}

// Delivery runs the send/respond/ignore protocol on top of a store. Special
// agents are dispatched through a registry keyed by username, so new
// auto-responders plug in without touching the protocol.
type Delivery struct {
	store  API
	cfg    DeliveryConfig
	logger *log.Logger
	tracer trace.Tracer

	mu         sync.RWMutex
	responders map[string]Responder
}

func NewDelivery(store API, cfg DeliveryConfig) *Delivery {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "delivery ", log.LstdFlags)
	}
	return &Delivery{
		store:      store,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("voidworks/void-relay/delivery"),
		responders: map[string]Responder{},
	}
}

func (d *Delivery) RegisterResponder(username string, r Responder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responders[username] = r
}

func (d *Delivery) responderFor(username string) (Responder, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.responders[username]
	return r, ok
}

// Send delivers a message. Non-special recipients get asynchronous,
// inbox-based delivery; special recipients are answered inline and the
// original message is marked responded.
func (d *Delivery) Send(ctx context.Context, sender, recipient, content string) (*SendResult, error) {
	ctx, span := d.tracer.Start(ctx, "relay.send", trace.WithAttributes(
		attribute.String("relay.sender", sender),
		attribute.String("relay.recipient", recipient),
	))
	defer span.End()

	recipientIsSpecial := d.store.IsSpecialAgent(recipient)
	span.SetAttributes(attribute.Bool("relay.recipient_special", recipientIsSpecial))

	cid, err := d.store.GetOrCreateConversation(sender, recipient)
	if err != nil {
		return nil, err
	}
	mid, err := d.store.AppendMessage(AppendInput{
		ConversationID:     cid,
		Sender:             sender,
		Recipient:          recipient,
		Content:            content,
		RecipientIsSpecial: recipientIsSpecial,
	})
	if err != nil {
		return nil, err
	}

	result := &SendResult{MessageID: mid, ConversationID: cid}
	if !recipientIsSpecial {
		return result, nil
	}

	reply := d.generateReply(ctx, recipient, ReplyRequest{
		Sender:         sender,
		Content:        content,
		ConversationID: cid,
	})

	if _, err := d.store.AppendMessage(AppendInput{
		ConversationID: cid,
		Sender:         recipient,
		Recipient:      sender,
		Content:        reply,
		Responded:      true,
	}); err != nil {
		return nil, err
	}
	if err := d.store.MarkResponded(mid); err != nil {
		d.logger.Printf("marking message %s responded failed: %v", mid, err)
	}

	result.Reply = reply
	return result, nil
}

// Respond answers a message from the responder's inbox; the actual delivery
// reuses Send, so replying to another special agent is itself auto-answered.
func (d *Delivery) Respond(ctx context.Context, responder, messageID, content string) (*SendResult, error) {
	ctx, span := d.tracer.Start(ctx, "relay.respond", trace.WithAttributes(
		attribute.String("relay.responder", responder),
	))
	defer span.End()

	msg, err := d.store.MessageByID(messageID)
	if err != nil {
		return nil, err
	}
	if msg.Recipient != responder {
		return nil, NewError(CodeForbidden, "you are not the recipient of this message")
	}
	if err := d.store.MarkRead(messageID, responder); err != nil {
		return nil, err
	}

	result, err := d.Send(ctx, responder, msg.Sender, content)
	if err != nil {
		return nil, err
	}
	if err := d.store.MarkResponded(messageID); err != nil {
		d.logger.Printf("marking message %s responded failed: %v", messageID, err)
	}
	return result, nil
}

// Ignore marks a message read without generating a reply. The reason is
// accepted for the audit log only.
func (d *Delivery) Ignore(ctx context.Context, username, messageID, reason string) error {
	_, span := d.tracer.Start(ctx, "relay.ignore", trace.WithAttributes(
		attribute.String("relay.agent", username),
	))
	defer span.End()

	msg, err := d.store.MessageByID(messageID)
	if err != nil {
		return err
	}
	if msg.Recipient != username {
		return NewError(CodeForbidden, "you are not the recipient of this message")
	}
	if err := d.store.MarkRead(messageID, username); err != nil {
		return err
	}
	if reason != "" {
		d.logger.Printf("message %s ignored by %s: %s", messageID, username, reason)
	}
	return nil
}

// generateReply invokes the recipient's responder under the configured
// timeout. Every failure mode collapses to the apology reply; reply
// generation must never fail the delivery.
func (d *Delivery) generateReply(ctx context.Context, recipient string, req ReplyRequest) string {
	ctx, span := d.tracer.Start(ctx, "relay.reply", trace.WithAttributes(
		attribute.String("relay.special_agent", recipient),
	))
	defer span.End()

	r, ok := d.responderFor(recipient)
	if !ok {
		d.logger.Printf("no responder registered for special agent %s", recipient)
		return ApologyReply
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ReplyTimeout)
	defer cancel()

	reply, err := r.Reply(ctx, req)
	if err != nil {
		d.logger.Printf("responder for %s failed: %v", recipient, err)
		return ApologyReply
	}
	if reply == "" {
		d.logger.Printf("responder for %s returned an empty reply", recipient)
		return ApologyReply
	}
	return reply
}
