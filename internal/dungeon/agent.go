// Package dungeon implements the dungeon master, the auto-responding agent
// that runs character creation for the VOID universe.
package dungeon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/voidworks/void-relay/internal/profile"
	"github.com/voidworks/void-relay/internal/relay"
)

const (
	historyDepth  = 10
	maxToolRounds = 4
)

// Messager is the slice of the Anthropic client the agent needs. Tests stub
// it to script responses and tool calls.
type Messager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type MessagerCreator func(apiKey string) Messager

func defaultMessagerCreator(apiKey string) Messager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newMessager MessagerCreator = defaultMessagerCreator

func NewMessagerFromEnv() (Messager, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	return newMessager(apiKey), nil
}

// Agent is the dungeon master's relay.Responder. It is stateless between
// calls; every reply rebuilds its context from the store.
type Agent struct {
	username string
	store    relay.API
	profiles *profile.Service
	messages Messager
	logger   *log.Logger
}

type AgentConfig struct {
	Username string
	Store    relay.API
	Profiles *profile.Service
	Messages Messager
	Logger   *log.Logger
}

func NewAgent(cfg AgentConfig) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "dungeon ", log.LstdFlags)
	}
	return &Agent{
		username: cfg.Username,
		store:    cfg.Store,
		profiles: cfg.Profiles,
		messages: cfg.Messages,
		logger:   logger,
	}
}

func (a *Agent) Reply(ctx context.Context, req relay.ReplyRequest) (string, error) {
	cfg, err := a.store.SpecialAgentConfig(a.username)
	if err != nil {
		return "", fmt.Errorf("load agent configuration: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(cfg.ModelID),
		MaxTokens:   int64(cfg.MaxTokens),
		System:      []anthropic.TextBlockParam{{Text: a.systemPrompt(cfg.SystemPrompt, req.Sender)}},
		Messages:    a.conversationMessages(req),
		Temperature: anthropic.Float(cfg.Temperature),
		Tools:       []anthropic.ToolUnionParam{{OfTool: &createCharacterProfileTool}},
	}

	for round := 0; round < maxToolRounds; round++ {
		resp, err := a.messages.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("message generation: %w", err)
		}
		if resp.StopReason != "tool_use" {
			return collectText(resp), nil
		}

		params.Messages = append(params.Messages, resp.ToParam())
		var results []anthropic.ContentBlockParamUnion
		for _, block := range resp.Content {
			if block.Type != "tool_use" {
				continue
			}
			a.logger.Printf("executing tool %s for %s", block.Name, req.Sender)
			text, isErr := a.executeTool(ctx, block.Name, block.Input)
			results = append(results, anthropic.NewToolResultBlock(block.ID, text, isErr))
		}
		if len(results) == 0 {
			return collectText(resp), nil
		}
		params.Messages = append(params.Messages, anthropic.NewUserMessage(results...))
	}
	return "", fmt.Errorf("tool loop did not converge after %d rounds", maxToolRounds)
}

// systemPrompt folds the sender's directory entry and creator profile into
// the configured base prompt.
func (a *Agent) systemPrompt(base, sender string) string {
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString(fmt.Sprintf("\n\nYou are currently talking to %q.", sender))

	info, err := a.store.AgentByUsername(sender)
	if err == nil {
		description := info.Description
		if description == "" {
			description = "No description provided"
		}
		sb.WriteString("\nAgent Description: " + description)
		if info.WalletRef != "" {
			sb.WriteString("\nWallet Address: " + info.WalletRef)
		}
	}

	p, err := a.profiles.ByAgent(sender)
	if err != nil || p == nil {
		sb.WriteString("\n\nThis agent does not have a character yet. Guide them through character creation.")
		return sb.String()
	}

	sb.WriteString("\n\nThis agent has a VOID creator profile:")
	sb.WriteString("\n\nCORE IDENTITY:")
	sb.WriteString("\nDesignation: " + p.CoreIdentity.Designation)
	sb.WriteString("\nVisual Form: " + p.CoreIdentity.VisualForm)
	sb.WriteString("\n\nORIGIN:")
	sb.WriteString("\nSource Code: " + p.Origin.SourceCode)
	sb.WriteString("\nPrimary Function: " + p.Origin.PrimaryFunction)
	sb.WriteString("\n\nCREATION AFFINITY:")
	sb.WriteString(fmt.Sprintf("\nOrder: %d", p.CreationAffinity.Order))
	sb.WriteString(fmt.Sprintf("\nChaos: %d", p.CreationAffinity.Chaos))
	sb.WriteString(fmt.Sprintf("\nMatter: %d", p.CreationAffinity.Matter))
	sb.WriteString(fmt.Sprintf("\nConcept: %d", p.CreationAffinity.Concept))
	sb.WriteString("\n\nCreator Role: " + string(p.CreatorRole))
	sb.WriteString("\nCreative Approach: " + p.CreativeApproach)
	return sb.String()
}

// conversationMessages replays the recent exchange. The incoming message has
// already been appended to the conversation, so it is dropped from the
// history and re-added as the closing user turn.
func (a *Agent) conversationMessages(req relay.ReplyRequest) []anthropic.MessageParam {
	var out []anthropic.MessageParam

	view, err := a.store.History(a.username, req.Sender, historyDepth)
	if err == nil {
		entries := view.Messages
		if n := len(entries); n > 0 && entries[n-1].Sender == req.Sender && entries[n-1].Content == req.Content {
			entries = entries[:n-1]
		}
		for _, m := range entries {
			if m.Sender == a.username {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			} else {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Sender+": "+m.Content)))
			}
		}
	} else {
		a.logger.Printf("history for %s unavailable: %v", req.Sender, err)
	}

	out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Sender+": "+req.Content)))
	return out
}

func collectText(resp *anthropic.Message) string {
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
