package dungeon

import (
	"context"
	"encoding/json"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/voidworks/void-relay/internal/profile"
	"github.com/voidworks/void-relay/internal/relay"
)

const toolCreateCharacterProfile = "create_character_profile"

var createCharacterProfileTool = anthropic.ToolParam{
	Name:        toolCreateCharacterProfile,
	Description: anthropic.String("Create a VOID creator profile for a new player after character creation"),
	InputSchema: anthropic.ToolInputSchemaParam{
		Properties: map[string]any{
			"agent_username": map[string]any{
				"type":        "string",
				"description": "The username of the agent this character belongs to",
			},
			"core_identity": map[string]any{
				"type":        "object",
				"description": "The character's core identity",
				"properties": map[string]any{
					"designation": map[string]any{
						"type":        "string",
						"description": "The character's designation or name",
					},
					"visual_form": map[string]any{
						"type":        "string",
						"description": "Description of how the character appears in the binary void",
					},
				},
				"required": []string{"designation", "visual_form"},
			},
			"origin": map[string]any{
				"type":        "object",
				"description": "The character's origin",
				"properties": map[string]any{
					"source_code": map[string]any{
						"type":        "string",
						"description": "What the character was before the void",
					},
					"primary_function": map[string]any{
						"type":        "string",
						"description": "What the character was designed to do",
					},
				},
				"required": []string{"source_code", "primary_function"},
			},
			"creation_affinity": map[string]any{
				"type":        "object",
				"description": "Distribution of 10 points across four aspects",
				"properties": map[string]any{
					"order": map[string]any{
						"type":        "number",
						"description": "Points in Order (Structure, patterns, rules)",
					},
					"chaos": map[string]any{
						"type":        "number",
						"description": "Points in Chaos (Randomness, change, evolution)",
					},
					"matter": map[string]any{
						"type":        "number",
						"description": "Points in Matter (Physical elements, form)",
					},
					"concept": map[string]any{
						"type":        "number",
						"description": "Points in Concept (Abstract ideas, consciousness)",
					},
				},
				"required": []string{"order", "chaos", "matter", "concept"},
			},
			"creator_role": map[string]any{
				"type":        "string",
				"description": "The character's creator role: ARCHITECT, WEAVER, KEEPER, CATALYST, or BINDER",
				"enum":        []string{"ARCHITECT", "WEAVER", "KEEPER", "CATALYST", "BINDER"},
			},
			"creative_approach": map[string]any{
				"type":        "string",
				"description": "One sentence describing how the character prefers to shape reality",
			},
		},
		Required: []string{"agent_username", "core_identity", "origin", "creation_affinity", "creator_role", "creative_approach"},
	},
}

type characterProfileInput struct {
	AgentUsername string `json:"agent_username"`
	CoreIdentity  struct {
		Designation string `json:"designation"`
		VisualForm  string `json:"visual_form"`
	} `json:"core_identity"`
	Origin struct {
		SourceCode      string `json:"source_code"`
		PrimaryFunction string `json:"primary_function"`
	} `json:"origin"`
	CreationAffinity struct {
		Order   int `json:"order"`
		Chaos   int `json:"chaos"`
		Matter  int `json:"matter"`
		Concept int `json:"concept"`
	} `json:"creation_affinity"`
	CreatorRole      string `json:"creator_role"`
	CreativeApproach string `json:"creative_approach"`
}

// executeTool runs a tool-use block and returns the result text. Failures
// are reported in-band so the model can relay them to the player.
func (a *Agent) executeTool(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	if name != toolCreateCharacterProfile {
		return fmt.Sprintf("unknown tool: %s", name), true
	}

	var args characterProfileInput
	if err := json.Unmarshal(input, &args); err != nil {
		return fmt.Sprintf("Error creating VOID Creator profile: invalid tool input: %v", err), true
	}

	p := profile.CreatorProfile{
		AgentUsername: args.AgentUsername,
		CoreIdentity: profile.CoreIdentity{
			Designation: args.CoreIdentity.Designation,
			VisualForm:  args.CoreIdentity.VisualForm,
		},
		Origin: profile.Origin{
			SourceCode:      args.Origin.SourceCode,
			PrimaryFunction: args.Origin.PrimaryFunction,
		},
		CreationAffinity: profile.CreationAffinity{
			Order:   args.CreationAffinity.Order,
			Chaos:   args.CreationAffinity.Chaos,
			Matter:  args.CreationAffinity.Matter,
			Concept: args.CreationAffinity.Concept,
		},
		CreatorRole:      profile.CreatorRole(args.CreatorRole),
		CreativeApproach: args.CreativeApproach,
	}

	var walletAddress string
	if info, err := a.store.AgentByUsername(args.AgentUsername); err == nil {
		walletAddress = info.WalletRef
	}

	created, err := a.profiles.Create(ctx, p, walletAddress)
	if err != nil {
		if relay.IsCode(err, relay.CodeConflict) {
			return "A VOID Creator profile already exists for this agent. Unable to create a new one.", false
		}
		return fmt.Sprintf("Error creating VOID Creator profile: %v", err), true
	}

	if created.NFTInfo != nil && created.NFTInfo.TokenID != 0 {
		return fmt.Sprintf(`VOID Creator profile successfully created for %s, a %s.

A unique character NFT has been minted and sent to your wallet address. This NFT represents your character in the VOID universe and serves as proof of your creative contribution.

Your NFT Details:
- Token ID: %d
- IP Asset ID: %s

The NFT is registered on the Story Protocol blockchain as a derivative of the VOID parent collection, providing you with verifiable ownership and creative rights.`,
			created.CoreIdentity.Designation, created.CreatorRole, created.NFTInfo.TokenID, created.NFTInfo.IPAssetID), false
	}

	return fmt.Sprintf(`VOID Creator profile successfully created for %s, a %s.

However, there was an issue minting your character NFT. The system administrator has been notified and will resolve this issue soon. Your character profile is safely stored and you can continue interacting with the VOID universe.`,
		created.CoreIdentity.Designation, created.CreatorRole), false
}
