// Package profile stores VOID creator profiles, the character records the
// dungeon master builds for players during character creation.
package profile

import (
	"fmt"
	"time"
)

type CreatorRole string

const (
	RoleArchitect CreatorRole = "ARCHITECT"
	RoleWeaver    CreatorRole = "WEAVER"
	RoleKeeper    CreatorRole = "KEEPER"
	RoleCatalyst  CreatorRole = "CATALYST"
	RoleBinder    CreatorRole = "BINDER"
)

func ValidRole(r CreatorRole) bool {
	switch r {
	case RoleArchitect, RoleWeaver, RoleKeeper, RoleCatalyst, RoleBinder:
		return true
	}
	return false
}

type CoreIdentity struct {
	Designation string `json:"designation"`
	VisualForm  string `json:"visual_form"`
}

type Origin struct {
	SourceCode      string `json:"source_code"`
	PrimaryFunction string `json:"primary_function"`
}

// CreationAffinity distributes exactly ten points across the four aspects.
type CreationAffinity struct {
	Order   int `json:"order"`
	Chaos   int `json:"chaos"`
	Matter  int `json:"matter"`
	Concept int `json:"concept"`
}

func (a CreationAffinity) Total() int {
	return a.Order + a.Chaos + a.Matter + a.Concept
}

type NFTInfo struct {
	TokenID        int64  `json:"token_id"`
	IPAssetID      string `json:"ip_id"`
	ImageURL       string `json:"image_url,omitempty"`
	TransferredTo  string `json:"transferred_to_agent,omitempty"`
	TransferTxHash string `json:"transfer_tx_hash,omitempty"`
}

type CreatorProfile struct {
	ProfileID        string           `json:"profile_id"`
	AgentUsername    string           `json:"agent_username"`
	CoreIdentity     CoreIdentity     `json:"core_identity"`
	Origin           Origin           `json:"origin"`
	CreationAffinity CreationAffinity `json:"creation_affinity"`
	CreatorRole      CreatorRole      `json:"creator_role"`
	CreativeApproach string           `json:"creative_approach"`
	CreatedAt        time.Time        `json:"created_at"`
	LastUpdated      time.Time        `json:"last_updated"`
	NFTInfo          *NFTInfo         `json:"nft_info,omitempty"`
}

// Validate checks the fields the character-creation tool must supply.
func (p *CreatorProfile) Validate() error {
	if p.AgentUsername == "" {
		return fmt.Errorf("agent username is required")
	}
	if p.CoreIdentity.Designation == "" || p.CoreIdentity.VisualForm == "" {
		return fmt.Errorf("core identity requires a designation and a visual form")
	}
	if p.Origin.SourceCode == "" || p.Origin.PrimaryFunction == "" {
		return fmt.Errorf("origin requires a source code and a primary function")
	}
	if total := p.CreationAffinity.Total(); total != 10 {
		return fmt.Errorf("creation affinity points must total exactly 10, got %d", total)
	}
	if !ValidRole(p.CreatorRole) {
		return fmt.Errorf("unknown creator role: %s", p.CreatorRole)
	}
	if p.CreativeApproach == "" {
		return fmt.Errorf("creative approach is required")
	}
	return nil
}
