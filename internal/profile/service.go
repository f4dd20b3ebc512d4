package profile

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/voidworks/void-relay/internal/nft"
	"github.com/voidworks/void-relay/internal/relay"
)

// Service owns the create/mint flow. The mint is best-effort: a created
// profile is never rolled back because the ledger was unreachable.
type Service struct {
	store  Store
	minter nft.Minter
	clock  func() time.Time
	logger *log.Logger
}

type ServiceConfig struct {
	Minter nft.Minter
	Clock  func() time.Time
	Logger *log.Logger
}

func NewService(store Store, cfg ServiceConfig) *Service {
	if cfg.Minter == nil {
		cfg.Minter = nft.Disabled{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "profile ", log.LstdFlags)
	}
	return &Service{
		store:  store,
		minter: cfg.Minter,
		clock:  cfg.Clock,
		logger: logger,
	}
}

// Create validates and stores a new creator profile, then attempts to mint
// its character token. walletAddress may be empty; then the token stays in
// the service wallet until a transfer sweep picks it up.
func (s *Service) Create(ctx context.Context, p CreatorProfile, walletAddress string) (*CreatorProfile, error) {
	if err := p.Validate(); err != nil {
		return nil, relay.NewError(relay.CodeValidation, err.Error())
	}

	now := s.clock().UTC()
	p.ProfileID = uuid.NewString()
	p.CreatedAt = now
	p.LastUpdated = now
	p.NFTInfo = nil

	if err := s.store.Insert(&p); err != nil {
		return nil, err
	}
	s.logger.Printf("created creator profile %s for agent %s", p.ProfileID, p.AgentUsername)

	result, err := s.minter.Mint(ctx, nft.Character{
		ProfileID:        p.ProfileID,
		AgentUsername:    p.AgentUsername,
		Designation:      p.CoreIdentity.Designation,
		VisualForm:       p.CoreIdentity.VisualForm,
		SourceCode:       p.Origin.SourceCode,
		PrimaryFunction:  p.Origin.PrimaryFunction,
		OrderAffinity:    p.CreationAffinity.Order,
		ChaosAffinity:    p.CreationAffinity.Chaos,
		MatterAffinity:   p.CreationAffinity.Matter,
		ConceptAffinity:  p.CreationAffinity.Concept,
		CreatorRole:      string(p.CreatorRole),
		CreativeApproach: p.CreativeApproach,
		WalletAddress:    walletAddress,
	})
	if err != nil {
		s.logger.Printf("minting token for %s failed: %v", p.CoreIdentity.Designation, err)
		return &p, nil
	}

	p.NFTInfo = &NFTInfo{
		TokenID:        result.TokenID,
		IPAssetID:      result.IPAssetID,
		ImageURL:       result.ImageURL,
		TransferredTo:  result.TransferredTo,
		TransferTxHash: result.TransferTxHash,
	}
	p.LastUpdated = s.clock().UTC()
	if err := s.store.Update(&p); err != nil {
		s.logger.Printf("recording token %d on profile %s failed: %v", result.TokenID, p.ProfileID, err)
	}
	return &p, nil
}

// WalletResolver looks up the destination wallet for an agent's pending
// token. An empty address skips the profile.
type WalletResolver func(agentUsername string) (string, error)

// RetryTransfers re-attempts the wallet transfer for minted tokens still
// sitting in the service wallet, and returns how many moved. A no-op when the
// configured minter cannot transfer.
func (s *Service) RetryTransfers(ctx context.Context, wallets WalletResolver) (int, error) {
	tr, ok := s.minter.(nft.Transferrer)
	if !ok {
		return 0, nil
	}
	pending, err := s.store.Untransferred()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, p := range pending {
		wallet, err := wallets(p.AgentUsername)
		if err != nil || wallet == "" {
			continue
		}
		txHash, err := tr.Transfer(ctx, p.NFTInfo.TokenID, wallet)
		if err != nil {
			s.logger.Printf("transfer of token %d to %s failed: %v", p.NFTInfo.TokenID, wallet, err)
			continue
		}
		p.NFTInfo.TransferredTo = wallet
		p.NFTInfo.TransferTxHash = txHash
		p.LastUpdated = s.clock().UTC()
		if err := s.store.Update(p); err != nil {
			s.logger.Printf("recording transfer for profile %s failed: %v", p.ProfileID, err)
			continue
		}
		s.logger.Printf("transferred token %d to %s", p.NFTInfo.TokenID, wallet)
		moved++
	}
	return moved, nil
}

func (s *Service) ByAgent(agentUsername string) (*CreatorProfile, error) {
	return s.store.ByAgent(agentUsername)
}

func (s *Service) ByID(profileID string) (*CreatorProfile, error) {
	return s.store.ByID(profileID)
}
