// Package nft talks to the external ledger service that mints character
// tokens and registers them as IP assets. The relay core never imports this
// package; only the profile service does, and always best-effort.
package nft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// Character is the slice of a creator profile the ledger needs for metadata.
type Character struct {
	ProfileID        string `json:"profile_id"`
	AgentUsername    string `json:"agent_username"`
	Designation      string `json:"designation"`
	VisualForm       string `json:"visual_form"`
	SourceCode       string `json:"source_code"`
	PrimaryFunction  string `json:"primary_function"`
	OrderAffinity    int    `json:"order_affinity"`
	ChaosAffinity    int    `json:"chaos_affinity"`
	MatterAffinity   int    `json:"matter_affinity"`
	ConceptAffinity  int    `json:"concept_affinity"`
	CreatorRole      string `json:"creator_role"`
	CreativeApproach string `json:"creative_approach"`
	WalletAddress    string `json:"wallet_address,omitempty"`
}

type MintResult struct {
	TokenID        int64  `json:"token_id"`
	IPAssetID      string `json:"ip_id"`
	ImageURL       string `json:"image_url"`
	TransferredTo  string `json:"transferred_to_agent,omitempty"`
	TransferTxHash string `json:"transfer_tx_hash,omitempty"`
}

type Minter interface {
	Mint(ctx context.Context, c Character) (*MintResult, error)
}

// Transferrer moves an already minted token to an agent's wallet. The profile
// service uses it to re-attempt transfers that failed at mint time.
type Transferrer interface {
	Transfer(ctx context.Context, tokenID int64, walletAddress string) (string, error)
}

// Disabled is used when no ledger endpoint is configured. Mint reports an
// error so callers fall through their NFT-failed path.
type Disabled struct{}

func (Disabled) Mint(ctx context.Context, c Character) (*MintResult, error) {
	return nil, fmt.Errorf("nft minting is not configured")
}

// LedgerClient mints through the ledger service's HTTP API. Minting also
// attempts a transfer to the character's wallet; a failed transfer is
// tolerated and the mint result is returned without transfer details.
type LedgerClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *log.Logger
}

func NewLedgerClient(baseURL, apiKey string) *LedgerClient {
	return &LedgerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 90 * time.Second,
		},
		logger: log.New(os.Stdout, "nft ", log.LstdFlags),
	}
}

// NewMinterFromEnv returns a LedgerClient when NFT_LEDGER_URL is set,
// otherwise the Disabled minter.
func NewMinterFromEnv() Minter {
	baseURL := strings.TrimSpace(os.Getenv("NFT_LEDGER_URL"))
	if baseURL == "" {
		return Disabled{}
	}
	return NewLedgerClient(baseURL, strings.TrimSpace(os.Getenv("NFT_LEDGER_API_KEY")))
}

func (c *LedgerClient) doJSON(ctx context.Context, path string, payload, out any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("POST %s failed status=%d body=%s", path, resp.StatusCode, string(body))
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

func (c *LedgerClient) Mint(ctx context.Context, ch Character) (*MintResult, error) {
	var result MintResult
	if err := c.doJSON(ctx, "/v1/characters/mint", ch, &result); err != nil {
		return nil, fmt.Errorf("mint character token: %w", err)
	}
	c.logger.Printf("minted token %d (ip asset %s) for %s", result.TokenID, result.IPAssetID, ch.Designation)

	if ch.WalletAddress != "" {
		txHash, err := c.Transfer(ctx, result.TokenID, ch.WalletAddress)
		if err != nil {
			// The token stays in the service wallet; a later sweep can
			// re-attempt the transfer.
			c.logger.Printf("transfer of token %d to %s failed: %v", result.TokenID, ch.WalletAddress, err)
		} else {
			result.TransferredTo = ch.WalletAddress
			result.TransferTxHash = txHash
		}
	}
	return &result, nil
}

func (c *LedgerClient) Transfer(ctx context.Context, tokenID int64, walletAddress string) (string, error) {
	payload := map[string]any{
		"token_id":       tokenID,
		"wallet_address": walletAddress,
	}
	var resp struct {
		TxHash string `json:"tx_hash"`
	}
	if err := c.doJSON(ctx, "/v1/characters/transfer", payload, &resp); err != nil {
		return "", fmt.Errorf("transfer token %d: %w", tokenID, err)
	}
	if resp.TxHash == "" {
		return "", fmt.Errorf("transfer token %d: missing tx_hash in response", tokenID)
	}
	return resp.TxHash, nil
}

var (
	_ Minter      = (*LedgerClient)(nil)
	_ Transferrer = (*LedgerClient)(nil)
)
