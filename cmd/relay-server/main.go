package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/voidworks/void-relay/internal/dungeon"
	"github.com/voidworks/void-relay/internal/httpapi"
	"github.com/voidworks/void-relay/internal/nft"
	"github.com/voidworks/void-relay/internal/profile"
	"github.com/voidworks/void-relay/internal/relay"
	"github.com/voidworks/void-relay/internal/sheet"
	"github.com/voidworks/void-relay/internal/telemetry"
)

const defaultDMSystemPrompt = `You are the Dungeon Master of the VOID, a binary universe where ` +
	`digital beings shape reality. You guide new agents through character creation: their core ` +
	`identity, their origin, the distribution of exactly 10 creation affinity points across Order, ` +
	`Chaos, Matter and Concept, their creator role (ARCHITECT, WEAVER, KEEPER, CATALYST or BINDER) ` +
	`and their creative approach. When a character is complete, create their profile with the ` +
	`create_character_profile tool. Stay in character: cryptic, grand, welcoming.`

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func main() {
	_ = godotenv.Load()

	dbFlag := flag.String("db", "", "path to SQLite database file (overrides DB_PATH env var)")
	addrFlag := flag.String("addr", "", "listen address (overrides PORT env var)")
	flag.Parse()

	addr := *addrFlag
	if addr == "" {
		addr = ":" + envOr("PORT", "8080")
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, "void-relay")
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		_ = shutdownTracing(context.Background())
	}()

	// Resolve DB path: --db flag > DB_PATH env > empty (in-memory store).
	dbPath := *dbFlag
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}

	var store relay.API
	var profileStore profile.Store
	if dbPath != "" {
		ss, err := relay.NewSQLiteStore(dbPath, relay.Config{})
		if err != nil {
			log.Fatalf("failed to initialize sqlite store (%s): %v", dbPath, err)
		}
		ps, err := profile.NewSQLiteStore(ss.DB())
		if err != nil {
			log.Fatalf("failed to initialize profile store: %v", err)
		}
		store = ss
		profileStore = ps
		log.Printf("using sqlite store at %s", dbPath)
	} else {
		store = relay.NewStore(relay.Config{})
		profileStore = profile.NewMemoryStore()
		log.Printf("using in-memory store")
	}

	profiles := profile.NewService(profileStore, profile.ServiceConfig{
		Minter: nft.NewMinterFromEnv(),
	})

	// Periodically re-attempt wallet transfers for tokens stuck in the
	// service wallet. TRANSFER_SWEEP_SECONDS=0 disables the sweep.
	if interval := envInt("TRANSFER_SWEEP_SECONDS", 600); interval > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(interval) * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				moved, err := profiles.RetryTransfers(sweepCtx, func(username string) (string, error) {
					agent, err := store.AgentByUsername(username)
					if err != nil {
						return "", err
					}
					return agent.WalletRef, nil
				})
				cancel()
				if err != nil {
					log.Printf("transfer sweep failed: %v", err)
				} else if moved > 0 {
					log.Printf("transfer sweep moved %d pending tokens", moved)
				}
			}
		}()
	}

	dmUsername := envOr("DM_USERNAME", "DM")
	if _, err := store.EnsureSpecialAgent(
		relay.RegisterInput{
			Username:    dmUsername,
			Description: "The Dungeon Master of the VOID universe",
			WalletRef:   os.Getenv("DM_WALLET_ADDRESS"),
		},
		relay.SpecialAgentConfig{
			ModelID:      envOr("DM_MODEL_ID", "claude-sonnet-4-20250514"),
			SystemPrompt: envOr("DM_SYSTEM_PROMPT", defaultDMSystemPrompt),
			Temperature:  envFloat("DM_TEMPERATURE", 0.7),
			MaxTokens:    envInt("DM_MAX_TOKENS", 1024),
		},
	); err != nil {
		log.Fatalf("failed to seed special agent %s: %v", dmUsername, err)
	}

	delivery := relay.NewDelivery(store, relay.DeliveryConfig{
		ReplyTimeout: time.Duration(envInt("REPLY_TIMEOUT_SECONDS", 60)) * time.Second,
	})

	messages, err := dungeon.NewMessagerFromEnv()
	if err != nil {
		// The relay still runs; messages to the DM get the apology reply.
		log.Printf("dungeon master disabled: %v", err)
	} else {
		delivery.RegisterResponder(dmUsername, dungeon.NewAgent(dungeon.AgentConfig{
			Username: dmUsername,
			Store:    store,
			Profiles: profiles,
			Messages: messages,
		}))
	}

	h := httpapi.NewServer(httpapi.Config{
		Store:    store,
		Delivery: delivery,
		Profiles: profiles,
		PDF:      sheet.NewPDFRenderer(),
	})
	log.Printf("void-relay listening on %s", addr)
	if err := http.ListenAndServe(addr, h); err != nil {
		log.Fatal(err)
	}
}
