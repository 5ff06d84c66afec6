// cmd/seed populates a running registry with a demo catalog for development.
//
// Agents are created through the HTTP API, so every one goes through the
// provisioning saga and gets a real embedding. Each seed agent has a fixed
// id; running the command again returns the existing agents unchanged.
//
// Usage:
//
//	go run ./cmd/seed
//	go run ./cmd/seed -registry http://localhost:8080 -config configs/registry.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/agent-registry/internal/auth"
	"github.com/jmerrifield20/agent-registry/internal/config"
	"github.com/jmerrifield20/agent-registry/pkg/client"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to registry.yaml (for auth.secret)")
	registryURL := flag.String("registry", "http://localhost:8080", "registry base URL")
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, time.Hour)
	if err != nil {
		return fmt.Errorf("owner tokens (set auth.secret or AUTH_SECRET): %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	clients := make(map[string]*client.Client)
	for _, a := range catalog {
		c, ok := clients[a.Owner]
		if !ok {
			tok, err := tokens.Issue(a.Owner)
			if err != nil {
				return err
			}
			c, err = client.New(*registryURL, client.WithBearerToken(tok), client.WithTimeout(time.Minute))
			if err != nil {
				return err
			}
			clients[a.Owner] = c
		}

		agent, created, err := c.CreateAgent(ctx, client.CreateAgentRequest{
			ID:           a.ID.String(),
			Name:         a.Name,
			Description:  a.Description,
			Capabilities: a.Capabilities,
			Status:       a.Status,
			Metadata:     a.Metadata,
		})
		if err != nil {
			return fmt.Errorf("seed %q: %w", a.Name, err)
		}
		verb := "exists "
		if created {
			verb = "created"
		}
		fmt.Printf("  %s  %-26s %s\n", verb, agent.Name, agent.DIDIdentifier)
	}

	fmt.Printf("\nseed complete: %d agents\n", len(catalog))
	return nil
}

// ── Catalog ──────────────────────────────────────────────────────────────────

type seedAgent struct {
	ID           uuid.UUID
	Owner        string
	Name         string
	Description  string
	Capabilities client.Capabilities
	Status       string
	Metadata     map[string]string
}

var catalog = []seedAgent{
	{
		ID:          uuid.MustParse("00000000-0000-0000-0000-00000000a001"),
		Owner:       "alice",
		Name:        "Translator Bot",
		Description: "Translates documents and chat messages between 40 languages.",
		Capabilities: client.Capabilities{
			AI:          []string{"translation", "language-detection"},
			Protocols:   []string{"http", "grpc"},
			Integration: []string{"slack"},
		},
		Metadata: map[string]string{"region": "eu-west", "tier": "standard"},
	},
	{
		ID:          uuid.MustParse("00000000-0000-0000-0000-00000000a002"),
		Owner:       "alice",
		Name:        "Invoice Extractor",
		Description: "Pulls line items, totals and tax fields out of PDF invoices.",
		Capabilities: client.Capabilities{
			AI:          []string{"ocr", "document-extraction"},
			Protocols:   []string{"http"},
			Integration: []string{"quickbooks", "xero"},
		},
		Metadata: map[string]string{"formats": "pdf, png"},
	},
	{
		ID:          uuid.MustParse("00000000-0000-0000-0000-00000000a003"),
		Owner:       "bob",
		Name:        "Weather Forecaster",
		Description: "Hourly and ten-day forecasts for any coordinate.",
		Capabilities: client.Capabilities{
			AI:        []string{"forecasting"},
			Protocols: []string{"http", "websocket"},
		},
	},
	{
		ID:          uuid.MustParse("00000000-0000-0000-0000-00000000a004"),
		Owner:       "bob",
		Name:        "Meeting Summarizer",
		Description: "Summarizes meeting transcripts into decisions and action items.",
		Capabilities: client.Capabilities{
			AI:          []string{"summarization", "speech-to-text"},
			Protocols:   []string{"http"},
			Integration: []string{"zoom", "google-meet", "slack"},
		},
	},
	{
		ID:          uuid.MustParse("00000000-0000-0000-0000-00000000a005"),
		Owner:       "carol",
		Name:        "Code Reviewer",
		Description: "Reviews pull requests for bugs, style and security issues.",
		Capabilities: client.Capabilities{
			AI:          []string{"code-review", "static-analysis"},
			Protocols:   []string{"http"},
			Integration: []string{"github", "gitlab"},
		},
	},
	{
		ID:          uuid.MustParse("00000000-0000-0000-0000-00000000a006"),
		Owner:       "carol",
		Name:        "Sentiment Scorer",
		Description: "Scores customer feedback sentiment. Paused for maintenance.",
		Capabilities: client.Capabilities{
			AI:        []string{"sentiment-analysis"},
			Protocols: []string{"http"},
		},
		Status: "INACTIVE",
	},
}
