package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kindline/chat-app/internal/messaging"
	"github.com/kindline/chat-app/internal/moderation"
)

func main() {
	log.Println("Starting draft analyzer service...")

	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "kindline-analyzer"

	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	analyzer := moderation.NewHeuristicAnalyzer()

	// Serve analysis requests over request/reply. A reply is always sent:
	// decode failures come back as a permissive verdict so the gateway's
	// fail-open policy holds end to end.
	err = natsClient.SubscribeAnalyze(func(data []byte) []byte {
		var draft moderation.Draft
		if err := json.Unmarshal(data, &draft); err != nil {
			log.Printf("[analyzer] failed to unmarshal draft: %v", err)
			return mustMarshal(moderation.Allow())
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		result, err := analyzer.Analyze(ctx, draft)
		if err != nil {
			log.Printf("[analyzer] analysis failed sender=%s: %v", draft.Sender, err)
			return mustMarshal(moderation.Allow())
		}

		if !result.ShouldSend {
			log.Printf("[analyzer] HOLD sender=%s room=%s risk=%s",
				draft.Sender, draft.RoomID, result.RiskLevel)
		} else {
			log.Printf("[analyzer] PASS sender=%s room=%s risk=%s",
				draft.Sender, draft.RoomID, result.RiskLevel)
		}
		return mustMarshal(result)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to analysis requests: %v", err)
	}

	log.Printf("draft analyzer running")
	log.Printf("  nats_url: %s", natsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
}

func mustMarshal(result moderation.Result) []byte {
	data, err := json.Marshal(result)
	if err != nil {
		// Result is a plain struct; this cannot fail at runtime.
		log.Printf("[analyzer] marshal result: %v", err)
		return []byte(`{"risk_level":"low","should_send":true}`)
	}
	return data
}
