// Package main is a demo worker process: it registers a small endpoint
// catalog with the broker and serves requests against it. It stands in for
// the host bot runtime referenced in spec.md §1, which is out of scope for
// this module.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"

	"iprpc/internal/config"
	"iprpc/internal/workerclient"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("Critical error loading configuration: %v", err)
	}

	handlers := workerclient.Registry{
		"ping": func(ctx context.Context, data json.RawMessage) (any, error) {
			return map[string]any{"pong": true}, nil
		},
		"stats": func(ctx context.Context, data json.RawMessage) (any, error) {
			return map[string]any{"goroutines": runtime.NumGoroutine()}, nil
		},
		"echo": func(ctx context.Context, data json.RawMessage) (any, error) {
			var kwargs map[string]any
			if err := json.Unmarshal(data, &kwargs); err != nil {
				return nil, err
			}
			return kwargs, nil
		},
	}

	client := workerclient.New(workerclient.Config{
		BrokerURL:     cfg.BrokerURL,
		SecretKey:     cfg.SecretKey,
		BotID:         cfg.BotID,
		ShardID:       cfg.ShardID,
		ReconnectWait: cfg.ReconnectWait,
		HandshakeWait: cfg.HandshakeWait,
		OnError: func(endpoint string, err error) {
			log.Printf("[WORKER] handler %q failed: %v", endpoint, err)
		},
	}, handlers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		log.Fatalf("Critical error connecting to broker: %v", err)
	}

	<-ctx.Done()
	log.Println("Shutdown signal received, disconnecting...")
	if err := client.Disconnect(); err != nil {
		log.Printf("Error during disconnect: %v", err)
	}
}
