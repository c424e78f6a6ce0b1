// Package main is the entry point for the broker process.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"iprpc/internal/broker"
	"iprpc/internal/brokerevents"
	"iprpc/internal/catalog"
	"iprpc/internal/config"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadBroker()
	if err != nil {
		log.Fatalf("Critical error loading configuration: %v", err)
	}

	var mirror catalog.Mirror
	if cfg.S3.Enabled() {
		s3Mirror, err := catalog.NewS3Mirror(catalog.S3Config(cfg.S3))
		if err != nil {
			log.Fatalf("Critical error! Failed to create S3 catalog mirror: %v", err)
		}
		if s3Mirror != nil {
			mirror = s3Mirror
		}
	}
	catalogStore := catalog.New(cfg.CatalogDir, mirror)

	var brokers []string
	if cfg.KafkaBrokers != "" {
		brokers = strings.Split(cfg.KafkaBrokers, ",")
	}
	events, err := brokerevents.New(brokers, cfg.KafkaAuditTopic)
	if err != nil {
		log.Fatalf("Critical error! Failed to create audit event publisher: %v", err)
	}

	b := broker.New(cfg.SecretKey, catalogStore, events)
	defer b.Close()

	router := broker.Router(b, strings.Split(cfg.CORSAllowedOrigins, ","), cfg.CORSMaxAge)
	srv := &http.Server{Addr: cfg.ServerAddr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Broker is ready for connections and listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Broker failed with error: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("Shutdown signal received. Starting graceful shutdown...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Error during graceful broker shutdown: %v", err)
	}

	time.Sleep(cfg.ShutdownFinalSleep)
	log.Println("Exiting.")
}
