package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pediachat/chat-service/internal/api"
	"github.com/pediachat/chat-service/internal/config"
	"github.com/pediachat/chat-service/internal/core"
	"github.com/pediachat/chat-service/internal/store"
)

func main() {
	// Load configuration
	config.LoadConfig()

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if config.AppConfig.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}

	// Command line flag for loading precomputed reference embeddings
	ingestPath := flag.String("ingest", "", "Load precomputed embedding records from a JSON file and exit")
	flag.Parse()

	// Initialize database store. A missing or unreachable database is not
	// fatal: the service runs degraded (reads empty, creates rejected) so the
	// UI can still render an empty state.
	var dbStore *store.SQLiteStore
	if config.AppConfig.DatabaseURL == "" {
		log.Println("DATABASE_URL not set; running without persistence")
		dbStore = store.NewUnavailableStore(config.AppConfig.OwnerUserID)
	} else {
		var err error
		dbStore, err = store.NewSQLiteStore(config.AppConfig.DatabaseURL, config.AppConfig.OwnerUserID)
		if err != nil {
			log.Printf("Failed to initialize database, running degraded: %v", err)
			dbStore = store.NewUnavailableStore(config.AppConfig.OwnerUserID)
		}
	}
	defer dbStore.Close()

	// Handle embedding ingestion if flag is set
	if *ingestPath != "" {
		log.Printf("Starting embedding ingestion from %s...", *ingestPath)
		numIngested, err := dbStore.IngestEmbeddingsFromFile(*ingestPath)
		if err != nil {
			log.Fatalf("Embedding ingestion failed: %v", err)
		}
		log.Printf("Embedding ingestion complete. Ingested %d records. Exiting.", numIngested)
		os.Exit(0)
	}

	// Initialize Chat service
	chatService := core.NewChatService(dbStore)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(chatService)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give active connections time to finish before the process exits.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}
