package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lawbase.hk/legal-assistant/internal/api"
	"lawbase.hk/legal-assistant/internal/config"
	"lawbase.hk/legal-assistant/internal/core"
	"lawbase.hk/legal-assistant/internal/ingest"
	"lawbase.hk/legal-assistant/internal/store"
)

func main() {
	// Load configuration
	config.LoadConfig()

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if config.AppConfig.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}

	// Command line flag for statute ingestion
	ingestDir := flag.String("ingest", "", "Ingest statute files (.md/.pdf) from the given directory and exit")
	flag.Parse()

	// Initialize database store
	dbStore, err := newStore(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Initialize LLM service
	llmService, err := core.NewGeminiService(context.Background(), config.AppConfig.GeminiAPIKey, config.AppConfig.EmbeddingModel)
	if err != nil {
		log.Fatalf("Failed to initialize LLM service: %v", err)
	}
	defer llmService.Close()

	// Handle statute ingestion if the flag is set
	if *ingestDir != "" {
		log.Printf("Starting statute ingestion from %s...", *ingestDir)
		numIngested, err := ingest.Run(context.Background(), dbStore, *ingestDir, llmService.Embed, config.AppConfig.SourceLinkBase)
		if err != nil {
			log.Fatalf("Statute ingestion failed: %v", err)
		}
		log.Printf("Ingestion complete. Stored %d chunks. Exiting.", numIngested)
		os.Exit(0)
	}

	if n, err := dbStore.CountChunks(); err != nil {
		log.Printf("Warning: could not count law chunks: %v", err)
	} else if n == 0 {
		log.Println("Warning: no law chunks in the store. Run with -ingest <dir> to load statute files.")
	} else {
		log.Printf("Serving %d law chunks.", n)
	}

	// Initialize core services
	accountant := core.NewTokenAccountant(dbStore, core.FeatureOverheads{
		Search:     int64(config.AppConfig.SearchOverheadTokens),
		QA:         int64(config.AppConfig.QAOverheadTokens),
		Consultant: int64(config.AppConfig.ConsultantOverheadTokens),
	})
	retriever := core.NewRetriever(dbStore, llmService, config.AppConfig.FlashModel)
	synthesizer := core.NewSynthesizer(llmService, config.AppConfig.FlashModel)
	conversations := core.NewConversationService(dbStore)

	ragService := core.NewRAGService(retriever, synthesizer, accountant, core.RAGConfig{
		SearchLimit: config.AppConfig.SearchResultLimit,
		QALimit:     config.AppConfig.QAResultLimit,
	})
	consultantService := core.NewConsultantService(llmService, retriever, accountant, conversations, core.ConsultantConfig{
		FlashModel:        config.AppConfig.FlashModel,
		ProModel:          config.AppConfig.ProModel,
		MaxToolIterations: config.AppConfig.MaxToolIterations,
		ProCostMultiplier: int64(config.AppConfig.ProCostMultiplier),
		RetrieveLimit:     config.AppConfig.ConsultantResultLimit,
	})

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(dbStore, ragService, consultantService, conversations, accountant, int64(config.AppConfig.StarterTokens))
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // tool-calling turns can take a while
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}

// newStore picks the backend from the DATABASE_URL scheme: a postgres URL
// selects the pgvector-backed store, anything else is a sqlite path.
func newStore(databaseURL string) (store.Store, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return store.NewPostgresStore(databaseURL, config.AppConfig.EmbeddingDims)
	}
	return store.NewSQLiteStore(databaseURL)
}
