package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey string
	DatabaseURL  string
	HTTPPort     string
	LogLevel     string
	JWTSecret    string

	FlashModel     string
	ProModel       string
	EmbeddingModel string
	EmbeddingDims  int

	// Heuristic per-feature overheads added to the length-based token
	// estimate during the pre-check. Tunable, not load-bearing.
	SearchOverheadTokens     int
	QAOverheadTokens         int
	ConsultantOverheadTokens int

	ProCostMultiplier int
	MaxToolIterations int

	SearchResultLimit     int
	QAResultLimit         int
	ConsultantResultLimit int

	StarterTokens int

	// Base URL used to build external links for ingested statute chunks,
	// e.g. https://www.elegislation.gov.hk/hk/
	SourceLinkBase string
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:  getEnv("DATABASE_URL", "legal_assistant.db"),
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:    getEnv("JWT_SECRET", ""),

		FlashModel:     getEnv("FLASH_MODEL", "gemini-1.5-flash-latest"),
		ProModel:       getEnv("PRO_MODEL", "gemini-1.5-pro-latest"),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", "gemini-embedding-001"),
		EmbeddingDims:  getEnvAsInt("EMBEDDING_DIMENSIONS", 3072),

		SearchOverheadTokens:     getEnvAsInt("SEARCH_OVERHEAD_TOKENS", 1000),
		QAOverheadTokens:         getEnvAsInt("QA_OVERHEAD_TOKENS", 10000),
		ConsultantOverheadTokens: getEnvAsInt("CONSULTANT_OVERHEAD_TOKENS", 5000),

		ProCostMultiplier: getEnvAsInt("PRO_COST_MULTIPLIER", 10),
		MaxToolIterations: getEnvAsInt("MAX_TOOL_ITERATIONS", 6),

		SearchResultLimit:     getEnvAsInt("SEARCH_RESULT_LIMIT", 10),
		QAResultLimit:         getEnvAsInt("QA_RESULT_LIMIT", 10),
		ConsultantResultLimit: getEnvAsInt("CONSULTANT_RESULT_LIMIT", 20),

		StarterTokens: getEnvAsInt("STARTER_TOKENS", 100000),

		SourceLinkBase: getEnv("SOURCE_LINK_BASE", ""),
	}

	if AppConfig.GeminiAPIKey == "" {
		log.Fatal("GEMINI_API_KEY environment variable is required")
	}

	if AppConfig.JWTSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
