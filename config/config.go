package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
)

// Weights are the duplicate-scoring weights of each similarity component.
type Weights struct {
	Location float64
	Price    float64
	Size     float64
	Title    float64
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// CatalogDriver is one of memory, sqlite or postgres.
	CatalogDriver string
	SQLitePath    string
	SourcesFile   string

	MaxConcurrency    int
	MaxRetries        int
	RetryBase         time.Duration
	RetryMax          time.Duration
	RateLimitBackoff  time.Duration
	MaxGovernorWait   time.Duration
	MaxItemsPerSource int
	MaxPagesPerSource int

	JobTimeout       time.Duration
	RequestTimeout   time.Duration
	PageTimeout      time.Duration
	StabilizeTimeout time.Duration

	DescriptionMax  int
	DeactivateAfter int

	BreakerWindow      int
	BreakerFailureRate float64
	BreakerConsecutive int
	NetworkCooldown    time.Duration
	AntiBotCooldown    time.Duration

	DedupWeights  Weights
	DedupConfirm  float64
	DedupReview   float64
	SizeTolerance float64
	PriceBand     float64
	ConflictRetry int

	CSVOutputPath string
	ChromeBin     string
	LogLevel      string
	LogFormat     string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "karui"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "karui"),
		PostgresDB:       getEnv("POSTGRES_DB", "catalog"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		CatalogDriver: strings.ToLower(getEnv("CATALOG_DRIVER", "sqlite")),
		SQLitePath:    getEnv("SQLITE_PATH", "./data/catalog.db"),
		SourcesFile:   getEnv("SOURCES_FILE", "./config/sources.yaml"),

		MaxConcurrency:    getEnvInt("MAX_CONCURRENCY", 4),
		MaxRetries:        getEnvInt("MAX_RETRIES", 3),
		RetryBase:         getEnvDuration("RETRY_BASE", 2*time.Second),
		RetryMax:          getEnvDuration("RETRY_MAX", 30*time.Second),
		RateLimitBackoff:  getEnvDuration("RATE_LIMIT_BACKOFF", time.Minute),
		MaxGovernorWait:   getEnvDuration("MAX_GOVERNOR_WAIT", 10*time.Minute),
		MaxItemsPerSource: getEnvInt("MAX_ITEMS_PER_SOURCE", 50),
		MaxPagesPerSource: getEnvInt("MAX_PAGES_PER_SOURCE", 5),

		JobTimeout:       getEnvDuration("JOB_TIMEOUT", 2*time.Hour),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		PageTimeout:      getEnvDuration("PAGE_TIMEOUT", 60*time.Second),
		StabilizeTimeout: getEnvDuration("STABILIZE_TIMEOUT", 10*time.Second),

		DescriptionMax:  getEnvInt("DESCRIPTION_MAX", 2000),
		DeactivateAfter: getEnvInt("DEACTIVATE_AFTER", 3),

		BreakerWindow:      getEnvInt("BREAKER_WINDOW", 10),
		BreakerFailureRate: getEnvFloat("BREAKER_FAILURE_RATE", 0.20),
		BreakerConsecutive: getEnvInt("BREAKER_CONSECUTIVE", 5),
		NetworkCooldown:    getEnvDuration("BREAKER_NETWORK_COOLDOWN", time.Hour),
		AntiBotCooldown:    getEnvDuration("BREAKER_ANTIBOT_COOLDOWN", 24*time.Hour),

		DedupWeights: Weights{
			Location: getEnvFloat("DEDUP_WEIGHT_LOCATION", 0.4),
			Price:    getEnvFloat("DEDUP_WEIGHT_PRICE", 0.3),
			Size:     getEnvFloat("DEDUP_WEIGHT_SIZE", 0.2),
			Title:    getEnvFloat("DEDUP_WEIGHT_TITLE", 0.1),
		},
		DedupConfirm:  getEnvFloat("DEDUP_CONFIRM", 0.85),
		DedupReview:   getEnvFloat("DEDUP_REVIEW", 0.60),
		SizeTolerance: getEnvFloat("DEDUP_SIZE_TOLERANCE", 0.05),
		PriceBand:     getEnvFloat("DEDUP_PRICE_BAND", 0.15),
		ConflictRetry: getEnvInt("STORE_CONFLICT_RETRIES", 5),

		CSVOutputPath: getEnv("CSV_OUTPUT_PATH", ""),
		ChromeBin:     getEnv("CHROME_BIN", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "console"),
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.CatalogDriver {
	case "memory", "sqlite", "postgres":
	default:
		return eris.Errorf("config: CATALOG_DRIVER %q must be memory, sqlite or postgres", c.CatalogDriver)
	}
	if c.CatalogDriver == "sqlite" && c.SQLitePath == "" {
		return eris.New("config: SQLITE_PATH is required for the sqlite catalog")
	}
	if c.MaxConcurrency < 1 {
		return eris.New("config: MAX_CONCURRENCY must be at least 1")
	}
	w := c.DedupWeights
	for _, v := range []float64{w.Location, w.Price, w.Size, w.Title} {
		if v < 0 {
			return eris.New("config: dedup weights must not be negative")
		}
	}
	if sum := w.Location + w.Price + w.Size + w.Title; math.Abs(sum-1) > 1e-6 {
		return eris.Errorf("config: dedup weights must sum to 1, got %.3f", sum)
	}
	if c.DedupReview <= 0 || c.DedupReview >= c.DedupConfirm || c.DedupConfirm > 1 {
		return eris.Errorf("config: need 0 < DEDUP_REVIEW (%.2f) < DEDUP_CONFIRM (%.2f) <= 1", c.DedupReview, c.DedupConfirm)
	}
	if c.BreakerFailureRate <= 0 || c.BreakerFailureRate >= 1 {
		return eris.New("config: BREAKER_FAILURE_RATE must be in (0, 1)")
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
