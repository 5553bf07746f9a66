package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Common contains Elasticsearch parameters shared by every binary.
type Common struct {
	ElasticsearchAddr  string
	ElasticsearchIndex string
}

// Microblog holds credentials for the microblog publisher.
type Microblog struct {
	APIURL      string
	AccessToken string
	UserID      string
	MaxLength   int
	Grayscale   bool
}

// FeedPage holds credentials for the feed page publisher.
type FeedPage struct {
	APIURL      string
	PageID      string
	AccessToken string
}

// TagLine configures the contextual line appended to every caption.
type TagLine struct {
	Since    time.Time
	Template string
	Hashtags []string
}

// Scheduler holds configuration for the selection/publish process.
type Scheduler struct {
	Common
	ReshareEnabled     bool
	ScanLimit          int
	ResetLimit         int
	MetadataTimeout    time.Duration
	CycleSpec          string
	ResetSpec          string
	BindAddr           string
	KafkaBrokers       []string
	OutcomeTopic       string
	PlatformTimeout    time.Duration
	BreakerMinRequests int
	BreakerCooldown    time.Duration
	Microblog          Microblog
	FeedPage           FeedPage
	TagLine            TagLine
}

// Ingest configures the CSV sync job.
type Ingest struct {
	Common
	Sources        []string
	Spec           string
	DedupeCapacity int
	DedupeTTL      time.Duration
	FetchTimeout   time.Duration
}

// LoadDotenv reads .env style files into the environment. Missing files are ignored.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func loadCommon() Common {
	return Common{
		ElasticsearchAddr:  getEnv("ELASTICSEARCH_ADDR", "http://elasticsearch:9200"),
		ElasticsearchIndex: getEnv("ELASTICSEARCH_INDEX", "posts"),
	}
}

// LoadScheduler builds a Scheduler config from environment variables.
func LoadScheduler() (*Scheduler, error) {
	c := &Scheduler{
		Common:             loadCommon(),
		ReshareEnabled:     getBool("RESHARE_ENABLED", false),
		ScanLimit:          getInt("SCHEDULER_SCAN_LIMIT", 50),
		ResetLimit:         getInt("SCHEDULER_RESET_LIMIT", 10000),
		MetadataTimeout:    getDuration("METADATA_FETCH_TIMEOUT", "8s"),
		CycleSpec:          getEnv("SCHEDULER_CYCLE_SPEC", "@every 1m"),
		ResetSpec:          getEnv("SCHEDULER_RESET_SPEC", "0 0 * * *"),
		BindAddr:           getEnv("SCHEDULER_BIND_ADDR", "0.0.0.0:8080"),
		KafkaBrokers:       splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		OutcomeTopic:       getEnv("KAFKA_OUTCOME_TOPIC", "post_outcomes"),
		PlatformTimeout:    getDuration("PLATFORM_TIMEOUT", "30s"),
		BreakerMinRequests: getInt("BREAKER_MIN_REQUESTS", 5),
		BreakerCooldown:    getDuration("BREAKER_COOLDOWN", "10m"),
		Microblog: Microblog{
			APIURL:      getEnv("MICROBLOG_API_URL", "https://api.twitter.com"),
			AccessToken: getEnv("MICROBLOG_ACCESS_TOKEN", ""),
			UserID:      getEnv("MICROBLOG_USER_ID", ""),
			MaxLength:   getInt("MICROBLOG_MAX_LENGTH", 280),
			Grayscale:   getBool("MICROBLOG_GRAYSCALE", false),
		},
		FeedPage: FeedPage{
			APIURL:      getEnv("FEEDPAGE_API_URL", "https://graph.facebook.com/v19.0"),
			PageID:      getEnv("FEEDPAGE_PAGE_ID", ""),
			AccessToken: getEnv("FEEDPAGE_ACCESS_TOKEN", ""),
		},
		TagLine: TagLine{
			Template: getEnv("TAGLINE_TEMPLATE", "⏰ Waiting for justice since %s"),
			Hashtags: splitAndTrim(getEnv("TAGLINE_HASHTAGS", "")),
		},
	}

	if raw := getEnv("TAGLINE_SINCE", ""); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("TAGLINE_SINCE must be RFC3339: %w", err)
		}
		c.TagLine.Since = since
	}

	if c.ScanLimit <= 0 {
		return nil, fmt.Errorf("SCHEDULER_SCAN_LIMIT must be positive")
	}
	if c.ResetLimit <= 0 {
		return nil, fmt.Errorf("SCHEDULER_RESET_LIMIT must be positive")
	}
	if c.MetadataTimeout <= 0 {
		return nil, fmt.Errorf("METADATA_FETCH_TIMEOUT must be positive")
	}
	if c.PlatformTimeout <= 0 {
		return nil, fmt.Errorf("PLATFORM_TIMEOUT must be positive")
	}
	if c.BreakerMinRequests <= 0 {
		return nil, fmt.Errorf("BREAKER_MIN_REQUESTS must be positive")
	}
	if c.Microblog.MaxLength <= 0 {
		return nil, fmt.Errorf("MICROBLOG_MAX_LENGTH must be positive")
	}
	if err := validateSpec("SCHEDULER_CYCLE_SPEC", c.CycleSpec); err != nil {
		return nil, err
	}
	if err := validateSpec("SCHEDULER_RESET_SPEC", c.ResetSpec); err != nil {
		return nil, err
	}

	return c, nil
}

// LoadIngest builds an Ingest config from environment variables.
func LoadIngest() (*Ingest, error) {
	c := &Ingest{
		Common:         loadCommon(),
		Sources:        splitAndTrim(getEnv("INGEST_CSV_SOURCES", "")),
		Spec:           getEnv("INGEST_SPEC", "0 3 * * *"),
		DedupeCapacity: getInt("INGEST_DEDUPE_CAPACITY", 20000),
		DedupeTTL:      getDuration("INGEST_DEDUPE_TTL", "12h"),
		FetchTimeout:   getDuration("INGEST_FETCH_TIMEOUT", "30s"),
	}

	if len(c.Sources) == 0 {
		return nil, fmt.Errorf("INGEST_CSV_SOURCES must contain at least one source")
	}
	if c.DedupeCapacity <= 0 {
		return nil, fmt.Errorf("INGEST_DEDUPE_CAPACITY must be positive")
	}
	if c.FetchTimeout <= 0 {
		return nil, fmt.Errorf("INGEST_FETCH_TIMEOUT must be positive")
	}
	if err := validateSpec("INGEST_SPEC", c.Spec); err != nil {
		return nil, err
	}

	return c, nil
}

func validateSpec(key, spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%s is not a valid schedule: %w", key, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
