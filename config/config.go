package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"

	apperrors "sjsage522/shopwatch/pkg/errors"
)

// Config represents the application configuration
type Config struct {
	Environment string `validate:"oneof=development production test"`

	// Storage locations
	DataDir        string `validate:"required"`
	LockFile       string `validate:"required"`
	PerspectiveDB  string `validate:"required"`
	ErrorLogFile   string
	SettingsFile   string `validate:"required"`
	LockStaleAfter time.Duration `validate:"min=1m"`

	// Inputs
	ShopsSource string `validate:"required"`
	ProxiesFile string
	SiteBaseURL string `validate:"required,url"`

	// Browser session
	ChromePath        string
	Headless          bool
	Humanize          bool
	ResponseTimeout   time.Duration `validate:"min=1s"`
	InactivityTimeout time.Duration `validate:"min=1s"`
	CaptchaTimeout    time.Duration `validate:"min=1s"`

	// Retry escalation
	MaxAttempts            int           `validate:"min=1"`
	MaxSessionReplacements int           `validate:"min=0"`
	ChallengeDelay         time.Duration `validate:"min=0"`
	ShopDelay              time.Duration `validate:"min=0"`
	MaxPages               int           `validate:"min=1"`

	// Analytics API
	AnalyticsURL         string `validate:"required,url"`
	AnalyticsToken       string
	AnalyticsBatchSize   int     `validate:"min=1,max=64"`
	AnalyticsConcurrency int     `validate:"min=1"`
	AnalyticsRPS         float64 `validate:"gt=0"`

	// Classification
	MaturityDays       int     `validate:"min=1"`
	MinViewsPerDay     float64 `validate:"gte=0"`
	MinLikesPerDay     float64 `validate:"gte=0"`
	ThresholdTolerance float64 `validate:"gt=0,lte=1"`

	// Scheduling
	Timezone      string        `validate:"required"`
	SchedulerTick time.Duration `validate:"min=1s"`

	// Redis configuration
	RedisAddr            string `validate:"required"`
	RedisDB              int
	RedisStream          string `validate:"required"`
	RedisStreamCount     int    `validate:"min=1"`
	RedisStreamMaxLength int    `validate:"min=1"`

	// Memcache configuration
	MemcacheAddr string

	// Export
	ExportFile string
}

// LoadConfig loads the configuration from environment variables with defaults
func LoadConfig() *Config {
	dataDir := getEnv("DATA_DIR", "output")

	return &Config{
		Environment: getEnv("SHOPWATCH_ENVIRONMENT", "development"),

		DataDir:        dataDir,
		LockFile:       getEnv("LOCK_FILE", filepath.Join(dataDir, "is_working")),
		PerspectiveDB:  getEnv("PERSPECTIVE_DB", filepath.Join(dataDir, "tops", "perspective.db")),
		ErrorLogFile:   getEnv("ERROR_LOG_FILE", filepath.Join(dataDir, "errors.log")),
		SettingsFile:   getEnv("SCHEDULE_FILE", "schedule.yaml"),
		LockStaleAfter: getMinutes("LOCK_STALE_MINUTES", 30),

		ShopsSource: getEnv("SHOPS_SOURCE", "links.txt"),
		ProxiesFile: getEnv("PROXIES_FILE", "proxies.txt"),
		SiteBaseURL: getEnv("SITE_BASE_URL", "https://www.etsy.com"),

		ChromePath:        getEnv("CHROME_PATH", ""),
		Headless:          getBool("BROWSER_HEADLESS", true),
		Humanize:          getBool("BROWSER_HUMANIZE", true),
		ResponseTimeout:   getSeconds("RESPONSE_TIMEOUT_SECONDS", 90),
		InactivityTimeout: getSeconds("INACTIVITY_TIMEOUT_SECONDS", 60),
		CaptchaTimeout:    getSeconds("CAPTCHA_TIMEOUT_SECONDS", 30),

		MaxAttempts:            getInt("MAX_ATTEMPTS", 3),
		MaxSessionReplacements: getInt("MAX_SESSION_REPLACEMENTS", 3),
		ChallengeDelay:         getSeconds("CHALLENGE_DELAY_SECONDS", 10),
		ShopDelay:              getSeconds("SHOP_DELAY_SECONDS", 2),
		MaxPages:               getInt("MAX_PAGES", 1),

		AnalyticsURL:         getEnv("ANALYTICS_API_URL", "https://api.everbee.com"),
		AnalyticsToken:       getEnv("ANALYTICS_TOKEN", ""),
		AnalyticsBatchSize:   getInt("ANALYTICS_BATCH_SIZE", 64),
		AnalyticsConcurrency: getInt("ANALYTICS_CONCURRENCY", 2),
		AnalyticsRPS:         getFloat("ANALYTICS_RPS", 1),

		MaturityDays:       getInt("MATURITY_DAYS", 60),
		MinViewsPerDay:     getFloat("MIN_VIEWS_PER_DAY", 25),
		MinLikesPerDay:     getFloat("MIN_LIKES_PER_DAY", 1),
		ThresholdTolerance: getFloat("THRESHOLD_TOLERANCE", 0.8),

		Timezone:      getEnv("SCHEDULE_TIMEZONE", "Europe/Moscow"),
		SchedulerTick: getSeconds("SCHEDULER_TICK_SECONDS", 60),

		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:              getInt("REDIS_DB", 0),
		RedisStream:          getEnv("REDIS_STREAM", "shopwatch"),
		RedisStreamCount:     getInt("REDIS_STREAM_COUNT", 1),
		RedisStreamMaxLength: getInt("REDIS_STREAM_MAX_LENGTH", 1000),

		MemcacheAddr: getEnv("MEMCACHE_ADDR", ""),

		ExportFile: getEnv("EXPORT_FILE", filepath.Join(dataDir, "export.xlsx")),
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return apperrors.NewConfiguration("invalid configuration", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return apperrors.NewConfiguration("unknown timezone "+c.Timezone, err)
	}
	return nil
}

// Location returns the scheduling timezone, falling back to UTC
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return v
}

func getFloat(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getBool(key string, defaultValue bool) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getInt(key, defaultValue)) * time.Second
}

func getMinutes(key string, defaultValue int) time.Duration {
	return time.Duration(getInt(key, defaultValue)) * time.Minute
}
