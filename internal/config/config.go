package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application settings (in-memory representation).
// Values come from Default(), optionally overridden by the environment.
type Config struct {
	Port     int    `json:"port"`
	DBPath   string `json:"db_path"`
	CacheDir string `json:"cache_dir"`

	// Resolver parameters.
	InitialRadiusMiles float64 `json:"initial_radius_miles"`
	ExpandStepMiles    float64 `json:"expand_step_miles"`
	MaxRadiusMiles     float64 `json:"max_radius_miles"`
	BenchmarkLocality  string  `json:"benchmark_locality"`

	// Benefit parameters used when benefit_params has no row for a year.
	PartBDeductibleCents      int64   `json:"part_b_deductible_cents"`
	CoinsuranceRate           float64 `json:"coinsurance_rate"`
	PartAAdmissionDeductCents int64   `json:"part_a_admission_deduct_cents"`

	// Policy toggles (defaults; requests may override).
	ApplySequestration bool    `json:"apply_sequestration"`
	SequestrationRate  float64 `json:"sequestration_rate"`

	// Cache caps.
	CacheMaxEntries int           `json:"cache_max_entries"`
	CacheMaxBytes   int64         `json:"cache_max_bytes"`
	CacheTTL        time.Duration `json:"cache_ttl"`

	// Request handling.
	RequestTimeout time.Duration `json:"request_timeout"`
	RateLimitRPS   float64       `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Port:               13380,
		DBPath:             "medpricer.db",
		CacheDir:           "cache",
		InitialRadiusMiles: 25,
		ExpandStepMiles:    10,
		MaxRadiusMiles:     100,
		BenchmarkLocality:  "01",

		// 2025 Part B deductible $257; Part A per-admission $1,676.
		PartBDeductibleCents:      25700,
		CoinsuranceRate:           0.20,
		PartAAdmissionDeductCents: 167600,

		ApplySequestration: false,
		SequestrationRate:  0.02,

		CacheMaxEntries: 4096,
		CacheMaxBytes:   64 << 20,
		CacheTTL:        15 * time.Minute,

		RequestTimeout: 30 * time.Second,
		RateLimitRPS:   20,
		RateLimitBurst: 40,
	}
}

// Load builds a Config from defaults plus environment overrides.
// A .env file in the working directory is honored if present.
func Load() *Config {
	godotenv.Load()

	cfg := Default()
	if v := os.Getenv("MEDPRICER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Port = n
		}
	}
	if v := os.Getenv("MEDPRICER_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MEDPRICER_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("MEDPRICER_BENCHMARK_LOCALITY"); v != "" {
		cfg.BenchmarkLocality = v
	}
	if v := os.Getenv("MEDPRICER_MAX_RADIUS_MILES"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.MaxRadiusMiles = f
		}
	}
	if v := os.Getenv("MEDPRICER_SEQUESTRATION"); v != "" {
		cfg.ApplySequestration = v == "1" || v == "true"
	}
	if v := os.Getenv("MEDPRICER_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RequestTimeout = d
		}
	}
	if v := os.Getenv("MEDPRICER_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RateLimitRPS = f
		}
	}
	return cfg
}
