package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sunarp-console/internal/shared/telemetry"
)

// Config holds client configuration.
type Config struct {
	APIBaseURL     string
	PollInterval   time.Duration
	RequestTimeout time.Duration
	ArtifactGrace  time.Duration
	PageSize       int
	TokenFile      string
	ArtifactStore  string
	DownloadsDir   string
	AWSRegion      string
	S3Bucket       string
	S3Prefix       string
	SSEKMSKeyID    string
	GCSBucket      string
	GCSPrefix      string
	Env            string
	ConfigFile     string
}

// fileConfig is the optional YAML overlay. Durations use Go syntax ("5s").
type fileConfig struct {
	APIBaseURL     string `yaml:"api_base_url,omitempty"`
	PollInterval   string `yaml:"poll_interval,omitempty"`
	RequestTimeout string `yaml:"request_timeout,omitempty"`
	ArtifactGrace  string `yaml:"artifact_grace,omitempty"`
	PageSize       int    `yaml:"page_size,omitempty"`
	TokenFile      string `yaml:"token_file,omitempty"`
	ArtifactStore  string `yaml:"artifact_store,omitempty"`
	DownloadsDir   string `yaml:"downloads_dir,omitempty"`
	S3             struct {
		Region   string `yaml:"region,omitempty"`
		Bucket   string `yaml:"bucket,omitempty"`
		Prefix   string `yaml:"prefix,omitempty"`
		KMSKeyID string `yaml:"kms_key_id,omitempty"`
	} `yaml:"s3,omitempty"`
	GCS struct {
		Bucket string `yaml:"bucket,omitempty"`
		Prefix string `yaml:"prefix,omitempty"`
	} `yaml:"gcs,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIBaseURL:     "http://localhost:8000",
		PollInterval:   5 * time.Second,
		RequestTimeout: 30 * time.Second,
		ArtifactGrace:  10 * time.Second,
		PageSize:       20,
		TokenFile:      defaultTokenFile(),
		ArtifactStore:  "local",
		DownloadsDir:   ".",
		Env:            "dev",
	}
}

// Load builds the configuration from defaults, then the optional YAML file
// named by SUNARP_CONFIG_FILE, then environment variables.
func Load() (Config, error) {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env")

	cfg := Default()
	cfg.ConfigFile = getEnv("SUNARP_CONFIG_FILE", "")
	if cfg.ConfigFile != "" {
		if err := applyFile(&cfg, cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.APIBaseURL, fc.APIBaseURL)
	setString(&cfg.TokenFile, fc.TokenFile)
	setString(&cfg.DownloadsDir, fc.DownloadsDir)
	setString(&cfg.AWSRegion, fc.S3.Region)
	setString(&cfg.S3Bucket, fc.S3.Bucket)
	setString(&cfg.S3Prefix, fc.S3.Prefix)
	setString(&cfg.SSEKMSKeyID, fc.S3.KMSKeyID)
	setString(&cfg.GCSBucket, fc.GCS.Bucket)
	setString(&cfg.GCSPrefix, fc.GCS.Prefix)
	if fc.ArtifactStore != "" {
		cfg.ArtifactStore = normalizeStoreType(fc.ArtifactStore)
	}
	if fc.PageSize > 0 {
		cfg.PageSize = fc.PageSize
	}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &cfg.PollInterval},
		{"request_timeout", fc.RequestTimeout, &cfg.RequestTimeout},
		{"artifact_grace", fc.ArtifactGrace, &cfg.ArtifactGrace},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := parseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.APIBaseURL = strings.TrimRight(getEnv("SUNARP_API_BASE_URL", cfg.APIBaseURL), "/")
	cfg.PollInterval = getDuration("SUNARP_POLL_INTERVAL", cfg.PollInterval)
	cfg.RequestTimeout = getDuration("SUNARP_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.ArtifactGrace = getDuration("SUNARP_ARTIFACT_GRACE", cfg.ArtifactGrace)
	cfg.PageSize = getInt("SUNARP_PAGE_SIZE", cfg.PageSize)
	cfg.TokenFile = getEnv("SUNARP_TOKEN_FILE", cfg.TokenFile)
	cfg.ArtifactStore = normalizeStoreType(getEnv("ARTIFACT_STORE", cfg.ArtifactStore))
	cfg.DownloadsDir = getEnv("DOWNLOADS_DIR", cfg.DownloadsDir)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.S3Bucket = getEnv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3Prefix = getEnv("S3_PREFIX", cfg.S3Prefix)
	cfg.SSEKMSKeyID = getEnv("SSE_KMS_KEY_ID", cfg.SSEKMSKeyID)
	cfg.GCSBucket = getEnv("GCS_BUCKET", cfg.GCSBucket)
	cfg.GCSPrefix = getEnv("GCS_PREFIX", cfg.GCSPrefix)
	cfg.Env = normalizeEnv(getEnv("ENV", cfg.Env))

	if cfg.Env == "production" && cfg.ArtifactStore == "s3" && cfg.S3Bucket == "" {
		telemetry.Warn("config.missing", map[string]any{"key": "S3_BUCKET"})
	}
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "sunarpctl", "token.json")
}

func getEnv(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	d, err := parseDuration(raw)
	if err != nil {
		telemetry.Warn("config.invalid", map[string]any{"key": key, "value": raw, "error": err.Error()})
		return def
	}
	return d
}

func getInt(key string, def int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		telemetry.Warn("config.invalid", map[string]any{"key": key, "value": raw})
		return def
	}
	return n
}

// parseDuration accepts Go durations and bare integers as seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 0 {
			return 0, errors.New("must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}
	return d, nil
}

func setString(dst *string, val string) {
	if v := strings.TrimSpace(val); v != "" {
		*dst = v
	}
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	case "gcs":
		return "gcs"
	default:
		return "local"
	}
}
