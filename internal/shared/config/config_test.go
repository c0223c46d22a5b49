package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SUNARP_CONFIG_FILE", "SUNARP_API_BASE_URL", "SUNARP_POLL_INTERVAL", "SUNARP_REQUEST_TIMEOUT",
		"SUNARP_ARTIFACT_GRACE", "SUNARP_PAGE_SIZE", "SUNARP_TOKEN_FILE", "ARTIFACT_STORE",
		"DOWNLOADS_DIR", "AWS_REGION", "S3_BUCKET", "S3_PREFIX", "SSE_KMS_KEY_ID", "GCS_BUCKET", "GCS_PREFIX", "ENV",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != "http://localhost:8000" || cfg.PollInterval != 5*time.Second ||
		cfg.RequestTimeout != 30*time.Second || cfg.ArtifactGrace != 10*time.Second ||
		cfg.PageSize != 20 || cfg.ArtifactStore != "local" || cfg.Env != "dev" {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
}

func TestFileThenEnvPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sunarpctl.yaml")
	body := `api_base_url: https://registry.example.com/
poll_interval: 2s
artifact_grace: 30
page_size: 50
artifact_store: S3
s3:
  bucket: artifacts
  prefix: /copias/
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SUNARP_CONFIG_FILE", path)
	t.Setenv("SUNARP_POLL_INTERVAL", "7s")
	t.Setenv("ENV", "prod")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != "https://registry.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.APIBaseURL)
	}
	if cfg.PollInterval != 7*time.Second {
		t.Fatalf("env should override file, got %s", cfg.PollInterval)
	}
	if cfg.ArtifactGrace != 30*time.Second || cfg.PageSize != 50 {
		t.Fatalf("file values not applied: %#v", cfg)
	}
	if cfg.ArtifactStore != "s3" || cfg.S3Bucket != "artifacts" || cfg.S3Prefix != "/copias/" || cfg.Env != "production" {
		t.Fatalf("unexpected store config %#v", cfg)
	}
}

func TestInvalidFileDurationFails(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("poll_interval: soon\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SUNARP_CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}
}

func TestInvalidEnvFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("SUNARP_REQUEST_TIMEOUT", "-3s")
	t.Setenv("SUNARP_PAGE_SIZE", "lots")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RequestTimeout != 30*time.Second || cfg.PageSize != 20 {
		t.Fatalf("expected defaults on invalid env, got %#v", cfg)
	}
}

func TestDotenvDoesNotOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("# comment\nexport S3_PREFIX=\"from-file\"\nS3_BUCKET=file-bucket\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("S3_BUCKET", "env-bucket")
	os.Unsetenv("S3_PREFIX")
	t.Cleanup(func() { os.Unsetenv("S3_PREFIX") })

	loadEnvFiles(path)
	if os.Getenv("S3_BUCKET") != "env-bucket" || os.Getenv("S3_PREFIX") != "from-file" {
		t.Fatalf("unexpected env bucket=%q prefix=%q", os.Getenv("S3_BUCKET"), os.Getenv("S3_PREFIX"))
	}
}

func TestGCSStoreFromFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sunarp.yaml")
	body := "artifact_store: gcs\ngcs:\n  bucket: copias\n  prefix: lima\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SUNARP_CONFIG_FILE", path)
	t.Setenv("GCS_PREFIX", "cusco")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ArtifactStore != "gcs" || cfg.GCSBucket != "copias" || cfg.GCSPrefix != "cusco" {
		t.Fatalf("unexpected gcs config %+v", cfg)
	}
}
