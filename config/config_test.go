package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Region = "us-west-2"
	cfg.Requests = []string{"s3://replay-bucket/day-1.jsonl"}
	return cfg
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config to pass validation, got: %v", err)
	}
}

func TestMissingRegion(t *testing.T) {
	cfg := validConfig()
	cfg.Region = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing region")
	}
	if !strings.Contains(err.Error(), "Region") {
		t.Errorf("expected error to name the Region field, got: %v", err)
	}
}

func TestMissingRequests(t *testing.T) {
	for name, requests := range map[string][]string{
		"nil":         nil,
		"empty":       {},
		"blank entry": {""},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Requests = requests
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for requests %q", requests)
			}
		})
	}
}

func TestRequestLocations(t *testing.T) {
	testCases := []struct {
		uri   string
		valid bool
	}{
		{"s3://bucket/key.jsonl", true},
		{"file:///tmp/requests.jsonl", true},
		{"testdata/requests.jsonl", true},
		{"s3://bucket", false},
		{"s3:///key", false},
		{"http://bucket/key", false},
		{"https://bucket/key", false},
	}

	for _, tc := range testCases {
		t.Run(tc.uri, func(t *testing.T) {
			cfg := validConfig()
			cfg.Requests = []string{tc.uri}
			err := cfg.Validate()
			if tc.valid && err != nil {
				t.Errorf("expected %s to pass, got: %v", tc.uri, err)
			}
			if !tc.valid && err == nil {
				t.Errorf("expected error for %s", tc.uri)
			}
		})
	}
}

func TestInvalidMaxWorkers(t *testing.T) {
	for _, workers := range []int{0, -1, 257} {
		t.Run("workers", func(t *testing.T) {
			cfg := validConfig()
			cfg.MaxWorkers = workers
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid max workers: %d", workers)
			}
		})
	}
}

func TestInvalidMaxRetries(t *testing.T) {
	for _, retries := range []int{-1, 21} {
		t.Run("retries", func(t *testing.T) {
			cfg := validConfig()
			cfg.MaxRetries = retries
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid max retries: %d", retries)
			}
		})
	}
}

func TestZeroRetriesAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.MaxRetries = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected zero retries to pass, got: %v", err)
	}
}

func TestInvalidCheckpointEvery(t *testing.T) {
	cfg := validConfig()
	cfg.CheckpointEvery = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero checkpoint interval")
	}
}

func TestInvalidEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Endpoint = "not a url"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid endpoint")
	}

	cfg.Endpoint = "http://localhost:8000"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected local endpoint to pass, got: %v", err)
	}
}

func TestInvalidReportURI(t *testing.T) {
	for _, uri := range []string{"http://bucket/report", "s3://bucket"} {
		t.Run(uri, func(t *testing.T) {
			cfg := validConfig()
			cfg.ReportURI = uri
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid report URI: %s", uri)
			}
		})
	}
}

func TestEmptyReportURI(t *testing.T) {
	cfg := validConfig()
	cfg.ReportURI = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected empty report URI to pass (optional), got: %v", err)
	}
}

func TestPreflightRequiresPrincipal(t *testing.T) {
	cfg := validConfig()
	cfg.Preflight = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for preflight without principal")
	}

	cfg.PrincipalARN = "role/replayer"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for principal that is not an ARN")
	}

	cfg.PrincipalARN = "arn:aws:iam::123456789012:role/replayer"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected preflight with principal to pass, got: %v", err)
	}
}

func TestInvalidLogging(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log level")
	}

	cfg = validConfig()
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log format")
	}
}

func TestInvalidStatsdAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.StatsdAddr = "localhost"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for statsd address without port")
	}

	cfg.Metrics.StatsdAddr = "127.0.0.1:8125"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected statsd address to pass, got: %v", err)
	}
}

func TestInvalidShutdownTimeout(t *testing.T) {
	for _, timeout := range []time.Duration{0, 500 * time.Millisecond, -time.Second} {
		t.Run("timeout", func(t *testing.T) {
			cfg := validConfig()
			cfg.ShutdownTimeout = timeout
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid shutdown timeout: %v", timeout)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ddbfx.yaml")
	data := `
region: eu-north-1
endpoint: http://localhost:8000
requests:
  - s3://replay-bucket/a.jsonl
  - testdata/b.jsonl
maxWorkers: 8
requestTimeout: 2s
dryRun: true
logging:
  level: debug
  format: json
  enabled: true
metrics:
  statsdAddr: 127.0.0.1:8125
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Region != "eu-north-1" || cfg.Endpoint != "http://localhost:8000" {
		t.Errorf("unexpected region/endpoint: %s %s", cfg.Region, cfg.Endpoint)
	}
	if len(cfg.Requests) != 2 {
		t.Errorf("expected 2 request sources, got %d", len(cfg.Requests))
	}
	if cfg.MaxWorkers != 8 || cfg.RequestTimeout != 2*time.Second || !cfg.DryRun {
		t.Errorf("unexpected worker settings: %+v", cfg)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging: %+v", cfg.Logging)
	}
	// Unset fields keep their defaults.
	if cfg.CheckpointEvery != 100 || cfg.MaxRetries != 3 || cfg.Metrics.Namespace != "ddbfx." {
		t.Errorf("expected defaults to survive load, got %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected loaded config to validate, got: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("maxWorkers: [1, 2"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}
