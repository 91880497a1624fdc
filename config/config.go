// Package config holds the parameters of a replay run. A Config is read from
// YAML, overridden by command-line flags and then validated.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a replay run.
type Config struct {
	Region          string        `yaml:"region" validate:"required"`
	Endpoint        string        `yaml:"endpoint" validate:"omitempty,url"` // Alternate DynamoDB endpoint, e.g. DynamoDB Local
	Profile         string        `yaml:"profile"`
	Table           string        `yaml:"table"`                                            // Used by request lines that name no table
	Requests        []string      `yaml:"requests" validate:"required,min=1,dive,required"` // s3://bucket/key, file:// or plain paths
	ResumeKey       string        `yaml:"resumeKey"`                                        // Checkpoint location, s3:// or a path
	MaxWorkers      int           `yaml:"maxWorkers" validate:"min=1,max=256"`
	MaxRetries      int           `yaml:"maxRetries" validate:"min=0,max=20"` // Retries for throttled requests only
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	DryRun          bool          `yaml:"dryRun"`
	ReportURI       string        `yaml:"reportURI"` // s3:// or a path
	Preflight       bool          `yaml:"preflight"`
	PrincipalARN    string        `yaml:"principalARN"`
	CheckpointEvery int           `yaml:"checkpointEvery" validate:"min=1"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	ProgressEvery   time.Duration `yaml:"progressEvery"`
	Logging         Logging       `yaml:"logging"`
	Metrics         Metrics       `yaml:"metrics"`
}

// Logging controls the process logger.
type Logging struct {
	Level   string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format  string `yaml:"format" validate:"omitempty,oneof=json console"`
	Enabled bool   `yaml:"enabled"`
}

// Metrics controls the statsd sink. An empty address disables it.
type Metrics struct {
	StatsdAddr string `yaml:"statsdAddr" validate:"omitempty,hostname_port"`
	Namespace  string `yaml:"namespace"`
}

// Default returns a Config with every optional field set.
func Default() *Config {
	return &Config{
		MaxWorkers:      4,
		MaxRetries:      3,
		RequestTimeout:  10 * time.Second,
		CheckpointEvery: 100,
		ShutdownTimeout: 30 * time.Second,
		ProgressEvery:   5 * time.Second,
		Logging:         Logging{Level: "info", Format: "console", Enabled: true},
		Metrics:         Metrics{Namespace: "ddbfx."},
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

var validate = validator.New()

// Validate runs the structural checks from the struct tags and then the
// checks that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	for _, uri := range c.Requests {
		if err := checkLocation(uri); err != nil {
			return fmt.Errorf("invalid request source %q: %w", uri, err)
		}
	}
	if c.ResumeKey != "" {
		if err := checkLocation(c.ResumeKey); err != nil {
			return fmt.Errorf("invalid resume key: %w", err)
		}
	}
	if c.ReportURI != "" {
		if err := checkLocation(c.ReportURI); err != nil {
			return fmt.Errorf("invalid report URI: %w", err)
		}
	}

	if c.Preflight && c.PrincipalARN == "" {
		return fmt.Errorf("principal ARN is required when preflight is enabled")
	}
	if c.PrincipalARN != "" && !strings.HasPrefix(c.PrincipalARN, "arn:") {
		return fmt.Errorf("principal ARN must start with arn:")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative")
	}
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}
	return nil
}

// checkLocation accepts s3://bucket/key, file://path and plain paths.
func checkLocation(uri string) error {
	if !strings.Contains(uri, "://") {
		return nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "s3":
		if u.Host == "" || strings.TrimPrefix(u.Path, "/") == "" {
			return fmt.Errorf("S3 URI must name a bucket and a key")
		}
	case "file":
		if u.Path == "" && u.Host == "" {
			return fmt.Errorf("file URI must name a path")
		}
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}
