// Package config loads and validates the reportsync YAML configuration.
//
// Secrets (service keys, admin keys) can be kept out of the YAML file and
// supplied through the environment instead; a .env file next to the config
// file is loaded first when present.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Backend selects the remote data service: "supabase" or "backendless".
	Backend string `yaml:"backend"`

	// Supabase configures the Supabase backend. Required when Backend is
	// "supabase".
	Supabase *SupabaseConfig `yaml:"supabase,omitempty"`

	// Backendless configures the Backendless backend. Required when Backend
	// is "backendless".
	Backendless *BackendlessConfig `yaml:"backendless,omitempty"`

	// DatabasePath is where the local SQLite mirror lives. Defaults to
	// ~/.local/share/reportsync/mirror.db.
	DatabasePath string `yaml:"database_path"`

	// PollInterval controls how often the daemon pulls remote changes.
	// Minimum 30s, maximum 1h. Defaults to 5m if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Realtime enables the Supabase change-feed listener so pulls happen on
	// notification instead of waiting for the next poll tick. Ignored for
	// Backendless, which has no equivalent feed here.
	Realtime bool `yaml:"realtime"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// SupabaseConfig holds the Supabase project settings.
type SupabaseConfig struct {
	// URL is the project base URL (e.g. "https://abc.supabase.co").
	URL string `yaml:"url"`

	// AnonKey is the public anon key used for ordinary requests.
	AnonKey string `yaml:"anon_key"`

	// ServiceKey is the service-role key used only inside elevated
	// operations. Prefer the REPORTSYNC_SUPABASE_SERVICE_KEY environment
	// variable over putting it in the file.
	ServiceKey string `yaml:"service_key,omitempty"`

	// Bucket is the storage bucket report files are uploaded to.
	// Defaults to "reports".
	Bucket string `yaml:"bucket"`
}

// BackendlessConfig holds the Backendless app settings.
type BackendlessConfig struct {
	// URL is the API base URL. Defaults to "https://api.backendless.com".
	URL string `yaml:"url"`

	// AppID identifies the Backendless application.
	AppID string `yaml:"app_id"`

	// APIKey is the REST API key used for ordinary requests.
	APIKey string `yaml:"api_key"`

	// AdminKey is used only inside elevated operations. Prefer the
	// REPORTSYNC_BACKENDLESS_ADMIN_KEY environment variable.
	AdminKey string `yaml:"admin_key,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "reportsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/reportsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "reportsync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path. A .env
// file in the same directory is loaded into the environment first, and
// REPORTSYNC_* variables override the secret fields.
func Load(path string) (*Config, error) {
	// Missing .env is the normal case, not an error.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv overlays secrets from the environment onto the parsed file.
func (c *Config) applyEnv() {
	if v := os.Getenv("REPORTSYNC_SUPABASE_SERVICE_KEY"); v != "" && c.Supabase != nil {
		c.Supabase.ServiceKey = v
	}
	if v := os.Getenv("REPORTSYNC_SUPABASE_ANON_KEY"); v != "" && c.Supabase != nil {
		c.Supabase.AnonKey = v
	}
	if v := os.Getenv("REPORTSYNC_BACKENDLESS_ADMIN_KEY"); v != "" && c.Backendless != nil {
		c.Backendless.AdminKey = v
	}
	if v := os.Getenv("REPORTSYNC_BACKENDLESS_API_KEY"); v != "" && c.Backendless != nil {
		c.Backendless.APIKey = v
	}
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	switch c.Backend {
	case "supabase":
		if c.Supabase == nil {
			return fmt.Errorf("supabase block is required when backend is supabase")
		}
		if err := c.Supabase.validate(); err != nil {
			return err
		}
	case "backendless":
		if c.Backendless == nil {
			return fmt.Errorf("backendless block is required when backend is backendless")
		}
		if err := c.Backendless.validate(); err != nil {
			return err
		}
	case "":
		return fmt.Errorf("backend is required (supabase or backendless)")
	default:
		return fmt.Errorf("backend %q must be supabase or backendless", c.Backend)
	}

	if c.DatabasePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory for database_path: %w", err)
		}
		c.DatabasePath = filepath.Join(home, ".local", "share", "reportsync", "mirror.db")
	}

	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.PollInterval < 30*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 30s)", c.PollInterval)
	}
	if c.PollInterval > time.Hour {
		return fmt.Errorf("poll_interval %v is too long (maximum 1h)", c.PollInterval)
	}

	if c.Realtime && c.Backend != "supabase" {
		return fmt.Errorf("realtime is only supported on the supabase backend")
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (s *SupabaseConfig) validate() error {
	if s.URL == "" {
		return fmt.Errorf("supabase.url is required")
	}
	u, err := url.ParseRequestURI(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("supabase.url %q must be a valid http or https URL", s.URL)
	}
	if s.AnonKey == "" {
		return fmt.Errorf("supabase.anon_key is required")
	}
	if s.Bucket == "" {
		s.Bucket = "reports"
	}
	return nil
}

func (b *BackendlessConfig) validate() error {
	if b.URL == "" {
		b.URL = "https://api.backendless.com"
	}
	u, err := url.ParseRequestURI(b.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("backendless.url %q must be a valid http or https URL", b.URL)
	}
	if b.AppID == "" {
		return fmt.Errorf("backendless.app_id is required")
	}
	if b.APIKey == "" {
		return fmt.Errorf("backendless.api_key is required")
	}
	return nil
}
