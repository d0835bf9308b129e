package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Directory backends.
const (
	BackendMemory     = "memory"
	BackendKubernetes = "kubernetes"
	BackendGitHub     = "github"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Storage
	DBPath          string `envconfig:"DB_PATH" default:"privileged-access.db"`
	AuditExportPath string `envconfig:"AUDIT_EXPORT_PATH"` // "-" for stdout, empty disables export

	// Policy catalog; the built-in catalog is used when unset
	PolicyFile string `envconfig:"POLICY_FILE"`

	// Directory
	DirectoryBackend     string        `envconfig:"DIRECTORY_BACKEND" default:"memory"`
	DirectoryCallTimeout time.Duration `envconfig:"DIRECTORY_CALL_TIMEOUT" default:"10s"`
	Kubeconfig           string        `envconfig:"KUBECONFIG"` // empty means in-cluster

	// GitHub App (DIRECTORY_BACKEND=github)
	GitHubAppID          int64  `envconfig:"GITHUB_APP_ID"`
	GitHubInstallationID int64  `envconfig:"GITHUB_INSTALLATION_ID"`
	GitHubPrivateKeyPath string `envconfig:"GITHUB_PRIVATE_KEY_PATH"`
	GitHubOrg            string `envconfig:"GITHUB_ORG"`
	GitHubBaseURL        string `envconfig:"GITHUB_BASE_URL"`

	// Slack (optional, alerts go to the log only when unset)
	SlackBotToken string `envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel  string `envconfig:"SLACK_CHANNEL" default:"#privileged-access"`
	NotifyBuffer  int    `envconfig:"NOTIFY_BUFFER" default:"256"`

	// Loops
	EnforcementPollInterval time.Duration `envconfig:"ENFORCEMENT_POLL_INTERVAL" default:"5s"`
	EnforcementStaleAfter   time.Duration `envconfig:"ENFORCEMENT_STALE_AFTER" default:"1h"`
	ExpiryInterval          time.Duration `envconfig:"EXPIRY_INTERVAL" default:"1m"`
	ExpiryWarningWindow     time.Duration `envconfig:"EXPIRY_WARNING_WINDOW" default:"10m"`
	DriftInterval           time.Duration `envconfig:"DRIFT_INTERVAL" default:"5m"`

	// Management API
	MgmtListenAddr     string        `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode       string        `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKeys        string        `envconfig:"MGMT_API_KEYS"` // comma-separated "key:role[:principal]" entries
	MgmtRateLimitRPS   int           `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100"`
	MgmtRateLimitBurst int           `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200"`
	MgmtCORSOrigins    string        `envconfig:"MGMT_CORS_ORIGINS"`
	MgmtReadTimeout    time.Duration `envconfig:"MGMT_READ_TIMEOUT" default:"10s"`
	MgmtWriteTimeout   time.Duration `envconfig:"MGMT_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// APIKey binds a management API key to the role it authenticates as and,
// optionally, to the principal the caller acts as.
type APIKey struct {
	Key       string
	Role      string
	Principal string
}

// SlackEnabled returns true if a Slack bot token is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != ""
}

// IsDevelopment reports whether human-readable console logging should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// ParseAPIKeys parses MGMT_API_KEYS.
// Format: "key1:admin,key2:operator:carol,key3:requester:alice"
func (c *Config) ParseAPIKeys() ([]APIKey, error) {
	if c.MgmtAPIKeys == "" {
		return nil, nil
	}
	parts := strings.Split(c.MgmtAPIKeys, ",")
	keys := make([]APIKey, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tokens := strings.SplitN(part, ":", 3)
		if len(tokens) < 2 || strings.TrimSpace(tokens[0]) == "" {
			return nil, fmt.Errorf("invalid API key entry, expected key:role[:principal]")
		}
		role := strings.TrimSpace(tokens[1])
		switch role {
		case "admin", "operator", "requester", "readonly":
		default:
			return nil, fmt.Errorf("unknown API key role %q", role)
		}
		k := APIKey{Key: strings.TrimSpace(tokens[0]), Role: role}
		if len(tokens) == 3 {
			k.Principal = strings.TrimSpace(tokens[2])
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// CORSOrigins returns the parsed list of allowed CORS origins.
func (c *Config) CORSOrigins() []string {
	if c.MgmtCORSOrigins == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(c.MgmtCORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch c.DirectoryBackend {
	case BackendMemory, BackendKubernetes:
	case BackendGitHub:
		if c.GitHubAppID <= 0 || c.GitHubInstallationID <= 0 {
			return fmt.Errorf("github backend requires GITHUB_APP_ID and GITHUB_INSTALLATION_ID")
		}
		if c.GitHubPrivateKeyPath == "" {
			return fmt.Errorf("github backend requires GITHUB_PRIVATE_KEY_PATH")
		}
		if c.GitHubOrg == "" {
			return fmt.Errorf("github backend requires GITHUB_ORG")
		}
	default:
		return fmt.Errorf("unknown DIRECTORY_BACKEND %q", c.DirectoryBackend)
	}

	for name, d := range map[string]time.Duration{
		"ENFORCEMENT_POLL_INTERVAL": c.EnforcementPollInterval,
		"ENFORCEMENT_STALE_AFTER":   c.EnforcementStaleAfter,
		"EXPIRY_INTERVAL":           c.ExpiryInterval,
		"DRIFT_INTERVAL":            c.DriftInterval,
		"DIRECTORY_CALL_TIMEOUT":    c.DirectoryCallTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ExpiryWarningWindow < 0 {
		return fmt.Errorf("EXPIRY_WARNING_WINDOW must not be negative")
	}

	switch c.MgmtAuthMode {
	case "api-key":
		if _, err := c.ParseAPIKeys(); err != nil {
			return err
		}
	case "none":
	default:
		return fmt.Errorf("unknown MGMT_AUTH_MODE %q", c.MgmtAuthMode)
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
