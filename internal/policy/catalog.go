// Package policy holds the privileged-role catalog: which roles exist, which
// need human approval, how long they may be held and how drift is handled.
// The catalog is an explicit, versioned lookup table loaded from YAML.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ApprovalMode says whether a role needs a human decision.
type ApprovalMode string

const (
	ApprovalRequired ApprovalMode = "required"
	ApprovalAuto     ApprovalMode = "auto"
)

// Role is one privileged role or group in the catalog.
type Role struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description,omitempty"`
	Tier        int           `yaml:"tier" json:"tier"`
	Approval    ApprovalMode  `yaml:"approval" json:"approval"`
	MaxDuration time.Duration `yaml:"max_duration" json:"max_duration,omitempty"`

	// AutoRemoveDrift removes members found in the directory without an
	// active grant.
	AutoRemoveDrift bool `yaml:"auto_remove_drift" json:"auto_remove_drift"`
}

// RequiresApproval reports whether a grant for this role needs a human.
// Tier 0 roles always do, whatever the file says.
func (r Role) RequiresApproval() bool {
	return r.Tier == 0 || r.Approval != ApprovalAuto
}

// Catalog is the top-level policy document.
type Catalog struct {
	Version                string        `yaml:"version" json:"version"`
	MaxDuration            time.Duration `yaml:"max_duration" json:"max_duration"`
	JustificationMaxLength int           `yaml:"justification_max_length" json:"justification_max_length"`

	// BreakGlass lists emergency principals that drift enforcement observes
	// but never removes.
	BreakGlass []string `yaml:"break_glass" json:"break_glass,omitempty"`

	Roles []Role `yaml:"roles" json:"roles"`
}

// DefaultCatalog is used when no policy file is configured.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Version:                "builtin-1",
		MaxDuration:            24 * time.Hour,
		JustificationMaxLength: 1024,
		Roles: []Role{
			{Name: "tier0-admin", Description: "Domain/enterprise administrators", Tier: 0, Approval: ApprovalRequired, MaxDuration: 4 * time.Hour, AutoRemoveDrift: true},
			{Name: "tier1-admin", Description: "Server administrators", Tier: 1, Approval: ApprovalAuto, MaxDuration: 8 * time.Hour},
			{Name: "tier2-helpdesk", Description: "Workstation and password-reset operators", Tier: 2, Approval: ApprovalAuto},
		},
	}
}

// LoadFile reads and parses a YAML catalog, expanding env vars.
func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("policy: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	expanded := expandEnvVars(string(data))

	var c Catalog
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyDefaults(c *Catalog) {
	if c.MaxDuration == 0 {
		c.MaxDuration = 24 * time.Hour
	}
	if c.JustificationMaxLength == 0 {
		c.JustificationMaxLength = 1024
	}
	for i := range c.Roles {
		if c.Roles[i].Approval == "" {
			c.Roles[i].Approval = ApprovalRequired
		}
	}
}

// Validate checks the catalog for structural errors.
func (c *Catalog) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("catalog version is required")
	}
	if c.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be positive")
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("catalog defines no roles")
	}

	seen := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		if r.Name == "" {
			return fmt.Errorf("role with empty name")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate role %q", r.Name)
		}
		seen[r.Name] = true

		if r.Approval != ApprovalRequired && r.Approval != ApprovalAuto {
			return fmt.Errorf("role %q: unknown approval mode %q", r.Name, r.Approval)
		}
		if r.MaxDuration < 0 {
			return fmt.Errorf("role %q: negative max_duration", r.Name)
		}
		if r.Tier < 0 {
			return fmt.Errorf("role %q: negative tier", r.Name)
		}
	}
	return nil
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
