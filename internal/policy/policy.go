package policy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Policy is the live, swappable view of a Catalog.
type Policy struct {
	mu         sync.RWMutex
	catalog    *Catalog
	roles      map[string]Role
	breakGlass map[string]bool
	logger     zerolog.Logger
}

// New creates a Policy serving the given catalog.
func New(c *Catalog, logger zerolog.Logger) (*Policy, error) {
	p := &Policy{logger: logger.With().Str("component", "policy").Logger()}
	if err := p.Replace(c); err != nil {
		return nil, err
	}
	return p, nil
}

// Replace validates and installs a new catalog version.
func (p *Policy) Replace(c *Catalog) error {
	if err := c.Validate(); err != nil {
		return err
	}

	roles := make(map[string]Role, len(c.Roles))
	for _, r := range c.Roles {
		roles[r.Name] = r
	}
	breakGlass := make(map[string]bool, len(c.BreakGlass))
	for _, b := range c.BreakGlass {
		breakGlass[b] = true
	}

	p.mu.Lock()
	previous := ""
	if p.catalog != nil {
		previous = p.catalog.Version
	}
	p.catalog = c
	p.roles = roles
	p.breakGlass = breakGlass
	p.mu.Unlock()

	p.logger.Info().
		Str("version", c.Version).
		Str("previous_version", previous).
		Int("roles", len(c.Roles)).
		Msg("policy catalog installed")
	return nil
}

// Version returns the active catalog version.
func (p *Policy) Version() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.catalog.Version
}

// Role looks up a role by name.
func (p *Policy) Role(name string) (Role, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.roles[name]
	return r, ok
}

// Roles returns the catalog's roles in file order.
func (p *Policy) Roles() []Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Role, len(p.catalog.Roles))
	copy(out, p.catalog.Roles)
	return out
}

// MaxDuration returns the longest grant allowed for a role: the smaller of
// the role limit and the catalog-wide limit.
func (p *Policy) MaxDuration(r Role) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	limit := p.catalog.MaxDuration
	if r.MaxDuration > 0 && r.MaxDuration < limit {
		limit = r.MaxDuration
	}
	return limit
}

// JustificationMaxLength returns the longest accepted justification.
func (p *Policy) JustificationMaxLength() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.catalog.JustificationMaxLength
}

// IsBreakGlass reports whether a principal is an allow-listed emergency account.
func (p *Policy) IsBreakGlass(principal string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.breakGlass[principal]
}

// Snapshot returns a copy of the active catalog.
func (p *Policy) Snapshot() Catalog {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := *p.catalog
	c.Roles = append([]Role(nil), p.catalog.Roles...)
	c.BreakGlass = append([]string(nil), p.catalog.BreakGlass...)
	return c
}
