// Package capability grants capabilities to token roles from a static policy
// file and exposes them as workflow permissions.
package capability

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/worktrail/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// Policy maps roles to capability strings. Capabilities may end in ":*" to
// cover a whole namespace.
type Policy struct {
	path  string
	mu    sync.RWMutex
	roles map[string][]string
}

// Load reads the policy at path.
func Load(path string) (*Policy, error) {
	p := &Policy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// New creates a policy from an in-memory role mapping. Sync is a no-op for
// such policies.
func New(roles map[string][]string) *Policy {
	return &Policy{roles: roles}
}

// Sync reloads the policy file. A failed reload keeps the previous mapping.
func (p *Policy) Sync() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", p.path, err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.roles = f.Roles
	p.mu.Unlock()
	return nil
}

// Resolve returns the union of the capabilities granted to the roles of rctx.
func (p *Policy) Resolve(rctx *model.RequestContext) model.CapabilitySet {
	caps := make(model.CapabilitySet)
	if rctx == nil {
		return caps
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, role := range rctx.Roles {
		for _, c := range p.roles[role] {
			caps[c] = true
		}
	}
	return caps
}

// Allows reports whether the caller in ctx holds capability.
func (p *Policy) Allows(ctx context.Context, capability string) bool {
	return p.Resolve(model.RequestContextFrom(ctx)).Has(capability)
}
