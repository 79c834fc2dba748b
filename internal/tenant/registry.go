// Package tenant holds the site registry. A site is one independently
// configured Ghost publication + Campaign Monitor list pairing with its
// own webhook signing secret and API credentials.
package tenant

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Site is one configured source/destination pairing.
type Site struct {
	ID            string `yaml:"id"`
	WebhookSecret string `yaml:"webhook_secret"`
	ListID        string `yaml:"list_id"`
	APIKey        string `yaml:"api_key"`
}

// Registry is an immutable lookup of configured sites, keyed by site ID.
type Registry struct {
	sites map[string]Site
}

type sitesFile struct {
	Sites []Site `yaml:"sites"`
}

// LoadRegistry reads the sites file and builds a registry.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sites file: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry builds a registry from raw yaml.
func ParseRegistry(data []byte) (*Registry, error) {
	var f sitesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sites file: %w", err)
	}

	if len(f.Sites) == 0 {
		return nil, fmt.Errorf("sites file defines no sites")
	}

	sites := make(map[string]Site, len(f.Sites))
	for _, s := range f.Sites {
		if s.ID == "" {
			return nil, fmt.Errorf("site with empty id")
		}
		if _, dup := sites[s.ID]; dup {
			return nil, fmt.Errorf("duplicate site id %q", s.ID)
		}
		if s.ListID == "" {
			return nil, fmt.Errorf("site %q has no list_id", s.ID)
		}
		sites[s.ID] = s
	}

	return &Registry{sites: sites}, nil
}

// NewRegistry builds a registry from already-validated sites. Used by tests.
func NewRegistry(sites ...Site) *Registry {
	m := make(map[string]Site, len(sites))
	for _, s := range sites {
		m[s.ID] = s
	}
	return &Registry{sites: m}
}

// Get returns the site with the given ID.
func (r *Registry) Get(id string) (Site, bool) {
	s, ok := r.sites[id]
	return s, ok
}

// IDs returns all configured site IDs. Order is not defined.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.sites))
	for id := range r.sites {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of configured sites.
func (r *Registry) Len() int {
	return len(r.sites)
}
