package listclient

import (
	"time"

	"github.com/lanternpress/membersync/internal/breaker"
	"github.com/lanternpress/membersync/internal/tenant"
)

// Registry owns one API client per configured site. Clients are built
// eagerly at startup with an explicit lifecycle; nothing is cached
// lazily in package state.
type Registry struct {
	clients map[string]*Client
}

// NewRegistry builds a client for every site in the tenant registry.
func NewRegistry(sites *tenant.Registry, baseURL string, timeout time.Duration, brk *breaker.Breaker) *Registry {
	clients := make(map[string]*Client, sites.Len())
	for _, id := range sites.IDs() {
		site, _ := sites.Get(id)
		clients[id] = NewClient(site.ID, site.ListID, site.APIKey, baseURL, timeout, brk)
	}
	return &Registry{clients: clients}
}

// Client returns the API client for a site.
func (r *Registry) Client(siteID string) (*Client, bool) {
	c, ok := r.clients[siteID]
	return c, ok
}

// Close releases every client's pooled connections.
func (r *Registry) Close() {
	for _, c := range r.clients {
		c.Close()
	}
}
