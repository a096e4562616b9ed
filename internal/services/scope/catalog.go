package scope

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/repository"
)

// Built-in scopes that exist whether or not the database lists them.
const (
	// OAuth2Client is required to use the token endpoint.
	OAuth2Client = "/oauth2/client"
	// OAuth2User is required to authorize clients at the authorize endpoint.
	OAuth2User = "/oauth2/user"
	// OAuth2ManageAPI is required to store or delete API definitions.
	OAuth2ManageAPI = "/oauth2/manage-api"
	// OAuth2ManageClient is required to list, create and modify administered clients.
	OAuth2ManageClient = "/oauth2/manage-client"
)

func builtinScopes() []models.Scope {
	return []models.Scope{
		{ID: OAuth2Client, Title: "OAuth2 client"},
		{ID: OAuth2User, Title: "OAuth2 user", GrantedToUser: true},
		{ID: OAuth2ManageAPI, Title: "Manage API definitions"},
		{ID: OAuth2ManageClient, Title: "Manage OAuth2 clients"},
	}
}

// Snapshot is an immutable view of the scope catalog. It is never modified
// after creation; Refresh swaps in a new one.
type Snapshot struct {
	scopes        map[string]*models.Scope
	aliases       map[string]string
	grantedToUser Set
	Version       int
	CreatedAt     time.Time
}

// Catalog holds registered scope definitions with lock-free reads.
type Catalog struct {
	snapshot atomic.Pointer[Snapshot]
	repo     repository.ScopeRepository
}

// NewCatalog creates a catalog and performs the initial load. The catalog
// must load successfully before the server can start.
func NewCatalog(ctx context.Context, repo repository.ScopeRepository) (*Catalog, error) {
	c := &Catalog{repo: repo}
	if err := c.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial scope catalog load: %w", err)
	}
	return c, nil
}

// NewStaticCatalog builds a catalog from fixed definitions. Refresh on a
// static catalog keeps the current snapshot.
func NewStaticCatalog(scopes ...models.Scope) *Catalog {
	c := &Catalog{}
	c.snapshot.Store(buildSnapshot(scopes, 1))
	return c
}

// Refresh reloads definitions from the repository and atomically swaps the
// snapshot. Readers see either the old or the new snapshot, never a mix.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}
	scopes, err := c.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list scopes: %w", err)
	}
	version := 1
	if prev := c.snapshot.Load(); prev != nil {
		version = prev.Version + 1
	}
	c.snapshot.Store(buildSnapshot(scopes, version))
	return nil
}

func buildSnapshot(scopes []models.Scope, version int) *Snapshot {
	snap := &Snapshot{
		scopes:        make(map[string]*models.Scope, len(scopes)+2),
		aliases:       make(map[string]string),
		grantedToUser: make(Set),
		Version:       version,
		CreatedAt:     time.Now(),
	}
	for _, s := range builtinScopes() {
		snap.scopes[s.ID] = &s
	}
	for i := range scopes {
		s := scopes[i]
		snap.scopes[s.ID] = &s
	}
	for id, s := range snap.scopes {
		for _, alias := range s.Aliases {
			// A real scope ID always wins over an alias of the same name.
			if _, clash := snap.scopes[alias]; !clash {
				snap.aliases[alias] = id
			}
		}
		if s.GrantedToUser {
			snap.grantedToUser.Add(id)
		}
	}
	return snap
}

// Snapshot returns the current snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Get looks up a scope by ID or alias.
func (c *Catalog) Get(id string) (*models.Scope, bool) {
	snap := c.snapshot.Load()
	if s, ok := snap.scopes[id]; ok {
		return s, true
	}
	if canonical, ok := snap.aliases[id]; ok {
		return snap.scopes[canonical], true
	}
	return nil, false
}

// Canonicalize maps each ID or alias to its canonical scope ID. Unknown
// IDs are returned separately and left out of the set.
func (c *Catalog) Canonicalize(ids []string) (Set, []string) {
	known := make(Set, len(ids))
	var unknown []string
	for _, id := range ids {
		if s, ok := c.Get(id); ok {
			known.Add(s.ID)
		} else {
			unknown = append(unknown, id)
		}
	}
	sort.Strings(unknown)
	return known, unknown
}

// List returns every scope sorted by ID.
func (c *Catalog) List() []*models.Scope {
	snap := c.snapshot.Load()
	out := make([]*models.Scope, 0, len(snap.scopes))
	for _, s := range snap.scopes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GrantedToUser returns a fresh set of the scopes every person holds.
func (c *Catalog) GrantedToUser() Set {
	return c.snapshot.Load().grantedToUser.Clone()
}

// IsPersonal reports whether id names a personal scope.
func (c *Catalog) IsPersonal(id string) bool {
	s, ok := c.Get(id)
	return ok && s.Personal
}

// Len reports the number of registered scopes.
func (c *Catalog) Len() int {
	return len(c.snapshot.Load().scopes)
}
