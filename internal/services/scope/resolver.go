package scope

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/repository"
)

// ErrMembershipUnavailable is returned when group membership could not be
// determined. Callers must treat it as "no scopes" and never guess.
var ErrMembershipUnavailable = errors.New("group membership unavailable")

// MembershipChecker answers which of the given groups each subject belongs to.
type MembershipChecker interface {
	// MembersOf returns, per subject, the subset of groups it is a member of.
	MembersOf(ctx context.Context, subjects, groups []string) (map[string][]string, error)
}

// Subject returns the identifier used for an account in membership queries:
// its person ID when it has one, otherwise its principal name.
func Subject(p *models.Principal) string {
	if p.UserID != nil {
		return strconv.FormatInt(*p.UserID, 10)
	}
	return p.Name
}

// Resolver computes which scopes a client may exercise on behalf of accounts.
type Resolver struct {
	grants     repository.ScopeGrantRepository
	catalog    *Catalog
	membership MembershipChecker
	now        func() time.Time
}

// NewResolver creates a resolver. membership may be nil, in which case any
// group-scoped grant makes resolution fail closed.
func NewResolver(grants repository.ScopeGrantRepository, catalog *Catalog, membership MembershipChecker) *Resolver {
	return &Resolver{grants: grants, catalog: catalog, membership: membership, now: time.Now}
}

// WithClock overrides the time source used to ignore expired grants.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// PermissibleScopes returns the scopes client may exercise for account.
// With onlyImplicit false, scopes the client may request interactively are
// included as well.
func (r *Resolver) PermissibleScopes(ctx context.Context, client, account *models.Principal, onlyImplicit bool) (Set, error) {
	results, err := r.PermissibleScopesForAccounts(ctx, client, []*models.Principal{account}, onlyImplicit)
	if err != nil {
		return nil, err
	}
	return results[account.ID], nil
}

// PermissibleScopesForAccounts is PermissibleScopes for several accounts,
// resolving group membership with a single external call. The result is
// keyed by account ID.
func (r *Resolver) PermissibleScopesForAccounts(ctx context.Context, client *models.Principal, accounts []*models.Principal, onlyImplicit bool) (map[string]Set, error) {
	kinds := []models.GrantKind{models.GrantKindImplicit}
	if !onlyImplicit {
		kinds = append(kinds, models.GrantKindRequest)
	}
	grants, err := r.grants.ListForClient(ctx, client.ID, kinds...)
	if err != nil {
		return nil, fmt.Errorf("list scope grants: %w", err)
	}

	now := r.now()
	universal := make(Set)
	var grouped []models.ScopeGrant
	groupSet := make(Set)
	for _, g := range grants {
		if !g.Active(now) {
			continue
		}
		if g.Universal() {
			universal.Add(g.Scopes...)
			continue
		}
		grouped = append(grouped, g)
		groupSet.Add(g.TargetGroups...)
	}

	memberships := map[string][]string{}
	if len(grouped) > 0 && len(groupSet) > 0 {
		if r.membership == nil {
			return nil, ErrMembershipUnavailable
		}
		subjects := make([]string, 0, len(accounts))
		for _, a := range accounts {
			subjects = append(subjects, Subject(a))
		}
		memberships, err = r.membership.MembersOf(ctx, subjects, groupSet.Sorted())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMembershipUnavailable, err)
		}
	}

	grantedToUser := r.catalog.GrantedToUser()
	results := make(map[string]Set, len(accounts))
	for _, account := range accounts {
		raw := universal.Clone()
		inGroups := NewSet(memberships[Subject(account)]...)
		for _, g := range grouped {
			for _, group := range g.TargetGroups {
				if inGroups.Has(group) {
					raw.Add(g.Scopes...)
					break
				}
			}
		}
		if account.IsPerson() {
			raw.Union(grantedToUser)
		}
		results[account.ID] = r.finalize(raw, client.ID == account.ID)
	}
	return results, nil
}

// SelfScopes returns the scopes a principal holds when authenticating as
// itself: its universal implicit grants plus, for people, every scope
// granted to users. No membership lookup is made.
func (r *Resolver) SelfScopes(ctx context.Context, principal *models.Principal) (Set, error) {
	grants, err := r.grants.ListForClient(ctx, principal.ID, models.GrantKindImplicit)
	if err != nil {
		return nil, fmt.Errorf("list scope grants: %w", err)
	}
	now := r.now()
	raw := make(Set)
	for _, g := range grants {
		if g.Active(now) && g.Universal() {
			raw.Add(g.Scopes...)
		}
	}
	if principal.IsPerson() {
		raw.Union(r.catalog.GrantedToUser())
	}
	return r.finalize(raw, true), nil
}

// finalize canonicalizes aliases, drops unknown scopes and, unless the
// account is acting as its own client, strips personal scopes.
func (r *Resolver) finalize(raw Set, self bool) Set {
	out, _ := r.catalog.Canonicalize(raw.Sorted())
	if !self {
		for id := range out {
			if r.catalog.IsPersonal(id) {
				delete(out, id)
			}
		}
	}
	return out
}
