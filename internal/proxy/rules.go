package proxy

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/services/authn"
)

// route is a path rule matched against a request, with API-level defaults
// folded in.
type route struct {
	rule      *models.PathRule
	re        *regexp.Regexp
	match     []int
	available bool
	methods   []string
	require   authn.Requirement
	group     string
}

// effective resolves a matched rule. A path-level value wins when present,
// then the API value, then "not required".
func effective(api *models.API, rule *models.PathRule) route {
	r := route{
		rule:      rule,
		available: api.Available,
		methods:   rule.AllowMethods,
	}
	if rule.Available != nil {
		r.available = *rule.Available
	}
	r.require = authn.Requirement{
		Auth:   boolOr(rule.RequireAuth, api.RequireAuth),
		User:   boolOr(rule.RequireUser, api.RequireUser),
		Roles:  listOr(rule.RequireRole, api.RequireRole),
		Scopes: listOr(rule.RequireScope, api.RequireScope),
	}
	if rule.RequireGroup != nil {
		r.group = *rule.RequireGroup
	} else if api.RequireGroup != nil {
		r.group = *api.RequireGroup
	}
	if r.group != "" {
		r.require.Auth = true
	}
	return r
}

func boolOr(path, api *bool) bool {
	if path != nil {
		return *path
	}
	return api != nil && *api
}

func listOr(path, api []string) []string {
	if path != nil {
		return path
	}
	return api
}

func (r route) allows(method string) bool {
	if len(r.methods) == 0 || method == http.MethodOptions {
		return true
	}
	for _, m := range r.methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// allowHeader lists the permitted methods, always including OPTIONS.
func (r route) allowHeader() []string {
	out := make([]string, 0, len(r.methods)+1)
	hasOptions := false
	for _, m := range r.methods {
		m = strings.ToUpper(m)
		if m == http.MethodOptions {
			hasOptions = true
		}
		out = append(out, m)
	}
	if !hasOptions {
		out = append(out, http.MethodOptions)
	}
	return out
}

// targetPath expands the rule's target template with the source captures.
// Without a template the request path is forwarded relative to the base.
func (r route) targetPath(path string) string {
	if r.rule.TargetPath == "" {
		return strings.TrimPrefix(path, "/")
	}
	return string(r.re.ExpandString(nil, r.rule.TargetPath, path, r.match))
}
