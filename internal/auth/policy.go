package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// Route binds a request shape to the action it performs.
type Route struct {
	Method string
	// Path matches exactly. When empty, Prefix and Suffix match instead.
	Path   string
	Prefix string
	Suffix string
	Action Action
}

func (rt Route) matches(r *http.Request) bool {
	if rt.Method != "" && rt.Method != r.Method {
		return false
	}
	path := r.URL.Path
	if rt.Path != "" {
		return path == rt.Path
	}
	return strings.HasPrefix(path, rt.Prefix) && strings.HasSuffix(path, rt.Suffix)
}

// RunRoutes are the routes served by the run API, most specific first.
var RunRoutes = []Route{
	{Method: http.MethodPost, Path: "/api/v1/setups/reload", Action: ActionReloadSetups},
	{Method: http.MethodPost, Path: "/api/v1/runs", Action: ActionSubmitRun},
	{Method: http.MethodPost, Prefix: "/api/v1/runs/", Suffix: "/abort", Action: ActionAbortRun},
	{Method: http.MethodGet, Prefix: "/api/v1/runs/", Action: ActionReadRuns},
}

// Policy resolves which action a request performs.
type Policy struct {
	open   map[string]struct{}
	routes []Route
}

// NewPolicy builds a policy over RunRoutes. Open paths bypass authentication.
func NewPolicy(open ...string) Policy {
	set := make(map[string]struct{}, len(open))
	for _, path := range open {
		set[path] = struct{}{}
	}
	return Policy{open: set, routes: RunRoutes}
}

// Resolve returns the action r performs and whether it must be authorized.
// Unlisted API requests still need a token: reads resolve to ActionReadRuns,
// writes to ActionSubmitRun.
func (p Policy) Resolve(r *http.Request) (Action, bool) {
	if r == nil {
		return "", false
	}
	if _, ok := p.open[r.URL.Path]; ok {
		return "", false
	}
	for _, rt := range p.routes {
		if rt.matches(r) {
			return rt.Action, true
		}
	}
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		return "", false
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ActionReadRuns, true
	default:
		return ActionSubmitRun, true
	}
}

// AuthorizeAbort checks that op may abort a run started by owner.
func AuthorizeAbort(op Operator, owner string) error {
	if op.Role.Allows(ActionAbortAnyRun) {
		return nil
	}
	if op.Role.Allows(ActionAbortRun) && op.Name == owner {
		return nil
	}
	return fmt.Errorf("%w: %s may not abort a run started by %q", ErrForbidden, op.Name, owner)
}
