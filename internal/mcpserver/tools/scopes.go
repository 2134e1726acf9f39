package tools

import "strings"

// Scopes a tenant's grant may carry. Read tools need READ on the
// module, write tools CREATE or UPDATE; an ALL grant on the module (or
// on everything) satisfies any of them.
const (
	ScopeRequestsRead   = "SDPOnDemand.requests.READ"
	ScopeRequestsCreate = "SDPOnDemand.requests.CREATE"
	ScopeRequestsUpdate = "SDPOnDemand.requests.UPDATE"
	ScopeSetupRead      = "SDPOnDemand.setup.READ"
)

const (
	scopePrefix = "SDPOnDemand."
	allSuffix   = ".ALL"
	globalAll   = "SDPOnDemand.ALL"
)

// scopeSatisfied reports whether a single granted scope covers the
// required one.
func scopeSatisfied(granted, required string) bool {
	if strings.EqualFold(granted, required) || strings.EqualFold(granted, globalAll) {
		return true
	}
	// Module-level ALL: SDPOnDemand.requests.ALL covers every operation
	// on SDPOnDemand.requests.
	if !strings.HasSuffix(strings.ToUpper(granted), allSuffix) {
		return false
	}
	grantedModule := granted[:len(granted)-len(allSuffix)]
	reqModule := required
	if i := strings.LastIndexByte(required, '.'); i > 0 {
		reqModule = required[:i]
	}
	return strings.EqualFold(grantedModule, reqModule)
}

// HasScopes reports whether the granted set covers every required
// scope.
func HasScopes(granted, required []string) bool {
	for _, req := range required {
		ok := false
		for _, g := range granted {
			if scopeSatisfied(g, req) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
