package security

// toolPermissions maps each registered memory tool to the permissions it
// requires. Unknown tools require nothing here; the router rejects them
// with a method-not-found error before any handler runs.
var toolPermissions = map[string][]string{
	"memory-search":   {PermMemoryRead},
	"memory-store":    {PermMemoryWrite},
	"memory-relate":   {PermMemoryWrite},
	"memory-evolve":   {PermMemoryWrite},
	"memory-federate": {PermMemoryFederate},
}

// methodPermissions maps protocol methods to required permissions.
// Lifecycle methods (initialize, ping, shutdown) are open to any
// authenticated principal.
var methodPermissions = map[string][]string{
	"tools/list": {PermMemoryRead},
}

// RequiredPermissions returns the permission set needed to invoke the given
// method, or for tools/call, the named tool.
func RequiredPermissions(method, toolName string) []string {
	if method == "tools/call" {
		return toolPermissions[toolName]
	}
	return methodPermissions[method]
}

// Authorize checks the principal against the permissions required by the
// target method/tool and returns the first missing permission, if any.
func Authorize(p *Principal, method, toolName string) (string, bool) {
	for _, perm := range RequiredPermissions(method, toolName) {
		if !p.Can(perm) {
			return perm, false
		}
	}
	return "", true
}
