package auth

import (
	"strings"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

// Capability is a permission checked by handlers instead of comparing roles.
type Capability string

const (
	CapProvision           Capability = "provision"
	CapDiagnostics         Capability = "diagnostics"
	CapDiagnosticsAdvanced Capability = "diagnostics.advanced"
	CapLogsSync            Capability = "logs.sync"
	CapUsersManage         Capability = "users.manage"
)

var roleCapabilities = map[model.Role][]Capability{
	model.RoleAdministrator: {CapProvision, CapDiagnostics, CapDiagnosticsAdvanced, CapLogsSync, CapUsersManage},
	model.RoleSupervisor:    {CapProvision, CapDiagnostics, CapDiagnosticsAdvanced, CapLogsSync},
	model.RoleTechnician:    {CapProvision, CapDiagnostics, CapLogsSync},
}

// RoleForUsername derives the role from the login name. "admin" wins over
// "super" when a name contains both.
func RoleForUsername(username string) model.Role {
	u := strings.ToLower(username)
	switch {
	case strings.Contains(u, "admin"):
		return model.RoleAdministrator
	case strings.Contains(u, "super"):
		return model.RoleSupervisor
	default:
		return model.RoleTechnician
	}
}

// Capabilities returns the capability set of role. Unknown roles get none.
func Capabilities(role model.Role) []Capability {
	caps := roleCapabilities[role]
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

// Can reports whether role holds capability c.
func Can(role model.Role, c Capability) bool {
	for _, have := range roleCapabilities[role] {
		if have == c {
			return true
		}
	}
	return false
}

// Route is one navigable screen of the technician app. An empty
// Capability means any signed-in technician may open it.
type Route struct {
	Path       string     `json:"path"`
	Title      string     `json:"title"`
	Capability Capability `json:"capability,omitempty"`
	Public     bool       `json:"public,omitempty"`
}

var routes = []Route{
	{Path: "/", Title: "Login", Public: true},
	{Path: "/dashboard", Title: "Dashboard"},
	{Path: "/provision/lock", Title: "Provision Lock", Capability: CapProvision},
	{Path: "/provision/gateway", Title: "Provision Gateway", Capability: CapProvision},
	{Path: "/diagnostics", Title: "Diagnostics", Capability: CapDiagnostics},
	{Path: "/scan", Title: "BLE Scan", Capability: CapProvision},
	{Path: "/admin/users", Title: "User Management", Capability: CapUsersManage},
}

// RoutesFor lists the screens role may navigate to, in menu order.
func RoutesFor(role model.Role) []Route {
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r.Public {
			continue
		}
		if r.Capability == "" || Can(role, r.Capability) {
			out = append(out, r)
		}
	}
	return out
}

// RouteAllowed reports whether role may open path. Unknown paths are denied.
func RouteAllowed(role model.Role, path string) bool {
	for _, r := range routes {
		if r.Path != path {
			continue
		}
		return r.Public || r.Capability == "" || Can(role, r.Capability)
	}
	return false
}
