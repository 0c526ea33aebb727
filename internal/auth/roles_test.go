package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

func TestRoleForUsername(t *testing.T) {
	tests := []struct {
		username string
		want     model.Role
	}{
		{"admin_john", model.RoleAdministrator},
		{"ADMIN", model.RoleAdministrator},
		{"super_sarah", model.RoleSupervisor},
		{"supervisor.k", model.RoleSupervisor},
		{"tech_mike", model.RoleTechnician},
		{"superadmin", model.RoleAdministrator},
	}
	for _, tt := range tests {
		t.Run(tt.username, func(t *testing.T) {
			assert.Equal(t, tt.want, RoleForUsername(tt.username))
		})
	}
}

func TestCapabilities(t *testing.T) {
	assert.True(t, Can(model.RoleAdministrator, CapUsersManage))
	assert.False(t, Can(model.RoleSupervisor, CapUsersManage))
	assert.False(t, Can(model.RoleTechnician, CapUsersManage))

	assert.True(t, Can(model.RoleSupervisor, CapDiagnosticsAdvanced))
	assert.False(t, Can(model.RoleTechnician, CapDiagnosticsAdvanced))

	for _, role := range []model.Role{model.RoleAdministrator, model.RoleSupervisor, model.RoleTechnician} {
		assert.True(t, Can(role, CapProvision), role)
		assert.True(t, Can(role, CapLogsSync), role)
	}

	assert.Empty(t, Capabilities("Guest"))
	caps := Capabilities(model.RoleTechnician)
	caps[0] = CapUsersManage
	assert.False(t, Can(model.RoleTechnician, CapUsersManage), "returned slice is a copy")
}

func TestRouteAllowed(t *testing.T) {
	assert.True(t, RouteAllowed(model.RoleAdministrator, "/admin/users"))
	assert.False(t, RouteAllowed(model.RoleSupervisor, "/admin/users"))
	assert.False(t, RouteAllowed(model.RoleTechnician, "/admin/users"))
	assert.True(t, RouteAllowed(model.RoleTechnician, "/dashboard"))
	assert.True(t, RouteAllowed(model.RoleTechnician, "/"))
	assert.False(t, RouteAllowed(model.RoleAdministrator, "/nowhere"))
}

func TestRoutesFor(t *testing.T) {
	paths := func(rs []Route) []string {
		out := make([]string, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.Path)
		}
		return out
	}
	assert.Contains(t, paths(RoutesFor(model.RoleAdministrator)), "/admin/users")
	assert.NotContains(t, paths(RoutesFor(model.RoleTechnician)), "/admin/users")
	assert.NotContains(t, paths(RoutesFor(model.RoleTechnician)), "/")
	assert.Equal(t, "/dashboard", RoutesFor(model.RoleTechnician)[0].Path)
}
