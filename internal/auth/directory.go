package auth

import (
	"context"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

// Directory lists technician accounts for user management.
type Directory interface {
	ListUsers(ctx context.Context) ([]model.User, error)
}

// StaticDirectory serves a fixed account list.
type StaticDirectory []model.User

func (d StaticDirectory) ListUsers(context.Context) ([]model.User, error) {
	out := make([]model.User, len(d))
	copy(out, d)
	return out, nil
}

// DefaultDirectory is the roster shipped with the field build.
func DefaultDirectory() StaticDirectory {
	return StaticDirectory{
		{ID: "u1", Name: "John Doe", Username: "jdoe", Role: model.RoleTechnician, Active: true},
		{ID: "u2", Name: "Sarah Smith", Username: "ssmith.super", Role: model.RoleSupervisor, Active: true},
		{ID: "u3", Name: "Mike Johnson", Username: "mjohnson", Role: model.RoleTechnician, Active: false},
	}
}
