// Package rbac maps settings roles to the actions they may perform.
package rbac

import "strings"

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	// ActionRead covers both stages, the lock status, versions and deployments.
	ActionRead Action = "read"
	// ActionEdit covers draft writes, the draft lock, pull, and version create/restore.
	ActionEdit    Action = "edit"
	ActionPublish Action = "publish"
	// ActionDeploy covers schedule, cancel and override.
	ActionDeploy Action = "deploy"
	// ActionAdmin covers version delete and the default snapshot.
	ActionAdmin Action = "admin"
)

// Each role grants its own actions plus those of the roles listed before it.
var ladder = []struct {
	role    Role
	actions []Action
}{
	{RoleViewer, []Action{ActionRead}},
	{RoleEditor, []Action{ActionEdit, ActionPublish}},
	{RoleAdmin, []Action{ActionDeploy, ActionAdmin}},
}

func Can(role Role, action Action) bool {
	allowed := false
	for _, rung := range ladder {
		for _, granted := range rung.actions {
			if granted == action {
				allowed = true
			}
		}
		if rung.role == role {
			return allowed
		}
	}
	return false
}

// Normalize maps a stored role name to a Role. Unknown names become viewer.
func Normalize(role string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleViewer, RoleEditor, RoleAdmin:
		return r
	default:
		return RoleViewer
	}
}
