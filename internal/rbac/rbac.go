package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleAuthor Role = "author"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionEdit    Action = "edit"
	ActionPublish Action = "publish"
	ActionBranch  Action = "branch"
	ActionDelete  Action = "delete"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionEdit || action == ActionPublish || action == ActionBranch || action == ActionDelete
	case RoleAuthor:
		return action == ActionRead || action == ActionEdit || action == ActionDelete
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAuthor, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
