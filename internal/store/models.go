package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

// Handle groups the lifecycle variants of one logical document.
type Handle struct {
	ID           string
	Name         string
	FolderID     string
	DocumentType string
	Branches     []string
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Variant carries the node properties of one live lifecycle copy.
type Variant struct {
	HandleID     string
	Name         string
	State        string
	BranchID     string
	Holder       string
	Transferable bool
	UpdatedAt    time.Time
}

type WorkflowEvent struct {
	ID        int64
	HandleID  string
	Action    string
	ActorID   string
	BranchID  string
	Outcome   string
	Detail    string
	CreatedAt time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
