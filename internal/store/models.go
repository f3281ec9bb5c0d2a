package store

import "time"

// Workflow states persisted in the activity log. The derived per-viewer
// states (nothing, approvable) never reach storage.
const (
	StatePending  = "pending"
	StateApproved = "approved"
	StateRejected = "rejected"
)

// Principal roles on a rule.
const (
	RoleApprovers  = "approvers"
	RoleRequesters = "requesters"
)

// Principal types.
const (
	PrincipalUser   = "user"
	PrincipalGroup  = "group"
	PrincipalCircle = "circle"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Group struct {
	ID   string
	Name string
}

// FileHandle is the engine's view of a file in the external storage.
// Visibility is resolved per user via file_access rows and ownership.
type FileHandle struct {
	ID          string
	Name        string
	MimeType    string
	OwnerUserID string
	Path        string
}

// Principal references a user, group or circle in a rule's approver or
// requester list. Group and circle membership is resolved externally.
type Principal struct {
	Type     string
	EntityID string
}

// Rule binds a tag triad to approver and requester principal sets.
// The three tag ids are distinct and unique across all rules; they are
// fixed at creation since changing them would orphan history.
type Rule struct {
	ID          string
	TagPending  string
	TagApproved string
	TagRejected string
	Description string
	Approvers   []Principal
	Requesters  []Principal
	CreatedAt   time.Time
}

// ActivityRecord is one immutable entry in the approval history log.
// ID is a monotonic insertion counter and breaks same-timestamp ties.
type ActivityRecord struct {
	ID          int64
	FileID      string
	RuleID      string
	ActorUserID string
	NewState    string
	CreatedAt   time.Time
}

// LatestState is a row of the materialized latest-state index keyed by
// (file, rule). It is upserted in the same transaction as every activity
// append and serves all "current state" reporting queries.
type LatestState struct {
	FileID     string
	RuleID     string
	State      string
	ActivityID int64
	CreatedAt  time.Time
}

// RuleKpi counts distinct files per current state for one rule.
type RuleKpi struct {
	RuleID   string
	Pending  int
	Approved int
	Rejected int
}
