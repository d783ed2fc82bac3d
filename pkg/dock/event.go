package dock

import "time"

type ChangeKind string

const (
	KindCreated ChangeKind = "created"
	KindUpdated ChangeKind = "updated"
	KindDeleted ChangeKind = "deleted"
)

// ChangeEvent describes one accepted mutation. Assignment is the
// post-mutation snapshot, so Assignment.Version is the new version.
type ChangeEvent struct {
	ID         string     `json:"id"`
	Kind       ChangeKind `json:"kind"`
	Assignment Assignment `json:"assignment"`
	Actor      Actor      `json:"actor"`
	At         time.Time  `json:"at"`
}

// ConflictResult is the private answer to a losing writer.
type ConflictResult struct {
	AssignmentID     int64      `json:"assignment_id"`
	CurrentVersion   int64      `json:"current_version"`
	AttemptedVersion int64      `json:"attempted_version"`
	Current          Assignment `json:"current"`
}
