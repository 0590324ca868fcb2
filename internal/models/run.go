package models

import "time"

type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusRunning  RunStatus = "running"
	RunStatusSuccess  RunStatus = "success"
	RunStatusFailure  RunStatus = "failure"
	RunStatusCanceled RunStatus = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailure, RunStatusCanceled:
		return true
	}
	return false
}

type Run struct {
	ID            int64
	CreatedAt     time.Time
	CompletedAt   *time.Time
	WorkflowName  string
	WorkflowPath  string
	EventKind     EventKind
	Branch        string
	Ref           string
	Action        string
	Revision      string
	GroupKey      string
	WorkspacePath string
	Status        RunStatus
	CurrentStep   string
	Error         string
}

// Event returns the trigger event the run was created from.
func (r *Run) Event() Event {
	return Event{
		Kind:     r.EventKind,
		Branch:   r.Branch,
		Ref:      r.Ref,
		Action:   r.Action,
		Revision: r.Revision,
	}
}
