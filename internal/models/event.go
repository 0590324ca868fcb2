package models

type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
	EventManual      EventKind = "manual"
)

// Pull-request lifecycle actions.
const (
	ActionOpened         = "opened"
	ActionSynchronize    = "synchronize"
	ActionReopened       = "reopened"
	ActionReadyForReview = "ready_for_review"
	ActionClosed         = "closed"
)

// Event describes what the hosting platform reported. Manual dispatch
// carries no payload beyond its kind.
type Event struct {
	Kind     EventKind `json:"kind"`
	Branch   string    `json:"branch,omitempty"`
	Ref      string    `json:"ref,omitempty"`
	Action   string    `json:"action,omitempty"`
	Revision string    `json:"revision,omitempty"`
}
