package models

import "time"

type StepStatus string

const (
	StepStatusPending  StepStatus = "pending"
	StepStatusRunning  StepStatus = "running"
	StepStatusSuccess  StepStatus = "success"
	StepStatusFailure  StepStatus = "failure"
	StepStatusSkipped  StepStatus = "skipped"
	StepStatusCanceled StepStatus = "canceled"
)

type StepExecution struct {
	ID          int64
	RunID       int64
	SequenceNum int
	StepName    string
	Kind        StepKind
	Status      StepStatus
	ExitCode    *int
	PID         *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	LogPath     string
	Error       string
}
