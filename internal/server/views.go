package server

import (
	"time"

	"github.com/mpataki/cirun/internal/models"
)

type runView struct {
	ID          int64            `json:"id"`
	Workflow    string           `json:"workflow"`
	Event       models.Event     `json:"event"`
	GroupKey    string           `json:"group"`
	Status      models.RunStatus `json:"status"`
	CurrentStep string           `json:"current_step,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Steps       []stepView       `json:"steps,omitempty"`
	Artifacts   []artifactView   `json:"artifacts,omitempty"`
}

type stepView struct {
	Seq         int               `json:"seq"`
	Name        string            `json:"name"`
	Kind        models.StepKind   `json:"kind"`
	Status      models.StepStatus `json:"status"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type artifactView struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Producer string `json:"producer"`
	Uploaded bool   `json:"uploaded"`
}

func newRunView(r *models.Run) *runView {
	return &runView{
		ID:          r.ID,
		Workflow:    r.WorkflowName,
		Event:       r.Event(),
		GroupKey:    r.GroupKey,
		Status:      r.Status,
		CurrentStep: r.CurrentStep,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

func newStepView(s *models.StepExecution) stepView {
	return stepView{
		Seq:         s.SequenceNum,
		Name:        s.StepName,
		Kind:        s.Kind,
		Status:      s.Status,
		ExitCode:    s.ExitCode,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		Error:       s.Error,
	}
}
