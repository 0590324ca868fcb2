package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/cirun/internal/models"
)

type fakeBackend struct {
	runs     []*models.Run
	steps    map[int64][]*models.StepExecution
	logs     map[string]string
	canceled []int64
	deleted  []int64
}

func (f *fakeBackend) ListRuns(int) ([]*models.Run, error) { return f.runs, nil }

func (f *fakeBackend) GetRun(id int64) (*models.Run, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeBackend) GetStepsForRun(id int64) ([]*models.StepExecution, error) {
	return f.steps[id], nil
}

func (f *fakeBackend) GetArtifactsForRun(int64) ([]*models.Artifact, error) { return nil, nil }

func (f *fakeBackend) CancelRun(id int64) error {
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeBackend) DeleteRun(id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBackend) StepLog(step *models.StepExecution) (string, error) {
	return f.logs[step.StepName], nil
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// send delivers msg and then the message of the command it returns.
func send(t *testing.T, a *App, msg tea.Msg) tea.Msg {
	t.Helper()
	_, cmd := a.Update(msg)
	if cmd == nil {
		return nil
	}
	out := cmd()
	a.Update(out)
	return out
}

func fixture() *fakeBackend {
	now := time.Now()
	return &fakeBackend{
		runs: []*models.Run{
			{ID: 2, WorkflowName: "default", EventKind: models.EventPush, Branch: "main", Status: models.RunStatusRunning, CreatedAt: now},
			{ID: 1, WorkflowName: "default", EventKind: models.EventPush, Branch: "main", Status: models.RunStatusCanceled, CreatedAt: now.Add(-time.Hour)},
		},
		steps: map[int64][]*models.StepExecution{
			2: {
				{SequenceNum: 1, StepName: "Install Rust", Status: models.StepStatusSuccess},
				{SequenceNum: 2, StepName: "Run clippy", Status: models.StepStatusRunning, StartedAt: &now},
			},
		},
		logs: map[string]string{"Run clippy": "Checking agglayer v0.1.0\n"},
	}
}

func TestRunListAndDetail(t *testing.T) {
	b := fixture()
	a := NewApp(b, nil)
	a.Update(a.loadRuns())

	assert.Contains(t, a.View(), "#2")
	assert.Contains(t, a.View(), "running")

	send(t, a, key("enter"))
	require.Equal(t, ViewRunDetail, a.view)
	assert.Contains(t, a.View(), "Run #2: default")
	assert.Contains(t, a.View(), "Run clippy")

	send(t, a, key("down"))
	send(t, a, key("o"))
	require.Equal(t, ViewLog, a.view)
	assert.Contains(t, a.View(), "Checking agglayer")

	send(t, a, key("esc"))
	assert.Equal(t, ViewRunDetail, a.view)
}

func TestCancelAndDeleteFromList(t *testing.T) {
	b := fixture()
	a := NewApp(b, nil)
	a.Update(a.loadRuns())

	send(t, a, key("x"))
	assert.Equal(t, []int64{2}, b.canceled)

	send(t, a, key("j"))
	send(t, a, key("d"))
	assert.Equal(t, []int64{1}, b.deleted)
}

func TestWorkflowsView(t *testing.T) {
	a := NewApp(&fakeBackend{}, map[string]*models.Workflow{
		"default": {
			Name:  "default",
			On:    models.Triggers{Push: &models.PushTrigger{Branches: []string{"main"}}},
			Steps: []*models.Step{{Name: "a"}, {Name: "b"}},
		},
	})
	send(t, a, key("w"))
	require.Equal(t, ViewWorkflows, a.view)
	view := a.View()
	assert.Contains(t, view, "default")
	assert.Contains(t, view, "push main")

	send(t, a, key("esc"))
	assert.Equal(t, ViewRunList, a.view)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "3m5s", formatDuration(3*time.Minute+5*time.Second))
	assert.Equal(t, "2h10m", formatDuration(2*time.Hour+10*time.Minute))
}

func TestTruncateByRunes(t *testing.T) {
	assert.Equal(t, "main", truncate("main", 14))
	assert.Equal(t, "push fé...", truncate("push féature/ünïcode", 10))
}
