package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mpataki/cirun/internal/models"
)

// Backend is the part of the orchestrator the TUI reads and acts on.
type Backend interface {
	ListRuns(limit int) ([]*models.Run, error)
	GetRun(id int64) (*models.Run, error)
	GetStepsForRun(runID int64) ([]*models.StepExecution, error)
	GetArtifactsForRun(runID int64) ([]*models.Artifact, error)
	CancelRun(runID int64) error
	DeleteRun(runID int64) error
	StepLog(step *models.StepExecution) (string, error)
}

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewWorkflows
	ViewLog
)

type App struct {
	backend   Backend
	workflows map[string]*models.Workflow

	view            View
	runs            []*models.Run
	selectedIdx     int
	selectedRun     *models.Run
	steps           []*models.StepExecution
	artifacts       []*models.Artifact
	selectedStepIdx int
	logStep         *models.StepExecution
	log             viewport.Model

	width  int
	height int
	err    error
}

func NewApp(backend Backend, workflows map[string]*models.Workflow) *App {
	return &App{
		backend:   backend,
		workflows: workflows,
		view:      ViewRunList,
		log:       viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveRuns() bool {
	for _, run := range a.runs {
		if !run.Status.Terminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.log.Width = msg.Width
		a.log.Height = max(msg.Height-4, 1)
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		switch {
		case a.view == ViewRunList && a.hasActiveRuns():
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		case a.view == ViewRunDetail && a.selectedRun != nil && !a.selectedRun.Status.Terminal():
			return a, tea.Batch(a.loadRunDetail(a.selectedRun.ID), a.tickCmd())
		}
		// Keep ticking to pick up runs started elsewhere
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			a.steps = msg.steps
			a.artifacts = msg.artifacts
			if a.selectedStepIdx >= len(a.steps) {
				a.selectedStepIdx = max(len(a.steps)-1, 0)
			}
			if a.view == ViewRunList {
				a.view = ViewRunDetail
			}
		}
		return a, nil

	case runCanceledMsg:
		a.err = msg.err
		if a.view == ViewRunDetail && a.selectedRun != nil {
			return a, a.loadRunDetail(a.selectedRun.ID)
		}
		return a, a.loadRuns

	case runDeletedMsg:
		a.err = msg.err
		return a, a.loadRuns

	case logLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.logStep = msg.step
		content := msg.content
		if content == "" {
			content = "(no output)"
		}
		a.log.SetContent(content)
		a.log.GotoBottom()
		a.view = ViewLog
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewWorkflows:
		return a.handleWorkflowsKey(msg)
	case ViewLog:
		return a.handleLogKey(msg)
	}
	return a, nil
}

func (a *App) selected() *models.Run {
	if len(a.runs) == 0 || a.selectedIdx >= len(a.runs) {
		return nil
	}
	return a.runs[a.selectedIdx]
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if run := a.selected(); run != nil {
			a.selectedStepIdx = 0
			return a, a.loadRunDetail(run.ID)
		}

	case "w":
		a.view = ViewWorkflows

	case "r":
		return a, a.loadRuns

	case "x":
		if run := a.selected(); run != nil {
			return a, a.cancelRun(run.ID)
		}

	case "d":
		if run := a.selected(); run != nil {
			return a, a.deleteRun(run.ID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.steps = nil
		a.artifacts = nil
		a.selectedStepIdx = 0
		return a, a.loadRuns

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedStepIdx > 0 {
			a.selectedStepIdx--
		}

	case "down", "j":
		if a.selectedStepIdx < len(a.steps)-1 {
			a.selectedStepIdx++
		}

	case "enter", "o":
		if len(a.steps) > 0 && a.selectedStepIdx < len(a.steps) {
			return a, a.loadLog(a.steps[a.selectedStepIdx])
		}

	case "x":
		if a.selectedRun != nil {
			return a, a.cancelRun(a.selectedRun.ID)
		}
	}

	return a, nil
}

func (a *App) handleLogKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		a.logStep = nil
		return a, nil

	case "ctrl+c":
		return a, tea.Quit

	case "r":
		if a.logStep != nil {
			return a, a.loadLog(a.logStep)
		}
	}

	var cmd tea.Cmd
	a.log, cmd = a.log.Update(msg)
	return a, cmd
}

func (a *App) handleWorkflowsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList

	case "ctrl+c":
		return a, tea.Quit
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewWorkflows:
		return a.viewWorkflows()
	case ViewLog:
		return a.viewLog()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusSuccess  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailure  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusCanceled = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("cirun") + "\n\n"

	if a.err != nil {
		s += statusFailure.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with `cirun run <workflow>`.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case run.Status.Terminal():
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [x] cancel  [d] delete  [w] workflows  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	status := formatStatus(run.Status)
	age := humanize.Time(run.CreatedAt)
	trigger := string(run.EventKind)
	if run.Branch != "" {
		trigger += " " + run.Branch
	}
	if run.Action != "" {
		trigger += " (" + run.Action + ")"
	}
	return fmt.Sprintf("#%-3d %-14s %-12s %-16s %s", run.ID, truncate(run.WorkflowName, 14), status, age, truncate(trigger, 30))
}

func formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusSuccess:
		return statusSuccess.Render("✓ success")
	case models.RunStatusFailure:
		return statusFailure.Render("✗ failure")
	case models.RunStatusCanceled:
		return statusCanceled.Render("⊘ canceled")
	case models.RunStatusPending:
		return statusPending.Render("○ pending")
	default:
		return string(status)
	}
}

func formatStepStatus(status models.StepStatus) string {
	switch status {
	case models.StepStatusSuccess:
		return statusSuccess.Render("✓")
	case models.StepStatusRunning:
		return statusRunning.Render("●")
	case models.StepStatusFailure:
		return statusFailure.Render("✗")
	case models.StepStatusCanceled:
		return statusCanceled.Render("⊘")
	case models.StepStatusSkipped:
		return dimStyle.Render("-")
	default:
		return "○"
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun

	header := fmt.Sprintf("Run #%d: %s", run.ID, run.WorkflowName)
	s := titleStyle.Render(header) + "  " + formatStatus(run.Status) + "\n\n"

	s += labelStyle.Render("Event:     ") + string(run.EventKind)
	if run.Ref != "" {
		s += " " + run.Ref
	}
	if run.Action != "" {
		s += " (" + run.Action + ")"
	}
	s += "\n"
	if run.Revision != "" {
		rev := run.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}
		s += labelStyle.Render("Revision:  ") + rev + "\n"
	}
	s += labelStyle.Render("Group:     ") + run.GroupKey + "\n"
	s += labelStyle.Render("Started:   ") + humanize.Time(run.CreatedAt) + "\n"
	s += labelStyle.Render("Workspace: ") + dimStyle.Render(run.WorkspacePath) + "\n"
	if run.Error != "" {
		s += labelStyle.Render("Error:     ") + statusFailure.Render(run.Error) + "\n"
	}
	s += "\n"

	s += "Steps\n"
	s += "─────\n"

	if len(a.steps) == 0 {
		s += "(no steps yet)\n"
	} else {
		for i, step := range a.steps {
			exitCode := ""
			if step.ExitCode != nil {
				if *step.ExitCode == 0 {
					exitCode = dimStyle.Render("exit:0")
				} else {
					exitCode = statusFailure.Render(fmt.Sprintf("exit:%d", *step.ExitCode))
				}
			}

			duration := ""
			if step.StartedAt != nil && step.CompletedAt != nil {
				duration = dimStyle.Render(formatDuration(step.CompletedAt.Sub(*step.StartedAt)))
			} else if step.StartedAt != nil && step.Status == models.StepStatusRunning {
				duration = statusRunning.Render(formatDuration(time.Since(*step.StartedAt)) + "...")
			}

			// "2. Run clippy              ✓  exit:0  32s"
			line := fmt.Sprintf("%2d. %-28s %s", step.SequenceNum, truncate(step.StepName, 28), formatStepStatus(step.Status))
			if exitCode != "" {
				line += "  " + exitCode
			}
			if duration != "" {
				line += "  " + fmt.Sprintf("%6s", duration)
			}

			if i == a.selectedStepIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	if len(a.artifacts) > 0 {
		s += "\nArtifacts\n"
		s += "─────────\n"
		for _, art := range a.artifacts {
			mark := dimStyle.Render("local")
			if art.Uploaded {
				mark = statusSuccess.Render("uploaded")
			}
			s += fmt.Sprintf("  %-32s %s\n", art.Path, mark)
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [o] log  [x] cancel  [esc] back")

	return s
}

func (a *App) viewWorkflows() string {
	s := titleStyle.Render("Workflows") + "\n\n"

	names := make([]string, 0, len(a.workflows))
	for name := range a.workflows {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		wf := a.workflows[name]
		var on []string
		if wf.On.Push != nil {
			on = append(on, "push "+strings.Join(wf.On.Push.Branches, ","))
		}
		if wf.On.PullRequest != nil {
			on = append(on, "pull_request "+strings.Join(wf.On.PullRequest.Types, ","))
		}
		s += fmt.Sprintf("  • %-20s %2d steps  %s\n", name, len(wf.Steps), dimStyle.Render(strings.Join(on, "; ")))
		if wf.Description != "" {
			s += "    " + dimStyle.Render(wf.Description) + "\n"
		}
	}

	if len(a.workflows) == 0 {
		s += "  (no workflows found)\n"
	}

	s += "\n" + helpStyle.Render("run one with `cirun run <name>`  [esc] back")

	return s
}

func (a *App) viewLog() string {
	title := "Log"
	if a.logStep != nil {
		title = fmt.Sprintf("Log: %s", a.logStep.StepName)
	}
	s := titleStyle.Render(title) + "\n\n"
	s += a.log.View() + "\n"
	s += helpStyle.Render(fmt.Sprintf("%3.f%%  [↑/↓] scroll  [r] reload  [esc] back", a.log.ScrollPercent()*100))
	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run       *models.Run
	steps     []*models.StepExecution
	artifacts []*models.Artifact
	err       error
}

type runCanceledMsg struct {
	runID int64
	err   error
}

type runDeletedMsg struct {
	runID int64
	err   error
}

type logLoadedMsg struct {
	step    *models.StepExecution
	content string
	err     error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.backend.ListRuns(20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		run, err := a.backend.GetRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}

		steps, err := a.backend.GetStepsForRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}
		artifacts, err := a.backend.GetArtifactsForRun(id)
		return runDetailMsg{run: run, steps: steps, artifacts: artifacts, err: err}
	}
}

func (a *App) cancelRun(id int64) tea.Cmd {
	return func() tea.Msg {
		return runCanceledMsg{runID: id, err: a.backend.CancelRun(id)}
	}
}

func (a *App) deleteRun(id int64) tea.Cmd {
	return func() tea.Msg {
		return runDeletedMsg{runID: id, err: a.backend.DeleteRun(id)}
	}
}

func (a *App) loadLog(step *models.StepExecution) tea.Cmd {
	return func() tea.Msg {
		content, err := a.backend.StepLog(step)
		return logLoadedMsg{step: step, content: content, err: err}
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
