package workflow

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/cirun/internal/condition"
	"github.com/mpataki/cirun/internal/errs"
	"github.com/mpataki/cirun/internal/models"
)

// DefaultName is the built-in workflow available without any file.
const DefaultName = "default"

//go:embed default.yaml
var defaultWorkflow []byte

// DefaultPullRequestTypes are admitted when a pull_request trigger lists none.
var DefaultPullRequestTypes = []string{
	models.ActionOpened,
	models.ActionSynchronize,
	models.ActionReopened,
	models.ActionReadyForReview,
}

func Parse(path string) (*models.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return ParseBytes(data)
}

func ParseBytes(data []byte) (*models.Workflow, error) {
	var wf models.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, &errs.ConfigurationError{Reason: "failed to parse workflow YAML", Err: err}
	}

	for _, step := range wf.Steps {
		if step == nil {
			continue
		}
		if step.Kind == "" {
			step.Kind = models.StepKindShellCommand
		}
	}

	if wf.On.PullRequest != nil && len(wf.On.PullRequest.Types) == 0 {
		wf.On.PullRequest.Types = append([]string(nil), DefaultPullRequestTypes...)
	}

	return &wf, nil
}

// Default returns a fresh copy of the built-in workflow.
func Default() *models.Workflow {
	wf, err := ParseBytes(defaultWorkflow)
	if err != nil {
		panic(fmt.Sprintf("built-in workflow is invalid: %v", err))
	}
	return wf
}

func LoadAll(dirs []string) (map[string]*models.Workflow, error) {
	workflows := make(map[string]*models.Workflow)

	for _, dir := range dirs {
		if err := loadFromDir(dir, workflows); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return workflows, nil
}

// Find resolves name to a workflow: a path to a file, a name in one of
// dirs, or the built-in default. It returns the file path used, empty
// for the built-in.
func Find(name string, dirs []string) (*models.Workflow, string, error) {
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
		if _, err := os.Stat(name); err == nil {
			wf, err := Parse(name)
			return wf, name, err
		}
	}

	for _, dir := range dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, name+ext)
			if _, err := os.Stat(path); err == nil {
				wf, err := Parse(path)
				return wf, path, err
			}
		}
	}

	workflows, err := LoadAll(dirs)
	if err != nil {
		return nil, "", err
	}
	if wf, ok := workflows[name]; ok {
		return wf, "", nil
	}

	if name == DefaultName {
		return Default(), "", nil
	}
	return nil, "", fmt.Errorf("workflow %q not found", name)
}

func loadFromDir(dir string, workflows map[string]*models.Workflow) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		wf, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		// Use workflow name from file, or filename without extension
		wfName := wf.Name
		if wfName == "" {
			wfName = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
			wf.Name = wfName
		}

		workflows[wfName] = wf
	}

	return nil
}

// Validate reports every structural problem at once as a ConfigurationError.
func Validate(wf *models.Workflow) error {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if wf.Name == "" {
		fail("workflow must have a name")
	}
	if len(wf.Steps) == 0 {
		fail("workflow must define at least one step")
	}

	seen := make(map[string]bool)
	installsDone := false
	for i, step := range wf.Steps {
		if step == nil {
			fail("step %d is empty", i+1)
			continue
		}
		label := step.Name
		if label == "" {
			fail("step %d must have a name", i+1)
			label = fmt.Sprintf("#%d", i+1)
		} else if seen[step.Name] {
			fail("step name %q is used more than once", step.Name)
		}
		seen[step.Name] = true

		if strings.TrimSpace(step.Run) == "" {
			fail("step %s must have a run command", label)
		}

		switch step.Kind {
		case models.StepKindToolInstall:
			if installsDone {
				fail("tool-install step %s must come before all shell-command steps", label)
			}
		case models.StepKindShellCommand:
			installsDone = true
			if len(step.Path) > 0 {
				fail("step %s: path is only valid on tool-install steps", label)
			}
		default:
			fail("step %s has unknown kind %q", label, step.Kind)
		}

		for _, s := range step.Secrets {
			if s == "" {
				fail("step %s declares an empty secret name", label)
			}
		}
		if err := condition.Check(step.If); err != nil {
			fail("step %s: %v", label, err)
		}
	}

	if wf.On.PullRequest != nil {
		for _, t := range wf.On.PullRequest.Types {
			if !knownAction(t) {
				fail("unknown pull_request type %q", t)
			}
		}
	}

	if r := wf.Report; r != nil {
		if err := condition.Check(r.If); err != nil {
			fail("report: %v", err)
		}
		if a := r.Analysis; a != nil {
			if a.Endpoint == "" || a.Findings == "" {
				fail("report.analysis requires endpoint and findings")
			}
			if a.PlatformToken == "" || a.AnalysisToken == "" {
				fail("report.analysis requires platform_token and analysis_token")
			}
		}
		if c := r.Coverage; c != nil {
			if c.Endpoint == "" || c.File == "" {
				fail("report.coverage requires endpoint and file")
			}
			if c.Token == "" {
				fail("report.coverage requires token")
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &errs.ConfigurationError{Reason: "invalid workflow", Err: errors.Join(problems...)}
}

func knownAction(action string) bool {
	switch action {
	case models.ActionOpened, models.ActionSynchronize, models.ActionReopened,
		models.ActionReadyForReview, models.ActionClosed:
		return true
	}
	return false
}

// Installs splits steps into the leading tool-install prefix and the rest.
func Installs(steps []*models.Step) (installs, rest []*models.Step) {
	i := 0
	for i < len(steps) && steps[i].Kind == models.StepKindToolInstall {
		i++
	}
	return steps[:i], steps[i:]
}

// Credentials lists every credential name the workflow needs, in
// declaration order and without duplicates.
func Credentials(wf *models.Workflow) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}

	for _, step := range wf.Steps {
		for _, s := range step.Secrets {
			add(s)
		}
	}
	if r := wf.Report; r != nil {
		if r.Analysis != nil {
			add(r.Analysis.PlatformToken)
			add(r.Analysis.AnalysisToken)
		}
		if r.Coverage != nil {
			add(r.Coverage.Token)
		}
	}
	return names
}
