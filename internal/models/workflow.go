package models

type StepKind string

const (
	StepKindToolInstall  StepKind = "tool-install"
	StepKindShellCommand StepKind = "shell-command"
)

// Workflow is the declarative pipeline read from a workflow file.
type Workflow struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	On          Triggers          `yaml:"on"`
	Concurrency Concurrency       `yaml:"concurrency"`
	Env         map[string]string `yaml:"env"`
	Steps       []*Step           `yaml:"steps"`
	Report      *Report           `yaml:"report"`
}

type Triggers struct {
	Push        *PushTrigger        `yaml:"push"`
	PullRequest *PullRequestTrigger `yaml:"pull_request"`
}

type PushTrigger struct {
	Branches []string `yaml:"branches"`
}

type PullRequestTrigger struct {
	Types []string `yaml:"types"`
}

type Concurrency struct {
	CancelInProgress *bool `yaml:"cancel_in_progress"`
}

// CancelsInProgress defaults to true when unset.
func (c Concurrency) CancelsInProgress() bool {
	return c.CancelInProgress == nil || *c.CancelInProgress
}

type Step struct {
	Name       string            `yaml:"name"`
	Kind       StepKind          `yaml:"kind"`
	Tool       string            `yaml:"tool,omitempty"`
	Run        string            `yaml:"run"`
	Shell      string            `yaml:"shell,omitempty"`
	WorkingDir string            `yaml:"working-directory,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	If         string            `yaml:"if,omitempty"`
	Secrets    []string          `yaml:"secrets,omitempty"`
	Outputs    []string          `yaml:"outputs,omitempty"`
	Path       []string          `yaml:"path,omitempty"`
}

type Report struct {
	If       string          `yaml:"if,omitempty"`
	Analysis *AnalysisUpload `yaml:"analysis,omitempty"`
	Coverage *CoverageUpload `yaml:"coverage,omitempty"`
}

type AnalysisUpload struct {
	Endpoint      string `yaml:"endpoint"`
	Findings      string `yaml:"findings"`
	PlatformToken string `yaml:"platform_token"`
	AnalysisToken string `yaml:"analysis_token"`
	ProjectKey    string `yaml:"project_key,omitempty"`
}

type CoverageUpload struct {
	Endpoint      string `yaml:"endpoint"`
	File          string `yaml:"file"`
	Token         string `yaml:"token"`
	FailCIIfError bool   `yaml:"fail_ci_if_error"`
}
