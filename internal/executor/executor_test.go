package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/cirun/internal/environment"
	"github.com/mpataki/cirun/internal/errs"
	"github.com/mpataki/cirun/internal/models"
	"github.com/mpataki/cirun/internal/runner"
	"github.com/mpataki/cirun/internal/secrets"
)

// fakeRunner exits with the code mapped to each script and remembers what
// it ran.
type fakeRunner struct {
	mu     sync.Mutex
	codes  map[string]int
	ran    []string
	envs   [][]string
	onRun  func(ctx context.Context, c runner.Command) error
	output string
}

func (f *fakeRunner) Run(ctx context.Context, c runner.Command) (runner.Result, error) {
	f.mu.Lock()
	f.ran = append(f.ran, c.Script)
	f.envs = append(f.envs, c.Env)
	f.mu.Unlock()

	if c.OnStart != nil {
		c.OnStart(4242)
	}
	if f.output != "" {
		io.WriteString(c.Output, f.output)
	}
	if f.onRun != nil {
		if err := f.onRun(ctx, c); err != nil {
			return runner.Result{ExitCode: -1}, err
		}
	}
	return runner.Result{ExitCode: f.codes[c.Script]}, nil
}

type memRecorder struct {
	mu       sync.Mutex
	logs     map[int]*bytes.Buffer
	pids     map[int]int
	finished []*StepResult
}

func newMemRecorder() *memRecorder {
	return &memRecorder{logs: map[int]*bytes.Buffer{}, pids: map[int]int{}}
}

type bufCloser struct{ *bytes.Buffer }

func (bufCloser) Close() error { return nil }

func (r *memRecorder) StepStarted(_ context.Context, seq int, _ *models.Step) (io.WriteCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[seq] = &bytes.Buffer{}
	return bufCloser{r.logs[seq]}, nil
}

func (r *memRecorder) StepPID(_ context.Context, seq, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids[seq] = pid
}

func (r *memRecorder) StepFinished(_ context.Context, res *StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, res)
}

func (r *memRecorder) statuses() []models.StepStatus {
	var out []models.StepStatus
	for _, res := range r.finished {
		out = append(out, res.Status)
	}
	return out
}

func shellStep(name, run string) *models.Step {
	return &models.Step{Name: name, Kind: models.StepKindShellCommand, Run: run}
}

func newState(t *testing.T) *State {
	dir := t.TempDir()
	return NewState(environment.FromEnviron([]string{"PATH=/usr/bin:/bin"}), models.Event{Kind: models.EventPush, Branch: "main"}, dir, t.TempDir())
}

func TestRunAllSucceed(t *testing.T) {
	fr := &fakeRunner{}
	rec := newMemRecorder()
	x := New(Options{Runner: fr, Recorder: rec})
	st := newState(t)

	outcome := x.Run(context.Background(), []*models.Step{
		shellStep("a", "one"), shellStep("b", "two"), shellStep("c", "three"),
	}, st)

	assert.Equal(t, models.RunStatusSuccess, outcome)
	assert.Equal(t, []string{"one", "two", "three"}, fr.ran)
	assert.Equal(t, []models.StepStatus{models.StepStatusSuccess, models.StepStatusSuccess, models.StepStatusSuccess}, rec.statuses())
	assert.Equal(t, 4242, rec.pids[1])
	assert.NoError(t, st.Err)
}

func TestRunFailureSkipsDefaultStepsButRunsAlways(t *testing.T) {
	fr := &fakeRunner{codes: map[string]int{"two": 1}}
	rec := newMemRecorder()
	x := New(Options{Runner: fr, Recorder: rec})
	st := newState(t)

	upload := shellStep("upload", "upload")
	upload.If = "always()"
	onFailure := shellStep("notify", "notify")
	onFailure.If = "failure()"

	outcome := x.Run(context.Background(), []*models.Step{
		shellStep("a", "one"),
		shellStep("b", "two"),
		shellStep("c", "three"),
		upload,
		shellStep("d", "four"),
		onFailure,
	}, st)

	assert.Equal(t, models.RunStatusFailure, outcome)
	assert.Equal(t, []string{"one", "two", "upload", "notify"}, fr.ran)
	assert.Equal(t, []models.StepStatus{
		models.StepStatusSuccess,
		models.StepStatusFailure,
		models.StepStatusSkipped,
		models.StepStatusSuccess,
		models.StepStatusSkipped,
		models.StepStatusSuccess,
	}, rec.statuses())

	var se *errs.StepExecutionError
	require.ErrorAs(t, st.Err, &se)
	assert.Equal(t, "b", se.Step)
	assert.Equal(t, 1, se.ExitCode)
}

func TestRunIsDeterministic(t *testing.T) {
	steps := func() []*models.Step {
		always := shellStep("always", "always")
		always.If = "always()"
		return []*models.Step{shellStep("a", "a"), shellStep("b", "b"), shellStep("c", "c"), always}
	}

	var first []models.StepStatus
	for i := 0; i < 5; i++ {
		rec := newMemRecorder()
		x := New(Options{Runner: &fakeRunner{codes: map[string]int{"b": 2}}, Recorder: rec})
		outcome := x.Run(context.Background(), steps(), newState(t))
		assert.Equal(t, models.RunStatusFailure, outcome)
		if first == nil {
			first = rec.statuses()
			continue
		}
		assert.Equal(t, first, rec.statuses())
	}
}

func TestRunCancelDuringStepStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fr := &fakeRunner{onRun: func(ctx context.Context, c runner.Command) error {
		if c.Script == "slow" {
			cancel()
			return ctx.Err()
		}
		return nil
	}}
	rec := newMemRecorder()
	x := New(Options{Runner: fr, Recorder: rec})
	st := newState(t)

	always := shellStep("always", "always")
	always.If = "always()"
	outcome := x.Run(ctx, []*models.Step{shellStep("a", "fast"), shellStep("b", "slow"), always}, st)

	assert.Equal(t, models.RunStatusCanceled, outcome)
	assert.Equal(t, []string{"fast", "slow"}, fr.ran)
	assert.Equal(t, []models.StepStatus{models.StepStatusSuccess, models.StepStatusCanceled}, rec.statuses())
	assert.ErrorIs(t, st.Err, errs.ErrCanceled)
}

func TestRunInterruptedFromOutside(t *testing.T) {
	interrupted := false
	fr := &fakeRunner{
		codes: map[string]int{"killed": -1},
		onRun: func(_ context.Context, c runner.Command) error {
			if c.Script == "killed" {
				interrupted = true
			}
			return nil
		},
	}
	rec := newMemRecorder()
	x := New(Options{Runner: fr, Recorder: rec, Interrupted: func() bool { return interrupted }})

	outcome := x.Run(context.Background(), []*models.Step{shellStep("a", "killed"), shellStep("b", "after")}, newState(t))

	assert.Equal(t, models.RunStatusCanceled, outcome)
	assert.Equal(t, []string{"killed"}, fr.ran)
}

func TestStepCredentials(t *testing.T) {
	fr := &fakeRunner{output: "token is tok-123\n"}
	rec := newMemRecorder()
	x := New(Options{Runner: fr, Recorder: rec, Secrets: secrets.MapStore{"SONAR_TOKEN": "tok-123"}})
	st := newState(t)

	step := shellStep("scan", "scan")
	step.Secrets = []string{"SONAR_TOKEN"}
	plain := shellStep("plain", "plain")

	outcome := x.Run(context.Background(), []*models.Step{step, plain}, st)
	require.Equal(t, models.RunStatusSuccess, outcome)

	assert.Contains(t, fr.envs[0], "SONAR_TOKEN=tok-123")
	assert.NotContains(t, fr.envs[1], "SONAR_TOKEN=tok-123", "credential is injected only where declared")
	assert.Equal(t, "token is ***\n", rec.logs[1].String())
	_, leaked := st.Env.Get("SONAR_TOKEN")
	assert.False(t, leaked)
}

func TestStepMissingCredential(t *testing.T) {
	fr := &fakeRunner{}
	x := New(Options{Runner: fr})
	st := newState(t)

	step := shellStep("scan", "scan")
	step.Secrets = []string{"SONAR_TOKEN"}
	outcome := x.Run(context.Background(), []*models.Step{step}, st)

	assert.Equal(t, models.RunStatusFailure, outcome)
	assert.Empty(t, fr.ran, "nothing runs without its credential")
	var ce *errs.ConfigurationError
	assert.ErrorAs(t, st.Err, &ce)
}

func TestStepEnvOverridesAndWorkingDir(t *testing.T) {
	var dir string
	fr := &fakeRunner{onRun: func(_ context.Context, c runner.Command) error {
		dir = c.Dir
		return nil
	}}
	x := New(Options{Runner: fr})
	st := newState(t)
	st.Env.Set("HOME", "/home/ci")

	step := shellStep("test", "test")
	step.Env = map[string]string{"LLVM_PROFILE_FILE": "profile-instrumentation-%p-%m.profraw", "CARGO_HOME": "$HOME/.cargo"}
	step.WorkingDir = "crates/agglayer"

	x.Run(context.Background(), []*models.Step{step}, st)

	assert.Contains(t, fr.envs[0], "LLVM_PROFILE_FILE=profile-instrumentation-%p-%m.profraw")
	assert.Contains(t, fr.envs[0], "CARGO_HOME=/home/ci/.cargo")
	assert.Equal(t, filepath.Join(st.Dir, "crates/agglayer"), dir)
	_, shared := st.Env.Get("LLVM_PROFILE_FILE")
	assert.False(t, shared, "step overrides do not leak into the shared environment")
}

func TestInvalidConditionFailsStep(t *testing.T) {
	fr := &fakeRunner{}
	x := New(Options{Runner: fr})
	st := newState(t)

	step := shellStep("bad", "bad")
	step.If = "success( and"
	assert.Equal(t, models.RunStatusFailure, x.Run(context.Background(), []*models.Step{step}, st))
	assert.Empty(t, fr.ran)
}

func TestRealShellEnvFilesAndOutputs(t *testing.T) {
	rec := newMemRecorder()
	x := New(Options{Runner: runner.Exec{}, Recorder: rec, Shell: []string{"sh", "-c"}})
	st := newState(t)

	install := &models.Step{
		Name: "install",
		Kind: models.StepKindToolInstall,
		Run:  `echo "RUSTFLAGS=-Cinstrument-coverage" >> "$CIRUN_ENV"; echo /opt/extra >> "$CIRUN_PATH"`,
		Path: []string{"/opt/tool/bin"},
	}
	produce := shellStep("produce", `echo "$RUSTFLAGS" > lcov.info; echo "$PATH"`)
	produce.Outputs = []string{"lcov.info"}

	outcome := x.Run(context.Background(), []*models.Step{install, produce}, st)
	require.Equal(t, models.RunStatusSuccess, outcome, "%v", st.Err)

	data, err := os.ReadFile(filepath.Join(st.Dir, "lcov.info"))
	require.NoError(t, err)
	assert.Equal(t, "-Cinstrument-coverage\n", string(data))

	path := strings.TrimSpace(rec.logs[2].String())
	assert.True(t, strings.HasPrefix(path, fmt.Sprintf("/opt/tool/bin%c/opt/extra%c", os.PathListSeparator, os.PathListSeparator)), path)

	require.Len(t, st.Artifacts, 1)
	assert.Equal(t, "lcov.info", st.Artifacts[0].Path)
	assert.Equal(t, "produce", st.Artifacts[0].Producer)
}

func TestMissingDeclaredOutputFailsStep(t *testing.T) {
	x := New(Options{Runner: &fakeRunner{}})
	st := newState(t)

	step := shellStep("lint", "lint")
	step.Outputs = []string{"clippy.sarif"}
	assert.Equal(t, models.RunStatusFailure, x.Run(context.Background(), []*models.Step{step}, st))

	var se *errs.StepExecutionError
	require.ErrorAs(t, st.Err, &se)
	assert.Contains(t, se.Error(), "clippy.sarif")
}

func TestShellArgs(t *testing.T) {
	assert.Equal(t, []string{"sh", "-c"}, ShellArgs("sh"))
	assert.Equal(t, []string{"bash", "-eo", "pipefail", "-c"}, ShellArgs("bash -eo pipefail"))
	assert.Equal(t, []string{"bash", "-c"}, ShellArgs("bash -c"))
	assert.Nil(t, ShellArgs("  "))
}

func TestSkipRecordsWithoutRunning(t *testing.T) {
	fr := &fakeRunner{}
	rec := newMemRecorder()
	x := New(Options{Runner: fr, Recorder: rec})
	st := newState(t)

	always := shellStep("always", "always")
	always.If = "always()"
	x.Skip(context.Background(), []*models.Step{shellStep("a", "a"), always}, st)

	assert.Empty(t, fr.ran)
	assert.Equal(t, []models.StepStatus{models.StepStatusSkipped, models.StepStatusSkipped}, rec.statuses())
	assert.Equal(t, 2, rec.finished[1].Seq)
}
