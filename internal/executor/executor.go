// Package executor runs a run's steps strictly in declared order against
// one shared environment.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mpataki/cirun/internal/condition"
	"github.com/mpataki/cirun/internal/ctxlog"
	"github.com/mpataki/cirun/internal/environment"
	"github.com/mpataki/cirun/internal/errs"
	"github.com/mpataki/cirun/internal/models"
	"github.com/mpataki/cirun/internal/runner"
	"github.com/mpataki/cirun/internal/secrets"
)

// Recorder persists step progress. StepStarted is only called for steps
// that actually run; StepFinished is called for every step, skipped ones
// included.
type Recorder interface {
	StepStarted(ctx context.Context, seq int, step *models.Step) (io.WriteCloser, error)
	StepPID(ctx context.Context, seq int, pid int)
	StepFinished(ctx context.Context, res *StepResult)
}

type StepResult struct {
	Seq         int
	Name        string
	Kind        models.StepKind
	Status      models.StepStatus
	ExitCode    *int
	Err         error
	StartedAt   *time.Time
	CompletedAt time.Time
	Artifacts   []models.Artifact
}

// State is the mutable side of one run. It is owned by that run alone.
type State struct {
	Env   *environment.Env
	Event models.Event
	// Dir is the checkout every step runs in unless it sets its own
	// working directory beneath it.
	Dir string
	// ScratchDir holds the per-step CIRUN_ENV and CIRUN_PATH files.
	ScratchDir string

	Failed    bool
	Canceled  bool
	Err       error
	Steps     map[string]models.StepStatus
	Results   []*StepResult
	Artifacts []models.Artifact

	seq int
}

func NewState(env *environment.Env, event models.Event, dir, scratch string) *State {
	return &State{
		Env:        env,
		Event:      event,
		Dir:        dir,
		ScratchDir: scratch,
		Steps:      make(map[string]models.StepStatus),
	}
}

// Outcome is the run status the state currently implies.
func (s *State) Outcome() models.RunStatus {
	switch {
	case s.Canceled:
		return models.RunStatusCanceled
	case s.Failed:
		return models.RunStatusFailure
	}
	return models.RunStatusSuccess
}

// Condition is the view a step's `if` expression gets of the state.
func (s *State) Condition() condition.State {
	steps := make(map[string]models.StepStatus, len(s.Steps))
	for k, v := range s.Steps {
		steps[k] = v
	}
	return condition.State{
		Failed:   s.Failed,
		Canceled: s.Canceled,
		Env:      s.Env.Map(),
		Event:    s.Event,
		Steps:    steps,
	}
}

// Fail records err as a run failure; the first one wins.
func (s *State) Fail(err error) {
	s.Failed = true
	if s.Err == nil {
		s.Err = err
	}
}

// Cancel marks the run canceled.
func (s *State) Cancel() {
	s.Canceled = true
	if s.Err == nil {
		s.Err = errs.ErrCanceled
	}
}

type Options struct {
	Runner   runner.Runner
	Secrets  secrets.Store
	Recorder Recorder
	// Masks are credential values to redact from step output in
	// addition to the ones a step declares.
	Masks []string
	// Interrupted reports cancellation that arrives from outside the
	// run's context, such as another process canceling the run through
	// the store. It is consulted between steps and after a step exits
	// non-zero.
	Interrupted func() bool
	// Shell is used for steps that do not set one.
	Shell []string
}

type Executor struct {
	opts Options
}

func New(opts Options) *Executor {
	if opts.Runner == nil {
		opts.Runner = runner.Exec{}
	}
	if opts.Secrets == nil {
		opts.Secrets = secrets.MapStore{}
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	return &Executor{opts: opts}
}

// Run executes steps in order. A failed step makes every later
// default-condition step skip while steps whose condition allows it
// (always(), failure()) still run. Cancellation is observed between
// steps and ends the run with no further steps.
func (x *Executor) Run(ctx context.Context, steps []*models.Step, st *State) models.RunStatus {
	for _, step := range steps {
		if x.checkpoint(ctx, st) {
			break
		}
		x.Step(ctx, step, st)
		if st.Canceled {
			break
		}
	}
	return st.Outcome()
}

// Skip records steps as skipped without evaluating their conditions.
// It is used once the run has been aborted outright.
func (x *Executor) Skip(ctx context.Context, steps []*models.Step, st *State) {
	for _, step := range steps {
		st.seq++
		x.finish(ctx, st, &StepResult{
			Seq:    st.seq,
			Name:   step.Name,
			Kind:   step.Kind,
			Status: models.StepStatusSkipped,
		})
	}
}

// checkpoint reports whether the run has been canceled.
func (x *Executor) checkpoint(ctx context.Context, st *State) bool {
	if st.Canceled {
		return true
	}
	if ctx.Err() != nil || x.interrupted() {
		st.Cancel()
		return true
	}
	return false
}

func (x *Executor) interrupted() bool {
	return x.opts.Interrupted != nil && x.opts.Interrupted()
}

// Step evaluates and, if its condition holds, runs a single step.
func (x *Executor) Step(ctx context.Context, step *models.Step, st *State) *StepResult {
	st.seq++
	res := &StepResult{Seq: st.seq, Name: step.Name, Kind: step.Kind}

	ctx = ctxlog.With(ctx, logrus.Fields{"step": step.Name, "seq": res.Seq})
	log := ctxlog.FromContext(ctx)

	run, err := condition.Evaluate(step.If, st.Condition())
	if err != nil {
		res.Status = models.StepStatusFailure
		res.Err = &errs.ConfigurationError{Reason: fmt.Sprintf("step %q", step.Name), Err: err}
		return x.finish(ctx, st, res)
	}
	if !run {
		log.Debug("step skipped")
		res.Status = models.StepStatusSkipped
		return x.finish(ctx, st, res)
	}

	x.execute(ctx, step, st, res)
	return x.finish(ctx, st, res)
}

func (x *Executor) execute(ctx context.Context, step *models.Step, st *State, res *StepResult) {
	log := ctxlog.FromContext(ctx)

	started := time.Now()
	res.StartedAt = &started

	env, masks, err := x.stepEnv(step, st, res.Seq)
	if err != nil {
		res.Status = models.StepStatusFailure
		res.Err = err
		return
	}

	sink, err := x.opts.Recorder.StepStarted(ctx, res.Seq, step)
	if err != nil {
		res.Status = models.StepStatusFailure
		res.Err = fmt.Errorf("failed to open step log: %w", err)
		return
	}
	out := secrets.NewMasker(sink, masks)
	defer func() {
		out.Close()
		sink.Close()
	}()

	shell := x.opts.Shell
	if step.Shell != "" {
		shell = ShellArgs(step.Shell)
	}

	dir := st.Dir
	if step.WorkingDir != "" {
		dir = filepath.Join(st.Dir, step.WorkingDir)
	}

	log.Info("step started")
	result, err := x.opts.Runner.Run(ctx, runner.Command{
		Script: step.Run,
		Shell:  shell,
		Dir:    dir,
		Env:    env.Environ(),
		Output: out,
		OnStart: func(pid int) {
			x.opts.Recorder.StepPID(ctx, res.Seq, pid)
		},
	})
	code := result.ExitCode
	res.ExitCode = &code

	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		res.Status = models.StepStatusCanceled
		res.Err = errs.ErrCanceled
		return
	case err != nil:
		res.Status = models.StepStatusFailure
		res.Err = &errs.StepExecutionError{Step: step.Name, ExitCode: code, Err: err}
		return
	case code != 0:
		if x.interrupted() {
			res.Status = models.StepStatusCanceled
			res.Err = errs.ErrCanceled
			return
		}
		res.Status = models.StepStatusFailure
		res.Err = &errs.StepExecutionError{Step: step.Name, ExitCode: code}
		return
	}

	if err := x.collect(step, st, res); err != nil {
		res.Status = models.StepStatusFailure
		res.Err = &errs.StepExecutionError{Step: step.Name, Err: err}
		return
	}
	res.Status = models.StepStatusSuccess
}

// stepEnv assembles the step's environment: the shared one, the step's
// overrides, its declared credentials and the CIRUN_* files it may
// write to.
func (x *Executor) stepEnv(step *models.Step, st *State, seq int) (*environment.Env, []string, error) {
	env := st.Env.Clone()
	env.SetAll(step.Env)
	env.Set("CIRUN_WORKSPACE", st.Dir)
	env.Set(environment.EnvFileVar, x.scratchFile(st, seq, "env"))
	env.Set(environment.PathFileVar, x.scratchFile(st, seq, "path"))

	masks := append([]string(nil), x.opts.Masks...)
	for _, name := range step.Secrets {
		v, ok := x.opts.Secrets.Lookup(name)
		if !ok {
			return nil, nil, &errs.MissingCredentialError{Name: name}
		}
		env.Set(name, v)
		masks = append(masks, v)
	}
	return env, masks, nil
}

func (x *Executor) scratchFile(st *State, seq int, kind string) string {
	return filepath.Join(st.ScratchDir, fmt.Sprintf("step-%d.%s", seq, kind))
}

// collect applies what a successful step hands to the steps after it.
func (x *Executor) collect(step *models.Step, st *State, res *StepResult) error {
	if err := st.Env.ApplyEnvFile(x.scratchFile(st, res.Seq, "env")); err != nil {
		return err
	}
	if err := st.Env.ApplyPathFile(x.scratchFile(st, res.Seq, "path")); err != nil {
		return err
	}
	if step.Kind == models.StepKindToolInstall {
		for _, p := range step.Path {
			st.Env.PrependPath(p)
		}
	}

	for _, output := range step.Outputs {
		path := filepath.Join(st.Dir, output)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("declared output %s was not produced", output)
		}
		res.Artifacts = append(res.Artifacts, models.Artifact{
			Name:     filepath.Base(output),
			Path:     output,
			Producer: step.Name,
		})
	}
	return nil
}

func (x *Executor) finish(ctx context.Context, st *State, res *StepResult) *StepResult {
	res.CompletedAt = time.Now()
	log := ctxlog.FromContext(ctx)

	switch res.Status {
	case models.StepStatusFailure:
		log.WithError(res.Err).Warn("step failed")
		st.Fail(res.Err)
	case models.StepStatusCanceled:
		log.Info("step canceled")
		st.Cancel()
	case models.StepStatusSuccess:
		log.Info("step succeeded")
		st.Artifacts = append(st.Artifacts, res.Artifacts...)
	}

	st.Steps[res.Name] = res.Status
	st.Results = append(st.Results, res)
	x.opts.Recorder.StepFinished(ctx, res)
	return res
}

// ShellArgs turns a shell line such as "bash -eo pipefail" into the argv
// prefix a script is appended to.
func ShellArgs(shell string) []string {
	args := strings.Fields(shell)
	if len(args) == 0 {
		return nil
	}
	if args[len(args)-1] != "-c" {
		args = append(args, "-c")
	}
	return args
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) StepStarted(context.Context, int, *models.Step) (io.WriteCloser, error) {
	return nopCloser{io.Discard}, nil
}
func (NopRecorder) StepPID(context.Context, int, int)        {}
func (NopRecorder) StepFinished(context.Context, *StepResult) {}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
