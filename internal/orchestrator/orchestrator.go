package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mpataki/cirun/internal/concurrency"
	"github.com/mpataki/cirun/internal/condition"
	"github.com/mpataki/cirun/internal/ctxlog"
	"github.com/mpataki/cirun/internal/environment"
	"github.com/mpataki/cirun/internal/errs"
	"github.com/mpataki/cirun/internal/executor"
	"github.com/mpataki/cirun/internal/models"
	"github.com/mpataki/cirun/internal/provision"
	"github.com/mpataki/cirun/internal/report"
	"github.com/mpataki/cirun/internal/runner"
	"github.com/mpataki/cirun/internal/secrets"
	"github.com/mpataki/cirun/internal/storage"
	"github.com/mpataki/cirun/internal/trigger"
	"github.com/mpataki/cirun/internal/workflow"
	"github.com/mpataki/cirun/internal/workspace"
)

// ErrNotTriggered is returned by StartRun when the event does not match
// the workflow's triggers. No run is created.
var ErrNotTriggered = errors.New("event does not trigger workflow")

type Options struct {
	Runner   runner.Runner
	Secrets  secrets.Store
	Reporter *report.Reporter
	Gate     *concurrency.Gate
	// Environ is the base environment of every run, os.Environ() by
	// default.
	Environ []string
	// SecretPrefix and SecretNames mark variables of Environ that are
	// credentials and must not reach steps that did not declare them.
	SecretPrefix  string
	SecretNames   []string
	KeepArtifacts bool
	Logger        *logrus.Entry
}

type Orchestrator struct {
	storage      *storage.Storage
	workspaceDir string
	opts         Options
}

func New(store *storage.Storage, workspaceDir string, opts Options) *Orchestrator {
	if opts.Runner == nil {
		opts.Runner = runner.Exec{}
	}
	if opts.Secrets == nil {
		opts.Secrets = secrets.MapStore{}
	}
	if opts.Reporter == nil {
		opts.Reporter = report.New(opts.Secrets, nil)
	}
	if opts.Gate == nil {
		opts.Gate = concurrency.NewGate()
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ()
	}
	if opts.Logger == nil {
		opts.Logger = ctxlog.Discard()
	}
	return &Orchestrator{
		storage:      store,
		workspaceDir: workspaceDir,
		opts:         opts,
	}
}

// StartRun checks the event against the workflow and, when it matches,
// records a pending run with its own workspace checked out from
// sourceRepo.
func (o *Orchestrator) StartRun(wf *models.Workflow, wfPath string, ev models.Event, sourceRepo string) (*models.Run, error) {
	if err := workflow.Validate(wf); err != nil {
		return nil, err
	}

	decision := trigger.Evaluate(wf.On, ev)
	if !decision.Admit {
		return nil, fmt.Errorf("%w: %s", ErrNotTriggered, decision.Reason)
	}

	ref := trigger.Ref(ev)
	run := &models.Run{
		WorkflowName: wf.Name,
		WorkflowPath: wfPath,
		EventKind:    ev.Kind,
		Branch:       trigger.BranchOf(ev),
		Ref:          ref,
		Action:       ev.Action,
		Revision:     ev.Revision,
		Status:       models.RunStatusPending,
	}

	runID, err := o.storage.CreateRun(run)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	run.ID = runID
	run.GroupKey = concurrency.GroupKey(wf.Name, ref, runID)

	ws, err := workspace.Create(o.workspaceDir, runID, sourceRepo, ev.Revision)
	if err != nil {
		err = fmt.Errorf("failed to create workspace: %w", err)
		o.finish(run, models.RunStatusFailure, err)
		return nil, err
	}
	run.WorkspacePath = ws.Path
	if run.Revision == "" {
		run.Revision = ws.Revision()
	}

	if err := o.storage.UpdateRun(run); err != nil {
		return nil, fmt.Errorf("failed to update run with workspace path: %w", err)
	}

	meta := &workspace.RunMetadata{
		RunID:    run.ID,
		Workflow: wf.Name,
		Event:    run.Event(),
		GroupKey: run.GroupKey,
		Revision: run.Revision,
	}
	if err := ws.WriteRunMetadata(meta); err != nil {
		o.finish(run, models.RunStatusFailure, err)
		return nil, err
	}

	return run, nil
}

// Execute drives a pending run to a terminal state and returns it. The
// error is the cause of a failure or errs.ErrCanceled; it is nil on
// success. Execute blocks while an earlier run of the same group shuts
// down.
func (o *Orchestrator) Execute(ctx context.Context, run *models.Run, wf *models.Workflow) (models.RunStatus, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx = ctxlog.WithLogger(ctx, o.opts.Logger.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"workflow": run.WorkflowName,
		"group":    run.GroupKey,
	}))
	log := ctxlog.FromContext(ctx)

	if o.interrupted(run.ID) {
		log.Info("run canceled before it started")
		o.finish(run, models.RunStatusCanceled, errs.ErrCanceled)
		return models.RunStatusCanceled, errs.ErrCanceled
	}

	cancelInProgress := wf.Concurrency.CancelsInProgress()
	adm, err := o.opts.Gate.Admit(ctx, run.GroupKey, run.ID, cancel, cancelInProgress)
	if err != nil {
		log.Info("run superseded before it started")
		o.finish(run, models.RunStatusCanceled, err)
		return models.RunStatusCanceled, err
	}
	defer o.opts.Gate.Release(run.GroupKey, run.ID)

	for _, id := range adm.Superseded {
		log.WithField("superseded", id).Info("canceled earlier run in group")
	}
	if cancelInProgress {
		o.cancelStale(ctx, run)
	}

	status, err := o.execute(ctx, run, wf)
	if status != models.RunStatusCanceled && o.interrupted(run.ID) {
		status, err = models.RunStatusCanceled, errs.ErrCanceled
	}
	o.finish(run, status, err)

	switch status {
	case models.RunStatusSuccess:
		log.Info("run succeeded")
	case models.RunStatusCanceled:
		log.Info("run canceled")
	default:
		log.WithError(err).Warn("run failed")
	}
	return status, err
}

func (o *Orchestrator) execute(ctx context.Context, run *models.Run, wf *models.Workflow) (models.RunStatus, error) {
	log := ctxlog.FromContext(ctx)

	ws, err := workspace.Open(o.workspaceDir, run.ID)
	if err != nil {
		return models.RunStatusFailure, err
	}
	if !o.opts.KeepArtifacts {
		defer func() {
			if n, err := ws.CleanProfiles(); err != nil {
				log.WithError(err).Warn("failed to remove coverage profiles")
			} else if n > 0 {
				log.WithField("files", n).Debug("removed coverage profiles")
			}
		}()
	}

	if o.interrupted(run.ID) {
		return models.RunStatusCanceled, errs.ErrCanceled
	}
	run.Status = models.RunStatusRunning
	if err := o.storage.UpdateRun(run); err != nil {
		return models.RunStatusFailure, err
	}

	// Every credential a step declares must exist before the first step
	// runs.
	for _, step := range wf.Steps {
		for _, name := range step.Secrets {
			if _, ok := o.opts.Secrets.Lookup(name); !ok {
				return models.RunStatusFailure, &errs.MissingCredentialError{Name: name}
			}
		}
	}

	st := executor.NewState(o.baseEnv(run, wf, ws), run.Event(), ws.RepoPath, ws.ScratchDir())
	rec := &stepRecorder{storage: o.storage, run: run, ws: ws, steps: make(map[int]*models.StepExecution)}
	x := executor.New(executor.Options{
		Runner:      o.opts.Runner,
		Secrets:     o.opts.Secrets,
		Recorder:    rec,
		Masks:       o.masks(wf),
		Interrupted: func() bool { return o.interrupted(run.ID) },
	})

	installs, rest := workflow.Installs(wf.Steps)
	if err := provision.New(x).Provision(ctx, installs, st); err != nil {
		if errors.Is(err, errs.ErrCanceled) {
			st.Cancel()
			return models.RunStatusCanceled, errs.ErrCanceled
		}
		st.Fail(err)
		x.Skip(ctx, rest, st)
		return models.RunStatusFailure, err
	}

	status := x.Run(ctx, rest, st)
	o.saveArtifacts(ctx, run, st.Artifacts)
	if status == models.RunStatusCanceled {
		return status, errs.ErrCanceled
	}

	if err := o.publish(ctx, run, wf, ws, st); err != nil {
		if errors.Is(err, errs.ErrCanceled) {
			return models.RunStatusCanceled, err
		}
		if errs.IsFatal(err) {
			st.Fail(err)
		}
	}
	return st.Outcome(), st.Err
}

// baseEnv is the shared environment a run starts from: the host
// environment without credentials, a few CI variables and the workflow's
// own env block.
func (o *Orchestrator) baseEnv(run *models.Run, wf *models.Workflow, ws *workspace.Workspace) *environment.Env {
	hidden := make(map[string]bool)
	for _, name := range append(workflow.Credentials(wf), o.opts.SecretNames...) {
		hidden[name] = true
	}

	var environ []string
	for _, kv := range o.opts.Environ {
		key, _, _ := strings.Cut(kv, "=")
		if hidden[key] || (o.opts.SecretPrefix != "" && strings.HasPrefix(key, o.opts.SecretPrefix)) {
			continue
		}
		environ = append(environ, kv)
	}

	env := environment.FromEnviron(environ)
	env.Set("CI", "true")
	env.Set("CIRUN", "true")
	env.Set("CIRUN_RUN_ID", strconv.FormatInt(run.ID, 10))
	env.Set("CIRUN_WORKFLOW", run.WorkflowName)
	env.Set("CIRUN_EVENT", string(run.EventKind))
	env.Set("CIRUN_REF", run.Ref)
	env.Set("CIRUN_SHA", run.Revision)
	env.Set("LLVM_PROFILE_FILE", workspace.ProfilePattern)
	env.SetAll(wf.Env)
	return env
}

// masks are the credential values redacted from every step's output,
// whether or not the step declared them.
func (o *Orchestrator) masks(wf *models.Workflow) []string {
	var values []string
	for _, name := range workflow.Credentials(wf) {
		if v, ok := o.opts.Secrets.Lookup(name); ok {
			values = append(values, v)
		}
	}
	return values
}

func (o *Orchestrator) publish(ctx context.Context, run *models.Run, wf *models.Workflow, ws *workspace.Workspace, st *executor.State) error {
	log := ctxlog.FromContext(ctx)
	rep := wf.Report
	if rep == nil {
		return nil
	}
	if ctx.Err() != nil || o.interrupted(run.ID) {
		st.Cancel()
		return errs.ErrCanceled
	}

	ok, err := condition.Evaluate(rep.If, st.Condition())
	if err != nil {
		return &errs.ConfigurationError{Reason: "report condition", Err: err}
	}
	if !ok {
		log.Info("report skipped by condition")
		return nil
	}

	run.CurrentStep = "report"
	if err := o.storage.UpdateRun(run); err != nil {
		log.WithError(err).Warn("failed to update current step")
	}

	res, err := o.opts.Reporter.Publish(ctx, rep, ws.RepoPath, run.Revision)
	if ctx.Err() != nil || o.interrupted(run.ID) {
		st.Cancel()
		err = errs.ErrCanceled
	}
	for _, target := range res.Uploaded {
		var path string
		switch target {
		case report.TargetAnalysis:
			path = rep.Analysis.Findings
		case report.TargetCoverage:
			path = rep.Coverage.File
		}
		if path == "" {
			continue
		}
		if err := o.storage.CreateArtifact(run.ID, &models.Artifact{Name: target, Path: path, Producer: "report"}); err != nil {
			log.WithError(err).Warn("failed to record artifact")
			continue
		}
		if err := o.storage.MarkArtifactUploaded(run.ID, path); err != nil {
			log.WithError(err).Warn("failed to mark artifact uploaded")
		}
	}
	return err
}

func (o *Orchestrator) saveArtifacts(ctx context.Context, run *models.Run, artifacts []models.Artifact) {
	for i := range artifacts {
		if err := o.storage.CreateArtifact(run.ID, &artifacts[i]); err != nil {
			ctxlog.FromContext(ctx).WithError(err).Warn("failed to record artifact")
		}
	}
}

// cancelStale cancels older runs of the group that live in another
// process, marking them canceled before this run's first step.
func (o *Orchestrator) cancelStale(ctx context.Context, run *models.Run) {
	log := ctxlog.FromContext(ctx)

	active, err := o.storage.ActiveRunsInGroup(run.GroupKey)
	if err != nil {
		log.WithError(err).Warn("failed to look up active runs in group")
		return
	}
	for _, other := range active {
		if other.ID >= run.ID {
			continue
		}
		if err := o.CancelRun(other.ID); err != nil {
			log.WithError(err).WithField("superseded", other.ID).Warn("failed to cancel earlier run")
			continue
		}
		log.WithField("superseded", other.ID).Info("canceled earlier run in group")
	}
}

// interrupted reports whether the run was canceled through the store,
// possibly by another process.
func (o *Orchestrator) interrupted(runID int64) bool {
	status, err := o.storage.GetRunStatus(runID)
	return err == nil && status == models.RunStatusCanceled
}

func (o *Orchestrator) finish(run *models.Run, status models.RunStatus, cause error) {
	now := time.Now()
	run.CompletedAt = &now
	run.Status = status
	run.Error = ""
	if cause != nil {
		run.Error = secrets.Redact(cause.Error(), o.masksFromStore())
	}

	if status == models.RunStatusCanceled {
		// A cancel through the store already set the terminal state.
		if _, err := o.storage.CancelRunIfActive(run.ID, run.Error); err != nil {
			o.opts.Logger.WithError(err).WithField("run_id", run.ID).Error("failed to record canceled run")
		}
		return
	}
	if err := o.storage.UpdateRun(run); err != nil {
		o.opts.Logger.WithError(err).WithField("run_id", run.ID).Error("failed to record run outcome")
	}
}

func (o *Orchestrator) masksFromStore() []string {
	if m, ok := o.opts.Secrets.(secrets.MapStore); ok {
		return m.Values()
	}
	return nil
}

// CancelRun stops a pending or running run. A run executing in this
// process is canceled through its context; any other is marked canceled
// in the store and its running step's process group is killed.
func (o *Orchestrator) CancelRun(runID int64) error {
	if o.opts.Gate.Cancel(runID) {
		return nil
	}

	changed, err := o.storage.CancelRunIfActive(runID, errs.ErrCanceled.Error())
	if err != nil {
		return fmt.Errorf("failed to cancel run: %w", err)
	}
	if !changed {
		return fmt.Errorf("run %d is not active", runID)
	}

	step, err := o.storage.GetRunningStepForRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get running step: %w", err)
	}
	if step != nil && step.PID != nil {
		if err := runner.KillGroup(*step.PID); err != nil {
			return fmt.Errorf("failed to kill step %q: %w", step.StepName, err)
		}
	}
	return nil
}

// DeleteRun removes a finished run, its workspace and its history.
func (o *Orchestrator) DeleteRun(runID int64) error {
	run, err := o.storage.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if !run.Status.Terminal() {
		return fmt.Errorf("run %d is %s; cancel it first", runID, run.Status)
	}

	if run.WorkspacePath != "" {
		if ws, err := workspace.Open(o.workspaceDir, runID); err == nil {
			if err := ws.Remove(); err != nil {
				return fmt.Errorf("failed to remove workspace: %w", err)
			}
		}
	}

	return o.storage.DeleteRun(runID)
}

// Read methods for the TUI and the HTTP server

func (o *Orchestrator) ListRuns(limit int) ([]*models.Run, error) {
	return o.storage.ListRuns(limit)
}

func (o *Orchestrator) GetRun(id int64) (*models.Run, error) {
	return o.storage.GetRun(id)
}

func (o *Orchestrator) GetStepsForRun(runID int64) ([]*models.StepExecution, error) {
	return o.storage.GetStepExecutionsForRun(runID)
}

func (o *Orchestrator) GetArtifactsForRun(runID int64) ([]*models.Artifact, error) {
	return o.storage.GetArtifactsForRun(runID)
}

// StepLog returns the captured output of a step.
func (o *Orchestrator) StepLog(step *models.StepExecution) (string, error) {
	if step.LogPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(step.LogPath)
	if err != nil {
		return "", fmt.Errorf("failed to read step log: %w", err)
	}
	return string(data), nil
}

// stepRecorder persists step executions and their logs as the executor
// reports them.
type stepRecorder struct {
	storage *storage.Storage
	run     *models.Run
	ws      *workspace.Workspace
	steps   map[int]*models.StepExecution
}

func (r *stepRecorder) StepStarted(ctx context.Context, seq int, step *models.Step) (io.WriteCloser, error) {
	now := time.Now()
	exec := &models.StepExecution{
		RunID:       r.run.ID,
		SequenceNum: seq,
		StepName:    step.Name,
		Kind:        step.Kind,
		Status:      models.StepStatusRunning,
		StartedAt:   &now,
		LogPath:     r.ws.LogPath(seq, step.Name),
	}
	id, err := r.storage.CreateStepExecution(exec)
	if err != nil {
		return nil, err
	}
	exec.ID = id
	r.steps[seq] = exec

	r.run.CurrentStep = step.Name
	if err := r.storage.UpdateRun(r.run); err != nil {
		ctxlog.FromContext(ctx).WithError(err).Warn("failed to update current step")
	}

	return os.Create(exec.LogPath)
}

func (r *stepRecorder) StepPID(ctx context.Context, seq, pid int) {
	exec, ok := r.steps[seq]
	if !ok {
		return
	}
	exec.PID = &pid
	if err := r.storage.UpdateStepPID(exec.ID, pid); err != nil {
		ctxlog.FromContext(ctx).WithError(err).Warn("failed to record step pid")
	}
}

func (r *stepRecorder) StepFinished(ctx context.Context, res *executor.StepResult) {
	log := ctxlog.FromContext(ctx)

	exec, ok := r.steps[res.Seq]
	if !ok {
		exec = &models.StepExecution{
			RunID:       r.run.ID,
			SequenceNum: res.Seq,
			StepName:    res.Name,
			Kind:        res.Kind,
			StartedAt:   res.StartedAt,
		}
	}
	completed := res.CompletedAt
	exec.Status = res.Status
	exec.ExitCode = res.ExitCode
	exec.CompletedAt = &completed
	if res.Err != nil {
		exec.Error = res.Err.Error()
	}

	if !ok {
		if _, err := r.storage.CreateStepExecution(exec); err != nil {
			log.WithError(err).Warn("failed to record step")
		}
		return
	}
	if err := r.storage.UpdateStepExecution(exec); err != nil {
		log.WithError(err).Warn("failed to record step")
	}
}
