package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/cirun/internal/errs"
	"github.com/mpataki/cirun/internal/models"
	"github.com/mpataki/cirun/internal/report"
	"github.com/mpataki/cirun/internal/runner"
	"github.com/mpataki/cirun/internal/secrets"
	"github.com/mpataki/cirun/internal/storage"
	"github.com/mpataki/cirun/internal/workflow"
)

// scriptRunner stands in for real processes: each script maps to a
// function returning its exit code.
type scriptRunner struct {
	mu      sync.Mutex
	scripts map[string]func(ctx context.Context, c runner.Command) int
	ran     []string
	envs    map[string][]string
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{
		scripts: make(map[string]func(context.Context, runner.Command) int),
		envs:    make(map[string][]string),
	}
}

func (r *scriptRunner) Run(ctx context.Context, c runner.Command) (runner.Result, error) {
	r.mu.Lock()
	r.ran = append(r.ran, c.Script)
	r.envs[c.Script] = c.Env
	fn := r.scripts[c.Script]
	r.mu.Unlock()

	if c.OnStart != nil {
		c.OnStart(os.Getpid() + 100000)
	}
	code := 0
	if fn != nil {
		code = fn(ctx, c)
	}
	if ctx.Err() != nil {
		return runner.Result{ExitCode: -1}, ctx.Err()
	}
	return runner.Result{ExitCode: code}, nil
}

func (r *scriptRunner) scriptsRun() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func setup(t *testing.T, r runner.Runner, store secrets.MapStore) (*Orchestrator, *storage.Storage) {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "cirun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	o := New(db, t.TempDir(), Options{
		Runner:       r,
		Secrets:      store,
		Environ:      []string{"PATH=/usr/bin:/bin", "HOME=/tmp", "SONAR_TOKEN=leaked", "CIRUN_SECRET_X=hidden"},
		SecretPrefix: "CIRUN_SECRET_",
		SecretNames:  []string{"GITHUB_TOKEN", "SONAR_TOKEN", "CODECOV_TOKEN"},
	})
	return o, db
}

func parse(t *testing.T, src string) *models.Workflow {
	t.Helper()
	wf, err := workflow.ParseBytes([]byte(src))
	require.NoError(t, err)
	return wf
}

var push = models.Event{Kind: models.EventPush, Branch: "main"}

const basic = `
name: basic
on:
  push:
    branches: [main]
env:
  CARGO_TERM_COLOR: always
steps:
  - name: Install toolchain
    kind: tool-install
    run: install
    path: [/opt/toolchain/bin]
  - name: Lint
    run: lint
  - name: Test
    run: test
  - name: Collect
    run: collect
    if: always()
`

func stepStatuses(t *testing.T, db *storage.Storage, runID int64) map[string]models.StepStatus {
	t.Helper()
	steps, err := db.GetStepExecutionsForRun(runID)
	require.NoError(t, err)
	out := make(map[string]models.StepStatus)
	for _, s := range steps {
		out[s.StepName] = s.Status
	}
	return out
}

func TestStartRunRejectsUnmatchedEvent(t *testing.T) {
	o, db := setup(t, newScriptRunner(), nil)

	_, err := o.StartRun(parse(t, basic), "", models.Event{Kind: models.EventPush, Branch: "feature"}, "")
	assert.ErrorIs(t, err, ErrNotTriggered)

	runs, err := db.ListRuns(10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStartRunRejectsInvalidWorkflow(t *testing.T) {
	o, _ := setup(t, newScriptRunner(), nil)

	_, err := o.StartRun(&models.Workflow{Name: "empty"}, "", push, "")
	var ce *errs.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestExecuteSuccess(t *testing.T) {
	r := newScriptRunner()
	r.scripts["lint"] = func(_ context.Context, c runner.Command) int {
		io.WriteString(c.Output, "no warnings\n")
		return 0
	}
	o, db := setup(t, r, nil)
	wf := parse(t, basic)

	run, err := o.StartRun(wf, "", push, "")
	require.NoError(t, err)
	assert.Equal(t, "basic-refs/heads/main", run.GroupKey)

	status, err := o.Execute(context.Background(), run, wf)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, status)
	assert.Equal(t, []string{"install", "lint", "test", "collect"}, r.scriptsRun())

	stored, err := db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Empty(t, stored.Error)

	env := r.envs["lint"]
	assert.Contains(t, env, "CI=true")
	assert.Contains(t, env, "CARGO_TERM_COLOR=always")
	assert.Contains(t, env, "PATH=/opt/toolchain/bin:/usr/bin:/bin")
	assert.NotContains(t, env, "SONAR_TOKEN=leaked")
	assert.NotContains(t, env, "CIRUN_SECRET_X=hidden")

	steps, err := o.GetStepsForRun(run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, "Lint", steps[1].StepName)
	log, err := o.StepLog(steps[1])
	require.NoError(t, err)
	assert.Equal(t, "no warnings\n", log)
}

func TestExecuteFailureSkipsLaterSteps(t *testing.T) {
	r := newScriptRunner()
	r.scripts["lint"] = func(context.Context, runner.Command) int { return 101 }
	o, db := setup(t, r, nil)
	wf := parse(t, basic)

	run, err := o.StartRun(wf, "", push, "")
	require.NoError(t, err)

	status, err := o.Execute(context.Background(), run, wf)
	assert.Equal(t, models.RunStatusFailure, status)
	var se *errs.StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 101, se.ExitCode)

	assert.Equal(t, []string{"install", "lint", "collect"}, r.scriptsRun())
	assert.Equal(t, map[string]models.StepStatus{
		"Install toolchain": models.StepStatusSuccess,
		"Lint":              models.StepStatusFailure,
		"Test":              models.StepStatusSkipped,
		"Collect":           models.StepStatusSuccess,
	}, stepStatuses(t, db, run.ID))

	stored, err := db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailure, stored.Status)
	assert.Contains(t, stored.Error, "Lint")
}

func TestExecuteProvisioningFailureAbortsRun(t *testing.T) {
	r := newScriptRunner()
	r.scripts["install"] = func(context.Context, runner.Command) int { return 1 }
	o, db := setup(t, r, nil)
	wf := parse(t, basic)

	run, err := o.StartRun(wf, "", push, "")
	require.NoError(t, err)

	status, err := o.Execute(context.Background(), run, wf)
	assert.Equal(t, models.RunStatusFailure, status)
	var pe *errs.ProvisioningError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Install toolchain", pe.Step)

	assert.Equal(t, []string{"install"}, r.scriptsRun(), "nothing runs after a failed install, not even always()")
	statuses := stepStatuses(t, db, run.ID)
	assert.Equal(t, models.StepStatusSkipped, statuses["Collect"])
	assert.Equal(t, models.StepStatusSkipped, statuses["Lint"])
}

func TestExecuteMissingCredential(t *testing.T) {
	r := newScriptRunner()
	o, _ := setup(t, r, nil)
	wf := parse(t, `
name: scan
on: {push: {branches: [main]}}
steps:
  - name: Scan
    run: scan
    secrets: [SONAR_TOKEN]
`)

	run, err := o.StartRun(wf, "", push, "")
	require.NoError(t, err)

	status, err := o.Execute(context.Background(), run, wf)
	assert.Equal(t, models.RunStatusFailure, status)
	var ce *errs.ConfigurationError
	assert.ErrorAs(t, err, &ce)
	assert.Empty(t, r.scriptsRun())
}

func TestSupersedingPushCancelsEarlierRun(t *testing.T) {
	r := newScriptRunner()
	started := make(chan struct{})
	r.scripts["slow"] = func(ctx context.Context, _ runner.Command) int {
		close(started)
		<-ctx.Done()
		return -1
	}
	o, db := setup(t, r, nil)

	first := parse(t, `
name: ci
on: {push: {branches: [main]}}
steps:
  - name: Build
    run: slow
`)
	second := parse(t, `
name: ci
on: {push: {branches: [main]}}
steps:
  - name: Build
    run: check
`)

	runA, err := o.StartRun(first, "", push, "")
	require.NoError(t, err)
	runB, err := o.StartRun(second, "", push, "")
	require.NoError(t, err)
	require.Equal(t, runA.GroupKey, runB.GroupKey)

	var aStatusAtB models.RunStatus
	r.scripts["check"] = func(context.Context, runner.Command) int {
		aStatusAtB, _ = db.GetRunStatus(runA.ID)
		return 0
	}

	type outcome struct {
		status models.RunStatus
		err    error
	}
	doneA := make(chan outcome, 1)
	go func() {
		s, err := o.Execute(context.Background(), runA, first)
		doneA <- outcome{s, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started")
	}

	statusB, err := o.Execute(context.Background(), runB, second)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, statusB)

	a := <-doneA
	assert.Equal(t, models.RunStatusCanceled, a.status)
	assert.ErrorIs(t, a.err, errs.ErrCanceled)
	assert.Equal(t, models.RunStatusCanceled, aStatusAtB, "earlier run is canceled before the later one's first step")
	assert.Equal(t, models.StepStatusCanceled, stepStatuses(t, db, runA.ID)["Build"])
}

func TestOlderRunReachingGateLateIsCanceled(t *testing.T) {
	for _, cancelInProgress := range []bool{true, false} {
		t.Run(fmt.Sprintf("cancel_in_progress=%v", cancelInProgress), func(t *testing.T) {
			r := newScriptRunner()
			started := make(chan struct{})
			proceed := make(chan struct{})
			r.scripts["build"] = func(context.Context, runner.Command) int {
				close(started)
				<-proceed
				return 0
			}
			o, db := setup(t, r, nil)

			wf := parse(t, fmt.Sprintf(`
name: ci
on: {push: {branches: [main]}}
concurrency: {cancel_in_progress: %v}
steps:
  - name: Build
    run: build
`, cancelInProgress))

			older, err := o.StartRun(wf, "", push, "")
			require.NoError(t, err)
			newer, err := o.StartRun(wf, "", push, "")
			require.NoError(t, err)

			doneNewer := make(chan models.RunStatus, 1)
			go func() {
				s, _ := o.Execute(context.Background(), newer, wf)
				doneNewer <- s
			}()
			select {
			case <-started:
			case <-time.After(5 * time.Second):
				t.Fatal("newer run never started")
			}

			status, err := o.Execute(context.Background(), older, wf)
			assert.Equal(t, models.RunStatusCanceled, status)
			assert.ErrorIs(t, err, errs.ErrCanceled)

			close(proceed)
			select {
			case s := <-doneNewer:
				assert.Equal(t, models.RunStatusSuccess, s)
			case <-time.After(5 * time.Second):
				t.Fatal("newer run never finished")
			}

			assert.Equal(t, []string{"build"}, r.scriptsRun())
			stored, err := db.GetRunStatus(older.ID)
			require.NoError(t, err)
			assert.Equal(t, models.RunStatusCanceled, stored)
			stored, err = db.GetRunStatus(newer.ID)
			require.NoError(t, err)
			assert.Equal(t, models.RunStatusSuccess, stored)
		})
	}
}

func TestCancelFromAnotherProcessDuringReport(t *testing.T) {
	var (
		other *Orchestrator
		runID int64
		cerr  error
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		cerr = other.CancelRun(runID)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newScriptRunner()
	r.scripts["coverage"] = func(_ context.Context, c runner.Command) int {
		os.WriteFile(filepath.Join(c.Dir, "lcov.info"), []byte("SF:a.rs\nend_of_record\n"), 0644)
		return 0
	}
	o, db := setup(t, r, secrets.MapStore{"CODECOV_TOKEN": "cov-tok"})
	o.opts.Reporter = report.New(o.opts.Secrets, srv.Client())
	other = New(db, t.TempDir(), Options{Runner: r, Environ: []string{}})

	wf := parse(t, fmt.Sprintf(`
name: cov
on: {push: {branches: [main]}}
steps:
  - name: Coverage
    run: coverage
report:
  coverage:
    endpoint: %s/upload
    file: lcov.info
    token: CODECOV_TOKEN
`, srv.URL))

	run, err := o.StartRun(wf, "", push, "")
	require.NoError(t, err)
	runID = run.ID

	status, err := o.Execute(context.Background(), run, wf)
	require.NoError(t, cerr)
	assert.Equal(t, models.RunStatusCanceled, status)
	assert.ErrorIs(t, err, errs.ErrCanceled)

	stored, err := db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, stored.Status)
}

func TestStoreCancelBetweenStepsEndsCanceled(t *testing.T) {
	r := newScriptRunner()
	o, db := setup(t, r, nil)

	wf := parse(t, `
name: ci
on: {push: {branches: [main]}}
steps:
  - name: Lint
    run: lint
  - name: Test
    run: test
`)
	run, err := o.StartRun(wf, "", push, "")
	require.NoError(t, err)

	r.scripts["lint"] = func(context.Context, runner.Command) int {
		changed, err := db.CancelRunIfActive(run.ID, "run canceled")
		assert.NoError(t, err)
		assert.True(t, changed)
		return 0
	}

	status, _ := o.Execute(context.Background(), run, wf)
	assert.Equal(t, models.RunStatusCanceled, status)
	assert.Equal(t, []string{"lint"}, r.scriptsRun())

	stored, err := db.GetRunStatus(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, stored)
}

func TestCancelRunThroughStore(t *testing.T) {
	r := newScriptRunner()
	o, db := setup(t, r, nil)
	wf := parse(t, basic)

	run, err := o.StartRun(wf, "", push, "")
	require.NoError(t, err)

	require.NoError(t, o.CancelRun(run.ID))
	assert.Error(t, o.CancelRun(run.ID), "already canceled")

	status, err := o.Execute(context.Background(), run, wf)
	assert.Equal(t, models.RunStatusCanceled, status)
	assert.ErrorIs(t, err, errs.ErrCanceled)
	assert.Empty(t, r.scriptsRun())

	stored, err := db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, stored.Status)
}

func TestCoverageTransportFailureFailsRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := newScriptRunner()
	r.scripts["coverage"] = func(_ context.Context, c runner.Command) int {
		lcov := "SF:src/lib.rs\nDA:1,1\nend_of_record\n"
		if err := os.WriteFile(filepath.Join(c.Dir, "lcov.info"), []byte(lcov), 0644); err != nil {
			return 1
		}
		return 0
	}
	o, db := setup(t, r, secrets.MapStore{"CODECOV_TOKEN": "cov-tok"})
	o.opts.Reporter = report.New(o.opts.Secrets, srv.Client())

	wf := parse(t, fmt.Sprintf(`
name: cov
on: {push: {branches: [main]}}
steps:
  - name: Coverage
    run: coverage
    outputs: [lcov.info]
report:
  coverage:
    endpoint: %s/upload
    file: lcov.info
    token: CODECOV_TOKEN
    fail_ci_if_error: true
`, srv.URL))

	run, err := o.StartRun(wf, "", push, "")
	require.NoError(t, err)

	status, err := o.Execute(context.Background(), run, wf)
	assert.Equal(t, models.RunStatusFailure, status)
	var re *errs.ReportingError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.Fatal)

	artifacts, err := db.GetArtifactsForRun(run.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.False(t, artifacts[0].Uploaded)
}

func TestCoverageUploadRecordsArtifact(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newScriptRunner()
	r.scripts["coverage"] = func(_ context.Context, c runner.Command) int {
		os.WriteFile(filepath.Join(c.Dir, "lcov.info"), []byte("SF:a.rs\nend_of_record\n"), 0644)
		return 0
	}
	o, db := setup(t, r, secrets.MapStore{"CODECOV_TOKEN": "cov-tok"})
	o.opts.Reporter = report.New(o.opts.Secrets, srv.Client())

	wf := parse(t, fmt.Sprintf(`
name: cov
on: {push: {branches: [main]}}
steps:
  - name: Coverage
    run: coverage
report:
  coverage:
    endpoint: %s/upload
    file: lcov.info
    token: CODECOV_TOKEN
`, srv.URL))

	run, err := o.StartRun(wf, "", push, "")
	require.NoError(t, err)
	status, err := o.Execute(context.Background(), run, wf)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, status)
	assert.Equal(t, "token cov-tok", auth)

	artifacts, err := db.GetArtifactsForRun(run.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "lcov.info", artifacts[0].Path)
	assert.True(t, artifacts[0].Uploaded)
}

func TestReportSkippedAfterFailure(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	defer srv.Close()

	r := newScriptRunner()
	r.scripts["test"] = func(context.Context, runner.Command) int { return 1 }
	o, _ := setup(t, r, secrets.MapStore{"CODECOV_TOKEN": "cov-tok"})
	o.opts.Reporter = report.New(o.opts.Secrets, srv.Client())

	wf := parse(t, fmt.Sprintf(`
name: cov
on: {push: {branches: [main]}}
steps:
  - name: Test
    run: test
report:
  coverage:
    endpoint: %s/upload
    file: lcov.info
    token: CODECOV_TOKEN
`, srv.URL))

	run, err := o.StartRun(wf, "", push, "")
	require.NoError(t, err)
	status, _ := o.Execute(context.Background(), run, wf)
	assert.Equal(t, models.RunStatusFailure, status)
	assert.False(t, called)
}

func TestDeleteRun(t *testing.T) {
	o, db := setup(t, newScriptRunner(), nil)
	wf := parse(t, basic)

	run, err := o.StartRun(wf, "", push, "")
	require.NoError(t, err)
	assert.Error(t, o.DeleteRun(run.ID), "pending runs are not deleted")

	_, err = o.Execute(context.Background(), run, wf)
	require.NoError(t, err)
	require.DirExists(t, run.WorkspacePath)

	require.NoError(t, o.DeleteRun(run.ID))
	assert.NoDirExists(t, run.WorkspacePath)
	_, err = db.GetRun(run.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestStartRunMetadataFailureFinishesRun(t *testing.T) {
	o, db := setup(t, newScriptRunner(), nil)
	// the first run gets id 1; a directory where its run.json goes makes
	// the metadata write fail
	require.NoError(t, os.MkdirAll(filepath.Join(o.workspaceDir, "run-1", "run.json"), 0755))

	_, err := o.StartRun(parse(t, basic), "", push, "")
	require.Error(t, err)

	runs, err := db.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailure, runs[0].Status)
	assert.NotNil(t, runs[0].CompletedAt)
	assert.NoError(t, o.DeleteRun(runs[0].ID))
}
