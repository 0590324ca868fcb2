package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mpataki/cirun/internal/config"
	"github.com/mpataki/cirun/internal/ctxlog"
	"github.com/mpataki/cirun/internal/errs"
	"github.com/mpataki/cirun/internal/models"
	"github.com/mpataki/cirun/internal/orchestrator"
	"github.com/mpataki/cirun/internal/secrets"
	"github.com/mpataki/cirun/internal/server"
	"github.com/mpataki/cirun/internal/storage"
	"github.com/mpataki/cirun/internal/tui"
	"github.com/mpataki/cirun/internal/workflow"
	"github.com/mpataki/cirun/internal/workspace"
)

// Process exit codes.
const (
	exitSuccess  = 0
	exitFailure  = 1
	exitUsage    = 2
	exitCanceled = 3
)

// exitError carries a run outcome to main without printing it twice.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func main() {
	v := viper.New()
	rootCmd := newRootCommand(v)

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if !errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var ue *usageError
	var ce *errs.ConfigurationError
	if errors.As(err, &ue) || errors.As(err, &ce) {
		return exitUsage
	}
	if errors.Is(err, errs.ErrCanceled) {
		return exitCanceled
	}
	return exitFailure
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cirun",
		Short: "Local CI step-graph executor",
		Long: "cirun evaluates trigger events against workflow files and runs their steps " +
			"in order, one run per concurrency group, publishing findings and coverage at the end.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(v)
		},
	}

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text or json)")
	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	rootCmd.AddCommand(newRunCommand(v))
	rootCmd.AddCommand(newServeCommand(v))
	rootCmd.AddCommand(newStatusCommand(v))
	rootCmd.AddCommand(newListCommand(v))
	rootCmd.AddCommand(newCancelCommand(v))
	rootCmd.AddCommand(newDeleteCommand(v))
	rootCmd.AddCommand(newValidateCommand(v))
	return rootCmd
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{err}
		}
		return nil
	}
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &usageError{fmt.Errorf("invalid run ID: %w", err)}
	}
	return id, nil
}

// app is what every command needs: configuration, a logger, the run
// store and an orchestrator over it.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	store   *storage.Storage
	secrets secrets.MapStore
	orch    *orchestrator.Orchestrator
	logFile *os.File
}

func openApp(v *viper.Viper, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, &errs.ConfigurationError{Reason: "failed to load config", Err: err}
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	a := &app{cfg: cfg}
	if logOut == nil {
		// The TUI owns the terminal; log to a file instead.
		f, err := os.OpenFile(filepath.Join(cfg.DataDir, "cirun.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		a.logFile = f
		logOut = f
	}
	a.logger = ctxlog.New(cfg.Log.Level, cfg.Log.Format, logOut)

	store := secrets.FromEnviron(os.Environ(), cfg.Secrets.Prefix, cfg.Secrets.Names...)
	if cfg.Secrets.File != "" {
		fromFile, err := secrets.FromFile(cfg.Secrets.File)
		if err != nil {
			return nil, &errs.ConfigurationError{Reason: "secrets file", Err: err}
		}
		store = secrets.Merge(fromFile, store)
	}
	a.secrets = store

	a.store, err = storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a.orch = orchestrator.New(a.store, cfg.WorkspacesDir(), orchestrator.Options{
		Secrets:       store,
		SecretPrefix:  cfg.Secrets.Prefix,
		SecretNames:   cfg.Secrets.Names,
		KeepArtifacts: cfg.KeepArtifacts,
		Logger:        logrus.NewEntry(a.logger),
	})
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

func (a *app) findWorkflow(name string) (*models.Workflow, string, error) {
	wf, path, err := workflow.Find(name, a.cfg.WorkflowDirs())
	if err != nil {
		var ce *errs.ConfigurationError
		if errors.As(err, &ce) {
			return nil, "", err
		}
		return nil, "", &errs.ConfigurationError{Reason: fmt.Sprintf("workflow %q", name), Err: err}
	}
	return wf, path, nil
}

func runTUI(v *viper.Viper) error {
	a, err := openApp(v, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	workflows, err := workflow.LoadAll(a.cfg.WorkflowDirs())
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}
	if _, ok := workflows[workflow.DefaultName]; !ok {
		workflows[workflow.DefaultName] = workflow.Default()
	}

	p := tea.NewProgram(tui.NewApp(a.orch, workflows), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	var (
		event    string
		branch   string
		ref      string
		action   string
		revision string
		repoPath string
		noExec   bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Evaluate an event against a workflow and run it",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			wf, path, err := a.findWorkflow(args[0])
			if err != nil {
				return err
			}

			ev := models.Event{
				Kind:     models.EventKind(event),
				Branch:   branch,
				Ref:      ref,
				Action:   action,
				Revision: revision,
			}
			if ev.Kind == models.EventPush && ev.Branch == "" && ev.Ref == "" {
				ev.Branch = workspace.CurrentBranch(repoPath)
			}

			run, err := a.orch.StartRun(wf, path, ev, repoPath)
			if errors.Is(err, orchestrator.ErrNotTriggered) {
				fmt.Printf("Not triggered: %v\n", err)
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Printf("Created run #%d (%s)\n", run.ID, run.GroupKey)
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)

			if noExec {
				fmt.Println("Skipping execution (--no-exec)")
				return nil
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			started := time.Now()
			status, runErr := a.orch.Execute(ctx, run, wf)

			steps, err := a.orch.GetStepsForRun(run.ID)
			if err == nil {
				printSteps(steps)
			}
			fmt.Printf("Run #%d finished with status %s in %s\n", run.ID, status, time.Since(started).Round(time.Second))
			if runErr != nil && status != models.RunStatusCanceled {
				fmt.Printf("Error: %s\n", secrets.Redact(runErr.Error(), a.secrets.Values()))
			}

			if code := runExitCode(status); code != exitSuccess {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&event, "event", string(models.EventPush), "Event kind: push, pull_request or manual")
	cmd.Flags().StringVar(&branch, "branch", "", "Branch of the event (default: the repository's current branch)")
	cmd.Flags().StringVar(&ref, "ref", "", "Full ref of the event, e.g. refs/pull/42/merge")
	cmd.Flags().StringVar(&action, "action", "", "Pull request action, e.g. opened or synchronize")
	cmd.Flags().StringVar(&revision, "revision", "", "Commit to check out (default: HEAD)")
	cmd.Flags().StringVarP(&repoPath, "repo", "r", ".", "Source git repository for the run's worktree")
	cmd.Flags().BoolVar(&noExec, "no-exec", false, "Create the run but don't execute it")
	return cmd
}

// runExitCode maps the outcome of an executed run. A run that exists has
// an outcome, so configuration problems found while it ran count as a
// failure.
func runExitCode(status models.RunStatus) int {
	switch status {
	case models.RunStatusSuccess:
		return exitSuccess
	case models.RunStatusCanceled:
		return exitCanceled
	}
	return exitFailure
}

func printSteps(steps []*models.StepExecution) {
	for _, step := range steps {
		line := fmt.Sprintf("  %2d. %-32s %-8s", step.SequenceNum, step.StepName, step.Status)
		if step.ExitCode != nil && *step.ExitCode != 0 {
			line += fmt.Sprintf(" exit %d", *step.ExitCode)
		}
		if step.StartedAt != nil && step.CompletedAt != nil {
			line += fmt.Sprintf(" (%s)", step.CompletedAt.Sub(*step.StartedAt).Round(time.Millisecond))
		}
		fmt.Println(line)
	}
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	var (
		addr     string
		repoPath string
		name     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept trigger events over HTTP",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.Serve.Addr
			}
			absRepo, err := filepath.Abs(repoPath)
			if err != nil {
				return err
			}

			srv := server.New(a.orch, server.Options{
				Resolve:         a.findWorkflow,
				DefaultWorkflow: name,
				SourceRepo:      absRepo,
				Logger:          logrus.NewEntry(a.logger),
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: serve.addr from config)")
	cmd.Flags().StringVarP(&repoPath, "repo", "r", ".", "Source git repository for run worktrees")
	cmd.Flags().StringVar(&name, "workflow", workflow.DefaultName, "Workflow used when an event names none")
	return cmd
}

func newStatusCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(v, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.orch.GetRun(runID)
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			fmt.Printf("Run #%d: %s\n", run.ID, run.WorkflowName)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Event: %s", run.EventKind)
			if run.Ref != "" {
				fmt.Printf(" %s", run.Ref)
			}
			if run.Action != "" {
				fmt.Printf(" (%s)", run.Action)
			}
			fmt.Println()
			if run.Revision != "" {
				fmt.Printf("Revision: %s\n", run.Revision)
			}
			fmt.Printf("Group: %s\n", run.GroupKey)
			fmt.Printf("Created: %s\n", humanize.Time(run.CreatedAt))
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)
			if run.CurrentStep != "" && !run.Status.Terminal() {
				fmt.Printf("Current Step: %s\n", run.CurrentStep)
			}
			if run.Error != "" {
				fmt.Printf("Error: %s\n", run.Error)
			}

			steps, err := a.orch.GetStepsForRun(runID)
			if err != nil {
				return err
			}
			if len(steps) > 0 {
				fmt.Println("\nSteps:")
				printSteps(steps)
			}

			artifacts, err := a.orch.GetArtifactsForRun(runID)
			if err != nil {
				return err
			}
			if len(artifacts) > 0 {
				fmt.Println("\nArtifacts:")
				for _, art := range artifacts {
					uploaded := ""
					if art.Uploaded {
						uploaded = " (uploaded)"
					}
					fmt.Printf("  %s%s\n", art.Path, uploaded)
				}
			}

			return nil
		},
	}
}

func newListCommand(v *viper.Viper) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.orch.ListRuns(limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("#%-4d %-16s %-9s %-8s %-24s %s\n",
					run.ID, run.WorkflowName, run.Status, run.EventKind,
					truncate(run.Ref, 24), humanize.Time(run.CreatedAt))
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	return cmd
}

func newCancelCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "cancel <run-id>",
		Aliases: []string{"kill"},
		Short:   "Cancel a pending or running run",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(v, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.orch.CancelRun(runID); err != nil {
				return fmt.Errorf("failed to cancel run: %w", err)
			}

			fmt.Printf("Canceled run #%d\n", runID)
			return nil
		},
	}
}

func newDeleteCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a finished run and its workspace",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(v, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.orch.DeleteRun(runID); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}

			fmt.Printf("Deleted run #%d\n", runID)
			return nil
		},
	}
}

func newValidateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow>",
		Short: "Check a workflow file without running it",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			wf, path, err := a.findWorkflow(args[0])
			if err != nil {
				return err
			}
			if path == "" {
				path = "(built-in)"
			}
			if err := workflow.Validate(wf); err != nil {
				fmt.Printf("%s: invalid\n", path)
				return err
			}

			installs, rest := workflow.Installs(wf.Steps)
			fmt.Printf("%s: workflow %q is valid (%d installs, %d steps)\n", path, wf.Name, len(installs), len(rest))
			for _, name := range workflow.Credentials(wf) {
				state := "set"
				if _, ok := a.secrets.Lookup(name); !ok {
					state = "missing"
				}
				fmt.Printf("  credential %-16s %s\n", name, state)
			}
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
