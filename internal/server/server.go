// Package server accepts trigger events over HTTP and runs the workflows
// they admit in the background.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/cirun/internal/ctxlog"
	"github.com/mpataki/cirun/internal/errs"
	"github.com/mpataki/cirun/internal/models"
	"github.com/mpataki/cirun/internal/orchestrator"
	"github.com/mpataki/cirun/internal/storage"
)

// Resolver finds a workflow by name, returning the file it came from.
type Resolver func(name string) (*models.Workflow, string, error)

type Options struct {
	Resolve         Resolver
	DefaultWorkflow string
	// SourceRepo is checked out into every run's workspace.
	SourceRepo string
	Logger     *logrus.Entry
}

type Server struct {
	orch *orchestrator.Orchestrator
	opts Options
	echo *echo.Echo

	runs      errgroup.Group
	runCtx    context.Context
	cancelAll context.CancelFunc
	closeOnce sync.Once
}

func New(orch *orchestrator.Orchestrator, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = ctxlog.Discard()
	}
	if opts.DefaultWorkflow == "" {
		opts.DefaultWorkflow = "default"
	}

	s := &Server{orch: orch, opts: opts}
	s.runCtx, s.cancelAll = context.WithCancel(ctxlog.WithLogger(context.Background(), opts.Logger))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			entry := opts.Logger.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency,
				"request_id": v.RequestID,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
			} else {
				entry.Debug("request")
			}
			return nil
		},
	}))

	e.GET("/healthz", s.health)
	e.POST("/events", s.postEvent)
	e.GET("/runs", s.listRuns)
	e.GET("/runs/:id", s.getRun)
	e.POST("/runs/:id/cancel", s.cancelRun)

	s.echo = e
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Serve listens on addr until ctx is done, then stops accepting events,
// cancels the runs still executing and waits for them to record their
// outcome.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.opts.Logger.WithField("addr", addr).Info("listening for events")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		return err
	})

	err := g.Wait()
	if werr := s.Wait(); err == nil {
		err = werr
	}
	return err
}

// Close cancels every run dispatched by the server.
func (s *Server) Close() {
	s.closeOnce.Do(s.cancelAll)
}

// Wait blocks until every dispatched run has finished.
func (s *Server) Wait() error {
	return s.runs.Wait()
}

type eventRequest struct {
	Kind     models.EventKind `json:"kind"`
	Branch   string           `json:"branch"`
	Ref      string           `json:"ref"`
	Action   string           `json:"action"`
	Revision string           `json:"revision"`
}

type eventResponse struct {
	Triggered bool     `json:"triggered"`
	Reason    string   `json:"reason,omitempty"`
	Run       *runView `json:"run,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// postEvent starts a run of the workflow named by the `workflow` query
// parameter when the event triggers it.
// (POST /events)
func (s *Server) postEvent(c echo.Context) error {
	var req eventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event: "+err.Error())
	}
	switch req.Kind {
	case models.EventPush, models.EventPullRequest, models.EventManual:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown event kind %q", req.Kind))
	}

	name := c.QueryParam("workflow")
	if name == "" {
		name = s.opts.DefaultWorkflow
	}
	wf, path, err := s.opts.Resolve(name)
	if err != nil {
		var ce *errs.ConfigurationError
		if errors.As(err, &ce) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	ev := models.Event{
		Kind:     req.Kind,
		Branch:   req.Branch,
		Ref:      req.Ref,
		Action:   req.Action,
		Revision: req.Revision,
	}
	run, err := s.orch.StartRun(wf, path, ev, s.opts.SourceRepo)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotTriggered) {
			return c.JSON(http.StatusOK, eventResponse{Reason: err.Error()})
		}
		var ce *errs.ConfigurationError
		if errors.As(err, &ce) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	s.runs.Go(func() error {
		s.orch.Execute(s.runCtx, run, wf)
		return nil
	})

	return c.JSON(http.StatusAccepted, eventResponse{Triggered: true, Run: newRunView(run)})
}

// (GET /runs)
func (s *Server) listRuns(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	runs, err := s.orch.ListRuns(limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	views := make([]*runView, 0, len(runs))
	for _, r := range runs {
		views = append(views, newRunView(r))
	}
	return c.JSON(http.StatusOK, views)
}

// (GET /runs/:id)
func (s *Server) getRun(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	run, err := s.orch.GetRun(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	steps, err := s.orch.GetStepsForRun(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	artifacts, err := s.orch.GetArtifactsForRun(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	view := newRunView(run)
	for _, st := range steps {
		view.Steps = append(view.Steps, newStepView(st))
	}
	for _, a := range artifacts {
		view.Artifacts = append(view.Artifacts, artifactView{Name: a.Name, Path: a.Path, Producer: a.Producer, Uploaded: a.Uploaded})
	}
	return c.JSON(http.StatusOK, view)
}

// (POST /runs/:id/cancel)
func (s *Server) cancelRun(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	if _, err := s.orch.GetRun(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := s.orch.CancelRun(id); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func runID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	return id, nil
}
