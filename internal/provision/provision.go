// Package provision installs the toolchain a run needs before any of its
// ordinary steps execute.
package provision

import (
	"context"

	"github.com/mpataki/cirun/internal/ctxlog"
	"github.com/mpataki/cirun/internal/errs"
	"github.com/mpataki/cirun/internal/executor"
	"github.com/mpataki/cirun/internal/models"
)

type Provisioner struct {
	exec *executor.Executor
}

func New(exec *executor.Executor) *Provisioner {
	return &Provisioner{exec: exec}
}

// Provision runs the tool-install steps in order. The first failure
// aborts provisioning with a ProvisioningError; nothing is retried.
// Installs may extend the shared environment (PATH entries, exported
// variables) for every step after them.
func (p *Provisioner) Provision(ctx context.Context, steps []*models.Step, st *executor.State) error {
	log := ctxlog.FromContext(ctx)

	for _, step := range steps {
		if step.Kind != models.StepKindToolInstall {
			return errs.Configf("step %q is not a tool-install step", step.Name)
		}
		if ctx.Err() != nil {
			st.Cancel()
			return errs.ErrCanceled
		}

		res := p.exec.Step(ctx, step, st)
		switch res.Status {
		case models.StepStatusCanceled:
			return errs.ErrCanceled
		case models.StepStatusFailure:
			return &errs.ProvisioningError{Step: step.Name, Err: res.Err}
		case models.StepStatusSkipped:
			log.WithField("step", step.Name).Debug("install skipped by condition")
		}
	}
	return nil
}
