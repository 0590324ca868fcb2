// Package concurrency keeps at most one run per group executing. A newer
// run supersedes older ones whatever order they reach the gate in; runs
// are never queued behind each other beyond the one waiting for its
// predecessor to stop.
package concurrency

import (
	"context"
	"fmt"
	"sync"

	"github.com/mpataki/cirun/internal/errs"
)

// GroupKey names the concurrency group for a run: the workflow plus its
// ref, or plus the run id when there is no ref, so that ref-less runs
// never collide.
func GroupKey(workflow, ref string, runID int64) string {
	if ref == "" {
		return fmt.Sprintf("%s-%d", workflow, runID)
	}
	return workflow + "-" + ref
}

type Admission struct {
	// Superseded lists the runs this admission canceled.
	Superseded []int64
}

type entry struct {
	runID  int64
	cancel context.CancelFunc
	done   chan struct{}
}

type group struct {
	holder  *entry
	pending []*entry
}

type Gate struct {
	mu     sync.Mutex
	groups map[string]*group
}

func NewGate() *Gate {
	return &Gate{groups: make(map[string]*group)}
}

// Admit blocks until runID holds key. ctx must be the run's own context
// and cancel its cancel func: a later Admit for the same key cancels it
// through cancel, and Admit then returns errs.ErrCanceled.
//
// Runs are ordered by id: a run older than the holder or a waiting run
// is not admitted and gets errs.ErrCanceled at once.
//
// With cancelInProgress the current holder is canceled and Admit waits
// for it to Release; otherwise the holder is left to finish. Older runs
// still waiting are canceled either way.
func (g *Gate) Admit(ctx context.Context, key string, runID int64, cancel context.CancelFunc, cancelInProgress bool) (Admission, error) {
	var adm Admission

	g.mu.Lock()
	grp, ok := g.groups[key]
	if !ok {
		grp = &group{}
		g.groups[key] = grp
	}

	// A newer run already in the group supersedes this one.
	if grp.newerThan(runID) {
		g.mu.Unlock()
		return adm, errs.ErrCanceled
	}

	e := &entry{runID: runID, cancel: cancel, done: make(chan struct{})}
	for _, p := range grp.pending {
		p.cancel()
		adm.Superseded = append(adm.Superseded, p.runID)
	}
	grp.pending = []*entry{e}

	if grp.holder != nil && cancelInProgress {
		grp.holder.cancel()
		adm.Superseded = append(adm.Superseded, grp.holder.runID)
	}

	for {
		if ctx.Err() != nil {
			grp.removePending(e)
			g.dropIfIdle(key, grp)
			g.mu.Unlock()
			return adm, errs.ErrCanceled
		}
		if grp.holder == nil {
			grp.holder = e
			grp.removePending(e)
			g.mu.Unlock()
			return adm, nil
		}

		done := grp.holder.done
		g.mu.Unlock()

		select {
		case <-done:
			g.mu.Lock()
		case <-ctx.Done():
			g.mu.Lock()
			grp.removePending(e)
			g.dropIfIdle(key, grp)
			g.mu.Unlock()
			return adm, errs.ErrCanceled
		}
	}
}

// Release gives up key if runID holds it, letting the next run in.
func (g *Gate) Release(key string, runID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	grp, ok := g.groups[key]
	if !ok || grp.holder == nil || grp.holder.runID != runID {
		return
	}
	close(grp.holder.done)
	grp.holder = nil
	g.dropIfIdle(key, grp)
}

// Active returns the run currently holding key.
func (g *Gate) Active(key string) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	grp, ok := g.groups[key]
	if !ok || grp.holder == nil {
		return 0, false
	}
	return grp.holder.runID, true
}

// Cancel cancels runID wherever it is, holding or waiting. It reports
// whether the run was known to this gate.
func (g *Gate) Cancel(runID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, grp := range g.groups {
		if grp.holder != nil && grp.holder.runID == runID {
			grp.holder.cancel()
			return true
		}
		for _, p := range grp.pending {
			if p.runID == runID {
				p.cancel()
				return true
			}
		}
	}
	return false
}

func (g *Gate) dropIfIdle(key string, grp *group) {
	if grp.holder == nil && len(grp.pending) == 0 {
		delete(g.groups, key)
	}
}

func (grp *group) newerThan(runID int64) bool {
	if grp.holder != nil && grp.holder.runID > runID {
		return true
	}
	for _, p := range grp.pending {
		if p.runID > runID {
			return true
		}
	}
	return false
}

func (grp *group) removePending(e *entry) {
	for i, p := range grp.pending {
		if p == e {
			grp.pending = append(grp.pending[:i], grp.pending[i+1:]...)
			return
		}
	}
}
