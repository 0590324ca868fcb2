// Package trigger decides whether an incoming event starts a run.
package trigger

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/mpataki/cirun/internal/models"
)

type Decision struct {
	Admit  bool
	Reason string
}

func admit(reason string) Decision  { return Decision{Admit: true, Reason: reason} }
func reject(reason string) Decision { return Decision{Reason: reason} }

// Evaluate is a pure predicate over the workflow's triggers. Events that
// match nothing are rejected, never errored.
func Evaluate(on models.Triggers, ev models.Event) Decision {
	switch ev.Kind {
	case models.EventManual:
		return admit("manual dispatch")

	case models.EventPush:
		if on.Push == nil {
			return reject("workflow has no push trigger")
		}
		branch := BranchOf(ev)
		if branch == "" {
			return reject("push event has no branch")
		}
		for _, pattern := range on.Push.Branches {
			if matchBranch(pattern, branch) {
				return admit(fmt.Sprintf("push to %s", branch))
			}
		}
		return reject(fmt.Sprintf("branch %q is not in the push allow-list", branch))

	case models.EventPullRequest:
		if on.PullRequest == nil {
			return reject("workflow has no pull_request trigger")
		}
		if slices.Contains(on.PullRequest.Types, ev.Action) {
			return admit(fmt.Sprintf("pull_request %s", ev.Action))
		}
		return reject(fmt.Sprintf("pull_request action %q is not listed", ev.Action))
	}

	return reject(fmt.Sprintf("unknown event kind %q", ev.Kind))
}

// BranchOf returns the branch an event refers to, falling back to the
// refs/heads/ form of its ref.
func BranchOf(ev models.Event) string {
	if ev.Branch != "" {
		return ev.Branch
	}
	return strings.TrimPrefix(ev.Ref, "refs/heads/")
}

// Ref returns the event's ref, deriving refs/heads/<branch> when only the
// branch is known. Manual dispatch without a branch has no ref.
func Ref(ev models.Event) string {
	if ev.Ref != "" {
		return ev.Ref
	}
	if ev.Branch != "" {
		return "refs/heads/" + ev.Branch
	}
	return ""
}

func matchBranch(pattern, branch string) bool {
	if pattern == branch {
		return true
	}
	ok, err := path.Match(pattern, branch)
	return err == nil && ok
}
