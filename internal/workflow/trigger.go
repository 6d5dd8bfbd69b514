package workflow

import (
	"fmt"
	"path"
	"strings"
)

// EventKind names a source-control event type.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
)

// Event is a source-control event delivered by a provider webhook.
type Event struct {
	Kind      EventKind
	Branch    string
	CommitSHA string
	RepoURL   string
}

// Decision is the outcome of evaluating a workflow trigger against an event.
type Decision struct {
	Run    bool
	Reason string
}

// Evaluate decides whether the event starts a run of the workflow. A run
// starts iff the workflow declares a trigger section for the event kind and
// the event's target branch matches one of its patterns. A negative decision
// is not an error: the event is simply skipped.
func Evaluate(w *Workflow, ev Event) Decision {
	if w == nil {
		return Decision{Reason: "no workflow"}
	}
	var filter *BranchFilter
	switch ev.Kind {
	case EventPush:
		filter = w.On.Push
	case EventPullRequest:
		filter = w.On.PullRequest
	default:
		return Decision{Reason: fmt.Sprintf("event kind %q has no trigger", ev.Kind)}
	}
	if filter == nil {
		return Decision{Reason: fmt.Sprintf("workflow has no %s trigger", ev.Kind)}
	}
	branch := strings.TrimSpace(ev.Branch)
	if branch == "" {
		return Decision{Reason: "event carries no branch"}
	}
	for _, pattern := range filter.Branches {
		if matchBranch(pattern, branch) {
			return Decision{Run: true, Reason: fmt.Sprintf("branch %s matches %s", branch, pattern)}
		}
	}
	return Decision{Reason: fmt.Sprintf("branch %s not in %s trigger list", branch, ev.Kind)}
}

// matchBranch compares a branch name against a trigger pattern. Exact names
// match literally; patterns may use shell-style globs, with "**" matching
// any branch including slashes.
func matchBranch(pattern, branch string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == branch {
		return true
	}
	if pattern == "**" {
		return true
	}
	if strings.ContainsAny(pattern, "*?[") {
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
		// "release/**" style: let the double star swallow nested segments.
		if strings.HasSuffix(pattern, "/**") {
			prefix := strings.TrimSuffix(pattern, "/**")
			return branch == prefix || strings.HasPrefix(branch, prefix+"/")
		}
	}
	return false
}
