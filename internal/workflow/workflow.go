package workflow

import (
	"fmt"
	"strings"
)

// Workflow is a declarative pipeline definition: a trigger plus one or more
// jobs, each an ordered list of steps.
type Workflow struct {
	Name string         `yaml:"name"`
	On   Trigger        `yaml:"on"`
	Jobs map[string]Job `yaml:"jobs"`
}

// Trigger declares which source-control events start a run.
type Trigger struct {
	Push        *BranchFilter `yaml:"push,omitempty"`
	PullRequest *BranchFilter `yaml:"pull_request,omitempty"`
}

// BranchFilter restricts a trigger to a set of branch patterns.
type BranchFilter struct {
	Branches []string `yaml:"branches"`
}

// Runtime selects the language environment a job is provisioned with.
type Runtime struct {
	Language string `yaml:"language"`
	Version  string `yaml:"version"`
	Arch     string `yaml:"arch,omitempty"`
}

// Job is an ordered sequence of steps executed on one ephemeral environment.
type Job struct {
	RunsOn  string            `yaml:"runs-on,omitempty"`
	Runtime Runtime           `yaml:"runtime,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Steps   []Step            `yaml:"steps"`
}

// Step is one unit of work: either a built-in action reference (`uses`) or
// an inline shell command (`run`), never both.
type Step struct {
	Name            string            `yaml:"name,omitempty"`
	Uses            string            `yaml:"uses,omitempty"`
	Run             string            `yaml:"run,omitempty"`
	With            map[string]string `yaml:"with,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	If              string            `yaml:"if,omitempty"`
	ContinueOnError bool              `yaml:"continue-on-error,omitempty"`
	TimeoutSeconds  int               `yaml:"timeout-seconds,omitempty"`
}

// AlwaysRun reports whether the step executes even after an earlier step
// has failed the run.
func (s Step) AlwaysRun() bool {
	return strings.TrimSpace(s.If) == "always()"
}

// Label returns a human-readable identifier for the step.
func (s Step) Label(index int) string {
	if strings.TrimSpace(s.Name) != "" {
		return s.Name
	}
	if s.Uses != "" {
		return s.Uses
	}
	return fmt.Sprintf("step %d", index+1)
}

// ActionRef is a parsed `uses` reference, e.g. "checkout@v2".
type ActionRef struct {
	Name    string
	Version string
}

// ParseActionRef splits a `uses` value into name and version tag.
func ParseActionRef(uses string) (ActionRef, error) {
	raw := strings.TrimSpace(uses)
	name, version, found := strings.Cut(raw, "@")
	if !found || name == "" || version == "" {
		return ActionRef{}, fmt.Errorf("action reference %q must have the form name@version", uses)
	}
	if !strings.HasPrefix(version, "v") {
		return ActionRef{}, fmt.Errorf("action reference %q must carry a version tag (e.g. %s@v1)", uses, name)
	}
	return ActionRef{Name: name, Version: version}, nil
}
