package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that the document describes a runnable workflow.
func (w *Workflow) Validate() error {
	if w == nil {
		return errors.New("workflow is nil")
	}
	if strings.TrimSpace(w.Name) == "" {
		return errors.New("workflow name is required")
	}
	if len(w.Jobs) == 0 {
		return errors.New("workflow declares no jobs")
	}
	if err := validateFilter("push", w.On.Push); err != nil {
		return err
	}
	if err := validateFilter("pull_request", w.On.PullRequest); err != nil {
		return err
	}
	for name, job := range w.Jobs {
		if err := job.validate(); err != nil {
			return fmt.Errorf("job %q: %w", name, err)
		}
	}
	return nil
}

func validateFilter(section string, filter *BranchFilter) error {
	if filter == nil {
		return nil
	}
	if len(filter.Branches) == 0 {
		return fmt.Errorf("trigger %s: branch list must not be empty", section)
	}
	for _, branch := range filter.Branches {
		if strings.TrimSpace(branch) == "" {
			return fmt.Errorf("trigger %s: blank branch pattern", section)
		}
	}
	return nil
}

func (j Job) validate() error {
	if len(j.Steps) == 0 {
		return errors.New("job has no steps")
	}
	for i, step := range j.Steps {
		if err := step.validate(); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Label(i), err)
		}
	}
	return nil
}

func (s Step) validate() error {
	hasUses := strings.TrimSpace(s.Uses) != ""
	hasRun := strings.TrimSpace(s.Run) != ""
	switch {
	case hasUses && hasRun:
		return errors.New("declares both uses and run")
	case !hasUses && !hasRun:
		return errors.New("declares neither uses nor run")
	}
	if s.TimeoutSeconds < 0 {
		return errors.New("timeout-seconds must not be negative")
	}
	if cond := strings.TrimSpace(s.If); cond != "" && cond != "always()" {
		return fmt.Errorf("unsupported if condition %q", s.If)
	}
	if hasUses {
		if _, err := ParseActionRef(s.Uses); err != nil {
			return err
		}
	}
	return nil
}
