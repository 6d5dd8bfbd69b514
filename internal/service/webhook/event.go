package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/strandci/strand/internal/workflow"
)

// ErrUnsupportedEvent marks provider events the pipeline does not react to.
var ErrUnsupportedEvent = errors.New("unsupported webhook event")

// pushPayload is the subset of a provider push payload we consume.
type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

// pullRequestPayload is the subset of a provider pull-request payload we
// consume. The base ref is the branch the change targets, which is what the
// trigger filter matches against.
type pullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository struct {
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

// ParseEvent converts a provider webhook delivery into a workflow event.
// The event name comes from the provider's event header.
func ParseEvent(eventName string, body []byte) (workflow.Event, error) {
	switch strings.TrimSpace(eventName) {
	case "push":
		var payload pushPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return workflow.Event{}, fmt.Errorf("decode push payload: %w", err)
		}
		branch, ok := branchFromRef(payload.Ref)
		if !ok {
			return workflow.Event{}, fmt.Errorf("%w: push ref %q is not a branch", ErrUnsupportedEvent, payload.Ref)
		}
		return workflow.Event{
			Kind:      workflow.EventPush,
			Branch:    branch,
			CommitSHA: payload.After,
			RepoURL:   payload.Repository.CloneURL,
		}, nil
	case "pull_request":
		var payload pullRequestPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return workflow.Event{}, fmt.Errorf("decode pull_request payload: %w", err)
		}
		switch payload.Action {
		case "opened", "synchronize", "reopened":
		default:
			return workflow.Event{}, fmt.Errorf("%w: pull_request action %q", ErrUnsupportedEvent, payload.Action)
		}
		return workflow.Event{
			Kind:      workflow.EventPullRequest,
			Branch:    payload.PullRequest.Base.Ref,
			CommitSHA: payload.PullRequest.Head.SHA,
			RepoURL:   payload.Repository.CloneURL,
		}, nil
	default:
		return workflow.Event{}, fmt.Errorf("%w: %q", ErrUnsupportedEvent, eventName)
	}
}

func branchFromRef(ref string) (string, bool) {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	branch := strings.TrimPrefix(ref, prefix)
	return branch, branch != ""
}
