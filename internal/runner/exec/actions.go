package exec

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/strandci/strand/internal/workflow"
)

// Built-in action names. Versions are pinned so a workflow keeps meaning the
// same thing as the builtins evolve.
const (
	actionCheckout       = "checkout"
	actionSetupRuntime   = "setup-runtime"
	actionCoverageUpload = "coverage-upload"
)

var supportedActionVersions = map[string]string{
	actionCheckout:       "v2",
	actionSetupRuntime:   "v1",
	actionCoverageUpload: "v1",
}

// resolveAction validates a step's `uses` reference against the builtins.
func resolveAction(step workflow.Step) (workflow.ActionRef, error) {
	ref, err := workflow.ParseActionRef(step.Uses)
	if err != nil {
		return workflow.ActionRef{}, err
	}
	want, ok := supportedActionVersions[ref.Name]
	if !ok {
		return workflow.ActionRef{}, fmt.Errorf("unknown action %q", ref.Name)
	}
	if ref.Version != want {
		return workflow.ActionRef{}, fmt.Errorf("action %s supports only %s@%s", ref.Name, ref.Name, want)
	}
	return ref, nil
}

// runtimeImage maps a job runtime declaration to a container image.
func runtimeImage(rt workflow.Runtime) (string, error) {
	arch := strings.ToLower(strings.TrimSpace(rt.Arch))
	switch arch {
	case "", "x64", "amd64":
	default:
		return "", fmt.Errorf("unsupported runtime arch %q", rt.Arch)
	}
	version := strings.TrimSpace(rt.Version)
	language := strings.ToLower(strings.TrimSpace(rt.Language))
	switch language {
	case "python":
		if version == "" {
			version = "3"
		}
		return "python:" + version, nil
	case "node", "nodejs":
		if version == "" {
			version = "lts"
		}
		return "node:" + version, nil
	case "go", "golang":
		if version == "" {
			version = "latest"
		}
		return "golang:" + version, nil
	case "ruby":
		if version == "" {
			version = "latest"
		}
		return "ruby:" + version, nil
	case "":
		return "", fmt.Errorf("job runtime language is required")
	default:
		return "", fmt.Errorf("unsupported runtime language %q", rt.Language)
	}
}

// runtimeFromStep overlays `with` parameters of a setup-runtime step onto
// the job-level runtime declaration.
func runtimeFromStep(base workflow.Runtime, with map[string]string) workflow.Runtime {
	rt := base
	if v, ok := with["language"]; ok && strings.TrimSpace(v) != "" {
		rt.Language = v
	}
	if v, ok := with["version"]; ok && strings.TrimSpace(v) != "" {
		rt.Version = v
	}
	if v, ok := with["arch"]; ok && strings.TrimSpace(v) != "" {
		rt.Arch = v
	}
	return rt
}

// coverageFiles resolves the report paths a coverage-upload step refers to.
// Paths are confined to the workspace directory.
func coverageFiles(workdir string, with map[string]string) ([]string, error) {
	raw := strings.TrimSpace(with["files"])
	if raw == "" {
		raw = "coverage.xml"
	}
	var files []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		path := filepath.Join(workdir, name)
		rel, err := filepath.Rel(workdir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("coverage file %q escapes the workspace", name)
		}
		files = append(files, path)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("coverage-upload step lists no files")
	}
	return files, nil
}
