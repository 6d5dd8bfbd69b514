package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/strandci/strand/internal/workflow"
	apiclient "github.com/strandci/strand/pkg/api/client"
	"golang.org/x/term"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "project":
		err = commandProject(args)
	case "workflow":
		err = commandWorkflow(args)
	case "run":
		err = commandRun(args)
	case "logs":
		err = commandLogs(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}

	secret := strings.TrimSpace(*password)
	if secret == "" {
		fmt.Print("Password: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(bytes)
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := client.Login(ctx, *email, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.AccessToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: strand project [list|create|show]")
	}
	sub := args[0]
	switch sub {
	case "list":
		return projectList(args[1:])
	case "create":
		return projectCreate(args[1:])
	case "show":
		return projectShow(args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", sub)
	}
}

func projectList(args []string) error {
	fs := flag.NewFlagSet("project list", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Maximum number of projects to display")
	fs.Parse(args)

	cfg, token, err := requireSession()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	projects, err := client.ListProjects(ctx, token)
	if err != nil {
		return err
	}
	count := len(projects)
	if *limit > 0 && *limit < count {
		count = *limit
	}
	for i := 0; i < count; i++ {
		p := projects[i]
		fmt.Printf("%s\t%s\t%s\n", p.ID, p.Name, p.RepoURL)
	}
	return nil
}

func projectCreate(args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	repo := fs.String("repo", "", "Repository clone URL")
	workflowPath := fs.String("workflow-path", "", "Workflow file path inside the repository")
	workflowFile := fs.String("workflow", "", "Local workflow file to upload")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if strings.TrimSpace(*repo) == "" {
		return errors.New("--repo is required")
	}

	input := apiclient.CreateProjectInput{
		Name:         *name,
		RepoURL:      *repo,
		WorkflowPath: *workflowPath,
	}
	if strings.TrimSpace(*workflowFile) != "" {
		doc, err := readWorkflowFile(*workflowFile)
		if err != nil {
			return err
		}
		input.Workflow = string(doc)
	}

	cfg, token, err := requireSession()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	project, err := client.CreateProject(ctx, token, input)
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s)\n", project.ID, project.Name)
	return nil
}

func projectShow(args []string) error {
	fs := flag.NewFlagSet("project show", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	cfg, token, err := requireSession()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	project, err := client.GetProject(ctx, token, *projectID)
	if err != nil {
		return err
	}
	fmt.Printf("id:\t%s\nname:\t%s\nrepo:\t%s\npath:\t%s\nworkflow:\t%v\n",
		project.ID, project.Name, project.RepoURL, project.WorkflowPath, project.HasWorkflow)
	return nil
}

func commandWorkflow(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: strand workflow [validate|push]")
	}
	sub := args[0]
	switch sub {
	case "validate":
		return workflowValidate(args[1:])
	case "push":
		return workflowPush(args[1:])
	default:
		return fmt.Errorf("unknown workflow command: %s", sub)
	}
}

func workflowValidate(args []string) error {
	fs := flag.NewFlagSet("workflow validate", flag.ExitOnError)
	file := fs.String("file", ".strand/workflow.yml", "Workflow file to validate")
	branch := fs.String("branch", "", "Dry-run the trigger against this branch")
	event := fs.String("event", "push", "Event kind for the dry-run (push|pull_request)")
	fs.Parse(args)

	doc, err := readWorkflowFile(*file)
	if err != nil {
		return err
	}
	wf, err := workflow.Parse(doc)
	if err != nil {
		return err
	}
	if err := wf.Validate(); err != nil {
		return err
	}
	jobs := 0
	steps := 0
	for _, job := range wf.Jobs {
		jobs++
		steps += len(job.Steps)
	}
	fmt.Printf("workflow %q is valid (%d job(s), %d step(s))\n", wf.Name, jobs, steps)

	if strings.TrimSpace(*branch) != "" {
		kind := workflow.EventKind(strings.TrimSpace(*event))
		if kind != workflow.EventPush && kind != workflow.EventPullRequest {
			return fmt.Errorf("unsupported event kind %q", *event)
		}
		decision := workflow.Evaluate(wf, workflow.Event{Kind: kind, Branch: *branch})
		if decision.Run {
			fmt.Printf("%s to %s would trigger a run\n", kind, *branch)
		} else {
			fmt.Printf("%s to %s would be skipped: %s\n", kind, *branch, decision.Reason)
		}
	}
	return nil
}

func workflowPush(args []string) error {
	fs := flag.NewFlagSet("workflow push", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	file := fs.String("file", ".strand/workflow.yml", "Workflow file to upload")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	doc, err := readWorkflowFile(*file)
	if err != nil {
		return err
	}
	wf, err := workflow.Parse(doc)
	if err != nil {
		return err
	}
	if err := wf.Validate(); err != nil {
		return err
	}

	cfg, token, err := requireSession()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.UpdateWorkflow(ctx, token, *projectID, doc); err != nil {
		return err
	}
	fmt.Printf("workflow %q uploaded\n", wf.Name)
	return nil
}

func commandRun(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: strand run [trigger|list|show|cancel]")
	}
	sub := args[0]
	switch sub {
	case "trigger":
		return runTrigger(args[1:])
	case "list":
		return runList(args[1:])
	case "show":
		return runShow(args[1:])
	case "cancel":
		return runCancel(args[1:])
	default:
		return fmt.Errorf("unknown run command: %s", sub)
	}
}

func runTrigger(args []string) error {
	fs := flag.NewFlagSet("run trigger", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	branch := fs.String("branch", "main", "Branch to run against")
	commit := fs.String("commit", "", "Commit SHA (optional)")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	cfg, token, err := requireSession()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	run, err := client.TriggerRun(ctx, token, *projectID, *branch, *commit)
	if err != nil {
		return err
	}
	if run.ID == "" {
		fmt.Printf("run skipped for branch %s\n", *branch)
		return nil
	}
	fmt.Printf("run queued: %s status=%s\n", run.ID, run.Status)
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("run list", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 10, "Maximum number of runs")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	cfg, token, err := requireSession()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	runs, err := client.ListRuns(ctx, token, *projectID, *limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.Stage, r.Branch, r.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runShow(args []string) error {
	fs := flag.NewFlagSet("run show", flag.ExitOnError)
	runID := fs.String("run", "", "Run identifier")
	fs.Parse(args)
	if strings.TrimSpace(*runID) == "" {
		return errors.New("--run is required")
	}

	cfg, token, err := requireSession()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	r, err := client.GetRun(ctx, token, *runID)
	if err != nil {
		return err
	}
	fmt.Printf("id:\t%s\nstatus:\t%s\nstage:\t%s\nbranch:\t%s\ncommit:\t%s\n", r.ID, r.Status, r.Stage, r.Branch, r.CommitSHA)
	if r.Error != "" {
		fmt.Printf("error:\t%s\n", r.Error)
	}

	steps, err := client.ListSteps(ctx, token, *runID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		fmt.Printf("  [%d] %s\t%s\texit=%d\t%dms\n", s.Index, s.Name, s.Status, s.ExitCode, s.DurationMS)
	}
	return nil
}

func runCancel(args []string) error {
	fs := flag.NewFlagSet("run cancel", flag.ExitOnError)
	runID := fs.String("run", "", "Run identifier")
	fs.Parse(args)
	if strings.TrimSpace(*runID) == "" {
		return errors.New("--run is required")
	}

	cfg, token, err := requireSession()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.CancelRun(ctx, token, *runID); err != nil {
		return err
	}
	fmt.Println("run cancelled")
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	runID := fs.String("run", "", "Run identifier")
	limit := fs.Int("limit", 100, "Maximum number of log lines")
	fs.Parse(args)
	if strings.TrimSpace(*runID) == "" {
		return errors.New("--run is required")
	}

	cfg, token, err := requireSession()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	entries, err := client.FetchLogs(ctx, token, *runID, *limit)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		fmt.Printf("%s [%s] %s\n", entry.CreatedAt.Format(time.RFC3339), entry.Source, entry.Message)
	}
	return nil
}

func readWorkflowFile(path string) ([]byte, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return doc, nil
}

func requireSession() (cliConfig, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cliConfig{}, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return cliConfig{}, "", errors.New("please login first using 'strand login'")
	}
	return cfg, token, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:4000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "strand", "config.json"), nil
}

func printUsage() {
	fmt.Printf("strand CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	strand login --email user@example.com [--password secret] [--api http://localhost:4000]
	strand project list [--limit N]
	strand project create --name <name> --repo <url> [--workflow-path path] [--workflow file]
	strand project show --project <project-id>
	strand workflow validate [--file .strand/workflow.yml] [--branch main] [--event push]
	strand workflow push --project <project-id> [--file .strand/workflow.yml]
	strand run trigger --project <project-id> [--branch main] [--commit sha]
	strand run list --project <project-id> [--limit N]
	strand run show --run <run-id>
	strand run cancel --run <run-id>
	strand logs --run <run-id> [--limit N]
	strand version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
