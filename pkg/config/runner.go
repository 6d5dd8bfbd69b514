package config

import "time"

// RunnerConfig holds runtime configuration for the runner service.
type RunnerConfig struct {
	Environment       string
	LogLevel          string
	Addr              string
	DockerHost        string
	Workdir           string
	AuthToken         string
	GitTimeout        time.Duration
	StepTimeout       time.Duration
	RunTimeout        time.Duration
	StatusCallbackURL string
	LogCallbackURL    string
	CallbackTimeout   time.Duration
	CoverageURL       string
	CoverageToken     string
	CoverageAttempts  int
}

// LoadRunnerConfig constructs a RunnerConfig from environment variables.
func LoadRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Environment:       GetString("APP_ENV", "development"),
		LogLevel:          GetString("LOG_LEVEL", "info"),
		Addr:              GetString("RUNNER_ADDR", ":5000"),
		DockerHost:        GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Workdir:           GetString("RUNNER_WORKDIR", "/tmp/strand"),
		AuthToken:         GetString("RUNNER_TOKEN", ""),
		GitTimeout:        GetSeconds("GIT_TIMEOUT_SECONDS", 60),
		StepTimeout:       GetSeconds("STEP_TIMEOUT_SECONDS", 600),
		RunTimeout:        GetSeconds("RUN_TIMEOUT_SECONDS", 1800),
		StatusCallbackURL: GetString("STATUS_CALLBACK_URL", ""),
		LogCallbackURL:    GetString("LOG_CALLBACK_URL", ""),
		CallbackTimeout:   GetSeconds("CALLBACK_TIMEOUT_SECONDS", 10),
		CoverageURL:       GetString("COVERAGE_UPLOAD_URL", ""),
		CoverageToken:     GetString("COVERAGE_UPLOAD_TOKEN", ""),
		CoverageAttempts:  GetInt("COVERAGE_UPLOAD_ATTEMPTS", 4),
	}
}
