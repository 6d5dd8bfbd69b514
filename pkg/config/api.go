package config

import "time"

// APIConfig holds runtime configuration for the control-plane API service.
type APIConfig struct {
	Environment        string
	LogLevel           string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	SecretsKey         string
	AccessTokenTTL     time.Duration
	RunnerURL          string
	RunnerToken        string
	WorkflowPath       string
	LogBuffer          int
	RunHistoryLimit    int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://strand:strand@db:5432/strand?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		SecretsKey:         GetString("SECRETS_ENCRYPTION_KEY", "supersecuresecret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,
		RunnerURL:          GetString("RUNNER_URL", "http://runner:5000"),
		RunnerToken:        GetString("RUNNER_TOKEN", ""),
		WorkflowPath:       GetString("DEFAULT_WORKFLOW_PATH", ".strand/workflow.yml"),
		LogBuffer:          GetInt("WS_LOG_BUFFER", 100),
		RunHistoryLimit:    GetInt("RUN_HISTORY_LIMIT", 50),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
