package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ProctorURL        string   `yaml:"proctor_url"`
	InferenceGRPCAddr string   `yaml:"inference_grpc_addr"`
	SamplePeriod      Duration `yaml:"sample_period"`
	FrameMaxWidth     int      `yaml:"frame_max_width"`
	JPEGQuality       int      `yaml:"jpeg_quality"`
	ReconnectBackoff  Duration `yaml:"reconnect_backoff"`
	InitialChances    int      `yaml:"initial_chances"`
	GazeThreshold     Duration `yaml:"gaze_threshold"`
	ViolationHistory  int      `yaml:"violation_history"`
	WarningTTL        Duration `yaml:"warning_ttl"`
	SpoolPath         string   `yaml:"spool_path"`

	HTTPPort    string `yaml:"http_port"`
	GRPCPort    string `yaml:"grpc_port"`
	ScriptPath  string `yaml:"script_path"`
	LogLevel    string `yaml:"log_level"`
	Environment string `yaml:"environment"`

	DBName     string `yaml:"db_name"`
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBSSLMode  string `yaml:"db_sslmode"`

	// Warnings collects non-fatal loading issues for the caller to log once
	// a logger exists.
	Warnings []string `yaml:"-"`
}

func (p *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.DBHost, p.DBPort, p.DBUser, p.DBPassword, p.DBName, p.DBSSLMode)
}

// DSNForLog is DSN with the password masked.
func (p *Config) DSNForLog() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=*** dbname=%s sslmode=%s",
		p.DBHost, p.DBPort, p.DBUser, p.DBName, p.DBSSLMode)
}

// DatabaseEnabled reports whether the audit trail should go to Postgres.
func (p *Config) DatabaseEnabled() bool {
	return p.DBHost != "" && p.DBName != ""
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev"
}

// Validate rejects settings the monitoring pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ProctorURL == "" {
		errs = append(errs, errors.New("PROCTOR_URL must be set"))
	}
	if c.SamplePeriod.Duration <= 0 {
		errs = append(errs, fmt.Errorf("SAMPLE_PERIOD must be positive, got %s", c.SamplePeriod))
	}
	if c.FrameMaxWidth <= 0 {
		errs = append(errs, fmt.Errorf("FRAME_MAX_WIDTH must be positive, got %d", c.FrameMaxWidth))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("JPEG_QUALITY must be in 1..100, got %d", c.JPEGQuality))
	}
	if c.ReconnectBackoff.Duration <= 0 {
		errs = append(errs, fmt.Errorf("RECONNECT_BACKOFF must be positive, got %s", c.ReconnectBackoff))
	}
	if c.InitialChances <= 0 {
		errs = append(errs, fmt.Errorf("INITIAL_CHANCES must be positive, got %d", c.InitialChances))
	}
	if c.GazeThreshold.Duration <= 0 {
		errs = append(errs, fmt.Errorf("GAZE_THRESHOLD must be positive, got %s", c.GazeThreshold))
	}
	if c.ViolationHistory <= 0 {
		errs = append(errs, fmt.Errorf("VIOLATION_HISTORY must be positive, got %d", c.ViolationHistory))
	}
	return errors.Join(errs...)
}

// LoadConfig reads .env (if present), the process environment and, when
// PROCTOR_CONFIG names a file, a YAML overlay on top of both.
func LoadConfig() (*Config, error) {
	var warnings []string
	if err := godotenv.Load(); err != nil {
		warnings = append(warnings, "no .env file found, using system environment variables")
	}

	cfg := &Config{
		ProctorURL:        getEnv("PROCTOR_URL", "ws://localhost:8000/ws/proctor"),
		InferenceGRPCAddr: getEnv("INFERENCE_GRPC_ADDR", ""),
		SamplePeriod:      Duration{getEnvDuration("SAMPLE_PERIOD", 200*time.Millisecond)},
		FrameMaxWidth:     getEnvInt("FRAME_MAX_WIDTH", 640),
		JPEGQuality:       getEnvInt("JPEG_QUALITY", 70),
		ReconnectBackoff:  Duration{getEnvDuration("RECONNECT_BACKOFF", 3*time.Second)},
		InitialChances:    getEnvInt("INITIAL_CHANCES", 3),
		GazeThreshold:     Duration{getEnvDuration("GAZE_THRESHOLD", 3*time.Second)},
		ViolationHistory:  getEnvInt("VIOLATION_HISTORY", 20),
		WarningTTL:        Duration{getEnvDuration("WARNING_TTL", 4*time.Second)},
		SpoolPath:         getEnv("SPOOL_PATH", ""),
		HTTPPort:          getEnv("HTTP_PORT", "8000"),
		GRPCPort:          getEnv("GRPC_PORT", "50051"),
		ScriptPath:        getEnv("SCRIPT_PATH", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Environment:       getEnv("ENVIRONMENT", "production"),
		DBHost:            getEnv("DB_HOST", ""),
		DBPort:            getEnv("DB_PORT", "5432"),
		DBUser:            getEnv("DB_USER", "postgres"),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBName:            getEnv("DB_NAME", "ai_proctor"),
		DBSSLMode:         getEnv("DB_SSLMODE", "disable"),
	}

	if path := os.Getenv("PROCTOR_CONFIG"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}

	if cfg.DatabaseEnabled() && cfg.DBPassword == "" {
		warnings = append(warnings, "DB_PASSWORD is not set")
	}
	cfg.Warnings = warnings

	return cfg, nil
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
