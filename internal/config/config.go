// Package config assembles the process configuration from the environment
// (and an optional .env file) and validates it before anything connects.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/barokg/backend/internal/util"
	"github.com/barokg/backend/pkg/infer"
	"github.com/barokg/backend/pkg/match"
	"github.com/barokg/backend/pkg/scheduler"

	"github.com/go-playground/validator"
)

type Config struct {
	Debug bool
	Port  string `validate:"required,numeric"`

	Store       string `validate:"oneof=pgx memory"`
	DatabaseURL string
	// StoreTimeout bounds every single store call.
	StoreTimeout time.Duration

	Records   RecordsConfig
	RabbitMQ  RabbitMQConfig
	Auth      AuthConfig
	Scheduler SchedulerConfig
	Graph     GraphConfig
}

type RecordsConfig struct {
	Source    string `validate:"oneof=dir s3"`
	Dir       string
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

type RabbitMQConfig struct {
	User     string
	Password string
	Host     string
	Port     string `validate:"omitempty,numeric"`
}

// Enabled reports whether a broker is configured. Without one the update
// queue and the graph.updated topic are not used.
func (c RabbitMQConfig) Enabled() bool {
	return c.Host != ""
}

func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", c.User, c.Password, c.Host, c.Port)
}

type AuthConfig struct {
	URL            string `validate:"omitempty,url"`
	MasterAPIKey   string
	MasterUserID   string
	MasterUserRole string
}

type SchedulerConfig struct {
	UpdateInterval     time.Duration
	RunOnStart         bool
	LockTTL            time.Duration
	LockWait           time.Duration
	MaxDocumentsPerRun int `validate:"min=0"`
}

type GraphConfig struct {
	ParallelDocuments int `validate:"min=1,max=64"`
	MaxRetries        int `validate:"min=1,max=20"`
	RetryInitial      time.Duration
	RetryMax          time.Duration

	Match        match.Config
	Scoring      infer.CappedIncrement
	PatternsFile string
}

// Load reads the configuration. util.LoadEnv should have run first.
func Load() (Config, error) {
	cfg := Config{
		Debug:        util.GetEnvBool("DEBUG", false),
		Port:         util.GetEnvString("PORT", "8080"),
		Store:        util.GetEnvString("STORE", "pgx"),
		DatabaseURL:  util.GetEnv("DATABASE_URL"),
		StoreTimeout: util.GetEnvDuration("STORE_TIMEOUT", 30*time.Second),
		Records: RecordsConfig{
			Source:    util.GetEnvString("RECORDS_SOURCE", "dir"),
			Dir:       util.GetEnvString("RECORDS_DIR", "./records"),
			Bucket:    util.GetEnv("AWS_BUCKET"),
			Prefix:    util.GetEnvString("RECORDS_PREFIX", "records/"),
			Endpoint:  util.GetEnv("AWS_ENDPOINT"),
			Region:    util.GetEnvString("AWS_REGION", "eu-central-1"),
			AccessKey: util.GetEnv("AWS_ACCESS_KEY"),
			SecretKey: util.GetEnv("AWS_SECRET_KEY"),
		},
		RabbitMQ: RabbitMQConfig{
			User:     util.GetEnv("RABBITMQ_USER"),
			Password: util.GetEnv("RABBITMQ_PASSWORD"),
			Host:     util.GetEnv("RABBITMQ_HOST"),
			Port:     util.GetEnvString("RABBITMQ_PORT", "5672"),
		},
		Auth: AuthConfig{
			URL:            util.GetEnv("AUTH_URL"),
			MasterAPIKey:   util.GetEnv("MASTER_API_KEY"),
			MasterUserID:   util.GetEnv("MASTER_USER_ID"),
			MasterUserRole: util.GetEnvString("MASTER_USER_ROLE", "admin"),
		},
		Scheduler: SchedulerConfig{
			UpdateInterval:     util.GetEnvDuration("UPDATE_INTERVAL", 24*time.Hour),
			RunOnStart:         util.GetEnvBool("UPDATE_ON_START", false),
			LockTTL:            util.GetEnvDuration("UPDATE_LOCK_TTL", 5*time.Minute),
			LockWait:           util.GetEnvDuration("UPDATE_LOCK_WAIT", 0),
			MaxDocumentsPerRun: int(util.GetEnvNumeric("MAX_DOCUMENTS_PER_RUN", 0)),
		},
		Graph: GraphConfig{
			ParallelDocuments: int(util.GetEnvNumeric("PARALLEL_DOCUMENTS", 4)),
			MaxRetries:        int(util.GetEnvNumeric("STORE_MAX_RETRIES", 3)),
			RetryInitial:      util.GetEnvDuration("STORE_RETRY_INITIAL", 100*time.Millisecond),
			RetryMax:          util.GetEnvDuration("STORE_RETRY_MAX", 5*time.Second),
			Match:             match.DefaultConfig(),
			Scoring:           infer.DefaultScoring(),
			PatternsFile:      util.GetEnv("PATTERNS_FILE"),
		},
	}

	cfg.Graph.Match.Algorithm = match.Algorithm(util.GetEnvString("MATCH_ALGORITHM", string(cfg.Graph.Match.Algorithm)))
	cfg.Graph.Match.Threshold = util.GetEnvFloat("MATCH_THRESHOLD", cfg.Graph.Match.Threshold)
	cfg.Graph.Match.MaxCandidates = int(util.GetEnvNumeric("MATCH_MAX_CANDIDATES", cfg.Graph.Match.MaxCandidates))
	if h := util.GetEnv("MATCH_HONORIFICS"); h != "" {
		cfg.Graph.Match.Honorifics = splitList(h)
	}
	cfg.Graph.Scoring.Unit = util.GetEnvFloat("STRENGTH_UNIT", cfg.Graph.Scoring.Unit)
	cfg.Graph.Scoring.Cap = util.GetEnvFloat("STRENGTH_CAP", cfg.Graph.Scoring.Cap)
	cfg.Graph.Scoring.MaxPerDocument = int(util.GetEnvNumeric("STRENGTH_MAX_PER_DOCUMENT", cfg.Graph.Scoring.MaxPerDocument))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and the rules spanning several fields.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var errs []error
	if c.Store == "pgx" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for STORE=pgx"))
	}
	if c.Records.Source == "s3" && c.Records.Bucket == "" {
		errs = append(errs, errors.New("AWS_BUCKET is required for RECORDS_SOURCE=s3"))
	}
	if c.Records.Source == "dir" && c.Records.Dir == "" {
		errs = append(errs, errors.New("RECORDS_DIR is required for RECORDS_SOURCE=dir"))
	}
	if c.Auth.URL == "" && c.Auth.MasterAPIKey == "" {
		errs = append(errs, errors.New("AUTH_URL or MASTER_API_KEY must be set"))
	}
	if c.Scheduler.UpdateInterval < time.Minute {
		errs = append(errs, fmt.Errorf("UPDATE_INTERVAL must be at least 1m, got %s", c.Scheduler.UpdateInterval))
	}
	if c.Scheduler.LockTTL < time.Second {
		errs = append(errs, fmt.Errorf("UPDATE_LOCK_TTL must be at least 1s, got %s", c.Scheduler.LockTTL))
	}
	if c.Scheduler.LockWait < 0 {
		errs = append(errs, errors.New("UPDATE_LOCK_WAIT must not be negative"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// SchedulerParams maps the settings onto scheduler.Config.
func (c Config) SchedulerParams() scheduler.Config {
	return scheduler.Config{
		UpdateInterval:     c.Scheduler.UpdateInterval,
		RunOnStart:         c.Scheduler.RunOnStart,
		LockTTL:            c.Scheduler.LockTTL,
		LockWait:           c.Scheduler.LockWait,
		MaxDocumentsPerRun: c.Scheduler.MaxDocumentsPerRun,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
