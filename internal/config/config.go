package config

import (
	"encoding/json"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	DBTypePostgres = "pgsql"
	DBTypeSqlite   = "sqlite"

	BackendModeReal = "real"
	BackendModeMock = "mock"
)

var singleConfig *Config = nil

type Config struct {
	Database   *dbConfig
	Service    *svcConfig
	Supervisor *supervisorConfig
	Lanes      *laneConfig
	Backends   *backendConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"director"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type svcConfig struct {
	Address         string   `envconfig:"DIRECTOR_ADDRESS" default:":3443"`
	MetricsAddress  string   `envconfig:"DIRECTOR_METRICS_ADDRESS" default:":8080"`
	LogLevel        string   `envconfig:"DIRECTOR_LOG_LEVEL" default:"info"`
	LogFormat       string   `envconfig:"DIRECTOR_LOG_FORMAT" default:"console"`
	MigrationFolder string   `envconfig:"DIRECTOR_MIGRATIONS_FOLDER" default:""`
	PipelineFile    string   `envconfig:"DIRECTOR_PIPELINE_FILE" default:""`
	PoliciesDir     string   `envconfig:"DIRECTOR_POLICIES_DIR" default:""`
	CorsOrigins     []string `envconfig:"DIRECTOR_CORS_ORIGINS" default:"http://localhost:3000"`
}

type supervisorConfig struct {
	Interval       time.Duration `envconfig:"DIRECTOR_SUPERVISOR_INTERVAL" default:"30s"`
	HealthInterval time.Duration `envconfig:"DIRECTOR_HEALTH_INTERVAL" default:"60s"`
	SweepSchedule  string        `envconfig:"DIRECTOR_SWEEP_SCHEDULE" default:"@every 1h"`
	SweepMaxAge    int           `envconfig:"DIRECTOR_SWEEP_MAX_AGE_HOURS" default:"72"`
	AutoRetry      bool          `envconfig:"DIRECTOR_AUTO_RETRY" default:"false"`
	RetryLimit     int           `envconfig:"DIRECTOR_RETRY_LIMIT" default:"3"`
	StallFactor    int           `envconfig:"DIRECTOR_STALL_FACTOR" default:"2"`
}

type laneConfig struct {
	PollInterval      time.Duration `envconfig:"DIRECTOR_LANE_POLL_INTERVAL" default:"2s"`
	KillCheckInterval time.Duration `envconfig:"DIRECTOR_LANE_KILL_CHECK_INTERVAL" default:"1s"`
}

type backendConfig struct {
	Mode           string   `envconfig:"DIRECTOR_BACKEND_MODE" default:"real"`
	InferenceURL   string   `envconfig:"DIRECTOR_INFERENCE_URL" default:"http://127.0.0.1:11434"`
	InferenceModel string   `envconfig:"DIRECTOR_INFERENCE_MODEL" default:"qwen2.5-coder:14b"`
	VisionURL      string   `envconfig:"DIRECTOR_VISION_URL" default:"http://127.0.0.1:11434"`
	VisionModel    string   `envconfig:"DIRECTOR_VISION_MODEL" default:"llava:13b"`
	AgentCommand   []string `envconfig:"DIRECTOR_AGENT_COMMAND" default:"claude,--print,--output-format,json"`
	AgentWorkdir   string   `envconfig:"DIRECTOR_AGENT_WORKDIR" default:""`
}

// New reads the configuration from the environment once per process.
func New() (*Config, error) {
	if singleConfig == nil {
		cfg := new(Config)
		if err := envconfig.Process("", cfg); err != nil {
			return nil, err
		}
		singleConfig = cfg
	}
	return singleConfig, nil
}

// NewDefault returns the configuration used by tests: an in-memory sqlite store, mock
// backends and fast loops.
func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{
			Type: DBTypeSqlite,
			Name: "file::memory:?cache=shared",
		},
		Service: &svcConfig{
			Address:        ":3443",
			MetricsAddress: ":8080",
			LogLevel:       "debug",
			LogFormat:      "console",
		},
		Supervisor: &supervisorConfig{
			Interval:       30 * time.Second,
			HealthInterval: time.Minute,
			SweepSchedule:  "@every 1h",
			SweepMaxAge:    72,
			RetryLimit:     3,
			StallFactor:    2,
		},
		Lanes: &laneConfig{
			PollInterval:      50 * time.Millisecond,
			KillCheckInterval: 20 * time.Millisecond,
		},
		Backends: &backendConfig{
			Mode: BackendModeMock,
		},
	}
}

func (c *Config) String() string {
	redacted := *c.Database
	redacted.Password = "********"
	val, _ := json.Marshal(struct {
		Database   dbConfig
		Service    *svcConfig
		Supervisor *supervisorConfig
		Lanes      *laneConfig
		Backends   *backendConfig
	}{redacted, c.Service, c.Supervisor, c.Lanes, c.Backends})
	return string(val)
}
