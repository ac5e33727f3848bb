package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (GOWAS_SERVER_ADDR, ...).
const EnvPrefix = "GOWAS"

// Config holds the complete GoWAS configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	AWS       AWSConfig       `mapstructure:"aws"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Compute   ComputeConfig   `mapstructure:"compute"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds configuration for the HTTP API.
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`       // Listen address (default ":8080")
	LogLevel  string `mapstructure:"log_level"`  // debug, info, warn, error
	LogFormat string `mapstructure:"log_format"` // text, json
}

// StoreConfig selects the workflow/job store backend.
type StoreConfig struct {
	Driver        string `mapstructure:"driver"`  // sqlite or dynamodb
	DBPath        string `mapstructure:"db_path"` // SQLite path, ":memory:" for testing
	WorkflowTable string `mapstructure:"workflow_table"`
	JobTable      string `mapstructure:"job_table"`
}

// AWSConfig is shared by every AWS client.
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	Profile         string `mapstructure:"profile"`
	Endpoint        string `mapstructure:"endpoint"` // LocalStack and friends
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// StorageConfig selects the object store backend.
type StorageConfig struct {
	Backend       string        `mapstructure:"backend"` // s3 or memory
	ResultsBucket string        `mapstructure:"results_bucket"`
	DataPrefix    string        `mapstructure:"data_prefix"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
}

// ComputeConfig describes the batch side: mounts and job routing.
type ComputeConfig struct {
	InputMount    string        `mapstructure:"input_mount"`
	OutputMount   string        `mapstructure:"output_mount"`
	Submitter     string        `mapstructure:"submitter"` // local or queue
	WorkDir       string        `mapstructure:"work_dir"`
	JobQueue      string        `mapstructure:"job_queue"`
	JobDefinition string        `mapstructure:"job_definition"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

// QueueConfig names the SQS queues. Empty URLs disable the corresponding poller.
type QueueConfig struct {
	ManifestURL  string `mapstructure:"manifest_url"`
	JobEventsURL string `mapstructure:"job_events_url"`
	SubmitURL    string `mapstructure:"submit_url"`
	WaitSeconds  int32  `mapstructure:"wait_seconds"`
	MaxMessages  int32  `mapstructure:"max_messages"`
}

// SchedulerConfig controls the dispatch loop.
type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // stdout or none
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:      ":8080",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Store: StoreConfig{
			Driver:        "sqlite",
			WorkflowTable: "gwas-workflows",
			JobTable:      "gwas-job-status",
		},
		Storage: StorageConfig{
			Backend:     "s3",
			DataPrefix:  "genomics",
			ReadTimeout: 30 * time.Second,
		},
		Compute: ComputeConfig{
			InputMount:    "/mnt/fsx/input",
			OutputMount:   "/mnt/fsx/output",
			Submitter:     "local",
			JobQueue:      "gwas-regenie-queue",
			JobDefinition: "GwasRegenieJobDefinitionRef",
			SubmitTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			WaitSeconds: 20,
			MaxMessages: 10,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 2 * time.Second,
		},
		Tracing: TracingConfig{
			Exporter:     "stdout",
			SamplingRate: 1.0,
		},
	}
}

// legacyEnv maps configuration keys onto the bare variable names the
// deployment templates already export.
var legacyEnv = map[string]string{
	"store.workflow_table":   "WORKFLOW_TABLE_NAME",
	"store.job_table":        "JOB_STATUS_TABLE_NAME",
	"storage.results_bucket": "RESULTS_BUCKET_NAME",
	"storage.data_prefix":    "DATA_PREFIX",
	"compute.input_mount":    "FSX_INPUT_MOUNT_PATH",
	"compute.output_mount":   "FSX_OUTPUT_MOUNT_PATH",
	"aws.region":             "AWS_REGION",
}

// Load reads configuration from the optional file at path (or gowas.yaml in
// the working directory and ~/.gowas) and applies environment overrides.
// A missing config file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gowas")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.gowas")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// setDefaults registers every default so AutomaticEnv can see the keys.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.log_format", d.Server.LogFormat)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.db_path", d.Store.DBPath)
	v.SetDefault("store.workflow_table", d.Store.WorkflowTable)
	v.SetDefault("store.job_table", d.Store.JobTable)
	v.SetDefault("aws.region", d.AWS.Region)
	v.SetDefault("aws.profile", d.AWS.Profile)
	v.SetDefault("aws.endpoint", d.AWS.Endpoint)
	v.SetDefault("aws.access_key_id", d.AWS.AccessKeyID)
	v.SetDefault("aws.secret_access_key", d.AWS.SecretAccessKey)
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.results_bucket", d.Storage.ResultsBucket)
	v.SetDefault("storage.data_prefix", d.Storage.DataPrefix)
	v.SetDefault("storage.read_timeout", d.Storage.ReadTimeout)
	v.SetDefault("compute.input_mount", d.Compute.InputMount)
	v.SetDefault("compute.output_mount", d.Compute.OutputMount)
	v.SetDefault("compute.submitter", d.Compute.Submitter)
	v.SetDefault("compute.work_dir", d.Compute.WorkDir)
	v.SetDefault("compute.job_queue", d.Compute.JobQueue)
	v.SetDefault("compute.job_definition", d.Compute.JobDefinition)
	v.SetDefault("compute.submit_timeout", d.Compute.SubmitTimeout)
	v.SetDefault("queue.manifest_url", d.Queue.ManifestURL)
	v.SetDefault("queue.job_events_url", d.Queue.JobEventsURL)
	v.SetDefault("queue.submit_url", d.Queue.SubmitURL)
	v.SetDefault("queue.wait_seconds", d.Queue.WaitSeconds)
	v.SetDefault("queue.max_messages", d.Queue.MaxMessages)
	v.SetDefault("scheduler.poll_interval", d.Scheduler.PollInterval)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.sampling_rate", d.Tracing.SamplingRate)
}

// Validate checks backend selections and required pairings.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "dynamodb":
	default:
		return fmt.Errorf("store.driver: unsupported value %q (sqlite, dynamodb)", c.Store.Driver)
	}
	switch c.Storage.Backend {
	case "s3", "memory":
	default:
		return fmt.Errorf("storage.backend: unsupported value %q (s3, memory)", c.Storage.Backend)
	}
	switch c.Compute.Submitter {
	case "local":
	case "queue":
		if c.Queue.SubmitURL == "" {
			return errors.New("compute.submitter=queue requires queue.submit_url")
		}
	default:
		return fmt.Errorf("compute.submitter: unsupported value %q (local, queue)", c.Compute.Submitter)
	}
	if c.Store.Driver == "dynamodb" && (c.Store.WorkflowTable == "" || c.Store.JobTable == "") {
		return errors.New("store.driver=dynamodb requires workflow_table and job_table")
	}
	if c.Queue.WaitSeconds < 0 || c.Queue.WaitSeconds > 20 {
		return fmt.Errorf("queue.wait_seconds: %d out of range 0-20", c.Queue.WaitSeconds)
	}
	return nil
}

// NeedsAWS reports whether any configured backend talks to AWS.
func (c Config) NeedsAWS() bool {
	return c.Store.Driver == "dynamodb" ||
		c.Storage.Backend == "s3" ||
		c.Compute.Submitter == "queue" ||
		c.Queue.ManifestURL != "" ||
		c.Queue.JobEventsURL != ""
}
