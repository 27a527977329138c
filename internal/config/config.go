package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ignatij/triageflow/pkg/security"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "TRIAGEFLOW"

// Config is the service configuration shared by every command.
type Config struct {
	Log       LogConfig                `mapstructure:"log"`
	Validator security.ValidatorConfig `mapstructure:"validator"`
	Monitor   security.MonitorConfig   `mapstructure:"monitor"`
	Executor  ExecutorConfig           `mapstructure:"executor"`
	Audit     AuditConfig              `mapstructure:"audit"`
	Database  DatabaseConfig           `mapstructure:"database"`
	Splunk    SplunkConfig             `mapstructure:"splunk"`
	HTTP      HTTPConfig               `mapstructure:"http"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type ExecutorConfig struct {
	MaxInFlight int           `mapstructure:"max_in_flight" validate:"gte=0"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	Deadline    time.Duration `mapstructure:"deadline" validate:"gte=0"` // Whole-run deadline, 0 disables it
}

// AuditConfig selects where threat events are exported. Output is "stdout",
// "stderr", a file path, or empty to disable the line sink.
type AuditConfig struct {
	Format  string `mapstructure:"format" validate:"oneof=json cef"`
	Output  string `mapstructure:"output"`
	NATSURL string `mapstructure:"nats_url" validate:"omitempty,url"`
	Subject string `mapstructure:"subject" validate:"required"`
	Buffer  int    `mapstructure:"buffer" validate:"gte=1"`
}

// DatabaseConfig points at PostgreSQL. With neither URL nor Host set, runs are
// kept in memory.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

// DSN returns the connection string, or "" when no database is configured.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Host == "" {
		return ""
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	return u.String()
}

type SplunkConfig struct {
	BaseURL            string        `mapstructure:"base_url" validate:"omitempty,url"`
	Token              string        `mapstructure:"token" validate:"required_with=BaseURL"`
	Timeout            time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxResults         int           `mapstructure:"max_results" validate:"gte=0"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	vd := security.DefaultValidatorConfig()
	md := security.DefaultMonitorConfig()

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "text")

	v.SetDefault("validator.max_query_length", vd.MaxQueryLength)
	v.SetDefault("validator.max_pipeline_depth", vd.MaxPipelineDepth)
	v.SetDefault("validator.allowed_commands", vd.AllowedCommands)
	v.SetDefault("validator.protected_resources", vd.ProtectedResources)
	v.SetDefault("validator.exempt_callers", []string{})
	v.SetDefault("validator.block_suspicious", false)
	v.SetDefault("validator.extra_patterns", []security.PatternConfig{})

	v.SetDefault("monitor.window", md.Window)
	v.SetDefault("monitor.max_requests", md.MaxRequests)
	v.SetDefault("monitor.length_multiplier", md.LengthMultiplier)
	v.SetDefault("monitor.min_samples", md.MinSamples)
	v.SetDefault("monitor.smoothing", md.Smoothing)
	v.SetDefault("monitor.block_on_anomaly", false)

	v.SetDefault("executor.max_in_flight", 0)
	v.SetDefault("executor.task_timeout", 60*time.Second)
	v.SetDefault("executor.retry_delay", 100*time.Millisecond)
	v.SetDefault("executor.deadline", 0)

	v.SetDefault("audit.format", "json")
	v.SetDefault("audit.output", "")
	v.SetDefault("audit.nats_url", "")
	v.SetDefault("audit.subject", security.DefaultAuditSubject)
	v.SetDefault("audit.buffer", security.DefaultAuditBuffer)

	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "triageflow")

	v.SetDefault("splunk.base_url", "")
	v.SetDefault("splunk.token", "")
	v.SetDefault("splunk.timeout", 30*time.Second)
	v.SetDefault("splunk.max_results", 1000)
	v.SetDefault("splunk.insecure_skip_verify", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
}

// Default returns the built-in configuration, ignoring files and environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// Load reads .env (if present), the optional YAML file at path and TRIAGEFLOW_*
// environment variables, in increasing precedence, and validates the result.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, errors.Wrap(err, "load .env")
		}
	}
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	cfg.Log.Level = strings.ToUpper(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	cfg.Audit.Format = strings.ToLower(cfg.Audit.Format)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and reports every failing field.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration is nil")
	}
	if err := validateStruct(newValidate("mapstructure"), cfg); err != nil {
		return errors.WithMessage(err, "configuration validation failed")
	}
	for i, p := range cfg.Validator.ExtraPatterns {
		if _, err := security.NewValidator(security.ValidatorConfig{ExtraPatterns: []security.PatternConfig{p}}); err != nil {
			return errors.WithMessagef(err, "configuration validation failed: validator.extra_patterns[%d]", i)
		}
	}
	return nil
}
