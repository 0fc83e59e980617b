package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/yourusername/social-report-exporter/pkg/archive"
	"github.com/yourusername/social-report-exporter/pkg/cron"
	"github.com/yourusername/social-report-exporter/pkg/events"
	"github.com/yourusername/social-report-exporter/pkg/export"
	"github.com/yourusername/social-report-exporter/pkg/metrics"
	"github.com/yourusername/social-report-exporter/pkg/model"
	"github.com/yourusername/social-report-exporter/pkg/render"
	"github.com/yourusername/social-report-exporter/pkg/visual"
)

// EnvPrefix prefixes every environment variable, e.g. REPORTS_SERVER_ADDR
const EnvPrefix = "REPORTS"

type Config struct {
	Log       LogConfig            `mapstructure:"log"`
	Server    ServerConfig         `mapstructure:"server"`
	Database  DatabaseConfig       `mapstructure:"database"`
	Metrics   metrics.Config       `mapstructure:"metrics"`
	Redis     metrics.RedisConfig  `mapstructure:"redis"`
	Renderer  model.RendererConfig `mapstructure:"renderer"`
	Host      render.HostConfig    `mapstructure:"host"`
	Report    ReportConfig         `mapstructure:"report"`
	Document  export.Config        `mapstructure:"document"`
	Export    ExportConfig         `mapstructure:"export"`
	Scheduler cron.Config          `mapstructure:"scheduler"`
	S3        archive.Config       `mapstructure:"s3"`
	NATS      events.Config        `mapstructure:"nats"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

type ServerConfig struct {
	Addr               string        `mapstructure:"addr"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"` // Export requests per client IP; 0 disables
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type ReportConfig struct {
	// Visualizations lists the registry keys captured into every report, in order
	Visualizations []string `mapstructure:"visualizations"`
}

type ExportConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	// Exports wait on the document service
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.rate_limit_per_minute", 30)

	v.SetDefault("database.path", "reports.db")

	v.SetDefault("metrics.base_url", "http://localhost:5000")
	v.SetDefault("metrics.service_token", "")
	v.SetDefault("metrics.timeout", 30*time.Second)
	v.SetDefault("metrics.cache_ttl", 10*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("renderer.backend", model.BackendNative)
	v.SetDefault("renderer.timeout_ms", 30000)
	v.SetDefault("renderer.settle_delay_ms", 500)
	v.SetDefault("renderer.ready_timeout_ms", 15000)
	v.SetDefault("renderer.scale_factor", 4.0)
	v.SetDefault("renderer.default_width", 800)
	v.SetDefault("renderer.default_height", 350)
	v.SetDefault("renderer.viewport_width", 1280)
	v.SetDefault("renderer.viewport_height", 800)
	v.SetDefault("renderer.capture_concurrency", 4)
	v.SetDefault("renderer.chromium_path", "")
	v.SetDefault("renderer.headless", true)
	v.SetDefault("renderer.disable_gpu", true)
	v.SetDefault("renderer.no_sandbox", true)
	v.SetDefault("renderer.skip_tls_verify", false)

	v.SetDefault("host.max_mounts", 32)
	v.SetDefault("host.mount_ttl", 5*time.Minute)

	v.SetDefault("report.visualizations", visual.DefaultKeys)

	v.SetDefault("document.base_url", "http://localhost:5000")
	v.SetDefault("document.retrieval_url", export.DefaultRetrievalURL)
	v.SetDefault("document.service_token", "")
	v.SetDefault("document.timeout", 2*time.Minute)
	v.SetDefault("document.max_body_mb", 50)

	v.SetDefault("export.max_concurrent", 4)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.max_concurrent", 2)
	v.SetDefault("scheduler.mail_retries", 3)
	v.SetDefault("scheduler.smtp.host", "")
	v.SetDefault("scheduler.smtp.port", 587)
	v.SetDefault("scheduler.smtp.username", "")
	v.SetDefault("scheduler.smtp.password", "")
	v.SetDefault("scheduler.smtp.from", "")
	v.SetDefault("scheduler.smtp.use_tls", true)
	v.SetDefault("scheduler.smtp.skip_tls_verify", false)
	v.SetDefault("scheduler.limits.max_recipients", 50)
	v.SetDefault("scheduler.limits.max_attachment_size_mb", 25)
	v.SetDefault("scheduler.limits.max_concurrent_exports", 4)
	v.SetDefault("scheduler.limits.retention_days", 30)
	v.SetDefault("scheduler.limits.allowed_domains", []string{})

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "reports")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.use_path_style", false)
	v.SetDefault("s3.url_mode", string(archive.URLModePresigned))
	v.SetDefault("s3.presigned_ttl", 24*time.Hour)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", events.SubjectExportFinished)
	v.SetDefault("nats.jetstream", false)
}

// Load reads configuration from .env, the optional config file at path and
// REPORTS_* environment variables, in increasing precedence
func Load(path string) (*Config, error) {
	// A missing .env file is not an error
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("reportd")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/reportd")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	switch c.Renderer.Backend {
	case model.BackendNative, model.BackendChromium, model.BackendPlaywright:
	default:
		return fmt.Errorf("renderer.backend: unknown backend %q", c.Renderer.Backend)
	}
	if len(c.Report.Visualizations) == 0 {
		return errors.New("report.visualizations: at least one visualization is required")
	}
	if _, err := visual.SetOf(c.Report.Visualizations...); err != nil {
		return fmt.Errorf("report.visualizations: %w", err)
	}
	switch c.S3.URLMode {
	case archive.URLModePresigned, archive.URLModePublic:
	default:
		return fmt.Errorf("s3.url_mode: must be %q or %q", archive.URLModePresigned, archive.URLModePublic)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Scheduler.SMTP != nil && c.Scheduler.SMTP.Host == "" {
		c.Scheduler.SMTP = nil
	}
	return nil
}

// Logger builds the root logger
func (c LogConfig) Logger(w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log.level: %w", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	switch c.Format {
	case "json":
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("log.format: unknown format %q", c.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
