package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the environment nor the config file sets a value.
const (
	DefaultSources        = "/backup"
	DefaultCronExpression = "@daily"
	DefaultFilename       = "backup-2006-01-02.tar.gz"
	DefaultArchiveDir     = "/archive"
	DefaultStopLabel      = "volume-backup.stop-during-backup"
	DefaultRegion         = "us-east-1"
	DefaultMeasurement    = "volume_backup"
)

// Config is the immutable configuration for the backup agent. It is built once
// at startup and shared read-only by every run.
type Config struct {
	Sources        []string      `yaml:"sources" validate:"required,min=1"`
	CronExpression string        `yaml:"cron_expression" validate:"required"`
	Filename       string        `yaml:"filename" validate:"required"`
	ArchiveDir     string        `yaml:"archive_dir"`
	WaitDuration   time.Duration `yaml:"wait_duration" validate:"min=0"`
	Hostname       string        `yaml:"hostname"`
	StopLabel      string        `yaml:"stop_label" validate:"required"`
	LogLevel       string        `yaml:"log_level"`

	S3                S3Config       `yaml:"s3"`
	InfluxDB          InfluxDBConfig `yaml:"influxdb"`
	MetricsListenAddr string         `yaml:"metrics_listen_addr"`
}

// S3Config holds the remote object-storage destination. Delivery to S3 is
// enabled when a bucket name is configured.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Region          string `yaml:"region"`
	// Endpoint overrides the AWS endpoint for self-hosted object stores
	// (MinIO, Ceph RGW). Implies path-style addressing.
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

// Enabled reports whether remote delivery is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// InfluxDBConfig holds the optional metrics push target. Pushing is enabled
// when both URL and database are configured.
type InfluxDBConfig struct {
	URL         string `yaml:"url" validate:"omitempty,url"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Measurement string `yaml:"measurement"`
}

// Enabled reports whether metrics push is configured.
func (c InfluxDBConfig) Enabled() bool {
	return c.URL != "" && c.Database != ""
}

// Load builds the configuration from defaults, an optional YAML file named by
// BACKUP_CONFIG_FILE, and the environment, in that order of precedence
// (environment wins).
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		Sources:        strings.Split(DefaultSources, ","),
		CronExpression: DefaultCronExpression,
		Filename:       DefaultFilename,
		ArchiveDir:     DefaultArchiveDir,
		Hostname:       hostname,
		StopLabel:      DefaultStopLabel,
		LogLevel:       "info",
		S3:             S3Config{Region: DefaultRegion},
		InfluxDB:       InfluxDBConfig{Measurement: DefaultMeasurement},
	}

	if path := os.Getenv("BACKUP_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("BACKUP_SOURCES"); ok {
		c.Sources = splitSources(v)
	}
	setEnv(&c.CronExpression, "BACKUP_CRON_EXPRESSION")
	setEnv(&c.Filename, "BACKUP_FILENAME")
	// An explicitly empty BACKUP_ARCHIVE disables local delivery.
	if v, ok := os.LookupEnv("BACKUP_ARCHIVE"); ok {
		c.ArchiveDir = v
	}
	if v, ok := os.LookupEnv("BACKUP_WAIT_SECONDS"); ok {
		var secs float64
		if _, err := fmt.Sscanf(v, "%g", &secs); err != nil {
			return fmt.Errorf("invalid BACKUP_WAIT_SECONDS %q: %w", v, err)
		}
		c.WaitDuration = time.Duration(secs * float64(time.Second))
	}
	setEnv(&c.Hostname, "BACKUP_HOSTNAME")
	setEnv(&c.StopLabel, "BACKUP_STOP_LABEL")
	setEnv(&c.LogLevel, "LOG_LEVEL")

	setEnv(&c.S3.Bucket, "AWS_S3_BUCKET_NAME")
	setEnv(&c.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setEnv(&c.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	setEnv(&c.S3.Region, "AWS_DEFAULT_REGION")
	setEnv(&c.S3.Endpoint, "AWS_ENDPOINT")

	setEnv(&c.InfluxDB.URL, "INFLUXDB_URL")
	setEnv(&c.InfluxDB.Database, "INFLUXDB_DB")
	if v, ok := os.LookupEnv("INFLUXDB_CREDENTIALS"); ok {
		user, pass, found := strings.Cut(v, ":")
		if !found {
			return fmt.Errorf("invalid INFLUXDB_CREDENTIALS: expected user:password")
		}
		c.InfluxDB.Username = user
		c.InfluxDB.Password = pass
	}
	setEnv(&c.InfluxDB.Measurement, "INFLUXDB_MEASUREMENT")

	setEnv(&c.MetricsListenAddr, "METRICS_LISTEN_ADDR")

	return nil
}

func setEnv(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func splitSources(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration at startup. Any error returned here is
// fatal: the process must exit before the first run.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := cron.ParseStandard(c.CronExpression); err != nil {
		return fmt.Errorf("invalid BACKUP_CRON_EXPRESSION %q: %w", c.CronExpression, err)
	}

	if c.ArchiveDir == "" && !c.S3.Enabled() {
		return fmt.Errorf("no delivery destination enabled: set BACKUP_ARCHIVE or AWS_S3_BUCKET_NAME")
	}

	if c.S3.Enabled() && (c.S3.AccessKeyID == "" || c.S3.SecretAccessKey == "") {
		return fmt.Errorf("AWS_S3_BUCKET_NAME is set but credentials are missing")
	}
	if !c.S3.Enabled() && (c.S3.AccessKeyID != "" || c.S3.SecretAccessKey != "") {
		return fmt.Errorf("AWS credentials are set but AWS_S3_BUCKET_NAME is missing")
	}

	if c.InfluxDB.URL != "" && c.InfluxDB.Database == "" {
		return fmt.Errorf("INFLUXDB_URL is set but INFLUXDB_DB is missing")
	}
	if c.InfluxDB.URL == "" && c.InfluxDB.Database != "" {
		return fmt.Errorf("INFLUXDB_DB is set but INFLUXDB_URL is missing")
	}

	return nil
}
