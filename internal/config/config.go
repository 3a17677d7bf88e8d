// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/novelcrawl/internal/connector/selector"
)

// EnvPrefix prefixes every environment override, e.g. NOVELCRAWL_STORE_DSN.
const EnvPrefix = "NOVELCRAWL"

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Renderer modes.
const (
	RendererHeadless = "headless"
	RendererStatic   = "static"
)

// Blob and event drivers.
const (
	DriverNone   = "none"
	DriverMemory = "memory"
	BlobLocal    = "local"
	BlobGCS      = "gcs"
	EventsPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Store      StoreConfig       `mapstructure:"store"`
	Renderer   RendererConfig    `mapstructure:"renderer"`
	Crawl      CrawlConfig       `mapstructure:"crawl"`
	Worker     WorkerConfig      `mapstructure:"worker"`
	Blob       BlobConfig        `mapstructure:"blob"`
	Events     EventsConfig      `mapstructure:"events"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Connectors []selector.Config `mapstructure:"connectors"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig selects and tunes the persistent store.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RendererConfig configures page rendering.
type RendererConfig struct {
	Mode           string        `mapstructure:"mode"`
	UserAgent      string        `mapstructure:"user_agent"`
	AcceptLanguage string        `mapstructure:"accept_language"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Settle         time.Duration `mapstructure:"settle"`
	MaxParallel    int           `mapstructure:"max_parallel"`
	ExecPath       string        `mapstructure:"exec_path"`
	NoSandbox      bool          `mapstructure:"no_sandbox"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	// DomainQPS throttles renders per host; zero disables throttling.
	DomainQPS   float64 `mapstructure:"domain_qps"`
	DomainBurst int     `mapstructure:"domain_burst"`
}

// CrawlConfig tunes the chapter loop.
type CrawlConfig struct {
	MinContentLength int           `mapstructure:"min_content_length"`
	ChapterDelay     time.Duration `mapstructure:"chapter_delay"`
	SnapshotPrefix   string        `mapstructure:"snapshot_prefix"`
}

// WorkerConfig controls the job orchestrators.
type WorkerConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	Owner         string        `mapstructure:"owner"`
	IdlePoll      time.Duration `mapstructure:"idle_poll"`
	PostJobDelay  time.Duration `mapstructure:"post_job_delay"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	ReapSchedule  string        `mapstructure:"reap_schedule"`
}

// BlobConfig selects where raw chapter snapshots go.
type BlobConfig struct {
	Driver string        `mapstructure:"driver"`
	Local  LocalBlob     `mapstructure:"local"`
	GCS    GCSBlobConfig `mapstructure:"gcs"`
}

// LocalBlob stores snapshots on disk.
type LocalBlob struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSBlobConfig stores snapshots in a bucket.
type GCSBlobConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// EventsConfig selects the job event publisher.
type EventsConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features and the daily file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	Dir         string `mapstructure:"dir"`
}

// Load builds a Config from .env, disk, and environment, in increasing
// precedence. path may be empty.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.driver", StorePostgres)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("store.max_conn_lifetime", "30m")
	v.SetDefault("renderer.mode", RendererHeadless)
	v.SetDefault("renderer.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("renderer.accept_language", "en-US,en;q=0.9")
	v.SetDefault("renderer.timeout", "60s")
	v.SetDefault("renderer.settle", "3s")
	v.SetDefault("renderer.max_parallel", 1)
	v.SetDefault("renderer.exec_path", "")
	v.SetDefault("renderer.no_sandbox", false)
	v.SetDefault("renderer.respect_robots", false)
	v.SetDefault("renderer.domain_qps", 0)
	v.SetDefault("renderer.domain_burst", 1)
	v.SetDefault("crawl.min_content_length", 100)
	v.SetDefault("crawl.chapter_delay", "2s")
	v.SetDefault("crawl.snapshot_prefix", "raw")
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.owner", "")
	v.SetDefault("worker.idle_poll", "10s")
	v.SetDefault("worker.post_job_delay", "2s")
	v.SetDefault("worker.lease_duration", "5m")
	v.SetDefault("worker.reap_schedule", "@every 1m")
	v.SetDefault("blob.driver", DriverNone)
	v.SetDefault("blob.local.base_dir", "data/raw")
	v.SetDefault("blob.gcs.bucket", "")
	v.SetDefault("blob.gcs.prefix", "")
	v.SetDefault("events.driver", DriverNone)
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic_id", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dir", "logs")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	switch c.Store.Driver {
	case StorePostgres, StoreSQLite:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of postgres, sqlite, memory", c.Store.Driver))
	}
	switch c.Renderer.Mode {
	case RendererHeadless, RendererStatic:
	default:
		errs = append(errs, fmt.Errorf("renderer.mode %q is not one of headless, static", c.Renderer.Mode))
	}
	if c.Renderer.Timeout <= 0 {
		errs = append(errs, errors.New("renderer.timeout must be > 0"))
	}
	if c.Renderer.Settle < 0 {
		errs = append(errs, errors.New("renderer.settle must be >= 0"))
	}
	if c.Renderer.MaxParallel < 0 {
		errs = append(errs, errors.New("renderer.max_parallel must be >= 0"))
	}
	if c.Renderer.DomainQPS < 0 {
		errs = append(errs, errors.New("renderer.domain_qps must be >= 0"))
	}
	if c.Crawl.MinContentLength <= 0 {
		errs = append(errs, errors.New("crawl.min_content_length must be > 0"))
	}
	if c.Crawl.ChapterDelay < 0 {
		errs = append(errs, errors.New("crawl.chapter_delay must be >= 0"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be > 0"))
	}
	if c.Worker.LeaseDuration <= 0 {
		errs = append(errs, errors.New("worker.lease_duration must be > 0"))
	} else if gap := c.HeartbeatGap(); c.Worker.LeaseDuration <= gap {
		errs = append(errs, fmt.Errorf(
			"worker.lease_duration %s must exceed the longest gap between lease extensions (%s: chapter delay + renderer.timeout + renderer.settle)",
			c.Worker.LeaseDuration, gap))
	}
	switch c.Blob.Driver {
	case DriverNone, DriverMemory:
	case BlobLocal:
		if c.Blob.Local.BaseDir == "" {
			errs = append(errs, errors.New("blob.local.base_dir is required for the local driver"))
		}
	case BlobGCS:
		if c.Blob.GCS.Bucket == "" {
			errs = append(errs, errors.New("blob.gcs.bucket is required for the gcs driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.driver %q is not one of none, memory, local, gcs", c.Blob.Driver))
	}
	switch c.Events.Driver {
	case DriverNone, DriverMemory:
	case EventsPubSub:
		if c.Events.ProjectID == "" || c.Events.TopicID == "" {
			errs = append(errs, errors.New("events.project_id and events.topic_id are required for the pubsub driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.driver %q is not one of none, memory, pubsub", c.Events.Driver))
	}
	seen := make(map[string]bool, len(c.Connectors))
	for i, conn := range c.Connectors {
		if err := conn.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("connectors[%d]: %w", i, err))
			continue
		}
		if seen[conn.Name] {
			errs = append(errs, fmt.Errorf("connectors[%d]: duplicate name %q", i, conn.Name))
		}
		seen[conn.Name] = true
	}
	return errors.Join(errs...)
}

// HeartbeatGap is the longest expected time between two lease extensions:
// the largest inter-chapter delay plus one full chapter render.
func (c Config) HeartbeatGap() time.Duration {
	delay := c.Crawl.ChapterDelay
	for _, conn := range c.Connectors {
		delay = max(delay, conn.DelayBetweenChapters)
	}
	return delay + c.Renderer.Timeout + c.Renderer.Settle
}

// OwnerID returns the configured worker owner or a host-derived one.
func (c Config) OwnerID() string {
	if c.Worker.Owner != "" {
		return c.Worker.Owner
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "novelcrawl"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
