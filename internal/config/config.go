package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/michaelbrown/labrun/internal/execution"
	"github.com/michaelbrown/labrun/internal/languages"
	"github.com/michaelbrown/labrun/internal/pool"
	"github.com/michaelbrown/labrun/internal/sandbox"
)

type ServerConfig struct {
	Port        int      `mapstructure:"port" validate:"min=1,max=65535"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path" validate:"required"`
}

type PoolConfig struct {
	MaxWorkers     int           `mapstructure:"max_workers" validate:"min=1"`
	MinIdle        int           `mapstructure:"min_idle" validate:"min=0,ltefield=MaxWorkers"`
	MaxUses        int           `mapstructure:"max_uses" validate:"min=0"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
	ReapInterval   time.Duration `mapstructure:"reap_interval" validate:"gt=0"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" validate:"gte=0"`
	CreateRate     float64       `mapstructure:"create_rate" validate:"gte=0"`
	CreateBurst    int           `mapstructure:"create_burst" validate:"min=1"`
}

type SandboxConfig struct {
	Backend          string   `mapstructure:"backend" validate:"oneof=process docker"`
	Image            string   `mapstructure:"image" validate:"required_if=Backend docker"`
	Images           []string `mapstructure:"images"`
	ScratchDir       string   `mapstructure:"scratch_dir"`
	MemoryBytes      int64    `mapstructure:"memory_bytes" validate:"gt=0"`
	CPUSeconds       uint64   `mapstructure:"cpu_seconds" validate:"gt=0"`
	NanoCPUs         int64    `mapstructure:"nano_cpus" validate:"gte=0"`
	Pids             int64    `mapstructure:"pids" validate:"gte=0"`
	FileSizeBytes    int64    `mapstructure:"file_size_bytes" validate:"gt=0"`
	OpenFiles        uint64   `mapstructure:"open_files" validate:"gt=0"`
	OutputLimitBytes int      `mapstructure:"output_limit_bytes" validate:"gte=0"`
	Network          bool     `mapstructure:"network"`
	ReadOnlyPaths    []string `mapstructure:"read_only_paths" validate:"dive,startswith=/"`
}

type ExecutionConfig struct {
	Deadline         time.Duration `mapstructure:"deadline" validate:"gt=0"`
	MaxDeadline      time.Duration `mapstructure:"max_deadline" validate:"gtefield=Deadline"`
	AdmissionControl bool          `mapstructure:"admission_control"`
}

type ValidatorConfig struct {
	MaxSourceBytes int    `mapstructure:"max_source_bytes" validate:"gt=0"`
	RulesFile      string `mapstructure:"rules_file"`
}

type ArtifactsConfig struct {
	Backend  string `mapstructure:"backend" validate:"oneof=local s3 none"`
	Dir      string `mapstructure:"dir" validate:"required_if=Backend local"`
	Bucket   string `mapstructure:"bucket" validate:"required_if=Backend s3"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	MaxBytes int64  `mapstructure:"max_bytes" validate:"gte=0"`
	MaxFiles int    `mapstructure:"max_files" validate:"gte=0"`
}

type CacheConfig struct {
	Backend  string        `mapstructure:"backend" validate:"oneof=none memory redis"`
	Addr     string        `mapstructure:"addr" validate:"required_if=Backend redis"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

type Config struct {
	Server    ServerConfig                  `mapstructure:"server"`
	Log       LogConfig                     `mapstructure:"log"`
	Storage   StorageConfig                 `mapstructure:"storage"`
	Pool      PoolConfig                    `mapstructure:"pool"`
	Sandbox   SandboxConfig                 `mapstructure:"sandbox"`
	Execution ExecutionConfig               `mapstructure:"execution"`
	Validator ValidatorConfig               `mapstructure:"validator"`
	Artifacts ArtifactsConfig               `mapstructure:"artifacts"`
	Cache     CacheConfig                   `mapstructure:"cache"`
	Languages map[string]languages.Language `mapstructure:"languages"`
}

// Load reads labrun.yaml from the working directory or ~/.labrun, applies
// LABRUN_* environment overrides (a .env file is loaded first if present)
// and validates the result. A missing config file is not an error. If path
// is set, only that file is read.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("labrun")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.labrun")
	}
	v.SetEnvPrefix("LABRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home := os.Getenv("HOME")
	policy := sandbox.DefaultPolicy()
	exec := execution.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("storage.db_path", filepath.Join(home, ".labrun", "labrun.db"))

	v.SetDefault("pool.max_workers", 4)
	v.SetDefault("pool.min_idle", 1)
	v.SetDefault("pool.max_uses", 50)
	v.SetDefault("pool.lease_ttl", 2*time.Minute)
	v.SetDefault("pool.reap_interval", 10*time.Second)
	v.SetDefault("pool.acquire_timeout", exec.AcquireTimeout)
	v.SetDefault("pool.create_rate", 2.0)
	v.SetDefault("pool.create_burst", 2)

	v.SetDefault("sandbox.backend", "process")
	v.SetDefault("sandbox.image", "python:3.12-slim")
	v.SetDefault("sandbox.images", policy.Images)
	v.SetDefault("sandbox.scratch_dir", filepath.Join(os.TempDir(), "labrun"))
	v.SetDefault("sandbox.memory_bytes", policy.MemoryBytes)
	v.SetDefault("sandbox.cpu_seconds", policy.CPUSeconds)
	v.SetDefault("sandbox.nano_cpus", policy.NanoCPUs)
	v.SetDefault("sandbox.pids", policy.Pids)
	v.SetDefault("sandbox.file_size_bytes", policy.FileSizeBytes)
	v.SetDefault("sandbox.open_files", policy.OpenFiles)
	v.SetDefault("sandbox.output_limit_bytes", policy.OutputLimitBytes)
	v.SetDefault("sandbox.network", policy.Network)
	v.SetDefault("sandbox.read_only_paths", policy.ReadOnlyPaths)

	v.SetDefault("execution.deadline", exec.Deadline)
	v.SetDefault("execution.max_deadline", exec.MaxDeadline)
	v.SetDefault("execution.admission_control", false)

	v.SetDefault("validator.max_source_bytes", 64<<10)
	v.SetDefault("validator.rules_file", "")

	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.dir", filepath.Join(home, ".labrun", "artifacts"))
	v.SetDefault("artifacts.bucket", "")
	v.SetDefault("artifacts.region", "")
	v.SetDefault("artifacts.endpoint", "")
	v.SetDefault("artifacts.max_bytes", exec.MaxArtifactBytes)
	v.SetDefault("artifacts.max_files", exec.MaxArtifactFiles)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.addr", "")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 10*time.Minute)
}

var structValidator = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// PoolConfig returns the worker pool settings.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		MaxWorkers:   c.Pool.MaxWorkers,
		MinIdle:      c.Pool.MinIdle,
		MaxUses:      c.Pool.MaxUses,
		LeaseTTL:     c.Pool.LeaseTTL,
		ReapInterval: c.Pool.ReapInterval,
		CreateRate:   c.Pool.CreateRate,
		CreateBurst:  c.Pool.CreateBurst,
	}
}

// Policy returns the per-worker resource limits.
func (c *Config) Policy() sandbox.Policy {
	return sandbox.Policy{
		MemoryBytes:      c.Sandbox.MemoryBytes,
		CPUSeconds:       c.Sandbox.CPUSeconds,
		NanoCPUs:         c.Sandbox.NanoCPUs,
		Pids:             c.Sandbox.Pids,
		FileSizeBytes:    c.Sandbox.FileSizeBytes,
		OpenFiles:        c.Sandbox.OpenFiles,
		OutputLimitBytes: c.Sandbox.OutputLimitBytes,
		Network:          c.Sandbox.Network,
		Images:           c.Sandbox.Images,
		ReadOnlyPaths:    c.Sandbox.ReadOnlyPaths,
	}
}

// ExecutionConfig returns the coordinator policy.
func (c *Config) ExecutionConfig() execution.Config {
	return execution.Config{
		AcquireTimeout:   c.Pool.AcquireTimeout,
		Deadline:         c.Execution.Deadline,
		MaxDeadline:      c.Execution.MaxDeadline,
		AdmissionControl: c.Execution.AdmissionControl,
		MaxArtifactFiles: c.Artifacts.MaxFiles,
		MaxArtifactBytes: c.Artifacts.MaxBytes,
		Policy:           c.Policy(),
	}
}

// Registry returns the built-in languages extended by the languages
// section. An entry named like a built-in language overrides only the
// fields it sets.
func (c *Config) Registry() (*languages.Registry, error) {
	builtin := map[string]languages.Language{languages.Python.Name: languages.Python}

	keys := make([]string, 0, len(c.Languages))
	for k := range c.Languages {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	langs := []languages.Language{languages.Python}
	for _, key := range keys {
		l := c.Languages[key]
		if l.Name == "" {
			l.Name = key
		}
		if base, ok := builtin[strings.ToLower(l.Name)]; ok {
			l = overlay(base, l)
		}
		langs = append(langs, l)
	}
	return languages.NewRegistry(langs...)
}

func overlay(base, over languages.Language) languages.Language {
	if len(over.Aliases) > 0 {
		base.Aliases = over.Aliases
	}
	if over.Filename != "" {
		base.Filename = over.Filename
	}
	if len(over.Command) > 0 {
		base.Command = over.Command
	}
	if over.Syntax != "" {
		base.Syntax = over.Syntax
	}
	return base
}
