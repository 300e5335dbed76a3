package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sheerbytes/cafiine/internal/logging"
	"github.com/sheerbytes/cafiine/pkg/gamepack"
)

// DateLayout is the command-line format of pack validity bounds (UTC).
const DateLayout = "15:04-02.01.2006"

const envPrefix = "CAFIINE_"

// ServerConfig holds configuration for the server binary.
type ServerConfig struct {
	Addr              string `yaml:"addr"`
	DataDir           string `yaml:"data"`
	DumpDir           string `yaml:"dump"`
	LogsDir           string `yaml:"logs"`
	DumpAll           bool   `yaml:"dump_all"`
	DumpAllSlow       bool   `yaml:"dump_all_slow"`
	NoLogs            bool   `yaml:"no_logs"`
	LogLevel          string `yaml:"log_level"`
	AdminAddr         string `yaml:"admin_addr"`         // empty disables the admin HTTP surface
	MaxConnections    int    `yaml:"max_connections"`    // 0 = unlimited
	ConnectsPerMinute int    `yaml:"connects_per_min"`   // per remote IP, 0 = unlimited
	ConnectsBurst     int    `yaml:"connects_burst"`     // defaults to ConnectsPerMinute
	PackCacheEntries  int    `yaml:"pack_cache_entries"` // decrypted payloads cached per pack
}

// PackConfig holds configuration for the pack creator binary.
type PackConfig struct {
	Target   string
	Source   string
	RootName string
	MinDate  time.Time
	MaxDate  time.Time
	Inspect  string // path of an existing pack to describe instead of building
	LogLevel string
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:             ":7332",
		DataDir:          "data",
		DumpDir:          "dump",
		LogsDir:          "logs",
		LogLevel:         "info",
		PackCacheEntries: 64,
	}
}

// ParseServerConfig parses server configuration from a YAML file, environment
// variables and flags, each overriding the previous one.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	configPath := os.Getenv(envPrefix + "CONFIG")
	if p, ok := scanFlag(args, "config"); ok {
		configPath = p
	}
	if configPath != "" {
		if err := loadYAML(configPath, &cfg); err != nil {
			return cfg, err
		}
	}

	// Environment overrides the file
	env := envReader{}
	env.str("ADDR", &cfg.Addr)
	env.str("DATA", &cfg.DataDir)
	env.str("DUMP", &cfg.DumpDir)
	env.str("LOGS", &cfg.LogsDir)
	env.boolean("DUMP_ALL", &cfg.DumpAll)
	env.boolean("DUMP_ALL_SLOW", &cfg.DumpAllSlow)
	env.boolean("NO_LOGS", &cfg.NoLogs)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("ADMIN_ADDR", &cfg.AdminAddr)
	env.integer("MAX_CONNECTIONS", &cfg.MaxConnections)
	env.integer("CONNECTS_PER_MIN", &cfg.ConnectsPerMinute)
	env.integer("CONNECTS_BURST", &cfg.ConnectsBurst)
	env.integer("PACK_CACHE_ENTRIES", &cfg.PackCacheEntries)
	if env.err != nil {
		return cfg, env.err
	}

	// Flags override environment
	fs.String("config", configPath, "YAML configuration file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "directory with replacement files and packs")
	fs.StringVar(&cfg.DumpDir, "dump", cfg.DumpDir, "directory receiving dumped files")
	fs.StringVar(&cfg.LogsDir, "logs", cfg.LogsDir, "directory receiving per-title log files")
	fs.BoolVar(&cfg.DumpAll, "dump-all", cfg.DumpAll, "request every opened file that has not been dumped yet")
	fs.BoolVar(&cfg.DumpAllSlow, "dump-all-slow", cfg.DumpAllSlow, "like -dump-all, using the slow transfer mode")
	fs.BoolVar(&cfg.NoLogs, "no-logs", cfg.NoLogs, "disable per-title log files")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin HTTP listen address (empty disables)")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "max concurrent connections (0 = unlimited)")
	fs.IntVar(&cfg.ConnectsPerMinute, "connects-per-min", cfg.ConnectsPerMinute, "connections per minute per remote IP (0 = unlimited)")
	fs.IntVar(&cfg.ConnectsBurst, "connects-burst", cfg.ConnectsBurst, "connection burst per remote IP")
	fs.IntVar(&cfg.PackCacheEntries, "pack-cache-entries", cfg.PackCacheEntries, "decrypted payloads cached per pack, each at most 1 MiB (0 disables)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c ServerConfig) Validate() error {
	if !logging.ValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.Addr == "" {
		return errors.New("listen address must not be empty")
	}
	if c.MaxConnections < 0 {
		return errors.New("max-connections must not be negative")
	}
	if c.ConnectsPerMinute < 0 || c.ConnectsBurst < 0 {
		return errors.New("connection rate limits must not be negative")
	}
	if c.PackCacheEntries < 0 {
		return errors.New("pack-cache-entries must not be negative")
	}
	return nil
}

// ParsePackConfig parses pack creator configuration from environment
// variables and flags. Flags take precedence over environment variables.
func ParsePackConfig() (PackConfig, error) {
	return parsePackConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parsePackConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parsePackConfigWithFlagSet(fs *flag.FlagSet, args []string) (PackConfig, error) {
	cfg := PackConfig{
		LogLevel: "info",
		MinDate:  gamepack.MinTime,
		MaxDate:  gamepack.MaxTime,
	}
	if wd, err := os.Getwd(); err == nil {
		cfg.Source = wd
	}
	if logLevel := os.Getenv(envPrefix + "LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	var minDate, maxDate string
	fs.StringVar(&cfg.Target, "target", "", "pack file to create (extension forced to "+gamepack.FileExtension+")")
	fs.StringVar(&cfg.Source, "source", cfg.Source, "directory to pack")
	fs.StringVar(&cfg.RootName, "root-name", "", "name of the pack root (default: source directory name)")
	fs.StringVar(&minDate, "min-date", "", "start of validity, "+DateLayout+" UTC (default: no limit)")
	fs.StringVar(&maxDate, "max-date", "", "end of validity, "+DateLayout+" UTC (default: no limit)")
	fs.StringVar(&cfg.Inspect, "inspect", "", "describe an existing pack instead of building one")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	var err error
	if minDate != "" {
		if cfg.MinDate, err = ParseDate(minDate); err != nil {
			return cfg, fmt.Errorf("min-date: %w", err)
		}
	}
	if maxDate != "" {
		if cfg.MaxDate, err = ParseDate(maxDate); err != nil {
			return cfg, fmt.Errorf("max-date: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks the pack creator options.
func (c PackConfig) Validate() error {
	if !logging.ValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.Inspect != "" {
		return nil
	}
	if c.Target == "" {
		return errors.New("target is required")
	}
	info, err := os.Stat(c.Source)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", c.Source)
	}
	if !c.MinDate.Before(c.MaxDate) {
		return errors.New("min-date must be before max-date")
	}
	return nil
}

// ParseDate parses a DateLayout timestamp in UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

func loadYAML(path string, cfg *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// scanFlag finds -name/--name value pairs before the flag set is parsed.
func scanFlag(args []string, name string) (string, bool) {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		trimmed := strings.TrimLeft(arg, "-")
		if trimmed == arg {
			continue
		}
		if v, ok := strings.CutPrefix(trimmed, name+"="); ok {
			return v, true
		}
		if trimmed == name && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

// envReader reads CAFIINE_* variables and keeps the first parse error.
type envReader struct {
	err error
}

func (e *envReader) str(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = b
}

func (e *envReader) integer(key string, dst *int) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
}
