// Package config loads the server settings. Later sources win: built-in
// defaults, then a YAML or TOML file, then the environment (including a
// .env file), then command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "GJALLARHORN_"

var ErrUnknownFormat = errors.New("unknown config file format")

// Duration reads "5s" style values from YAML, TOML and the environment.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	Name string `yaml:"name" toml:"name"`
	// Host is the public URL of the console, shown to the operator.
	Host string `yaml:"host" toml:"host"`
	// Listen is the address the HTTP server binds to.
	Listen string `yaml:"listen" toml:"listen"`
	Port   int    `yaml:"port" toml:"port"`

	OutputPath string `yaml:"output_path" toml:"output_path"`
	TempPath   string `yaml:"temp_path" toml:"temp_path"`
	StartGGKey string `yaml:"startgg_key" toml:"startgg_key"`

	// TournamentSlug preselects a tournament on a cold start.
	TournamentSlug string `yaml:"tournament_slug" toml:"tournament_slug"`

	LogLevel    string `yaml:"log_level" toml:"log_level"`
	Development bool   `yaml:"development" toml:"development"`

	// SnapshotDSN selects the Postgres snapshot store instead of TempPath.
	SnapshotDSN string   `yaml:"snapshot_dsn" toml:"snapshot_dsn"`
	DumpTimeout Duration `yaml:"dump_timeout" toml:"dump_timeout"`
	Debounce    Duration `yaml:"debounce" toml:"debounce"`
}

func Default() Config {
	return Config{
		Name:        "Local",
		Host:        "http://localhost:3000",
		Port:        3000,
		OutputPath:  "output",
		TempPath:    filepath.Join(os.TempDir(), "gjallarhorn"),
		LogLevel:    "info",
		DumpTimeout: Duration{5 * time.Second},
		Debounce:    Duration{150 * time.Millisecond},
	}
}

// Load returns the defaults overlaid with the file at path, when given,
// and then with the environment as seen through getenv. Flags are applied
// by the caller, which validates the result.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	if getenv != nil {
		if err := cfg.applyEnv(getenv); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// LoadDotEnv copies the variables of the given .env files into the process
// environment without overriding existing ones. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) readFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, c)
	case ".toml":
		err = toml.Unmarshal(raw, c)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	// The first key set wins; later keys are older names.
	str := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := getenv(EnvPrefix + key); v != "" {
				*dst = v
				return
			}
		}
	}
	str(&c.Name, "NAME")
	str(&c.Host, "HOST")
	str(&c.Listen, "LISTEN")
	str(&c.OutputPath, "OUTPUT_PATH", "OUTPUT")
	str(&c.TempPath, "TEMP_PATH", "TEMP")
	str(&c.StartGGKey, "STARTGG_KEY", "STARTGG")
	str(&c.TournamentSlug, "TOURNAMENT_SLUG")
	str(&c.LogLevel, "LOG_LEVEL")
	str(&c.SnapshotDSN, "SNAPSHOT_DSN")

	var err error
	if v := getenv(EnvPrefix + "PORT"); v != "" {
		p, perr := strconv.Atoi(v)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("%sPORT: %w", EnvPrefix, perr))
		} else {
			c.Port = p
		}
	}
	if v := getenv(EnvPrefix + "DEVELOPMENT"); v != "" {
		b, berr := strconv.ParseBool(v)
		if berr != nil {
			err = multierr.Append(err, fmt.Errorf("%sDEVELOPMENT: %w", EnvPrefix, berr))
		} else {
			c.Development = b
		}
	}
	for key, dst := range map[string]*Duration{"DUMP_TIMEOUT": &c.DumpTimeout, "DEBOUNCE": &c.Debounce} {
		if v := getenv(EnvPrefix + key); v != "" {
			if derr := dst.UnmarshalText([]byte(v)); derr != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", EnvPrefix, key, derr))
			}
		}
	}
	return err
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	if c.Port <= 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.OutputPath == "" {
		err = multierr.Append(err, errors.New("output path is required"))
	}
	if c.TempPath == "" && c.SnapshotDSN == "" {
		err = multierr.Append(err, errors.New("temp path is required without a snapshot DSN"))
	}
	if c.DumpTimeout.Duration <= 0 {
		err = multierr.Append(err, errors.New("dump timeout must be positive"))
	}
	if c.Debounce.Duration <= 0 {
		err = multierr.Append(err, errors.New("debounce must be positive"))
	}
	return err
}

// Addr is the address to listen on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Listen, strconv.Itoa(c.Port))
}

// Public is the part of the configuration the console UI may see.
type Public struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	OutputPath string `json:"outputPath"`
	Debounce   int64  `json:"debounceMs"`
}

func (c Config) Public() Public {
	return Public{
		Name:       c.Name,
		Host:       c.Host,
		Port:       c.Port,
		OutputPath: c.OutputPath,
		Debounce:   c.Debounce.Milliseconds(),
	}
}
