package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/celfilter"
)

var (
	ErrInvalidLogLevel     = errors.New("log level must be one of debug, info, warn, error")
	ErrInvalidFormat       = errors.New("format must be one of text, json")
	ErrInvalidLoadgenValue = errors.New("loadgen setting must be positive")
	ErrReadingProfile      = errors.New("reading workload profile failed")
)

// ValidFormats are the accepted values of --log-format and --output.
var ValidFormats = []string{"text", "json"}

// Config holds the settings shared by all commands.
// Values come from EVENTSTORE_* environment variables and are overridden by flags.
type Config struct {
	LogLevel               string `env:"EVENTSTORE_LOG_LEVEL"           envDefault:"warn"`
	LogFormat              string `env:"EVENTSTORE_LOG_FORMAT"          envDefault:"text"`
	Output                 string `env:"EVENTSTORE_OUTPUT"              envDefault:"text"`
	OTLPEndpoint           string `env:"EVENTSTORE_OTLP_ENDPOINT"`
	SubscriptionBufferSize int    `env:"EVENTSTORE_SUBSCRIPTION_BUFFER" envDefault:"1024"`
	CatchUpPageSize        int    `env:"EVENTSTORE_CATCHUP_PAGE_SIZE"   envDefault:"256"`
}

// LoadgenConfig describes a loadgen workload. A --profile YAML file sets the same fields.
type LoadgenConfig struct {
	Writers          int           `yaml:"writers"            env:"EVENTSTORE_LOADGEN_WRITERS"      envDefault:"8"`
	Streams          int           `yaml:"streams"            env:"EVENTSTORE_LOADGEN_STREAMS"      envDefault:"16"`
	BatchesPerWriter int           `yaml:"batches_per_writer" env:"EVENTSTORE_LOADGEN_BATCHES"      envDefault:"100"`
	BatchSize        int           `yaml:"batch_size"         env:"EVENTSTORE_LOADGEN_BATCH_SIZE"   envDefault:"3"`
	MaxAttempts      int           `yaml:"max_attempts"       env:"EVENTSTORE_LOADGEN_MAX_ATTEMPTS" envDefault:"10"`
	Filter           string        `yaml:"filter"             env:"EVENTSTORE_LOADGEN_FILTER"`
	Timeout          time.Duration `yaml:"timeout"            env:"EVENTSTORE_LOADGEN_TIMEOUT"      envDefault:"60s"`
}

// ParseConfig loads Config from the environment.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}

// ParseLoadgenConfig loads LoadgenConfig from the environment, then applies the profile at profilePath if it is set.
func ParseLoadgenConfig(profilePath string) (LoadgenConfig, error) {
	var cfg LoadgenConfig
	if err := env.Parse(&cfg); err != nil {
		return LoadgenConfig{}, fmt.Errorf("parse env: %w", err)
	}

	if profilePath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(profilePath)
	if err != nil {
		return LoadgenConfig{}, errors.Join(ErrReadingProfile, err)
	}

	// Fields missing in the profile keep their environment values.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return LoadgenConfig{}, errors.Join(ErrReadingProfile, err)
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}

	if !isValidFormat(c.LogFormat) || !isValidFormat(c.Output) {
		return fmt.Errorf("%w: got %q and %q", ErrInvalidFormat, c.LogFormat, c.Output)
	}

	return nil
}

func (c LoadgenConfig) Validate() error {
	settings := map[string]int{
		"writers":            c.Writers,
		"streams":            c.Streams,
		"batches_per_writer": c.BatchesPerWriter,
		"batch_size":         c.BatchSize,
		"max_attempts":       c.MaxAttempts,
	}

	for name, value := range settings {
		if value <= 0 {
			return fmt.Errorf("%w: %s is %d", ErrInvalidLoadgenValue, name, value)
		}
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout is %s", ErrInvalidLoadgenValue, c.Timeout)
	}

	if _, err := celfilter.Compile(c.Filter); err != nil {
		return err
	}

	return nil
}

// TotalEvents is the number of events a complete run appends.
func (c LoadgenConfig) TotalEvents() int {
	return c.Writers * c.BatchesPerWriter * c.BatchSize
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: got %q", ErrInvalidLogLevel, level)
	}
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}

	return false
}
