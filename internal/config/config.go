package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// Mode constants
	ModeRun   = "run"
	ModeServe = "serve"

	// Default values
	DefaultPort     = 8080
	DefaultHost     = "127.0.0.1"
	DefaultLogLevel = "info"
	DefaultOutput   = "ptd.xlsx"
	DefaultRunTTL   = time.Hour
)

// Config holds all configuration for the PTD generator.
type Config struct {
	// Mode selects between a one-shot pipeline run and the HTTP server.
	Mode string
	Host string
	Port int

	// Input/output paths (run mode).
	ProtocolPath string
	ECRFPath     string
	OutputPath   string

	// Optional JSON rules overlay; empty means built-in defaults.
	RulesPath string

	// Application configuration.
	Version  string
	LogLevel string
	RunTTL   time.Duration // retention of finished runs in serve mode
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:       ModeRun,
		Host:       DefaultHost,
		Port:       DefaultPort,
		OutputPath: DefaultOutput,
		Version:    "1.0.0",
		LogLevel:   DefaultLogLevel,
		RunTTL:     DefaultRunTTL,
	}
}

// LoadFromFlags parses command line flags and returns a configuration.
func LoadFromFlags() (*Config, error) {
	cfg := DefaultConfig()

	setupViperEnvironment(cfg)
	defineCommandLineFlags(cfg)
	bindFlagsToViper()
	setupUsageMessage()

	if err := checkVersionFlag(); err != nil {
		return nil, err
	}

	pflag.Parse()

	populateConfigFromViper(cfg)

	for _, p := range []*string{&cfg.ProtocolPath, &cfg.ECRFPath, &cfg.RulesPath, &cfg.OutputPath} {
		if *p == "" {
			continue
		}
		if expanded, err := filepath.Abs(*p); err == nil {
			*p = expanded
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setupViperEnvironment configures viper with environment variables and defaults.
func setupViperEnvironment(cfg *Config) {
	viper.SetEnvPrefix("PTDGEN")
	viper.AutomaticEnv()

	viper.SetDefault("mode", cfg.Mode)
	viper.SetDefault("host", cfg.Host)
	viper.SetDefault("port", cfg.Port)
	viper.SetDefault("protocol", cfg.ProtocolPath)
	viper.SetDefault("ecrf", cfg.ECRFPath)
	viper.SetDefault("out", cfg.OutputPath)
	viper.SetDefault("rules", cfg.RulesPath)
	viper.SetDefault("loglevel", cfg.LogLevel)
	viper.SetDefault("runttl", cfg.RunTTL)
}

// defineCommandLineFlags sets up all command line flags.
func defineCommandLineFlags(cfg *Config) {
	pflag.String("mode", cfg.Mode, "Mode: 'run' for a one-shot pipeline run, 'serve' for the HTTP server")
	pflag.String("host", cfg.Host, "Server host address (serve mode only)")
	pflag.Int("port", cfg.Port, "Server port (serve mode only)")
	pflag.String("protocol", cfg.ProtocolPath, "Path to the protocol JSON document (run mode)")
	pflag.String("ecrf", cfg.ECRFPath, "Path to the eCRF JSON document (run mode)")
	pflag.String("out", cfg.OutputPath, "Output workbook path (run mode)")
	pflag.String("rules", cfg.RulesPath, "Path to a JSON rules overlay file (optional)")
	pflag.String("loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	pflag.Duration("runttl", cfg.RunTTL, "Retention of finished runs (serve mode)")
}

// bindFlagsToViper binds command line flags to viper configuration.
func bindFlagsToViper() {
	for _, name := range []string{"mode", "host", "port", "protocol", "ecrf", "out", "rules", "loglevel", "runttl"} {
		_ = viper.BindPFlag(name, pflag.Lookup(name))
	}
}

// setupUsageMessage configures the custom usage message.
func setupUsageMessage() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nptdgen - clinical trial PTD workbook generator\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --protocol=protocol.json --ecrf=ecrf.json --out=ptd.xlsx\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --mode=serve --host=0.0.0.0 --port=8081\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  PTDGEN_MODE      Mode (run/serve)\n")
		fmt.Fprintf(os.Stderr, "  PTDGEN_HOST      Server host\n")
		fmt.Fprintf(os.Stderr, "  PTDGEN_PORT      Server port\n")
		fmt.Fprintf(os.Stderr, "  PTDGEN_PROTOCOL  Protocol JSON path\n")
		fmt.Fprintf(os.Stderr, "  PTDGEN_ECRF      eCRF JSON path\n")
		fmt.Fprintf(os.Stderr, "  PTDGEN_OUT       Output workbook path\n")
		fmt.Fprintf(os.Stderr, "  PTDGEN_RULES     Rules overlay path\n")
		fmt.Fprintf(os.Stderr, "  PTDGEN_LOGLEVEL  Log level\n")
	}
}

// checkVersionFlag checks if version flag was requested.
func checkVersionFlag() error {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" || arg == "-v" {
			return fmt.Errorf("version requested")
		}
	}
	return nil
}

// populateConfigFromViper fills the config struct with values from viper.
func populateConfigFromViper(cfg *Config) {
	cfg.Mode = viper.GetString("mode")
	cfg.Host = viper.GetString("host")
	cfg.Port = viper.GetInt("port")
	cfg.ProtocolPath = viper.GetString("protocol")
	cfg.ECRFPath = viper.GetString("ecrf")
	cfg.OutputPath = viper.GetString("out")
	cfg.RulesPath = viper.GetString("rules")
	cfg.LogLevel = viper.GetString("loglevel")
	cfg.RunTTL = viper.GetDuration("runttl")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Mode != ModeRun && c.Mode != ModeServe {
		return errors.New("mode must be either 'run' or 'serve'")
	}

	if c.Mode == ModeServe {
		if c.Port < 1 || c.Port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		if c.RunTTL <= 0 {
			return errors.New("run TTL must be positive")
		}
	}

	if c.Mode == ModeRun {
		if c.ProtocolPath == "" {
			return errors.New("protocol path is required in run mode")
		}
		if c.ECRFPath == "" {
			return errors.New("ecrf path is required in run mode")
		}
		if c.OutputPath == "" {
			return errors.New("output path cannot be empty")
		}
		for _, path := range []string{c.ProtocolPath, c.ECRFPath} {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("cannot access input %s: %w", path, err)
			}
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", c.LogLevel)
	}

	return nil
}

// Address returns the server address as host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDebug returns true if debug logging is enabled.
func (c *Config) IsDebug() bool {
	return c.LogLevel == "debug"
}

// String returns a string representation of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Mode: %s, Host: %s, Port: %d, Protocol: %s, ECRF: %s, Out: %s, Rules: %s, LogLevel: %s}",
		c.Mode, c.Host, c.Port, c.ProtocolPath, c.ECRFPath, c.OutputPath, c.RulesPath, c.LogLevel)
}

// IsServeMode returns true when running the HTTP server.
func (c *Config) IsServeMode() bool {
	return c.Mode == ModeServe
}

// IsRunMode returns true for a one-shot pipeline run.
func (c *Config) IsRunMode() bool {
	return c.Mode == ModeRun
}
