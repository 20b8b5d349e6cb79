// Package config provides configuration loading for the benchmark client and
// the test server. Values come from defaults, an optional config file,
// EXTPROCMUX_* environment variables, and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jhump/extprocmux"
)

// EnvPrefix is the prefix of environment variables that override settings.
// Example: EXTPROCMUX_LOG_LEVEL=debug
const EnvPrefix = "EXTPROCMUX"

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`
	// Rotation controls file rotation when writing to files
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Bench is the configuration of the benchmark client.
type Bench struct {
	Log LogConfig `mapstructure:"log"`
	// ServerURL is the address of the ext_proc server.
	ServerURL string `mapstructure:"server_url"`
	// Loopback runs an in-process server instead of dialing ServerURL.
	Loopback bool `mapstructure:"loopback"`
	// Fixture is the path of the fixture describing the transaction to send.
	Fixture string `mapstructure:"fixture"`
	// StreamConcurrency is the number of workers submitting transactions.
	StreamConcurrency int `mapstructure:"stream_concurrency"`
	// ReuseStreams enables stream reuse. Without it every transaction gets
	// its own stream.
	ReuseStreams bool `mapstructure:"reuse_streams"`
	// StreamMaxHandle is the number of transactions a stream carries before
	// it is rotated. Zero means streams are never rotated.
	StreamMaxHandle int `mapstructure:"stream_max_handle"`
	// Lanes is the number of streams carrying transactions at once. Zero
	// means one per worker.
	Lanes int `mapstructure:"lanes"`
	// TrackModes makes streams follow the mode_override of the server's
	// responses, leaving out what the current mode excludes. Otherwise the
	// fixture's transaction is shaped once with the default mode and its
	// requests are written back to back.
	TrackModes     bool          `mapstructure:"track_modes"`
	Warmup         time.Duration `mapstructure:"warmup"`
	Duration       time.Duration `mapstructure:"duration"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
	PrintErrors    bool          `mapstructure:"print_errors"`
	// MetricsAddr, if set, is the address on which Prometheus metrics are
	// served.
	MetricsAddr string `mapstructure:"metrics_addr"`
	// Report, if set, is the path to write the final JSON report to. Use "-"
	// for stdout.
	Report string `mapstructure:"report"`
}

// Server is the configuration of the test server.
type Server struct {
	Log         LogConfig `mapstructure:"log"`
	Host        string    `mapstructure:"host"`
	Port        int       `mapstructure:"port"`
	MetricsAddr string    `mapstructure:"metrics_addr"`
	// ShutdownGrace bounds how long a graceful stop may take before
	// remaining streams are cut.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// DefaultLog returns the default logging configuration.
func DefaultLog() LogConfig {
	return LogConfig{
		Level:   "info",
		Format:  "console",
		Outputs: []string{"stderr"},
		Rotation: RotationConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// DefaultBench returns the default benchmark configuration.
func DefaultBench() Bench {
	return Bench{
		Log:               DefaultLog(),
		ServerURL:         "[::1]:50051",
		StreamConcurrency: 100,
		TrackModes:        true,
		Warmup:            5 * time.Second,
		Duration:          30 * time.Second,
		ReportInterval:    time.Second,
	}
}

// DefaultServer returns the default server configuration.
func DefaultServer() Server {
	return Server{
		Log:           DefaultLog(),
		Host:          "::1",
		Port:          50051,
		ShutdownGrace: 10 * time.Second,
	}
}

// ApplyDefaults fills in zero values that have no meaning of their own.
func (c *LogConfig) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
	if len(c.Outputs) == 0 {
		c.Outputs = []string{"stderr"}
	}
}

func (c *LogConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Format)
	}
	return nil
}

// ApplyDefaults fills in zero values that have no meaning of their own.
func (c *Bench) ApplyDefaults() {
	c.Log.ApplyDefaults()
	if c.StreamConcurrency <= 0 {
		c.StreamConcurrency = 1
	}
	if c.Lanes <= 0 {
		c.Lanes = c.StreamConcurrency
	}
	c.ServerURL = strings.TrimPrefix(strings.TrimPrefix(c.ServerURL, "http://"), "grpc://")
	if c.ReportInterval <= 0 {
		c.ReportInterval = time.Second
	}
}

// Validate checks the configuration for errors.
func (c *Bench) Validate() error {
	if err := c.Log.validate(); err != nil {
		return err
	}
	if c.Fixture == "" {
		return errors.New("a fixture is required")
	}
	if !c.Loopback && c.ServerURL == "" {
		return errors.New("a server URL is required unless running in loopback mode")
	}
	if c.StreamMaxHandle < 0 {
		return fmt.Errorf("invalid stream_max_handle: %d", c.StreamMaxHandle)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("invalid duration: %v", c.Duration)
	}
	if c.Warmup < 0 {
		return fmt.Errorf("invalid warmup: %v", c.Warmup)
	}
	return nil
}

// Policy returns the reuse policy the configuration selects.
func (c *Bench) Policy() extprocmux.ReusePolicy {
	switch {
	case !c.ReuseStreams:
		return extprocmux.NoReuse()
	case c.StreamMaxHandle > 0:
		return extprocmux.BoundedReuse(c.StreamMaxHandle)
	default:
		return extprocmux.InfiniteReuse()
	}
}

// ApplyDefaults fills in zero values that have no meaning of their own.
func (c *Server) ApplyDefaults() {
	c.Log.ApplyDefaults()
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

// Validate checks the configuration for errors.
func (c *Server) Validate() error {
	if err := c.Log.validate(); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

func (c LogConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", c.Level)
	v.SetDefault("log.format", c.Format)
	v.SetDefault("log.outputs", c.Outputs)
	v.SetDefault("log.development", c.Development)
	v.SetDefault("log.rotation.enable", c.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", c.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", c.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", c.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", c.Rotation.Compress)
}

func (c *Bench) setDefaults(v *viper.Viper) {
	c.Log.setDefaults(v)
	v.SetDefault("server_url", c.ServerURL)
	v.SetDefault("loopback", c.Loopback)
	v.SetDefault("fixture", c.Fixture)
	v.SetDefault("stream_concurrency", c.StreamConcurrency)
	v.SetDefault("reuse_streams", c.ReuseStreams)
	v.SetDefault("stream_max_handle", c.StreamMaxHandle)
	v.SetDefault("lanes", c.Lanes)
	v.SetDefault("track_modes", c.TrackModes)
	v.SetDefault("warmup", c.Warmup)
	v.SetDefault("duration", c.Duration)
	v.SetDefault("report_interval", c.ReportInterval)
	v.SetDefault("print_errors", c.PrintErrors)
	v.SetDefault("metrics_addr", c.MetricsAddr)
	v.SetDefault("report", c.Report)
}

func (c *Server) setDefaults(v *viper.Viper) {
	c.Log.setDefaults(v)
	v.SetDefault("host", c.Host)
	v.SetDefault("port", c.Port)
	v.SetDefault("metrics_addr", c.MetricsAddr)
	v.SetDefault("shutdown_grace", c.ShutdownGrace)
}

// Loadable is implemented by the configuration types in this package.
type Loadable interface {
	setDefaults(v *viper.Viper)
}

var (
	_ Loadable = (*Bench)(nil)
	_ Loadable = (*Server)(nil)
)

// Load populates cfg, which should already hold defaults, from the config
// file at path (if non-empty), the environment, and the given flags.
//
// Flags are bound to keys by name: dashes stand for underscores, and a "log-"
// prefix selects the log section. So --reuse-streams sets reuse_streams and
// --log-level sets log.level. Flags that were not set on the command line do
// not override other sources.
func Load(path string, flags *pflag.FlagSet, cfg Loadable) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	cfg.setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(FlagKey(f.Name), f)
		})
		if bindErr != nil {
			return bindErr
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// FlagKey returns the configuration key a flag with the given name sets.
func FlagKey(name string) string {
	if rest, ok := strings.CutPrefix(name, "log-"); ok {
		return "log." + strings.ReplaceAll(rest, "-", "_")
	}
	return strings.ReplaceAll(name, "-", "_")
}
