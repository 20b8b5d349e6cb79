package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhump/extprocmux"
)

func benchFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("config", "", "")
	flags.Int("stream-concurrency", 100, "")
	flags.Bool("reuse-streams", false, "")
	flags.Duration("duration", 30*time.Second, "")
	flags.String("log-level", "info", "")
	return flags
}

func TestFlagKey(t *testing.T) {
	assert.Equal(t, "reuse_streams", FlagKey("reuse-streams"))
	assert.Equal(t, "log.level", FlagKey("log-level"))
	assert.Equal(t, "log.outputs", FlagKey("log-outputs"))
	assert.Equal(t, "port", FlagKey("port"))
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fixture: fixtures/small.yaml
stream_concurrency: 3
reuse_streams: true
stream_max_handle: 10
duration: 2s
log:
  level: debug
  format: json
`), 0o644))
	t.Setenv("EXTPROCMUX_LOG_LEVEL", "warn")
	t.Setenv("EXTPROCMUX_WARMUP", "1s")

	flags := benchFlags()
	require.NoError(t, flags.Parse([]string{"--stream-concurrency=9"}))

	cfg := DefaultBench()
	require.NoError(t, Load(path, flags, &cfg))
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	// flag beats file
	assert.Equal(t, 9, cfg.StreamConcurrency)
	// env beats file
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, time.Second, cfg.Warmup)
	// file beats defaults, including unset flags
	assert.Equal(t, "fixtures/small.yaml", cfg.Fixture)
	assert.True(t, cfg.ReuseStreams)
	assert.Equal(t, 2*time.Second, cfg.Duration)
	assert.Equal(t, "json", cfg.Log.Format)
	// defaults survive
	assert.Equal(t, "[::1]:50051", cfg.ServerURL)
	assert.Equal(t, []string{"stderr"}, cfg.Log.Outputs)
	assert.Equal(t, 9, cfg.Lanes)
	assert.True(t, cfg.TrackModes)

	assert.Equal(t, extprocmux.BoundedReuse(10), cfg.Policy())
}

func TestLoadServer(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 50051, "")
	flags.String("host", "::1", "")
	require.NoError(t, flags.Parse([]string{"--port", "8080"}))

	cfg := DefaultServer()
	require.NoError(t, Load("", flags, &cfg))
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "::1", cfg.Host)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)

	cfg.Port = 70000
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	cfg := DefaultBench()
	err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil, &cfg)
	assert.ErrorContains(t, err, "read config")
}

func TestBenchPolicy(t *testing.T) {
	cfg := DefaultBench()
	assert.Equal(t, extprocmux.NoReuse(), cfg.Policy())
	cfg.StreamMaxHandle = 5
	assert.Equal(t, extprocmux.NoReuse(), cfg.Policy(), "max handle only applies when reusing streams")
	cfg.ReuseStreams = true
	assert.Equal(t, extprocmux.BoundedReuse(5), cfg.Policy())
	cfg.StreamMaxHandle = 0
	assert.Equal(t, extprocmux.InfiniteReuse(), cfg.Policy())
}

func TestBenchValidate(t *testing.T) {
	valid := func() Bench {
		cfg := DefaultBench()
		cfg.Fixture = "f.yaml"
		cfg.ApplyDefaults()
		return cfg
	}
	cfg := valid()
	require.NoError(t, cfg.Validate())

	cfg.ServerURL = "http://localhost:9000"
	cfg.ApplyDefaults()
	assert.Equal(t, "localhost:9000", cfg.ServerURL)

	for name, mutate := range map[string]func(*Bench){
		"no fixture":     func(c *Bench) { c.Fixture = "" },
		"no server":      func(c *Bench) { c.ServerURL = "" },
		"bad max handle": func(c *Bench) { c.StreamMaxHandle = -1 },
		"no duration":    func(c *Bench) { c.Duration = 0 },
		"bad warmup":     func(c *Bench) { c.Warmup = -time.Second },
		"bad level":      func(c *Bench) { c.Log.Level = "loud" },
		"bad format":     func(c *Bench) { c.Log.Format = "xml" },
	} {
		cfg := valid()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}

	cfg = valid()
	cfg.ServerURL = ""
	cfg.Loopback = true
	assert.NoError(t, cfg.Validate())
}
