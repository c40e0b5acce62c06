package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *pflag.FlagSet {
	return pflag.NewFlagSet("test", pflag.ContinueOnError)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nwcopy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseSenderConfig_Defaults(t *testing.T) {
	cfg, err := parseSenderConfigWithFlagSet(newFlagSet(), []string{"src", "10.0.0.2"})
	require.NoError(t, err)

	assert.Equal(t, "src", cfg.SourceDir)
	assert.Equal(t, "10.0.0.2:5080", cfg.Addr)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, TransportTCP, cfg.Transport)
	assert.Equal(t, 64*1024, cfg.ChunkSize)
	assert.Equal(t, 1024, cfg.NameWidth)
	assert.Equal(t, 32, cfg.NumberWidth)
	assert.Equal(t, OnErrorAbort, cfg.OnError)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParseSenderConfig_Flags(t *testing.T) {
	cfg, err := parseSenderConfigWithFlagSet(newFlagSet(), []string{
		"-c", "8", "--transport", "quic", "--io-timeout", "30s",
		"--on-error", "continue", "src", "host:6000",
	})
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, TransportQUIC, cfg.Transport)
	assert.Equal(t, 30*time.Second, cfg.IOTimeout)
	assert.Equal(t, OnErrorContinue, cfg.OnError)
	assert.Equal(t, "host:6000", cfg.Addr)
}

func TestParseSenderConfig_EnvFallback(t *testing.T) {
	t.Setenv("NWCOPY_CONCURRENCY", "3")
	t.Setenv("NWCOPY_LOG_LEVEL", "warn")
	t.Setenv("NWCOPY_PROGRESS", "true")

	cfg, err := parseSenderConfigWithFlagSet(newFlagSet(), []string{"src", "host"})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.Progress)
}

func TestParseSenderConfig_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("NWCOPY_CONCURRENCY", "3")
	t.Setenv("NWCOPY_LOG_LEVEL", "warn")

	cfg, err := parseSenderConfigWithFlagSet(newFlagSet(), []string{"--concurrency", "6", "src", "host"})
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Concurrency)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestParseSenderConfig_FileUnderEnvAndFlags(t *testing.T) {
	path := writeConfig(t, `
concurrency: 12
transport: ws
chunk_size: 4096
dial_timeout: 2s
log_level: debug
`)
	t.Setenv("NWCOPY_TRANSPORT", "quic")

	cfg, err := parseSenderConfigWithFlagSet(newFlagSet(), []string{"--config", path, "--log-level", "error", "src", "host"})
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Concurrency)
	assert.Equal(t, 4096, cfg.ChunkSize)
	assert.Equal(t, 2*time.Second, cfg.DialTimeout)
	assert.Equal(t, TransportQUIC, cfg.Transport)
	assert.Equal(t, "error", cfg.LogLevel)
}

func TestParseSenderConfig_ConfigFromEnv(t *testing.T) {
	t.Setenv("NWCOPY_CONFIG", writeConfig(t, "name_width: 64\n"))

	cfg, err := parseSenderConfigWithFlagSet(newFlagSet(), []string{"src", "host"})
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.NameWidth)
}

func TestParseSenderConfig_UnknownFileKey(t *testing.T) {
	path := writeConfig(t, "concurency: 2\n")
	_, err := parseSenderConfigWithFlagSet(newFlagSet(), []string{"--config", path, "src", "host"})
	assert.ErrorContains(t, err, "concurency")
}

func TestParseSenderConfig_EmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := parseSenderConfigWithFlagSet(newFlagSet(), []string{"--config", path, "src", "host"})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Concurrency)
}

func TestParseSenderConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{"missing args", []string{"src"}, nil, "expected <source-dir> <receiver-addr>"},
		{"zero concurrency", []string{"-c", "0", "src", "host"}, nil, "concurrency"},
		{"bad transport", []string{"--transport", "udp", "src", "host"}, nil, "unknown transport"},
		{"narrow numbers", []string{"--number-width", "8", "src", "host"}, nil, "number width"},
		{"bad policy", []string{"--on-error", "retry", "src", "host"}, nil, "on-error"},
		{"bad level", []string{"--log-level", "trace", "src", "host"}, nil, "log level"},
		{"bad env", []string{"src", "host"}, map[string]string{"NWCOPY_CONCURRENCY": "many"}, "NWCOPY_CONCURRENCY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := parseSenderConfigWithFlagSet(newFlagSet(), tt.args)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseReceiverConfig_Defaults(t *testing.T) {
	cfg, err := parseReceiverConfigWithFlagSet(newFlagSet(), nil)
	require.NoError(t, err)

	assert.Equal(t, ":5080", cfg.Listen)
	assert.Equal(t, ".", cfg.OutDir)
	assert.Equal(t, 0, cfg.MaxWorkers)
	assert.False(t, cfg.Persist)
	assert.Equal(t, time.Duration(0), cfg.IdleTimeout)
}

func TestParseReceiverConfig_FlagsAndEnv(t *testing.T) {
	t.Setenv("NWCOPY_PERSIST", "1")
	t.Setenv("NWCOPY_OUT", "/srv/in")

	cfg, err := parseReceiverConfigWithFlagSet(newFlagSet(), []string{
		"-l", "127.0.0.1", "--max-workers", "2", "--idle-timeout", "1m", "--rcvbuf", "1048576",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5080", cfg.Listen)
	assert.Equal(t, "/srv/in", cfg.OutDir)
	assert.Equal(t, 2, cfg.MaxWorkers)
	assert.Equal(t, time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 1<<20, cfg.RecvBuffer)
	assert.True(t, cfg.Persist)
}

func TestParseReceiverConfig_Invalid(t *testing.T) {
	_, err := parseReceiverConfigWithFlagSet(newFlagSet(), []string{"--max-workers", "-1"})
	assert.ErrorContains(t, err, "max workers")

	_, err = parseReceiverConfigWithFlagSet(newFlagSet(), []string{"--out", ""})
	assert.ErrorContains(t, err, "output directory")
}

func TestNormalizeAddr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"host", "host:5080"},
		{"host:1", "host:1"},
		{":5081", ":5081"},
		{"::1", "[::1]:5080"},
		{"[::1]", "[::1]:5080"},
		{"[::1]:9", "[::1]:9"},
	}
	for _, tt := range tests {
		got, err := NormalizeAddr(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := NormalizeAddr("")
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "NWCOPY_IO_TIMEOUT", EnvKey("io-timeout"))
	assert.Equal(t, "NWCOPY_SNDBUF", EnvKey("sndbuf"))
}
