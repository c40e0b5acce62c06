// Package config resolves sender and receiver settings. Sources are layered
// with increasing precedence: built-in defaults, an optional YAML file,
// NWCOPY_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sheerbytes/nwcopy/internal/bufpool"
	"github.com/sheerbytes/nwcopy/internal/logging"
	"github.com/sheerbytes/nwcopy/internal/wire"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// DefaultPort is used for addresses given without a port.
const DefaultPort = "5080"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NWCOPY_"

// Transport names.
const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
	TransportWS   = "ws"
)

// Error policies applied at the result collector.
const (
	OnErrorAbort    = "abort"
	OnErrorContinue = "continue"
)

const configFlag = "config"

// Common holds the settings shared by both commands. Both peers must agree on
// Transport, NameWidth and NumberWidth.
type Common struct {
	Transport   string        `yaml:"transport"`
	ChunkSize   int           `yaml:"chunk_size"`
	NameWidth   int           `yaml:"name_width"`
	NumberWidth int           `yaml:"number_width"`
	IOTimeout   time.Duration `yaml:"io_timeout"`
	OnError     string        `yaml:"on_error"`
	Progress    bool          `yaml:"progress"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
}

// SenderConfig holds configuration for the send command.
type SenderConfig struct {
	Common `yaml:",inline"`

	SourceDir string `yaml:"-"`
	Addr      string `yaml:"-"`

	Concurrency int           `yaml:"concurrency"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	SendBuffer  int           `yaml:"sndbuf"`
}

// ReceiverConfig holds configuration for the receive command.
type ReceiverConfig struct {
	Common `yaml:",inline"`

	Listen      string        `yaml:"listen"`
	OutDir      string        `yaml:"out"`
	MaxWorkers  int           `yaml:"max_workers"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Persist     bool          `yaml:"persist"`
	RecvBuffer  int           `yaml:"rcvbuf"`
}

func defaultCommon() Common {
	return Common{
		Transport:   TransportTCP,
		ChunkSize:   bufpool.DefaultSize,
		NameWidth:   wire.DefaultNameWidth,
		NumberWidth: wire.DefaultNumberWidth,
		OnError:     OnErrorAbort,
		LogLevel:    "info",
		LogFormat:   logging.FormatText,
	}
}

// DefaultSender returns the built-in sender defaults.
func DefaultSender() SenderConfig {
	return SenderConfig{
		Common:      defaultCommon(),
		Concurrency: 4,
		DialTimeout: 5 * time.Second,
	}
}

// DefaultReceiver returns the built-in receiver defaults.
func DefaultReceiver() ReceiverConfig {
	return ReceiverConfig{
		Common: defaultCommon(),
		Listen: ":" + DefaultPort,
		OutDir: ".",
	}
}

// Codec returns the framing codec described by the width settings.
func (c Common) Codec() wire.Codec {
	return wire.Codec{NameWidth: c.NameWidth, NumberWidth: c.NumberWidth}
}

func bindCommon(fs *pflag.FlagSet, c *Common) {
	fs.String(configFlag, "", "YAML config file (env "+EnvPrefix+"CONFIG)")
	fs.StringVar(&c.Transport, "transport", c.Transport, "transport: tcp, quic or ws")
	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "copy chunk size in bytes")
	fs.IntVar(&c.NameWidth, "name-width", c.NameWidth, "filename field width in bytes")
	fs.IntVar(&c.NumberWidth, "number-width", c.NumberWidth, "numeric field width in bytes")
	fs.DurationVar(&c.IOTimeout, "io-timeout", c.IOTimeout, "per read/write deadline on every connection (0 = none)")
	fs.StringVar(&c.OnError, "on-error", c.OnError, "failed job policy: abort or continue")
	fs.BoolVar(&c.Progress, "progress", c.Progress, "show progress")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (text, json)")
}

// BindSenderFlags registers the send flags on fs, bound to cfg. cfg should
// hold DefaultSender values.
func BindSenderFlags(fs *pflag.FlagSet, cfg *SenderConfig) {
	bindCommon(fs, &cfg.Common)
	fs.IntVarP(&cfg.Concurrency, "concurrency", "c", cfg.Concurrency, "requested number of parallel connections")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "connection establishment timeout")
	fs.IntVar(&cfg.SendBuffer, "sndbuf", cfg.SendBuffer, "socket send buffer in bytes (0 = system default)")
}

// BindReceiverFlags registers the receive flags on fs, bound to cfg. cfg
// should hold DefaultReceiver values.
func BindReceiverFlags(fs *pflag.FlagSet, cfg *ReceiverConfig) {
	bindCommon(fs, &cfg.Common)
	fs.StringVarP(&cfg.Listen, "listen", "l", cfg.Listen, "listen address")
	fs.StringVarP(&cfg.OutDir, "out", "o", cfg.OutDir, "output directory")
	fs.IntVar(&cfg.MaxWorkers, "max-workers", cfg.MaxWorkers, "max concurrent receive workers (0 = announced concurrency)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "max wait for the next connection (0 = none)")
	fs.BoolVar(&cfg.Persist, "persist", cfg.Persist, "keep serving runs until interrupted")
	fs.IntVar(&cfg.RecvBuffer, "rcvbuf", cfg.RecvBuffer, "socket receive buffer in bytes (0 = system default)")
}

// ResolveSender layers file and environment values under the flags already
// parsed into fs, then applies the positional <source-dir> <receiver-addr>.
func ResolveSender(fs *pflag.FlagSet, cfg *SenderConfig, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("expected <source-dir> <receiver-addr>, got %d arguments", len(args))
	}
	if err := resolve(fs, cfg, func() { *cfg = DefaultSender() }); err != nil {
		return err
	}
	cfg.SourceDir = args[0]
	addr, err := NormalizeAddr(args[1])
	if err != nil {
		return err
	}
	cfg.Addr = addr
	return cfg.Validate()
}

// ResolveReceiver layers file and environment values under the flags already
// parsed into fs.
func ResolveReceiver(fs *pflag.FlagSet, cfg *ReceiverConfig) error {
	if err := resolve(fs, cfg, func() { *cfg = DefaultReceiver() }); err != nil {
		return err
	}
	addr, err := NormalizeAddr(cfg.Listen)
	if err != nil {
		return err
	}
	cfg.Listen = addr
	return cfg.Validate()
}

// resolve rebuilds target from defaults, the config file and the environment,
// then replays the flags the user set explicitly.
func resolve(fs *pflag.FlagSet, target any, reset func()) error {
	explicit := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	path, ok := explicit[configFlag]
	if !ok {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}

	reset()
	if path != "" {
		if err := loadFile(path, target); err != nil {
			return err
		}
	}

	var envErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if envErr != nil || f.Name == configFlag {
			return
		}
		key := EnvKey(f.Name)
		if v, ok := os.LookupEnv(key); ok {
			if err := f.Value.Set(v); err != nil {
				envErr = fmt.Errorf("%s: %w", key, err)
			}
		}
	})
	if envErr != nil {
		return envErr
	}

	for name, v := range explicit {
		if err := fs.Set(name, v); err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
	}
	return nil
}

func loadFile(path string, target any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// EnvKey maps a flag name to its environment variable.
func EnvKey(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// NormalizeAddr appends DefaultPort to addresses that have none.
func NormalizeAddr(addr string) (string, error) {
	if addr == "" {
		return "", errors.New("empty address")
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr, nil
	}
	host := strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	if strings.ContainsAny(host, "[]") {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return net.JoinHostPort(host, DefaultPort), nil
}

// Validate checks the shared settings.
func (c Common) Validate() error {
	switch c.Transport {
	case TransportTCP, TransportQUIC, TransportWS:
	default:
		return fmt.Errorf("unknown transport %q (want tcp, quic or ws)", c.Transport)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if err := c.Codec().Validate(); err != nil {
		return err
	}
	if c.IOTimeout < 0 {
		return fmt.Errorf("io timeout must not be negative, got %s", c.IOTimeout)
	}
	switch c.OnError {
	case OnErrorAbort, OnErrorContinue:
	default:
		return fmt.Errorf("unknown on-error policy %q (want abort or continue)", c.OnError)
	}
	if err := logging.ValidateLevel(c.LogLevel); err != nil {
		return err
	}
	return logging.ValidateFormat(c.LogFormat)
}

// Validate checks the sender settings.
func (c SenderConfig) Validate() error {
	if err := c.Common.Validate(); err != nil {
		return err
	}
	if c.SourceDir == "" {
		return errors.New("source directory is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("dial timeout must not be negative, got %s", c.DialTimeout)
	}
	if c.SendBuffer < 0 {
		return fmt.Errorf("sndbuf must not be negative, got %d", c.SendBuffer)
	}
	return nil
}

// Validate checks the receiver settings.
func (c ReceiverConfig) Validate() error {
	if err := c.Common.Validate(); err != nil {
		return err
	}
	if c.OutDir == "" {
		return errors.New("output directory is required")
	}
	if c.MaxWorkers < 0 {
		return fmt.Errorf("max workers must not be negative, got %d", c.MaxWorkers)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative, got %s", c.IdleTimeout)
	}
	if c.RecvBuffer < 0 {
		return fmt.Errorf("rcvbuf must not be negative, got %d", c.RecvBuffer)
	}
	return nil
}

// parseSenderConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseSenderConfigWithFlagSet(fs *pflag.FlagSet, args []string) (SenderConfig, error) {
	cfg := DefaultSender()
	BindSenderFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	err := ResolveSender(fs, &cfg, fs.Args())
	return cfg, err
}

// parseReceiverConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseReceiverConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ReceiverConfig, error) {
	cfg := DefaultReceiver()
	BindReceiverFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	err := ResolveReceiver(fs, &cfg)
	return cfg, err
}
