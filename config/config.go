package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/xerrors"
)

// Config is the CHORD_*-prefixed environment configuration of one
// node process.
type Config struct {
	Host            string
	Port            int
	BootstrapHost   string
	BootstrapPort   int
	StoragePath     string
	M               int
	StabilizePeriod time.Duration
	RPCTimeout      time.Duration
	JoinRetry       time.Duration
	LogLevel        string
}

const (
	defaultHost        = "localhost"
	defaultPort        = 5000
	defaultStoragePath = "/app/storage"
	defaultM           = 10
	defaultStabilize   = 2 * time.Second
	defaultRPCTimeout  = 5 * time.Second
	defaultJoinRetry   = 5 * time.Second
	defaultLogLevel    = "info"
)

// FromEnv reads and validates the CHORD_* environment variables,
// applying defaults for everything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		Host:          envString("CHORD_HOST", defaultHost),
		BootstrapHost: envString("CHORD_BOOTSTRAP_HOST", ""),
		StoragePath:   envString("CHORD_STORAGE_PATH", defaultStoragePath),
		LogLevel:      envString("CHORD_LOG_LEVEL", defaultLogLevel),
	}

	var err error
	if cfg.Port, err = envInt("CHORD_PORT", defaultPort); err != nil {
		return Config{}, err
	}
	if cfg.BootstrapPort, err = envInt("CHORD_BOOTSTRAP_PORT", 0); err != nil {
		return Config{}, err
	}
	if cfg.M, err = envInt("CHORD_M", defaultM); err != nil {
		return Config{}, err
	}
	if cfg.StabilizePeriod, err = envDuration("CHORD_STABILIZE_PERIOD", defaultStabilize); err != nil {
		return Config{}, err
	}
	if cfg.RPCTimeout, err = envDuration("CHORD_RPC_TIMEOUT", defaultRPCTimeout); err != nil {
		return Config{}, err
	}
	if cfg.JoinRetry, err = envDuration("CHORD_JOIN_RETRY", defaultJoinRetry); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Host == "" {
		return xerrors.New("CHORD_HOST must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return xerrors.Errorf("CHORD_PORT %d out of range", c.Port)
	}
	if c.M < 1 || c.M > 63 {
		return xerrors.Errorf("CHORD_M %d out of range [1, 63]", c.M)
	}
	if c.StabilizePeriod <= 0 || c.RPCTimeout <= 0 || c.JoinRetry <= 0 {
		return xerrors.New("intervals must be positive")
	}
	// bootstrap host and port come as a pair
	if (c.BootstrapHost == "") != (c.BootstrapPort == 0) {
		return xerrors.New("CHORD_BOOTSTRAP_HOST and CHORD_BOOTSTRAP_PORT must be set together")
	}
	if c.BootstrapPort != 0 && (c.BootstrapPort < 1 || c.BootstrapPort > 65535) {
		return xerrors.Errorf("CHORD_BOOTSTRAP_PORT %d out of range", c.BootstrapPort)
	}
	return nil
}

// Address is this node's routable "host:port".
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BootstrapAddr returns the bootstrap "host:port", or "" when the node
// starts a new ring.
func (c Config) BootstrapAddr() string {
	if c.BootstrapHost == "" {
		return ""
	}
	return net.JoinHostPort(c.BootstrapHost, strconv.Itoa(c.BootstrapPort))
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, xerrors.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// envDuration accepts Go duration strings and, for parity with the
// reference deployment, bare numbers meaning seconds.
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, xerrors.Errorf("%s: %w", key, err)
	}
	return d, nil
}
