// Package config loads the cluster policy YAML file and watches it for
// hot-reloadable knob changes.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level cluster client configuration.
type Config struct {
	Seeds  []SeedConfig `yaml:"seeds"`
	Auth   AuthConfig   `yaml:"auth"`
	Policy PolicyConfig `yaml:"policy"`
	API    APIConfig    `yaml:"api"`
}

// SeedConfig is one seed host entry. Seeds are immutable after
// construction: the tend thread owns topology discovery from here on,
// so a config reload never re-seeds.
type SeedConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuthConfig holds the login credentials. Like seeds, these are fixed at
// construction; only the hot-reloadable PolicyConfig knobs below change
// on a config-file edit.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PolicyConfig carries the tunables of the tend loop, pools, and command
// pipeline. Nothing here changes cluster identity. A reloaded PolicyConfig
// does not by itself change a running cluster: the values take effect
// only where a caller builds new policies from it.
type PolicyConfig struct {
	TendIntervalMS     int     `yaml:"tend_interval_ms"`
	LoginTimeoutMS     int     `yaml:"login_timeout_ms"`
	InfoTimeoutMS      int     `yaml:"info_timeout_ms"`
	ConnPoolsPerNode   int     `yaml:"conn_pools_per_node"`
	MinConnsPerNode    int     `yaml:"min_conns_per_node"`
	MaxConnsPerNode    int     `yaml:"max_conns_per_node"`
	IdleTimeoutMS      int     `yaml:"idle_timeout_ms"`
	MaxConnLifetimeMS  int     `yaml:"max_conn_lifetime_ms"`
	MaxErrorRate       float64 `yaml:"max_error_rate"`
	RackAware          bool    `yaml:"rack_aware"`
	RackIDs            []int   `yaml:"rack_ids"`
	MaxRetries         int     `yaml:"max_retries"`
	TotalTimeoutMS     int     `yaml:"total_timeout_ms"`
	SocketTimeoutMS    int     `yaml:"socket_timeout_ms"`
	AsyncMaxCommands   int     `yaml:"async_max_commands"`
	AsyncMaxQueued     int     `yaml:"async_max_commands_in_queue"`
	FailIfNotConnected bool    `yaml:"fail_if_not_connected"`
}

// APIConfig configures the read-only diagnostics HTTP API.
type APIConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// TendInterval returns the configured tend interval, defaulting to 1s.
func (p PolicyConfig) TendInterval() time.Duration {
	if p.TendIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(p.TendIntervalMS) * time.Millisecond
}

func (p PolicyConfig) durationOr(ms, defaultMS int) time.Duration {
	if ms <= 0 {
		ms = defaultMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (p PolicyConfig) LoginTimeout() time.Duration    { return p.durationOr(p.LoginTimeoutMS, 1000) }
func (p PolicyConfig) InfoTimeout() time.Duration     { return p.durationOr(p.InfoTimeoutMS, 1000) }
func (p PolicyConfig) IdleTimeout() time.Duration     { return p.durationOr(p.IdleTimeoutMS, 55000) }
func (p PolicyConfig) MaxConnLifetime() time.Duration { return p.durationOr(p.MaxConnLifetimeMS, 0) }
func (p PolicyConfig) TotalTimeout() time.Duration    { return p.durationOr(p.TotalTimeoutMS, 1000) }
func (p PolicyConfig) SocketTimeout() time.Duration   { return p.durationOr(p.SocketTimeoutMS, 30000) }

// Redacted returns a copy of the config with the password masked, for
// logging and the diagnostics API.
func (c Config) Redacted() Config {
	cp := c
	if cp.Auth.Password != "" {
		cp.Auth.Password = "***REDACTED***"
	}
	return cp
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving unresolved references untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses the YAML policy file with env-var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Policy.ConnPoolsPerNode == 0 {
		cfg.Policy.ConnPoolsPerNode = 1
	}
	if cfg.Policy.MinConnsPerNode == 0 {
		cfg.Policy.MinConnsPerNode = 1
	}
	if cfg.Policy.MaxConnsPerNode == 0 {
		cfg.Policy.MaxConnsPerNode = 100
	}
	if cfg.Policy.MaxErrorRate == 0 {
		cfg.Policy.MaxErrorRate = 0.5
	}
	if cfg.Policy.MaxRetries == 0 {
		cfg.Policy.MaxRetries = 2
	}
	if cfg.Policy.AsyncMaxCommands == 0 {
		cfg.Policy.AsyncMaxCommands = 100
	}
	if cfg.Policy.AsyncMaxQueued == 0 {
		cfg.Policy.AsyncMaxQueued = 5000
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1"
	}
}

func validate(cfg *Config) error {
	if len(cfg.Seeds) == 0 {
		return fmt.Errorf("at least one seed host is required")
	}
	for i, s := range cfg.Seeds {
		if s.Host == "" {
			return fmt.Errorf("seed[%d]: host is required", i)
		}
		if s.Port == 0 {
			return fmt.Errorf("seed[%d]: port is required", i)
		}
	}
	return nil
}

// Watcher watches the policy file for changes and calls the callback with
// the reloaded config. Only PolicyConfig fields are meant to be acted on
// by the callback: seeds/auth are read once at construction and a
// reloaded Config's Seeds/Auth fields should be ignored by callers.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	logger   *slog.Logger
}

// NewWatcher creates a policy file watcher.
func NewWatcher(path string, logger *slog.Logger, callback func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}

	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{}), logger: logger}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		cw.logger.Error("config hot-reload failed", "error", err)
		return
	}
	cw.logger.Info("policy reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
