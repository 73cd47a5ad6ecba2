// Package config loads the agentpulse YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codefionn/agentpulse/internal/discovery"
	"github.com/codefionn/agentpulse/internal/opencode"
)

const appName = "agentpulse"

// Config represents the application configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Client    ClientConfig    `yaml:"client"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	API       APIConfig       `yaml:"api"`
}

// LogConfig selects log verbosity and destination ("-" is stderr).
type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

// DiscoveryConfig tunes port discovery.
type DiscoveryConfig struct {
	NegativeCacheTTL time.Duration `yaml:"negative_cache_ttl"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	ProbeConcurrency int           `yaml:"probe_concurrency"`
}

// ClientConfig tunes the per-instance client.
type ClientConfig struct {
	Host              string        `yaml:"host"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	Transport         string        `yaml:"transport"`
}

// MonitorConfig controls the scan loop. The root pid comes from RootPid, or
// from Pidfile when RootPid is zero.
type MonitorConfig struct {
	ScanInterval  time.Duration `yaml:"scan_interval"`
	MultiInstance bool          `yaml:"multi_instance"`
	RootPid       int           `yaml:"root_pid"`
	Pidfile       string        `yaml:"pidfile"`
}

// APIConfig controls the local status API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	client := opencode.DefaultClientConfig()
	disc := discovery.DefaultConfig()

	return &Config{
		Log: LogConfig{
			Level: "info",
			Path:  filepath.Join(defaultStateDir(), appName+".log"),
		},
		Discovery: DiscoveryConfig{
			NegativeCacheTTL: disc.NegativeCacheTTL,
			ProbeTimeout:     time.Second,
			ProbeConcurrency: disc.ProbeConcurrency,
		},
		Client: ClientConfig{
			Host:              client.Host,
			RequestTimeout:    client.RequestTimeout,
			ConnectTimeout:    client.ConnectTimeout,
			ReconnectDelay:    client.ReconnectDelay,
			ReconnectMaxDelay: client.ReconnectMaxDelay,
			Transport:         string(client.Transport),
		},
		Monitor: MonitorConfig{
			ScanInterval: 2 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Addr:    "127.0.0.1:7777",
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults;
// fields absent from the file keep their default values.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Path == "" {
		config.Log.Path = filepath.Join(defaultStateDir(), appName+".log")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error", "none", "off":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if c.Discovery.NegativeCacheTTL < 0 {
		errs = append(errs, errors.New("discovery.negative_cache_ttl must not be negative"))
	}
	if c.Discovery.ProbeTimeout < 0 {
		errs = append(errs, errors.New("discovery.probe_timeout must not be negative"))
	}
	if c.Discovery.ProbeConcurrency < 0 {
		errs = append(errs, errors.New("discovery.probe_concurrency must not be negative"))
	}
	if c.Client.RequestTimeout < 0 || c.Client.ConnectTimeout < 0 {
		errs = append(errs, errors.New("client timeouts must not be negative"))
	}
	if c.Client.ReconnectDelay < 0 || c.Client.ReconnectMaxDelay < 0 {
		errs = append(errs, errors.New("client reconnect delays must not be negative"))
	}
	if c.Client.ReconnectMaxDelay > 0 && c.Client.ReconnectMaxDelay < c.Client.ReconnectDelay {
		errs = append(errs, errors.New("client.reconnect_max_delay is below client.reconnect_delay"))
	}
	if _, err := opencode.ParseTransport(c.Client.Transport); err != nil {
		errs = append(errs, fmt.Errorf("client.transport: %w", err))
	}
	if c.Monitor.ScanInterval <= 0 {
		errs = append(errs, errors.New("monitor.scan_interval must be positive"))
	}
	if c.Monitor.RootPid < 0 {
		errs = append(errs, errors.New("monitor.root_pid must not be negative"))
	}
	if c.API.Enabled && strings.TrimSpace(c.API.Addr) == "" {
		errs = append(errs, errors.New("api.addr is required when the api is enabled"))
	}

	return errors.Join(errs...)
}

// DiscoveryOptions converts the discovery section.
func (c *Config) DiscoveryOptions() discovery.Config {
	return discovery.Config{
		NegativeCacheTTL: c.Discovery.NegativeCacheTTL,
		ProbeConcurrency: c.Discovery.ProbeConcurrency,
	}
}

// ClientOptions converts the client section. Validate has already rejected
// unknown transports.
func (c *Config) ClientOptions() opencode.ClientConfig {
	transport, err := opencode.ParseTransport(c.Client.Transport)
	if err != nil {
		transport = opencode.TransportSSE
	}
	return opencode.ClientConfig{
		Host:              c.Client.Host,
		RequestTimeout:    c.Client.RequestTimeout,
		ConnectTimeout:    c.Client.ConnectTimeout,
		ReconnectDelay:    c.Client.ReconnectDelay,
		ReconnectMaxDelay: c.Client.ReconnectMaxDelay,
		Transport:         transport,
	}
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

// GetLockPath returns the lockfile guarding a running server
func GetLockPath() string {
	return filepath.Join(defaultStateDir(), "serve.lock")
}
