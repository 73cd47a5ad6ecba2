package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codefionn/agentpulse/internal/config"
	"github.com/codefionn/agentpulse/internal/logger"
	"github.com/codefionn/agentpulse/internal/pidfile"
)

var (
	configFile  string
	logLevel    string
	logFile     string
	rootPid     int
	pidfilePath string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "agentpulse",
	Short: "Track agent-server activity per workspace",
	Long: `agentpulse discovers agent-server instances spawned below a host process,
follows their event streams and publishes one idle/busy status per workspace.

Use 'agentpulse help <command>' for more information on a specific command.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (YAML, default "+config.GetConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file path, '-' for stderr")
	rootCmd.PersistentFlags().IntVar(&rootPid, "root-pid", 0, "Only consider descendants of this process")
	rootCmd.PersistentFlags().StringVar(&pidfilePath, "pidfile", "", "Read the root pid from this file and follow changes")
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if v := strings.TrimSpace(logLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(logFile); v != "" {
		cfg.Log.Path = v
	}
	if rootPid != 0 {
		cfg.Monitor.RootPid = rootPid
	}
	if v := strings.TrimSpace(pidfilePath); v != "" {
		cfg.Monitor.Pidfile = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger creates the global logger from cfg.
func setupLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.New(logger.ParseLevel(cfg.Log.Level), cfg.Log.Path, "")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetGlobal(log)
	return log, nil
}

// resolveRootPid returns the pid to scope discovery to: the configured pid,
// or the current content of the pidfile.
func resolveRootPid(cfg *config.Config) (int, error) {
	if cfg.Monitor.RootPid > 0 {
		return cfg.Monitor.RootPid, nil
	}
	if cfg.Monitor.Pidfile != "" {
		return pidfile.New(cfg.Monitor.Pidfile).Read()
	}
	return 0, fmt.Errorf("no root process: pass --root-pid or --pidfile")
}
