package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/agentpulse/internal/config"
	"github.com/codefionn/agentpulse/internal/discovery"
	"github.com/codefionn/agentpulse/internal/lockfile"
	"github.com/codefionn/agentpulse/internal/monitor"
	"github.com/codefionn/agentpulse/internal/pidfile"
	"github.com/codefionn/agentpulse/internal/platform"
	"github.com/codefionn/agentpulse/internal/statusapi"
	"github.com/codefionn/agentpulse/internal/workspace"
)

var (
	serveAddr     string
	serveNoAPI    bool
	servePidfile  string
	serveMultiple bool
)

// serveCmd runs discovery, the status aggregator and the status API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Discover instances and serve workspace statuses",
	Long: `Scan for agent servers below the root process, follow their event streams and
publish per-workspace statuses on the local status API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.API.Addr = serveAddr
		}
		if serveNoAPI {
			cfg.API.Enabled = false
		}
		if serveMultiple {
			cfg.Monitor.MultiInstance = true
		}
		if cfg.Monitor.RootPid <= 0 && cfg.Monitor.Pidfile == "" {
			return fmt.Errorf("no root process: pass --root-pid or --pidfile")
		}

		log, err := setupLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Close()

		lock := lockfile.New(config.GetLockPath())
		if err := lock.TryAcquire(); err != nil {
			return err
		}
		defer lock.Release()

		if servePidfile != "" {
			own := pidfile.New(servePidfile)
			if err := own.Write(); err != nil {
				return err
			}
			defer own.Remove()
		}

		plat := platform.Default()
		probe := discovery.NewHTTPProber(cfg.Client.Host, cfg.Discovery.ProbeTimeout, log.WithPrefix("probe"))
		disc := discovery.New(plat, plat, probe, cfg.DiscoveryOptions(), log.WithPrefix("discovery"))
		mgr := workspace.NewManager(workspace.OpencodeFactory(cfg.ClientOptions(), log.WithPrefix("opencode")), log.WithPrefix("workspace"))
		mon := monitor.New(disc, mgr, monitor.Config{
			ScanInterval:  cfg.Monitor.ScanInterval,
			MultiInstance: cfg.Monitor.MultiInstance,
		}, log.WithPrefix("monitor"))
		defer mon.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, ctx := errgroup.WithContext(ctx)

		if cfg.Monitor.RootPid > 0 {
			disc.SetRootPid(cfg.Monitor.RootPid)
		} else {
			pf := pidfile.New(cfg.Monitor.Pidfile)
			g.Go(func() error { return mon.FollowPidfile(ctx, pf) })
		}

		g.Go(func() error { return mon.Run(ctx) })

		if cfg.API.Enabled {
			srv := statusapi.NewServer(cfg.API.Addr, mgr, disc, log.WithPrefix("statusapi"))
			g.Go(srv.Start)
			g.Go(func() error {
				<-ctx.Done()
				return srv.Stop()
			})
		}

		log.Info("agentpulse %s serving (api enabled: %t)", version, cfg.API.Enabled)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Status API listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "Disable the status API")
	serveCmd.Flags().StringVar(&servePidfile, "write-pidfile", "", "Write the agentpulse pid to this file")
	serveCmd.Flags().BoolVar(&serveMultiple, "multi-instance", false, "Track every instance of a workspace")
}
