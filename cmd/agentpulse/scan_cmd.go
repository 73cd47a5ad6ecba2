package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/codefionn/agentpulse/internal/discovery"
	"github.com/codefionn/agentpulse/internal/platform"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one discovery pass and print the instances found",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := setupLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Close()

		pid, err := resolveRootPid(cfg)
		if err != nil {
			return err
		}

		plat := platform.Default()
		probe := discovery.NewHTTPProber(cfg.Client.Host, cfg.Discovery.ProbeTimeout, log.WithPrefix("probe"))
		disc := discovery.New(plat, plat, probe, cfg.DiscoveryOptions(), log.WithPrefix("discovery"))
		disc.SetRootPid(pid)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		if err := disc.Scan(ctx); err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}

		var rows [][]string
		for _, ws := range disc.Workspaces() {
			for _, inst := range disc.InstancesForWorkspace(ws) {
				rows = append(rows, []string{ws, strconv.Itoa(inst.Port), strconv.Itoa(inst.PID)})
			}
		}
		if len(rows) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "no instances below pid %d\n", pid)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"WORKSPACE", "PORT", "PID"}, rows, -1))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
