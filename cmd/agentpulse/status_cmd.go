package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codefionn/agentpulse/internal/opencode"
)

var (
	statusPort  int
	statusWatch bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the status of one instance",
	Long: `Query the root sessions and aggregate status of the agent server on --port.
With --watch the event stream is followed and every status change printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusPort <= 0 || statusPort > 65535 {
			return fmt.Errorf("--port must be a valid TCP port")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := setupLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := opencode.NewClient(statusPort, cfg.ClientOptions(), log.WithPrefix("opencode"))
		defer client.Dispose()

		roots, err := client.FetchRootSessions(ctx)
		if err != nil {
			return err
		}
		status, err := client.GetStatus(ctx)
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(roots))
		for _, s := range roots {
			rows = append(rows, []string{s.ID, s.Title, s.Directory})
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, renderTable([]string{"PORT", "STATUS", "ROOT SESSIONS"},
			[][]string{{strconv.Itoa(statusPort), string(status), strconv.Itoa(len(roots))}}, 1))
		if len(rows) > 0 {
			fmt.Fprintln(out, renderTable([]string{"SESSION", "TITLE", "DIRECTORY"}, rows, -1))
		}

		if !statusWatch {
			return nil
		}
		return watchStatus(ctx, cmd, client)
	},
}

func watchStatus(ctx context.Context, cmd *cobra.Command, client *opencode.Client) error {
	out := cmd.OutOrStdout()
	client.OnStatusChanged(func(ev opencode.StatusEvent) {
		if ev.SessionID == "" {
			fmt.Fprintf(out, "status: %s\n", client.Status())
			return
		}
		fmt.Fprintf(out, "session %s: %s (instance %s)\n", ev.SessionID, ev.Status, client.Status())
	})
	client.OnPermissionEvent(func(ev opencode.PermissionEvent) {
		fmt.Fprintf(out, "permission %s on %s: %s\n", ev.PermissionID, ev.SessionID, ev.Type)
	})
	client.OnConnectionChanged(func(state opencode.ConnectionState) {
		fmt.Fprintf(out, "connection: %s\n", state)
	})

	if err := client.Connect(ctx); err != nil {
		// a reconnect is already scheduled
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	<-ctx.Done()
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusPort, "port", 0, "Port of the agent server")
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "Follow status changes until interrupted")
}
