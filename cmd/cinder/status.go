package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emberworks/cinder/internal/config"
	"github.com/emberworks/cinder/internal/rpc"
)

var statusTeam string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and optional team queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := context.Background()
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("cinder %s (pid %d, up %ds)\n", st.Version, st.PID, st.UptimeSeconds)

		if statusTeam != "" {
			queued, err := client.QueueCountTeam(ctx, statusTeam)
			if err != nil {
				return err
			}
			executing, err := client.ActiveCountTeam(ctx, statusTeam)
			if err != nil {
				return err
			}
			fmt.Printf("team %s: %d queued, %d executing\n", statusTeam, queued, executing)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusTeam, "team", "", "also report this team's queue counts")
}

// dialDaemon builds a client from the same config the daemon reads.
func dialDaemon() (*rpc.Client, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return rpc.NewClient(cfg.ListenNetwork, cfg.ListenAddr), nil
}
