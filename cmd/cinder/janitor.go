package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emberworks/cinder/internal/rpc"
)

var janitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Force a janitor pass on a running daemon",
}

var sweepOps = map[string]string{
	"expired-jobs":    rpc.OpCleanupExpiredJobs,
	"expired-active":  rpc.OpCleanupExpiredActive,
	"orphaned-claims": rpc.OpCleanupOrphanedClaims,
	"stale-counters":  rpc.OpCleanupStaleCounters,
}

var sweepCmd = &cobra.Command{
	Use:       "sweep {expired-jobs|expired-active|orphaned-claims|stale-counters}",
	Short:     "Run one cleanup sweep immediately",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"expired-jobs", "expired-active", "orphaned-claims", "stale-counters"},
	RunE: func(cmd *cobra.Command, args []string) error {
		op, ok := sweepOps[args[0]]
		if !ok {
			return fmt.Errorf("unknown sweep %q", args[0])
		}
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		removed, err := client.Cleanup(context.Background(), op)
		if err != nil {
			return err
		}
		fmt.Printf("%s: removed %d\n", args[0], removed)
		return nil
	},
}

var reconcileOps = map[string]string{
	"team-queue":   rpc.OpReconcileTeamQueue,
	"crawl-queue":  rpc.OpReconcileCrawlQueue,
	"team-active":  rpc.OpReconcileTeamActive,
	"crawl-active": rpc.OpReconcileCrawlActive,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile {team-queue|crawl-queue|team-active|crawl-active} <scope-id>",
	Short: "Reconcile one counter against its ground-truth range",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, ok := reconcileOps[args[0]]
		if !ok {
			return fmt.Errorf("unknown counter kind %q", args[0])
		}
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		delta, err := client.Reconcile(context.Background(), op, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s: corrected by %d\n", args[0], args[1], delta)
		return nil
	},
}

func init() {
	janitorCmd.AddCommand(sweepCmd, reconcileCmd)
}
