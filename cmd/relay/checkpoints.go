package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <plan-id>",
	Short: "List checkpoints for a plan",
	Long: `List the checkpoints saved for a plan, newest first.

Each checkpoint records the cursor position and the recovery
instructions needed to resume: the remaining capabilities and the
dependency map restricted to pending steps.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpoints,
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	checkpoints, err := store.ListCheckpoints(args[0])
	if err != nil {
		return err
	}
	if len(checkpoints) == 0 {
		fmt.Printf("No checkpoints for plan %s.\n", args[0])
		return nil
	}

	fmt.Printf("%-10s %-20s %-8s %-9s %s\n", "CKPT", "SAVED", "CURSOR", "RECORDS", "CAPABILITIES")
	for _, cp := range checkpoints {
		fmt.Printf("%-10s %-20s %-8d %-9d %s\n",
			cp.ID,
			cp.Timestamp.Format(time.DateTime),
			cp.Cursor,
			len(cp.RecentRecords),
			strings.Join(cp.Recovery.RequiredCapabilities, ", "))
	}
	return nil
}
