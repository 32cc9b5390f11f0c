package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/calder-ai/relay/pkg/models"
)

var statusFilter string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored plans and their progress",
	Long: `Display plans recorded in the state database.

Shows each plan's status, cursor position, and last update. Use --filter
to restrict the listing to one status.

Examples:
  relay status
  relay status --filter in_progress`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "filter", "", "Only show plans with this status")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var filter *models.PlanStatus
	if statusFilter != "" {
		status := models.PlanStatus(statusFilter)
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", statusFilter)
		}
		filter = &status
	}

	plans, err := store.ListPlans(filter)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		fmt.Println("No plans recorded. Run 'relay run <plan.yaml>' to start one.")
		return nil
	}

	fmt.Printf("%-10s %-14s %-12s %-8s %-20s %s\n", "PLAN", "TYPE", "STATUS", "CURSOR", "UPDATED", "DESCRIPTION")
	for _, p := range plans {
		statusColor(p.Status).Printf("%-10s %-14s %-12s %-8d %-20s %s\n",
			p.ID, p.TaskType, p.Status, p.Cursor, p.UpdatedAt.Format(time.DateTime), p.Description)
	}
	return nil
}

func statusColor(status models.PlanStatus) *color.Color {
	switch status {
	case models.PlanStatusCompleted:
		return color.New(color.FgGreen)
	case models.PlanStatusFailed, models.PlanStatusAborted:
		return color.New(color.FgRed)
	case models.PlanStatusPaused:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}
