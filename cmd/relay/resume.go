package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/calder-ai/relay/internal/executor"
	"github.com/calder-ai/relay/internal/orchestrator"
	"github.com/calder-ai/relay/internal/state"
)

var resumeAbandon bool

var resumeCmd = &cobra.Command{
	Use:   "resume [plan-id]",
	Short: "Resume an interrupted plan",
	Long: `Resume a plan that was paused or interrupted mid-execution.

Without a plan ID, lists interrupted plans found in the state database.
With a plan ID, reconstructs the plan from its latest checkpoint and the
execution record archive, then continues from where it stopped. Steps
recorded as completed are never re-executed.

Examples:
  relay resume            # List interrupted plans
  relay resume 4f2a91c3   # Resume a specific plan
  relay resume 4f2a91c3 --abandon  # Mark it aborted instead`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeAbandon, "abandon", false, "Abandon the plan instead of resuming")
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rm := state.NewRecoveryManager(store)

	if len(args) == 0 {
		return listInterrupted(rm)
	}
	planID := args[0]

	if resumeAbandon {
		if err := rm.Abandon(planID); err != nil {
			return err
		}
		color.Yellow("plan %s abandoned", planID)
		return nil
	}

	resumed, err := rm.Resume(planID)
	if err != nil {
		return err
	}
	plan := resumed.Plan

	reg := executor.NewRegistry()
	for _, capability := range plan.RequiredCapabilities() {
		if err := reg.Register(&executor.Scripted{Name: capability, Delay: runDelay}); err != nil {
			return fmt.Errorf("register executor: %w", err)
		}
	}

	opts := append(orchestratorOptions(cfg), orchestrator.WithStore(store))
	o, err := orchestrator.New(orchestrator.RequiredConfig{Registry: reg}, opts...)
	if err != nil {
		return err
	}
	defer o.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if w := watchConfig(o); w != nil {
		defer w.Close()
	}

	go printEvents(o.Events())
	go answerApprovals(ctx, o, plan)

	color.New(color.Bold).Printf("relay: resuming plan %s from cursor %d (%d of %d steps done)\n",
		plan.ID, plan.Cursor, len(resumed.CompletedStepIDs), len(plan.Steps))

	runErr := o.Resume(ctx, plan, resumed.CompletedStepIDs)
	printOutcome(plan, runErr)
	return runErr
}

func listInterrupted(rm *state.RecoveryManager) error {
	interrupted, err := rm.CheckForInterrupted()
	if err != nil {
		return err
	}
	if len(interrupted) == 0 {
		fmt.Println("No interrupted plans.")
		return nil
	}

	fmt.Printf("%-10s %-12s %-8s %-7s %s\n", "PLAN", "STATUS", "CURSOR", "CKPT", "DESCRIPTION")
	for _, p := range interrupted {
		ckpt := "-"
		if p.HasCheckpoint {
			ckpt = "yes"
		}
		fmt.Printf("%-10s %-12s %-8d %-7s %s\n", p.PlanID, p.Status, p.Cursor, ckpt, p.Description)
	}
	return nil
}
