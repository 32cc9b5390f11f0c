package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/calder-ai/relay/internal/config"
	"github.com/calder-ai/relay/internal/executor"
	"github.com/calder-ai/relay/internal/orchestrator"
	"github.com/calder-ai/relay/internal/state"
	"github.com/calder-ai/relay/pkg/models"
)

var (
	runYes       bool
	runDelay     time.Duration
	runNoPersist bool
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a plan file",
	Long: `Execute a plan from a YAML file.

Steps run through scripted executors that simulate work, which makes run
useful for validating plan structure, dependencies, parallel groups, and
approval gates before attaching real executors.

Examples:
  relay run plan.yaml            # Execute with interactive approvals
  relay run plan.yaml --yes      # Auto-approve every request
  relay run plan.yaml --delay 2s # Simulate 2s of work per step`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Approve requests without prompting")
	runCmd.Flags().DurationVar(&runDelay, "delay", 0, "Simulated work duration per step")
	runCmd.Flags().BoolVar(&runNoPersist, "no-persist", false, "Skip checkpoint and record persistence")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	plan, err := loadPlanFile(args[0])
	if err != nil {
		return err
	}

	reg := executor.NewRegistry()
	for _, capability := range plan.RequiredCapabilities() {
		if err := reg.Register(&executor.Scripted{Name: capability, Delay: runDelay}); err != nil {
			return fmt.Errorf("register executor: %w", err)
		}
	}

	opts := orchestratorOptions(cfg)
	if !runNoPersist {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, orchestrator.WithStore(store))
	}

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

	color.New(color.Bold).Printf("relay: executing plan %s (%d steps)\n", plan.ID, len(plan.Steps))

	runErr := o.Run(ctx, plan)
	printOutcome(plan, runErr)
	return runErr
}

// loadConfig loads from --config when given, otherwise from discovery.
func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		return config.LoadFromPath(flagConfig)
	}
	return config.Load()
}

// orchestratorOptions translates file config into orchestrator options.
func orchestratorOptions(cfg *config.Config) []orchestrator.Option {
	opts := []orchestrator.Option{
		orchestrator.WithMaxParallel(cfg.Orchestrator.MaxParallelTasks),
		orchestrator.WithStepTimeout(cfg.Orchestrator.TaskTimeout),
		orchestrator.WithPollInterval(cfg.Orchestrator.PollInterval),
		orchestrator.WithCheckpointInterval(cfg.Orchestrator.CheckpointInterval),
		orchestrator.WithEventBuffer(cfg.Orchestrator.EventBuffer),
		orchestrator.WithGateConfig(orchestrator.GateConfig{
			HighRiskTaskTypes:    cfg.Approval.HighRiskTaskTypes,
			HighRiskCapabilities: cfg.Approval.HighRiskCapabilities,
			AutoApproveSimple:    cfg.Approval.AutoApproveSimple,
			Timeout:              cfg.Approval.Timeout,
		}),
		orchestrator.WithMonitorThresholds(monitorThresholds(cfg)),
	}
	if flagDebug || cfg.Logging.Debug {
		dir := cfg.Logging.Dir
		if dir == "" {
			dir = "."
		}
		opts = append(opts, orchestrator.WithLogger(orchestrator.NewDebugLoggerForDir(dir)))
	}
	return opts
}

// monitorThresholds maps the config's monitor section onto the
// orchestrator's tunables.
func monitorThresholds(cfg *config.Config) orchestrator.MonitorThresholds {
	return orchestrator.MonitorThresholds{
		ErrorWindow:     cfg.Monitor.ErrorWindow,
		ErrorThreshold:  cfg.Monitor.ErrorThreshold,
		MemoryThreshold: cfg.Monitor.MemoryThreshold,
	}
}

// watchConfig reloads monitor thresholds when the active config file
// changes on disk. Returns nil when no config file is in effect.
func watchConfig(o *orchestrator.Orchestrator) *config.Watcher {
	path := flagConfig
	if path == "" {
		path = config.ActivePath()
	}
	if path == "" {
		return nil
	}

	w, err := config.Watch(path, func(updated *config.Config) {
		o.ApplyMonitorThresholds(monitorThresholds(updated))
	}, func(err error) {
		color.Yellow("config reload failed: %v", err)
	})
	if err != nil {
		color.Yellow("config watch unavailable: %v", err)
		return nil
	}
	return w
}

// openStore opens the state database, preferring an explicit configured
// path, then a project-local .relay directory, then the XDG data home.
func openStore(cfg *config.Config) (*state.DB, error) {
	dbPath := cfg.State.DBPath
	if dbPath == "" {
		cwd, err := os.Getwd()
		if err == nil {
			if _, statErr := os.Stat(state.ProjectDBPath(cwd)); statErr == nil {
				dbPath = state.ProjectDBPath(cwd)
			}
		}
	}
	if dbPath == "" {
		dbPath = state.DefaultDBPath()
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// loadPlanFile reads and validates a plan, filling in an ID and a
// keyword-based classification when the file omits them.
func loadPlanFile(path string) (*models.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	plan := &models.Plan{}
	if err := yaml.Unmarshal(data, plan); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}

	if plan.ID == "" {
		plan.ID = uuid.New().String()[:8]
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now()
	}
	if plan.TaskType == "" || plan.Complexity == "" {
		classifier := executor.NewKeywordClassifier("general")
		cls, cerr := classifier.Classify(context.Background(), plan.Description)
		if cerr == nil {
			if plan.TaskType == "" {
				plan.TaskType = cls.TaskType
			}
			if plan.Complexity == "" {
				plan.Complexity = cls.Complexity
			}
		}
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// printEvents renders progress events until the channel closes.
func printEvents(events <-chan orchestrator.Event) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	for ev := range events {
		switch ev.Type {
		case orchestrator.EventStepDispatched:
			cyan.Printf("  -> %s\n", ev.StepID)
		case orchestrator.EventStepCompleted:
			green.Printf("  ok %s\n", ev.StepID)
		case orchestrator.EventStepFailed:
			red.Printf("  !! %s: %s\n", ev.StepID, ev.Message)
		case orchestrator.EventCheckpointSaved:
			yellow.Printf("  checkpoint %s (cursor %d)\n", ev.Message, ev.Cursor)
		case orchestrator.EventApprovalRequested:
			yellow.Printf("  approval needed (request %s)\n", ev.Message)
		case orchestrator.EventInterruptRaised:
			yellow.Printf("  interrupted (%s)\n", ev.Message)
		}
	}
}

// answerApprovals watches the gate and resolves pending requests, either
// automatically with --yes or by prompting on stdin.
func answerApprovals(ctx context.Context, o *orchestrator.Orchestrator, plan *models.Plan) {
	reader := bufio.NewReader(os.Stdin)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		req := o.Gate().PendingFor(plan.ID)
		if req == nil {
			continue
		}

		if runYes {
			_, _ = o.SubmitApprovalDecision(req.ID, orchestrator.ApprovalApproved, "cli:--yes", "auto-approved")
			continue
		}

		fmt.Println(orchestrator.RenderDecisionRequest(plan, req))
		fmt.Print("approve? [y/N/m(odify)] ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		var status orchestrator.ApprovalStatus
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			status = orchestrator.ApprovalApproved
		case "m", "modify":
			status = orchestrator.ApprovalModificationRequested
		default:
			status = orchestrator.ApprovalRejected
		}
		_, _ = o.SubmitApprovalDecision(req.ID, status, "cli", "")
	}
}

// printOutcome renders the final plan state.
func printOutcome(plan *models.Plan, runErr error) {
	bold := color.New(color.Bold)
	switch plan.Status {
	case models.PlanStatusCompleted:
		color.Green("\nplan %s completed (%d steps)", plan.ID, len(plan.Steps))
		if rate, ok := plan.Metadata["success_rate"].(float64); ok {
			bold.Printf("success rate: %.0f%%\n", rate*100)
		}
	case models.PlanStatusPaused:
		color.Yellow("\nplan %s paused at cursor %d; resume with: relay resume %s", plan.ID, plan.Cursor, plan.ID)
	case models.PlanStatusAborted:
		color.Red("\nplan %s aborted: %v", plan.ID, runErr)
	case models.PlanStatusFailed:
		color.Red("\nplan %s failed: %v", plan.ID, runErr)
		if summary, ok := plan.Metadata["failure_summary"].(string); ok {
			fmt.Println(summary)
		}
	}
}
