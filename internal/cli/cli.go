package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	internal_http "github.com/ignatij/agentflow/internal/http"
	"github.com/ignatij/agentflow/internal/log"
	internal_service "github.com/ignatij/agentflow/internal/service"
	"github.com/ignatij/agentflow/pkg/config"
	"github.com/ignatij/agentflow/pkg/executor"
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	rootCmd.PersistentFlags().String("data-dir", "", "Artifact database directory (kept in memory when empty)")

	runCmd := &cobra.Command{
		Use:   "run [config.yaml]",
		Short: "Start a run from a YAML definition and drive it until it settles",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			rt := initRuntime(cmd)
			defer rt.Close()
			id, err := rt.Orchestrator.StartRun(*cfg)
			if err != nil {
				log.GetLogger().Errorf("Failed to start run: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to start run: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Started run '%s' with ID %d\n", cfg.Name, id)
			driveRun(rt, id)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all runs",
		Run: func(cmd *cobra.Command, args []string) {
			rt := initRuntime(cmd)
			defer rt.Close()
			runs, err := rt.Orchestrator.ListRuns()
			if err != nil {
				log.GetLogger().Errorf("Failed to list runs: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list runs: %v\n", err)
				os.Exit(1)
			}
			if len(runs) == 0 {
				fmt.Fprintf(os.Stdout, "No runs found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Runs:\n")
			for _, run := range runs {
				fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Status: %s, Created: %s\n",
					run.ID, run.Name, run.Status, run.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show one run with its execution history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rt := initRuntime(cmd)
			defer rt.Close()
			run, err := rt.Orchestrator.GetRun(parseID(args[0]))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Run %d: %s (%s)\n", run.ID, run.Name, run.Status)
			if run.Reason != "" {
				fmt.Fprintf(os.Stdout, "Reason: %s\n", run.Reason)
			}
			if len(run.Executions) == 0 {
				fmt.Fprintf(os.Stdout, "No executions yet.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Executions:\n")
			for _, e := range run.Executions {
				line := fmt.Sprintf("- wave %d attempt %d: %s [%s]", e.Wave, e.Attempt, e.UnitID, e.Status)
				if e.ExecutedAs != "" && e.ExecutedAs != e.UnitID {
					line += fmt.Sprintf(" as %s", e.ExecutedAs)
				}
				if e.ErrorKind != "" {
					line += fmt.Sprintf(" (%s: %s)", e.ErrorKind, e.ErrorMsg)
				}
				fmt.Fprintln(os.Stdout, line)
			}
		},
	}

	pauseCmd := &cobra.Command{
		Use:   "pause [id]",
		Short: "Pause a running run at its next wave boundary",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rt := initRuntime(cmd)
			defer rt.Close()
			id := parseID(args[0])
			if err := rt.Orchestrator.PauseRun(id); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Paused run %d\n", id)
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume [id]",
		Short: "Resume a paused or interrupted run and drive it until it settles",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rt := initRuntime(cmd)
			defer rt.Close()
			id := parseID(args[0])
			if err := rt.Orchestrator.ResumeRun(id); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Resumed run %d\n", id)
			driveRun(rt, id)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			reason, _ := cmd.Flags().GetString("reason")
			rt := initRuntime(cmd)
			defer rt.Close()
			id := parseID(args[0])
			if err := rt.Orchestrator.CancelRun(id, reason); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Cancelled run %d\n", id)
		},
	}
	cancelCmd.Flags().String("reason", "", "Reason recorded on the run")

	approvalsCmd := &cobra.Command{
		Use:   "approvals",
		Short: "List approvals awaiting a decision",
		Run: func(cmd *cobra.Command, args []string) {
			rt := initRuntime(cmd)
			defer rt.Close()
			approvals, err := rt.Orchestrator.ListPendingApprovals()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(approvals) == 0 {
				fmt.Fprintf(os.Stdout, "No pending approvals.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Pending approvals:\n")
			for _, a := range approvals {
				fmt.Fprintf(os.Stdout, "- ID: %s, Run: %d, Unit: %s, Approver: %s, Created: %s\n",
					a.ID, a.RunID, a.UnitID, a.Approver, a.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	approveCmd := &cobra.Command{
		Use:   "approve [approval-id]",
		Short: "Approve a gated unit's output",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resolveApproval(cmd, args[0], true)
		},
	}
	approveCmd.Flags().String("reason", "", "Note recorded on the approval")

	rejectCmd := &cobra.Command{
		Use:   "reject [approval-id]",
		Short: "Reject a gated unit's output and send the unit back for rework",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resolveApproval(cmd, args[0], false)
		},
	}
	rejectCmd.Flags().String("reason", "", "Rejection reason handed to the next attempt")

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint [id]",
		Short: "Write a manual checkpoint for a run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rt := initRuntime(cmd)
			defer rt.Close()
			id := parseID(args[0])
			c, err := rt.Orchestrator.WriteCheckpoint(id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Wrote checkpoint %d for run %d\n", c.Seq, id)
		},
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Requeue runs interrupted by a crash and drive them until they settle",
		Run: func(cmd *cobra.Command, args []string) {
			rt := initRuntime(cmd)
			defer rt.Close()
			ids, err := rt.Orchestrator.RecoverRuns()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(ids) == 0 {
				fmt.Fprintf(os.Stdout, "No incomplete runs found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Recovering %d run(s): %v\n", len(ids), ids)
			for _, id := range ids {
				driveRun(rt, id)
			}
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Recover interrupted runs and serve the REST API",
		Run: func(cmd *cobra.Command, args []string) {
			port, _ := cmd.Flags().GetString("port")
			rt := initRuntime(cmd)
			defer rt.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ids, err := rt.Orchestrator.RecoverRuns()
			if err != nil {
				log.GetLogger().Errorf("Recovery failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: recovery failed: %v\n", err)
				os.Exit(1)
			}
			for _, id := range ids {
				id := id
				go func() {
					if err := rt.Orchestrator.ExecuteRun(ctx, id); err != nil {
						log.GetLogger().Errorf("Recovered run %d stopped: %v", id, err)
					}
				}()
			}

			if err := internal_http.StartServer(ctx, port, rt.Orchestrator, rt.Registry); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: server failed: %v\n", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "Port to serve the API on")

	rootCmd.AddCommand(runCmd, listCmd, showCmd, pauseCmd, resumeCmd, cancelCmd,
		approvalsCmd, approveCmd, rejectCmd, checkpointCmd, recoverCmd, serveCmd)
}

// driveRun executes one run to a settled state, stopping cleanly on SIGINT so
// a later resume can requeue whatever was in flight.
func driveRun(rt *internal_service.Runtime, id int64) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Orchestrator.ExecuteRun(ctx, id); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(os.Stdout, "Run %d interrupted; resume it with 'agentflow resume %d'\n", id, id)
			os.Exit(1)
		}
		log.GetLogger().Errorf("Run %d stopped: %v", id, err)
		fmt.Fprintf(os.Stderr, "Error: run %d stopped: %v\n", id, err)
		os.Exit(1)
	}

	run, err := rt.Orchestrator.GetRun(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if run.Status == models.CompletedRunStatus {
		fmt.Fprintf(os.Stdout, "Run %d completed\n", id)
		return
	}
	fmt.Fprintf(os.Stdout, "Run %d %s: %s\n", id, run.Status, run.Reason)
	if run.Status == models.FailedRunStatus {
		os.Exit(1)
	}
}

func resolveApproval(cmd *cobra.Command, id string, approve bool) {
	reason, _ := cmd.Flags().GetString("reason")
	rt := initRuntime(cmd)
	defer rt.Close()
	if err := rt.Orchestrator.ResolveApproval(context.Background(), id, approve, reason); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if approve {
		fmt.Fprintf(os.Stdout, "Approved '%s'\n", id)
		return
	}
	fmt.Fprintf(os.Stdout, "Rejected '%s'\n", id)
}

func parseID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid run id '%s'\n", arg)
		os.Exit(1)
	}
	return id
}

func initRuntime(cmd *cobra.Command) *internal_service.Runtime {
	dataDir, err := cmd.Flags().GetString("data-dir")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving data-dir flag: %v", err)
		os.Exit(1)
	}
	rt, err := internal_service.NewRuntime(internal_service.Config{
		DBURL:   connString(cmd),
		DataDir: dataDir,
		OpenAI:  executor.OpenAIConfigFromEnv(),
	})
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize runtime: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to initialize runtime: %v\n", err)
		os.Exit(1)
	}
	return rt
}

// connString resolves the database from the --db flag with a DB_* env
// fallback, the same resolution the migrate command uses.
func connString(cmd *cobra.Command) string {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file loaded: %v", err)
	}
	connStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if connStr != "" {
		return connStr
	}
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		fmt.Println("Error: --db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		os.Exit(1)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}
