package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignatij/triageflow/internal/config"
	internal_http "github.com/ignatij/triageflow/internal/http"
	"github.com/ignatij/triageflow/internal/log"
	internal_mcp "github.com/ignatij/triageflow/internal/mcp"
	"github.com/ignatij/triageflow/pkg/models"
	"github.com/ignatij/triageflow/pkg/security"
	"github.com/ignatij/triageflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (TRIAGEFLOW_* env vars override it)")
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	runCmd := &cobra.Command{
		Use:   "run [workflow-file]",
		Short: "Run a workflow definition and print its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			def, err := config.LoadWorkflowFile(args[0])
			if err != nil {
				return err
			}
			sets, _ := cmd.Flags().GetStringArray("set")
			contextFile, _ := cmd.Flags().GetString("context-file")
			input, err := buildContext(contextFile, sets)
			if err != nil {
				return err
			}
			callerID, _ := cmd.Flags().GetString("caller")
			deadline, _ := cmd.Flags().GetDuration("deadline")
			if deadline == 0 {
				deadline = cfg.Executor.Deadline
			}
			format, _ := cmd.Flags().GetString("format")

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			var opts []service.RunOption
			if deadline > 0 {
				opts = append(opts, service.WithDeadline(deadline))
			}
			report, err := a.svc.RunDefinition(ctx, def, input, callerID, opts...)
			if err != nil {
				return err
			}
			if err := printReport(cmd.OutOrStdout(), report, format); err != nil {
				return err
			}
			if report.Status == models.FailedRunStatus {
				return errors.Errorf("run %s failed", report.RunID)
			}
			return nil
		},
	}
	runCmd.Flags().StringArray("set", nil, "Context value as key=value (repeatable; JSON values are decoded)")
	runCmd.Flags().String("context-file", "", "JSON file with the initial context")
	runCmd.Flags().String("caller", "", "Caller id the run is attributed to")
	runCmd.Flags().Duration("deadline", 0, "Overall run deadline (0 uses executor.deadline)")
	runCmd.Flags().String("format", "text", "Report format: text or json")

	validateCmd := &cobra.Command{
		Use:   "validate [query]",
		Short: "Check a query against the security policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			modeFlag, _ := cmd.Flags().GetString("mode")
			mode, err := security.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			validator, err := security.NewValidator(cfg.Validator)
			if err != nil {
				return errors.Wrap(err, "build query validator")
			}
			callerID, _ := cmd.Flags().GetString("caller")
			valid, violations := validator.ValidateFor(callerID, args[0], mode)
			printViolations(cmd.OutOrStdout(), valid, violations)
			if !valid {
				return errors.New("query rejected")
			}
			return nil
		},
	}
	validateCmd.Flags().String("mode", "strict", "Validation mode: strict or report")
	validateCmd.Flags().String("caller", "", "Caller id, for protected-resource exemptions")

	planCmd := &cobra.Command{
		Use:   "plan [workflow-file]",
		Short: "Validate a workflow and print its execution phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.LoadWorkflowFile(args[0])
			if err != nil {
				return err
			}
			phases, err := service.ResolvePhases(&def)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Workflow '%s': %d tasks in %d phases\n", def.ID, len(def.Tasks), len(phases))
			for _, p := range phases {
				fmt.Fprintf(out, "Phase %d: %s\n", p.Index+1, strings.Join(p.TaskIDs, ", "))
			}
			return nil
		},
	}

	runsCmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List stored runs, or show one run in full",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if len(args) == 1 {
				run, err := a.svc.GetRun(args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), run)
			}
			runs, err := a.svc.ListRuns()
			if err != nil {
				return err
			}
			listRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.HTTP.Addr = addr
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go a.pruneBaselines(ctx)
			mux := internal_http.NewMux(a.svc, a.registry, cfg.Executor.Deadline)
			return internal_http.StartServer(ctx, cfg.HTTP.Addr, mux, cfg.HTTP.ShutdownTimeout)
		},
	}
	serveCmd.Flags().String("addr", "", "Listen address (overrides http.addr)")

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve workflow tools over the Model Context Protocol on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol
			log.SetOutput(os.Stderr)
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			go a.pruneBaselines(ctx)
			return internal_mcp.NewServer(a.svc, cfg.Executor.Deadline).Serve()
		},
	}

	rootCmd.AddCommand(runCmd, validateCmd, planCmd, runsCmd, serveCmd, mcpCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.SetLevel(cfg.Log.Level)
	log.SetFormat(cfg.Log.Format)
	log.GetLogger().Debugf("Loaded configuration (config file: %q)", path)
	return cfg, nil
}

// buildContext reads the optional JSON context file, then applies key=value
// overrides. Values that parse as JSON are decoded; anything else is a string.
func buildContext(path string, sets []string) (map[string]any, error) {
	input := make(map[string]any)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read context file %s", path)
		}
		if err := json.Unmarshal(data, &input); err != nil {
			return nil, errors.Wrapf(err, "context file %s must hold a JSON object", path)
		}
	}
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return nil, errors.Errorf("invalid --set %q, expected key=value", s)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		input[key] = v
	}
	return input, nil
}

func printReport(w io.Writer, report *models.Report, format string) error {
	switch format {
	case "json":
		return writeJSON(w, report)
	case "text", "":
	default:
		return errors.Errorf("unknown report format %q", format)
	}
	fmt.Fprintf(w, "Run %s of workflow '%s' for caller '%s': %s\n", report.RunID, report.WorkflowID, report.CallerID, report.Status)
	fmt.Fprintf(w, "Tasks: %d succeeded, %d failed, %d blocked, %d skipped (%s)\n",
		report.TaskCounts[models.SucceededTaskStatus],
		report.TaskCounts[models.FailedTaskStatus],
		report.TaskCounts[models.BlockedTaskStatus],
		report.TaskCounts[models.SkippedTaskStatus],
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	if len(report.Findings) > 0 {
		fmt.Fprintf(w, "Findings:\n")
		for _, f := range report.Findings {
			fmt.Fprintf(w, "  [%s] %s\n", f.Severity, f.Message)
		}
	}
	fmt.Fprintf(w, "Recommendations:\n")
	for _, r := range report.Recommendations {
		fmt.Fprintf(w, "  - %s\n", r)
	}
	return nil
}

func printViolations(w io.Writer, valid bool, violations []models.SecurityViolation) {
	if valid {
		fmt.Fprintf(w, "Query accepted\n")
	} else {
		fmt.Fprintf(w, "Query rejected\n")
	}
	for _, v := range violations {
		if v.Pattern != "" {
			fmt.Fprintf(w, "- [%s] %s (%s): %s\n", v.Severity, v.Type, v.Pattern, v.Message)
			continue
		}
		fmt.Fprintf(w, "- [%s] %s: %s\n", v.Severity, v.Type, v.Message)
	}
}

func listRuns(w io.Writer, runs []models.Run) {
	if len(runs) == 0 {
		fmt.Fprintf(w, "No runs found.\n")
		return
	}
	fmt.Fprintf(w, "Runs:\n")
	for _, r := range runs {
		fmt.Fprintf(w, "- ID: %s, Workflow: %s, Caller: %s, Status: %s, Started: %s\n",
			r.ID, r.WorkflowID, r.CallerID, r.Status, r.StartedAt.Format(time.RFC3339))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "encode output")
}
