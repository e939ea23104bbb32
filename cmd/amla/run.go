package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amla-dev/amla/internal/audit"
	"github.com/amla-dev/amla/internal/engine"
	"github.com/amla-dev/amla/internal/infrastructure/config"
	"github.com/amla-dev/amla/internal/infrastructure/wasmguest"
)

var (
	profilePath   string
	inputJSON     string
	memoryLimitMB int
	logGrants     bool
	showAudit     bool
)

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run <script.wasm>",
	Short: "Execute a guest script inside the sandbox",
	Long: `Compile and execute a WASM guest script. The capability profile declares
which tool calls the script may make, with what argument constraints, and
under what call budgets. Requests outside the profile are denied; the
script sees each denial as an ordinary error and keeps running.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&profilePath, "profile", "p", "", "capability profile YAML (required)")
	runCmd.Flags().StringVar(&inputJSON, "input", "", "JSON input handed to the script")
	runCmd.Flags().IntVar(&memoryLimitMB, "memory-limit", 0, "guest memory limit in MB (0 = 256MB default, -1 = unlimited)")
	runCmd.Flags().BoolVar(&logGrants, "log-grants", false, "log granted tool calls, not only denials")
	runCmd.Flags().BoolVar(&showAudit, "show-audit", false, "print the audit trail after execution")
	_ = runCmd.MarkFlagRequired("profile")
}

// runAction implements the core logic for the run command.
func runAction(ctx context.Context, scriptPath string) error {
	slog.Info("loading capability profile", "path", profilePath)

	profile, err := config.NewProfileLoader().LoadProfile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	slog.Info("profile loaded", "name", profile.Name, "capabilities", len(profile.Capabilities))

	table, err := profile.Table()
	if err != nil {
		return fmt.Errorf("failed to build capability table: %w", err)
	}

	registry, err := builtinRegistry()
	if err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	var input []byte
	if inputJSON != "" {
		if !json.Valid([]byte(inputJSON)) {
			return fmt.Errorf("--input is not valid JSON")
		}
		input = []byte(inputJSON)
	}

	wasmBytes, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	runtime, err := wasmguest.NewRuntime(ctx, wasmguest.Config{MemoryLimitMB: memoryLimitMB})
	if err != nil {
		return fmt.Errorf("failed to create WASM runtime: %w", err)
	}
	defer func() {
		_ = runtime.Close(ctx)
	}()

	name := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
	if err := runtime.Compile(ctx, name, wasmBytes); err != nil {
		return err
	}

	guest, err := runtime.Load(ctx, name, input)
	if err != nil {
		return err
	}
	defer func() {
		_ = guest.Close(ctx)
	}()

	collector := audit.NewCollector(audit.Config{LogGrants: logGrants})
	sandbox := engine.New(table, registry, engine.WithAudit(collector))
	defer sandbox.Close()

	result, err := sandbox.Execute(ctx, guest)
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	if result.Stdout != "" {
		fmt.Print(result.Stdout)
	}
	if result.Error != nil {
		slog.Error("script failed", "type", result.Error.Type, "message", result.Error.Message)
	} else if len(result.Value) > 0 {
		fmt.Println(string(result.Value))
	}

	if showAudit {
		printAuditTrail(collector)
	}

	if !result.Success() {
		return fmt.Errorf("script failed: %s", result.Error.Message)
	}
	return nil
}

func printAuditTrail(collector *audit.Collector) {
	entries := collector.Entries()
	fmt.Fprintf(os.Stderr, "\naudit trail (%d entries", len(entries))
	if dropped := collector.Dropped(); dropped > 0 {
		fmt.Fprintf(os.Stderr, ", %d dropped", dropped)
	}
	fmt.Fprintln(os.Stderr, "):")

	for _, e := range entries {
		line := fmt.Sprintf("  %s  %-7s %s", e.Time.Format("15:04:05.000"), e.Decision, e.Method)
		if e.Pattern != "" {
			line += "  rule=" + e.Pattern
		}
		if e.Decision == audit.DecisionDenied {
			line += fmt.Sprintf("  code=%s reason=%q", e.Code, e.Reason)
		}
		fmt.Fprintln(os.Stderr, line)
	}
}
