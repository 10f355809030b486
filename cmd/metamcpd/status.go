package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"metamcp/internal/store"
)

var statusSince time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show token spend from the usage log",
	Long: `Status reads the usage log in the state directory and prints token
spend grouped by role and by tool. It works offline; the daemon does not
need to be running.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&statusSince, "since", 24*time.Hour, "Window to aggregate over")
}

func runStatus(cmd *cobra.Command, args []string) error {
	usageLog, err := store.NewUsageLog(filepath.Join(stateDir, "usage.db"))
	if err != nil {
		return exitError{code: exitStoreUnavailable, err: fmt.Errorf("usage log: %w", err)}
	}
	defer usageLog.Close()

	since := time.Now().Add(-statusSince)
	byRole, err := usageLog.SpendByRole(since)
	if err != nil {
		return fmt.Errorf("failed to aggregate by role: %w", err)
	}
	byTool, err := usageLog.SpendByTool(since)
	if err != nil {
		return fmt.Errorf("failed to aggregate by tool: %w", err)
	}

	fmt.Printf("Token spend over the last %s\n", statusSince)
	fmt.Println("===============================")
	fmt.Println()

	if len(byRole) == 0 && len(byTool) == 0 {
		fmt.Println("No tool calls recorded in this window.")
		return nil
	}

	var totalCalls, totalConsumed int
	fmt.Println("By role:")
	for _, row := range byRole {
		fmt.Printf("  %-14s %6d calls %10d tokens\n", row.Role, row.Calls, row.Consumed)
		totalCalls += row.Calls
		totalConsumed += row.Consumed
	}
	fmt.Println()

	var totalSaved int
	fmt.Println("By tool:")
	for _, row := range byTool {
		name := row.Tool
		if row.Method != "" {
			name = row.Tool + "." + row.Method
		}
		fmt.Printf("  %-34s %6d calls %10d tokens", name, row.Calls, row.Consumed)
		if row.Saved > 0 {
			fmt.Printf("  (saved %d)", row.Saved)
		}
		fmt.Println()
		totalSaved += row.Saved
	}
	fmt.Println()

	fmt.Printf("Total: %d calls, %d tokens consumed, %d saved by rewrites\n",
		totalCalls, totalConsumed, totalSaved)
	return nil
}
