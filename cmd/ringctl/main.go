// Command ringctl is the operator CLI for a running ringd instance
// (SPEC_FULL §6): it queries the diagnostics HTTP surface for the
// pending-tasks introspection data, and can follow a ringd log file for
// slow-task warnings in real time.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

func main() {
	var diagAddr string

	root := &cobra.Command{
		Use:   "ringctl",
		Short: "operator CLI for a ringd cluster-state coordination node",
	}
	root.PersistentFlags().StringVar(&diagAddr, "diag-addr", "http://127.0.0.1:7700", "ringd diagnostics HTTP base URL")

	root.AddCommand(pendingTasksCmd(&diagAddr), tailSlowTasksCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func pendingTasksCmd(diagAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pending-tasks",
		Short: "list tasks currently queued on the update executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(strings.TrimRight(*diagAddr, "/") + "/pending-tasks")
			if err != nil {
				return fmt.Errorf("ringctl: querying pending-tasks: %w", err)
			}
			defer resp.Body.Close()

			var tasks []pendingTaskRow
			if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
				return fmt.Errorf("ringctl: decoding pending-tasks response: %w", err)
			}

			if len(tasks) == 0 {
				fmt.Println("no pending tasks")
				return nil
			}
			for _, t := range tasks {
				state := "queued"
				if t.Executing {
					state = "executing"
				}
				fmt.Printf("%-8d %-10s %-8s %-30s %6dms\n", t.InsertionOrder, t.Priority, state, t.Source, t.AgeMillis)
			}
			return nil
		},
	}
}

// pendingTaskRow mirrors cluster/executor.PendingTaskInfo's JSON shape as
// served by diag's /pending-tasks endpoint.
type pendingTaskRow struct {
	InsertionOrder uint64 `json:"InsertionOrder"`
	Priority       string `json:"Priority"`
	Source         string `json:"Source"`
	AgeMillis      int64  `json:"AgeMillis"`
	Executing      bool   `json:"Executing"`
}

func tailSlowTasksCmd() *cobra.Command {
	var logPath string
	cmd := &cobra.Command{
		Use:   "tail-slow-tasks",
		Short: "follow a ringd log file, printing only slow-update-task warnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tail.TailFile(logPath, tail.Config{
				Follow:    true,
				ReOpen:    true,
				MustExist: true,
				Poll:      true,
			})
			if err != nil {
				return fmt.Errorf("ringctl: tailing %s: %w", logPath, err)
			}
			for line := range t.Lines {
				if line.Err != nil {
					fmt.Fprintln(os.Stderr, "ringctl:", line.Err)
					continue
				}
				if strings.Contains(line.Text, "slow update task") {
					fmt.Printf("%s  %s\n", time.Now().Format(time.RFC3339), line.Text)
				}
			}
			return t.Err()
		},
	}
	cmd.Flags().StringVar(&logPath, "log-file", "", "ringd log file to follow (required)")
	_ = cmd.MarkFlagRequired("log-file")
	return cmd
}
