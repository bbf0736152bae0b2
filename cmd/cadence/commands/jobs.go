package commands

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/db"
	"github.com/cadencehq/cadence/queue"
)

// JobsCmd groups job inspection and control
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control queued jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLimit int

func init() {
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsStatsCmd)
	jobsLsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum jobs to list")
}

// openQueue opens the database and wraps it in a queue for CLI use
func openQueue() (*queue.Queue, *sql.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(cfg.Database.Path, zap.S())
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(conn, nil); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return queue.NewQueue(queue.NewStore(conn), zap.S(), cfg.Queue.MaxPending), conn, nil
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, conn, err := openQueue()
		if err != nil {
			return err
		}
		defer conn.Close()

		jobs, err := q.List(nil, jobsLimit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs.")
			return nil
		}

		for _, job := range jobs {
			line := fmt.Sprintf("%-42s %-16s %-10s %s",
				job.ID, job.Type, job.Status, job.CreatedAt.Format(time.RFC3339))
			if job.Status == queue.StatusFailed {
				line += fmt.Sprintf("  [%s] %s", job.FailureReason, job.Error)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, conn, err := openQueue()
		if err != nil {
			return err
		}
		defer conn.Close()

		job, err := q.Get(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:        %s\n", job.ID)
		fmt.Printf("Type:      %s\n", job.Type)
		fmt.Printf("Priority:  %s\n", job.Priority)
		fmt.Printf("Status:    %s\n", job.Status)
		if job.FailureReason != "" {
			fmt.Printf("Reason:    %s\n", job.FailureReason)
		}
		if job.Error != "" {
			fmt.Printf("Error:     %s\n", job.Error)
		}
		if job.Progress.Total > 0 {
			fmt.Printf("Progress:  %d/%d (%.0f%%)\n",
				job.Progress.Current, job.Progress.Total, job.Progress.Fraction()*100)
		}
		fmt.Printf("Created:   %s\n", job.CreatedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Printf("Started:   %s\n", job.StartedAt.Format(time.RFC3339))
		}
		if job.CompletedAt != nil {
			fmt.Printf("Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		}
		if len(job.Result) > 0 {
			fmt.Printf("Result:    %s\n", string(job.Result))
		}
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, conn, err := openQueue()
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := q.Cancel(args[0], "cancelled via CLI"); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for %s\n", args[0])
		return nil
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, conn, err := openQueue()
		if err != nil {
			return err
		}
		defer conn.Close()

		stats, err := q.Stats()
		if err != nil {
			return err
		}

		for _, status := range []queue.Status{
			queue.StatusPending, queue.StatusRunning,
			queue.StatusCompleted, queue.StatusFailed, queue.StatusCancelled,
		} {
			fmt.Printf("%-10s %d\n", status, stats[status])
		}
		return nil
	},
}
