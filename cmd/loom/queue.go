package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/queue"
	"github.com/loomworks/loom/pkg/types"
)

var (
	jobExecutor    string
	jobPayload     string
	jobGroup       string
	jobPriority    int
	jobMaxAttempts int
)

func init() {
	queueSubmitCmd.Flags().StringVar(&jobExecutor, "executor", "", "Executor name (required)")
	queueSubmitCmd.Flags().StringVar(&jobPayload, "payload", "", "JSON payload")
	queueSubmitCmd.Flags().StringVar(&jobGroup, "group", "", "Group id for pause/resume")
	queueSubmitCmd.Flags().IntVar(&jobPriority, "priority", 0, "Dispatch priority (higher first)")
	queueSubmitCmd.Flags().IntVar(&jobMaxAttempts, "max-attempts", 0, "Attempt budget (0 = config default)")
	_ = queueSubmitCmd.MarkFlagRequired("executor")

	queueCmd.AddCommand(queueSubmitCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queuePauseCmd)
	queueCmd.AddCommand(queueResumeCmd)
	queueCmd.AddCommand(queueStatsCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage queue jobs",
}

// openQueue builds the queue front over the admin store. No pool is
// attached: jobs submitted here run when a server picks them up.
func openQueue() (*queue.SmartQueue, *adminStack, error) {
	s, err := openAdminStack()
	if err != nil {
		return nil, nil, err
	}
	q := queue.NewSmartQueue(s.store, nil, nil, queue.SmartQueueConfig{
		QueueName:             s.cfg.QueueName,
		MaxQueueSize:          s.cfg.MaxQueueSize,
		BackpressureThreshold: s.cfg.BackpressureThreshold,
		DefaultMaxAttempts:    s.cfg.DefaultJobMaxAttempts,
	})
	return q, s, nil
}

var queueSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload json.RawMessage
		if jobPayload != "" {
			if !json.Valid([]byte(jobPayload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			payload = json.RawMessage(jobPayload)
		}

		q, s, err := openQueue()
		if err != nil {
			return err
		}
		defer s.Close()

		job := &types.QueueJob{
			ExecutorName: jobExecutor,
			Payload:      payload,
			GroupID:      jobGroup,
			Priority:     jobPriority,
			MaxAttempts:  jobMaxAttempts,
		}
		if err := q.Add(context.Background(), job); err != nil {
			return err
		}
		fmt.Printf("✓ Submitted job %s (executor %s)\n", job.ID, job.ExecutorName)
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-submit a failed job with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, s, err := openQueue()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := q.Retry(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Job %s queued for retry\n", args[0])
		return nil
	},
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause <group-id>",
	Short: "Pause dispatch for a job group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, s, err := openQueue()
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := q.Pause(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Paused group %s (%d jobs)\n", args[0], n)
		return nil
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume <group-id>",
	Short: "Resume dispatch for a paused job group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, s, err := openQueue()
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := q.Resume(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Resumed group %s (%d jobs)\n", args[0], n)
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openAdminStack()
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.store.QueueStatistics(s.cfg.QueueName)
		if err != nil {
			return err
		}
		fmt.Printf("Queue:     %s\n", s.cfg.QueueName)
		fmt.Printf("Waiting:   %d\n", stats.Waiting)
		fmt.Printf("Executing: %d\n", stats.Executing)
		fmt.Printf("Paused:    %d\n", stats.Paused)
		fmt.Printf("Delayed:   %d\n", stats.Delayed)
		fmt.Printf("Succeeded: %d\n", stats.Succeeded)
		fmt.Printf("Failed:    %d\n", stats.Failed)
		fmt.Printf("Rejected:  %d\n", stats.Rejected)

		locks, err := s.store.LockStatistics()
		if err != nil {
			return err
		}
		fmt.Printf("Locks:     %d live, %d expired\n", locks.Total-locks.Expired, locks.Expired)
		return nil
	},
}
