package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	scheduleCmd.AddCommand(scheduleListCmd)
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage cron schedules",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cron schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openAdminStack()
		if err != nil {
			return err
		}
		defer s.Close()

		schedules, err := s.store.ListSchedules()
		if err != nil {
			return err
		}
		if len(schedules) == 0 {
			fmt.Println("No schedules found.")
			return nil
		}

		w := tabWriter()
		fmt.Fprintln(w, "ID\tDEFINITION\tCRON\tENABLED\tNEXT RUN\tLAST RUN")
		for _, sched := range schedules {
			lastRun := "-"
			if sched.LastRunAt != nil {
				lastRun = sched.LastRunAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
				sched.ID, sched.WorkflowDefinitionID, sched.Cron, sched.Enabled,
				sched.NextRunAt.Format(time.RFC3339), lastRun)
		}
		return w.Flush()
	},
}
