package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

var (
	wfDefinitionID string
	wfName         string
	wfInput        string
	wfReason       string
	wfStatusFilter string
	wfListLimit    int
)

func init() {
	workflowStartCmd.Flags().StringVar(&wfDefinitionID, "definition", "", "Definition id to start")
	workflowStartCmd.Flags().StringVar(&wfName, "name", "", "Definition name (active version)")
	workflowStartCmd.Flags().StringVar(&wfInput, "input", "", "JSON input data")

	workflowStopCmd.Flags().StringVar(&wfReason, "reason", "stopped via cli", "Termination reason")

	workflowListCmd.Flags().StringVar(&wfStatusFilter, "status", "", "Filter by status")
	workflowListCmd.Flags().IntVar(&wfListLimit, "limit", 20, "Maximum instances to list")

	workflowCmd.AddCommand(workflowStartCmd)
	workflowCmd.AddCommand(workflowStatusCmd)
	workflowCmd.AddCommand(workflowStopCmd)
	workflowCmd.AddCommand(workflowResumeCmd)
	workflowCmd.AddCommand(workflowListCmd)
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflow instances",
}

var workflowStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a workflow instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		if wfDefinitionID == "" && wfName == "" {
			return fmt.Errorf("either --definition or --name is required")
		}
		var input json.RawMessage
		if wfInput != "" {
			if !json.Valid([]byte(wfInput)) {
				return fmt.Errorf("--input is not valid JSON")
			}
			input = json.RawMessage(wfInput)
		}

		s, err := openAdminStack()
		if err != nil {
			return err
		}
		defer s.Close()

		var inst *types.WorkflowInstance
		if wfDefinitionID != "" {
			inst, err = s.adapter.StartWorkflow(wfDefinitionID, input)
		} else {
			inst, err = s.adapter.StartWorkflowByName(wfName, input)
		}
		if err != nil {
			return err
		}

		fmt.Printf("✓ Started workflow instance %s (%s v%d)\n", inst.ID, inst.Name, inst.Version)
		return nil
	},
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <instance-id>",
	Short: "Show an instance and its nodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openAdminStack()
		if err != nil {
			return err
		}
		defer s.Close()

		status, err := s.adapter.GetWorkflowStatus(args[0])
		if err != nil {
			return err
		}
		inst := status.Instance

		fmt.Printf("Instance:   %s\n", inst.ID)
		fmt.Printf("Definition: %s (v%d)\n", inst.Name, inst.Version)
		fmt.Printf("Status:     %s\n", inst.Status)
		if inst.ErrorMessage != "" {
			fmt.Printf("Error:      %s\n", inst.ErrorMessage)
		}
		if inst.StartedAt != nil {
			fmt.Printf("Started:    %s\n", inst.StartedAt.Format(time.RFC3339))
		}
		if inst.CompletedAt != nil {
			fmt.Printf("Completed:  %s\n", inst.CompletedAt.Format(time.RFC3339))
		}

		fmt.Printf("\nNodes (%d):\n", len(status.Nodes))
		w := tabWriter()
		fmt.Fprintln(w, "NODE\tKIND\tSTATUS\tRETRIES\tERROR")
		for _, node := range status.Nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				node.NodeID, node.NodeType, node.Status, node.RetryCount, node.ErrorMessage)
		}
		return w.Flush()
	},
}

var workflowStopCmd = &cobra.Command{
	Use:   "stop <instance-id>",
	Short: "Stop a workflow instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openAdminStack()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.adapter.StopWorkflow(args[0], wfReason); err != nil {
			return err
		}
		fmt.Printf("✓ Stopped workflow instance %s\n", args[0])
		return nil
	},
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume <instance-id>",
	Short: "Resume a paused or interrupted instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openAdminStack()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.adapter.ResumeWorkflow(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Resumed workflow instance %s\n", args[0])
		return nil
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflow instances, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openAdminStack()
		if err != nil {
			return err
		}
		defer s.Close()

		instances, err := s.adapter.GetWorkflowInstances(
			storage.InstanceFilter{Status: types.WorkflowStatus(wfStatusFilter)},
			storage.Page{Limit: wfListLimit},
		)
		if err != nil {
			return err
		}
		if len(instances) == 0 {
			fmt.Println("No instances found.")
			return nil
		}

		w := tabWriter()
		fmt.Fprintln(w, "ID\tNAME\tVERSION\tSTATUS\tCREATED")
		for _, inst := range instances {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				inst.ID, inst.Name, inst.Version, inst.Status, inst.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func tabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}
