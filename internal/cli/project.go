package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewProjectCmd создаёт группу команд для проекта.
func NewProjectCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Project agent status",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status PROJECT",
		Short: "Show agent status of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			status, err := client.ProjectStatus(args[0])
			if err != nil {
				return err
			}

			lastRun, lastStatus := "-", "-"
			if status.LastRun != nil {
				lastRun, lastStatus = status.LastRun.ID, status.LastRun.Status
			}

			out.Print(
				[]string{"PROJECT", "STATUS", "ACTIVE_RUNS", "LAST_RUN", "LAST_STATUS"},
				[][]string{{status.ProjectRef, status.Status, strconv.Itoa(status.ActiveRuns), lastRun, lastStatus}},
				status,
			)
			return nil
		},
	})

	return cmd
}
