package cmd

import (
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consumes scrape jobs from the broker",
		Long: `Subscribes to the job queue and processes one job per delivery until
the process is interrupted. The in-flight job finishes before exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.RunWorker(cmd.Context())
		},
	}
	cmd.Flags().String("broker", "", "broker kind (memory, amqp, redis, pubsub)")
	cmd.Flags().Int("prefetch", 1, "unacknowledged messages the worker may hold")
	return cmd
}
