package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP API",
		Long: `Serves the job API, health checks and Prometheus metrics until the
process is interrupted. With --with-worker a worker consumes the job queue
in the same process.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Serve(cmd.Context(), withWorker)
		},
	}
	cmd.Flags().Int("port", 8000, "HTTP listen port")
	cmd.Flags().String("broker", "", "broker kind (memory, amqp, redis, pubsub)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "run a worker in the same process")
	cmd.Flags().Int("prefetch", 1, "unacknowledged messages the worker may hold")
	return cmd
}
