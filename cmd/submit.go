package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ank61/leadengine/internal/scrape"
)

type submitOptions struct {
	userID      string
	industry    string
	geography   string
	keywords    []string
	sourceTypes []string
	query       string
	filters     map[string]string
}

func newSubmitCmd() *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Creates a scrape job and publishes it",
		Long: `Persists a scrape job built from the flags and publishes it to the job
queue, then prints the created job as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			job, err := appInstance.Publisher().SubmitJob(cmd.Context(), opts.criteria(), opts.userID)
			if err != nil {
				if job.ID != "" {
					return fmt.Errorf("job %s stored but not queued: %w", job.ID, err)
				}
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(scrape.NewJobMessage(job))
		},
	}
	cmd.Flags().StringVar(&opts.userID, "user", "", "owning user ID (UUID)")
	cmd.Flags().StringVar(&opts.query, "query", "", "free-text search query")
	cmd.Flags().StringVar(&opts.industry, "industry", "", "industry filter")
	cmd.Flags().StringVar(&opts.geography, "geography", "", "geography filter")
	cmd.Flags().StringSliceVar(&opts.keywords, "keyword", nil, "keyword (repeatable)")
	cmd.Flags().StringSliceVar(&opts.sourceTypes, "source-type", nil, "source type (repeatable)")
	cmd.Flags().StringToStringVar(&opts.filters, "filter", nil, "extra filter as key=value (repeatable)")
	cmd.Flags().String("broker", "", "broker kind (memory, amqp, redis, pubsub)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func (o *submitOptions) criteria() scrape.Criteria {
	c := scrape.Criteria{
		Industry:    o.industry,
		Geography:   o.geography,
		Keywords:    o.keywords,
		SourceTypes: o.sourceTypes,
		SearchQuery: o.query,
	}
	if len(o.filters) > 0 {
		c.Filters = make(map[string]any, len(o.filters))
		for k, v := range o.filters {
			c.Filters[k] = v
		}
	}
	return c
}
