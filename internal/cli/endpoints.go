package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/lattiq/bulkmail"
	"github.com/spf13/cobra"
)

// NewEndpointsCommand lists the configured failover order.
func NewEndpointsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "List configured endpoints in priority order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			registry, err := bulkmail.NewRegistry(rt.cfg.Endpoints)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "PRIORITY\tNAME\tKIND\tMAX FAILURES\tRETRY DELAY")
			for _, st := range registry.Snapshot() {
				ep := rt.cfg.Endpoints[st.Priority]
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", st.Priority, st.Name, st.Kind, ep.MaxFailures, ep.RetryDelay)
			}
			return tw.Flush()
		},
	}
}
