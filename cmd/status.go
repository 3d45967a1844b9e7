package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/icp-miner/internal/monitoring"
)

var statusPerSite bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show profile counts by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st).Collect(ctx, statusPerSite)
		if err != nil {
			return eris.Wrap(err, "status: collect")
		}
		formatSnapshot(os.Stdout, snap)
		return nil
	},
}

func formatSnapshot(out io.Writer, snap *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SITE\tPENDING\tRUNNING\tCOMPLETED\tFAILED\tFAIL RATE")
	_, _ = fmt.Fprintln(w, "----\t-------\t-------\t---------\t------\t---------")
	row := func(site string, c monitoring.StatusCounts) {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f%%\n",
			site, c.Pending, c.Running, c.Completed, c.Failed, c.FailRate()*100)
	}
	for _, s := range snap.Sites {
		row(s.SiteID, s.StatusCounts)
	}
	row("(all)", snap.StatusCounts)
	_ = w.Flush()
}

func init() {
	statusCmd.Flags().BoolVar(&statusPerSite, "sites", false, "break counts down per active site")
	rootCmd.AddCommand(statusCmd)
}
