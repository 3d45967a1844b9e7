package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/icp-miner/internal/schedule"
)

var (
	scheduleSites    []string
	scheduleAllSites bool
	scheduleInterval int
	scheduleMax      int
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Start site mining workflows on the Temporal cluster",
	Long: `Starts one MineSiteWorkflow per site. Each workflow keeps running pool
invocations for its site until the pool is empty or the invocation limit is
reached. A site whose workflow is still running is not started twice.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("schedule"); err != nil {
			return err
		}
		if len(scheduleSites) == 0 && !scheduleAllSites {
			return eris.New("schedule: --site or --all-sites is required")
		}

		sites := scheduleSites
		if scheduleAllSites {
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			active, err := st.ListActiveSites(ctx)
			_ = st.Close()
			if err != nil {
				return eris.Wrap(err, "schedule: list active sites")
			}
			sites = active
		}

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		in := scheduleInput(cmd)
		for _, site := range sites {
			in.SiteID = site
			run, err := schedule.StartMineSite(ctx, c, cfg.Temporal.TaskQueue, in)
			if err != nil {
				return eris.Wrapf(err, "schedule: start workflow for site %s", site)
			}
			zap.L().Info("workflow started",
				zap.String("site_id", site),
				zap.String("workflow_id", run.GetID()),
				zap.String("run_id", run.GetRunID()),
			)
			_, _ = fmt.Fprintf(os.Stdout, "%s\t%s\n", run.GetID(), run.GetRunID())
		}
		return nil
	},
}

func scheduleInput(cmd *cobra.Command) schedule.MineSiteInput {
	in := schedule.MineSiteInput{
		Options:        baseOptions(),
		IntervalSecs:   cfg.Temporal.IntervalSecs,
		MaxInvocations: cfg.Temporal.MaxInvocations,
	}
	if cmd.Flags().Changed("interval") {
		in.IntervalSecs = scheduleInterval
	}
	if cmd.Flags().Changed("max-invocations") {
		in.MaxInvocations = scheduleMax
	}
	return in
}

func init() {
	scheduleCmd.Flags().StringSliceVar(&scheduleSites, "site", nil, "site id to schedule (repeatable)")
	scheduleCmd.Flags().BoolVar(&scheduleAllSites, "all-sites", false, "schedule every site with pending work")
	scheduleCmd.Flags().IntVar(&scheduleInterval, "interval", 0, "seconds between invocations (default from config)")
	scheduleCmd.Flags().IntVar(&scheduleMax, "max-invocations", 0, "invocation limit per workflow (default from config)")
	rootCmd.AddCommand(scheduleCmd)
}
