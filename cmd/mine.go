package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/icp-miner/internal/mining"
)

var (
	mineProfile  string
	mineSite     string
	mineAllSites bool
	mineUser     string
	minePageSize int
	mineTarget   int
	mineMaxPages int
)

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Run one mining invocation for a profile or site",
	Long: `Runs a single bounded invocation. --profile mines that profile;
--site picks the next profile from the site's pending pool; --all-sites
runs one pool invocation per site with pending work.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, err := mineTargets(mineProfile, mineSite, mineAllSites)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initMiner(ctx, "mine")
		if err != nil {
			return err
		}
		defer env.Close()

		opts := mineOptions(cmd)

		if targets == nil {
			sites, err := env.Store.ListActiveSites(ctx)
			if err != nil {
				return eris.Wrap(err, "mine: list active sites")
			}
			for _, s := range sites {
				targets = append(targets, mining.PoolTarget{SiteID: s})
			}
			zap.L().Info("mining all active sites", zap.Int("sites", len(targets)))
		}

		results, err := runTargets(ctx, env.Dispatcher, targets, opts, cfg.Mining.SiteConcurrency)
		formatMineResults(os.Stdout, results)
		return err
	},
}

// mineTargets turns the mode flags into dispatch targets. A nil slice with
// no error means every active site.
func mineTargets(profile, site string, allSites bool) ([]mining.Target, error) {
	set := 0
	for _, b := range []bool{profile != "", site != "", allSites} {
		if b {
			set++
		}
	}
	if set != 1 {
		return nil, eris.New("mine: exactly one of --profile, --site or --all-sites is required")
	}

	switch {
	case profile != "":
		return []mining.Target{mining.SingleTarget{ProfileID: profile}}, nil
	case site != "":
		return []mining.Target{mining.PoolTarget{SiteID: site}}, nil
	default:
		return nil, nil
	}
}

// mineOptions layers flags that were set over the configured bounds.
func mineOptions(cmd *cobra.Command) mining.Options {
	opts := baseOptions()
	opts.UserID = mineUser
	if cmd.Flags().Changed("page-size") {
		opts.PageSize = minePageSize
	}
	if cmd.Flags().Changed("target") {
		opts.TargetMatches = mineTarget
	}
	if cmd.Flags().Changed("max-pages") {
		opts.MaxPages = mineMaxPages
	}
	return opts
}

type dispatcher interface {
	Dispatch(ctx context.Context, req mining.Request) (*mining.Result, error)
}

// runTargets dispatches each target with at most limit in flight. Every
// target runs even when another fails; the first error is returned.
func runTargets(ctx context.Context, d dispatcher, targets []mining.Target, opts mining.Options, limit int) ([]*mining.Result, error) {
	var (
		mu      sync.Mutex
		results []*mining.Result
	)

	g := new(errgroup.Group)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, t := range targets {
		g.Go(func() error {
			res, err := d.Dispatch(ctx, mining.Request{Target: t, Options: opts})
			if err != nil {
				zap.L().Error("mine: invocation failed", zap.Any("target", t), zap.Error(err))
				return err
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	sort.Slice(results, func(i, j int) bool {
		if results[i].SiteID != results[j].SiteID {
			return results[i].SiteID < results[j].SiteID
		}
		return results[i].ProfileID < results[j].ProfileID
	})
	return results, err
}

func formatMineResults(out io.Writer, results []*mining.Result) {
	if len(results) == 0 {
		_, _ = fmt.Fprintln(out, "No invocations ran.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SITE\tPROFILE\tOUTCOME\tSTATUS\tPAGES\tPROCESSED\tFOUND\tERRORS")
	_, _ = fmt.Fprintln(w, "----\t-------\t-------\t------\t-----\t---------\t-----\t------")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d-%d\t%d\t%d\t%d\n",
			r.SiteID,
			shortID(r.ProfileID),
			r.Outcome,
			r.Status,
			r.StartPage,
			r.CurrentPage,
			r.Processed,
			r.Found,
			len(r.Errors),
		)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	mineCmd.Flags().StringVar(&mineProfile, "profile", "", "mine this profile id")
	mineCmd.Flags().StringVar(&mineSite, "site", "", "mine the next profile in this site's pool")
	mineCmd.Flags().BoolVar(&mineAllSites, "all-sites", false, "run one pool invocation per active site")
	mineCmd.Flags().StringVar(&mineUser, "user", "", "user scope passed to the provider (default: site owner)")
	mineCmd.Flags().IntVar(&minePageSize, "page-size", 0, "requested page size (default from config)")
	mineCmd.Flags().IntVar(&mineTarget, "target", 0, "stop after this many matches (default from config)")
	mineCmd.Flags().IntVar(&mineMaxPages, "max-pages", 0, "page budget for this invocation (default from config)")
	rootCmd.AddCommand(mineCmd)
}
