package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/icp-miner/internal/model"
	"github.com/sells-group/icp-miner/internal/store"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Register and inspect mining profiles",
}

var (
	profilesSite   string
	profilesStatus string
	profilesLimit  int
)

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mining profiles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		profiles, err := st.ListProfiles(ctx, store.ProfileFilter{
			SiteID: profilesSite,
			Status: model.ProfileStatus(profilesStatus),
			Limit:  profilesLimit,
		})
		if err != nil {
			return eris.Wrap(err, "profiles: list")
		}
		formatProfiles(os.Stdout, profiles)
		return nil
	},
}

var (
	addSite  string
	addQuery string
	addTotal int
)

var profilesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register one mining profile",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p := model.MiningProfile{SiteID: addSite, SearchQueryRef: addQuery}
		if cmd.Flags().Changed("total") {
			p.TotalTargets = model.IntPtr(addTotal)
		}
		created, err := st.CreateProfile(ctx, p)
		if err != nil {
			return eris.Wrap(err, "profiles: add")
		}
		_, _ = fmt.Fprintln(os.Stdout, created.ID)
		return nil
	},
}

var importPath string

var profilesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-register profiles from a CSV or JSON file",
	Long: `CSV files need a header row with site_id and search_query_ref columns
and an optional id column. JSON files hold an array of profile objects.
Rows whose id already exists are left untouched.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		profiles, err := readProfilesFile(importPath)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ImportProfiles(ctx, profiles)
		if err != nil {
			return eris.Wrap(err, "profiles: import")
		}
		zap.L().Info("import complete",
			zap.Int64("imported", n),
			zap.Int("rows", len(profiles)),
			zap.String("file", importPath),
		)
		return nil
	},
}

// openStore opens and migrates the configured store for commands that need
// nothing else.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("migrate"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func readProfilesFile(path string) ([]model.MiningProfile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "profiles: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var profiles []model.MiningProfile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.NewDecoder(f).Decode(&profiles); err != nil {
			return nil, eris.Wrapf(err, "profiles: decode %s", path)
		}
	case ".csv":
		profiles, err = parseProfilesCSV(f)
		if err != nil {
			return nil, err
		}
	default:
		return nil, eris.Errorf("profiles: unsupported file type %q (want .csv or .json)", filepath.Ext(path))
	}

	for i, p := range profiles {
		if p.SiteID == "" {
			return nil, eris.Errorf("profiles: row %d has no site_id", i+1)
		}
	}
	return profiles, nil
}

func parseProfilesCSV(r io.Reader) ([]model.MiningProfile, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "profiles: read csv header")
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	siteIdx, ok := cols["site_id"]
	if !ok {
		return nil, eris.New("profiles: csv header must include site_id")
	}
	queryIdx, ok := cols["search_query_ref"]
	if !ok {
		return nil, eris.New("profiles: csv header must include search_query_ref")
	}
	idIdx, hasID := cols["id"]

	var out []model.MiningProfile
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "profiles: read csv row")
		}
		p := model.MiningProfile{
			SiteID:         strings.TrimSpace(rec[siteIdx]),
			SearchQueryRef: strings.TrimSpace(rec[queryIdx]),
		}
		if hasID {
			p.ID = strings.TrimSpace(rec[idIdx])
		}
		out = append(out, p)
	}
	return out, nil
}

func formatProfiles(out io.Writer, profiles []model.MiningProfile) {
	if len(profiles) == 0 {
		_, _ = fmt.Fprintln(out, "No profiles found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSITE\tSTATUS\tPROGRESS\tFOUND\tPAGE\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t-----\t----\t-----")
	for _, p := range profiles {
		total := "?"
		if p.TotalTargets != nil {
			total = fmt.Sprintf("%d", *p.TotalTargets)
		}
		errMsg := ""
		if p.LastError != nil {
			errMsg = *p.LastError
			if len(errMsg) > 50 {
				errMsg = errMsg[:47] + "..."
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%s\t%d\t%d\t%s\n",
			shortID(p.ID),
			p.SiteID,
			p.Status,
			p.ProcessedTargets,
			total,
			p.FoundMatches,
			p.CurrentPage,
			errMsg,
		)
	}
	_ = w.Flush()
}

func init() {
	profilesListCmd.Flags().StringVar(&profilesSite, "site", "", "filter by site id")
	profilesListCmd.Flags().StringVar(&profilesStatus, "status", "", "filter by status (pending, running, completed, failed)")
	profilesListCmd.Flags().IntVar(&profilesLimit, "limit", 50, "max profiles to show")

	profilesAddCmd.Flags().StringVar(&addSite, "site", "", "site id (required)")
	profilesAddCmd.Flags().StringVar(&addQuery, "query", "", "search query reference")
	profilesAddCmd.Flags().IntVar(&addTotal, "total", 0, "known population size")
	_ = profilesAddCmd.MarkFlagRequired("site")

	profilesImportCmd.Flags().StringVar(&importPath, "file", "", "path to CSV or JSON file (required)")
	_ = profilesImportCmd.MarkFlagRequired("file")

	profilesCmd.AddCommand(profilesListCmd, profilesAddCmd, profilesImportCmd)
	rootCmd.AddCommand(profilesCmd)
}
