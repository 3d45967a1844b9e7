package main

import (
	"io"
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/icp-miner/internal/config"
)

const redacted = "[redacted]"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML with secrets redacted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return writeConfig(os.Stdout, cfg)
	},
}

var (
	// userinfo matches the password part of a URL's userinfo.
	userinfo = regexp.MustCompile(`(://[^:/@]+:)[^@]+@`)
	urlPath  = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*://[^/]+)/.+$`)
)

// redactConfig returns a copy of c with credentials masked.
func redactConfig(c config.Config) config.Config {
	if c.Provider.Key != "" {
		c.Provider.Key = redacted
	}
	if c.Redis.Password != "" {
		c.Redis.Password = redacted
	}
	c.Store.DatabaseURL = userinfo.ReplaceAllString(c.Store.DatabaseURL, "${1}"+redacted+"@")
	c.Monitoring.WebhookURL = redactURLPath(c.Monitoring.WebhookURL)
	return c
}

// redactURLPath keeps only the scheme and host of webhook URLs, whose paths
// usually carry the token.
func redactURLPath(u string) string {
	m := urlPath.FindStringSubmatch(u)
	if m == nil {
		return u
	}
	return m[1] + "/" + redacted
}

func writeConfig(out io.Writer, c *config.Config) error {
	if c == nil {
		return eris.New("config: not loaded")
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(redactConfig(*c)); err != nil {
		return eris.Wrap(err, "config: encode yaml")
	}
	return enc.Close()
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
