// Package cli wires the Paperbase binaries. One executable carries a
// subcommand per service so deployments can run the gateway, the document
// service and the vector service as separate processes from the same
// image.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/paperbase/paperbase/common"
	"github.com/paperbase/paperbase/config"
)

var cfgFile string

// RootCmd is the paperbase command tree root.
var RootCmd = &cobra.Command{
	Use:   "paperbase",
	Short: "research paper analysis platform",
	Long: `Paperbase

A platform for ingesting, indexing and analyzing research papers:
- PDF ingestion with section, table, figure and reference extraction
- semantic search over a pgvector index
- LLM-backed summarization, question answering and comparison
- an API gateway with accounts, API keys and rate limiting

Each service runs as its own subcommand:

  paperbase gateway
  paperbase docservice
  paperbase vectorservice

Configuration is read from config files, .env files and PAPERBASE_*
environment variables; see the config package for precedence.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml and /etc/paperbase)")
}

// Execute runs the command tree.
func Execute() error {
	return RootCmd.Execute()
}

// loadConfig loads configuration and applies the logging settings, shared
// by every service command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}
