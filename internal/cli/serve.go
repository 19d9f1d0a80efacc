package cli

import (
	"github.com/spf13/cobra"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mnemo daemon",
	Long: `Run the mnemo daemon in the foreground. The daemon keeps the vector
index warm, syncs against the configured remote, watches the drop
directory and serves the metrics endpoint until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	return d.Run()
}
