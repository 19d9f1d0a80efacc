package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/mnemo/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a default configuration file",
	Long: `Write a default configuration file if none exists, then print its
location and contents. Existing configuration is left untouched.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	if err := loader.Save(cfg); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", loader.GetConfigPath())
	fmt.Println(cfg.String())
	return nil
}
