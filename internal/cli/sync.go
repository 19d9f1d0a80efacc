package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/pkg/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle against the remote store",
	RunE:  runSyncNow,
}

var resolveKeepLocal bool

var resolveCmd = &cobra.Command{
	Use:   "resolve [content-hash]",
	Short: "Resolve a sync conflict",
	Long: `Resolve a conflicted record either by accepting the remote copy
(default) or by re-pushing the local copy with --keep-local.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	resolveCmd.Flags().BoolVar(&resolveKeepLocal, "keep-local", false, "keep the local copy and overwrite the remote")
	rootCmd.AddCommand(resolveCmd)
}

func buildEngine() (*syncer.Engine, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Sync.Enabled {
		return nil, nil, fmt.Errorf("sync is not enabled in the configuration")
	}

	svc, closer, err := openService()
	if err != nil {
		return nil, nil, err
	}

	engine, err := syncer.New(syncer.Config{
		Store:      svc.Store(),
		Remote:     syncer.NewHTTPRemote(cfg.Sync.RemoteURL, cfg.Sync.APIKey),
		Interval:   time.Duration(cfg.Sync.IntervalSeconds) * time.Second,
		BatchSize:  cfg.Sync.BatchSize,
		MaxBackoff: time.Duration(cfg.Sync.MaxBackoffSeconds) * time.Second,
	})
	if err != nil {
		closer()
		return nil, nil, err
	}

	return engine, closer, nil
}

func runSyncNow(cmd *cobra.Command, args []string) error {
	engine, closer, err := buildEngine()
	if err != nil {
		return err
	}
	defer closer()

	if err := engine.SyncNow(cmd.Context()); err != nil {
		return err
	}

	fmt.Println("Sync cycle completed")
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	engine, closer, err := buildEngine()
	if err != nil {
		return err
	}
	defer closer()

	hash := args[0]
	if resolveKeepLocal {
		if err := engine.ResolveKeepLocal(cmd.Context(), hash); err != nil {
			return err
		}
		if err := engine.SyncNow(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Kept local copy of %s and pushed it\n", hash)
		return nil
	}

	if err := engine.ResolveAcceptRemote(cmd.Context(), hash); err != nil {
		return err
	}
	fmt.Printf("Accepted remote copy of %s\n", hash)
	return nil
}
