// episodelog drives tick-frame episodes and records them as JSON Lines files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zeromicro/go-zero/core/logx"

	"episodelog/internal/cli"
	"episodelog/internal/config"
)

var (
	configFile string
	dataDir    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "episodelog",
	Short:         "Record per-subject tick frames into episode journals",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "f", "etc/episodelog.yaml", "the config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the episode output directory")
	rootCmd.AddCommand(runCmd, serveCmd, inspectCmd)
}

// loadConfig loads the app config, applies flag overrides and sets up logx.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := logx.SetUp(cfg.Log); err != nil {
		return nil, fmt.Errorf("setup logx: %w", err)
	}
	cli.LogConfigSummary(cfg)
	return cfg, nil
}
