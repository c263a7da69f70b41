package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/w-gao/nodeforge/internal/config"
	"github.com/w-gao/nodeforge/internal/telemetry"
)

var (
	version = "0.1.0"

	cfgFile     string
	region      string
	profile     string
	logLevel    string
	metricsAddr string

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "nodeforge",
		Short: "Provision and track compute nodes",
		Long: `nodeforge launches on-demand and spot EC2 instances, launch templates
and auto scaling groups, waits for them to come up and cleans them
away again.

Settings come from nodeforge.yaml when present. Flags override the file.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`nodeforge {{.Version}}
`)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", config.DefaultPath, "Config file")
	pf.StringVar(&region, "region", "", "AWS region (default from config or launch zone)")
	pf.StringVar(&profile, "profile", "", "AWS shared config profile")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address while running")
}

func setup(cmd *cobra.Command, _ []string) error {
	c, err := loadConfig(cfgFile, cmd.Flag("config").Changed)
	if err != nil {
		return err
	}

	if region != "" {
		c.AWS.Region = region
	}
	if profile != "" {
		c.AWS.Profile = profile
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if metricsAddr != "" {
		c.Telemetry.Metrics.ListenAddr = metricsAddr
	}

	if err := telemetry.SetupLogging(c.Log.Level, c.Log.Format); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg = c
	return nil
}

// loadConfig reads path. A missing default file yields the defaults; a
// missing file that was asked for explicitly is an error.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	c, err := config.Load(path)
	if err == nil {
		log.Debug().Str("path", path).Msg("config loaded")
		return c, nil
	}
	if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return config.Default(), nil
}
