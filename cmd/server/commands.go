package main

import (
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Brownie44l1/live-classifier/internal/config"
)

var (
	Root = &cobra.Command{
		Use:           "server",
		Short:         "classifies a live video stream and serves the results over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			l := logger.FromCtx(ctx).WithLevel(LoggerLevel)
			ctx = logger.CtxWithLogger(ctx, l)
			cmd.SetContext(ctx)
			logger.Debugf(ctx, "log-level: %v", LoggerLevel)
		},
		RunE: runServer,
	}

	Run = &cobra.Command{
		Use:   "run",
		Short: "start the HTTP server (the default)",
		Args:  cobra.ExactArgs(0),
		RunE:  runServer,
	}

	Labels = &cobra.Command{
		Use:   "labels",
		Short: "print the label table the server would use",
		Args:  cobra.ExactArgs(0),
		RunE:  printLabels,
	}

	Config = &cobra.Command{
		Use:   "config",
		Short: "print the effective configuration",
		Args:  cobra.ExactArgs(0),
		RunE:  printConfig,
	}

	LoggerLevel = logger.LevelInfo
)

func init() {
	flags := Root.PersistentFlags()
	flags.Var(&LoggerLevel, "log-level", "overrides log_level of the config file")
	flags.String("config", "config.yaml", "the path to the config file; a missing file means defaults")
	flags.String("addr", "", "overrides http.addr")
	flags.String("model", "", "overrides model.path")
	flags.String("metadata", "", "overrides model.metadata")
	flags.String("labels", "", "overrides model.labels")
	flags.String("source", "", "overrides source.kind (camera, screen, image)")
	flags.String("device", "", "overrides source.device")
	flags.String("image", "", "overrides source.image_path")
	flags.Duration("period", 0, "overrides sampling_period")
	flags.Int("top-k", 0, "overrides top_k")
	flags.String("reducer", "", "overrides reducer (firstfit, sorted)")
	flags.Bool("accelerated", false, "overrides use_accelerated_device")
	flags.Bool("speech", false, "overrides speech.enabled")
	flags.Bool("auto-start", false, "overrides auto_start")
	flags.String("postgres-dsn", "", "overrides postgres.dsn")

	Root.AddCommand(Run)
	Root.AddCommand(Labels)
	Root.AddCommand(Config)
}

// loadConfig reads the config file and applies the flags that were set
// explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.ReadFile(path, !flags.Changed("config"))
	if err != nil {
		return cfg, err
	}

	var overrideErr error
	override := func(name string, apply func(*pflag.FlagSet) error) {
		if overrideErr != nil || !flags.Changed(name) {
			return
		}
		if err := apply(flags); err != nil {
			overrideErr = fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	str := func(name string, dst *string) {
		override(name, func(fs *pflag.FlagSet) (err error) {
			*dst, err = fs.GetString(name)
			return
		})
	}
	boolean := func(name string, dst *bool) {
		override(name, func(fs *pflag.FlagSet) (err error) {
			*dst, err = fs.GetBool(name)
			return
		})
	}

	str("addr", &cfg.HTTP.Addr)
	str("model", &cfg.Model.Path)
	str("metadata", &cfg.Model.Metadata)
	str("labels", &cfg.Model.Labels)
	str("source", &cfg.Source.Kind)
	str("device", &cfg.Source.Device)
	str("image", &cfg.Source.ImagePath)
	str("reducer", &cfg.Reducer)
	str("postgres-dsn", &cfg.Postgres.DSN)
	boolean("accelerated", &cfg.UseAcceleratedDevice)
	boolean("speech", &cfg.Speech.Enabled)
	boolean("auto-start", &cfg.AutoStart)
	override("period", func(fs *pflag.FlagSet) (err error) {
		cfg.SamplingPeriod, err = fs.GetDuration("period")
		return
	})
	override("top-k", func(fs *pflag.FlagSet) (err error) {
		cfg.TopK, err = fs.GetInt("top-k")
		return
	})
	override("log-level", func(*pflag.FlagSet) error {
		cfg.LogLevel = LoggerLevel.String()
		return nil
	})
	if overrideErr != nil {
		return cfg, overrideErr
	}

	return cfg, cfg.Validate()
}

func printConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	_, err = cfg.WriteTo(cmd.OutOrStdout())
	return err
}

func printLabels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	labels, err := loadLabels(cfg)
	if err != nil {
		return err
	}
	for idx, label := range labels {
		fmt.Fprintf(cmd.OutOrStdout(), "%d:%s\n", idx, label)
	}
	return nil
}
