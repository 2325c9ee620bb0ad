package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sitekeeper/sitekeeper/internal/config"
	"github.com/sitekeeper/sitekeeper/internal/cryptoutil"
	"github.com/sitekeeper/sitekeeper/internal/format"
	"github.com/sitekeeper/sitekeeper/internal/lock"
	"github.com/sitekeeper/sitekeeper/internal/logging"
	"github.com/sitekeeper/sitekeeper/internal/notify"
	"github.com/sitekeeper/sitekeeper/internal/pipeline"
	"github.com/sitekeeper/sitekeeper/internal/retention"
	"github.com/sitekeeper/sitekeeper/internal/runner"
	"github.com/sitekeeper/sitekeeper/internal/transfer"
	"github.com/sitekeeper/sitekeeper/internal/util"
	"github.com/sitekeeper/sitekeeper/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	LogFile    string
}

func main() {
	root := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "sitekeeper",
		Short: "Scheduled site database backup orchestrator",
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")
	rootCmd.PersistentFlags().StringVar(&root.LogFile, "log-file", "", "Append log entries to this file")

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newPruneCmd(root))
	rootCmd.AddCommand(newListCmd(root))
	rootCmd.AddCommand(newValidateCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCmd(root *rootFlags) *cobra.Command {
	var force bool
	var site string
	var skipTransfer bool
	var skipPrune bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dump, compress, transfer, and prune backups for all enabled sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(root)
			if err != nil {
				return err
			}
			if force {
				cfg.Local.Force = true
			}
			if site != "" {
				if err := restrictToSite(cfg, site); err != nil {
					return err
				}
			}

			reg := format.Build(cfg.Formats, cfg.CompressFormats, logger)
			key, err := encryptionKey(cfg)
			if err != nil {
				return err
			}

			guard, err := lock.Acquire(cfg.Local.LockFile)
			if err != nil {
				return err
			}
			defer guard.Release()

			ok, err := util.InWindow(time.Now(), cfg.Schedule.WindowStart, cfg.Schedule.WindowEnd, cfg.Schedule.Timezone)
			if err != nil {
				return err
			}
			if !ok {
				logger.Warn().Msg("current time is outside the configured backup window")
				return nil
			}

			ctx := context.Background()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			start := time.Now()
			pipe := pipeline.New(cfg, reg, runner.Shell{}, key, logger)
			artifacts := pipe.Execute(ctx)

			if !skipTransfer {
				transfer.NewStage(cfg, logger).Ship(ctx, artifacts)
			}
			if !skipPrune {
				retention.New(cfg, reg.Extensions(), logger).Prune()
			}

			sendNotification(cfg, logger, len(cfg.EnabledSites()), len(artifacts), start)
			logger.Info().Int("artifacts", len(artifacts)).Msg("run completed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Recreate artifacts even if they already exist")
	cmd.Flags().StringVar(&site, "site", "", "Restrict the run to one site")
	cmd.Flags().BoolVar(&skipTransfer, "skip-transfer", false, "Skip the transfer stage")
	cmd.Flags().BoolVar(&skipPrune, "skip-prune", false, "Skip retention pruning")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Bound the whole run (0 = no timeout)")
	return cmd
}

func newPruneCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy to the backup root",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(root)
			if err != nil {
				return err
			}
			guard, err := lock.Acquire(cfg.Local.LockFile)
			if err != nil {
				return err
			}
			defer guard.Release()

			reg := format.Build(cfg.Formats, cfg.CompressFormats, logger)
			retention.New(cfg, reg.Extensions(), logger).Prune()
			logger.Info().Msg("prune completed")
			return nil
		},
	}
}

func newListCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List artifacts under the backup root",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(root)
			if err != nil {
				return err
			}
			reg := format.Build(cfg.Formats, cfg.CompressFormats, logger)
			for _, artifact := range retention.New(cfg, reg.Extensions(), logger).Scan() {
				fmt.Printf("%s\t%d\t%s\n", artifact.Path, artifact.Size, artifact.Modified.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newValidateCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and report what a run would do",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(root)
			if err != nil {
				return err
			}
			reg := format.Build(cfg.Formats, cfg.CompressFormats, logger)
			key, err := encryptionKey(cfg)
			if err != nil {
				return err
			}
			for _, name := range cfg.EnabledServers() {
				if _, err := transfer.NewClient(name, cfg.Servers[name]); err != nil {
					return err
				}
			}
			pipe := pipeline.New(cfg, reg, runner.Shell{}, key, logger)
			for _, job := range pipe.Resolve() {
				compress := "none"
				if job.Compress != nil {
					compress = job.Compress.Extension
				}
				fmt.Printf("%s\tdb=%s\tuser=%s\tcompress=%s\tencrypt=%v\n", job.Site, job.Database, job.User, compress, job.Encrypt)
			}
			logger.Info().Msg("validation succeeded")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sitekeeper %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func setup(root *rootFlags) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if root.LogLevel != "" {
		cfg.Local.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Local.LogFormat = root.LogFormat
	}
	if root.LogFile != "" {
		cfg.Local.LogFile = root.LogFile
	}
	logger, err := logging.Configure(cfg.Local.LogLevel, cfg.Local.LogFormat, cfg.Local.LogFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func restrictToSite(cfg *config.Config, name string) error {
	site, ok := cfg.Sites[name]
	if !ok {
		return fmt.Errorf("unknown site: %s", name)
	}
	cfg.Sites = map[string]config.SiteConfig{name: site}
	return nil
}

func encryptionKey(cfg *config.Config) ([]byte, error) {
	if cfg.Local.EncryptionKey == "" {
		return nil, nil
	}
	key, err := cryptoutil.ParseKey(cfg.Local.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	return key, nil
}

func sendNotification(cfg *config.Config, logger zerolog.Logger, sites, artifacts int, start time.Time) {
	notifier := notify.FromConfig(cfg.Notifications)
	if len(notifier.Targets) == 0 {
		return
	}
	event := notify.Event{
		Type:      "run",
		Status:    "success",
		Sites:     sites,
		Artifacts: artifacts,
		StartedAt: start,
		EndedAt:   time.Now(),
		Duration:  time.Since(start).String(),
	}
	notifyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := notifier.Notify(notifyCtx, event); err != nil {
		logger.Warn().Err(err).Msg("notification failed")
	}
}
