package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gjallarhorn/internal/app"
	"github.com/DoyleJ11/gjallarhorn/internal/config"
	"github.com/DoyleJ11/gjallarhorn/internal/logging"
)

// rootOptions holds the flags. Only flags set on the command line
// override the loaded configuration.
type rootOptions struct {
	ConfigPath  string
	Name        string
	Host        string
	StartGG     string
	Port        int
	Listen      string
	Output      string
	Temp        string
	Slug        string
	LogLevel    string
	Development bool
	SnapshotDSN string
}

func newRootCommand() *cobra.Command {
	return rootCommand(&rootOptions{})
}

func rootCommand(opts *rootOptions) *cobra.Command {
	def := config.Default()

	cmd := &cobra.Command{
		Use:   "gjallarhorn",
		Short: "Broadcast console backend",
		Long: `Serve the operator console backend.

Settings come from built-in defaults, then the --config file (YAML or TOML),
then .env and GJALLARHORN_* environment variables, then flags.

Example:
  gjallarhorn --config gjallarhorn.yaml --port 4000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.yaml, .yml or .toml)")
	f.StringVarP(&opts.Name, "name", "n", def.Name, "name of this console")
	f.StringVarP(&opts.Host, "host", "H", def.Host, "public URL of the console")
	f.StringVarP(&opts.StartGG, "startgg", "s", "", "start.gg API key")
	f.IntVarP(&opts.Port, "port", "p", def.Port, "HTTP port")
	f.StringVar(&opts.Listen, "listen", def.Listen, "address to bind, empty for every interface")
	f.StringVar(&opts.Output, "output", def.OutputPath, "directory the JSON exports are written to")
	f.StringVar(&opts.Temp, "temp", def.TempPath, "directory for entity snapshots")
	f.StringVar(&opts.Slug, "tournament", def.TournamentSlug, "start.gg tournament slug to preselect")
	f.StringVar(&opts.LogLevel, "log-level", def.LogLevel, "debug, info, warn or error")
	f.BoolVar(&opts.Development, "dev", def.Development, "human readable logs")
	f.StringVar(&opts.SnapshotDSN, "snapshot-dsn", def.SnapshotDSN, "Postgres DSN for snapshots instead of --temp")
	return cmd
}

func loadConfig(opts *rootOptions, flags *pflag.FlagSet) (config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(opts.ConfigPath, os.Getenv)
	if err != nil {
		return config.Config{}, err
	}
	opts.apply(&cfg, flags)
	return cfg, cfg.Validate()
}

func (o *rootOptions) apply(cfg *config.Config, flags *pflag.FlagSet) {
	set := func(name string, fn func()) {
		if flags.Changed(name) {
			fn()
		}
	}
	set("name", func() { cfg.Name = o.Name })
	set("host", func() { cfg.Host = o.Host })
	set("startgg", func() { cfg.StartGGKey = o.StartGG })
	set("port", func() { cfg.Port = o.Port })
	set("listen", func() { cfg.Listen = o.Listen })
	set("output", func() { cfg.OutputPath = o.Output })
	set("temp", func() { cfg.TempPath = o.Temp })
	set("tournament", func() { cfg.TournamentSlug = o.Slug })
	set("log-level", func() { cfg.LogLevel = o.LogLevel })
	set("dev", func() { cfg.Development = o.Development })
	set("snapshot-dsn", func() { cfg.SnapshotDSN = o.SnapshotDSN })
}

func serve(ctx context.Context, cfg config.Config) error {
	log, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.WithExit(os.Exit))
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	return a.Run(ctx)
}
