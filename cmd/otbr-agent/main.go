// Command otbr-agent runs the Thread Border Router agent: it bridges a
// Thread mesh reached through an RCP against a conventional IP network,
// advertising Thread services over mDNS and exposing control over D-Bus.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openthread/otbr-agent/internal/agent"
	"github.com/openthread/otbr-agent/internal/dbus"
)

type options struct {
	threadIfname    string
	radioUrls       []string
	backboneIfname  string
	dryRun          bool
	autoAttach      bool
	enableDBus      bool
	enableDSO       bool
	verbose         bool
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:     "otbr-agent",
		Short:   "Thread Border Router agent",
		Version: dbus.OtbrVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(opts)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&opts.threadIfname, "thread-ifname", "I", "wpan0", "Thread network interface name")
	flags.StringArrayVar(&opts.radioUrls, "radio-url", nil, "radio URL (scheme://device?args), repeatable")
	flags.StringVarP(&opts.backboneIfname, "backbone-ifname", "B", "", "backbone (infrastructure) interface name")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "do not touch the radio")
	flags.BoolVar(&opts.autoAttach, "auto-attach", true, "attach to the stored network on startup")
	flags.BoolVar(&opts.enableDBus, "dbus", true, "serve the D-Bus API")
	flags.BoolVar(&opts.enableDSO, "dso-listener", false, "listen for DSO sessions on TCP 853")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	flags.SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(name)
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	logger, err := newLogger(opts.verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	app, err := agent.New(logger, agent.Config{
		InterfaceName:         opts.threadIfname,
		RadioUrls:             opts.radioUrls,
		BackboneInterfaceName: opts.backboneIfname,
		DryRun:                opts.dryRun,
		EnableAutoAttach:      opts.autoAttach,
		EnableDBus:            opts.enableDBus,
		EnableDSOListener:     opts.enableDSO,
	})
	if err != nil {
		return err
	}

	if err := app.Init(); err != nil {
		return err
	}
	defer app.Deinit()

	logger.Info("otbr-agent started",
		zap.String("threadIfname", opts.threadIfname),
		zap.Strings("radioUrls", opts.radioUrls),
		zap.String("backboneIfname", opts.backboneIfname))

	return app.Run()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}
