package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/harunnryd/callpilot/pkg/callpilot"
	"github.com/harunnryd/callpilot/pkg/logging"
	"github.com/harunnryd/callpilot/pkg/runner"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "callpilot",
		Short:         "Live call transcription and summarization for inbound phone calls",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "configs/callpilot.yaml", "Path to the YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Accept Twilio media streams and serve the call API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(v, path)
			if err != nil {
				return err
			}
			return serveCalls(cmd.Context(), cfg)
		},
	}
	serve.Flags().String("addr", "", "Listen address, overrides server.addr")
	serve.Flags().String("public-url", "", "Public base URL Twilio reaches this server on")
	serve.Flags().String("log-level", "", "debug, info, warn or error")
	serve.Flags().String("stt", "", "Speech engine: deepgram, google or mock")
	_ = v.BindPFlag("server.addr", serve.Flags().Lookup("addr"))
	_ = v.BindPFlag("server.public_url", serve.Flags().Lookup("public-url"))
	_ = v.BindPFlag("log_level", serve.Flags().Lookup("log-level"))
	_ = v.BindPFlag("stt.provider", serve.Flags().Lookup("stt"))

	check := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the config without serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(v, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: stt=%s summarizer=%s store=%s archive=%t\n",
				cfg.STT.Provider, cfg.Summarizer.Provider, cfg.Store.Provider, cfg.Archive.DatabaseURL != "")
			return nil
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), runner.Version)
		},
	}

	root.AddCommand(serve, check, version)
	return root
}

// loadConfig layers defaults, the config file, CALLPILOT_* environment
// variables and bound flags, in increasing priority.
func loadConfig(v *viper.Viper, path string) (callpilot.Config, error) {
	callpilot.SetDefaults(v)
	v.SetEnvPrefix("CALLPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return callpilot.Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return callpilot.FromViper(v)
}

func serveCalls(parent context.Context, cfg callpilot.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.InitLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	engine, err := callpilot.NewEngine(ctx, callpilot.EngineOptions{Config: cfg, Logger: log})
	if err != nil {
		log.Error("callpilot_init_failed", "error", err)
		return err
	}

	drainTimeout := time.Duration(cfg.Session.DrainTimeoutMS) * time.Millisecond
	r := runner.NewLifecycleRunner(engine, runner.Hooks{OnStart: engine.Start}, drainTimeout)
	r.Logger = logging.NewComponentLogger(log, "runner")
	if err := r.Run(ctx); err != nil {
		log.Error("callpilot_stop_failed", "error", err)
		return err
	}
	return nil
}
