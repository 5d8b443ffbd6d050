package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/adcrelay/internal/logging"
	"github.com/shaunagostinho/adcrelay/internal/pipeline"
	"github.com/shaunagostinho/adcrelay/internal/samples"
	"github.com/shaunagostinho/adcrelay/internal/server"
	"github.com/shaunagostinho/adcrelay/internal/source"
	"github.com/shaunagostinho/adcrelay/internal/upload"
	"github.com/shaunagostinho/adcrelay/web"
)

const defaultConfigPath = "/etc/adcrelay/config.yaml"

var exampleUsage = strings.TrimSpace(`
  adcrelay --demo
  adcrelay --port /dev/ttyACM0 --upload-url http://collector.local/post_2.php
  adcrelay --config ./config.toml --log-level debug
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// flagValues holds command-line overrides; only flags the user set are applied.
type flagValues struct {
	configPath string
	demo       bool
	listen     string
	port       string
	uploadURL  string
	logLevel   string
}

func main() {
	var fv flagValues
	boot := logging.New("info", true)

	root := &cobra.Command{
		Use:     "adcrelay",
		Short:   "Read delimited ADC readings from a serial device, plot them live and relay the latest value",
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			cfg := server.LoadConfig(fv.configPath, logging.Component(boot, "config"))
			applyFlags(cfg, fv, changed)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			log := logging.New(cfg.Log.Level, cfg.Log.Pretty)
			return run(cfg, log)
		},
	}

	root.Flags().StringVar(&fv.configPath, "config", defaultConfigPath, "path to config file (.yaml or .toml)")
	root.Flags().BoolVar(&fv.demo, "demo", false, "use the simulated ADC source")
	root.Flags().StringVar(&fv.listen, "listen", "", "override listen address (e.g. :8080)")
	root.Flags().StringVar(&fv.port, "port", "", "serial device path, or \"auto\" to find the board by USB id")
	root.Flags().StringVar(&fv.uploadURL, "upload-url", "", "form endpoint the latest value is posted to")
	root.Flags().StringVar(&fv.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		boot.Error().Err(err).Msg("adcrelay")
		os.Exit(1)
	}
}

// applyFlags layers explicitly set flags over file and environment values.
func applyFlags(cfg *server.Config, fv flagValues, changed map[string]bool) {
	if changed["demo"] && fv.demo {
		cfg.Source.Type = "demo"
	}
	if changed["port"] {
		cfg.Source.Type = "serial"
		cfg.Source.PortPath = fv.port
	}
	if changed["listen"] {
		cfg.Server.ListenAddr = fv.listen
	}
	if changed["upload-url"] {
		cfg.Upload.Sink = "http"
		cfg.Upload.URL = fv.uploadURL
		cfg.Upload.Enabled = true
	}
	if changed["log-level"] {
		cfg.Log.Level = fv.logLevel
	}
}

// buildSink returns the configured upload sink, or nil when uploads are off
// or have nowhere to go.
func buildSink(cfg *server.Config, log zerolog.Logger) upload.Sink {
	u := cfg.Upload
	if !u.Enabled {
		log.Info().Msg("uploads disabled")
		return nil
	}
	timeout := time.Duration(u.TimeoutMs) * time.Millisecond
	switch u.Sink {
	case "mqtt":
		if u.MQTT.Broker == "" {
			log.Warn().Msg("upload.mqtt.broker not set, uploads disabled")
			return nil
		}
		return upload.NewMQTTSink(u.MQTT, u.User, timeout, log)
	default:
		if u.URL == "" {
			log.Warn().Msg("upload.url not set, uploads disabled")
			return nil
		}
		return upload.NewHTTPSink(nil, u.URL, u.User, timeout)
	}
}

func run(cfg *server.Config, log zerolog.Logger) error {
	log.Info().Str("version", getVersion()).Msg("adcrelay starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buf := samples.NewBuffer(cfg.Debounce())

	field := cfg.Stream.FieldIndex
	pipe := pipeline.New(pipeline.Config{
		Delimiter:  cfg.Delimiter(),
		FieldIndex: &field,
		MaxPending: cfg.Stream.MaxPending,
	}, buf, time.Now(), logging.Component(log, "pipeline"))

	src, err := source.New(cfg.Source, logging.Component(log, "source"))
	if err != nil {
		return err
	}

	upLog := logging.Component(log, "upload")
	sink := buildSink(cfg, upLog)

	var (
		sched   *upload.Scheduler
		upStats server.UploadStats
	)
	if sink != nil {
		sched = upload.NewScheduler(upload.SchedulerConfig{
			Interval:     time.Duration(cfg.Upload.IntervalMs) * time.Millisecond,
			Timeout:      time.Duration(cfg.Upload.TimeoutMs) * time.Millisecond,
			SkipIfBusy:   cfg.Upload.SkipIfBusy,
			OnlyOnChange: cfg.Upload.OnlyOnChange,
		}, buf, sink, upLog)
		upStats = sched
	}

	srvLog := logging.Component(log, "server")
	srv := server.New(cfg, buf, pipe, upStats, web.FS, srvLog)
	watcher := server.NewConfigWatcher(cfg, srv.BroadcastDisplay, logging.Component(log, "config"))

	g, gctx := errgroup.WithContext(ctx)

	// The dashboard starts regardless; the source connects in the background.
	g.Go(func() error { return pipe.Run(gctx, src) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}

	err = g.Wait()

	if sched != nil {
		sched.Wait()
		sink.Close()
		st := sched.Stats()
		log.Info().Uint64("submitted", st.Submitted).Uint64("succeeded", st.Succeeded).
			Uint64("failed", st.Failed).Uint64("skipped", st.Skipped).Msg("upload summary")
	}
	ps := pipe.Stats()
	log.Info().Uint64("records", ps.Records).Uint64("accepted", ps.Accepted).
		Uint64("parse_errors", ps.ParseErrors).Msg("shutting down")

	if err != nil {
		return fmt.Errorf("adcrelay: %w", err)
	}
	return nil
}
