package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/proxim/internal/events"
	"github.com/srg/proxim/internal/radio/goble"
	"github.com/srg/proxim/internal/sensor"
	"github.com/srg/proxim/pkg/config"
)

const eventBufferSize = 1024

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the proximity sensor",
	Long: `Runs the proximity sensor on the platform Bluetooth adapter until
interrupted or the duration elapses.

Device and sensor events are printed to the console and, when a NATS URL is
configured, published as JSON on <subject>.<event type>.

Examples:
  # Sense for one minute with debug logging
  proxim run --duration 1m --log-level debug

  # Publish events to a local NATS server
  proxim run --nats-url nats://127.0.0.1:4222 --nats-subject lab.proxim

  # Push payloads and RSSI to peers that cannot read from this node
  proxim run --write-back --payload 0a0b0c0d`,
	Args: cobra.NoArgs,
	RunE: runSensor,
}

var (
	runDuration    time.Duration
	runNATSURL     string
	runNATSSubject string
	runWriteBack   bool
	runPayload     string
	runNoConsole   bool
)

func init() {
	runCmd.Flags().DurationVarP(&runDuration, "duration", "d", 0, "Run duration (0 for indefinite)")
	runCmd.Flags().StringVar(&runNATSURL, "nats-url", "", "NATS server URL for event publishing")
	runCmd.Flags().StringVar(&runNATSSubject, "nats-subject", "", "Subject prefix for published events")
	runCmd.Flags().BoolVar(&runWriteBack, "write-back", false, "Write signal commands to peers after each pass")
	runCmd.Flags().StringVar(&runPayload, "payload", "", "Own payload as hex")
	runCmd.Flags().BoolVar(&runNoConsole, "quiet", false, "Do not print events to the console")
}

// loadConfig reads --config and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("nats-url") {
		cfg.Events.NATSURL = runNATSURL
	}
	if flags.Changed("nats-subject") {
		cfg.Events.Subject = runNATSSubject
	}
	if flags.Changed("write-back") {
		cfg.Sensor.WriteBack = runWriteBack
	}
	if flags.Changed("quiet") {
		cfg.Events.Console = !runNoConsole
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runSensor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}
	payload, err := hex.DecodeString(runPayload)
	if err != nil {
		return fmt.Errorf("invalid --payload: %w", err)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	baseCtx := context.Background()
	if runDuration > 0 {
		var cancel context.CancelFunc
		baseCtx, cancel = context.WithTimeout(baseCtx, runDuration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.ErrOrStderr(), "\nCtrl+C pressed, stopping sensor...")
			cancel()
		case <-ctx.Done():
		}
	}()

	sinks, closeSinks, err := buildSinks(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	feed := events.NewFeed(eventBufferSize, nil)
	var pump sync.WaitGroup
	pump.Add(1)
	go func() {
		defer pump.Done()
		events.Pump(ctx, feed, logger, sinks...)
	}()

	r := goble.New(logger)
	engine := sensor.New(r, cfg.Sensor, sensor.Options{Logger: logger, Payload: payload})
	engine.Registry().AddDelegate(feed)
	engine.AddDelegate(feed)

	engine.Start(ctx)
	if err := r.Open(); err != nil {
		engine.Stop()
		cancel()
		pump.Wait()
		return err
	}

	<-ctx.Done()
	engine.Stop()
	if err := r.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close BLE device")
	}
	pump.Wait()

	summary, passes := engine.LastSummary()
	logger.WithFields(logrus.Fields{
		"passes":   passes,
		"devices":  summary.Devices,
		"events":   feed.Metrics().Written,
		"overflow": feed.Metrics().Overwritten,
	}).Info("Sensor finished")

	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// buildSinks creates the configured event sinks and a function closing them.
func buildSinks(cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger) ([]events.Sink, func(), error) {
	var sinks []events.Sink
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Events.Console {
		colorize := false
		if f, ok := cmd.OutOrStdout().(*os.File); ok {
			colorize = events.IsTerminal(f)
		}
		sinks = append(sinks, events.NewConsole(cmd.OutOrStdout(), colorize))
	}
	if cfg.Events.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.Events.NATSURL, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := nc.Drain(); err != nil {
				logger.WithError(err).Warn("Failed to drain NATS connection")
			}
		})
		sinks = append(sinks, events.NewNATSSink(nc, cfg.Events.Subject))
	}
	return sinks, closeAll, nil
}
