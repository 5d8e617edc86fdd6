// ticktalkd is the ticktalk chat server.
//
// It accepts clients over TCP (and optionally WebSocket), runs the single
// tick loop that relays chat lines between them, records connection
// lifecycles to SQLite, exposes an admin REST API with Prometheus metrics
// and publishes presence telemetry via MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/ticktalk/internal/api"
	"github.com/energizer-project/ticktalk/internal/cli"
	"github.com/energizer-project/ticktalk/internal/config"
	"github.com/energizer-project/ticktalk/internal/db"
	"github.com/energizer-project/ticktalk/internal/events"
	"github.com/energizer-project/ticktalk/internal/network"
	"github.com/energizer-project/ticktalk/internal/scheduler"
	"github.com/energizer-project/ticktalk/internal/server"
	"github.com/energizer-project/ticktalk/internal/telemetry"
	"github.com/energizer-project/ticktalk/internal/util"
)

const (
	AppName    = "ticktalkd"
	AppVersion = "1.0.0"
	Banner     = `
  _   _      _    _        _ _
 | |_(_) ___| | _| |_ __ _| | | __
 | __| |/ __| |/ / __/ _' | | |/ /
 | |_| | (__|   <| || (_| | |   <
  \__|_|\___|_|\_\\__\__,_|_|_|\_\  v%s
`
)

type serveFlags struct {
	configDir string
	listen    string
	noConsole bool
}

func main() {
	var flags serveFlags

	rootCmd := &cobra.Command{
		Use:   AppName,
		Short: "ticktalk chat server",
		Long: `ticktalkd relays chat lines between clients speaking the ticktalk
binary protocol over TCP or WebSocket.

With no subcommand it loads <config>/config.json (creating it with
defaults when missing) and serves until interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(flags)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configDir, "config", "c", config.DefaultConfigDir, "configuration directory")
	rootCmd.Flags().StringVarP(&flags.listen, "listen", "l", "", "override server.listen_address")
	rootCmd.Flags().BoolVar(&flags.noConsole, "no-console", false, "disable the operator console")

	rootCmd.AddCommand(initCmd(&flags), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func initCmd(flags *serveFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Run the interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configDir)
			if err != nil {
				return err
			}
			return config.RunSetupWizard(cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s %s/%s)\n", AppName, AppVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func serve(flags serveFlags) error {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Console-only logger until the config is loaded
	bootLog := util.DefaultLogConfig()
	bootLog.Directory = ""
	if _, err := util.InitLogger(bootLog); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(flags.configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if flags.listen != "" {
		cfg.SetListenAddress(flags.listen)
	}

	logFile, err := util.InitLogger(util.LogConfig{
		App:        AppName,
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return errors.New("configuration validation failed, fix the errors above or run 'ticktalkd init'")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", AppVersion).
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("arch", sysInfo.Architecture).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Str("log_file", logFile).
		Msg("starting ticktalkd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ---- Core components ----
	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventShutdown, "main", func(_ context.Context, e events.Event) error {
		reason := "requested"
		if p, ok := e.Payload.(events.ShutdownPayload); ok && p.Reason != "" {
			reason = p.Reason
		}
		log.Info().Str("source", e.Source).Str("reason", reason).Msg("shutdown requested")
		cancel()
		return nil
	})

	metrics := telemetry.NewMetrics(telemetry.DefaultNamespace)
	broker := server.NewBroker(server.OptionsFromConfig(cfg, eventBus, metrics))
	lagMonitor := server.NewLagMonitor(eventBus)

	srv := cfg.GetServer()
	sockOpts := network.DefaultSocketOptions()
	sockOpts.WriteTimeout = srv.WriteTimeout()
	if srv.ReadQueueDepth > 0 {
		sockOpts.QueueDepth = srv.ReadQueueDepth
	}
	if srv.WriteQueueDepth > 0 {
		sockOpts.WriteQueueDepth = srv.WriteQueueDepth
	}

	// Binding the chat listeners is the only fatal startup step.
	listeners := []*network.Listener{network.NewListener(network.TransportTCP, srv.ListenAddress, sockOpts)}
	if srv.WebSocketAddress != "" {
		listeners = append(listeners, network.NewListener(network.TransportWebSocket, srv.WebSocketAddress, sockOpts))
	}
	for _, l := range listeners {
		if err := l.Bind(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to bind chat listener")
		}
	}

	var sessions *db.SessionStore
	var purger scheduler.SessionPurger
	if cfg.Audit.Enabled {
		sessions, err = db.NewSessionStore(cfg.Audit.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open audit log, session audit disabled")
		} else {
			sessions.Attach(eventBus)
			purger = sessions
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.MQTT, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, broker)
		apiServer.SetDependencies(lagMonitor, sessions, metrics)
	}

	sched := scheduler.NewScheduler(cfg, purger, broker, lagMonitor)

	// ---- Launch ----
	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Debug().Str("task", name).Msg("task started")
			fn()
		}()
	}

	run("broker", func() {
		if err := broker.Run(ctx); err != nil {
			log.Error().Err(err).Msg("broker stopped with error")
		}
	})

	for _, l := range listeners {
		run("listener", func() {
			if err := l.Serve(ctx, broker.Admit); err != nil {
				log.Error().Err(err).Msg("listener failed")
				cancel()
			}
		})
	}

	run("scheduler", func() { sched.Start(ctx) })

	if mqttHandler != nil {
		run("mqtt", func() {
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed (non-fatal)")
			}
		})
	}

	if apiServer != nil {
		run("api", func() {
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		})
	}

	if srv.Console && !flags.noConsole {
		console := cli.NewCLI(eventBus, broker, lagMonitor)
		// The console blocks on stdin, so it is not waited for.
		go console.Start(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("initiating graceful shutdown...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	if sessions != nil {
		if err := sessions.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close audit log")
		}
	}

	log.Info().Msg("ticktalkd stopped")
	return nil
}

// startWithRetry attempts to start a server with retry on bind errors.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
