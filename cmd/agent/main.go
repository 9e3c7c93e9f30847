package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Raekwon-OG/protekt/internal/config"
	"github.com/Raekwon-OG/protekt/pkg/coordinator"
	"github.com/Raekwon-OG/protekt/pkg/log"
	"github.com/Raekwon-OG/protekt/pkg/metrics"
	"github.com/Raekwon-OG/protekt/pkg/store"
)

// subsystemShutdownTimeout bounds how long the debug HTTP server is given
// to drain in-flight requests once the coordinator has stopped.
const subsystemShutdownTimeout = 5 * time.Second

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "protekt-agent",
	Short:   "Protekt Agent - offline-first endpoint monitoring and protection",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"protekt-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().String("config", "./config.yaml", "Path to the agent config file")
	rootCmd.PersistentFlags().String("debug-addr", "127.0.0.1:0", "Loopback address for the /metrics, /health, /ready, /live debug endpoints")

	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		debugAddr, _ := cmd.Flags().GetString("debug-addr")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		baseLog := log.New(log.Config{
			Level:      log.Level(cfg.Agent.LogLevel),
			JSONOutput: cfg.Agent.LogJSON,
		})

		st, err := store.NewBoltStore(cfg.Agent.DataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}

		co, err := coordinator.New(st, baseLog, cfg)
		if err != nil {
			_ = st.Close()
			return fmt.Errorf("wire coordinator: %w", err)
		}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "open")
		metrics.RegisterComponent("registration", false, "pending")

		listener, err := net.Listen("tcp", debugAddr)
		if err != nil {
			_ = st.Close()
			return fmt.Errorf("listen on debug address: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		debugServer := &http.Server{Handler: mux}
		go func() {
			if err := debugServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				baseLog.Error().Err(err).Msg("debug server error")
			}
		}()
		baseLog.Info().Str("addr", listener.Addr().String()).Msg("debug endpoints listening")

		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			baseLog.Info().Msg("signal received, shutting down")
			cancel()
		}()

		runErr := co.Run(ctx)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), subsystemShutdownTimeout)
		_ = debugServer.Shutdown(shutdownCtx)
		shutdownCancel()

		if runErr != nil {
			return fmt.Errorf("agent run: %w", runErr)
		}
		baseLog.Info().Msg("clean shutdown complete")
		return nil
	},
}
