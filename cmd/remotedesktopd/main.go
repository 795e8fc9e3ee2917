package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ryoha000/remotedesktopd/internal/config"
	"github.com/ryoha000/remotedesktopd/internal/logging"
	"github.com/ryoha000/remotedesktopd/internal/remote/desktop"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "remotedesktopd",
	Short: "Remote desktop WebRTC host daemon",
	Long:  `remotedesktopd captures a window's video and loopback audio, encodes both in real time, and streams them over a WebRTC peer connection negotiated via a signaling relay.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the host daemon",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("remotedesktopd v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the resolved configuration",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/remotedesktopd/remotedesktopd.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	logFileFallback := false

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
}

// runDaemon loads config, wires the Host Orchestrator (C10), and blocks on
// an OS signal for graceful shutdown, matching the teacher's
// runAgent/shutdownAgent shape: load config, init logging, start the
// supervised task set, drain on signal.
func runDaemon() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	initLogging(cfg)

	if cfg.SignalingURL == "" {
		log.Error("signaling_url is required (set it in the config file or REMOTEDESKTOPD_SIGNALING_URL)")
		os.Exit(1)
	}
	if cfg.SessionID == "" {
		log.Error("session_id is required (set it in the config file or REMOTEDESKTOPD_SESSION_ID)")
		os.Exit(1)
	}

	log.Info("starting remotedesktopd",
		"version", version,
		"signalingUrl", cfg.SignalingURL,
		"sessionId", cfg.SessionID,
		"mock", cfg.Mock,
	)

	orch := desktop.NewOrchestrator(desktop.OrchestratorConfig{
		SignalingURL:    cfg.SignalingURL,
		SessionID:       cfg.SessionID,
		STUNServers:     cfg.STUNServers,
		VideoBitrateBps: cfg.VideoBitrateBps,
		AudioBitrateBps: cfg.AudioBitrateBps,
		Mock:            cfg.Mock,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("remotedesktopd is running")

	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("remotedesktopd stopped due to a task failure", "error", err)
		os.Exit(1)
	}

	log.Info("remotedesktopd stopped")
}

func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("Status: configuration error")
		fmt.Println(err)
		os.Exit(1)
	}

	fmt.Printf("Signaling URL: %s\n", cfg.SignalingURL)
	fmt.Printf("Session ID: %s\n", cfg.SessionID)
	fmt.Printf("Mock capture: %v\n", cfg.Mock)
	fmt.Printf("STUN servers: %v\n", cfg.STUNServers)
	fmt.Printf("Video bitrate: %d bps\n", cfg.VideoBitrateBps)
	fmt.Printf("Audio bitrate: %d bps\n", cfg.AudioBitrateBps)
	fmt.Printf("Log level: %s\n", cfg.LogLevel)
}
