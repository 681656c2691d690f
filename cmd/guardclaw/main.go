package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/guardclaw/guardclaw/internal/analyzer"
	"github.com/guardclaw/guardclaw/internal/api"
	"github.com/guardclaw/guardclaw/internal/approval"
	"github.com/guardclaw/guardclaw/internal/config"
	"github.com/guardclaw/guardclaw/internal/events"
	"github.com/guardclaw/guardclaw/internal/gateway"
	"github.com/guardclaw/guardclaw/internal/history"
	"github.com/guardclaw/guardclaw/internal/judge"
	"github.com/guardclaw/guardclaw/internal/logging"
	"github.com/guardclaw/guardclaw/internal/memory"
	"github.com/guardclaw/guardclaw/internal/rules"
	"github.com/guardclaw/guardclaw/internal/system"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	cleanupInterval = 5 * time.Minute
	pruneInterval   = time.Hour

	// decisionRetention ages out raw decision rows; the aggregated pattern
	// counts survive pruning.
	decisionRetention = 90 * 24 * time.Hour
)

var rootCmd = &cobra.Command{
	Use:     "guardclaw",
	Short:   "GuardClaw - security monitor for autonomous coding agents",
	Long:    `GuardClaw watches tool calls from autonomous coding agents, classifies each one as SAFE, WARNING or BLOCK, and enforces the verdict through synchronous agent hooks.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("GuardClaw %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "guardclaw",
	})

	// .env is optional; environment variables win either way.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "guardclaw",
	})

	log.Info().Str("version", Version).Msg("Starting GuardClaw")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Failed to create data directory")
	}
	if err := system.WritePIDFile(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Msg("Failed to write PID file")
	}
	defer system.RemovePIDFile(cfg.DataDir)
	if _, err := system.EnsureInstallMarker(cfg.DataDir, Version); err != nil {
		log.Warn().Err(err).Msg("Failed to write install marker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	mem, err := memory.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open pattern memory")
	}
	defer mem.Close()

	ev, err := events.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open event log")
	}
	defer ev.Close()

	userList, err := rules.LoadUserList(filepath.Join(cfg.DataDir, "userlist.json"))
	if err != nil {
		log.Warn().Err(err).Msg("User list unavailable, continuing without it")
	} else {
		defer userList.Close()
	}

	// Decision pipeline
	tracker := history.NewTracker(cfg.MaxToolHistory)
	judgeClient := judge.NewClient(cfg.LLMBackendURL, cfg.LLMModel, cfg.LLMTimeout())
	pipeline := analyzer.New(rules.NewEngine(userList), mem, tracker, judgeClient)
	approvals := approval.NewManager(approval.DefaultTimeout)

	if model, err := judgeClient.ResolveModel(ctx); err != nil {
		log.Warn().Err(err).Msg("Judge backend unreachable at startup, verdicts fall back to rules until it recovers")
	} else {
		log.Info().Str("model", model).Str("backend", cfg.LLMBackendURL).Msg("Judge model ready")
	}

	// Streaming gateway (optional)
	var gw *gateway.Client
	if cfg.GatewayURL != "" {
		gw = gateway.NewClient(cfg.GatewayURL, pipeline, tracker, ev)
		go func() {
			if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Gateway client stopped")
			}
		}()
	}

	go cleanupLoop(ctx, pipeline, approvals, gw)
	go pruneLoop(ctx, mem, ev, cfg.MaxEvents)

	// HTTP server
	server := api.NewServer(cfg, pipeline, approvals, ev, tracker, Version)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler: server.Routes(),
	}

	go func() {
		log.Info().Str("host", cfg.ListenHost).Int("port", cfg.ListenPort).Msg("Hook server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start hook server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("Shutting down...")

	// Let in-flight hook calls finish, bounded by the judge timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.LLMTimeout()+5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("GuardClaw stopped")
}

func cleanupLoop(ctx context.Context, pipeline *analyzer.Analyzer, approvals *approval.Manager, gw *gateway.Client) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, hot, sessions := pipeline.Sweep()
			orphans := approvals.Sweep()
			stale := 0
			if gw != nil {
				stale = gw.SweepStale()
			}
			log.Debug().
				Int("expired_results", results).
				Int("expired_hot", hot).
				Int("idle_sessions", sessions).
				Int("orphaned_approvals", orphans).
				Int("stale_calls", stale).
				Msg("Cleanup pass complete")
		}
	}
}

func pruneLoop(ctx context.Context, mem *memory.Store, ev *events.Store, maxEvents int) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := mem.Prune(decisionRetention); err != nil {
				log.Warn().Err(err).Msg("Decision prune failed")
			} else if n > 0 {
				log.Debug().Int64("pruned", n).Msg("Pruned aged decision records")
			}
			if n, err := ev.Prune(maxEvents); err != nil {
				log.Warn().Err(err).Msg("Event prune failed")
			} else if n > 0 {
				log.Debug().Int64("pruned", n).Msg("Pruned old events")
			}
		}
	}
}
