package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/clindoc/ptdgen/internal/api"
	"github.com/clindoc/ptdgen/internal/config"
	"github.com/clindoc/ptdgen/internal/pipeline"
	"github.com/clindoc/ptdgen/internal/render"
	"github.com/clindoc/ptdgen/internal/rules"
)

var (
	version   = "dev"     // This will be set by build flags
	buildTime = "unknown" // This will be set by build flags
	gitCommit = "unknown" // This will be set by build flags
)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" || arg == "-v" {
			printVersion()
			return
		}
	}

	cfg, err := config.LoadFromFlags()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if version != "dev" {
		cfg.Version = version
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if cfg.IsDebug() {
		logger.SetFlags(log.LstdFlags | log.Lshortfile)
		logger.Printf("Starting with configuration: %s", cfg.String())
	}

	ruleSet := rules.Load(cfg.RulesPath, logger)
	pipe, err := pipeline.New(ruleSet, logger)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	renderer := render.NewRenderer(logger)

	if cfg.IsServeMode() {
		runServer(cfg, pipe, renderer)
		return
	}
	runOnce(cfg, pipe, renderer, logger)
}

// runOnce executes the pipeline over the configured input files and writes
// the workbook.
func runOnce(cfg *config.Config, pipe *pipeline.Pipeline, renderer *render.Renderer, logger *log.Logger) {
	res, err := pipe.RunFiles(cfg.ProtocolPath, cfg.ECRFPath)
	if err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}
	if err := renderer.WriteFile(res, cfg.OutputPath); err != nil {
		log.Fatalf("Failed to write workbook: %v", err)
	}
	logger.Printf("Generated %s: %d forms, %d items, %d matrix rows, %d visits",
		cfg.OutputPath, len(res.Forms), len(res.Items), len(res.Matrix), len(res.Visits))
}

// runServer starts the HTTP API with signal-driven graceful shutdown.
func runServer(cfg *config.Config, pipe *pipeline.Pipeline, renderer *render.Renderer) {
	slogLevel := slog.LevelInfo
	if cfg.IsDebug() {
		slogLevel = slog.LevelDebug
	}
	httpLog := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))

	runs := pipeline.NewRunStore(cfg.RunTTL)
	server := api.NewServer(pipe, renderer, runs, httpLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.CleanupLoop(ctx, cfg.RunTTL/4)

	httpServer := &http.Server{
		Addr:              cfg.Address(),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	serverErrCh := make(chan error, 1)
	go func() {
		httpLog.Info("listening", "addr", cfg.Address())
		serverErrCh <- httpServer.ListenAndServe()
	}()

	select {
	case sig := <-signalCh:
		httpLog.Info("shutting down", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpLog.Error("shutdown", "error", err)
			os.Exit(1)
		}
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			httpLog.Error("server", "error", err)
			os.Exit(1)
		}
	}
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("ptdgen - PTD workbook generator\n")
	fmt.Printf("Version: %s\n", version)
	fmt.Printf("Build Time: %s\n", buildTime)
	fmt.Printf("Git Commit: %s\n", gitCommit)
	fmt.Printf("Built with: %s\n", runtime.Version())
}
