// Package main provides the entry point for the refactor pipeline server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/autorefactor/pipeline/internal/agent"
	"github.com/autorefactor/pipeline/internal/apply"
	"github.com/autorefactor/pipeline/internal/astbridge"
	"github.com/autorefactor/pipeline/internal/confirm"
	"github.com/autorefactor/pipeline/internal/config"
	"github.com/autorefactor/pipeline/internal/decision"
	"github.com/autorefactor/pipeline/internal/logging"
	"github.com/autorefactor/pipeline/internal/pipeline"
	"github.com/autorefactor/pipeline/internal/progress"
	"github.com/autorefactor/pipeline/internal/router"
	"github.com/autorefactor/pipeline/internal/server"
	"github.com/autorefactor/pipeline/internal/storage"
	"github.com/autorefactor/pipeline/internal/transform"
)

var (
	port      = flag.Int("port", 8080, "Server port")
	directory = flag.String("directory", "", "Working directory to refactor")
	batchSize = flag.Int("batch-size", 4, "Transformer batch size (steps per streamed call)")
	logLevel  = flag.String("log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	printLogs = flag.Bool("print-logs", false, "Print logs to stderr")
	logFile   = flag.Bool("log-file", false, "Write logs to /tmp/refactor-pipeline-YYYYMMDD-HHMMSS.log")
	version   = flag.Bool("version", false, "Print version and exit")
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("refactor-server %s (%s)\n", Version, BuildTime)
		os.Exit(0)
	}

	_ = godotenv.Load()

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(*logLevel)
	logCfg.Pretty = *printLogs
	logCfg.LogToFile = *logFile
	if !*printLogs && !*logFile {
		logCfg.Level = logging.FatalLevel
	}
	logging.Init(logCfg)

	workDir := *directory
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
	}

	log.Printf("starting refactor-server %s", Version)
	log.Printf("working directory: %s", workDir)

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		log.Fatalf("failed to create data directories: %v", err)
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store := storage.New(paths.Data)

	r := router.New(appConfig)
	agents := agent.New(r)
	decisions := decision.New(r)
	applyEng := apply.New(store)

	ctx := context.Background()
	bridge, err := astbridge.Connect(ctx, astBridgeConfigFromEnv())
	if err != nil {
		log.Printf("warning: AST-parser bridge unavailable, proceeding without targeted context: %v", err)
	}
	transformer := transform.New(r, *batchSize, workDir, bridge)

	confirmCh := confirm.New()
	bus := progress.New()
	sessionStore := pipeline.NewStore()
	controller := pipeline.New(sessionStore, agents, transformer, decisions, applyEng, confirmCh, bus, paths.ClonedReposDir())

	serverConfig := server.DefaultConfig()
	serverConfig.Port = *port

	srv := server.New(serverConfig, controller, sessionStore, bus, confirmCh)

	go func() {
		log.Printf("server listening on http://localhost:%d", *port)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	log.Println("server stopped")
}

// astBridgeConfigFromEnv reads the AST-parser collaborator's connection
// settings from the environment, the same layering internal/config's
// applyEnvOverrides uses for provider credentials, since types.Config has
// no field for a contract-only collaborator that most deployments never
// enable.
func astBridgeConfigFromEnv() astbridge.Config {
	cfg := astbridge.Config{
		Enabled: os.Getenv("AST_PARSER_ENABLED") == "true",
		Kind:    astbridge.TransportStdio,
		Timeout: 10 * time.Second,
	}
	if url := os.Getenv("AST_PARSER_URL"); url != "" {
		cfg.Kind = astbridge.TransportRemote
		cfg.URL = url
	}
	if cmd := os.Getenv("AST_PARSER_COMMAND"); cmd != "" {
		cfg.Command = []string{cmd}
	}
	if secs := os.Getenv("AST_PARSER_TIMEOUT_SECONDS"); secs != "" {
		if n, err := strconv.Atoi(secs); err == nil && n > 0 {
			cfg.Timeout = time.Duration(n) * time.Second
		}
	}
	return cfg
}
