package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pagepilot-mcp-server/internal/assets"
	"pagepilot-mcp-server/internal/browser"
	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/history"
	"pagepilot-mcp-server/internal/llm"
	mcpserver "pagepilot-mcp-server/internal/mcp"
	"pagepilot-mcp-server/internal/recorder"
	"pagepilot-mcp-server/internal/session"
)

func main() {
	configPath := flag.String("config", "", "Path to the PagePilot config file (falls back to STAGEHAND_CONFIGFILE)")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	httpPort := flag.Int("http-port", -1, "Streamable HTTP port override; 0 selects stdio")
	noWorkspace := flag.Bool("no-workspace", false, "Skip .pagepilot workspace discovery")
	workspaceDir := flag.String("workspace-dir", "", "Use this directory as the workspace root")
	initWorkspace := flag.Bool("init", false, "Create a .pagepilot workspace in the current directory and exit")
	flag.Parse()

	if *initWorkspace {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to resolve working directory: %v", err)
		}
		if err := config.InitWorkspace(cwd); err != nil {
			log.Fatalf("failed to initialize workspace: %v", err)
		}
		fmt.Printf("initialized %s in %s\n", config.WorkspaceDirName, cwd)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := loadConfig(*configPath, config.WorkspaceOptions{Disable: *noWorkspace, ExplicitDir: *workspaceDir}, os.Getenv)
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		log.Fatalf("failed to load config: %v", err)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}
	if *httpPort >= 0 {
		cfg.MCP.HTTPPort = *httpPort
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP protocol)
	if stdioMode(cfg) && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}
	if wsDir != "" {
		log.Printf("using workspace %s", wsDir)
	}

	router, err := llm.NewRouter(cfg.Model, os.Getenv)
	if err != nil {
		log.Fatalf("failed to initialize model client: %v", err)
	}

	store := history.NewStore()
	manager := browser.NewManager(ctx, cfg.Browser, cfg.Agent, router, store)
	registry := session.NewRegistry(manager, session.Options{
		IdleTimeout: cfg.Sessions.GetIdleTimeout(),
		MaxSessions: cfg.Sessions.MaxSessions,
		OnClose: func(id string) {
			if n := store.Forget(id); n > 0 {
				log.Printf("session %s closed; dropped %d history facts", id, n)
			}
		},
	})
	if cfg.Sessions.GetIdleTimeout() > 0 {
		go registry.RunJanitor(ctx, cfg.Sessions.GetJanitorInterval())
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec, err = recorder.NewRecorder(cfg.Recorder.Dir)
		if err == nil {
			err = rec.Start()
		}
		if err != nil {
			log.Printf("invocation recorder disabled: %v", err)
			rec = nil
		}
	}
	defer rec.Close()

	publisher := assets.NewPublisher(cfg.Assets)

	server, err := mcpserver.NewServer(cfg, registry, publisher, store, rec)
	if err != nil {
		log.Fatalf("failed to initialize MCP server: %v", err)
	}

	var startErr error
	switch {
	case cfg.MCP.SSEPort > 0:
		log.Printf("starting PagePilot MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	case cfg.MCP.HTTPPort > 0:
		log.Printf("starting PagePilot MCP streamable HTTP server on port %d", cfg.MCP.HTTPPort)
		startErr = server.StartHTTP(ctx, cfg.MCP.HTTPPort)
	default:
		log.Printf("starting PagePilot MCP stdio server")
		startErr = server.Start(ctx)
	}

	shutdown(registry, manager, publisher)

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}

// loadConfig layers defaults, the workspace config, the explicit config file
// and the environment, in that order.
func loadConfig(path string, opts config.WorkspaceOptions, getenv func(string) string) (config.Config, string, error) {
	if path == "" {
		path = getenv("STAGEHAND_CONFIGFILE")
	}
	cfg, wsDir, err := config.LoadWithWorkspace(path, opts)
	if err != nil {
		return cfg, wsDir, err
	}
	if err := config.ApplyEnv(&cfg, getenv); err != nil {
		return cfg, wsDir, err
	}
	return cfg, wsDir, cfg.Validate()
}

func stdioMode(cfg config.Config) bool {
	return cfg.MCP.SSEPort == 0 && cfg.MCP.HTTPPort == 0
}

func shutdown(registry *session.Registry, manager *browser.Manager, publisher *assets.Publisher) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := registry.Shutdown(ctx); err != nil {
		log.Printf("session shutdown: %v", err)
	}
	if err := manager.Shutdown(); err != nil {
		log.Printf("browser shutdown: %v", err)
	}
	if err := publisher.Shutdown(ctx); err != nil {
		log.Printf("asset server shutdown: %v", err)
	}
}
