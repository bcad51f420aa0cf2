package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/humanloop/internal/app"
	"github.com/ent0n29/humanloop/internal/config"
	"github.com/ent0n29/humanloop/internal/mcp"
)

var serveFlags struct {
	mcp       bool
	addr      string
	workspace string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server, optionally with MCP on stdio",
	Long: `Runs the REST API and the UI WebSocket bridge.

With --mcp the agent tools are also served over stdio, and the process exits
when the agent closes stdin.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveFlags.mcp, "mcp", false, "serve the agent tools over MCP on stdio")
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "", "listen address (overrides HUMANLOOP_BIND_ADDR)")
	serveCmd.Flags().StringVar(&serveFlags.workspace, "workspace", "", "workspace root for plan exports (overrides HUMANLOOP_WORKSPACE_ROOT)")
}

// loadConfig reads the environment and applies the global --state flag.
func loadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if statePath != "" {
		cfg.StatePath = statePath
	}
	return cfg
}

func runServe(cmd *cobra.Command, _ []string) {
	cfg := loadConfig()
	if serveFlags.addr != "" {
		cfg.BindAddr = serveFlags.addr
	}
	if serveFlags.workspace != "" {
		cfg.WorkspaceRoot = serveFlags.workspace
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config error: %v", err)
	}
	if serveFlags.mcp {
		// stdout carries the protocol.
		log.SetOutput(os.Stderr)
	}

	built, err := app.Build(cmd.Context(), cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Printf("cleanup failed: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, 5*time.Second)
	built.Hub.WatchStores(runCtx)

	go func() {
		log.Printf("server listening on %s (store: %s)", cfg.BindAddr, cfg.StoreMode())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if !serveFlags.mcp {
				log.Fatalf("listen error: %v", err)
			}
			// Another instance may own the port; the agent tools still work.
			log.Printf("listen error, continuing without UI: %v", err)
		}
	}()

	mcpDone := make(chan struct{})
	if serveFlags.mcp {
		server := mcp.NewServer(built.Service, mcp.Info{Name: "humanloop", Version: version})
		go func() {
			defer close(mcpDone)
			if err := server.Serve(runCtx, os.Stdin, os.Stdout); err != nil {
				log.Printf("mcp server stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Printf("shutdown signal received")
	case <-mcpDone:
		log.Printf("mcp client disconnected")
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
