// Command agentd runs the agent orchestration server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentd/internal/agent"
	"agentd/internal/config"
	"agentd/internal/engine/claude"
	"agentd/internal/engine/codex"
	"agentd/internal/logging"
	"agentd/internal/metrics"
	"agentd/internal/server"
	"agentd/internal/storage"
	"agentd/internal/stream"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		port  int
		debug bool
	)

	root := &cobra.Command{
		Use:     "agentd",
		Short:   "Agent execution orchestration and realtime streaming server",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, debug)
		},
	}
	root.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging and gin debug mode")
	return root
}

func runServe(portOverride int, debug bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if debug {
		cfg.Server.Debug = true
		logging.SetLevel(logging.DEBUG)
	}

	logger := logging.NewComponentLogger("Server")
	m := metrics.Default()

	store, err := storage.Open(cfg.Storage.Path, logging.NewComponentLogger("Storage"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	streams := stream.NewManager(stream.Options{
		BufferSize:        cfg.Stream.BufferSize,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		ReplaySize:        cfg.Stream.ReplaySize,
		Logger:            logging.NewComponentLogger("Stream"),
		Metrics:           m,
	})
	defer streams.Close()

	chat := agent.NewChatService(agent.ChatServiceOptions{
		Publisher:     streams,
		Projects:      store,
		Messages:      store,
		Logger:        logging.NewComponentLogger("Chat"),
		Metrics:       m,
		DefaultEngine: cfg.Engines.Default,
	})
	defer chat.Close()

	chat.RegisterEngine(claude.New(claude.Options{
		APIKey:    cfg.Engines.ClaudeAPIKey,
		MaxTokens: cfg.Engines.ClaudeTokens,
		Logger:    logging.NewComponentLogger("Claude"),
	}))
	chat.RegisterEngine(codex.New(codex.Options{
		Binary:  cfg.Engines.CodexBinary,
		Timeout: cfg.Engines.CodexTimeout,
		Logger:  logging.NewComponentLogger("Codex"),
	}))

	srv := server.New(cfg.Server, chat, streams, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
