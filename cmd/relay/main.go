package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/comigor/relay-go/internal/config"
	"github.com/comigor/relay-go/internal/history"
	"github.com/comigor/relay-go/internal/llm"
	"github.com/comigor/relay-go/internal/logger"
	"github.com/comigor/relay-go/internal/matrix"
	"github.com/comigor/relay-go/internal/prompt"
	"github.com/comigor/relay-go/internal/relay"
	"github.com/comigor/relay-go/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := config.Flags()
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	// Load configuration
	cfg, err := config.Load(flags)
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		return 1
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Build the window store: pinned system prompt, optional archive
	opts := []history.Option{}
	if systemPrompt := prompt.Resolve(ctx, cfg.SystemPrompt, cfg.MCPServers, prompt.Connect); systemPrompt != "" {
		logger.L.Info("using system prompt", "prompt", systemPrompt)
		opts = append(opts, history.WithSystemPrompt(systemPrompt))
	}
	if cfg.History.DBPath != "" {
		archive, err := history.OpenArchive(cfg.History.DBPath)
		if err != nil {
			logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
		} else {
			defer archive.Close()
			opts = append(opts, history.WithArchive(archive))
		}
	}
	store := history.NewStore(cfg.History.MaxLength, opts...)
	logger.L.Info("history configured", "max_length", store.MaxLength(), "archive", cfg.History.DBPath != "")

	completer := llm.NewCompleter(llm.NewClient(cfg.LLM), cfg.LLM.Model, cfg.LLM.Timeout)
	transport, err := matrix.New(cfg.Matrix)
	if err != nil {
		logger.L.Error("failed to create chat transport", "error", err)
		return 1
	}
	dispatcher := relay.NewDispatcher(relay.New(store, completer, transport))

	if cfg.Server.Port != "" {
		addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
		go func() {
			if err := server.Run(ctx, addr, server.NewHandler(store)); err != nil {
				logger.L.Error("failed to start admin server", "error", err)
			}
		}()
	}

	// In-flight events finish even after a shutdown signal.
	work := context.WithoutCancel(ctx)
	listenErr := transport.Listen(ctx, func(in relay.Inbound) {
		dispatcher.Dispatch(work, in)
	})

	logger.L.Info("stopping; waiting for in-flight messages")
	dispatcher.Wait()

	if listenErr != nil {
		logger.L.Error("chat transport failed", "error", listenErr)
		return 1
	}
	return 0
}
