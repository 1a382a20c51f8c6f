// Package main is the fable server CLI: a story-writing generation server
// pairing an LLM writer agent with a file-backed story corpus.
//
// Start the server:
//
//	fable serve --config fable.yaml
//
// Configuration can reference environment variables (${ANTHROPIC_API_KEY});
// a .env file in the working directory is loaded when present.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fablekit/fable/internal/agent"
	"github.com/fablekit/fable/internal/agent/providers"
	"github.com/fablekit/fable/internal/config"
	"github.com/fablekit/fable/internal/gateway"
	"github.com/fablekit/fable/internal/instructions"
	"github.com/fablekit/fable/internal/librarian"
	"github.com/fablekit/fable/internal/observability"
	"github.com/fablekit/fable/internal/pipeline"
	"github.com/fablekit/fable/internal/store"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fable",
		Short:        "Fable - story-writing generation server",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fable HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Best effort: absent .env files are fine.
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("FABLE_CONFIG"), "path to config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return err
	}

	instr := instructions.NewRegistry(logger)
	if err := instr.LoadDir(cfg.InstructionSetsDir); err != nil {
		return err
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if err := instr.Watch(watchCtx); err != nil {
		logger.Warn(ctx, "instruction watching disabled", "error", err.Error())
	}

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		return err
	}

	registry := agent.NewRegistry()
	active := agent.NewActiveRegistry(0)
	runner := agent.NewRunner(registry, active, logger, tracer)

	scheduler, err := librarian.NewScheduler(librarian.Deps{
		Store:        st,
		Instructions: instr,
		Registry:     registry,
		Runner:       runner,
		Provider:     provider,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
		Config: librarian.Config{
			Model:           cfg.LLM.Model,
			MaxTokens:       cfg.LLM.MaxTokens,
			Debounce:        time.Duration(cfg.Librarian.DebounceMs) * time.Millisecond,
			SummaryCapBytes: cfg.Librarian.SummaryCapBytes,
		},
	})
	if err != nil {
		return err
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Store:        st,
		Instructions: instr,
		Registry:     registry,
		Runner:       runner,
		Provider:     provider,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
		Notifier:     scheduler,
		Config: pipeline.Config{
			DefaultModel: cfg.LLM.Model,
			MaxTokens:    cfg.LLM.MaxTokens,
		},
	})
	if err != nil {
		return err
	}

	server := gateway.NewServer(gateway.Deps{
		Store:     st,
		Generator: pipe,
		Librarian: scheduler,
		Active:    active,
		Logger:    logger,
		Metrics:   metrics,
		Config: gateway.Config{
			Host:       cfg.Server.Host,
			Port:       cfg.Server.Port,
			PluginsDir: cfg.PluginsDir,
		},
	})
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info(ctx, "fable server started",
		"data_dir", cfg.DataDir, "provider", provider.Name(), "model", cfg.LLM.Model)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "http shutdown error", "error", err.Error())
	}
	scheduler.Close()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(ctx, "tracer shutdown error", "error", err.Error())
	}
	return nil
}

func buildProvider(cfg config.LLMConfig) (agent.Provider, error) {
	switch cfg.Provider {
	case "", "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
