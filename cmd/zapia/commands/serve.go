package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mathazel/ZapIA/pkg/zapia/bot"
	"github.com/mathazel/ZapIA/pkg/zapia/config"
	"github.com/spf13/cobra"
)

// shutdownTimeout limita o desligamento gracioso.
const shutdownTimeout = 10 * time.Second

// newServeCmd cria o comando `zapia serve` que inicia o bot.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Inicia o bot e conecta ao WhatsApp",
		Long: `Inicia o ZapIA: carrega o histórico, conecta ao WhatsApp (exibindo o QR
code no primeiro login) e responde às mensagens até receber SIGINT ou SIGTERM.

Exemplos:
  zapia serve
  zapia serve --config ./config.yaml -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	logger := newLogger(cmd, cfg, os.Stdout)

	// ── Resolve secrets ──
	config.ResolveAPIKey(cfg, logger)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── Create bot ──
	b, err := bot.New(cfg, bot.Options{}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Start ──
	if err := b.Start(ctx); err != nil {
		shutdown(b)
		return fmt.Errorf("failed to start: %w", err)
	}

	// ── Wait for shutdown ──
	logger.Info("ZapIA running. Press Ctrl+C to stop.",
		"name", cfg.Bot.Name,
		"model", cfg.LLM.Model)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	if err := shutdown(b); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// shutdown para o bot respeitando shutdownTimeout.
func shutdown(b *bot.Bot) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Stop(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutdown timed out after 10s, forcing exit")
		return ctx.Err()
	}
}
