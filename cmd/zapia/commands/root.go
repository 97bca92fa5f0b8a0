// Package commands implementa os comandos CLI do ZapIA usando cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/mathazel/ZapIA/pkg/zapia/config"
	"github.com/spf13/cobra"
)

// NewRootCmd cria o comando raiz do CLI com todos os subcomandos registrados.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "zapia",
		Short: "ZapIA - bot conversacional para WhatsApp",
		Long: `ZapIA é um bot de conversa para WhatsApp que responde com uma persona
configurável usando um provedor compatível com OpenAI.

Exemplos:
  zapia serve
  zapia serve --config ./config.yaml
  zapia history list
  zapia backup snapshot
  zapia config set-key`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Registra subcomandos.
	rootCmd.AddCommand(
		newServeCmd(),
		newHistoryCmd(),
		newBackupCmd(),
		newConfigCmd(),
	)

	// Flags globais.
	rootCmd.PersistentFlags().StringP("config", "c", "", "caminho para o arquivo de configuração")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "habilita logs detalhados")

	return rootCmd
}

// resolveConfig carrega a configuração do caminho passado em --config ou
// do primeiro arquivo encontrado.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger monta o logger a partir da seção logging. --verbose força debug.
func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
