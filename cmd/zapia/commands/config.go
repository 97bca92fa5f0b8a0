package commands

import (
	"fmt"
	"os"

	"github.com/mathazel/ZapIA/pkg/zapia/config"
	"github.com/spf13/cobra"
)

// newConfigCmd cria o comando `zapia config` para gerenciar configurações.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Gerencia configurações do bot",
		Long: `Gerencia a chave da API e valida a configuração.

Exemplos:
  zapia config set-key
  zapia config delete-key
  zapia config check --config ./config.yaml`,
	}

	cmd.AddCommand(
		newConfigSetKeyCmd(),
		newConfigDeleteKeyCmd(),
		newConfigCheckCmd(),
	)

	return cmd
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Salva a chave da API no keyring do sistema",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			key, err := config.ReadSecret("Chave da API: ")
			if err != nil {
				return err
			}
			if err := config.StoreAPIKey(key); err != nil {
				return err
			}
			fmt.Println("Chave salva no keyring do sistema.")
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key",
		Short: "Remove a chave da API do keyring do sistema",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := config.DeleteAPIKey(); err != nil {
				return fmt.Errorf("removing key: %w", err)
			}
			fmt.Println("Chave removida do keyring.")
			return nil
		},
	}
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Valida a configuração atual",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			source := config.ResolveAPIKey(cfg, newLogger(cmd, cfg, os.Stderr))
			if source == "" {
				source = "nenhuma"
			}

			fmt.Printf("Bot:        %s (%s)\n", cfg.Bot.Name, cfg.Bot.Number)
			fmt.Printf("Modelo:     %s\n", cfg.LLM.Model)
			fmt.Printf("Chave API:  %s\n", source)
			fmt.Printf("Histórico:  %s\n", cfg.Conversation.File)
			fmt.Printf("Sessão:     %s\n", cfg.WhatsApp.SessionDB)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Println("Configuração válida.")
			return nil
		},
	}
}
