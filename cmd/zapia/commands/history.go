package commands

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mathazel/ZapIA/pkg/zapia/conversation"
	"github.com/spf13/cobra"
)

// newHistoryCmd cria o comando `zapia history` para inspecionar e limpar
// o histórico de conversas.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Gerencia o histórico de conversas",
		Long: `Inspeciona e limpa o arquivo de histórico. Use com o bot parado.

Exemplos:
  zapia history list
  zapia history show 5511999999999@s.whatsapp.net
  zapia history clear 5511999999999@s.whatsapp.net
  zapia history cleanup --max-age 48h`,
	}

	cmd.AddCommand(
		newHistoryListCmd(),
		newHistoryShowCmd(),
		newHistoryClearCmd(),
		newHistoryCleanupCmd(),
	)

	return cmd
}

func newHistoryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lista as conversas salvas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			d, err := openData(cmd, true)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, d.close(cmd.Context())) }()

			ids := d.store.Conversations()
			if len(ids) == 0 {
				fmt.Println("Nenhuma conversa salva.")
				return nil
			}
			for _, id := range ids {
				msgs, _ := d.store.Messages(id)
				last := ""
				if n := len(msgs); n > 0 {
					last = humanize.Time(msgs[n-1].Timestamp)
				}
				fmt.Printf("%-40s %3d mensagens  %s\n", id, len(msgs), last)
			}
			return nil
		},
	}
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Exibe as mensagens de uma conversa",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			d, err := openData(cmd, true)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, d.close(cmd.Context())) }()

			msgs, err := d.store.Messages(args[0])
			if errors.Is(err, conversation.ErrNotFound) {
				return fmt.Errorf("conversa %q não encontrada", args[0])
			}
			if err != nil {
				return err
			}

			for _, m := range msgs {
				fmt.Printf("[%s] %-9s %s\n",
					m.Timestamp.Local().Format(time.DateTime),
					m.Role,
					strings.ReplaceAll(m.Content, "\n", "\n                              "))
			}
			return nil
		},
	}
}

func newHistoryClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <conversation-id>",
		Short: "Apaga o histórico de uma conversa",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			d, err := openData(cmd, true)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, d.close(cmd.Context())) }()

			if d.store.Len(args[0]) == 0 {
				return fmt.Errorf("conversa %q não encontrada", args[0])
			}
			if err := d.store.ClearUserHistory(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Histórico de %s apagado.\n", args[0])
			return nil
		},
	}
}

func newHistoryCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove conversas inativas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			d, err := openData(cmd, true)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, d.close(cmd.Context())) }()

			maxAge := d.cfg.Conversation.MaxAge
			if cmd.Flags().Changed("max-age") {
				maxAge, _ = cmd.Flags().GetDuration("max-age")
			}
			if maxAge <= 0 {
				return fmt.Errorf("--max-age deve ser positivo")
			}

			removed, err := d.store.CleanupOldHistories(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			fmt.Printf("%d conversa(s) removida(s).\n", removed)
			return nil
		},
	}

	cmd.Flags().Duration("max-age", 24*time.Hour, "idade máxima da última mensagem")
	return cmd
}
