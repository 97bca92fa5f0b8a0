package commands

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// newBackupCmd cria o comando `zapia backup` para backups e snapshots do
// histórico.
func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Gerencia backups e snapshots do histórico",
		Long: `Cria e restaura o backup contínuo (arquivo .bak) e os snapshots
compactados com zstd. Use com o bot parado.

Exemplos:
  zapia backup create --force
  zapia backup restore
  zapia backup snapshot
  zapia backup list
  zapia backup restore-snapshot data/backups/conversationHistory-20260101-120000.000.json.zst`,
	}

	cmd.AddCommand(
		newBackupCreateCmd(),
		newBackupRestoreCmd(),
		newBackupSnapshotCmd(),
		newBackupListCmd(),
		newBackupRestoreSnapshotCmd(),
	)

	return cmd
}

func newBackupCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Cria o backup do histórico",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			d, err := openData(cmd, false)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, d.close(cmd.Context())) }()

			force, _ := cmd.Flags().GetBool("force")
			created, err := d.backups.CreateBackup(cmd.Context(), d.cfg.Conversation.File, force)
			if err != nil {
				return err
			}
			if !created {
				fmt.Println("Backup recente já existe. Use --force para sobrescrever.")
				return nil
			}
			fmt.Println("Backup criado.")
			return nil
		},
	}

	cmd.Flags().Bool("force", false, "ignora o intervalo mínimo entre backups")
	return cmd
}

func newBackupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restaura o histórico a partir do backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			d, err := openData(cmd, false)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, d.close(cmd.Context())) }()

			restored, err := d.backups.RestoreFromBackup(cmd.Context(), d.cfg.Conversation.File)
			if err != nil {
				return err
			}
			if !restored {
				return fmt.Errorf("nenhum backup válido para %s", d.cfg.Conversation.File)
			}
			fmt.Println("Histórico restaurado do backup.")
			return nil
		},
	}
}

func newBackupSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Grava um snapshot compactado do histórico",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			d, err := openData(cmd, false)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, d.close(cmd.Context())) }()

			path, err := d.backups.Snapshot(cmd.Context(), d.cfg.Conversation.File)
			if err != nil {
				return err
			}
			fmt.Printf("Snapshot gravado em %s\n", path)
			return nil
		},
	}
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lista os snapshots existentes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			d, err := openData(cmd, false)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, d.close(cmd.Context())) }()

			snaps, err := d.backups.ListSnapshots(d.cfg.Conversation.File)
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Println("Nenhum snapshot encontrado.")
				return nil
			}
			for _, s := range snaps {
				fmt.Printf("%-60s %10s  %s\n",
					filepath.Base(s.Path),
					humanize.IBytes(uint64(s.Size)),
					humanize.Time(s.ModTime))
			}
			return nil
		},
	}
}

func newBackupRestoreSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore-snapshot <file>",
		Short: "Restaura o histórico a partir de um snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			d, err := openData(cmd, false)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, d.close(cmd.Context())) }()

			if err := d.backups.RestoreSnapshot(cmd.Context(), args[0], d.cfg.Conversation.File); err != nil {
				return err
			}
			fmt.Printf("Histórico restaurado de %s\n", args[0])
			return nil
		},
	}
}
