package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mathazel/ZapIA/pkg/zapia/backup"
	"github.com/mathazel/ZapIA/pkg/zapia/config"
	"github.com/mathazel/ZapIA/pkg/zapia/conversation"
	"github.com/spf13/cobra"
)

// dataFiles agrupa o histórico e os backups abertos fora do serve.
type dataFiles struct {
	cfg     *config.Config
	backups *backup.Manager
	store   *conversation.Store
}

// openData carrega a configuração e abre o histórico em disco. Não deve
// ser usado com o bot rodando sobre os mesmos arquivos.
func openData(cmd *cobra.Command, load bool) (*dataFiles, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg, os.Stderr)

	backups, err := backup.New(cfg.Backup, logger)
	if err != nil {
		return nil, fmt.Errorf("creating backup manager: %w", err)
	}

	d := &dataFiles{
		cfg:     cfg,
		backups: backups,
		store:   conversation.New(cfg.Conversation, backups, logger),
	}
	if load {
		if err := d.store.LoadHistory(cmd.Context()); err != nil {
			_ = backups.Close()
			return nil, fmt.Errorf("loading history: %w", err)
		}
	}
	return d, nil
}

// close grava alterações pendentes e libera os recursos.
func (d *dataFiles) close(ctx context.Context) error {
	return errors.Join(
		d.store.Close(context.WithoutCancel(ctx)),
		d.backups.Close(),
	)
}
