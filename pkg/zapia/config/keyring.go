package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// KeyringService is the service name used in the OS keyring.
	KeyringService = "zapia"

	// keyringAPIKey is the entry holding the provider API key.
	keyringAPIKey = "api_key"
)

// StoreAPIKey saves the provider API key in the OS keyring.
func StoreAPIKey(value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("empty API key")
	}
	if err := keyring.Set(KeyringService, keyringAPIKey, value); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	return nil
}

// DeleteAPIKey removes the API key from the OS keyring.
func DeleteAPIKey() error {
	err := keyring.Delete(KeyringService, keyringAPIKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// ResolveAPIKey fills cfg.LLM.APIKey from the OS keyring when an entry
// exists. The keyring wins over environment and file values. It returns the
// source that provided the key: "keyring", "config" or "".
func ResolveAPIKey(cfg *Config, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}

	if val, err := keyring.Get(KeyringService, keyringAPIKey); err == nil && val != "" {
		cfg.LLM.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return "keyring"
	} else if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		logger.Debug("OS keyring unavailable", "error", err)
	}

	if cfg.LLM.APIKey != "" && !strings.HasPrefix(cfg.LLM.APIKey, "${") {
		logger.Debug("API key loaded from config/env")
		return "config"
	}

	cfg.LLM.APIKey = ""
	logger.Warn("no API key found, set one with: zapia config set-key")
	return ""
}

// ReadSecret prompts on stdout and reads a line without echo. When stdin is
// not a terminal the line is read as is.
func ReadSecret(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	var buf [1024]byte
	n, err := os.Stdin.Read(buf[:])
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(buf[:n])), nil
}
