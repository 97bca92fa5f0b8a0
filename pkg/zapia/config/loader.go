package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
//
// Capture groups:
//   - 1: variable name
//   - 2: modifier ("-" for default, "?" for required)
//   - 3: default value or error message
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// envOverrides maps environment variables onto config fields. They win over
// the file.
var envOverrides = []struct {
	name  string
	apply func(*Config, string)
}{
	{"BOT_NAME", func(c *Config, v string) { c.Bot.Name = v }},
	{"BOT_NUMBER", func(c *Config, v string) { c.Bot.Number = v }},
	{"OPENAI_API_KEY", func(c *Config, v string) { c.LLM.APIKey = v }},
	{"OPENAI_MODEL", func(c *Config, v string) { c.LLM.Model = v }},
	{"OPENAI_BASE_URL", func(c *Config, v string) { c.LLM.BaseURL = v }},
}

// Load reads the configuration. With an empty path the standard locations
// are searched; when no file exists the defaults plus environment are used.
// Load does not validate.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}

	var cfg *Config
	if path == "" {
		cfg = DefaultConfig()
	} else {
		var err error
		cfg, err = loadFile(path)
		if err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadFile reads, expands and parses a YAML file.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)
	return cfg, nil
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"zapia.yaml",
		"configs/config.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files from the working directory. Variables that
// are already set are left alone.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// applyEnvOverrides copies set, non-empty environment variables over the
// file values.
func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v := strings.TrimSpace(os.Getenv(o.name)); v != "" {
			o.apply(cfg, v)
		}
	}
}

// expandEnvVars replaces ${VAR} references with environment values.
//
//   - ${VAR}          value of VAR, placeholder kept when unset
//   - ${VAR:-default} value of VAR, or default when unset
//   - ${VAR:?message} value of VAR, or an error when unset
func expandEnvVars(input string) (string, error) {
	var missing []string

	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value := sub[1], sub[2], sub[3]

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, name+" - "+value)
		}
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// resolveRelativePaths makes file paths relative to the config file's
// directory so the bot works from any working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Conversation.File = resolvePathFromConfig(cfg.Conversation.File, dir)
	cfg.Backup.SnapshotDir = resolvePathFromConfig(cfg.Backup.SnapshotDir, dir)
	cfg.WhatsApp.SessionDB = resolvePathFromConfig(cfg.WhatsApp.SessionDB, dir)
}

// resolvePathFromConfig resolves path against configDir. Expands ~.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path))
	}
}
