// Package composer – loader.go loads configuration from YAML files with
// credentials kept in environment variables and .env files rather than in
// the config itself.
package composer

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR}            simple variable
//   - ${VAR:-default}   default value if unset
//   - ${VAR:?message}   hard error if unset
//   - $VAR              bare variable
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file. .env files
// are loaded first and every ${VAR} reference in the YAML is expanded; a
// ${VAR:?message} reference with its variable unset fails the load.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, starting from defaults and
// overlaying whatever the YAML sets.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mapping config: %w", err)
	}

	// YAML unmarshal zeros bool fields when absent: a config without a
	// scheduler section must keep maintenance enabled.
	if schedMap, hasSched := raw["scheduler"].(map[string]any); hasSched {
		if _, set := schedMap["enabled"]; !set {
			cfg.Scheduler.Enabled = DefaultConfig().Scheduler.Enabled
		}
	} else {
		cfg.Scheduler = DefaultConfig().Scheduler
	}

	if _, err := ParseTier(cfg.Budget.StartTier); err != nil {
		return nil, fmt.Errorf("invalid budget.start_tier: %w", err)
	}

	return cfg, nil
}

// SaveConfigToFile writes a Config as YAML. Secrets are replaced with
// environment variable references, and the previous file is kept as .bak.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg

	apiKeyEnvVar := GetProviderKeyName(cfg.API.Provider)
	sanitized.API.APIKey = sanitizeSecretWithFallback(cfg.API.APIKey, apiKeyEnvVar, "REBRIEF_API_KEY")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if existing, err := os.ReadFile(path); err == nil {
			_ = os.WriteFile(path+".bak", existing, 0o600)
		}
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches the standard config locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"rebrief.yaml",
		"rebrief.yml",
		"configs/config.yaml",
		"configs/rebrief.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns about hardcoded credentials in the config.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) && looksLikeRealKey(cfg.API.APIKey) {
		logger.Warn("API key appears to be hardcoded in config, use an environment variable instead",
			"hint", "set 'api_key: ${REBRIEF_API_KEY}' in config.yaml")
	}
}

// loadEnvFiles loads .env files without overwriting existing variables.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// ReloadEnvFiles re-reads .env files, overriding existing variables, and
// returns how many were set. Used to rotate credentials without a restart.
func ReloadEnvFiles() (int, error) {
	envFiles := []string{".env.local", ".env"} // .env.local takes precedence
	loaded := 0

	for _, f := range envFiles {
		data, err := os.ReadFile(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("reading %s: %w", f, err)
		}

		envMap, err := godotenv.Parse(bytes.NewReader(data))
		if err != nil {
			return 0, fmt.Errorf("parsing %s: %w", f, err)
		}
		for key, value := range envMap {
			if err := os.Setenv(key, value); err != nil {
				return 0, fmt.Errorf("setting %s: %w", key, err)
			}
			loaded++
		}
	}
	return loaded, nil
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?message}, and $VAR
// references with environment values. Unset variables without a modifier
// keep their placeholder; an unset ${VAR:?message} leaves an ERROR: marker
// for expandEnvVarsWithValidation to turn into an error.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)

		var varName, modifierType, modifierValue, bareVar string
		if len(submatches) >= 2 {
			varName = submatches[1]
		}
		if len(submatches) >= 3 {
			modifierType = submatches[2]
		}
		if len(submatches) >= 4 {
			modifierValue = submatches[3]
		}
		if len(submatches) >= 5 {
			bareVar = submatches[4]
		}

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if varName != "" {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			if modifierType == "?" {
				msg := modifierValue
				if msg == "" {
					msg = "required environment variable not set"
				}
				return "ERROR:" + varName + ":" + msg
			}
			if modifierType == "-" {
				return modifierValue
			}
			return match
		}

		return match
	})
}

// expandEnvVarsWithValidation expands references and fails when a
// ${VAR:?message} variable is unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx == -1 {
		return result, nil
	}

	rest := result[idx+6:]
	colonIdx := strings.Index(rest, ":")
	if colonIdx == -1 {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	varName := rest[:colonIdx]
	msg := rest[colonIdx+1:]
	if nl := strings.IndexByte(msg, '\n'); nl >= 0 {
		msg = msg[:nl]
	}
	return "", fmt.Errorf("config error: %s - %s", varName, msg)
}

// resolveSecrets fills the API key from the environment when the config
// value is empty or still a reference.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) {
		return
	}
	for _, envVar := range []string{"REBRIEF_API_KEY", GetProviderKeyName(cfg.API.Provider)} {
		if key := os.Getenv(envVar); key != "" {
			cfg.API.APIKey = key
			return
		}
	}
}

// resolveRelativePaths anchors relative paths at the config file's
// directory so the process's working directory does not matter.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)
	if cfg.Storage.DataDir != "" {
		cfg.Storage.DataDir = resolvePathFromConfig(cfg.Storage.DataDir, configDir)
	}
}

// resolvePathFromConfig expands ~ and resolves relative paths against the
// config directory.
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

// sanitizeSecretWithFallback tries the provider's env var, then the generic
// one. A key matching neither is cleared rather than written to disk.
func sanitizeSecretWithFallback(value, primaryEnvVar, fallbackEnvVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(primaryEnvVar) == value {
		return "${" + primaryEnvVar + "}"
	}
	if os.Getenv(fallbackEnvVar) == value {
		return "${" + fallbackEnvVar + "}"
	}
	if os.Getenv(primaryEnvVar) != "" {
		return "${" + primaryEnvVar + "}"
	}
	if os.Getenv(fallbackEnvVar) != "" {
		return "${" + fallbackEnvVar + "}"
	}
	return ""
}

// IsEnvReference reports whether s is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// looksLikeRealKey heuristically detects real API keys as opposed to
// placeholders.
func looksLikeRealKey(s string) bool {
	if IsEnvReference(s) {
		return false
	}
	if strings.HasPrefix(s, "sk-") {
		return true
	}
	return len(s) > 20
}

// checkFilePermissions warns when the config file is group/world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
