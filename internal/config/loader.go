package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

const defaultConfigName = "polyhost.yaml"

// Load reads, interpolates, defaults and validates configuration from a file.
// A directory path is resolved to the polyhost.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, defaultConfigName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", defaultConfigName, absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	resolvePaths(cfg, filepath.Dir(absPath))

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Defaults() after ${ENV} interpolation.
// It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	applyConfigDefaults(cfg)
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $POLYHOST_CONFIG, ./polyhost.yaml, ~/.config/polyhost/polyhost.yaml.
func Discover() (string, error) {
	if p := os.Getenv("POLYHOST_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName, nil
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "polyhost", defaultConfigName)
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $POLYHOST_CONFIG, ./%s, ~/.config/polyhost/%s)",
		defaultConfigName, defaultConfigName)
}

// applyConfigDefaults fills zero values that YAML may have cleared.
func applyConfigDefaults(cfg *Config) {
	def := DefaultWorkers()
	w := &cfg.Workers
	if w.MaxProcessCount == 0 {
		w.MaxProcessCount = def.MaxProcessCount
	}
	if w.ConnectTimeout == 0 {
		w.ConnectTimeout = def.ConnectTimeout
	}
	if w.ErrorBudgetFactor == 0 {
		w.ErrorBudgetFactor = def.ErrorBudgetFactor
	}
	if w.ErrorHistorySize == 0 {
		w.ErrorHistorySize = def.ErrorHistorySize
	}
	if w.BufferSize == 0 {
		w.BufferSize = def.BufferSize
	}
	if w.TerminationGrace == 0 {
		w.TerminationGrace = def.TerminationGrace
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	for i := range cfg.Runtimes {
		rt := &cfg.Runtimes[i]
		for j, ext := range rt.Extensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext != "" && !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			rt.Extensions[j] = ext
		}
	}
}

// resolvePaths makes relative filesystem paths relative to the config file.
func resolvePaths(cfg *Config, baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.FunctionsDir = abs(cfg.FunctionsDir)
	cfg.Journal.Path = abs(cfg.Journal.Path)
	cfg.Service.LockPath = abs(cfg.Service.LockPath)
	for i := range cfg.Runtimes {
		rt := &cfg.Runtimes[i]
		rt.WorkerScript = abs(rt.WorkerScript)
		rt.WorkingDir = abs(rt.WorkingDir)
	}
}

// interpolateEnv replaces ${VAR} with the environment value; unknown variables are left in place.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate performs structural validation on the configuration.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	host, _, err := net.SplitHostPort(cfg.RPC.Listen)
	if err != nil {
		return fmt.Errorf("rpc.listen: %w", err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("rpc.listen must be a loopback address (got %q)", cfg.RPC.Listen)
	}

	w := cfg.Workers
	if w.MaxProcessCount < 1 || w.MaxProcessCount > MaxProcessCountCeiling {
		return fmt.Errorf("workers.max_process_count must be between 1 and %d (got %d)",
			MaxProcessCountCeiling, w.MaxProcessCount)
	}
	if w.ConnectTimeout <= 0 {
		return fmt.Errorf("workers.connect_timeout must be positive")
	}
	if w.StartupStagger < 0 || w.RestartDebounce < 0 {
		return fmt.Errorf("workers.startup_stagger and workers.restart_debounce must not be negative")
	}
	if w.ErrorBudgetFactor < 1 {
		return fmt.Errorf("workers.error_budget_factor must be at least 1")
	}
	if w.BufferSize < 1 {
		return fmt.Errorf("workers.buffer_size must be at least 1")
	}

	if len(cfg.Runtimes) == 0 {
		return fmt.Errorf("at least one runtime is required")
	}
	seen := make(map[string]bool, len(cfg.Runtimes))
	claimed := make(map[string]string)
	for i, rt := range cfg.Runtimes {
		if rt.Name == "" {
			return fmt.Errorf("runtimes[%d].name is required", i)
		}
		if seen[rt.Name] {
			return fmt.Errorf("runtimes[%d]: duplicate runtime %q", i, rt.Name)
		}
		seen[rt.Name] = true
		if rt.Executable == "" {
			return fmt.Errorf("runtime %q: executable is required", rt.Name)
		}
		if envVarPattern.MatchString(rt.Executable) {
			return fmt.Errorf("runtime %q: executable has unresolved environment variable", rt.Name)
		}
		for _, ext := range rt.Extensions {
			if owner, ok := claimed[ext]; ok {
				return fmt.Errorf("runtime %q: extension %q already claimed by %q", rt.Name, ext, owner)
			}
			claimed[ext] = rt.Name
		}
	}

	if cfg.FunctionsDir == "" {
		return fmt.Errorf("functions_dir is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if envVarPattern.MatchString(cfg.API.APIKey) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.APIKey)
			return fmt.Errorf("api.api_key: environment variable ${%s} is not set", matches[1])
		}
		for name, tok := range cfg.API.Tokens {
			if strings.TrimSpace(tok.Token) == "" || envVarPattern.MatchString(tok.Token) {
				return fmt.Errorf("api.tokens.%s: token is empty or unresolved", name)
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.tokens.%s: at least one scope is required", name)
			}
		}
	}
	return nil
}
