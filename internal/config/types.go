package config

import "time"

// MaxProcessCountCeiling is the hard upper bound on worker processes per runtime.
const MaxProcessCountCeiling = 10

// Config represents the complete polyhost configuration.
type Config struct {
	Service      ServiceConfig   `yaml:"service"`
	RPC          RPCConfig       `yaml:"rpc"`
	Workers      WorkersConfig   `yaml:"workers"`
	Runtimes     []RuntimeConfig `yaml:"runtimes"`
	FunctionsDir string          `yaml:"functions_dir"`
	Watch        WatchConfig     `yaml:"watch"`
	Journal      JournalConfig   `yaml:"journal"`
	API          APIConfig       `yaml:"api,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	LockPath string `yaml:"lock_path"`
}

// RPCConfig defines the endpoint workers connect back to.
type RPCConfig struct {
	// Listen is a loopback host:port. Port 0 picks a free port.
	Listen string `yaml:"listen"`
}

// WorkersConfig controls pool sizing and the restart loop.
type WorkersConfig struct {
	MaxProcessCount   int           `yaml:"max_process_count"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	StartupStagger    time.Duration `yaml:"startup_stagger"`
	RestartDebounce   time.Duration `yaml:"restart_debounce"`
	ErrorBudgetFactor int           `yaml:"error_budget_factor"`
	ErrorHistorySize  int           `yaml:"error_history_size"`
	BufferSize        int           `yaml:"buffer_size"`
	TerminationGrace  time.Duration `yaml:"termination_grace"`
}

// RuntimeConfig identifies one supported language runtime.
type RuntimeConfig struct {
	Name         string            `yaml:"name"`
	Executable   string            `yaml:"executable"`
	Arguments    []string          `yaml:"arguments,omitempty"`
	WorkerScript string            `yaml:"worker_script,omitempty"`
	Extensions   []string          `yaml:"extensions"`
	WorkingDir   string            `yaml:"working_dir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
}

// ClaimsExtension reports whether the runtime handles files with ext (".py").
func (r RuntimeConfig) ClaimsExtension(ext string) bool {
	for _, e := range r.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// WatchConfig defines the function directory watcher.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// JournalConfig defines the sqlite execution journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey is the admin token; it carries every scope.
	APIKey string `yaml:"api_key"`
	// Tokens are named bearer tokens limited to their scopes.
	Tokens map[string]APIToken `yaml:"tokens,omitempty"`
}

// APIToken is a scoped bearer token.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Runtime looks up a runtime by name.
func (c *Config) Runtime(name string) (RuntimeConfig, bool) {
	for _, rt := range c.Runtimes {
		if rt.Name == name {
			return rt, true
		}
	}
	return RuntimeConfig{}, false
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "polyhost",
			LogLevel: "info",
			LockPath: "./data/polyhost.lock",
		},
		RPC: RPCConfig{
			Listen: "127.0.0.1:0",
		},
		Workers:      DefaultWorkers(),
		FunctionsDir: "./functions",
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 500 * time.Millisecond,
		},
		Journal: JournalConfig{
			Path: "./data/journal.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}

// DefaultWorkers returns default pool and restart settings.
func DefaultWorkers() WorkersConfig {
	return WorkersConfig{
		MaxProcessCount:   1,
		ConnectTimeout:    10 * time.Second,
		StartupStagger:    5 * time.Second,
		RestartDebounce:   2 * time.Second,
		ErrorBudgetFactor: 3,
		ErrorHistorySize:  32,
		BufferSize:        1000,
		TerminationGrace:  5 * time.Second,
	}
}
