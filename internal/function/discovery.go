package function

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/polyhost/internal/config"
)

// ManifestFilename names the manifest file inside a function directory.
const ManifestFilename = "function.yaml"

// Manifest is the on-disk description of one function.
type Manifest struct {
	Name    string `yaml:"name"`
	Script  string `yaml:"script"`
	Runtime string `yaml:"runtime,omitempty"`
}

// Discover scans dir for function.yaml manifests and resolves each to a runtime.
// Invalid manifests are logged but not fatal.
func Discover(dir string, runtimes []config.RuntimeConfig, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}
	root, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve functions dir %q: %w", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("functions dir does not exist: %s", root)
		}
		return nil, fmt.Errorf("failed to stat functions dir %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("functions dir is not a directory: %s", root)
	}

	registry := NewRegistry()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != ManifestFilename {
			return nil
		}

		fn, err := Load(path, runtimes)
		if err != nil {
			logger("warn", "failed to load function", "path", path, "error", err.Error())
			return nil
		}
		if err := registry.Add(fn); err != nil {
			logger("warn", "duplicate function ignored", "function", fn.Name, "path", fn.Directory, "error", err.Error())
			return nil
		}
		logger("info", "loaded function", "function", fn.Name, "id", fn.ID, "runtime", fn.Runtime)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan functions dir %s: %w", root, err)
	}
	return registry, nil
}

// Load reads a single manifest and builds its descriptor.
func Load(manifestPath string, runtimes []config.RuntimeConfig) (*Descriptor, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	dir, err := filepath.Abs(filepath.Dir(manifestPath))
	if err != nil {
		return nil, err
	}
	script := filepath.Join(dir, m.Script)
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("script not found: %w", err)
	}

	runtime, err := ResolveRuntime(m.Runtime, script, runtimes)
	if err != nil {
		return nil, err
	}

	return &Descriptor{
		ID:         StableID(m.Name, script),
		Name:       m.Name,
		Runtime:    runtime,
		ScriptFile: script,
		Directory:  dir,
	}, nil
}

// ResolveRuntime returns declared when it names a configured runtime,
// otherwise the runtime claiming the script's extension.
func ResolveRuntime(declared, script string, runtimes []config.RuntimeConfig) (string, error) {
	if declared != "" {
		for _, rt := range runtimes {
			if rt.Name == declared {
				return declared, nil
			}
		}
		return "", fmt.Errorf("runtime %q is not configured", declared)
	}
	ext := strings.ToLower(filepath.Ext(script))
	if ext == "" {
		return "", fmt.Errorf("cannot infer runtime for %s: no extension", filepath.Base(script))
	}
	for _, rt := range runtimes {
		if rt.ClaimsExtension(ext) {
			return rt.Name, nil
		}
	}
	return "", fmt.Errorf("no runtime claims extension %q", ext)
}

func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if m.Script == "" {
		return fmt.Errorf("script is required")
	}
	if filepath.IsAbs(m.Script) || strings.Contains(m.Script, "..") {
		return fmt.Errorf("script must be relative to the manifest directory: %s", m.Script)
	}
	return nil
}
