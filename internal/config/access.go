package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "********"

// GetPath retrieves a value using a dot-notation path such as
// "workers.max_process_count". "runtime:<name>" addresses one runtime and
// "runtime:*" all of them.
func (c *Config) GetPath(path string) (any, error) {
	if entity, rest, ok := strings.Cut(path, ":"); ok {
		return c.getEntity(entity, rest)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

func (c *Config) getEntity(entityType, name string) (any, error) {
	switch entityType {
	case "runtime":
		if name == "*" {
			return c.Runtimes, nil
		}
		rt, ok := c.Runtime(name)
		if !ok {
			return nil, fmt.Errorf("runtime %q not found", name)
		}
		return rt, nil
	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

// Redacted returns a copy with the admin key and token secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.API.APIKey != "" {
		out.API.APIKey = redacted
	}
	if len(c.API.Tokens) > 0 {
		out.API.Tokens = make(map[string]APIToken, len(c.API.Tokens))
		for name, t := range c.API.Tokens {
			t.Token = redacted
			out.API.Tokens[name] = t
		}
	}
	return &out
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		val, exists := node[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}
	return current, nil
}

// SetPath writes a scalar at path into the file the config was loaded from.
// The edited file must load and validate, otherwise it is restored and the
// validation error returned. With dryRun the edited YAML is returned unsaved.
func (c *Config) SetPath(path, value string, dryRun bool) ([]byte, error) {
	if c.SourcePath == "" {
		return nil, fmt.Errorf("config was not loaded from a file")
	}
	original, err := os.ReadFile(c.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(original, &root); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}

	target, err := findNode(root.Content[0], path)
	if err != nil {
		return nil, fmt.Errorf("navigate %q: %w", path, err)
	}
	target.Kind = yaml.ScalarNode
	target.Content = nil
	target.Value = value
	target.Tag = guessTag(value)

	candidate, err := yaml.Marshal(&root)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return candidate, nil
	}
	return candidate, persistWithValidation(c.SourcePath, original, candidate)
}

// findNode walks a mapping node, creating missing keys along the way.
func findNode(node *yaml.Node, path string) (*yaml.Node, error) {
	current := node
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("empty path segment")
		}
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%q is not a mapping", part)
		}

		var next *yaml.Node
		for i := 0; i+1 < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				next = current.Content[i+1]
				break
			}
		}
		if next == nil {
			next = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			current.Content = append(current.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}, next)
		}
		current = next
	}
	return current, nil
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	digits := v != "" && v != "-"
	for i, r := range v {
		if i == 0 && r == '-' {
			continue
		}
		if r < '0' || r > '9' {
			digits = false
			break
		}
	}
	if digits {
		return "!!int"
	}
	return "!!str"
}

func persistWithValidation(path string, original, candidate []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(path, candidate, mode); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if _, err := Load(path); err != nil {
		if restoreErr := os.WriteFile(path, original, mode); restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
