//go:build linux

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// ErrDuplicateConfigFiles is returned when config files with more than one
// extension exist at the same location.
var ErrDuplicateConfigFiles = errors.New("duplicate config files")

// configExtensions are tried, in order, next to the global config base path.
var configExtensions = []string{".json", ".jsonc", ".yaml", ".yml"}

// Config holds the application configuration. Every field can also be given
// as a flag, which wins.
type Config struct {
	Runtime      string   `json:"runtime,omitempty"       yaml:"runtime,omitempty"`
	VariableDir  string   `json:"variable_dir,omitempty"  yaml:"variable_dir,omitempty"`
	ToolsDir     string   `json:"tools_dir,omitempty"     yaml:"tools_dir,omitempty"`
	TmpDir       string   `json:"tmp_dir,omitempty"       yaml:"tmp_dir,omitempty"`
	Provider     string   `json:"provider,omitempty"      yaml:"provider,omitempty"`
	Executor     string   `json:"executor,omitempty"      yaml:"executor,omitempty"`
	LocaleGen    string   `json:"locale_gen,omitempty"    yaml:"locale_gen,omitempty"`
	Share        []string `json:"share,omitempty"         yaml:"share,omitempty"`
	CopyRuntime  *bool    `json:"copy_runtime,omitempty"  yaml:"copy_runtime,omitempty"`
	GC           *bool    `json:"gc,omitempty"            yaml:"gc,omitempty"`
	LockWait     *bool    `json:"lock_wait,omitempty"     yaml:"lock_wait,omitempty"`
	SingleThread *bool    `json:"single_thread,omitempty" yaml:"single_thread,omitempty"`

	// LoadedFrom lists the files merged into this config, in order.
	LoadedFrom []string `json:"-" yaml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Executor:     "bwrap",
		CopyRuntime:  boolPtr(false),
		GC:           boolPtr(true),
		LockWait:     boolPtr(false),
		SingleThread: boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func boolValue(b *bool) bool {
	return b != nil && *b
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	ConfigPath string            // --config flag value
	Env        map[string]string // Environment variables (for XDG_CONFIG_HOME)
}

// LoadConfig loads configuration with the following precedence (later
// overrides earlier):
//  1. Built-in defaults
//  2. Global config: $XDG_CONFIG_HOME/vessel/config.{json,jsonc,yaml,yml}
//     (defaults to ~/.config/vessel/), loaded if it exists
//  3. --config file
//
// JSON files may contain comments and trailing commas.
func LoadConfig(input LoadConfigInput) (Config, error) {
	cfg := DefaultConfig()

	globalConfigBasePath, err := getUserConfigBasePath(input.Env)
	if err != nil {
		return Config{}, err
	}

	globalConfigPath, err := findConfigFile(globalConfigBasePath)

	switch {
	case err == nil:
		globalCfg, loadErr := loadConfigFile(globalConfigPath)
		if loadErr != nil {
			return Config{}, loadErr
		}

		cfg = mergeConfigs(&cfg, &globalCfg)
		cfg.LoadedFrom = append(cfg.LoadedFrom, globalConfigPath)
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, err
	}

	if input.ConfigPath != "" {
		configPath, err := filepath.Abs(input.ConfigPath)
		if err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", input.ConfigPath, err)
		}

		explicitCfg, err := loadConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}

		cfg = mergeConfigs(&cfg, &explicitCfg)
		cfg.LoadedFrom = append(cfg.LoadedFrom, configPath)
	}

	return cfg, nil
}

// findConfigFile returns the one existing file basePath+ext for the known
// extensions. It returns os.ErrNotExist when there is none and
// ErrDuplicateConfigFiles when there are several.
func findConfigFile(basePath string) (string, error) {
	var found []string

	for _, ext := range configExtensions {
		path := basePath + ext

		exists, err := fileExists(path)
		if err != nil {
			return "", err
		}

		if exists {
			found = append(found, path)
		}
	}

	switch len(found) {
	case 0:
		return "", os.ErrNotExist
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: %s; keep one", ErrDuplicateConfigFiles, strings.Join(found, ", "))
	}
}

// fileExists reports whether path is an existing non-directory.
func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("checking file %s: %w", path, err)
	}

	return !info.IsDir(), nil
}

// loadConfigFile parses a config file, choosing YAML or JSON by extension.
func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}

		err = json.Unmarshal(standardized, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	return cfg, nil
}

// mergeConfigs merges override into base, with override taking precedence.
// Empty values in override leave base alone.
func mergeConfigs(base, override *Config) Config {
	result := *base

	for _, field := range []struct {
		dst *string
		src string
	}{
		{&result.Runtime, override.Runtime},
		{&result.VariableDir, override.VariableDir},
		{&result.ToolsDir, override.ToolsDir},
		{&result.TmpDir, override.TmpDir},
		{&result.Provider, override.Provider},
		{&result.Executor, override.Executor},
		{&result.LocaleGen, override.LocaleGen},
	} {
		if field.src != "" {
			*field.dst = field.src
		}
	}

	for _, field := range []struct {
		dst **bool
		src *bool
	}{
		{&result.CopyRuntime, override.CopyRuntime},
		{&result.GC, override.GC},
		{&result.LockWait, override.LockWait},
		{&result.SingleThread, override.SingleThread},
	} {
		if field.src != nil {
			*field.dst = field.src
		}
	}

	if len(override.Share) > 0 {
		result.Share = override.Share
	}

	return result
}

// getUserConfigBasePath returns the user config base path (without
// extension).
func getUserConfigBasePath(env map[string]string) (string, error) {
	if xdg, ok := env["XDG_CONFIG_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, "vessel", "config"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, ".config", "vessel", "config"), nil
}
