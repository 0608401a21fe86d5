package engine

import (
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/pelletier/go-toml/v2"
)

//go:embed engines.toml
var enginesTOML []byte

// Definition describes how an engine binary is spawned and controlled.
type Definition struct {
	Description string   `toml:"description"`
	Binary      string   `toml:"binary"`
	Args        []string `toml:"args,omitempty"`
	IPCFlag     string   `toml:"ipc_flag"`
	Platforms   []string `toml:"platforms"`
}

// RegistryConfig holds all engine definitions.
type RegistryConfig struct {
	Engines map[string]Definition `toml:"engines"`
}

// Registry manages the known engine definitions.
type Registry struct {
	engines map[string]Definition
}

// NewRegistry creates a registry from the embedded TOML, merged with any
// user overrides from the config directory.
func NewRegistry() (*Registry, error) {
	var config RegistryConfig
	if err := toml.Unmarshal(enginesTOML, &config); err != nil {
		return nil, fmt.Errorf("parsing engines.toml: %w", err)
	}

	registry := &Registry{
		engines: config.Engines,
	}

	registry.loadUserConfig()

	return registry, nil
}

// loadUserConfig loads custom engine definitions from the user's config directory
func (r *Registry) loadUserConfig() {
	configPaths := []string{
		"~/.config/earshot/engines.toml",
		"./engines.toml",
	}

	for _, path := range configPaths {
		if len(path) >= 2 && path[:2] == "~/" {
			if home, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(home, path[2:])
			}
		}

		if data, err := os.ReadFile(path); err == nil {
			var userConfig RegistryConfig
			if err := toml.Unmarshal(data, &userConfig); err == nil {
				// User definitions override the built-in ones
				for name, def := range userConfig.Engines {
					r.engines[name] = def
				}
			}
		}
	}
}

// Lookup returns the definition for the named engine.
func (r *Registry) Lookup(name string) (Definition, error) {
	def, exists := r.engines[name]
	if !exists {
		return Definition{}, fmt.Errorf("unknown engine %q", name)
	}

	supportsPlatform := false
	for _, p := range def.Platforms {
		if p == runtime.GOOS {
			supportsPlatform = true
			break
		}
	}
	if !supportsPlatform {
		return Definition{}, fmt.Errorf("%s not supported on %s", name, runtime.GOOS)
	}

	return def, nil
}

// IsAvailable checks whether the engine's binary is installed.
func (r *Registry) IsAvailable(name string) bool {
	def, exists := r.engines[name]
	if !exists {
		return false
	}
	_, err := exec.LookPath(def.Binary)
	return err == nil
}

// FindAvailable returns the first installed engine from the list.
func (r *Registry) FindAvailable(names []string) string {
	for _, name := range names {
		if r.IsAvailable(name) {
			return name
		}
	}
	return ""
}
