// Package config provides configuration loading functionality.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/perch-dev/perch/internal/domain"
)

// ConfigFileName is the configuration file name in both scopes.
const ConfigFileName = "config.toml"

// Ensure Loader implements domain.ConfigLoader.
var _ domain.ConfigLoader = (*Loader)(nil)

// Loader loads configuration from TOML files. Project config takes
// precedence over global config, which takes precedence over defaults.
type Loader struct {
	projectDir    string // project root holding config.toml, may be empty
	globalConfDir string // e.g. ~/.config/perch
}

// NewLoader creates a Loader for the given project root.
func NewLoader(projectDir string) *Loader {
	return &Loader{
		projectDir:    projectDir,
		globalConfDir: defaultGlobalConfigDir(),
	}
}

// NewLoaderWithGlobalDir creates a Loader with a custom global config
// directory. This is useful for testing.
func NewLoaderWithGlobalDir(projectDir, globalConfDir string) *Loader {
	return &Loader{
		projectDir:    projectDir,
		globalConfDir: globalConfDir,
	}
}

// defaultGlobalConfigDir returns the default global config directory.
func defaultGlobalConfigDir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "perch")
}

// fileConfig is the TOML shape of a config file.
type fileConfig struct {
	DefaultAgent string                   `toml:"default_agent"`
	Agent        agentSection             `toml:"agent"`
	Agents       map[string]agentFileSpec `toml:"agents"`
	Git          gitSection               `toml:"git"`
	Log          logSection               `toml:"log"`
}

type agentSection struct {
	Prompt string `toml:"prompt"`
}

type agentFileSpec struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
}

type gitSection struct {
	Remote string `toml:"remote"`
}

type logSection struct {
	Level string `toml:"level"`
}

// Load returns the merged configuration. Missing files are not an error;
// the defaults apply.
func (l *Loader) Load() (*domain.Config, error) {
	base := defaultConfig()

	if l.globalConfDir != "" {
		global, err := l.loadFile(filepath.Join(l.globalConfDir, ConfigFileName))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if global != nil {
			merge(base, global)
		}
	}

	if l.projectDir != "" {
		project, err := l.loadFile(filepath.Join(l.projectDir, ConfigFileName))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if project != nil {
			merge(base, project)
		}
	}

	return base, nil
}

func defaultConfig() *domain.Config {
	return &domain.Config{
		DefaultAgent: "claude",
		Agents:       make(map[string]domain.AgentSpec),
		Git:          domain.GitConfig{Remote: domain.DefaultRemoteName},
		Log:          domain.LogConfig{Level: "info"},
	}
}

func (l *Loader) loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file fileConfig
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &file, nil
}

// merge applies the non-empty fields of a file onto the config. Per-agent
// entries merge field by field so a project file can override just the args
// of a globally configured agent.
func merge(base *domain.Config, file *fileConfig) {
	if file.DefaultAgent != "" {
		base.DefaultAgent = file.DefaultAgent
	}
	if file.Agent.Prompt != "" {
		base.Agent.Prompt = file.Agent.Prompt
	}
	if file.Git.Remote != "" {
		base.Git.Remote = file.Git.Remote
	}
	if file.Log.Level != "" {
		base.Log.Level = file.Log.Level
	}
	for name, spec := range file.Agents {
		merged := base.Agents[name]
		if spec.Command != "" {
			merged.Command = spec.Command
		}
		if len(spec.Args) > 0 {
			merged.Args = spec.Args
		}
		if len(spec.Env) > 0 {
			if merged.Env == nil {
				merged.Env = make(map[string]string)
			}
			for k, v := range spec.Env {
				merged.Env[k] = v
			}
		}
		base.Agents[name] = merged
	}
}
