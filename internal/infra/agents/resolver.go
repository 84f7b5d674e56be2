// Package agents resolves agent identities to concrete launch commands.
// Specs come from three sources, later ones taking precedence: built-in
// defaults, an optional agents.yaml manifest, and the TOML configuration.
package agents

import (
	"bytes"
	"os"
	"os/exec"
	"slices"
	"sort"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/perch-dev/perch/internal/domain"
)

// ManifestFileName is the optional per-project agent manifest.
const ManifestFileName = "agents.yaml"

// builtins are the agents perch knows how to launch out of the box.
var builtins = map[string]domain.AgentSpec{
	"claude": {
		Command: "claude",
		Args:    []string{"--permission-mode", "acceptEdits"},
	},
	"codex": {
		Command: "codex",
		Args:    []string{"--full-auto"},
	},
	"opencode": {
		Command: "opencode",
	},
}

// templateData is what an args template can reference.
type templateData struct {
	TaskspaceID string
	Name        string
	Prompt      string
}

// Resolver implements domain.AgentResolver.
type Resolver struct {
	cfg      *domain.Config
	specs    map[string]domain.AgentSpec
	lookPath func(string) (string, error)
}

// Ensure Resolver implements domain.AgentResolver.
var _ domain.AgentResolver = (*Resolver)(nil)

// NewResolver builds a resolver from the configuration and an optional
// manifest file. A missing manifest is not an error.
func NewResolver(cfg *domain.Config, manifestPath string) (*Resolver, error) {
	specs := make(map[string]domain.AgentSpec, len(builtins))
	for name, spec := range builtins {
		specs[name] = spec
	}

	if manifestPath != "" {
		manifest, err := loadManifest(manifestPath)
		if err != nil {
			return nil, err
		}
		for name, spec := range manifest {
			specs[name] = spec
		}
	}

	for name, spec := range cfg.Agents {
		merged := specs[name]
		if spec.Command != "" {
			merged.Command = spec.Command
		}
		if len(spec.Args) > 0 {
			merged.Args = spec.Args
		}
		if len(spec.Env) > 0 {
			merged.Env = spec.Env
		}
		specs[name] = merged
	}

	return &Resolver{cfg: cfg, specs: specs, lookPath: exec.LookPath}, nil
}

// manifestFile is the YAML shape of agents.yaml.
type manifestFile struct {
	Agents map[string]manifestSpec `yaml:"agents"`
}

type manifestSpec struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

func loadManifest(path string) (map[string]domain.AgentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var file manifestFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	specs := make(map[string]domain.AgentSpec, len(file.Agents))
	for name, spec := range file.Agents {
		specs[name] = domain.AgentSpec{Command: spec.Command, Args: spec.Args, Env: spec.Env}
	}
	return specs, nil
}

// Resolve returns the launch command for the agent, or nil when the agent is
// unknown or its executable is not installed. Args may be templates
// referencing the taskspace.
func (r *Resolver) Resolve(agent string, ts *domain.Taskspace) []string {
	name := agent
	if name == "" {
		name = r.cfg.DefaultAgent
	}
	spec, ok := r.specs[name]
	if !ok || spec.Command == "" {
		return nil
	}
	if _, err := r.lookPath(spec.Command); err != nil {
		return nil
	}

	data := templateData{}
	if ts != nil {
		data = templateData{TaskspaceID: ts.ID, Name: ts.Name, Prompt: ts.InitialPrompt}
	}
	// The common [agent] prompt rides along with every agent's prompt.
	if common := r.cfg.Agent.Prompt; common != "" {
		if data.Prompt != "" {
			data.Prompt += "\n\n" + common
		} else {
			data.Prompt = common
		}
	}

	cmd := make([]string, 0, len(spec.Args)+len(spec.Env)*2+2)
	if len(spec.Env) > 0 {
		// Extra environment rides on env(1) so the caller can exec the
		// slice as-is.
		cmd = append(cmd, "env")
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cmd = append(cmd, k+"="+spec.Env[k])
		}
	}
	cmd = append(cmd, spec.Command)
	for _, arg := range spec.Args {
		cmd = append(cmd, expand(arg, data))
	}
	return cmd
}

// expand renders one argument template. A malformed template is passed
// through literally.
func expand(arg string, data templateData) string {
	tmpl, err := template.New("arg").Parse(arg)
	if err != nil {
		return arg
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return arg
	}
	return buf.String()
}

// List returns every known agent with its install status, sorted by name.
func (r *Resolver) List() []domain.AgentInfo {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	slices.Sort(names)

	infos := make([]domain.AgentInfo, 0, len(names))
	for _, name := range names {
		spec := r.specs[name]
		_, err := r.lookPath(spec.Command)
		infos = append(infos, domain.AgentInfo{
			Name:      name,
			Command:   append([]string{spec.Command}, spec.Args...),
			Installed: err == nil,
		})
	}
	return infos
}
