// internal/config/config.go
//
// This package handles configuration and the .flow directory structure.
// Every project that uses flow gets a .flow/ folder created in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// FlowDir is the name of the directory we create in each project
	FlowDir = ".flow"

	defaultWorkflowID = "feature"
)

const defaultProjectConfigYAML = `# flow project configuration
version: 1

workflows:
  default: feature
  # Project definitions win over external sources, which win over the catalog.
  dirs:
    - .flow/workflows
  external: []
  catalog: true
  # Reload project and external definitions while serving.
  watch: true

tasks:
  dir: .flow/tasks

agents:
  # Empty passes agent ids through verbatim. "flow" rewrites developer -> @flow:developer.
  namespace: ""

# Default autonomy flag for new tasks.
autonomy: false

logging:
  level: info

metrics:
  # e.g. 127.0.0.1:9464 serves /metrics while "flow serve" runs.
  address: ""
`

// WorkflowConfig captures where workflow definitions come from.
type WorkflowConfig struct {
	Default  string   `yaml:"default"`
	Dirs     []string `yaml:"dirs"`
	External []string `yaml:"external"`
	Catalog  *bool    `yaml:"catalog,omitempty"`
	Watch    *bool    `yaml:"watch,omitempty"`
}

// TaskConfig locates task records.
type TaskConfig struct {
	Dir string `yaml:"dir"`
}

// AgentConfig controls how agent ids appear in responses.
type AgentConfig struct {
	Namespace string `yaml:"namespace"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig exposes prometheus metrics when Address is set.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// ProjectConfig models .flow/config.yaml.
type ProjectConfig struct {
	Version   int            `yaml:"version"`
	Workflows WorkflowConfig `yaml:"workflows"`
	Tasks     TaskConfig     `yaml:"tasks"`
	Agents    AgentConfig    `yaml:"agents"`
	Autonomy  bool           `yaml:"autonomy"`
	Logging   LoggingConfig  `yaml:"logging"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

// Config holds the runtime configuration for flow.
type Config struct {
	// ProjectDir is the directory flow was started from
	ProjectDir string

	// FlowProjectDir is ProjectDir/.flow
	FlowProjectDir string

	Project ProjectConfig
}

// InitFlowDir creates the .flow directory structure in the given project directory.
//
// Structure created:
// .flow/
// ├── config.yaml
// ├── logs/       <- flow.log
// ├── tasks/      <- task records
// └── workflows/  <- project workflow definitions
func InitFlowDir(projectDir string) error {
	flowDir := filepath.Join(projectDir, FlowDir)
	dirs := []string{
		filepath.Join(flowDir, "logs"),
		filepath.Join(flowDir, "tasks"),
		filepath.Join(flowDir, "workflows"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(flowDir, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings.
// A missing config file yields defaults.
func NewConfig(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir:     abs,
		FlowProjectDir: filepath.Join(abs, FlowDir),
		Project:        defaultProjectConfig(),
	}
	cfg.Project.normalize(abs)
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.FlowProjectDir, "logs")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.FlowProjectDir, "config.yaml")
}

// WorkflowDirs returns the project definition directories, highest precedence first.
func (c *Config) WorkflowDirs() []string {
	return append([]string(nil), c.Project.Workflows.Dirs...)
}

// ExternalSources returns externally supplied definition directories or globs.
func (c *Config) ExternalSources() []string {
	return append([]string(nil), c.Project.Workflows.External...)
}

// CatalogEnabled reports whether built-in definitions are loaded.
func (c *Config) CatalogEnabled() bool {
	return boolOr(c.Project.Workflows.Catalog, true)
}

// WatchEnabled reports whether definition sources are reloaded on change.
func (c *Config) WatchEnabled() bool {
	return boolOr(c.Project.Workflows.Watch, true)
}

// TasksDir returns the directory holding task records.
func (c *Config) TasksDir() string {
	return c.Project.Tasks.Dir
}

// AgentNamespace returns the configured agent namespace ("" = verbatim).
func (c *Config) AgentNamespace() string {
	return c.Project.Agents.Namespace
}

// Autonomy returns the default autonomy flag for new tasks.
func (c *Config) Autonomy() bool {
	return c.Project.Autonomy
}

// MetricsAddress returns the listen address for /metrics, if any.
func (c *Config) MetricsAddress() string {
	return c.Project.Metrics.Address
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Project.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// DefaultWorkflow returns the configured default workflow identifier.
func (c *Config) DefaultWorkflow() string {
	return c.Project.Workflows.Default
}

// SetDefaultWorkflow updates the default workflow identifier and persists the
// value back to .flow/config.yaml.
func (c *Config) SetDefaultWorkflow(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("config: workflow id is required")
	}
	c.Project.Workflows.Default = id
	return c.saveProjectConfig()
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Workflows: WorkflowConfig{
			Default: defaultWorkflowID,
			Dirs:    []string{filepath.Join(FlowDir, "workflows")},
		},
		Tasks:   TaskConfig{Dir: filepath.Join(FlowDir, "tasks")},
		Logging: LoggingConfig{Level: "info"},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.Tasks.Dir) == "" {
		pc.Tasks.Dir = filepath.Join(FlowDir, "tasks")
	}
	if strings.TrimSpace(pc.Logging.Level) == "" {
		pc.Logging.Level = "info"
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Workflows.Default = strings.TrimSpace(pc.Workflows.Default)
	if pc.Workflows.Default == "" {
		pc.Workflows.Default = defaultWorkflowID
	}
	pc.Workflows.Dirs = resolvePaths(base, pc.Workflows.Dirs)
	pc.Workflows.External = resolvePaths(base, pc.Workflows.External)
	pc.Tasks.Dir = resolvePath(base, pc.Tasks.Dir)
	pc.Agents.Namespace = strings.TrimPrefix(strings.TrimSpace(pc.Agents.Namespace), "@")
	pc.Logging.Level = strings.ToLower(strings.TrimSpace(pc.Logging.Level))
	pc.Metrics.Address = strings.TrimSpace(pc.Metrics.Address)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if strings.TrimSpace(pc.Workflows.Default) == "" {
		return fmt.Errorf("workflows.default is required")
	}
	if strings.ContainsAny(pc.Agents.Namespace, ": ") {
		return fmt.Errorf("agents.namespace must not contain ':' or spaces")
	}
	switch pc.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}
	return nil
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func resolvePaths(base string, candidates []string) []string {
	var out []string
	for _, candidate := range candidates {
		if resolved := resolvePath(base, candidate); resolved != "" {
			out = append(out, resolved)
		}
	}
	return out
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize(c.ProjectDir)
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.FlowProjectDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure flow dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project.relativeTo(c.ProjectDir))
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}

// relativeTo rewrites paths under base back to relative form so a saved
// config stays portable.
func (pc ProjectConfig) relativeTo(base string) ProjectConfig {
	rel := func(p string) string {
		if r, err := filepath.Rel(base, p); err == nil && !strings.HasPrefix(r, "..") {
			return r
		}
		return p
	}
	out := pc
	out.Workflows.Dirs = nil
	for _, d := range pc.Workflows.Dirs {
		out.Workflows.Dirs = append(out.Workflows.Dirs, rel(d))
	}
	out.Workflows.External = nil
	for _, d := range pc.Workflows.External {
		out.Workflows.External = append(out.Workflows.External, rel(d))
	}
	out.Tasks.Dir = rel(pc.Tasks.Dir)
	return out
}
