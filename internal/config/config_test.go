package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewConfigDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if c.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", c.Project.Version)
	}
	if c.DefaultWorkflow() != defaultWorkflowID {
		t.Fatalf("expected default workflow %q, got %q", defaultWorkflowID, c.DefaultWorkflow())
	}
	if want := filepath.Join(c.ProjectDir, ".flow", "tasks"); c.TasksDir() != want {
		t.Fatalf("expected tasks dir %s, got %s", want, c.TasksDir())
	}
	if !c.CatalogEnabled() || !c.WatchEnabled() {
		t.Fatalf("catalog and watch should default on")
	}
	if c.AgentNamespace() != "" {
		t.Fatalf("expected verbatim agents by default")
	}
}

func TestInitFlowDirWritesParseableConfig(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitFlowDir(projectDir); err != nil {
		t.Fatalf("InitFlowDir: %v", err)
	}
	for _, dir := range []string{"logs", "tasks", "workflows"} {
		if info, err := os.Stat(filepath.Join(projectDir, FlowDir, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s dir: %v", dir, err)
		}
	}
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig after init: %v", err)
	}
	if dirs := c.WorkflowDirs(); len(dirs) != 1 || !strings.HasSuffix(dirs[0], filepath.Join(".flow", "workflows")) {
		t.Fatalf("unexpected workflow dirs: %v", dirs)
	}
	if c.LogLevel() != slog.LevelInfo {
		t.Fatalf("expected info level, got %v", c.LogLevel())
	}
}

func TestLoadProjectConfigParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	flowDir := filepath.Join(projectDir, FlowDir)
	if err := os.MkdirAll(flowDir, 0o755); err != nil {
		t.Fatal(err)
	}
	configYAML := strings.TrimSpace(`
version: 1
workflows:
  default: bugfix
  dirs: [workflows]
  external: [/srv/shared/workflows/**/*.yaml]
  catalog: false
  watch: false
tasks:
  dir: tracker/tasks
agents:
  namespace: "@flow"
autonomy: true
logging:
  level: DEBUG
metrics:
  address: 127.0.0.1:9464
`)
	if err := os.WriteFile(filepath.Join(flowDir, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if c.DefaultWorkflow() != "bugfix" {
		t.Fatalf("wrong default workflow: %s", c.DefaultWorkflow())
	}
	if dirs := c.WorkflowDirs(); len(dirs) != 1 || dirs[0] != filepath.Join(c.ProjectDir, "workflows") {
		t.Fatalf("expected resolved workflow dir, got %v", dirs)
	}
	if ext := c.ExternalSources(); len(ext) != 1 || ext[0] != "/srv/shared/workflows/**/*.yaml" {
		t.Fatalf("unexpected external sources: %v", ext)
	}
	if c.CatalogEnabled() || c.WatchEnabled() {
		t.Fatalf("catalog and watch should be disabled")
	}
	if !strings.HasPrefix(c.TasksDir(), c.ProjectDir) {
		t.Fatalf("expected tasks dir to be resolved, got %s", c.TasksDir())
	}
	if c.AgentNamespace() != "flow" {
		t.Fatalf("expected namespace without @, got %q", c.AgentNamespace())
	}
	if !c.Autonomy() {
		t.Fatalf("expected autonomy on")
	}
	if c.LogLevel() != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", c.LogLevel())
	}
	if c.MetricsAddress() != "127.0.0.1:9464" {
		t.Fatalf("unexpected metrics address %q", c.MetricsAddress())
	}
}

func TestLoadProjectConfigValidation(t *testing.T) {
	projectDir := t.TempDir()
	flowDir := filepath.Join(projectDir, FlowDir)
	if err := os.MkdirAll(flowDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(flowDir, "config.yaml"), []byte("logging:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewConfig(projectDir); err == nil || !strings.Contains(err.Error(), "logging.level") {
		t.Fatalf("expected logging.level error, got %v", err)
	}
}

func TestSetDefaultWorkflowPersists(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitFlowDir(projectDir); err != nil {
		t.Fatal(err)
	}
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetDefaultWorkflow("review"); err != nil {
		t.Fatalf("SetDefaultWorkflow: %v", err)
	}
	data, err := os.ReadFile(c.ProjectConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), c.ProjectDir) {
		t.Fatalf("saved config should keep project paths relative:\n%s", data)
	}
	reloaded, err := NewConfig(projectDir)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.DefaultWorkflow() != "review" {
		t.Fatalf("expected persisted default, got %s", reloaded.DefaultWorkflow())
	}
	if err := c.SetDefaultWorkflow("  "); err == nil {
		t.Fatalf("expected error for empty id")
	}
}
